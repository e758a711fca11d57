// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/internal/logging"
	"github.com/energyhub/permission-mediation/internal/metrics"
	"github.com/energyhub/permission-mediation/pkg/core"
)

const (
	DefaultSubscriptionBuffer = 256
	defaultIngressBuffer      = 1024
	sourceBuffer              = 64
)

var ErrClosed = errors.New("multicast closed")

// Multicast merges the streams of many sources of one envelope kind and
// hands every envelope to every subscriber. Each source has its own
// goroutine and buffer, so envelopes of one source keep their order; there
// is no order across sources.
type Multicast struct {
	kind    core.EnvelopeKind
	ingress chan core.Envelope
	logger  *slog.Logger
	envLog  *logging.EnvelopeLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	subs    map[string]*subscription
	sources map[string]*sourceHandle
	closed  bool

	sourceWG   sync.WaitGroup
	dispatched chan struct{}
}

func NewMulticast(kind core.EnvelopeKind, logger *slog.Logger, envLog *logging.EnvelopeLogger) *Multicast {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multicast{
		kind:       kind,
		ingress:    make(chan core.Envelope, defaultIngressBuffer),
		logger:     logger.With("kind", kind),
		envLog:     envLog,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
		sources:    make(map[string]*sourceHandle),
		dispatched: make(chan struct{}),
	}
	go m.dispatch()
	return m
}

func (m *Multicast) Kind() core.EnvelopeKind { return m.kind }

// AddSource starts streaming from src. A source that returns an error, or
// panics, is logged and dropped; the merged stream keeps running.
func (m *Multicast) AddSource(name string, src core.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.sources[name]; exists {
		return fmt.Errorf("%w: source %s already streams %s", core.ErrValidation, name, m.kind)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	h := &sourceHandle{cancel: cancel}
	m.sources[name] = h
	out := make(chan core.Envelope, sourceBuffer)

	m.sourceWG.Add(2)
	go m.runSource(ctx, h, name, src, out)
	go m.forward(name, out)

	m.logger.Info("source added", "source", name)
	return nil
}

type sourceHandle struct {
	cancel context.CancelFunc
}

func (m *Multicast) runSource(ctx context.Context, h *sourceHandle, name string, src core.Source, out chan core.Envelope) {
	defer m.sourceWG.Done()
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			metrics.SourceFailuresTotal.WithLabelValues(string(m.kind)).Inc()
			m.logger.Error("source panic recovered, dropping source", "source", name, "error", r)
		}
		m.dropSource(name, h)
	}()

	err := src.Stream(ctx, m.kind, out)
	switch {
	case ctx.Err() != nil:
		m.logger.Info("source stopped", "source", name)
	case err != nil:
		metrics.SourceFailuresTotal.WithLabelValues(string(m.kind)).Inc()
		m.logger.Error("source failed, dropping source", "source", name,
			"error", fmt.Errorf("%w: %v", core.ErrTransientSource, err))
	default:
		m.logger.Info("source completed", "source", name)
	}
}

// forward drains one source into the shared ingress. Whatever the source
// emitted before failing is still delivered.
func (m *Multicast) forward(name string, out <-chan core.Envelope) {
	defer m.sourceWG.Done()
	for env := range out {
		if env.Kind == "" {
			env.Kind = m.kind
		}
		select {
		case m.ingress <- env:
			m.envLog.Log(env, name, logging.DirectionFanIn)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Multicast) dropSource(name string, h *sourceHandle) {
	h.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sources[name] == h {
		delete(m.sources, name)
	}
}

// RemoveSource cancels a single source. Other sources and subscribers are
// unaffected.
func (m *Multicast) RemoveSource(name string) bool {
	m.mu.Lock()
	h, ok := m.sources[name]
	delete(m.sources, name)
	m.mu.Unlock()
	if ok {
		h.cancel()
		m.logger.Info("source removed", "source", name)
	}
	return ok
}

func (m *Multicast) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	return names
}

// Inject pushes env into the merged stream as if a source had emitted it.
func (m *Multicast) Inject(ctx context.Context, env core.Envelope) error {
	if env.Kind == "" {
		env.Kind = m.kind
	}
	select {
	case m.ingress <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}

func (m *Multicast) Subscribe(opts core.SubscribeOptions) core.Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	sub := &subscription{
		id:     uuid.NewString(),
		kind:   m.kind,
		policy: opts.Overflow,
		ch:     make(chan core.Envelope, buffer),
		done:   make(chan struct{}),
		parent: m,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.shutdown()
		return sub
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	metrics.ActiveSubscriptions.WithLabelValues(string(m.kind)).Inc()
	m.logger.Info("subscription opened", "subscription_id", sub.id, "buffer", buffer, "overflow", opts.Overflow)
	return sub
}

func (m *Multicast) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Multicast) unsubscribe(id string) {
	m.mu.Lock()
	_, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if ok {
		metrics.ActiveSubscriptions.WithLabelValues(string(m.kind)).Dec()
		m.logger.Info("subscription closed", "subscription_id", id)
	}
}

func (m *Multicast) dispatch() {
	defer close(m.dispatched)
	for {
		select {
		case <-m.ctx.Done():
			return
		case env := <-m.ingress:
			m.mu.RLock()
			subs := make([]*subscription, 0, len(m.subs))
			for _, s := range m.subs {
				subs = append(subs, s)
			}
			m.mu.RUnlock()

			for _, s := range subs {
				s.deliver(m.ctx, env)
			}
			metrics.EnvelopesRoutedTotal.WithLabelValues(string(m.kind)).Inc()
		}
	}
}

// Close stops all sources and the dispatcher and closes every
// subscription channel.
func (m *Multicast) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, h := range m.sources {
		h.cancel()
	}
	m.sources = make(map[string]*sourceHandle)
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	m.cancel()
	<-m.dispatched
	for _, s := range subs {
		s.shutdown()
		metrics.ActiveSubscriptions.WithLabelValues(string(m.kind)).Dec()
	}
	m.sourceWG.Wait()
	m.logger.Info("multicast closed")
}

type subscription struct {
	id     string
	kind   core.EnvelopeKind
	policy core.OverflowPolicy
	ch     chan core.Envelope
	parent *Multicast

	// mu serializes sends with closing ch.
	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
	dropped  atomic.Int64
}

func (s *subscription) ID() string              { return s.id }
func (s *subscription) C() <-chan core.Envelope { return s.ch }

// Dropped returns how many envelopes the drop-oldest policy discarded.
func (s *subscription) Dropped() int64 { return s.dropped.Load() }

func (s *subscription) Close() {
	s.parent.unsubscribe(s.id)
	s.shutdown()
}

func (s *subscription) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *subscription) deliver(ctx context.Context, env core.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.policy == core.OverflowBlock {
		select {
		case s.ch <- env:
		case <-s.done:
		case <-ctx.Done():
		}
		return
	}

	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			metrics.EnvelopesDroppedTotal.WithLabelValues(string(s.kind), "overflow").Inc()
		default:
		}
	}
}
