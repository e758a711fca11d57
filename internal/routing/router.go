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
	"fmt"
	"log/slog"
	"sync"

	"github.com/energyhub/permission-mediation/internal/logging"
	"github.com/energyhub/permission-mediation/internal/metrics"
	"github.com/energyhub/permission-mediation/pkg/core"
)

// Router connects region connectors and outbound connectors. Outbound
// kinds are merged per kind (fan-in); inbound envelopes are forwarded to
// the single destination registered for their routing key (fan-out).
type Router struct {
	table  *Table
	logger *slog.Logger
	envLog *logging.EnvelopeLogger

	mu     sync.Mutex
	casts  map[core.EnvelopeKind]*Multicast
	closed bool
}

func NewRouter(table *Table, logger *slog.Logger, envLog *logging.EnvelopeLogger) *Router {
	if table == nil {
		table = NewTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		table:  table,
		logger: logger.With("component", "router"),
		envLog: envLog,
		casts:  make(map[core.EnvelopeKind]*Multicast),
	}
}

func (r *Router) Table() *Table { return r.table }

func (r *Router) multicast(kind core.EnvelopeKind) (*Multicast, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	m, ok := r.casts[kind]
	if !ok {
		m = NewMulticast(kind, r.logger, r.envLog)
		r.casts[kind] = m
	}
	return m, nil
}

func (r *Router) AddSource(name string, kind core.EnvelopeKind, src core.Source) error {
	m, err := r.multicast(kind)
	if err != nil {
		return err
	}
	return m.AddSource(name, src)
}

func (r *Router) RemoveSource(name string, kind core.EnvelopeKind) bool {
	r.mu.Lock()
	m, ok := r.casts[kind]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return m.RemoveSource(name)
}

// Subscribe returns the merged stream of kind. On a closed router the
// subscription channel is already closed.
func (r *Router) Subscribe(kind core.EnvelopeKind, opts core.SubscribeOptions) core.Subscription {
	m, err := r.multicast(kind)
	if err != nil {
		closed := NewMulticast(kind, r.logger, nil)
		closed.Close()
		return closed.Subscribe(opts)
	}
	return m.Subscribe(opts)
}

// Inject pushes env into the fan-in of its kind.
func (r *Router) Inject(ctx context.Context, env core.Envelope) error {
	if env.Kind == "" {
		return fmt.Errorf("%w: envelope %s has no kind", core.ErrValidation, env.ID)
	}
	m, err := r.multicast(env.Kind)
	if err != nil {
		return err
	}
	return m.Inject(ctx, env)
}

func (r *Router) RegisterDestination(key string, dest core.Destination, countries ...string) {
	r.table.Add(key, dest, countries...)
	r.logger.Info("destination registered", "key", key, "countries", countries)
}

func (r *Router) UnregisterDestination(key string) {
	r.table.Remove(key)
	r.logger.Info("destination unregistered", "key", key)
}

// Publish forwards env to the destination of its routing key, falling back
// to its country code. An unknown key or a failed delivery is logged and
// reported as false; neither is an error for the caller.
func (r *Router) Publish(ctx context.Context, env core.Envelope) bool {
	primary, fallback := env.RoutingKeys()
	key, dest, ok := r.table.Resolve(primary, fallback)
	if !ok {
		metrics.EnvelopesDroppedTotal.WithLabelValues(string(env.Kind), "no_route").Inc()
		r.logger.Warn("no destination for envelope, dropping",
			"envelope_id", env.ID,
			"kind", env.Kind,
			"region_connector_id", primary,
			"country_code", fallback,
			"error", core.ErrNoRoute)
		return false
	}

	if err := r.deliver(ctx, key, dest, env); err != nil {
		metrics.EnvelopesDroppedTotal.WithLabelValues(string(env.Kind), "delivery_failed").Inc()
		r.logger.Error("destination delivery failed",
			"envelope_id", env.ID,
			"kind", env.Kind,
			"key", key,
			"error", fmt.Errorf("%w: %v", core.ErrDestinationFailed, err))
		return false
	}
	metrics.EnvelopesRoutedTotal.WithLabelValues(string(env.Kind)).Inc()
	r.envLog.Log(env, key, logging.DirectionFanOut)
	return true
}

func (r *Router) deliver(ctx context.Context, key string, dest core.Destination, env core.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("destination %s panicked: %v", key, rec)
		}
	}()
	return dest.Deliver(ctx, env)
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	casts := r.casts
	r.casts = make(map[core.EnvelopeKind]*Multicast)
	r.mu.Unlock()

	for _, m := range casts {
		m.Close()
	}
	r.logger.Info("router closed")
}
