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
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/internal/logging"
	"github.com/energyhub/permission-mediation/pkg/core"
)

// Subscriber opens per-kind subscriptions. core.Gateway satisfies it.
type Subscriber interface {
	Subscribe(kind core.EnvelopeKind, opts core.SubscribeOptions) core.Subscription
}

type Options struct {
	Kinds     []core.EnvelopeKind
	Subscribe core.SubscribeOptions
	// ConnectionID limits the session to envelopes of one connection when set.
	ConnectionID string
}

// Session is one subscriber connection of an outbound connector. Envelopes
// of all requested kinds are merged into Downstream, which is closed once
// the session ends.
type Session struct {
	ID           string
	SubscriberID string
	Connector    string
	Kinds        []core.EnvelopeKind
	Created      time.Time
	Downstream   <-chan core.Envelope

	done chan struct{}
}

// Done is closed when the session has ended and Downstream is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

type activeSession struct {
	session *Session
	cancel  context.CancelFunc
	subs    []core.Subscription
}

type Manager struct {
	sessions   sync.Map
	subscriber Subscriber
	logger     *slog.Logger
	envLog     *logging.EnvelopeLogger
}

func NewManager(subscriber Subscriber, logger *slog.Logger, envLog *logging.EnvelopeLogger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		subscriber: subscriber,
		logger:     logger.With("component", "sessions"),
		envLog:     envLog,
	}
}

func (m *Manager) CreateSession(
	ctx context.Context,
	connector string,
	subscriberID string,
	opts Options,
) (*Session, error) {
	if len(opts.Kinds) == 0 {
		return nil, fmt.Errorf("%w: session needs at least one envelope kind", core.ErrValidation)
	}
	for _, kind := range opts.Kinds {
		if _, err := core.ParseEnvelopeKind(string(kind)); err != nil {
			return nil, err
		}
	}

	channelSize := opts.Subscribe.Buffer
	if channelSize <= 0 {
		channelSize = 1
	}

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	sessionID := uuid.New().String()
	downstream := make(chan core.Envelope, channelSize)

	sess := &Session{
		ID:           sessionID,
		SubscriberID: subscriberID,
		Connector:    connector,
		Kinds:        opts.Kinds,
		Created:      time.Now().UTC(),
		Downstream:   downstream,
		done:         make(chan struct{}),
	}

	as := &activeSession{session: sess, cancel: sessionCancel}
	for _, kind := range opts.Kinds {
		as.subs = append(as.subs, m.subscriber.Subscribe(kind, opts.Subscribe))
	}
	m.sessions.Store(sessionID, as)

	var wg sync.WaitGroup
	for _, sub := range as.subs {
		wg.Add(1)
		go func(sub core.Subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("session relay panic recovered", "session_id", sessionID, "error", r)
				}
			}()
			m.relay(sessionCtx, sess, sub, opts.ConnectionID, downstream)
		}(sub)
	}

	go func() {
		wg.Wait()
		sessionCancel()
		for _, sub := range as.subs {
			sub.Close()
		}
		m.sessions.CompareAndDelete(sessionID, as)
		close(downstream)
		close(sess.done)
	}()

	m.logger.Info("session created",
		"session_id", sessionID,
		"subscriber_id", subscriberID,
		"connector", connector,
		"kinds", opts.Kinds,
		"channel_size", channelSize,
	)

	return sess, nil
}

func (m *Manager) relay(ctx context.Context, sess *Session, sub core.Subscription, connectionID string, downstream chan<- core.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if connectionID != "" && env.ConnectionID != connectionID {
				continue
			}
			select {
			case downstream <- env:
				m.envLog.Log(env, sess.Connector+"/"+sess.SubscriberID, logging.DirectionDownstream)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) DestroySession(sessionID string) error {
	val, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return fmt.Errorf("%w: id=%s", core.ErrSessionNotFound, sessionID)
	}

	as := val.(*activeSession)
	as.cancel()

	m.logger.Info("session destroyed",
		"session_id", sessionID,
		"subscriber_id", as.session.SubscriberID,
	)

	return nil
}

func (m *Manager) DestroyAll() {
	m.sessions.Range(func(key, _ any) bool {
		_ = m.DestroySession(key.(string))
		return true
	})
}

func (m *Manager) ActiveCount() int {
	count := 0
	m.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (m *Manager) Session(sessionID string) (*Session, bool) {
	val, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return val.(*activeSession).session, true
}

func (m *Manager) SessionBySubscriberID(subscriberID string) (*Session, bool) {
	var found *Session
	m.sessions.Range(func(_, val any) bool {
		as := val.(*activeSession)
		if as.session.SubscriberID == subscriberID {
			found = as.session
			return false
		}
		return true
	})
	return found, found != nil
}
