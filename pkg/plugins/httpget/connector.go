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
package httpget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/energyhub/permission-mediation/internal/logging"
	"github.com/energyhub/permission-mediation/internal/session"
	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type Config struct {
	Port        int
	Kinds       []core.EnvelopeKind
	Subscribe   core.SubscribeOptions
	PollTimeout time.Duration
	MaxBatch    int
}

// Connector serves envelopes over HTTP long polling. A subscriber first
// subscribes, then polls; each poll waits for the first envelope and returns
// whatever else is already buffered, up to MaxBatch.
type Connector struct {
	name     string
	cfg      Config
	ctx      context.Context
	server   *http.Server
	sessions *session.Manager
	logger   *slog.Logger
	envLog   *logging.EnvelopeLogger
}

func New(name string, cfg Config, logger *slog.Logger, envLog *logging.EnvelopeLogger) *Connector {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = core.OutboundKinds
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	return &Connector{name: name, cfg: cfg, logger: logger.With("connector", name), envLog: envLog}
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "http_get" }

func (c *Connector) Connect(ctx context.Context) error { return nil }

func (c *Connector) bind(ctx context.Context, gw core.Gateway) http.Handler {
	c.ctx = ctx
	c.sessions = session.NewManager(gw, c.logger, c.envLog)
	mux := http.NewServeMux()
	mux.HandleFunc("/subscribe", c.handleSubscribe)
	mux.HandleFunc("/poll", c.handlePoll)
	mux.HandleFunc("/unsubscribe", c.handleUnsubscribe)
	return mux
}

func (c *Connector) Start(ctx context.Context, gw core.Gateway) error {
	c.server = &http.Server{Addr: fmt.Sprintf(":%d", c.cfg.Port), Handler: c.bind(ctx, gw)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("http_get connector starting", "port", c.cfg.Port)
	if err := c.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.sessions != nil {
		c.sessions.DestroyAll()
	}
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (c *Connector) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	subscriberID := r.Header.Get(core.SubscriberIDHeader)
	if subscriberID == "" {
		http.Error(w, core.SubscriberIDHeader+" header required", http.StatusBadRequest)
		return
	}
	if _, ok := c.sessions.SessionBySubscriberID(subscriberID); ok {
		http.Error(w, "already subscribed", http.StatusConflict)
		return
	}

	kinds, err := core.RequestedKinds(r, c.cfg.Kinds)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := c.sessions.CreateSession(c.ctx, c.name, subscriberID, session.Options{
		Kinds:        kinds,
		Subscribe:    c.cfg.Subscribe,
		ConnectionID: r.URL.Query().Get(core.ConnectionIDParam),
	})
	if err != nil {
		c.logger.Error("http_get subscribe failed", "error", err)
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":    sess.ID,
		"subscriber_id": subscriberID,
		"kinds":         kinds,
	})
}

func (c *Connector) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := c.sessions.SessionBySubscriberID(r.Header.Get(core.SubscriberIDHeader))
	if !ok {
		http.Error(w, "not subscribed, call /subscribe first", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), c.cfg.PollTimeout)
	defer cancel()

	var batch []wire.Message
	select {
	case env, ok := <-sess.Downstream:
		if !ok {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		batch = append(batch, wire.FromEnvelope(env))
	case <-ctx.Done():
		w.WriteHeader(http.StatusNoContent)
		return
	}

drain:
	for len(batch) < c.cfg.MaxBatch {
		select {
		case env, ok := <-sess.Downstream:
			if !ok {
				break drain
			}
			batch = append(batch, wire.FromEnvelope(env))
		default:
			break drain
		}
	}

	writeJSON(w, http.StatusOK, batch)
}

func (c *Connector) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "DELETE required", http.StatusMethodNotAllowed)
		return
	}

	sess, ok := c.sessions.SessionBySubscriberID(r.Header.Get(core.SubscriberIDHeader))
	if !ok {
		http.Error(w, "not subscribed", http.StatusNotFound)
		return
	}

	c.sessions.DestroySession(sess.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
