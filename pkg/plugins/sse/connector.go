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
package sse

import (
	"context"
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
	Port      int
	Kinds     []core.EnvelopeKind
	Subscribe core.SubscribeOptions
	Heartbeat time.Duration
}

// Connector streams envelopes to eligible parties as server-sent events.
// Each HTTP client gets its own session over the requested kinds.
type Connector struct {
	name     string
	cfg      Config
	server   *http.Server
	sessions *session.Manager
	logger   *slog.Logger
	envLog   *logging.EnvelopeLogger
}

func New(name string, cfg Config, logger *slog.Logger, envLog *logging.EnvelopeLogger) *Connector {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = core.OutboundKinds
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Connector{name: name, cfg: cfg, logger: logger.With("connector", name), envLog: envLog}
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "sse" }

func (c *Connector) Connect(ctx context.Context) error { return nil }

func (c *Connector) bind(gw core.Gateway) http.Handler {
	c.sessions = session.NewManager(gw, c.logger, c.envLog)
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleSSE)
	return mux
}

func (c *Connector) Start(ctx context.Context, gw core.Gateway) error {
	c.server = &http.Server{Addr: fmt.Sprintf(":%d", c.cfg.Port), Handler: c.bind(gw)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("sse connector starting", "port", c.cfg.Port)
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

func (c *Connector) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	kinds, err := core.RequestedKinds(r, c.cfg.Kinds)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	subscriberID := core.SubscriberID(r)
	sess, err := c.sessions.CreateSession(r.Context(), c.name, subscriberID, session.Options{
		Kinds:        kinds,
		Subscribe:    c.cfg.Subscribe,
		ConnectionID: r.URL.Query().Get(core.ConnectionIDParam),
	})
	if err != nil {
		c.logger.Error("sse session creation failed", "error", err)
		http.Error(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	defer func() {
		c.sessions.DestroySession(sess.ID)
		c.logger.Info("sse client disconnected", "subscriber_id", subscriberID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c.logger.Info("sse client connected", "subscriber_id", subscriberID, "session_id", sess.ID, "kinds", kinds)

	heartbeat := time.NewTicker(c.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case env, ok := <-sess.Downstream:
			if !ok {
				return
			}
			data, err := wire.Encode(env)
			if err != nil {
				c.logger.Error("marshal sse event failed", "envelope_id", env.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Kind, data)
			flusher.Flush()
		}
	}
}
