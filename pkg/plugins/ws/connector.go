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
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/energyhub/permission-mediation/internal/logging"
	"github.com/energyhub/permission-mediation/internal/session"
	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

const (
	FrameTermination         = "termination"
	FrameRetransmission      = "retransmission"
	FrameRetransmissionReply = "retransmission-result"
	FrameAccepted            = "accepted"
	FrameError               = "error"
)

// Frame is a control message exchanged over the socket. Envelopes are sent
// downstream as plain wire messages, not frames.
type Frame struct {
	Type   string          `json:"type"`
	Body   json.RawMessage `json:"body,omitempty"`
	Result *wire.Result    `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Config struct {
	Port      int
	Kinds     []core.EnvelopeKind
	Subscribe core.SubscribeOptions
}

type Connector struct {
	name     string
	cfg      Config
	upgrader websocket.Upgrader
	gw       core.Gateway
	server   *http.Server
	sessions *session.Manager
	logger   *slog.Logger
	envLog   *logging.EnvelopeLogger
}

func New(name string, cfg Config, logger *slog.Logger, envLog *logging.EnvelopeLogger) *Connector {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = core.OutboundKinds
	}
	return &Connector{
		name: name,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("connector", name),
		envLog: envLog,
	}
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "websocket" }

func (c *Connector) Connect(ctx context.Context) error { return nil }

func (c *Connector) bind(gw core.Gateway) http.Handler {
	c.gw = gw
	c.sessions = session.NewManager(gw, c.logger, c.envLog)
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleConnection)
	return mux
}

func (c *Connector) Start(ctx context.Context, gw core.Gateway) error {
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Port),
		Handler: c.bind(gw),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("websocket connector starting", "port", c.cfg.Port)
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

// client serializes writes; gorilla connections allow one writer at a time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cl *client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return cl.writeRaw(data)
}

func (cl *client) writeRaw(data []byte) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connector) handleConnection(w http.ResponseWriter, r *http.Request) {
	kinds, err := core.RequestedKinds(r, c.cfg.Kinds)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("ws upgrade failed", "error", err)
		return
	}

	subscriberID := core.SubscriberID(r)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := c.sessions.CreateSession(ctx, c.name, subscriberID, session.Options{
		Kinds:        kinds,
		Subscribe:    c.cfg.Subscribe,
		ConnectionID: r.URL.Query().Get(core.ConnectionIDParam),
	})
	if err != nil {
		c.logger.Error("session creation failed", "subscriber_id", subscriberID, "error", err)
		conn.Close()
		return
	}

	defer func() {
		conn.Close()
		c.sessions.DestroySession(sess.ID)
		c.logger.Info("ws client disconnected", "subscriber_id", subscriberID)
	}()

	c.logger.Info("ws client connected", "subscriber_id", subscriberID, "session_id", sess.ID, "kinds", kinds)

	cl := &client{conn: conn}
	go c.downstreamLoop(cl, sess)
	c.upstreamLoop(ctx, cl, subscriberID)
}

func (c *Connector) downstreamLoop(cl *client, sess *session.Session) {
	for env := range sess.Downstream {
		data, err := wire.Encode(env)
		if err != nil {
			c.logger.Error("marshal downstream envelope failed", "subscriber_id", sess.SubscriberID, "error", err)
			continue
		}
		if err := cl.writeRaw(data); err != nil {
			c.logger.Error("ws write failed", "subscriber_id", sess.SubscriberID, "error", err)
			return
		}
	}
}

func (c *Connector) upstreamLoop(ctx context.Context, cl *client, subscriberID string) {
	for {
		_, payload, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("ws read error", "subscriber_id", subscriberID, "error", err)
			}
			return
		}

		reply := c.handleFrame(ctx, payload)
		if err := cl.write(reply); err != nil {
			c.logger.Error("ws reply failed", "subscriber_id", subscriberID, "error", err)
			return
		}
	}
}

func (c *Connector) handleFrame(ctx context.Context, payload []byte) Frame {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{Type: FrameError, Error: "malformed frame: " + err.Error()}
	}

	switch frame.Type {
	case FrameTermination:
		term, err := wire.DecodeTermination(frame.Body)
		if err != nil {
			return Frame{Type: FrameError, Error: err.Error()}
		}
		if !c.gw.Publish(ctx, term.Envelope(uuid.NewString(), time.Now().UTC())) {
			return Frame{Type: FrameError, Error: fmt.Sprintf("%s: no region connector for %s", core.ErrNoRoute, term.PermissionID)}
		}
		return Frame{Type: FrameAccepted}
	case FrameRetransmission:
		req, err := wire.DecodeRetransmission(frame.Body)
		if err != nil {
			return Frame{Type: FrameError, Error: err.Error()}
		}
		res, err := c.gw.Retransmit(ctx, req)
		if err != nil {
			return Frame{Type: FrameError, Error: err.Error()}
		}
		result := wire.NewResult(res)
		return Frame{Type: FrameRetransmissionReply, Result: &result}
	default:
		return Frame{Type: FrameError, Error: fmt.Sprintf("unknown frame type %q", frame.Type)}
	}
}
