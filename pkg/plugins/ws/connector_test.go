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
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/energyhub/permission-mediation/internal/routing"
	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type routerGateway struct {
	*routing.Router
}

func (g routerGateway) Retransmit(_ context.Context, req core.RetransmissionRequest) (core.RetransmissionResult, error) {
	return core.NewRetransmissionResult(core.OutcomeDataNotAvailable, req.PermissionID, time.Unix(0, 0).UTC()), nil
}

type sink struct{ got chan core.Envelope }

func (s sink) Deliver(_ context.Context, env core.Envelope) error {
	s.got <- env
	return nil
}

func setup(t *testing.T) (*Connector, *routing.Router, *websocket.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	router := routing.NewRouter(routing.NewTable(), logger, nil)
	t.Cleanup(router.Close)

	c := New("ws", Config{
		Kinds:     []core.EnvelopeKind{core.KindValidatedHistoricalData},
		Subscribe: core.SubscribeOptions{Buffer: 8, Overflow: core.OverflowBlock},
	}, logger, nil)
	srv := httptest.NewServer(c.bind(routerGateway{router}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for c.sessions.ActiveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not created")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c, router, conn
}

func TestDownstreamEnvelopes(t *testing.T) {
	_, router, conn := setup(t)

	router.Inject(context.Background(), core.Envelope{ID: "vhd-1", Kind: core.KindValidatedHistoricalData, PermissionID: "pid-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wire.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != "vhd-1" || msg.Kind != core.KindValidatedHistoricalData {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestUpstreamTerminationFrame(t *testing.T) {
	_, router, conn := setup(t)
	got := make(chan core.Envelope, 1)
	router.RegisterDestination("at-eda", sink{got: got}, "AT")

	if err := conn.WriteJSON(Frame{Type: FrameTermination, Body: []byte(`{"permission_id":"pid-1","country_code":"AT"}`)}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != FrameAccepted {
		t.Fatalf("expected accepted, got %+v", reply)
	}
	select {
	case env := <-got:
		if env.PermissionID != "pid-1" || env.Kind != core.KindTermination {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("termination not routed")
	}

	conn.WriteJSON(Frame{Type: FrameTermination, Body: []byte(`{"permission_id":"pid-2","country_code":"FR"}`)})
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != FrameError {
		t.Fatalf("expected error for unroutable termination, got %+v", reply)
	}
}

func TestUpstreamRetransmissionFrame(t *testing.T) {
	_, _, conn := setup(t)

	body := []byte(`{"region_connector_id":"rc-1","permission_id":"pid-4","from":"2025-01-01","to":"2025-01-02"}`)
	if err := conn.WriteJSON(Frame{Type: FrameRetransmission, Body: body}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != FrameRetransmissionReply || reply.Result == nil || reply.Result.Outcome != "DataNotAvailable" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	conn.WriteJSON(Frame{Type: "bogus"})
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != FrameError {
		t.Fatalf("expected error frame, got %+v", reply)
	}
}
