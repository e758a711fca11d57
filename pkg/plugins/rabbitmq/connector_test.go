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
package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{queue: key, msg: msg})
	return nil
}

type fakeGateway struct {
	routable bool
	got      []core.Envelope
}

func (g *fakeGateway) Subscribe(core.EnvelopeKind, core.SubscribeOptions) core.Subscription { return nil }

func (g *fakeGateway) Publish(_ context.Context, env core.Envelope) bool {
	g.got = append(g.got, env)
	return g.routable
}

func (g *fakeGateway) Retransmit(_ context.Context, req core.RetransmissionRequest) (core.RetransmissionResult, error) {
	return core.NewRetransmissionResult(core.OutcomeDataNotAvailable, req.PermissionID, time.Unix(0, 0).UTC()), nil
}

func newConnector(cfg Config) (*Connector, *fakePublisher) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := New("rabbit-out", cfg, logger)
	pub := &fakePublisher{}
	c.pub = pub
	return c, pub
}

func TestPublishUsesKindQueue(t *testing.T) {
	c, pub := newConnector(Config{QueuePrefix: "ep."})
	env := core.Envelope{ID: "e1", Kind: core.KindAccountingPoint, Payload: []byte(`{"meter":"AT001"}`)}

	if err := c.publish(context.Background(), c.Queue(env.Kind), env); err != nil {
		t.Fatal(err)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.sent))
	}
	sent := pub.sent[0]
	if sent.queue != "ep.accounting-point" || sent.msg.MessageId != "e1" || sent.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", sent)
	}
	if got, err := wire.Decode(sent.msg.Body); err != nil || got.ID != "e1" {
		t.Fatalf("unexpected body %s: %v", sent.msg.Body, err)
	}
}

func TestHandleTermination(t *testing.T) {
	c, _ := newConnector(Config{})
	gw := &fakeGateway{routable: true}

	if err := c.handleTermination(context.Background(), gw, []byte(`{"permission_id":"pid-1","country_code":"AT"}`)); err != nil {
		t.Fatal(err)
	}
	if len(gw.got) != 1 || gw.got[0].CountryCode != "AT" || gw.got[0].Kind != core.KindTermination {
		t.Fatalf("unexpected published envelopes: %+v", gw.got)
	}

	gw.routable = false
	err := c.handleTermination(context.Background(), gw, []byte(`{"permission_id":"pid-1","country_code":"FR"}`))
	if !errors.Is(err, core.ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

func TestHandleRetransmissionWritesResult(t *testing.T) {
	c, pub := newConnector(Config{ResultQueue: "results"})
	body := []byte(`{"region_connector_id":"rc-1","permission_id":"pid-4","from":"2025-01-01","to":"2025-01-02"}`)

	if err := c.handleRetransmission(context.Background(), &fakeGateway{}, body); err != nil {
		t.Fatal(err)
	}
	if len(pub.sent) != 1 || pub.sent[0].queue != "results" {
		t.Fatalf("expected result on results queue, got %+v", pub.sent)
	}

	bad := []byte(`{"region_connector_id":"rc-1","permission_id":"pid-4","from":"2025-01-05","to":"2025-01-02"}`)
	if err := c.handleRetransmission(context.Background(), &fakeGateway{}, bad); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
