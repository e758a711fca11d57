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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type Config struct {
	URL                 string
	QueuePrefix         string
	Kinds               []core.EnvelopeKind
	TerminationQueue    string
	RetransmissionQueue string
	ResultQueue         string
	Subscribe           core.SubscribeOptions
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Connector publishes outbound envelopes to one durable queue per kind and
// consumes termination and retransmission requests with manual acks.
type Connector struct {
	name   string
	cfg    Config
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	pub    publisher
	pubMu  sync.Mutex
	logger *slog.Logger

	consumers sync.Map
}

func New(name string, cfg Config, logger *slog.Logger) *Connector {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = core.OutboundKinds
	}
	return &Connector{name: name, cfg: cfg, logger: logger.With("connector", name)}
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "rabbitmq" }

func (c *Connector) Queue(kind core.EnvelopeKind) string {
	return c.cfg.QueuePrefix + string(kind)
}

func (c *Connector) Connect(ctx context.Context) error {
	var err error
	c.conn, err = amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	c.pubCh, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}
	c.pub = c.pubCh

	queues := []string{c.cfg.TerminationQueue, c.cfg.RetransmissionQueue, c.cfg.ResultQueue}
	for _, kind := range c.cfg.Kinds {
		queues = append(queues, c.Queue(kind))
	}
	for _, q := range queues {
		if q != "" {
			_, err := c.pubCh.QueueDeclare(q, true, false, false, false, nil)
			if err != nil {
				return fmt.Errorf("rabbitmq queue declare %s: %w", q, err)
			}
		}
	}

	c.logger.Info("rabbitmq connector connected", "queue_prefix", c.cfg.QueuePrefix)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.consumers.Range(func(_, val any) bool {
		val.(*amqp.Channel).Close()
		return true
	})
	if c.pubCh != nil {
		c.pubCh.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Connector) Start(ctx context.Context, gw core.Gateway) error {
	for _, kind := range c.cfg.Kinds {
		sub := gw.Subscribe(kind, c.cfg.Subscribe)
		go func(kind core.EnvelopeKind, sub core.Subscription) {
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-sub.C():
					if !ok {
						return
					}
					if err := c.publish(ctx, c.Queue(kind), env); err != nil && ctx.Err() == nil {
						c.logger.Error("rabbitmq publish failed", "kind", kind, "envelope_id", env.ID, "error", err)
					}
				}
			}
		}(kind, sub)
	}

	inbound := map[string]func(context.Context, []byte) error{
		c.cfg.TerminationQueue: func(ctx context.Context, body []byte) error {
			return c.handleTermination(ctx, gw, body)
		},
		c.cfg.RetransmissionQueue: func(ctx context.Context, body []byte) error {
			return c.handleRetransmission(ctx, gw, body)
		},
	}
	for queue, handle := range inbound {
		if queue == "" || c.conn == nil {
			continue
		}
		if err := c.consume(ctx, queue, handle); err != nil {
			return err
		}
	}

	c.logger.Info("rabbitmq connector started", "kinds", c.cfg.Kinds)
	<-ctx.Done()
	return nil
}

func (c *Connector) publish(ctx context.Context, queue string, env core.Envelope) error {
	body, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return c.send(ctx, queue, env.ID, env.Timestamp, body)
}

func (c *Connector) send(ctx context.Context, queue, id string, at time.Time, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.pub == nil {
		return errors.New("rabbitmq connector not connected")
	}
	return c.pub.PublishWithContext(ctx,
		"",
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  wire.ContentType,
			DeliveryMode: amqp.Persistent,
			Body:         body,
			MessageId:    id,
			Timestamp:    at,
		},
	)
}

func (c *Connector) consume(ctx context.Context, queue string, handle func(context.Context, []byte) error) error {
	consumerCh, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", err)
	}

	if err := consumerCh.Qos(1, 0, false); err != nil {
		consumerCh.Close()
		return fmt.Errorf("rabbitmq qos: %w", err)
	}

	consumerTag := fmt.Sprintf("permission-mediation-%s-%s", c.name, queue)
	deliveries, err := consumerCh.Consume(
		queue,
		consumerTag,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		consumerCh.Close()
		return fmt.Errorf("rabbitmq consume: %w", err)
	}

	c.consumers.Store(queue, consumerCh)
	go func() {
		defer func() {
			c.consumers.Delete(queue)
			consumerCh.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := handle(ctx, d.Body); err != nil {
					c.logger.Warn("rabbitmq message rejected", "queue", queue, "error", err)
					d.Nack(false, false)
					continue
				}
				d.Ack(false)
			}
		}
	}()
	return nil
}

func (c *Connector) handleTermination(ctx context.Context, gw core.Gateway, body []byte) error {
	term, err := wire.DecodeTermination(body)
	if err != nil {
		return err
	}
	if !gw.Publish(ctx, term.Envelope(uuid.NewString(), time.Now().UTC())) {
		return fmt.Errorf("%w: termination for %s", core.ErrNoRoute, term.PermissionID)
	}
	return nil
}

func (c *Connector) handleRetransmission(ctx context.Context, gw core.Gateway, body []byte) error {
	req, err := wire.DecodeRetransmission(body)
	if err != nil {
		return err
	}
	res, err := gw.Retransmit(ctx, req)
	if err != nil {
		return err
	}
	if c.cfg.ResultQueue == "" {
		return nil
	}
	out, err := wire.EncodeResult(res)
	if err != nil {
		return err
	}
	return c.send(ctx, c.cfg.ResultQueue, uuid.NewString(), res.Timestamp, out)
}
