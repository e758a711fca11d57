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
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type Config struct {
	URL                string
	AddressPrefix      string
	Kinds              []core.EnvelopeKind
	TerminationAddress string
	Subscribe          core.SubscribeOptions
}

type messageSender interface {
	Send(ctx context.Context, msg *goamqp.Message, opts *goamqp.SendOptions) error
	Close(ctx context.Context) error
}

// Connector publishes outbound envelopes to AMQP 1.0 addresses (one per
// kind) and receives termination requests from a single address.
type Connector struct {
	name     string
	cfg      Config
	conn     *goamqp.Conn
	sendSess *goamqp.Session
	logger   *slog.Logger

	newSender func(ctx context.Context, address string) (messageSender, error)
	mu        sync.Mutex
	senders   map[string]messageSender
	receiver  *goamqp.Receiver
}

func New(name string, cfg Config, logger *slog.Logger) *Connector {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = core.OutboundKinds
	}
	c := &Connector{
		name:    name,
		cfg:     cfg,
		logger:  logger.With("connector", name),
		senders: make(map[string]messageSender),
	}
	c.newSender = func(ctx context.Context, address string) (messageSender, error) {
		return c.sendSess.NewSender(ctx, address, nil)
	}
	return c
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "amqp" }

func (c *Connector) Address(kind core.EnvelopeKind) string {
	return c.cfg.AddressPrefix + string(kind)
}

func (c *Connector) Connect(ctx context.Context) error {
	var err error
	c.conn, err = goamqp.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	c.sendSess, err = c.conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("amqp send session: %w", err)
	}

	c.logger.Info("amqp connector connected", "url", c.cfg.URL, "address_prefix", c.cfg.AddressPrefix)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	for _, s := range c.senders {
		s.Close(ctx)
	}
	c.senders = make(map[string]messageSender)
	receiver := c.receiver
	c.mu.Unlock()

	if receiver != nil {
		receiver.Close(ctx)
	}
	if c.sendSess != nil {
		c.sendSess.Close(ctx)
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Connector) sender(ctx context.Context, address string) (messageSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[address]; ok {
		return s, nil
	}
	s, err := c.newSender(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("amqp sender %s: %w", address, err)
	}
	c.senders[address] = s
	return s, nil
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
					if err := c.send(ctx, env); err != nil && ctx.Err() == nil {
						c.logger.Error("amqp send failed", "kind", kind, "envelope_id", env.ID, "error", err)
					}
				}
			}
		}(kind, sub)
	}

	if c.cfg.TerminationAddress != "" && c.conn != nil {
		if err := c.receiveTerminations(ctx, gw); err != nil {
			return err
		}
	}

	c.logger.Info("amqp connector started", "kinds", c.cfg.Kinds)
	<-ctx.Done()
	return nil
}

func (c *Connector) send(ctx context.Context, env core.Envelope) error {
	body, err := wire.Encode(env)
	if err != nil {
		return err
	}
	s, err := c.sender(ctx, c.Address(env.Kind))
	if err != nil {
		return err
	}
	contentType := wire.ContentType
	return s.Send(ctx, &goamqp.Message{
		Data: [][]byte{body},
		Properties: &goamqp.MessageProperties{
			MessageID:   env.ID,
			ContentType: &contentType,
		},
		ApplicationProperties: map[string]any{
			"kind":          string(env.Kind),
			"permission_id": env.PermissionID,
		},
	}, nil)
}

func (c *Connector) receiveTerminations(ctx context.Context, gw core.Gateway) error {
	recvSess, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return fmt.Errorf("amqp receive session: %w", err)
	}

	receiver, err := recvSess.NewReceiver(ctx, c.cfg.TerminationAddress, &goamqp.ReceiverOptions{
		Credit: 1,
	})
	if err != nil {
		recvSess.Close(ctx)
		return fmt.Errorf("amqp receiver: %w", err)
	}
	c.mu.Lock()
	c.receiver = receiver
	c.mu.Unlock()

	go func() {
		defer recvSess.Close(context.Background())
		for {
			msg, err := receiver.Receive(ctx, nil)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("amqp receive failed", "address", c.cfg.TerminationAddress, "error", err)
				}
				return
			}
			if err := c.handleTermination(ctx, gw, msg.GetData()); err != nil {
				c.logger.Warn("amqp termination rejected", "error", err)
				receiver.RejectMessage(ctx, msg, &goamqp.Error{
					Condition:   goamqp.ErrCondDecodeError,
					Description: err.Error(),
				})
				continue
			}
			receiver.AcceptMessage(ctx, msg)
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
