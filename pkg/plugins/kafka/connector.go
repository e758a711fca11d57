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
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/energyhub/permission-mediation/pkg/core"
	"github.com/energyhub/permission-mediation/pkg/plugins/wire"
)

type Config struct {
	Brokers             []string
	TopicPrefix         string
	Kinds               []core.EnvelopeKind
	GroupID             string
	TerminationTopic    string
	RetransmissionTopic string
	ResultTopic         string
	Subscribe           core.SubscribeOptions
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Connector publishes outbound envelopes to one topic per kind and consumes
// termination and retransmission requests from eligible parties.
type Connector struct {
	name   string
	cfg    Config
	writer messageWriter
	logger *slog.Logger

	newReader func(topic string) messageReader
	readers   sync.Map
}

func New(name string, cfg Config, logger *slog.Logger) *Connector {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = core.OutboundKinds
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "permission-mediation-" + name
	}
	c := &Connector{name: name, cfg: cfg, logger: logger.With("connector", name)}
	c.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MaxWait:  500 * time.Millisecond,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return c
}

func (c *Connector) Name() string { return c.name }
func (c *Connector) Type() string { return "kafka" }

func (c *Connector) Connect(ctx context.Context) error {
	if len(c.cfg.Brokers) == 0 {
		return fmt.Errorf("%w: kafka connector %s has no brokers", core.ErrValidation, c.name)
	}
	c.writer = &kafka.Writer{
		Addr:                   kafka.TCP(c.cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	c.logger.Info("kafka connector connected",
		"brokers", strings.Join(c.cfg.Brokers, ","),
		"topic_prefix", c.cfg.TopicPrefix,
		"termination_topic", c.cfg.TerminationTopic,
		"retransmission_topic", c.cfg.RetransmissionTopic,
	)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.readers.Range(func(_, val any) bool {
		val.(messageReader).Close()
		return true
	})
	if c.writer != nil {
		return c.writer.Close()
	}
	return nil
}

// Topic returns the topic envelopes of kind are published to.
func (c *Connector) Topic(kind core.EnvelopeKind) string {
	return c.cfg.TopicPrefix + string(kind)
}

func (c *Connector) Start(ctx context.Context, gw core.Gateway) error {
	for _, kind := range c.cfg.Kinds {
		sub := gw.Subscribe(kind, c.cfg.Subscribe)
		go func(kind core.EnvelopeKind, sub core.Subscription) {
			defer sub.Close()
			c.publishLoop(ctx, kind, sub)
		}(kind, sub)
	}

	if c.cfg.TerminationTopic != "" {
		c.consume(ctx, c.cfg.TerminationTopic, func(ctx context.Context, msg kafka.Message) error {
			return c.handleTermination(ctx, gw, msg)
		})
	}
	if c.cfg.RetransmissionTopic != "" {
		c.consume(ctx, c.cfg.RetransmissionTopic, func(ctx context.Context, msg kafka.Message) error {
			return c.handleRetransmission(ctx, gw, msg)
		})
	}

	c.logger.Info("kafka connector started", "kinds", c.cfg.Kinds)
	<-ctx.Done()
	return nil
}

func (c *Connector) publishLoop(ctx context.Context, kind core.EnvelopeKind, sub core.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if err := c.publish(ctx, env); err != nil && ctx.Err() == nil {
				c.logger.Error("kafka publish failed", "kind", kind, "envelope_id", env.ID, "error", err)
			}
		}
	}
}

func (c *Connector) publish(ctx context.Context, env core.Envelope) error {
	value, err := wire.Encode(env)
	if err != nil {
		return err
	}
	key := env.PermissionID
	if key == "" {
		key = env.ID
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Topic: c.Topic(env.Kind),
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(env.Kind)},
			{Key: "content-type", Value: []byte(wire.ContentType)},
		},
		Time: env.Timestamp,
	})
}

func (c *Connector) consume(ctx context.Context, topic string, handle func(context.Context, kafka.Message) error) {
	reader := c.newReader(topic)
	c.readers.Store(topic, reader)
	go func() {
		defer func() {
			c.readers.Delete(topic)
			reader.Close()
		}()
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					c.logger.Error("kafka fetch error", "topic", topic, "error", err)
				}
				return
			}
			if err := handle(ctx, msg); err != nil {
				c.logger.Warn("kafka message rejected", "topic", topic, "offset", msg.Offset, "error", err)
			}
			if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Error("kafka commit failed", "topic", topic, "offset", msg.Offset, "error", err)
			}
		}
	}()
}

func (c *Connector) handleTermination(ctx context.Context, gw core.Gateway, msg kafka.Message) error {
	term, err := wire.DecodeTermination(msg.Value)
	if err != nil {
		return err
	}
	if !gw.Publish(ctx, term.Envelope(uuid.NewString(), time.Now().UTC())) {
		return fmt.Errorf("%w: termination for %s", core.ErrNoRoute, term.PermissionID)
	}
	return nil
}

func (c *Connector) handleRetransmission(ctx context.Context, gw core.Gateway, msg kafka.Message) error {
	req, err := wire.DecodeRetransmission(msg.Value)
	if err != nil {
		return err
	}
	res, err := gw.Retransmit(ctx, req)
	if err != nil {
		return err
	}
	if c.cfg.ResultTopic == "" {
		return nil
	}
	value, err := wire.EncodeResult(res)
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.ResultTopic,
		Key:   []byte(res.PermissionID),
		Value: value,
	})
}
