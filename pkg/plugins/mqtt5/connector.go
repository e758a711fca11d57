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
package mqtt5

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/internal/lifecycle"
	"github.com/energyhub/permission-mediation/pkg/core"
)

const (
	channelData        = "data"
	channelStatus      = "status"
	channelTermination = "termination"
)

type Config struct {
	ID           string
	BrokerURL    string
	TopicPrefix  string
	CountryCodes []string
	Buffer       int
}

type permissions interface {
	FindByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error)
}

// StatusMessage is published by a gateway on {prefix}/{permission}/status.
type StatusMessage struct {
	Status core.Status `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// TerminationMessage is sent to a gateway on {prefix}/{permission}/termination.
type TerminationMessage struct {
	PermissionID string    `json:"permission_id"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Connector is a region connector for in-home gateways speaking MQTT 5.
// Gateways publish readings and permission status per permission topic;
// terminations are pushed back to them.
type Connector struct {
	cfg         Config
	cm          *autopaho.ConnectionManager
	lifecycle   core.Lifecycle
	permissions permissions
	machine     *lifecycle.Machine
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.RWMutex
	ctx     context.Context
	streams map[core.EnvelopeKind]chan core.Envelope
	publish func(ctx context.Context, p *paho.Publish) error
}

func New(cfg Config, lc core.Lifecycle, perms permissions, logger *slog.Logger) *Connector {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "gateways"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	c := &Connector{
		cfg:         cfg,
		lifecycle:   lc,
		permissions: perms,
		machine:     lifecycle.DefaultMachine().Extend(gatewayTable),
		logger:      logger.With("region_connector_id", cfg.ID),
		now:         time.Now,
		ctx:         context.Background(),
		streams: map[core.EnvelopeKind]chan core.Envelope{
			core.KindNearRealTimeData: make(chan core.Envelope, cfg.Buffer),
			core.KindRawData:          make(chan core.Envelope, cfg.Buffer),
		},
	}
	c.publish = func(ctx context.Context, p *paho.Publish) error {
		if c.cm == nil {
			return errors.New("mqtt5 not connected")
		}
		_, err := c.cm.Publish(ctx, p)
		return err
	}
	return c
}

func (c *Connector) ID() string             { return c.cfg.ID }
func (c *Connector) Type() string           { return "mqtt5" }
func (c *Connector) CountryCodes() []string { return c.cfg.CountryCodes }

func (c *Connector) Kinds() []core.EnvelopeKind {
	return []core.EnvelopeKind{core.KindNearRealTimeData, core.KindRawData}
}

// gatewayTable lets gateways accept a permission directly; there is no
// separate validation step on the device.
var gatewayTable = core.TransitionTable{
	core.StatusSentToAdministrator: {core.StatusAccepted},
}

func (c *Connector) TransitionTable() core.TransitionTable {
	table := make(core.TransitionTable, len(gatewayTable))
	for from, targets := range gatewayTable {
		table[from] = append([]core.Status(nil), targets...)
	}
	return table
}

func (c *Connector) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	subscribeTo := []paho.SubscribeOptions{
		{Topic: c.cfg.TopicPrefix + "/+/" + channelData, QoS: 1},
		{Topic: c.cfg.TopicPrefix + "/+/" + channelStatus, QoS: 1},
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         3600,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			c.logger.Info("mqtt5 connection up")
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subscribeTo}); err != nil {
				c.logger.Error("mqtt5 subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt5 connection attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "permission-mediation-" + c.cfg.ID + "-" + uuid.New().String()[:8],
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handle(pr.Packet)
					return true, nil
				},
			},
		},
	}

	c.cm, err = autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}

	if err := c.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	c.logger.Info("mqtt5 region connector connected", "broker", c.cfg.BrokerURL, "topic_prefix", c.cfg.TopicPrefix)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	if c.cm != nil {
		return c.cm.Disconnect(ctx)
	}
	return nil
}

func (c *Connector) Stream(ctx context.Context, kind core.EnvelopeKind, out chan<- core.Envelope) error {
	ch, ok := c.streams[kind]
	if !ok {
		return fmt.Errorf("%w: mqtt5 connector does not emit %s", core.ErrValidation, kind)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-ch:
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Deliver pushes a termination to the gateway and terminates the permission.
// The gateway is only told once the permission is known to be ours and able
// to move to TERMINATED.
func (c *Connector) Deliver(ctx context.Context, env core.Envelope) error {
	if env.Kind != core.KindTermination {
		return fmt.Errorf("%w: mqtt5 connector cannot handle %s", core.ErrValidation, env.Kind)
	}
	pr, found, err := c.permissions.FindByPermissionID(ctx, env.PermissionID)
	if err != nil {
		return err
	}
	if !found || pr.DataSource.RegionConnectorID() != c.cfg.ID {
		return fmt.Errorf("%w: permission %s is not owned by %s", core.ErrNotFound, env.PermissionID, c.cfg.ID)
	}
	if err := c.machine.Validate(pr.Status, core.StatusTerminated); err != nil {
		return err
	}
	reason := env.Metadata["reason"]
	body, err := json.Marshal(TerminationMessage{PermissionID: env.PermissionID, Reason: reason, Timestamp: c.now().UTC()})
	if err != nil {
		return err
	}
	if err := c.publish(ctx, &paho.Publish{
		Topic:   c.topic(env.PermissionID, channelTermination),
		QoS:     1,
		Payload: body,
	}); err != nil {
		return fmt.Errorf("mqtt5 publish termination: %w", err)
	}
	if reason == "" {
		reason = "terminated by eligible party"
	}
	_, err = c.lifecycle.Transition(ctx, env.PermissionID, core.StatusTerminated, reason)
	return err
}

func (c *Connector) topic(permissionID, channel string) string {
	return c.cfg.TopicPrefix + "/" + permissionID + "/" + channel
}

// parseTopic splits {prefix}/{permission}/{channel}.
func (c *Connector) parseTopic(topic string) (permissionID, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, c.cfg.TopicPrefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (c *Connector) handle(p *paho.Publish) {
	if p == nil {
		return
	}
	pid, channel, ok := c.parseTopic(p.Topic)
	if !ok {
		c.logger.Debug("ignoring message on unexpected topic", "topic", p.Topic)
		return
	}

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	pr, found, err := c.permissions.FindByPermissionID(ctx, pid)
	if err != nil {
		c.logger.Error("permission lookup failed", "permission_id", pid, "error", err)
		return
	}
	if !found || pr.DataSource.RegionConnectorID() != c.cfg.ID {
		c.logger.Warn("message for unknown permission, dropping", "permission_id", pid, "topic", p.Topic)
		return
	}

	switch channel {
	case channelData:
		c.handleData(ctx, pr, p)
	case channelStatus:
		c.handleStatus(ctx, pr, p.Payload)
	default:
		c.logger.Debug("ignoring message on unknown channel", "topic", p.Topic)
	}
}

func (c *Connector) handleData(ctx context.Context, pr core.PermissionRequest, p *paho.Publish) {
	at := c.now().UTC()
	for kind, ch := range c.streams {
		env := core.Envelope{
			ID:                uuid.NewString(),
			Kind:              kind,
			PermissionID:      pr.PermissionID,
			ConnectionID:      pr.ConnectionID,
			DataNeedID:        pr.DataNeedID,
			RegionConnectorID: c.cfg.ID,
			CountryCode:       pr.DataSource.CountryCode(),
			Timestamp:         at,
			Payload:           p.Payload,
			Metadata:          map[string]string{"mqtt_topic": p.Topic},
		}
		select {
		case ch <- env:
		default:
			c.logger.Warn("stream buffer full, dropping reading", "kind", kind, "permission_id", pr.PermissionID)
		}
	}

	if _, err := c.lifecycle.DataReceived(ctx, pr.PermissionID, at); err != nil {
		if errors.Is(err, core.ErrValidation) {
			c.logger.Debug("reading for inactive permission", "permission_id", pr.PermissionID, "error", err)
			return
		}
		c.logger.Warn("data received not recorded", "permission_id", pr.PermissionID, "error", err)
	}
}

func (c *Connector) handleStatus(ctx context.Context, pr core.PermissionRequest, payload []byte) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Status == "" {
		c.logger.Warn("malformed status message", "permission_id", pr.PermissionID, "error", err)
		return
	}
	if msg.Status == pr.Status {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "reported by gateway"
	}
	if _, err := c.lifecycle.Transition(ctx, pr.PermissionID, msg.Status, reason); err != nil {
		c.logger.Warn("gateway status rejected", "permission_id", pr.PermissionID, "status", msg.Status, "error", err)
	}
}
