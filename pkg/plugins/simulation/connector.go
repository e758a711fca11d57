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
package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/pkg/core"
)

const maxRetransmissionDays = 31

type Config struct {
	ID           string
	CountryCodes []string
	Interval     time.Duration
	Buffer       int
}

type permissions interface {
	FindByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error)
	FindByStatus(ctx context.Context, status core.Status) ([]core.PermissionRequest, error)
}

// Reading is the payload of a simulated validated-historical-data envelope.
type Reading struct {
	PermissionID string    `json:"permission_id"`
	Day          time.Time `json:"day"`
	Unit         string    `json:"unit"`
	Quantities   []float64 `json:"quantities"`
}

// Connector is a region connector that fabricates daily meter readings for
// its accepted permissions. It serves retransmissions and terminations like
// a real connector would.
type Connector struct {
	cfg         Config
	lifecycle   core.Lifecycle
	permissions permissions
	logger      *slog.Logger
	now         func() time.Time

	out    chan core.Envelope
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, lifecycle core.Lifecycle, perms permissions, logger *slog.Logger) *Connector {
	if cfg.ID == "" {
		cfg.ID = "sim"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Connector{
		cfg:         cfg,
		lifecycle:   lifecycle,
		permissions: perms,
		logger:      logger.With("region_connector_id", cfg.ID),
		now:         time.Now,
		out:         make(chan core.Envelope, cfg.Buffer),
	}
}

func (c *Connector) WithClock(now func() time.Time) *Connector {
	c.now = now
	return c
}

func (c *Connector) ID() string             { return c.cfg.ID }
func (c *Connector) Type() string           { return "simulation" }
func (c *Connector) CountryCodes() []string { return c.cfg.CountryCodes }

func (c *Connector) Kinds() []core.EnvelopeKind {
	return []core.EnvelopeKind{core.KindValidatedHistoricalData}
}

// Connect starts the reading ticker. It runs until Disconnect or ctx ends.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	tickCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(tickCtx, c.done)
	c.logger.Info("simulation region connector started", "interval", c.cfg.Interval)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Connector) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick emits yesterday's reading for every accepted permission of this
// connector and reports it to the lifecycle.
func (c *Connector) Tick(ctx context.Context) int {
	accepted, err := c.permissions.FindByStatus(ctx, core.StatusAccepted)
	if err != nil {
		c.logger.Error("listing accepted permissions failed", "error", err)
		return 0
	}
	day := core.Day(c.now()).AddDate(0, 0, -1)
	emitted := 0
	for _, pr := range accepted {
		if pr.DataSource.RegionConnectorID() != c.cfg.ID || !pr.Covers(day, day) {
			continue
		}
		env, err := c.reading(pr, day)
		if err != nil {
			c.logger.Error("building reading failed", "permission_id", pr.PermissionID, "error", err)
			continue
		}
		select {
		case c.out <- env:
			emitted++
		default:
			c.logger.Warn("stream buffer full, dropping reading", "permission_id", pr.PermissionID)
			continue
		}
		if _, err := c.lifecycle.DataReceived(ctx, pr.PermissionID, day); err != nil {
			c.logger.Warn("data received not recorded", "permission_id", pr.PermissionID, "error", err)
		}
	}
	return emitted
}

func (c *Connector) reading(pr core.PermissionRequest, day time.Time) (core.Envelope, error) {
	quantities := make([]float64, 96)
	for i := range quantities {
		quantities[i] = float64(rand.IntN(1000)) / 1000
	}
	payload, err := json.Marshal(Reading{PermissionID: pr.PermissionID, Day: day, Unit: "kWh", Quantities: quantities})
	if err != nil {
		return core.Envelope{}, err
	}
	return core.Envelope{
		ID:                uuid.NewString(),
		Kind:              core.KindValidatedHistoricalData,
		PermissionID:      pr.PermissionID,
		ConnectionID:      pr.ConnectionID,
		DataNeedID:        pr.DataNeedID,
		RegionConnectorID: c.cfg.ID,
		CountryCode:       pr.DataSource.CountryCode(),
		Timestamp:         c.now().UTC(),
		Payload:           payload,
		Metadata:          map[string]string{"day": day.Format(time.DateOnly)},
	}, nil
}

func (c *Connector) Stream(ctx context.Context, kind core.EnvelopeKind, out chan<- core.Envelope) error {
	if kind != core.KindValidatedHistoricalData {
		return fmt.Errorf("%w: simulation connector does not emit %s", core.ErrValidation, kind)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-c.out:
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Deliver terminates the permission named by a termination envelope. Only
// permissions owned by this connector are terminated.
func (c *Connector) Deliver(ctx context.Context, env core.Envelope) error {
	if env.Kind != core.KindTermination {
		return fmt.Errorf("%w: simulation connector cannot handle %s", core.ErrValidation, env.Kind)
	}
	pr, found, err := c.permissions.FindByPermissionID(ctx, env.PermissionID)
	if err != nil {
		return err
	}
	if !found || pr.DataSource.RegionConnectorID() != c.cfg.ID {
		return fmt.Errorf("%w: permission %s is not owned by %s", core.ErrNotFound, env.PermissionID, c.cfg.ID)
	}
	reason := env.Metadata["reason"]
	if reason == "" {
		reason = "terminated by eligible party"
	}
	_, err = c.lifecycle.Transition(ctx, env.PermissionID, core.StatusTerminated, reason)
	return err
}

func (c *Connector) CheckSupported(_ core.PermissionRequest, req core.RetransmissionRequest) error {
	days := int(core.Day(req.To).Sub(core.Day(req.From)).Hours()/24) + 1
	if days > maxRetransmissionDays {
		return fmt.Errorf("at most %d days can be retransmitted, got %d", maxRetransmissionDays, days)
	}
	return nil
}

// Poll fabricates one reading per requested day up to yesterday.
func (c *Connector) Poll(ctx context.Context, pr core.PermissionRequest, req core.RetransmissionRequest) ([]core.Envelope, error) {
	yesterday := core.Day(c.now()).AddDate(0, 0, -1)
	to := core.Day(req.To)
	if to.After(yesterday) {
		to = yesterday
	}
	var envs []core.Envelope
	for day := core.Day(req.From); !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env, err := c.reading(pr, day)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}
