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
package retransmission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/energyhub/permission-mediation/internal/metrics"
	"github.com/energyhub/permission-mediation/pkg/core"
)

// Finder looks up permission requests. The lifecycle manager satisfies it.
type Finder interface {
	FindByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error)
}

// Injector re-delivers polled envelopes on the regular streaming path.
type Injector interface {
	Inject(ctx context.Context, env core.Envelope) error
}

// Coordinator re-polls a region connector for a permission and time range
// and classifies the outcome into exactly one RetransmissionResult.
type Coordinator struct {
	finder   Finder
	injector Injector
	logger   *slog.Logger
	now      func() time.Time

	active map[core.Status]bool

	mu       sync.RWMutex
	services map[string]core.RetransmissionService
}

func New(finder Finder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		finder:   finder,
		logger:   logger.With("component", "retransmission"),
		now:      time.Now,
		active:   map[core.Status]bool{core.StatusAccepted: true},
		services: make(map[string]core.RetransmissionService),
	}
}

func (c *Coordinator) WithInjector(injector Injector) *Coordinator {
	c.injector = injector
	return c
}

// WithActiveStatuses replaces the set of statuses a permission must be in to
// be retransmitted.
func (c *Coordinator) WithActiveStatuses(statuses ...core.Status) *Coordinator {
	c.active = make(map[core.Status]bool, len(statuses))
	for _, s := range statuses {
		c.active[s] = true
	}
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Register binds the retransmission capability of a region connector.
func (c *Coordinator) Register(regionConnectorID string, svc core.RetransmissionService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[regionConnectorID] = svc
	c.logger.Info("retransmission service registered", "region_connector_id", regionConnectorID)
}

func (c *Coordinator) Unregister(regionConnectorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, regionConnectorID)
}

func (c *Coordinator) service(regionConnectorID string) (core.RetransmissionService, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[regionConnectorID]
	return svc, ok
}

// Retransmit handles one request. Only a malformed request is returned as an
// error (wrapping core.ErrValidation); every other outcome is a result.
func (c *Coordinator) Retransmit(ctx context.Context, req core.RetransmissionRequest) (core.RetransmissionResult, error) {
	if err := req.Validate(); err != nil {
		return core.RetransmissionResult{}, err
	}
	result := c.retransmit(ctx, req)
	metrics.RetransmissionsTotal.WithLabelValues(result.Outcome.String()).Inc()
	c.logger.Info("retransmission handled",
		"permission_id", req.PermissionID,
		"region_connector_id", req.RegionConnectorID,
		"outcome", result.Outcome.String(),
		"reason", result.Reason)
	return result, nil
}

func (c *Coordinator) retransmit(ctx context.Context, req core.RetransmissionRequest) core.RetransmissionResult {
	pid := req.PermissionID

	pr, found, err := c.finder.FindByPermissionID(ctx, pid)
	if err != nil {
		c.logger.Error("permission lookup failed", "permission_id", pid, "error", err)
		return core.Failure(pid, c.now(), err.Error())
	}
	if !found || pr.DataSource.RegionConnectorID() != req.RegionConnectorID {
		return core.NewRetransmissionResult(core.OutcomePermissionRequestNotFound, pid, c.now())
	}

	svc, ok := c.service(req.RegionConnectorID)
	if !ok {
		return core.NewRetransmissionResult(core.OutcomeRetransmissionServiceNotFound, pid, c.now())
	}
	if !c.active[pr.Status] {
		return core.NewRetransmissionResult(core.OutcomeNoActivePermission, pid, c.now())
	}
	if !pr.Covers(req.From, req.To) {
		return core.NewRetransmissionResult(core.OutcomeNoPermissionForTimeFrame, pid, c.now())
	}
	if err := svc.CheckSupported(pr, req); err != nil {
		return core.NotSupported(pid, c.now(), err.Error())
	}

	envs, err := c.poll(ctx, svc, pr, req)
	if err != nil {
		c.logger.Warn("retransmission poll failed", "permission_id", pid, "error", err)
		return core.Failure(pid, c.now(), err.Error())
	}
	if len(envs) == 0 {
		return core.NewRetransmissionResult(core.OutcomeDataNotAvailable, pid, c.now())
	}
	c.inject(ctx, pr, envs)
	return core.NewRetransmissionResult(core.OutcomeSuccess, pid, c.now())
}

func (c *Coordinator) poll(ctx context.Context, svc core.RetransmissionService, pr core.PermissionRequest, req core.RetransmissionRequest) (envs []core.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
		}
	}()
	return svc.Poll(ctx, pr, req)
}

func (c *Coordinator) inject(ctx context.Context, pr core.PermissionRequest, envs []core.Envelope) {
	if c.injector == nil {
		return
	}
	for _, env := range envs {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		if env.Kind == "" {
			env.Kind = core.KindValidatedHistoricalData
		}
		if env.PermissionID == "" {
			env.PermissionID = pr.PermissionID
			env.ConnectionID = pr.ConnectionID
			env.DataNeedID = pr.DataNeedID
		}
		if env.RegionConnectorID == "" {
			env.RegionConnectorID = pr.DataSource.RegionConnectorID()
		}
		if env.CountryCode == "" {
			env.CountryCode = pr.DataSource.CountryCode()
		}
		if env.Timestamp.IsZero() {
			env.Timestamp = c.now().UTC()
		}
		if err := c.injector.Inject(ctx, env); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.Warn("retransmission injection cancelled", "permission_id", pr.PermissionID, "error", err)
				return
			}
			c.logger.Error("retransmitted envelope not injected", "permission_id", pr.PermissionID, "envelope_id", env.ID, "error", err)
		}
	}
}
