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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/energyhub/permission-mediation/internal/eventlog"
	"github.com/energyhub/permission-mediation/internal/metrics"
	"github.com/energyhub/permission-mediation/internal/projection"
	"github.com/energyhub/permission-mediation/pkg/core"
)

// Observer is told about every committed status change. from is empty for
// a newly created request.
type Observer interface {
	StatusChanged(ctx context.Context, pr core.PermissionRequest, from core.Status, reason string)
}

// Manager validates and commits state transitions. Every accepted change is
// appended to the event log first; the projection and observers only see it
// after the append succeeded.
type Manager struct {
	store     eventlog.Store
	projector *projection.Projector
	machine   *Machine
	machines  sync.Map // region connector id -> *Machine
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(store eventlog.Store, projector *projection.Projector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		projector: projector,
		machine:   DefaultMachine(),
		logger:    logger.With("component", "lifecycle"),
		now:       time.Now,
	}
}

func (m *Manager) WithObserver(o Observer) *Manager {
	m.observers = append(m.observers, o)
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// UseMachine installs a connector specific machine for requests owned by
// regionConnectorID.
func (m *Manager) UseMachine(regionConnectorID string, machine *Machine) {
	m.machines.Store(regionConnectorID, machine)
}

func (m *Manager) MachineFor(regionConnectorID string) *Machine {
	if v, ok := m.machines.Load(regionConnectorID); ok {
		return v.(*Machine)
	}
	return m.machine
}

// Create commits the created event of a new permission request.
func (m *Manager) Create(ctx context.Context, pr core.PermissionRequest) (core.PermissionRequest, error) {
	if err := validateNew(pr); err != nil {
		return core.PermissionRequest{}, err
	}
	if pr.Status == "" {
		pr.Status = core.StatusCreated
	}
	if pr.Created.IsZero() {
		pr.Created = m.now().UTC()
	}
	pr.Version = 0

	evt := eventlog.Event{
		PermissionID: pr.PermissionID,
		Sequence:     1,
		Kind:         eventlog.KindCreated,
		Timestamp:    pr.Created,
		Status:       pr.Status,
		Request:      &pr,
	}
	if err := m.store.Append(ctx, evt); err != nil {
		if errors.Is(err, core.ErrConcurrencyConflict) {
			return core.PermissionRequest{}, fmt.Errorf("%w: permission request %s already exists", core.ErrConcurrencyConflict, pr.PermissionID)
		}
		return core.PermissionRequest{}, fmt.Errorf("append created event: %w", err)
	}

	var created core.PermissionRequest
	if err := eventlog.Apply(&created, evt); err != nil {
		return core.PermissionRequest{}, err
	}
	m.project(ctx, evt)

	m.logger.Info("permission request created",
		"permission_id", created.PermissionID,
		"region_connector_id", created.DataSource.RegionConnector,
		"status", created.Status)
	m.notify(ctx, created, "", "")
	return created, nil
}

func validateNew(pr core.PermissionRequest) error {
	var problems []string
	if strings.TrimSpace(pr.PermissionID) == "" {
		problems = append(problems, "permission_id is required")
	}
	if strings.TrimSpace(pr.DataSource.RegionConnector) == "" {
		problems = append(problems, "region connector id is required")
	}
	if pr.Status != "" && pr.Status != core.StatusCreated {
		problems = append(problems, fmt.Sprintf("new requests start in %s, got %s", core.StatusCreated, pr.Status))
	}
	if !pr.Start.IsZero() && !pr.End.IsZero() && core.Day(pr.End).Before(core.Day(pr.Start)) {
		problems = append(problems, "start must not be after end")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", core.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Transition moves a permission to status to. The current state is folded
// from the event log, not read from the projection, so the edge check always
// sees the latest committed status.
func (m *Manager) Transition(ctx context.Context, permissionID string, to core.Status, reason string) (core.PermissionRequest, error) {
	cur, err := m.projector.Live(ctx, permissionID)
	if err != nil {
		return core.PermissionRequest{}, err
	}

	if err := m.MachineFor(cur.DataSource.RegionConnector).Validate(cur.Status, to); err != nil {
		metrics.TransitionErrorsTotal.WithLabelValues("validation").Inc()
		return cur, err
	}

	kind := eventlog.KindStatusChanged
	if to == core.StatusTerminated {
		kind = eventlog.KindTerminated
	}
	evt := eventlog.Event{
		PermissionID: permissionID,
		Sequence:     cur.Version + 1,
		Kind:         kind,
		Timestamp:    m.now().UTC(),
		Status:       to,
		Reason:       reason,
	}
	if err := m.store.Append(ctx, evt); err != nil {
		if errors.Is(err, core.ErrConcurrencyConflict) {
			metrics.TransitionErrorsTotal.WithLabelValues("conflict").Inc()
		}
		return cur, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()

	from := cur.Status
	if err := eventlog.Apply(&cur, evt); err != nil {
		return cur, err
	}
	m.project(ctx, evt)

	m.logger.Info("permission request transitioned",
		"permission_id", permissionID,
		"from", from,
		"to", to,
		"reason", reason)
	m.notify(ctx, cur, from, reason)
	return cur, nil
}

// DataReceived records that data up to latest has been delivered for an
// accepted permission. Older readings are ignored. A reading reaching the
// end of the validity window fulfills the permission.
func (m *Manager) DataReceived(ctx context.Context, permissionID string, latest time.Time) (core.PermissionRequest, error) {
	cur, err := m.projector.Live(ctx, permissionID)
	if err != nil {
		return core.PermissionRequest{}, err
	}
	if cur.Status != core.StatusAccepted {
		return cur, fmt.Errorf("%w: data received for %s in status %s", core.ErrValidation, permissionID, cur.Status)
	}
	if !latest.After(cur.LatestReading) {
		return cur, nil
	}

	evt := eventlog.Event{
		PermissionID:  permissionID,
		Sequence:      cur.Version + 1,
		Kind:          eventlog.KindDataReceived,
		Timestamp:     m.now().UTC(),
		LatestReading: latest.UTC(),
	}
	if err := m.store.Append(ctx, evt); err != nil {
		return cur, err
	}
	if err := eventlog.Apply(&cur, evt); err != nil {
		return cur, err
	}
	m.project(ctx, evt)

	machine := m.MachineFor(cur.DataSource.RegionConnector)
	if !cur.End.IsZero() && !core.Day(latest).Before(core.Day(cur.End)) &&
		machine.Allowed(cur.Status, core.StatusFulfilled) {
		return m.Transition(ctx, permissionID, core.StatusFulfilled, "all requested data received")
	}
	return cur, nil
}

// Save stores request. A new request is created; an existing one is moved
// to request.Status through the state machine.
func (m *Manager) Save(ctx context.Context, request core.PermissionRequest) error {
	cur, err := m.projector.Live(ctx, request.PermissionID)
	if errors.Is(err, core.ErrNotFound) {
		_, err = m.Create(ctx, request)
		return err
	}
	if err != nil {
		return err
	}
	if cur.Status == request.Status {
		return nil
	}
	_, err = m.Transition(ctx, request.PermissionID, request.Status, "")
	return err
}

func (m *Manager) FindByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error) {
	return m.projector.FindByPermissionID(ctx, permissionID)
}

func (m *Manager) GetByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, error) {
	return m.projector.GetByPermissionID(ctx, permissionID)
}

func (m *Manager) FindByStatus(ctx context.Context, status core.Status) ([]core.PermissionRequest, error) {
	return m.projector.FindByStatus(ctx, status)
}

func (m *Manager) FindStale(ctx context.Context, status core.Status, olderThanHours int) ([]core.PermissionRequest, error) {
	return m.projector.FindStale(ctx, status, olderThanHours)
}

// Purge deletes the events and the projection of a terminal permission.
func (m *Manager) Purge(ctx context.Context, permissionID string) error {
	cur, err := m.projector.Live(ctx, permissionID)
	if err != nil {
		return err
	}
	if !m.MachineFor(cur.DataSource.RegionConnector).IsTerminal(cur.Status) {
		return fmt.Errorf("%w: %s is not terminal (%s)", core.ErrValidation, permissionID, cur.Status)
	}
	if err := m.store.Delete(ctx, permissionID); err != nil {
		return fmt.Errorf("purge events %s: %w", permissionID, err)
	}
	if err := m.projector.Forget(ctx, permissionID); err != nil {
		return fmt.Errorf("purge projection %s: %w", permissionID, err)
	}
	m.logger.Info("permission request purged", "permission_id", permissionID, "status", cur.Status)
	return nil
}

// project updates the view after a commit. A failure only leaves the view
// behind; the next read or Rebuild catches it up from the log.
func (m *Manager) project(ctx context.Context, evt eventlog.Event) {
	if err := m.projector.Apply(ctx, evt); err != nil {
		m.logger.Warn("projection update failed",
			"permission_id", evt.PermissionID,
			"sequence", evt.Sequence,
			"error", err)
	}
}

func (m *Manager) notify(ctx context.Context, pr core.PermissionRequest, from core.Status, reason string) {
	if from == pr.Status {
		return
	}
	for _, o := range m.observers {
		o.StatusChanged(ctx, pr, from, reason)
	}
}
