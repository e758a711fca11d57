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

package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/energyhub/permission-mediation/internal/eventlog"
	"github.com/energyhub/permission-mediation/pkg/core"
)

// Projector keeps a View in step with the event log. The view may lag the
// log but never runs ahead of it; a miss or a gap falls back to folding the
// stream.
type Projector struct {
	store  eventlog.Store
	view   View
	logger *slog.Logger
	now    func() time.Time
}

func NewProjector(store eventlog.Store, view View, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: store, view: view, logger: logger, now: time.Now}
}

func (p *Projector) WithClock(now func() time.Time) *Projector {
	p.now = now
	return p
}

// Apply projects a committed event.
func (p *Projector) Apply(ctx context.Context, evt eventlog.Event) error {
	cur, ok, err := p.view.Get(ctx, evt.PermissionID)
	if err != nil {
		return err
	}
	if ok && evt.Sequence <= cur.Version {
		return nil
	}
	if ok || evt.Sequence == 1 {
		if err := eventlog.Apply(&cur, evt); err == nil {
			return p.view.Put(ctx, cur)
		}
	}

	p.logger.Debug("projection gap, refolding",
		"permission_id", evt.PermissionID,
		"view_version", cur.Version,
		"sequence", evt.Sequence)
	_, err = p.Refresh(ctx, evt.PermissionID)
	return err
}

// Refresh rebuilds one permission from its event stream.
func (p *Projector) Refresh(ctx context.Context, permissionID string) (core.PermissionRequest, error) {
	events, err := p.store.Load(ctx, permissionID)
	if errors.Is(err, core.ErrNotFound) {
		if delErr := p.view.Delete(ctx, permissionID); delErr != nil {
			return core.PermissionRequest{}, delErr
		}
		return core.PermissionRequest{}, err
	}
	if err != nil {
		return core.PermissionRequest{}, err
	}
	pr, err := eventlog.Fold(events)
	if err != nil {
		return core.PermissionRequest{}, err
	}
	if err := p.view.Put(ctx, pr); err != nil {
		return core.PermissionRequest{}, err
	}
	return pr, nil
}

// Rebuild refolds every stream in the log into the view.
func (p *Projector) Rebuild(ctx context.Context) (int, error) {
	ids, err := p.store.PermissionIDs(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := p.Refresh(ctx, id); err != nil {
			return count, fmt.Errorf("rebuild %s: %w", id, err)
		}
		count++
	}
	p.logger.Info("projection rebuilt", "permissions", count)
	return count, nil
}

// Live folds the event log directly, bypassing the view.
func (p *Projector) Live(ctx context.Context, permissionID string) (core.PermissionRequest, error) {
	events, err := p.store.Load(ctx, permissionID)
	if err != nil {
		return core.PermissionRequest{}, err
	}
	return eventlog.Fold(events)
}

func (p *Projector) FindByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error) {
	pr, ok, err := p.view.Get(ctx, permissionID)
	if err != nil || ok {
		return pr, ok, err
	}
	pr, err = p.Refresh(ctx, permissionID)
	if errors.Is(err, core.ErrNotFound) {
		return core.PermissionRequest{}, false, nil
	}
	if err != nil {
		return core.PermissionRequest{}, false, err
	}
	return pr, true, nil
}

func (p *Projector) GetByPermissionID(ctx context.Context, permissionID string) (core.PermissionRequest, error) {
	pr, ok, err := p.FindByPermissionID(ctx, permissionID)
	if err != nil {
		return core.PermissionRequest{}, err
	}
	if !ok {
		return core.PermissionRequest{}, fmt.Errorf("%w: permission request %s", core.ErrNotFound, permissionID)
	}
	return pr, nil
}

func (p *Projector) FindByStatus(ctx context.Context, status core.Status) ([]core.PermissionRequest, error) {
	return p.view.FindByStatus(ctx, status)
}

// FindStale returns requests in status whose creation lies more than
// olderThanHours before now.
func (p *Projector) FindStale(ctx context.Context, status core.Status, olderThanHours int) ([]core.PermissionRequest, error) {
	cutoff := p.now().Add(-time.Duration(olderThanHours) * time.Hour)
	return p.view.FindStale(ctx, status, cutoff)
}

func (p *Projector) Forget(ctx context.Context, permissionID string) error {
	return p.view.Delete(ctx, permissionID)
}

func (p *Projector) Close() error {
	return p.view.Close()
}
