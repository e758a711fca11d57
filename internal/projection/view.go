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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/energyhub/permission-mediation/pkg/core"
)

// View is the queryable current-state table. Put is monotonic: a request
// whose Version is not newer than the stored one is ignored.
type View interface {
	Put(ctx context.Context, pr core.PermissionRequest) error
	Get(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error)
	FindByStatus(ctx context.Context, status core.Status) ([]core.PermissionRequest, error)
	// FindStale returns requests in status created strictly before cutoff.
	FindStale(ctx context.Context, status core.Status, cutoff time.Time) ([]core.PermissionRequest, error)
	Delete(ctx context.Context, permissionID string) error
	Close() error
}

type ViewType string

const (
	ViewTypeMemory ViewType = "memory"
	ViewTypeRedis  ViewType = "redis"
)

type Config struct {
	Type      ViewType `yaml:"type"`
	Addr      string   `yaml:"addr"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// NewView creates a View based on configuration.
func NewView(ctx context.Context, cfg Config) (View, error) {
	switch cfg.Type {
	case ViewTypeMemory, "":
		return NewMemoryView(), nil
	case ViewTypeRedis:
		client, err := Connect(ctx, cfg.Addr)
		if err != nil {
			return nil, err
		}
		return NewRedisView(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown projection view type: %s", cfg.Type)
	}
}

type MemoryView struct {
	requests map[string]core.PermissionRequest
	mu       sync.RWMutex
}

func NewMemoryView() *MemoryView {
	return &MemoryView{requests: make(map[string]core.PermissionRequest)}
}

func (m *MemoryView) Put(ctx context.Context, pr core.PermissionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.requests[pr.PermissionID]; ok && cur.Version >= pr.Version {
		return nil
	}
	m.requests[pr.PermissionID] = pr
	return nil
}

func (m *MemoryView) Get(ctx context.Context, permissionID string) (core.PermissionRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pr, ok := m.requests[permissionID]
	return pr, ok, nil
}

func (m *MemoryView) FindByStatus(ctx context.Context, status core.Status) ([]core.PermissionRequest, error) {
	return m.filter(func(pr core.PermissionRequest) bool { return pr.Status == status }), nil
}

func (m *MemoryView) FindStale(ctx context.Context, status core.Status, cutoff time.Time) ([]core.PermissionRequest, error) {
	return m.filter(func(pr core.PermissionRequest) bool {
		return pr.Status == status && pr.Created.Before(cutoff)
	}), nil
}

func (m *MemoryView) filter(keep func(core.PermissionRequest) bool) []core.PermissionRequest {
	m.mu.RLock()
	var result []core.PermissionRequest
	for _, pr := range m.requests {
		if keep(pr) {
			result = append(result, pr)
		}
	}
	m.mu.RUnlock()

	sortByCreated(result)
	return result
}

func (m *MemoryView) Delete(ctx context.Context, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, permissionID)
	return nil
}

func (m *MemoryView) Close() error { return nil }

func sortByCreated(prs []core.PermissionRequest) {
	sort.Slice(prs, func(i, j int) bool {
		if prs[i].Created.Equal(prs[j].Created) {
			return prs[i].PermissionID < prs[j].PermissionID
		}
		return prs[i].Created.Before(prs[j].Created)
	})
}
