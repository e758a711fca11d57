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

package eventlog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/energyhub/permission-mediation/pkg/core"
)

// MemoryStore keeps the event log in process memory.
type MemoryStore struct {
	streams map[string][]Event
	mu      sync.RWMutex
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]Event)}
}

func (m *MemoryStore) Append(ctx context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}

	stream := m.streams[evt.PermissionID]
	head := int64(len(stream))
	if evt.Sequence != head+1 {
		return fmt.Errorf("%w: permission=%s head=%d sequence=%d",
			core.ErrConcurrencyConflict, evt.PermissionID, head, evt.Sequence)
	}
	m.streams[evt.PermissionID] = append(stream, evt)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, permissionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrStoreClosed
	}

	stream := m.streams[permissionID]
	if len(stream) == 0 {
		return nil, fmt.Errorf("%w: permission=%s", core.ErrNotFound, permissionID)
	}
	result := make([]Event, len(stream))
	copy(result, stream)
	return result, nil
}

func (m *MemoryStore) PermissionIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrStoreClosed
	}

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Delete(ctx context.Context, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	delete(m.streams, permissionID)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.streams = nil
	return nil
}
