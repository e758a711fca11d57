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
	"log/slog"
)

// Store is the append-only event log. Append enforces optimistic
// concurrency: an event whose sequence is not exactly one past the stored
// head fails with core.ErrConcurrencyConflict.
type Store interface {
	Append(ctx context.Context, evt Event) error
	// Load returns all events of a permission in sequence order, or
	// core.ErrNotFound when none exist.
	Load(ctx context.Context, permissionID string) ([]Event, error)
	PermissionIDs(ctx context.Context) ([]string, error)
	// Delete drops the events of a permission. Only used for retention
	// cleanup of terminal permissions.
	Delete(ctx context.Context, permissionID string) error
	Close() error
}

type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeSQLite   StoreType = "sqlite"
	StoreTypePostgres StoreType = "postgres"
)

type Config struct {
	Type     StoreType `yaml:"type"`
	Path     string    `yaml:"path"`
	DSN      string    `yaml:"dsn"`
	MaxConns int32     `yaml:"max_conns"`
	PoolSize int       `yaml:"pool_size"`
}

// NewStore creates a Store based on configuration.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeSQLite:
		return OpenSQLite(SQLiteConfig{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: logger})
	case StoreTypePostgres:
		return OpenPostgres(ctx, cfg.DSN, cfg.MaxConns, logger)
	default:
		return nil, fmt.Errorf("unknown event store type: %s", cfg.Type)
	}
}
