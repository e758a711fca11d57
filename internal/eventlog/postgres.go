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
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/energyhub/permission-mediation/pkg/core"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type eventModel struct {
	PermissionID string    `gorm:"column:permission_id;primaryKey"`
	Sequence     int64     `gorm:"column:sequence;primaryKey"`
	Kind         string    `gorm:"column:kind"`
	RecordedAt   time.Time `gorm:"column:recorded_at"`
	Body         []byte    `gorm:"column:body"`
}

func (eventModel) TableName() string { return "permission_events" }

// PostgresStore persists the event log through gorm. The composite primary
// key on (permission_id, sequence) backs up the head check in Append.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func OpenPostgres(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := Connect(ctx, dsn, maxConns, logger)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, db, logger); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// Connect opens and validates a Postgres-backed gorm connection pool.
func Connect(ctx context.Context, databaseURL string, maxConns int32, logger *slog.Logger) (*gorm.DB, error) {
	logger.InfoContext(ctx, "postgres connect started", "component", "eventlog")
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(int(maxConns))
		sqlDB.SetMaxIdleConns(int(maxConns) / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.InfoContext(ctx, "postgres connect completed", "component", "eventlog")
	return db, nil
}

// RunMigrations applies embedded SQL migrations in lexical order.
func RunMigrations(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := db.WithContext(ctx).Exec(string(raw)).Error; err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		logger.InfoContext(ctx, "migration applied", "component", "eventlog", "migration", name)
	}
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, evt Event) error {
	body, err := encodeEvent(evt)
	if err != nil {
		return err
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head int64
		if err := tx.Model(&eventModel{}).
			Where("permission_id = ?", evt.PermissionID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&head).Error; err != nil {
			return fmt.Errorf("read head: %w", err)
		}
		if evt.Sequence != head+1 {
			return fmt.Errorf("%w: permission=%s head=%d sequence=%d",
				core.ErrConcurrencyConflict, evt.PermissionID, head, evt.Sequence)
		}
		rec := eventModel{
			PermissionID: evt.PermissionID,
			Sequence:     evt.Sequence,
			Kind:         string(evt.Kind),
			RecordedAt:   evt.Timestamp,
			Body:         body,
		}
		return tx.Create(&rec).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: permission=%s sequence=%d", core.ErrConcurrencyConflict, evt.PermissionID, evt.Sequence)
	}
	return err
}

func (p *PostgresStore) Load(ctx context.Context, permissionID string) ([]Event, error) {
	var recs []eventModel
	if err := p.db.WithContext(ctx).
		Where("permission_id = ?", permissionID).
		Order("sequence ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("postgres event store: load %s: %w", permissionID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: permission=%s", core.ErrNotFound, permissionID)
	}

	events := make([]Event, 0, len(recs))
	for _, rec := range recs {
		evt, err := decodeEvent(rec.Body)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

func (p *PostgresStore) PermissionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := p.db.WithContext(ctx).
		Model(&eventModel{}).
		Distinct("permission_id").
		Order("permission_id").
		Pluck("permission_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("postgres event store: list: %w", err)
	}
	return ids, nil
}

func (p *PostgresStore) Delete(ctx context.Context, permissionID string) error {
	return p.db.WithContext(ctx).
		Where("permission_id = ?", permissionID).
		Delete(&eventModel{}).Error
}

func (p *PostgresStore) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
