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
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/energyhub/permission-mediation/pkg/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS permission_events (
	permission_id TEXT    NOT NULL,
	sequence      INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	recorded_at   INTEGER NOT NULL,
	body          BLOB    NOT NULL,
	PRIMARY KEY (permission_id, sequence)
) WITHOUT ROWID;
`

type SQLiteConfig struct {
	// Path of the database file. The parent directory must exist.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// SQLiteStore persists the event log in a single SQLite file. Appends run
// inside an IMMEDIATE transaction so the head check and insert are atomic.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite event store: path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite event store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite event store opened", "path", cfg.Path, "pool_size", poolSize)
	return &SQLiteStore{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
}

func (s *SQLiteStore) Append(ctx context.Context, evt Event) (err error) {
	body, err := encodeEvent(evt)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite event store: append: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite event store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	var head int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(sequence), 0) FROM permission_events WHERE permission_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{evt.PermissionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				head = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("sqlite event store: read head: %w", err)
	}
	if evt.Sequence != head+1 {
		return fmt.Errorf("%w: permission=%s head=%d sequence=%d",
			core.ErrConcurrencyConflict, evt.PermissionID, head, evt.Sequence)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO permission_events (permission_id, sequence, kind, recorded_at, body)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{evt.PermissionID, evt.Sequence, string(evt.Kind), evt.Timestamp.UnixNano(), body},
		})
	if err != nil {
		if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
			return fmt.Errorf("%w: permission=%s sequence=%d", core.ErrConcurrencyConflict, evt.PermissionID, evt.Sequence)
		}
		return fmt.Errorf("sqlite event store: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, permissionID string) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite event store: load: %w", err)
	}
	defer s.pool.Put(conn)

	var events []Event
	err = sqlitex.Execute(conn,
		"SELECT body FROM permission_events WHERE permission_id = ? ORDER BY sequence",
		&sqlitex.ExecOptions{
			Args: []any{permissionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				body := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, body)
				evt, err := decodeEvent(body)
				if err != nil {
					return err
				}
				events = append(events, evt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite event store: load %s: %w", permissionID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: permission=%s", core.ErrNotFound, permissionID)
	}
	return events, nil
}

func (s *SQLiteStore) PermissionIDs(ctx context.Context) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite event store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		"SELECT DISTINCT permission_id FROM permission_events ORDER BY permission_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite event store: list: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, permissionID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite event store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM permission_events WHERE permission_id = ?",
		&sqlitex.ExecOptions{Args: []any{permissionID}})
	if err != nil {
		return fmt.Errorf("sqlite event store: delete %s: %w", permissionID, err)
	}
	return nil
}

// Close blocks until all borrowed connections are returned.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite event store close error", "path", s.path, "error", err)
		return fmt.Errorf("sqlite event store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite event store closed", "path", s.path)
	return nil
}
