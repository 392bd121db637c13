package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	pendingTableName      = "mappatura_pending"
	pendingStateKey       = "default"
	sqlOperationTimeout   = 5 * time.Second
	postgresDriverName    = "postgres"
	sqliteDriverName      = "sqlite"
	sqliteBusyTimeoutMsec = 5000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	create string
	load   string
	upsert string
	init   []string
}

func postgresDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: postgresDriverName,
		create: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoted),
		load: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, quoted),
	}
}

func sqliteDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: sqliteDriverName,
		create: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, quoted),
		load: fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (state_key, snapshot, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, quoted),
		init: []string{
			"PRAGMA journal_mode=WAL",
			fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMsec),
		},
	}
}

// SQLPendingStore keeps the snapshot as a single row, the same layout for
// postgres and sqlite.
type SQLPendingStore struct {
	dsn      string
	stateKey string
	dialect  sqlDialect
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresPendingStore(dsn string) (*SQLPendingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLPendingStore{
		dsn:      dsn,
		stateKey: pendingStateKey,
		dialect:  postgresDialect(pendingTableName),
		openDB:   sql.Open,
	}, nil
}

// NewSQLitePendingStore opens (and creates) the database file at path.
func NewSQLitePendingStore(path string) (*SQLPendingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLPendingStore{
		dsn:      path,
		stateKey: pendingStateKey,
		dialect:  sqliteDialect(pendingTableName),
		openDB:   sql.Open,
	}, nil
}

func (s *SQLPendingStore) Load() (*Snapshot, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, s.dialect.load, s.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *SQLPendingStore) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, s.dialect.upsert, s.stateKey, string(payload))
	return err
}

func (s *SQLPendingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLPendingStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.driver == sqliteDriverName {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		for _, stmt := range s.dialect.init {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		if _, err := db.ExecContext(ctx, s.dialect.create); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
