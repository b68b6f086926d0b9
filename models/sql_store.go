package models

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists catalog entries to SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (and if needed creates) a SQLite catalog.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "llmgw-catalog.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite model catalog: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// inside sync transactions.
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a Postgres catalog.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres model catalog: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an already open database without running
// migrations. dialect is "sqlite" or "postgres".
func NewSQLStoreWithDB(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s model catalog: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS llm_models (
	provider_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	context_length INTEGER NOT NULL DEFAULT 0,
	max_tokens INTEGER NOT NULL DEFAULT 0,
	is_chat BOOLEAN NOT NULL DEFAULT 1,
	is_embedding BOOLEAN NOT NULL DEFAULT 0,
	is_default BOOLEAN NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	source TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (provider_id, model_id)
);`
	if s.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS llm_models (
	provider_id TEXT NOT NULL,
	model_id TEXT NOT NULL,
	context_length INTEGER NOT NULL DEFAULT 0,
	max_tokens INTEGER NOT NULL DEFAULT 0,
	is_chat BOOLEAN NOT NULL DEFAULT TRUE,
	is_embedding BOOLEAN NOT NULL DEFAULT FALSE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	source TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider_id, model_id)
);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize model catalog schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const selectModels = `SELECT provider_id, model_id, context_length, max_tokens, is_chat, is_embedding, is_default, is_active, source, updated_at FROM llm_models`

func scanModels(rows *sql.Rows) ([]Model, error) {
	defer func() { _ = rows.Close() }()
	var out []Model
	for rows.Next() {
		var m Model
		var source string
		if err := rows.Scan(&m.ProviderID, &m.ModelID, &m.ContextLength, &m.MaxTokens,
			&m.IsChatModel, &m.IsEmbeddingModel, &m.IsDefault, &m.IsActive, &source, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		m.Source = Source(source)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListActive returns every active model.
func (s *SQLStore) ListActive(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectModels+` WHERE is_active = ? ORDER BY provider_id, model_id`), true)
	if err != nil {
		return nil, fmt.Errorf("list active models: %w", err)
	}
	return scanModels(rows)
}

// List returns every model of a provider, active or not.
func (s *SQLStore) List(ctx context.Context, providerID string) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectModels+` WHERE provider_id = ? ORDER BY model_id`), providerID)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return scanModels(rows)
}

// ReplaceProviderModels marks every model of the provider inactive and then
// upserts current as active, all in one transaction.
func (s *SQLStore) ReplaceProviderModels(ctx context.Context, providerID string, current []Model) ([]Model, error) {
	now := time.Now().UTC()
	deactivate := s.rebind(`UPDATE llm_models SET is_active = ?, updated_at = ? WHERE provider_id = ? AND is_active = ?`)
	upsert := s.rebind(`INSERT INTO llm_models(provider_id, model_id, context_length, max_tokens, is_chat, is_embedding, is_default, is_active, source, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(provider_id, model_id) DO UPDATE SET
		context_length = excluded.context_length,
		max_tokens = excluded.max_tokens,
		is_chat = excluded.is_chat,
		is_embedding = excluded.is_embedding,
		is_default = excluded.is_default,
		is_active = excluded.is_active,
		source = excluded.source,
		updated_at = excluded.updated_at`)

	out := make([]Model, 0, len(current))
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, deactivate, false, now, providerID, true); err != nil {
			return fmt.Errorf("deactivate stale models: %w", err)
		}
		for _, m := range current {
			m.ProviderID = providerID
			m.IsActive = true
			if m.UpdatedAt.IsZero() {
				m.UpdatedAt = now
			}
			if m.Source == "" {
				m.Source = SourceSync
			}
			if _, err := tx.ExecContext(ctx, upsert, m.ProviderID, m.ModelID, m.ContextLength, m.MaxTokens,
				m.IsChatModel, m.IsEmbeddingModel, m.IsDefault, m.IsActive, string(m.Source), m.UpdatedAt); err != nil {
				return fmt.Errorf("upsert model %s: %w", m.ModelID, err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortModels(out)
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()
	return fn(tx)
}
