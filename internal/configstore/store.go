// Package configstore persists provider configurations so they survive
// restarts and can be re-read by Gateway.Reload.
package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ferro-labs/llm-gateway/providers"
)

// ErrNotFound is returned by Get and Delete for unknown names.
var ErrNotFound = errors.New("configstore: provider not found")

// Store persists provider configs keyed by name.
type Store interface {
	List(ctx context.Context) ([]providers.Config, error)
	Get(ctx context.Context, name string) (providers.Config, error)
	Save(ctx context.Context, cfg providers.Config) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	cfgs map[string]providers.Config
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory { return &Memory{cfgs: make(map[string]providers.Config)} }

func (m *Memory) List(_ context.Context) ([]providers.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]providers.Config, 0, len(m.cfgs))
	for _, c := range m.cfgs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Get(_ context.Context, name string) (providers.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cfgs[name]
	if !ok {
		return providers.Config{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) Save(_ context.Context, cfg providers.Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("save provider config: name is required")
	}
	m.mu.Lock()
	m.cfgs[cfg.Name] = cfg
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cfgs[name]; !ok {
		return ErrNotFound
	}
	delete(m.cfgs, name)
	return nil
}

func (m *Memory) Close() error { return nil }

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// SQLStore persists provider configs as JSON rows in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open picks the SQL backend for driver ("sqlite", "postgres") or an
// in-process store for "memory" or "".
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported provider store driver %q", driver)
	}
}

// NewSQLiteStore opens a SQLite store, creating the schema if needed.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "llmgw-providers.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite provider store: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a Postgres store, creating the schema if needed.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres provider store: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s provider store: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS provider_configs (
	name TEXT PRIMARY KEY,
	config_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`
	if s.dialect == dialectPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS provider_configs (
	name TEXT PRIMARY KEY,
	config_json TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize provider store schema: %w", err)
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// List returns every stored config ordered by name.
func (s *SQLStore) List(ctx context.Context) ([]providers.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config_json FROM provider_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []providers.Config
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan provider config: %w", err)
		}
		var cfg providers.Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("decode provider config: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, name string) (providers.Config, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT config_json FROM provider_configs WHERE name = ?`), name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return providers.Config{}, ErrNotFound
	}
	if err != nil {
		return providers.Config{}, fmt.Errorf("load provider config: %w", err)
	}
	var cfg providers.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return providers.Config{}, fmt.Errorf("decode provider config: %w", err)
	}
	return cfg, nil
}

// Save upserts cfg under cfg.Name.
func (s *SQLStore) Save(ctx context.Context, cfg providers.Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("save provider config: name is required")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}

	upsert := s.bind(`
INSERT INTO provider_configs(name, config_json, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, upsert, cfg.Name, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("save provider config: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM provider_configs WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete provider config: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
