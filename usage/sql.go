package usage

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

// SQLWriter persists records to SQLite or Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

var (
	_ Writer = (*SQLWriter)(nil)
	_ Reader = (*SQLWriter)(nil)
)

// NewSQLiteWriter opens (and if needed creates) a SQLite usage log.
func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "llmgw-usage.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewPostgresWriter opens a Postgres usage log.
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres usage writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s usage writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	request_id TEXT,
	provider_id TEXT,
	model_id TEXT,
	endpoint TEXT NOT NULL,
	stream BOOLEAN NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	failover_used BOOLEAN NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	request_id TEXT,
	provider_id TEXT,
	model_id TEXT,
	endpoint TEXT NOT NULL,
	stream BOOLEAN NOT NULL DEFAULT FALSE,
	status_code INTEGER NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	latency_ms BIGINT NOT NULL,
	attempts INTEGER NOT NULL,
	failover_used BOOLEAN NOT NULL DEFAULT FALSE,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize usage schema: %w", err)
	}
	return nil
}

func (w *SQLWriter) rebind(query string) string {
	if w.dialect != "postgres" {
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

// Write inserts rec.
func (w *SQLWriter) Write(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	query := w.rebind(`INSERT INTO usage_records(id, request_id, provider_id, model_id, endpoint, stream, status_code,
	prompt_tokens, completion_tokens, total_tokens, latency_ms, attempts, failover_used, cost_usd, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := w.db.ExecContext(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.ProviderID,
		rec.ModelID,
		string(rec.Endpoint),
		rec.Stream,
		rec.StatusCode,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.LatencyMs,
		rec.Attempts,
		rec.FailoverUsed,
		rec.CostUSD,
		rec.ErrorMessage,
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write usage record: %w", err)
	}
	return nil
}

func (q Query) where() (string, []any) {
	var conds []string
	var args []any
	if q.ProviderID != "" {
		conds = append(conds, "provider_id = ?")
		args = append(args, q.ProviderID)
	}
	if q.ModelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, q.ModelID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns matching records, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	where, args := q.where()

	var res ListResult
	if err := w.db.QueryRowContext(ctx, w.rebind("SELECT COUNT(*) FROM usage_records"+where), args...).Scan(&res.Total); err != nil {
		return ListResult{}, fmt.Errorf("count usage records: %w", err)
	}

	query := w.rebind(`SELECT id, request_id, provider_id, model_id, endpoint, stream, status_code, prompt_tokens,
	completion_tokens, total_tokens, latency_ms, attempts, failover_used, cost_usd, error_message, created_at
	FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	rows, err := w.db.QueryContext(ctx, query, append(args, q.limit(), q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r Record
		var endpoint string
		var requestID, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &requestID, &r.ProviderID, &r.ModelID, &endpoint, &r.Stream, &r.StatusCode,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.LatencyMs, &r.Attempts, &r.FailoverUsed,
			&r.CostUSD, &errMsg, &r.Timestamp); err != nil {
			return ListResult{}, fmt.Errorf("scan usage record: %w", err)
		}
		r.Endpoint = Endpoint(endpoint)
		r.RequestID = requestID.String
		r.ErrorMessage = errMsg.String
		res.Data = append(res.Data, r)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list usage records: %w", err)
	}
	return res, nil
}

// Delete removes records created before q.Before.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, nil
	}
	res, err := w.db.ExecContext(ctx, w.rebind("DELETE FROM usage_records WHERE created_at < ?"), q.Before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete usage records: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
