package monitoring

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/lmgate/lmstudio-gateway/internal/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS request_events (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id          TEXT NOT NULL,
	ts                  TEXT NOT NULL,
	method              TEXT NOT NULL,
	path                TEXT NOT NULL,
	client_ip           TEXT,
	stream              INTEGER NOT NULL,
	model               TEXT,
	request_body_size   INTEGER,
	response_body_size  INTEGER,
	status_code         INTEGER NOT NULL,
	upstream_status     INTEGER,
	success             INTEGER NOT NULL,
	error               TEXT,
	models_fallback     INTEGER NOT NULL,
	client_gone         INTEGER NOT NULL,
	upstream_latency_ms INTEGER,
	total_latency_ms    INTEGER,
	prompt_tokens       INTEGER,
	completion_tokens   INTEGER,
	total_tokens        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_request_events_ts ON request_events(ts);
CREATE TABLE IF NOT EXISTS init_events (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	ts    TEXT NOT NULL,
	event TEXT NOT NULL,
	data  TEXT NOT NULL
);`

type sqliteSink struct {
	db *sql.DB
}

func newSQLiteSink(path string) (*sqliteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	// Single writer; the tracker already serializes access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure telemetry db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	return &sqliteSink{db: db}, nil
}

func (s *sqliteSink) WriteRequest(e *RequestEvent) error {
	_, err := s.db.Exec(`INSERT INTO request_events (
		request_id, ts, method, path, client_ip, stream, model,
		request_body_size, response_body_size, status_code, upstream_status,
		success, error, models_fallback, client_gone,
		upstream_latency_ms, total_latency_ms,
		prompt_tokens, completion_tokens, total_tokens
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Method, e.Path, e.ClientIP,
		boolInt(e.Stream), e.Model,
		e.RequestBodySize, e.ResponseBodySize, e.StatusCode, e.UpstreamStatus,
		boolInt(e.Success), e.Error, boolInt(e.ModelsFallback), boolInt(e.ClientGone),
		e.UpstreamLatencyMs, e.TotalLatencyMs,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens,
	)
	return err
}

func (s *sqliteSink) WriteInit(e *InitEvent) error {
	data, err := utils.MarshalNoEscape(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO init_events (ts, event, data) VALUES (?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Event, string(data))
	return err
}

func (s *sqliteSink) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
