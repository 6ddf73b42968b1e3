package events

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS llm_calls (
	id          TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	provider    TEXT NOT NULL,
	model       TEXT NOT NULL,
	tokens      INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	attempts    INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error       TEXT
);
CREATE TABLE IF NOT EXISTS plugin_executions (
	id          TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	plugin      TEXT NOT NULL,
	success     INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	error       TEXT
);`

// Ledger records LLM calls and plugin executions in SQLite. Other event
// kinds are ignored.
type Ledger struct {
	db *sql.DB
}

func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Name() string { return "ledger" }

func (l *Ledger) Handle(ctx context.Context, ev Event) error {
	ts := ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	switch ev.Kind {
	case KindLLMCall:
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO llm_calls (id, created_at, provider, model, tokens, success, attempts, duration_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ts,
			stringField(ev.Data, "provider"),
			stringField(ev.Data, "model"),
			intField(ev.Data, "tokens"),
			boolField(ev.Data, "success"),
			intField(ev.Data, "attempts"),
			intField(ev.Data, "duration_ms"),
			nullString(stringField(ev.Data, "error")),
		)
		return err
	case KindPluginExecuted:
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO plugin_executions (id, created_at, session_id, plugin, success, duration_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ts, ev.SessionID,
			stringField(ev.Data, "plugin_name"),
			boolField(ev.Data, "success"),
			intField(ev.Data, "duration_ms"),
			nullString(stringField(ev.Data, "error")),
		)
		return err
	}
	return nil
}

// UsageTotals aggregates the ledger.
type UsageTotals struct {
	LLMCalls       int64 `json:"llm_calls"`
	LLMFailures    int64 `json:"llm_failures"`
	Tokens         int64 `json:"tokens"`
	PluginRuns     int64 `json:"plugin_runs"`
	PluginFailures int64 `json:"plugin_failures"`
}

func (l *Ledger) Totals(ctx context.Context) (UsageTotals, error) {
	var t UsageTotals
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - success), 0), COALESCE(SUM(tokens), 0) FROM llm_calls`,
	).Scan(&t.LLMCalls, &t.LLMFailures, &t.Tokens)
	if err != nil {
		return t, fmt.Errorf("query llm totals: %w", err)
	}
	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - success), 0) FROM plugin_executions`,
	).Scan(&t.PluginRuns, &t.PluginFailures)
	if err != nil {
		return t, fmt.Errorf("query plugin totals: %w", err)
	}
	return t, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
