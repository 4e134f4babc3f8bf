package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/minewatt/fleet-control/pkg/curtail"
)

// Repository persists curtailment plans and datahub snapshot history in
// SQLite. Plans are stored whole (actions as JSON) since they are written
// once per lifecycle transition and read back for execution and audit.
type Repository struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	target_kw      REAL NOT NULL,
	estimated_kw   REAL NOT NULL,
	estimated_loss REAL NOT NULL,
	generated_at   TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	payload        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	domain     TEXT NOT NULL,
	source     TEXT NOT NULL,
	fetched_at TIMESTAMP NOT NULL,
	payload    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_domain_time ON snapshots(domain, fetched_at);
`

// NewRepository opens (creating if needed) the SQLite database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SavePlan inserts or updates a plan. Called on every lifecycle transition
// so the stored copy always reflects the latest status and action results.
func (r *Repository) SavePlan(ctx context.Context, plan *curtail.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO plans (id, status, strategy, target_kw, estimated_kw, estimated_loss, generated_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			estimated_kw = excluded.estimated_kw,
			estimated_loss = excluded.estimated_loss,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		plan.ID, string(plan.Status), string(plan.Strategy),
		plan.TargetKW, plan.EstimatedReductionKW, plan.EstimatedRevenueLossUSD,
		plan.GeneratedAt, time.Now().UTC(), string(payload))
	if err != nil {
		return fmt.Errorf("save plan %s: %w", plan.ID, err)
	}
	return nil
}

// GetPlan loads a plan by id. Returns sql.ErrNoRows if unknown.
func (r *Repository) GetPlan(ctx context.Context, id string) (*curtail.Plan, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM plans WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return nil, err
	}

	var plan curtail.Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", id, err)
	}
	return &plan, nil
}

// ListPlans returns the most recent plans, newest first.
func (r *Repository) ListPlans(ctx context.Context, limit int) ([]*curtail.Plan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM plans ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*curtail.Plan
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var plan curtail.Plan
		if err := json.Unmarshal([]byte(payload), &plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		plans = append(plans, &plan)
	}
	return plans, rows.Err()
}

// RecordSnapshot appends one datahub snapshot to the history table.
func (r *Repository) RecordSnapshot(ctx context.Context, domain, source string, fetchedAt time.Time, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO snapshots (domain, source, fetched_at, payload) VALUES (?, ?, ?, ?)`,
		domain, source, fetchedAt, string(payload))
	if err != nil {
		return fmt.Errorf("record %s snapshot: %w", domain, err)
	}
	return nil
}

// SnapshotRecord is one stored datahub observation.
type SnapshotRecord struct {
	ID        int64           `json:"id"`
	Domain    string          `json:"domain"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Payload   json.RawMessage `json:"payload"`
}

// RecentSnapshots returns the latest stored observations for one domain.
func (r *Repository) RecentSnapshots(ctx context.Context, domain string, limit int) ([]SnapshotRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, domain, source, fetched_at, payload FROM snapshots
		 WHERE domain = ? ORDER BY fetched_at DESC LIMIT ?`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.Domain, &rec.Source, &rec.FetchedAt, &payload); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}
