package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	createSchemaQuery = `
CREATE TABLE IF NOT EXISTS tracking_runs (
	run_id     TEXT PRIMARY KEY,
	experiment TEXT NOT NULL,
	run_name   TEXT NOT NULL,
	status     TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS tracking_params (
	run_id TEXT NOT NULL REFERENCES tracking_runs(run_id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS tracking_tags (
	run_id TEXT NOT NULL REFERENCES tracking_runs(run_id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS tracking_metrics (
	run_id TEXT NOT NULL REFERENCES tracking_runs(run_id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  DOUBLE PRECISION NOT NULL,
	ts     TIMESTAMPTZ NOT NULL,
	step   BIGINT NOT NULL DEFAULT 0
);`

	insertRunQuery = `INSERT INTO tracking_runs (run_id, experiment, run_name, status, start_time)
	VALUES ($1,$2,$3,$4,$5)`

	endRunQuery = `UPDATE tracking_runs SET status = $2, end_time = $3 WHERE run_id = $1`

	upsertParamQuery = `INSERT INTO tracking_params (run_id, key, value) VALUES ($1,$2,$3)
	ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`

	upsertTagQuery = `INSERT INTO tracking_tags (run_id, key, value) VALUES ($1,$2,$3)
	ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`

	insertMetricQuery = `INSERT INTO tracking_metrics (run_id, key, value, ts, step) VALUES ($1,$2,$3,$4,$5)`

	selectRunQuery = `SELECT run_id, experiment, run_name, status, start_time, end_time
	 FROM tracking_runs WHERE run_id = $1`

	selectParamsQuery  = `SELECT key, value FROM tracking_params WHERE run_id = $1`
	selectTagsQuery    = `SELECT key, value FROM tracking_tags WHERE run_id = $1`
	selectMetricsQuery = `SELECT key, value, ts, step FROM tracking_metrics WHERE run_id = $1 ORDER BY ts, key`
)

// PostgresBackend stores runs in PostgreSQL through the pgx database/sql
// driver. The schema is created on open.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, checks connectivity within pingTimeout and
// ensures the tracking schema exists.
func OpenPostgres(ctx context.Context, dsn string, pingTimeout time.Duration) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSchemaQuery); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

func (b *PostgresBackend) StartRun(ctx context.Context, experiment, name string) (RunInfo, error) {
	info := RunInfo{
		ID:         uuid.NewString(),
		Name:       name,
		Experiment: experiment,
		Status:     StatusRunning,
		StartTime:  time.Now().UTC(),
	}
	if _, err := b.db.ExecContext(ctx, insertRunQuery, info.ID, experiment, name, string(info.Status), info.StartTime); err != nil {
		return RunInfo{}, fmt.Errorf("insert run: %w", err)
	}
	return info, nil
}

func (b *PostgresBackend) EndRun(ctx context.Context, runID string, status Status) error {
	res, err := b.db.ExecContext(ctx, endRunQuery, runID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return nil
}

func (b *PostgresBackend) LogParam(ctx context.Context, runID, key, value string) error {
	if _, err := b.db.ExecContext(ctx, upsertParamQuery, runID, key, value); err != nil {
		return fmt.Errorf("upsert param: %w", err)
	}
	return nil
}

func (b *PostgresBackend) SetTag(ctx context.Context, runID, key, value string) error {
	if _, err := b.db.ExecContext(ctx, upsertTagQuery, runID, key, value); err != nil {
		return fmt.Errorf("upsert tag: %w", err)
	}
	return nil
}

func (b *PostgresBackend) LogMetric(ctx context.Context, runID string, m Metric) error {
	if _, err := b.db.ExecContext(ctx, insertMetricQuery, runID, m.Key, m.Value, m.Timestamp.UTC(), m.Step); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

func (b *PostgresBackend) GetRun(ctx context.Context, runID string) (RunData, error) {
	data := RunData{Params: map[string]string{}, Tags: map[string]string{}}
	var (
		status string
		end    sql.NullTime
	)
	err := b.db.QueryRowContext(ctx, selectRunQuery, runID).Scan(
		&data.Info.ID, &data.Info.Experiment, &data.Info.Name, &status, &data.Info.StartTime, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return RunData{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return RunData{}, fmt.Errorf("select run: %w", err)
	}
	data.Info.Status = Status(status)
	if end.Valid {
		data.Info.EndTime = end.Time
	}

	if err := b.scanKV(ctx, selectParamsQuery, runID, data.Params); err != nil {
		return RunData{}, fmt.Errorf("select params: %w", err)
	}
	if err := b.scanKV(ctx, selectTagsQuery, runID, data.Tags); err != nil {
		return RunData{}, fmt.Errorf("select tags: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, selectMetricsQuery, runID)
	if err != nil {
		return RunData{}, fmt.Errorf("select metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Key, &m.Value, &m.Timestamp, &m.Step); err != nil {
			return RunData{}, fmt.Errorf("scan metric: %w", err)
		}
		data.Metrics = append(data.Metrics, m)
	}
	return data, rows.Err()
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

func (b *PostgresBackend) scanKV(ctx context.Context, query, runID string, into map[string]string) error {
	rows, err := b.db.QueryContext(ctx, query, runID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		into[k] = v
	}
	return rows.Err()
}
