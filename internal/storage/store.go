package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"helmetwatch/internal/alerts"
	"helmetwatch/internal/config"
	"helmetwatch/internal/model"
)

// Store records alerts and, optionally, raw readings.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, entry alerts.Entry) error
	SaveReadings(ctx context.Context, readings []model.SensorReading) error
	RecentAlerts(ctx context.Context, limit int) ([]alerts.Entry, error)
	// Prune deletes alerts and readings with a device timestamp before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "bolt":
		return NewBolt(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore carries the SQL shared by the sqlite and postgres stores.
// Queries are written with ? placeholders and rebound per dialect.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) SaveAlert(ctx context.Context, e alerts.Entry) error {
	if b.db == nil {
		return nil
	}
	row := alertRow(e)
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO alerts (id, ts, kind, subject, level, value, threshold, payload_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID,
		row.ts,
		string(e.Kind),
		row.subject,
		row.level,
		row.value,
		row.threshold,
		encodeJSON(e),
		nowUTC(),
	)
	return err
}

func (b *baseStore) SaveReadings(ctx context.Context, readings []model.SensorReading) error {
	if b.db == nil || len(readings) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO readings (ts, kind, value, payload_json, recorded_at)
		VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	now := nowUTC()
	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.Time(),
			string(r.ReadingKind()),
			readingValue(r),
			encodeJSON(r),
			now,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) RecentAlerts(ctx context.Context, limit int) ([]alerts.Entry, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT payload_json FROM alerts ORDER BY ts DESC, recorded_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alerts.Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e alerts.Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode stored alert: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (b *baseStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if b.db == nil {
		return 0, nil
	}
	bound := epochSeconds(cutoff)
	var total int64
	for _, table := range []string{"alerts", "readings"} {
		res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM `+table+` WHERE ts < ?`), bound)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

type alertColumns struct {
	ts        float64
	subject   string
	level     string
	value     float64
	threshold float64
}

func alertRow(e alerts.Entry) alertColumns {
	switch {
	case e.Fall != nil:
		return alertColumns{ts: e.Fall.Timestamp, subject: string(e.Fall.Source), level: "fall",
			value: e.Fall.Confidence, threshold: e.Fall.Threshold}
	case e.Hazard != nil:
		return alertColumns{ts: e.Hazard.Timestamp, subject: string(e.Hazard.Sensor), level: string(e.Hazard.Level),
			value: e.Hazard.Value, threshold: e.Hazard.Threshold}
	default:
		return alertColumns{ts: epochSeconds(e.Timestamp)}
	}
}

// readingValue is the scalar stored alongside the payload. GPS has none.
func readingValue(r model.SensorReading) sql.NullFloat64 {
	switch v := r.(type) {
	case *model.ScalarReading:
		return sql.NullFloat64{Float64: v.Value, Valid: true}
	case *model.MotionReading:
		return sql.NullFloat64{Float64: v.Magnitude(), Valid: true}
	default:
		return sql.NullFloat64{}
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func questionToDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func identity(q string) string { return q }

func reverse(entries []alerts.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// RetentionCutoff returns the prune bound for days of retention, or the zero
// time when retention is disabled.
func RetentionCutoff(now time.Time, days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

