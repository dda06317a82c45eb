package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aisiem/internal/logger"
	"aisiem/internal/store"
	"aisiem/pkg/models"
)

// Store keeps incidents and normalized events in a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("SQLite store opened: %s", path)
	return &Store{db: db, path: path}, nil
}

// UpsertIncident writes the snapshot unless a newer revision is already stored.
func (s *Store) UpsertIncident(ctx context.Context, inc *models.Incident) error {
	if inc == nil || inc.ID == "" {
		return errors.New("incident id is empty")
	}
	payload, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident %s: %w", inc.ID, err)
	}
	var closedAt sql.NullInt64
	if inc.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: inc.ClosedAt.UnixMilli(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents(
			incident_id, status, start_ts, end_ts, severity, revision,
			close_reason, closed_at, payload_json, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(incident_id) DO UPDATE SET
			status=excluded.status,
			start_ts=excluded.start_ts,
			end_ts=excluded.end_ts,
			severity=excluded.severity,
			revision=excluded.revision,
			close_reason=excluded.close_reason,
			closed_at=excluded.closed_at,
			payload_json=excluded.payload_json,
			updated_at=excluded.updated_at
		WHERE excluded.revision >= incidents.revision
	`, inc.ID, string(inc.Status), inc.StartTS.UnixMilli(), inc.EndTS.UnixMilli(), inc.Severity, inc.Revision,
		inc.CloseReason, closedAt, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
	}
	return nil
}

// GetIncident returns the stored snapshot of id.
func (s *Store) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload_json
		FROM incidents
		WHERE incident_id = ?
		LIMIT 1
	`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("query incident %s: %w", id, err)
	}
	return decodeIncident(payload)
}

// ListIncidents returns incidents with the given status (all when empty), most recently
// active first. A limit <= 0 returns every row.
func (s *Store) ListIncidents(ctx context.Context, status models.Status, limit int) ([]*models.Incident, error) {
	query := `SELECT payload_json FROM incidents`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY end_ts DESC, incident_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc, err := decodeIncident(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// WriteEvents stores a batch of normalized events in one transaction.
func (s *Store) WriteEvents(events []*models.NormalizedEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx write events: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events(
			ts, host, source, category, subtype, severity,
			principal, object, fields_json, raw, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert events: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, ev := range events {
		if ev == nil {
			continue
		}
		fields := "{}"
		if len(ev.Fields) > 0 {
			b, mErr := json.Marshal(ev.Fields)
			if mErr != nil {
				return fmt.Errorf("marshal event fields: %w", mErr)
			}
			fields = string(b)
		}
		_, err = stmt.ExecContext(ctx,
			ev.Timestamp.UnixMilli(),
			ev.Host,
			ev.Source,
			string(ev.Category),
			ev.Subtype,
			ev.Severity,
			nullIfEmpty(ev.Principal),
			nullIfEmpty(ev.Object),
			fields,
			ev.Raw,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit write events: %w", err)
	}
	return nil
}

// EventQuery filters RecentEvents.
type EventQuery struct {
	Host     string
	Category models.Category
	Since    time.Time
	Limit    int
}

// RecentEvents returns stored events matching q, newest first.
func (s *Store) RecentEvents(ctx context.Context, q EventQuery) ([]*models.NormalizedEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Host != "" {
		where = append(where, "host = ?")
		args = append(args, q.Host)
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(q.Category))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ts, host, source, category, subtype, severity, principal, object, fields_json, raw FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*models.NormalizedEvent
	for rows.Next() {
		var (
			ts                         int64
			host, source, cat, subtype sql.NullString
			principal, object, fields  sql.NullString
			raw                        sql.NullString
			severity                   sql.NullInt64
		)
		if err := rows.Scan(&ts, &host, &source, &cat, &subtype, &severity, &principal, &object, &fields, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev := &models.NormalizedEvent{
			Timestamp: time.UnixMilli(ts).UTC(),
			Host:      host.String,
			Source:    source.String,
			Category:  models.Category(cat.String),
			Subtype:   subtype.String,
			Severity:  int(severity.Int64),
			Principal: principal.String,
			Object:    object.String,
			Raw:       raw.String,
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &ev.Fields); err != nil {
				logger.Warnf("Skipping malformed fields of stored event at %d: %v", ts, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeIncident(payload string) (*models.Incident, error) {
	var inc models.Incident
	if err := json.Unmarshal([]byte(payload), &inc); err != nil {
		return nil, fmt.Errorf("decode incident payload: %w", err)
	}
	return &inc, nil
}

func nullIfEmpty(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

var _ store.IncidentStore = (*Store)(nil)
