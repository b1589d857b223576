package coldstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ocx/leaflet/internal/event"
	"github.com/ocx/leaflet/internal/fault"
)

// PostgresStore implements Store over database/sql with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to Postgres and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fault.Wrap(fault.Config, err, "open postgres")
	}
	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.Transient, err, "postgres ping")
	}

	slog.Info("cold store connected")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classifyPG(s.db.PingContext(ctx), "ping")
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyPG(err, "ensure schema")
		}
	}
	return nil
}

// execer covers *sql.DB and *sql.Tx so insert helpers run in both contexts.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMono(ctx context.Context, x execer, m event.Mono) error {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fault.Wrap(fault.Permanent, err, "marshal metadata")
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO mono_events (event_id, timestamp, source_stream, event_type, value, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		m.ID, m.Timestamp, m.SourceStream, string(m.Type), m.Value, metaJSON)
	return classifyPG(err, "insert mono event")
}

func insertMulti(ctx context.Context, x execer, m event.Multi) error {
	ids := make([]string, len(m.SourceEvents))
	for i, id := range m.SourceEvents {
		ids[i] = id.String()
	}
	sourceJSON, err := json.Marshal(ids)
	if err != nil {
		return fault.Wrap(fault.Permanent, err, "marshal source_events")
	}
	lineageJSON, err := json.Marshal(m.Lineage)
	if err != nil {
		return fault.Wrap(fault.Permanent, err, "marshal lineage")
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO multi_events (event_id, timestamp, event_type, correlation_rule,
			source_events, integrated_value, confidence, lineage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		m.ID, m.Timestamp, string(m.Type), m.CorrelationRule,
		sourceJSON, m.IntegratedValue, m.Confidence, lineageJSON)
	return classifyPG(err, "insert multi event")
}

func (s *PostgresStore) InsertMono(ctx context.Context, m event.Mono) error {
	return insertMono(ctx, s.db, m)
}

func (s *PostgresStore) InsertMulti(ctx context.Context, m event.Multi) error {
	return insertMulti(ctx, s.db, m)
}

func (s *PostgresStore) QueryMono(ctx context.Context, f MonoFilter) ([]event.Mono, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("timestamp <= $%d", f.Until)
	}
	if f.SourceStream != "" {
		add("source_stream = $%d", f.SourceStream)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}

	query := `SELECT event_id, timestamp, source_stream, event_type, value, metadata FROM mono_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, normalizeLimit(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPG(err, "query mono events")
	}
	defer rows.Close()

	var out []event.Mono
	for rows.Next() {
		var (
			m        event.Mono
			typ      string
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.SourceStream, &typ, &m.Value, &metaJSON); err != nil {
			return nil, classifyPG(err, "scan mono event")
		}
		m.Type = event.Type(typ)
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return nil, fault.Wrap(fault.MalformedRecord, err, "metadata JSON for %s", m.ID)
		}
		out = append(out, m)
	}
	return out, classifyPG(rows.Err(), "iterate mono events")
}

func (s *PostgresStore) QueryMulti(ctx context.Context, f MultiFilter) ([]event.Multi, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("timestamp <= $%d", f.Until)
	}
	if f.CorrelationRule != "" {
		add("correlation_rule = $%d", f.CorrelationRule)
	}
	if f.MinConfidence > 0 {
		add("confidence >= $%d", f.MinConfidence)
	}

	query := `SELECT event_id, timestamp, event_type, correlation_rule,
		source_events, integrated_value, confidence, lineage FROM multi_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, normalizeLimit(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPG(err, "query multi events")
	}
	defer rows.Close()

	var out []event.Multi
	for rows.Next() {
		var (
			m           event.Multi
			typ         string
			sourceJSON  []byte
			lineageJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.Timestamp, &typ, &m.CorrelationRule,
			&sourceJSON, &m.IntegratedValue, &m.Confidence, &lineageJSON); err != nil {
			return nil, classifyPG(err, "scan multi event")
		}
		m.Type = event.Type(typ)

		var rawIDs []string
		if err := json.Unmarshal(sourceJSON, &rawIDs); err != nil {
			return nil, fault.Wrap(fault.MalformedRecord, err, "source_events JSON for %s", m.ID)
		}
		m.SourceEvents = make([]uuid.UUID, len(rawIDs))
		for i, raw := range rawIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, fault.Wrap(fault.MalformedRecord, err, "source event id %q", raw)
			}
			m.SourceEvents[i] = id
		}
		if err := json.Unmarshal(lineageJSON, &m.Lineage); err != nil {
			return nil, fault.Wrap(fault.MalformedRecord, err, "lineage JSON for %s", m.ID)
		}
		out = append(out, m)
	}
	return out, classifyPG(rows.Err(), "iterate multi events")
}

func (s *PostgresStore) MaxArchivedID(ctx context.Context, stream string) (string, error) {
	// Broker ids are "<ms>-<seq>"; order numerically on both halves rather
	// than lexically.
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT broker_message_id FROM archive_checkpoints
		WHERE stream_name = $1
		ORDER BY (split_part(broker_message_id, '-', 1))::bigint DESC,
		         (split_part(broker_message_id, '-', 2))::bigint DESC
		LIMIT 1`, stream).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classifyPG(err, "max archived id for %s", stream)
	}
	return id, nil
}

func (s *PostgresStore) CheckpointCount(ctx context.Context, stream string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM archive_checkpoints WHERE stream_name = $1`, stream).Scan(&n)
	return n, classifyPG(err, "checkpoint count for %s", stream)
}

func (s *PostgresStore) ArchiveBatch(ctx context.Context, fn func(tx ArchiveTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPG(err, "begin archive tx")
	}
	if err := fn(&pgArchiveTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifyPG(err, "commit archive tx")
	}
	return nil
}

type pgArchiveTx struct {
	tx *sql.Tx
}

func (t *pgArchiveTx) InsertMono(ctx context.Context, m event.Mono) error {
	return insertMono(ctx, t.tx, m)
}

func (t *pgArchiveTx) InsertMulti(ctx context.Context, m event.Multi) error {
	return insertMulti(ctx, t.tx, m)
}

func (t *pgArchiveTx) TryMarkArchived(ctx context.Context, stream, messageID string, eventID uuid.UUID) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO archive_checkpoints (stream_name, broker_message_id, archived_at, event_id)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (stream_name, broker_message_id) DO NOTHING`,
		stream, messageID, eventID)
	if err != nil {
		return false, classifyPG(err, "mark archived %s %s", stream, messageID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifyPG(err, "rows affected")
	}
	return n == 1, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// classifyPG maps pq errors onto the fault taxonomy: connection and
// serialization failures are retryable, constraint violations are not.
func classifyPG(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch {
		case pqErr.Code == "40001" || pqErr.Code == "40P01": // serialization, deadlock
			return fault.Wrap(fault.Transient, err, format, args...)
		case pqErr.Code.Class() == "08": // connection exceptions
			return fault.Wrap(fault.Transient, err, format, args...)
		case pqErr.Code.Class() == "23": // integrity constraint violations
			return fault.Wrap(fault.Permanent, err, format, args...)
		}
	}
	return fault.Wrap(fault.Transient, err, format, args...)
}
