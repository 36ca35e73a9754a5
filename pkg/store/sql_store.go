package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sgttomas/solver-ralph-sub008/pkg/database"
	"github.com/sgttomas/solver-ralph-sub008/pkg/events"
)

// SQLStore is the durable EventStore for Postgres and SQLite. Every append
// runs in a single transaction covering the stream lock, the global
// sequence, the event row and the outbox row.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	opts    options
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB, dialect database.Dialect, opts ...Option) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, opts: buildOptions(opts)}
}

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore) Append(ctx context.Context, req AppendRequest) (events.Envelope, error) {
	if err := prepare(s.opts.validator, &req); err != nil {
		return events.Envelope{}, err
	}

	env, err := s.appendTx(ctx, req)
	if err == nil {
		return env, nil
	}
	if s.dialect.IsUniqueViolation(err) {
		// A concurrent submission of the same event id won the race.
		existing, getErr := s.GetEvent(ctx, req.EventID)
		if getErr == nil {
			if err := sameSubmission(existing, req); err != nil {
				return events.Envelope{}, err
			}
			return existing, nil
		}
	}
	if s.dialect.IsImmutableViolation(err) {
		return events.Envelope{}, fmt.Errorf("%w: %v", ErrMutationAttempt, err)
	}
	return events.Envelope{}, err
}

func (s *SQLStore) appendTx(ctx context.Context, req AppendRequest) (events.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := s.lookup(ctx, tx, req.EventID)
	switch {
	case err == nil:
		if err := sameSubmission(existing, req); err != nil {
			return events.Envelope{}, err
		}
		return existing, nil
	case !errors.Is(err, ErrEventNotFound):
		return events.Envelope{}, err
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO es_streams (stream_id, stream_version) VALUES (?, 0) ON CONFLICT (stream_id) DO NOTHING`), req.StreamID); err != nil {
		return events.Envelope{}, fmt.Errorf("create stream: %w", err)
	}
	var version int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT stream_version FROM es_streams WHERE stream_id = ?`+s.dialect.ForUpdate()), req.StreamID).Scan(&version); err != nil {
		return events.Envelope{}, fmt.Errorf("lock stream: %w", err)
	}
	if version != req.ExpectedVersion {
		return events.Envelope{}, &ConcurrencyConflictError{StreamID: req.StreamID, Expected: req.ExpectedVersion, Actual: version}
	}

	var globalSeq int64
	if err := tx.QueryRowContext(ctx, `UPDATE es_global_seq SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&globalSeq); err != nil {
		return events.Envelope{}, fmt.Errorf("allocate global sequence: %w", err)
	}

	env, err := seal(req, version+1, globalSeq, s.opts.now())
	if err != nil {
		return events.Envelope{}, err
	}
	rec, body, err := newOutboxRecord(env)
	if err != nil {
		return events.Envelope{}, err
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO es_events (global_seq, event_id, stream_id, stream_seq, event_type, occurred_at, envelope_hash, envelope) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		env.GlobalSeq, env.EventID, env.StreamID, env.StreamSeq, env.EventType, env.OccurredAt.Format(time.RFC3339Nano), env.EnvelopeHash, string(body)); err != nil {
		return events.Envelope{}, fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE es_streams SET stream_version = ? WHERE stream_id = ?`), env.StreamSeq, env.StreamID); err != nil {
		return events.Envelope{}, fmt.Errorf("bump stream version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO es_outbox (global_seq, event_id, topic, message, message_hash, attempts) VALUES (?, ?, ?, ?, ?, 0)`),
		rec.GlobalSeq, rec.EventID, rec.Topic, string(rec.Message), rec.MessageHash); err != nil {
		return events.Envelope{}, fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return events.Envelope{}, fmt.Errorf("commit append: %w", err)
	}
	return env, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) lookup(ctx context.Context, q querier, eventID string) (events.Envelope, error) {
	var body string
	err := q.QueryRowContext(ctx, s.q(`SELECT envelope FROM es_events WHERE event_id = ?`), eventID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Envelope{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return events.Envelope{}, fmt.Errorf("lookup event: %w", err)
	}
	return decodeEnvelope(body)
}

func decodeEnvelope(body string) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return events.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

func (s *SQLStore) ReadStream(ctx context.Context, streamID string, fromSeq int64, limit int) ([]events.Envelope, error) {
	return s.readEnvelopes(ctx,
		s.q(`SELECT envelope FROM es_events WHERE stream_id = ? AND stream_seq > ? ORDER BY stream_seq LIMIT ?`),
		streamID, fromSeq, readLimit(limit))
}

func (s *SQLStore) ReadGlobal(ctx context.Context, fromGlobalSeq int64, limit int) ([]events.Envelope, error) {
	return s.readEnvelopes(ctx,
		s.q(`SELECT envelope FROM es_events WHERE global_seq > ? ORDER BY global_seq LIMIT ?`),
		fromGlobalSeq, readLimit(limit))
}

func (s *SQLStore) readEnvelopes(ctx context.Context, query string, args ...any) ([]events.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.Envelope
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *SQLStore) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT stream_version FROM es_streams WHERE stream_id = ?`), streamID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *SQLStore) Head(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_seq), 0) FROM es_events`).Scan(&v)
	return v, err
}

func (s *SQLStore) GetEvent(ctx context.Context, eventID string) (events.Envelope, error) {
	return s.lookup(ctx, s.db, eventID)
}

func (s *SQLStore) FetchUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT global_seq, event_id, topic, message, message_hash, attempts, COALESCE(last_error, '') FROM es_outbox WHERE published_at IS NULL ORDER BY global_seq LIMIT ?`),
		readLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var msg string
		if err := rows.Scan(&rec.GlobalSeq, &rec.EventID, &rec.Topic, &msg, &rec.MessageHash, &rec.Attempts, &rec.LastError); err != nil {
			return nil, err
		}
		rec.Message = []byte(msg)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkPublished(ctx context.Context, globalSeq int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE es_outbox SET published_at = ? WHERE global_seq = ? AND published_at IS NULL`),
		at.UTC().Format(time.RFC3339Nano), globalSeq)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordFailure(ctx context.Context, globalSeq int64, cause string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE es_outbox SET attempts = attempts + 1, last_error = ? WHERE global_seq = ? AND published_at IS NULL`),
		cause, globalSeq)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}
	return nil
}

func (s *SQLStore) UnpublishedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM es_outbox WHERE published_at IS NULL`).Scan(&n)
	return n, err
}
