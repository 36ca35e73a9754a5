package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sgttomas/solver-ralph-sub008/pkg/database"
)

// SQLRowStore keeps projection rows in proj_rows and checkpoints in
// proj_checkpoints. Ordering is applied in Go so that checksums do not
// depend on the database collation.
type SQLRowStore struct {
	db      *sql.DB
	dialect database.Dialect
}

func NewSQLRowStore(db *sql.DB, dialect database.Dialect) *SQLRowStore {
	return &SQLRowStore{db: db, dialect: dialect}
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlReader struct {
	q          sqlQuerier
	dialect    database.Dialect
	projection string
}

func (r sqlReader) Get(ctx context.Context, table, key string) (json.RawMessage, bool, error) {
	var data string
	err := r.q.QueryRowContext(ctx,
		r.dialect.Rebind(`SELECT data FROM proj_rows WHERE projection = ? AND tbl = ? AND key = ?`),
		r.projection, table, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return json.RawMessage(data), true, nil
}

func (r sqlReader) Scan(ctx context.Context, table, prefix string) ([]Row, error) {
	query := `SELECT tbl, key, data FROM proj_rows WHERE projection = ? AND tbl = ?`
	args := []any{r.projection, table}
	if prefix != "" {
		query += ` AND substr(key, 1, ?) = ?`
		args = append(args, utf8.RuneCountInString(prefix), prefix)
	}
	return queryRows(ctx, r.q, r.dialect.Rebind(query), args...)
}

func queryRows(ctx context.Context, q sqlQuerier, query string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var data string
		if err := rows.Scan(&r.Table, &r.Key, &data); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRows(out)
	return out, nil
}

func (s *SQLRowStore) Reader(projection string) Reader {
	return sqlReader{q: s.db, dialect: s.dialect, projection: projection}
}

func (s *SQLRowStore) Begin(ctx context.Context, projection string) (RowTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin projection tx: %w", err)
	}
	return &sqlTx{
		sqlReader: sqlReader{q: tx, dialect: s.dialect, projection: projection},
		tx:        tx,
	}, nil
}

func (s *SQLRowStore) Checkpoint(ctx context.Context, projection string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT global_seq, event_id FROM proj_checkpoints WHERE projection = ?`),
		projection).Scan(&cp.GlobalSeq, &cp.EventID)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, nil
	}
	return cp, err
}

func (s *SQLRowStore) Rows(ctx context.Context, projection string) ([]Row, error) {
	return queryRows(ctx, s.db,
		s.dialect.Rebind(`SELECT tbl, key, data FROM proj_rows WHERE projection = ?`), projection)
}

func (s *SQLRowStore) Drop(ctx context.Context, projection string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM proj_rows WHERE projection = ?`), projection); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM proj_checkpoints WHERE projection = ?`), projection)
		return err
	})
}

func (s *SQLRowStore) Promote(ctx context.Context, src, dst string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM proj_rows WHERE projection = ?`, []any{dst}},
			{`DELETE FROM proj_checkpoints WHERE projection = ?`, []any{dst}},
			{`UPDATE proj_rows SET projection = ? WHERE projection = ?`, []any{dst, src}},
			{`UPDATE proj_checkpoints SET projection = ? WHERE projection = ?`, []any{dst, src}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(st.query), st.args...); err != nil {
				return fmt.Errorf("promote %s to %s: %w", src, dst, err)
			}
		}
		return nil
	})
}

func (s *SQLRowStore) Halt(ctx context.Context, projection, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`INSERT INTO proj_halts (projection, reason, halted_at) VALUES (?, ?, ?) ON CONFLICT (projection) DO UPDATE SET reason = excluded.reason, halted_at = excluded.halted_at`),
		projection, reason, at.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLRowStore) Halted(ctx context.Context, projection string) (string, bool, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT reason FROM proj_halts WHERE projection = ?`), projection).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reason, true, nil
}

func (s *SQLRowStore) Resume(ctx context.Context, projection string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM proj_halts WHERE projection = ?`), projection)
	return err
}

func (s *SQLRowStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlTx struct {
	sqlReader
	tx *sql.Tx
}

func (t *sqlTx) Checkpoint(ctx context.Context) (Checkpoint, error) {
	if _, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind(`INSERT INTO proj_checkpoints (projection, global_seq, event_id) VALUES (?, 0, '') ON CONFLICT (projection) DO NOTHING`),
		t.projection); err != nil {
		return Checkpoint{}, fmt.Errorf("init checkpoint: %w", err)
	}
	var cp Checkpoint
	err := t.tx.QueryRowContext(ctx,
		t.dialect.Rebind(`SELECT global_seq, event_id FROM proj_checkpoints WHERE projection = ?`+t.dialect.ForUpdate()),
		t.projection).Scan(&cp.GlobalSeq, &cp.EventID)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("lock checkpoint: %w", err)
	}
	return cp, nil
}

func (t *sqlTx) Put(ctx context.Context, table, key string, data json.RawMessage) error {
	_, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind(`INSERT INTO proj_rows (projection, tbl, key, data) VALUES (?, ?, ?, ?) ON CONFLICT (projection, tbl, key) DO UPDATE SET data = excluded.data`),
		t.projection, table, key, string(data))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", table, key, err)
	}
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, table, key string) error {
	_, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind(`DELETE FROM proj_rows WHERE projection = ? AND tbl = ? AND key = ?`),
		t.projection, table, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (t *sqlTx) SetCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := t.tx.ExecContext(ctx,
		t.dialect.Rebind(`UPDATE proj_checkpoints SET global_seq = ?, event_id = ? WHERE projection = ?`),
		cp.GlobalSeq, cp.EventID, t.projection)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }
