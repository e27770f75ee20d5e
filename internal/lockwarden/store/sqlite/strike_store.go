package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/lockwarden/internal/db"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
)

// StrikeStore persists strike records in the strike_records table. Reads go
// straight to the pool; every mutation runs on the single writer so that an
// Update's read and write happen in one serialised transaction.
type StrikeStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewStrikeStore(db *sql.DB, writer *dbpkg.Worker) *StrikeStore {
	return &StrikeStore{db: db, writer: writer}
}

const selectColumns = `card_uid, strike_count, first_strike_at_ms, last_strike_at_ms, guest`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (store.StrikeRecord, error) {
	var (
		rec             store.StrikeRecord
		firstMs, lastMs int64
		guest           int
	)
	if err := row.Scan(&rec.CardUID, &rec.StrikeCount, &firstMs, &lastMs, &guest); err != nil {
		return store.StrikeRecord{}, err
	}
	rec.FirstStrikeAt = time.UnixMilli(firstMs).UTC()
	rec.LastStrikeAt = time.UnixMilli(lastMs).UTC()
	rec.Guest = guest == 1
	return rec, nil
}

func (s *StrikeStore) Get(ctx context.Context, cardUID string) (store.StrikeRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM strike_records WHERE card_uid = ?;`,
		strings.TrimSpace(cardUID),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return store.StrikeRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.StrikeRecord{}, fmt.Errorf("Get %s: %w", cardUID, err)
	}
	return rec, nil
}

func (s *StrikeStore) Upsert(ctx context.Context, rec store.StrikeRecord) error {
	rec.CardUID = strings.TrimSpace(rec.CardUID)
	if rec.CardUID == "" {
		return nil
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return upsertTx(ctx, tx, rec)
	})
}

func upsertTx(ctx context.Context, tx *sql.Tx, rec store.StrikeRecord) error {
	guest := 0
	if rec.Guest {
		guest = 1
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO strike_records(
  card_uid, strike_count, first_strike_at_ms, last_strike_at_ms, guest, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(card_uid) DO UPDATE SET
  strike_count       = excluded.strike_count,
  first_strike_at_ms = excluded.first_strike_at_ms,
  last_strike_at_ms  = excluded.last_strike_at_ms,
  guest              = excluded.guest,
  updated_at_ms      = excluded.updated_at_ms;
`, rec.CardUID, rec.StrikeCount,
		rec.FirstStrikeAt.UTC().UnixMilli(), rec.LastStrikeAt.UTC().UnixMilli(),
		guest, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert strike record %s: %w", rec.CardUID, err)
	}
	return nil
}

func (s *StrikeStore) Delete(ctx context.Context, cardUID string) (bool, error) {
	var deleted bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM strike_records WHERE card_uid = ?;`, strings.TrimSpace(cardUID))
		if err != nil {
			return fmt.Errorf("Delete %s: %w", cardUID, err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// Update reads and writes the record inside one writer transaction.
func (s *StrikeStore) Update(ctx context.Context, cardUID string, fn store.UpdateFunc) error {
	cardUID = strings.TrimSpace(cardUID)

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM strike_records WHERE card_uid = ?;`, cardUID,
		))
		found := true
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			cur = store.StrikeRecord{}
		} else if err != nil {
			return fmt.Errorf("Update read %s: %w", cardUID, err)
		}

		next, write, err := fn(cur, found)
		if err != nil || !write {
			return err
		}
		next.CardUID = cardUID
		return upsertTx(ctx, tx, next)
	})
}

func (s *StrikeStore) ListStale(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT card_uid FROM strike_records
WHERE last_strike_at_ms < ?
ORDER BY card_uid;
`, threshold.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ListStale: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("ListStale scan: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (s *StrikeStore) DeleteStale(ctx context.Context, cardUID string, threshold time.Time) (bool, error) {
	cardUID = strings.TrimSpace(cardUID)
	var deleted bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM strike_records
WHERE card_uid = ? AND last_strike_at_ms < ?;
`, cardUID, threshold.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("DeleteStale %s: %w", cardUID, err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (s *StrikeStore) List(ctx context.Context) ([]store.StrikeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM strike_records ORDER BY card_uid;`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []store.StrikeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("List scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
