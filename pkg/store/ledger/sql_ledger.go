package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
//
// Uniqueness is enforced by the schema, not by the read that precedes the
// insert: at most one PENDING or CONFIRMED row may exist per (address, window).
type SQLLedger struct {
	db     *sql.DB
	policy RetryPolicy
	clock  func() time.Time
}

func NewSQLLedger(db *sql.DB, policy RetryPolicy) *SQLLedger {
	return NewSQLLedgerWithClock(db, policy, time.Now)
}

func NewSQLLedgerWithClock(db *sql.DB, policy RetryPolicy, clock func() time.Time) *SQLLedger {
	return &SQLLedger{db: db, policy: policy, clock: clock}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS claim_records (
	id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	window_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	state TEXT NOT NULL,
	amount TEXT NOT NULL,
	tx_hash TEXT,
	tx_nonce BIGINT,
	reason TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	confirmed_at TIMESTAMP,
	UNIQUE (address, window_id, attempt)
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS claim_records_live_key
	ON claim_records (address, window_id) WHERE state IN ('PENDING', 'CONFIRMED')`,
	`CREATE INDEX IF NOT EXISTS claim_records_state ON claim_records (state)`,
}

// Init creates the schema if it does not exist.
func (s *SQLLedger) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	return nil
}

const recordColumns = `id, address, window_id, attempt, state, amount, tx_hash, tx_nonce, reason, created_at, updated_at, confirmed_at`

func (s *SQLLedger) Reserve(ctx context.Context, key Key, amount *big.Int) (*Record, error) {
	now := s.clock().UTC()

	attempt := 1
	latest, err := s.Latest(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if !s.policy.permits(*latest, now) {
			return nil, &AlreadyClaimedError{Existing: *latest}
		}
		attempt = latest.Attempt + 1
	}

	rec := Record{
		ID:        uuid.NewString(),
		Address:   key.Address,
		WindowID:  key.WindowID,
		Attempt:   attempt,
		State:     StatePending,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO claim_records (id, address, window_id, attempt, state, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Address.Hex(), rec.WindowID, rec.Attempt, string(rec.State), rec.Amount.String(), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent reservation; report the winner.
			winner, lerr := s.Latest(ctx, key)
			if lerr != nil {
				return nil, fmt.Errorf("%w: %s (winner lookup: %v)", ErrAlreadyClaimed, key, lerr)
			}
			return nil, &AlreadyClaimedError{Existing: *winner}
		}
		return nil, fmt.Errorf("reserve %s: %w", key, err)
	}
	return &rec, nil
}

func (s *SQLLedger) RecordSubmission(ctx context.Context, id string, txHash common.Hash, nonce uint64) error {
	query := `UPDATE claim_records SET tx_hash = $1, tx_nonce = $2, updated_at = $3 WHERE id = $4 AND state = 'PENDING'`
	res, err := s.db.ExecContext(ctx, query, txHash.Hex(), int64(nonce), s.clock().UTC(), id)
	return s.checkTransition(ctx, id, res, err)
}

func (s *SQLLedger) MarkConfirmed(ctx context.Context, id string, txHash common.Hash) error {
	now := s.clock().UTC()
	query := `UPDATE claim_records SET state = 'CONFIRMED', tx_hash = $1, confirmed_at = $2, updated_at = $3 WHERE id = $4 AND state = 'PENDING'`
	res, err := s.db.ExecContext(ctx, query, txHash.Hex(), now, now, id)
	return s.checkTransition(ctx, id, res, err)
}

func (s *SQLLedger) MarkFailed(ctx context.Context, id string, reason string) error {
	query := `UPDATE claim_records SET state = 'FAILED', reason = $1, updated_at = $2 WHERE id = $3 AND state = 'PENDING'`
	res, err := s.db.ExecContext(ctx, query, reason, s.clock().UTC(), id)
	return s.checkTransition(ctx, id, res, err)
}

// checkTransition turns a guarded UPDATE that touched no rows into
// ErrNotFound or ErrNotPending.
func (s *SQLLedger) checkTransition(ctx context.Context, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotPending
}

func (s *SQLLedger) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM claim_records WHERE id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLLedger) Latest(ctx context.Context, key Key) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM claim_records WHERE address = $1 AND window_id = $2 ORDER BY attempt DESC LIMIT 1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key.Address.Hex(), key.WindowID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLLedger) ListByAddress(ctx context.Context, address common.Address) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM claim_records WHERE address = $1 ORDER BY created_at, window_id, attempt`
	return s.list(ctx, query, address.Hex())
}

func (s *SQLLedger) ListPending(ctx context.Context) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM claim_records WHERE state = 'PENDING' ORDER BY created_at, window_id, attempt`
	return s.list(ctx, query)
}

func (s *SQLLedger) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec         Record
		address     string
		state       string
		amount      string
		txHash      sql.NullString
		txNonce     sql.NullInt64
		reason      sql.NullString
		confirmedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &address, &rec.WindowID, &rec.Attempt, &state, &amount,
		&txHash, &txNonce, &reason, &rec.CreatedAt, &rec.UpdatedAt, &confirmedAt)
	if err != nil {
		return nil, err
	}

	rec.Address = common.HexToAddress(address)
	rec.State = State(state)
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("record %s: bad amount %q", rec.ID, amount)
	}
	rec.Amount = amt
	rec.TxHash = txHash.String
	if txNonce.Valid {
		n := uint64(txNonce.Int64)
		rec.TxNonce = &n
	}
	rec.Reason = reason.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if confirmedAt.Valid {
		t := confirmedAt.Time.UTC()
		rec.ConfirmedAt = &t
	}
	return &rec, nil
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// Postgres or SQLite.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
