// Package sqlledger is a single-node ledger backed by SQLite. It enforces the
// claims contract rules (write-once records, updates only while SUBMITTED,
// strictly sequential account nonces) so the commit protocol behaves the same
// as against a chain. Every transaction is mined on send.
package sqlledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/claimledger/internal/ledger"
)

//go:embed schema.sql
var schema string

// ErrNonceMismatch is returned for a transaction whose nonce is not the
// account's next one
var ErrNonceMismatch = errors.New("nonce mismatch")

// Store is a SQLite ledger for one signing account
type Store struct {
	db      *sql.DB
	account string
	now     func() time.Time
}

// Open opens (creating if needed) the ledger at path. ":memory:" opens a
// private in-memory ledger.
func Open(path, account string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("ledger account is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: keeps :memory: shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, account: account, now: time.Now}, nil
}

// Close releases the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock replaces time.Now for record timestamps
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Account() string { return s.account }

func (s *Store) PendingNonce(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT next_nonce FROM accounts WHERE address = ?`, s.account).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	return n, nil
}

func (s *Store) SubmitClaim(ctx context.Context, nonce uint64, req ledger.SubmitRequest) (ledger.TxRef, error) {
	return s.transact(ctx, nonce, "submitClaim", req.Slot, func(tx *sql.Tx) (bool, error) {
		exists, _, err := recordStatus(ctx, tx, req.Slot)
		if err != nil || exists {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO claims (slot, claimant, category, status, requested_amount, evidence_ref, submitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, req.Slot, req.Claimant, req.Category, ledger.StatusSubmitted, amount(req.RequestedAmount), req.EvidenceRef, s.now().UTC().Unix())
		return err == nil, err
	})
}

func (s *Store) UpdateAssessment(ctx context.Context, nonce uint64, upd ledger.AssessmentUpdate) (ledger.TxRef, error) {
	return s.transact(ctx, nonce, "updateAIAssessment", upd.Slot, func(tx *sql.Tx) (bool, error) {
		exists, status, err := recordStatus(ctx, tx, upd.Slot)
		if err != nil || !exists || status != ledger.StatusSubmitted {
			return false, err
		}
		reports, err := json.Marshal(orEmpty(upd.Reports))
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO assessments (slot, confidence, risk, recommended_amount, reports, fraud_detected, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
	confidence = excluded.confidence,
	risk = excluded.risk,
	recommended_amount = excluded.recommended_amount,
	reports = excluded.reports,
	fraud_detected = excluded.fraud_detected,
	updated_at = excluded.updated_at
`, upd.Slot, upd.ConfidencePercent, upd.RiskScore, amount(upd.RecommendedAmount), string(reports), upd.FraudDetected, s.now().UTC().Unix())
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `UPDATE claims SET fraudulent = ? WHERE slot = ?`, upd.FraudDetected, upd.Slot)
		return err == nil, err
	})
}

// Approve moves a SUBMITTED or UNDER_REVIEW record to APPROVED
func (s *Store) Approve(ctx context.Context, nonce, slot uint64, amt *big.Int) (ledger.TxRef, error) {
	return s.decide(ctx, nonce, slot, "approveClaim", `UPDATE claims SET status = ?, approved_amount = ? WHERE slot = ?`,
		ledger.StatusApproved, amount(amt), slot)
}

// Reject moves a SUBMITTED or UNDER_REVIEW record to REJECTED
func (s *Store) Reject(ctx context.Context, nonce, slot uint64, reason string) (ledger.TxRef, error) {
	return s.decide(ctx, nonce, slot, "rejectClaim", `UPDATE claims SET status = ?, reject_reason = ? WHERE slot = ?`,
		ledger.StatusRejected, reason, slot)
}

func (s *Store) decide(ctx context.Context, nonce, slot uint64, kind, stmt string, args ...any) (ledger.TxRef, error) {
	return s.transact(ctx, nonce, kind, slot, func(tx *sql.Tx) (bool, error) {
		exists, status, err := recordStatus(ctx, tx, slot)
		if err != nil || !exists || status == ledger.StatusApproved || status == ledger.StatusRejected {
			return false, err
		}
		_, err = tx.ExecContext(ctx, stmt, args...)
		return err == nil, err
	})
}

// transact checks and bumps the account nonce, applies the state change and
// records the receipt, all in one database transaction. apply returning false
// records a reverted transaction with no state change.
func (s *Store) transact(ctx context.Context, nonce uint64, kind string, slot uint64, apply func(*sql.Tx) (bool, error)) (ledger.TxRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next uint64
	err = tx.QueryRowContext(ctx, `SELECT next_nonce FROM accounts WHERE address = ?`, s.account).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	if nonce != next {
		return "", fmt.Errorf("%w: got %d, want %d", ErrNonceMismatch, nonce, next)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts (address, next_nonce) VALUES (?, ?)
ON CONFLICT(address) DO UPDATE SET next_nonce = excluded.next_nonce
`, s.account, nonce+1); err != nil {
		return "", fmt.Errorf("bump nonce: %w", err)
	}

	sp := "apply"
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return "", err
	}
	ok, err := apply(tx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", kind, err)
	}
	if !ok {
		if _, err := tx.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
			return "", err
		}
	}
	if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return "", err
	}

	hash := crypto.Keccak256Hash([]byte(s.account), big.NewInt(0).SetUint64(nonce).Bytes(), []byte(kind), big.NewInt(0).SetUint64(slot).Bytes()).Hex()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions (hash, account, nonce, kind, slot, success, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, hash, s.account, nonce, kind, slot, ok, s.now().UTC().Unix()); err != nil {
		return "", fmt.Errorf("record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return ledger.TxRef(hash), nil
}

func (s *Store) Receipt(ctx context.Context, ref ledger.TxRef) (ledger.Receipt, error) {
	var block uint64
	var success bool
	err := s.db.QueryRowContext(ctx, `SELECT block, success FROM transactions WHERE hash = ?`, string(ref)).Scan(&block, &success)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Receipt{}, fmt.Errorf("unknown transaction %s", ref)
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("receipt: %w", err)
	}
	return ledger.Receipt{TxRef: ref, Success: success, BlockNumber: block}, nil
}

func (s *Store) GetRecord(ctx context.Context, slot uint64) (ledger.Record, error) {
	var (
		rec                 ledger.Record
		requested, approved string
		submitted           int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT slot, claimant, category, status, requested_amount, approved_amount, evidence_ref, submitted_at, fraudulent
FROM claims WHERE slot = ?
`, slot).Scan(&rec.ID, &rec.Claimant, &rec.Category, &rec.Status, &requested, &approved, &rec.EvidenceRef, &submitted, &rec.Fraudulent)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, nil
	}
	if err != nil {
		return ledger.Record{}, fmt.Errorf("get record %d: %w", slot, err)
	}
	rec.RequestedAmount = parseAmount(requested)
	rec.ApprovedAmount = parseAmount(approved)
	rec.SubmittedAt = time.Unix(submitted, 0).UTC()
	return rec, nil
}

func (s *Store) GetAssessment(ctx context.Context, slot uint64) (ledger.Assessment, error) {
	var (
		a                    ledger.Assessment
		recommended, reports string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT confidence, risk, recommended_amount, reports, fraud_detected FROM assessments WHERE slot = ?
`, slot).Scan(&a.ConfidenceScore, &a.RiskScore, &recommended, &reports, &a.FraudDetected)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Assessment{RecommendedAmount: new(big.Int)}, nil
	}
	if err != nil {
		return ledger.Assessment{}, fmt.Errorf("get assessment %d: %w", slot, err)
	}
	a.RecommendedAmount = parseAmount(recommended)
	if err := json.Unmarshal([]byte(reports), &a.Reports); err != nil {
		return ledger.Assessment{}, fmt.Errorf("decode reports of %d: %w", slot, err)
	}
	return a, nil
}

func recordStatus(ctx context.Context, tx *sql.Tx, slot uint64) (exists bool, status ledger.Status, err error) {
	err = tx.QueryRowContext(ctx, `SELECT status FROM claims WHERE slot = ?`, slot).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, status, nil
}

// amounts are stored as decimal strings; SQLite integers cannot hold wei
func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var (
	_ ledger.Client           = (*Store)(nil)
	_ ledger.Admin            = (*Store)(nil)
	_ ledger.AssessmentReader = (*Store)(nil)
)
