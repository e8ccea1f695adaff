// Package ledgertest provides a scriptable in-memory ledger for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ppiankov/claimledger/internal/ledger"
)

// ErrNonceMismatch is returned when a transaction is sent with a nonce other
// than the account's next one
var ErrNonceMismatch = errors.New("nonce mismatch")

// Calls counts client calls
type Calls struct {
	Ping, PendingNonce, Submit, Update, Receipt, GetRecord, Approve, Reject int
}

type receipt struct {
	r       ledger.Receipt
	pending int
}

// Fake is a Client, Admin and AssessmentReader with contract-like semantics:
// submit reverts on an occupied slot, update reverts on a missing or final
// record and every transaction must carry the next account nonce.
type Fake struct {
	mu          sync.Mutex
	account     string
	nonce       uint64
	block       uint64
	records     map[uint64]ledger.Record
	assessments map[uint64]ledger.Assessment
	receipts    map[ledger.TxRef]*receipt
	hidden      map[uint64]int

	// Scripted failures
	PingErr      error
	NonceErr     error
	GetRecordErr error
	SubmitErr    error
	UpdateErr    error
	// RevertSubmit makes submits revert. With RevertSubmitCreates the revert
	// leaves a record behind, as if a concurrent submitter won.
	RevertSubmit        bool
	RevertSubmitCreates bool
	RevertUpdate        bool
	// BeforeUpdate runs before an update is applied
	BeforeUpdate func(slot uint64)
	// ReceiptDelay is the number of Receipt calls answering pending per tx
	ReceiptDelay int
	// VisibilityDelay is the number of GetRecord calls a new record stays hidden
	VisibilityDelay int
	// SendDelay simulates RPC latency on sends
	SendDelay time.Duration

	Calls  Calls
	Nonces []uint64
}

// New creates an empty fake ledger for account
func New(account string) *Fake {
	return &Fake{
		account:     account,
		records:     make(map[uint64]ledger.Record),
		assessments: make(map[uint64]ledger.Assessment),
		receipts:    make(map[ledger.TxRef]*receipt),
		hidden:      make(map[uint64]int),
	}
}

// Put stores a record directly
func (f *Fake) Put(rec ledger.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
}

// SetStatus changes the status of an existing record
func (f *Fake) SetStatus(slot uint64, s ledger.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[slot]; ok {
		rec.Status = s
		f.records[slot] = rec
	}
}

// Record returns the stored record regardless of visibility
func (f *Fake) Record(slot uint64) (ledger.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[slot]
	return rec, ok
}

// Assessment returns the stored assessment
func (f *Fake) Assessment(slot uint64) (ledger.Assessment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assessments[slot]
	return a, ok
}

// SetNonce sets the account's next nonce
func (f *Fake) SetNonce(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = n
}

// Snapshot returns a copy of the call counters
func (f *Fake) Snapshot() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// UsedNonces returns the nonces of accepted transactions in send order
func (f *Fake) UsedNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.Nonces...)
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Ping++
	return f.PingErr
}

func (f *Fake) Account() string { return f.account }

func (f *Fake) PendingNonce(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.PendingNonce++
	if f.NonceErr != nil {
		return 0, f.NonceErr
	}
	return f.nonce, nil
}

func (f *Fake) GetRecord(ctx context.Context, slot uint64) (ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.GetRecord++
	if f.GetRecordErr != nil {
		return ledger.Record{}, f.GetRecordErr
	}
	if n := f.hidden[slot]; n > 0 {
		f.hidden[slot] = n - 1
		return ledger.Record{}, nil
	}
	return f.records[slot], nil
}

func (f *Fake) GetAssessment(ctx context.Context, slot uint64) (ledger.Assessment, error) {
	a, _ := f.Assessment(slot)
	return a, nil
}

func (f *Fake) SubmitClaim(ctx context.Context, nonce uint64, req ledger.SubmitRequest) (ledger.TxRef, error) {
	f.sleep(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Submit++
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	tx, err := f.accept(nonce, "submit", req.Slot)
	if err != nil {
		return "", err
	}

	switch {
	case f.RevertSubmit:
		if f.RevertSubmitCreates {
			f.records[req.Slot] = ledger.Record{
				ID: req.Slot, Claimant: "0xconcurrent", Category: req.Category,
				Status: ledger.StatusSubmitted, RequestedAmount: req.RequestedAmount, EvidenceRef: req.EvidenceRef,
			}
		}
		f.mine(tx, false)
	case f.records[req.Slot].Exists():
		f.mine(tx, false)
	default:
		f.records[req.Slot] = ledger.Record{
			ID:              req.Slot,
			Claimant:        req.Claimant,
			Category:        req.Category,
			Status:          ledger.StatusSubmitted,
			RequestedAmount: new(big.Int).Set(req.RequestedAmount),
			ApprovedAmount:  new(big.Int),
			EvidenceRef:     req.EvidenceRef,
			SubmittedAt:     time.Unix(int64(f.block), 0).UTC(),
		}
		if f.VisibilityDelay > 0 {
			f.hidden[req.Slot] = f.VisibilityDelay
		}
		f.mine(tx, true)
	}
	return tx, nil
}

func (f *Fake) UpdateAssessment(ctx context.Context, nonce uint64, upd ledger.AssessmentUpdate) (ledger.TxRef, error) {
	f.sleep(ctx)
	if hook := f.BeforeUpdate; hook != nil {
		hook(upd.Slot)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Update++
	if f.UpdateErr != nil {
		return "", f.UpdateErr
	}
	tx, err := f.accept(nonce, "assess", upd.Slot)
	if err != nil {
		return "", err
	}

	rec, ok := f.records[upd.Slot]
	if f.RevertUpdate || !ok || rec.Status.Terminal() {
		f.mine(tx, false)
		return tx, nil
	}
	f.assessments[upd.Slot] = ledger.Assessment{
		ConfidenceScore:   upd.ConfidencePercent,
		RiskScore:         upd.RiskScore,
		RecommendedAmount: upd.RecommendedAmount,
		Reports:           append([]string(nil), upd.Reports...),
		FraudDetected:     upd.FraudDetected,
	}
	rec.Fraudulent = upd.FraudDetected
	f.records[upd.Slot] = rec
	f.mine(tx, true)
	return tx, nil
}

func (f *Fake) Approve(ctx context.Context, nonce, slot uint64, amount *big.Int) (ledger.TxRef, error) {
	return f.decide(nonce, slot, "approve", func(rec *ledger.Record) {
		rec.Status = ledger.StatusApproved
		rec.ApprovedAmount = amount
	})
}

func (f *Fake) Reject(ctx context.Context, nonce, slot uint64, reason string) (ledger.TxRef, error) {
	return f.decide(nonce, slot, "reject", func(rec *ledger.Record) {
		rec.Status = ledger.StatusRejected
	})
}

func (f *Fake) decide(nonce, slot uint64, kind string, apply func(*ledger.Record)) (ledger.TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == "approve" {
		f.Calls.Approve++
	} else {
		f.Calls.Reject++
	}
	tx, err := f.accept(nonce, kind, slot)
	if err != nil {
		return "", err
	}
	rec, ok := f.records[slot]
	if !ok || rec.Status == ledger.StatusApproved || rec.Status == ledger.StatusRejected {
		f.mine(tx, false)
		return tx, nil
	}
	apply(&rec)
	f.records[slot] = rec
	f.mine(tx, true)
	return tx, nil
}

func (f *Fake) Receipt(ctx context.Context, tx ledger.TxRef) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Receipt++
	r, ok := f.receipts[tx]
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("unknown transaction %s", tx)
	}
	if r.pending > 0 {
		r.pending--
		return ledger.Receipt{}, ledger.ErrReceiptPending
	}
	return r.r, nil
}

// accept checks and consumes the nonce. Caller holds f.mu.
func (f *Fake) accept(nonce uint64, kind string, slot uint64) (ledger.TxRef, error) {
	if nonce != f.nonce {
		return "", fmt.Errorf("%w: got %d, want %d", ErrNonceMismatch, nonce, f.nonce)
	}
	f.nonce++
	f.Nonces = append(f.Nonces, nonce)
	return ledger.TxRef(fmt.Sprintf("0x%s-%d-%d", kind, slot, nonce)), nil
}

// mine records the receipt of tx. Caller holds f.mu.
func (f *Fake) mine(tx ledger.TxRef, success bool) {
	f.block++
	f.receipts[tx] = &receipt{
		r:       ledger.Receipt{TxRef: tx, Success: success, BlockNumber: f.block},
		pending: f.ReceiptDelay,
	}
}

func (f *Fake) sleep(ctx context.Context) {
	if f.SendDelay <= 0 {
		return
	}
	t := time.NewTimer(f.SendDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var (
	_ ledger.Client           = (*Fake)(nil)
	_ ledger.Admin            = (*Fake)(nil)
	_ ledger.AssessmentReader = (*Fake)(nil)
)
