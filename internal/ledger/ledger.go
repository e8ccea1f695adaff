// Package ledger commits claim assessments to an append-only ledger exactly
// once: deterministic slot allocation, per-account nonce sequencing, bounded
// confirmation polling and idempotent fallbacks for reverted transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/claimledger/internal/model"
)

// ErrReceiptPending is returned by Client.Receipt until the transaction is mined
var ErrReceiptPending = errors.New("receipt not available yet")

// Status is the ledger record status code
type Status uint8

const (
	StatusSubmitted   Status = 0
	StatusUnderReview Status = 1
	StatusApproved    Status = 2
	StatusRejected    Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusUnderReview:
		return "UNDER_REVIEW"
	case StatusApproved:
		return "APPROVED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "STATUS_" + strconv.Itoa(int(s))
	}
}

// Terminal reports whether a record with this status can no longer be reused
// for a new submission. Every status other than SUBMITTED is terminal.
func (s Status) Terminal() bool { return s != StatusSubmitted }

// Record is one claim entry as stored on the ledger
type Record struct {
	ID              uint64
	Claimant        string
	Category        uint8
	Status          Status
	RequestedAmount *big.Int
	ApprovedAmount  *big.Int
	EvidenceRef     string
	SubmittedAt     time.Time
	Fraudulent      bool
}

// Exists reports whether the slot holds a record (the zero ID means empty)
func (r Record) Exists() bool { return r.ID != 0 }

// TxRef identifies a sent transaction
type TxRef string

// Receipt is the confirmation of a mined transaction
type Receipt struct {
	TxRef       TxRef
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// SubmitRequest creates a record (phase 1)
type SubmitRequest struct {
	Slot            uint64
	Claimant        string
	Category        uint8
	RequestedAmount *big.Int
	EvidenceRef     string
}

// AssessmentUpdate records the assessment on an existing record (phase 2)
type AssessmentUpdate struct {
	Slot              uint64
	ConfidencePercent uint64
	RiskScore         uint64
	RecommendedAmount *big.Int
	Reports           []string
	FraudDetected     bool
}

// Client is the ledger as seen by the commit manager. Transactions are sent
// with an explicit nonce; Receipt returns ErrReceiptPending until mined.
type Client interface {
	Ping(ctx context.Context) error
	Account() string
	PendingNonce(ctx context.Context) (uint64, error)
	SubmitClaim(ctx context.Context, nonce uint64, req SubmitRequest) (TxRef, error)
	UpdateAssessment(ctx context.Context, nonce uint64, upd AssessmentUpdate) (TxRef, error)
	Receipt(ctx context.Context, tx TxRef) (Receipt, error)
	GetRecord(ctx context.Context, slot uint64) (Record, error)
}

// Admin is implemented by ledgers that accept reviewer decisions
type Admin interface {
	Approve(ctx context.Context, nonce, slot uint64, amount *big.Int) (TxRef, error)
	Reject(ctx context.Context, nonce, slot uint64, reason string) (TxRef, error)
}

// Assessment is the stored AI assessment of a record
type Assessment struct {
	ConfidenceScore   uint64
	RiskScore         uint64
	RecommendedAmount *big.Int
	Reports           []string
	FraudDetected     bool
}

// AssessmentReader is implemented by ledgers that expose stored assessments
type AssessmentReader interface {
	GetAssessment(ctx context.Context, slot uint64) (Assessment, error)
}

// CategoryCode maps a claim category to its ledger code (auto=0, home=1, health=2)
func CategoryCode(c model.Category) uint8 {
	switch c {
	case model.CategoryHome:
		return 1
	case model.CategoryHealth:
		return 2
	default:
		return 0
	}
}

// CategoryFromCode is the inverse of CategoryCode
func CategoryFromCode(code uint8) model.Category {
	switch code {
	case 1:
		return model.CategoryHome
	case 2:
		return model.CategoryHealth
	default:
		return model.CategoryAuto
	}
}

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ToWei converts a decimal amount to its 18-decimal integer form. Negative and
// non-finite amounts convert to zero.
func ToWei(amount float64) *big.Int {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return new(big.Int)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return new(big.Int)
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerUnit))
	return new(big.Int).Quo(r.Num(), r.Denom())
}

// FormatUnits renders a wei amount as a decimal string
func FormatUnits(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	q, m := new(big.Int).QuoRem(wei, weiPerUnit, new(big.Int))
	if m.Sign() == 0 {
		return q.String()
	}
	frac := fmt.Sprintf("%018s", new(big.Int).Abs(m).String())
	return q.String() + "." + strings.TrimRight(frac, "0")
}
