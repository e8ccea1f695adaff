package model

import (
	"encoding/json"
	"time"
)

// Stage names in pipeline order
const (
	StageDocument   = "document"
	StageDamage     = "damage"
	StageFraud      = "fraud"
	StageSettlement = "settlement"
	StageLedger     = "ledger"
)

// Report is the output of one stage. It is attached to the claim state exactly
// once and never modified afterwards.
type Report struct {
	Stage      string          `json:"agent_name"`
	Confidence float64         `json:"confidence"`          // 0.0 - 1.0
	Summary    string          `json:"summary,omitempty"`   // One-line human-readable outcome
	Findings   Findings        `json:"findings"`            // Stage-specific typed payload
	Raw        json.RawMessage `json:"raw,omitempty"`       // External response the findings were parsed from
	Duration   time.Duration   `json:"processing_time_ns"`
}

// Findings is implemented by every stage-specific findings struct
type Findings interface {
	FindingsKind() string
}

// Derived holds the scalars stages declare for later stages and the aggregator
type Derived struct {
	RiskScore         int     `json:"risk_score"`
	FraudDetected     bool    `json:"fraud_detected"`
	FraudReason       string  `json:"fraud_reason,omitempty"`
	RecommendedAmount float64 `json:"recommended_amount"`
	TxRef             string  `json:"tx_hash,omitempty"`
	LedgerSlot        uint64  `json:"ledger_slot,omitempty"`
	LedgerStatus      string  `json:"ledger_status,omitempty"`
}

// DerivedUpdater is implemented by findings that update derived scalars
type DerivedUpdater interface {
	ApplyDerived(d *Derived)
}

// DocumentFindings is produced by the document stage
type DocumentFindings struct {
	Validity      string   `json:"validity"` // valid, invalid, error, unknown
	Documents     int      `json:"documents"`
	TextExtracted []string `json:"text_extracted,omitempty"`
	Unsupported   []string `json:"unsupported,omitempty"` // URLs whose content type could not be read
	AmountsFound  []string `json:"amounts_found,omitempty"`
	FileType      string   `json:"file_type,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func (DocumentFindings) FindingsKind() string { return StageDocument }

// DamageFindings is produced by the damage stage
type DamageFindings struct {
	DamageDetected  bool     `json:"damage_detected"`
	Severity        string   `json:"severity"`
	EstimatedCost   float64  `json:"estimated_cost"`
	EstimateRange   string   `json:"estimate_range,omitempty"`
	Description     string   `json:"damage_description,omitempty"`
	RedFlags        []string `json:"red_flags,omitempty"`
	ImageHash       string   `json:"image_hash,omitempty"`
	AnalysisDone    bool     `json:"image_analysis_performed"`
	ModelConfidence int      `json:"ai_confidence,omitempty"`
	Error           string   `json:"error,omitempty"`
}

func (DamageFindings) FindingsKind() string { return StageDamage }

// FraudFindings is produced by the fraud stage
type FraudFindings struct {
	FraudDetected bool     `json:"fraud_detected"`
	RiskScore     int      `json:"risk_score"`
	Reason        string   `json:"reason"`
	ToolsUsed     []string `json:"tools_used,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func (FraudFindings) FindingsKind() string { return StageFraud }

// ApplyDerived publishes the fraud verdict
func (f FraudFindings) ApplyDerived(d *Derived) {
	d.FraudDetected = f.FraudDetected
	d.RiskScore = clampScore(f.RiskScore)
	if f.FraudDetected {
		d.FraudReason = f.Reason
	}
}

// SettlementFindings is produced by the settlement stage
type SettlementFindings struct {
	RecommendedAmount float64 `json:"recommended_amount"`
	Reason            string  `json:"reason"`
	RequiresReview    bool    `json:"requires_review"`
	RiskScore         int     `json:"risk_score"`
}

func (SettlementFindings) FindingsKind() string { return StageSettlement }

// ApplyDerived publishes the recommended payout
func (f SettlementFindings) ApplyDerived(d *Derived) {
	d.RecommendedAmount = f.RecommendedAmount
}

// Ledger commit outcomes
const (
	LedgerPending        = "pending"
	LedgerSuccess        = "success"
	LedgerPartialSuccess = "partial_success"
	LedgerError          = "error"
)

// LedgerFindings is produced by the ledger commit stage
type LedgerFindings struct {
	Status        string   `json:"status"`
	Slot          uint64   `json:"blockchain_claim_id,omitempty"`
	SlotCandidate string   `json:"slot_candidate,omitempty"`
	Reused        bool     `json:"reused_existing"`
	Nonce         uint64   `json:"nonce,omitempty"`
	SubmitTx      string   `json:"submit_tx_hash,omitempty"`
	TxRef         string   `json:"tx_hash,omitempty"`
	Steps         []string `json:"steps"`
	Error         string   `json:"error,omitempty"`
	ErrorKind     string   `json:"error_kind,omitempty"`
}

func (LedgerFindings) FindingsKind() string { return StageLedger }

// ApplyDerived publishes the ledger reference
func (f LedgerFindings) ApplyDerived(d *Derived) {
	d.TxRef = f.TxRef
	d.LedgerSlot = f.Slot
	d.LedgerStatus = f.Status
}

// ErrorFindings is used for stages that could not produce their own findings
type ErrorFindings struct {
	Error string `json:"error"`
}

func (ErrorFindings) FindingsKind() string { return "error" }

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
