package model

import "time"

// AssessmentResult is the caller-facing outcome of one run
type AssessmentResult struct {
	ClaimID             string            `json:"claim_id"`
	ConfidenceScore     float64           `json:"confidence_score"` // 0-100
	RiskScore           int               `json:"risk_score"`       // 0-100
	RecommendedAmount   float64           `json:"recommended_amount"`
	FraudDetected       bool              `json:"fraud_detected"`
	FraudReason         string            `json:"fraud_reason,omitempty"`
	RequiresHumanReview bool              `json:"requires_human_review"`
	Reports             map[string]Report `json:"agent_reports"`
	ProcessingTime      time.Duration     `json:"processing_time_ns"`
	Metadata            ResultMetadata    `json:"metadata"`
}

// ResultMetadata carries the ledger reference or the fault that ended the run
type ResultMetadata struct {
	RunID        string `json:"run_id,omitempty"`
	TxRef        string `json:"tx_hash,omitempty"`
	LedgerSlot   uint64 `json:"ledger_slot,omitempty"`
	LedgerStatus string `json:"ledger_status,omitempty"`
	Error        string `json:"error,omitempty"`
}
