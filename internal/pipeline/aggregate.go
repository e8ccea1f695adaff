package pipeline

import (
	"time"

	"github.com/ppiankov/claimledger/internal/model"
)

// Review thresholds
const (
	ReviewRiskAbove       = 70
	ReviewConfidenceBelow = 0.7
)

// Aggregate folds the claim state into the caller-facing result. It is pure:
// no I/O, no clock reads.
func Aggregate(st *State, elapsed time.Duration) model.AssessmentResult {
	d := st.Derived()
	conf := st.AggregateConfidence()

	return model.AssessmentResult{
		ClaimID:             st.Request.ID,
		ConfidenceScore:     conf * 100,
		RiskScore:           d.RiskScore,
		RecommendedAmount:   d.RecommendedAmount,
		FraudDetected:       d.FraudDetected,
		FraudReason:         d.FraudReason,
		RequiresHumanReview: d.RiskScore > ReviewRiskAbove || conf < ReviewConfidenceBelow,
		Reports:             st.Reports(),
		ProcessingTime:      elapsed,
		Metadata: model.ResultMetadata{
			RunID:        st.RunID,
			TxRef:        d.TxRef,
			LedgerSlot:   d.LedgerSlot,
			LedgerStatus: d.LedgerStatus,
		},
	}
}

// Fault builds the terminal result for a run that ended on a panic or deadline.
// Reports collected so far are kept.
func Fault(st *State, elapsed time.Duration, cause error) model.AssessmentResult {
	res := Aggregate(st, elapsed)
	res.RiskScore = 100
	res.RequiresHumanReview = true
	res.Metadata.Error = cause.Error()
	return res
}
