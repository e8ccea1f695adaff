package stages

import (
	"context"
	"fmt"
	"math"

	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
)

// payoutRatio is the share paid after the deductible
const payoutRatio = 0.9

// Settlement computes the recommended payout from the damage estimate and the
// fraud risk
type Settlement struct{}

// NewSettlement creates the settlement stage
func NewSettlement() *Settlement { return &Settlement{} }

func (s *Settlement) Name() string { return model.StageSettlement }

func (s *Settlement) Process(_ context.Context, st *pipeline.State) model.Report {
	d := st.Derived()

	if d.FraudDetected {
		return newReport(model.StageSettlement, 0.95, "fraud override, no payout", model.SettlementFindings{
			RecommendedAmount: 0,
			Reason:            "Claim flagged as fraudulent, no payout authorized",
			RequiresReview:    true,
			RiskScore:         d.RiskScore,
		})
	}

	f := Settle(st.Request.RequestedAmount, estimateFor(st), d.RiskScore)

	confidence := 0.70
	switch {
	case d.RiskScore < 30:
		confidence = 0.95
	case d.RiskScore < 50:
		confidence = 0.85
	}
	return newReport(model.StageSettlement, confidence, fmt.Sprintf("recommend %.2f", f.RecommendedAmount), f)
}

// Settle applies the payout rules to a non-fraudulent claim: 90% of the
// smaller of requested and estimated cost, reduced for medium and high risk.
func Settle(requested, estimate float64, risk int) model.SettlementFindings {
	payout := math.Min(requested, estimate) * payoutRatio
	f := model.SettlementFindings{RiskScore: risk}

	switch {
	case risk > 50:
		payout *= 0.7
		f.RequiresReview = true
		f.Reason = fmt.Sprintf("High-risk claim (score: %d), reduced payout and human review required", risk)
	case risk > 30:
		payout *= 0.85
		f.RequiresReview = true
		f.Reason = fmt.Sprintf("Medium-risk claim (score: %d), flagged for review", risk)
	default:
		f.Reason = fmt.Sprintf("Low-risk claim (score: %d), approved for payout", risk)
	}
	f.RecommendedAmount = math.Round(payout*100) / 100
	return f
}

// estimateFor returns the damage estimate, or the requested amount when the
// damage stage did not run
func estimateFor(st *pipeline.State) float64 {
	if f, ok := damageFindings(st); ok {
		return f.EstimatedCost
	}
	return st.Request.RequestedAmount
}
