package stages

import (
	"context"
	"testing"

	"github.com/ppiankov/claimledger/internal/model"
)

func TestSettle(t *testing.T) {
	tests := []struct {
		name      string
		requested float64
		estimate  float64
		risk      int
		want      float64
		review    bool
	}{
		{"low risk uses smaller amount", 1000, 800, 10, 720, false},
		{"boundary 30 is low", 1000, 2000, 30, 900, false},
		{"medium risk", 1000, 1000, 40, 765, true},
		{"boundary 50 is medium", 1000, 1000, 50, 765, true},
		{"high risk", 1000, 1000, 71, 630, true},
		{"rounded to cents", 333.33, 1000, 0, 300, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Settle(tt.requested, tt.estimate, tt.risk)
			if f.RecommendedAmount != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, f.RecommendedAmount)
			}
			if f.RequiresReview != tt.review {
				t.Errorf("Expected review %v, got %v", tt.review, f.RequiresReview)
			}
		})
	}
}

func TestSettlement_FraudOverride(t *testing.T) {
	st := newState(model.ClaimRequest{RequestedAmount: 1000})
	mustAdd(t, st, model.Report{Stage: model.StageFraud, Confidence: 0.8,
		Findings: model.FraudFindings{FraudDetected: true, RiskScore: 90, Reason: "inflated"}})

	r := NewSettlement().Process(context.Background(), st)
	f := r.Findings.(model.SettlementFindings)
	if f.RecommendedAmount != 0 || !f.RequiresReview || r.Confidence != 0.95 {
		t.Errorf("Unexpected override %+v confidence %v", f, r.Confidence)
	}
}

func TestSettlement_UsesDamageEstimate(t *testing.T) {
	st := newState(model.ClaimRequest{RequestedAmount: 1000})
	mustAdd(t, st, model.Report{Stage: model.StageDamage, Confidence: 0.95,
		Findings: model.DamageFindings{EstimatedCost: 600}})
	mustAdd(t, st, model.Report{Stage: model.StageFraud, Confidence: 0.95,
		Findings: model.FraudFindings{RiskScore: 35}})

	r := NewSettlement().Process(context.Background(), st)
	f := r.Findings.(model.SettlementFindings)
	if f.RecommendedAmount != 459 {
		t.Errorf("Expected 600*0.9*0.85 = 459, got %v", f.RecommendedAmount)
	}
	if r.Confidence != 0.85 {
		t.Errorf("Expected 0.85, got %v", r.Confidence)
	}

	// Payout is published for later stages
	mustAdd(t, st, r)
	if st.Derived().RecommendedAmount != 459 {
		t.Errorf("Expected derived amount 459, got %v", st.Derived().RecommendedAmount)
	}
}

func TestSettlement_WithoutDamageReport(t *testing.T) {
	st := newState(model.ClaimRequest{RequestedAmount: 500})
	r := NewSettlement().Process(context.Background(), st)
	f := r.Findings.(model.SettlementFindings)
	if f.RecommendedAmount != 450 || r.Confidence != 0.95 {
		t.Errorf("Unexpected settlement %+v confidence %v", f, r.Confidence)
	}
}
