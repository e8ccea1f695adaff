package ledger

import (
	"encoding/json"
	"sort"

	"github.com/ppiankov/claimledger/internal/model"
)

// maxSummaryText bounds free-text fields copied into the on-ledger summary
const maxSummaryText = 200

var stageOrder = map[string]int{
	model.StageDocument:   0,
	model.StageDamage:     1,
	model.StageFraud:      2,
	model.StageSettlement: 3,
}

type stageSummary struct {
	Agent      string         `json:"agent"`
	Confidence float64        `json:"confidence"`
	Findings   map[string]any `json:"findings_summary"`
}

// Summarize condenses stage reports for the assessment transaction: one JSON
// string per non-ledger stage, each with at most a few scalar fields.
func Summarize(reports map[string]model.Report) []string {
	names := make([]string, 0, len(reports))
	for name := range reports {
		if name != model.StageLedger {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iok := stageOrder[names[i]]
		oj, jok := stageOrder[names[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})

	out := make([]string, 0, len(names))
	for _, name := range names {
		r := reports[name]
		b, err := json.Marshal(stageSummary{
			Agent:      name,
			Confidence: r.Confidence,
			Findings:   condense(r.Findings),
		})
		if err != nil {
			continue
		}
		out = append(out, string(b))
	}
	return out
}

func condense(f model.Findings) map[string]any {
	m := map[string]any{}
	switch v := f.(type) {
	case model.DocumentFindings:
		m["validity"] = orDefault(v.Validity, "unknown")
		if v.Validity == "error" {
			m["error"] = truncate(orDefault(v.Error, "Unknown error"), maxSummaryText)
		}
	case model.DamageFindings:
		m["estimated_cost"] = v.EstimatedCost
		m["severity"] = v.Severity
	case model.FraudFindings:
		m["risk_score"] = v.RiskScore
		m["reason"] = truncate(orDefault(v.Reason, "N/A"), maxSummaryText)
	case model.SettlementFindings:
		m["recommended_amount"] = v.RecommendedAmount
	case model.ErrorFindings:
		m["error"] = truncate(v.Error, maxSummaryText)
	}
	return m
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// truncate cuts s to at most n runes
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
