package ledger

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/claimledger/internal/model"
)

func TestToWei(t *testing.T) {
	e18, _ := new(big.Int).SetString("1000000000000000000", 10)
	assert.Equal(t, 0, ToWei(1).Cmp(e18))

	k, _ := new(big.Int).SetString("1000000000000000000000", 10)
	assert.Equal(t, 0, ToWei(1000).Cmp(k))

	tenth, _ := new(big.Int).SetString("100000000000000000", 10)
	assert.Equal(t, 0, ToWei(0.1).Cmp(tenth), "decimal amounts convert exactly")

	assert.Equal(t, 0, ToWei(-5).Sign())
	assert.Equal(t, 0, ToWei(0).Sign())
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1000", FormatUnits(ToWei(1000)))
	assert.Equal(t, "1250.5", FormatUnits(ToWei(1250.5)))
	assert.Equal(t, "0", FormatUnits(nil))
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusSubmitted.Terminal())
	assert.True(t, StatusUnderReview.Terminal())
	assert.True(t, StatusApproved.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.Equal(t, "STATUS_9", Status(9).String())
}

func TestCategoryCode(t *testing.T) {
	assert.Equal(t, uint8(0), CategoryCode(model.CategoryAuto))
	assert.Equal(t, uint8(1), CategoryCode(model.CategoryHome))
	assert.Equal(t, uint8(2), CategoryCode(model.CategoryHealth))

	for _, c := range []model.Category{model.CategoryAuto, model.CategoryHome, model.CategoryHealth} {
		assert.Equal(t, c, CategoryFromCode(CategoryCode(c)))
	}
}

func TestSummarize(t *testing.T) {
	longErr := strings.Repeat("e", 500)
	reports := map[string]model.Report{
		model.StageLedger:     {Confidence: 0.1, Findings: model.LedgerFindings{Status: "error"}},
		model.StageSettlement: {Confidence: 0.9, Findings: model.SettlementFindings{RecommendedAmount: 900, Reason: "ok"}},
		model.StageDocument:   {Confidence: 0.4, Findings: model.DocumentFindings{Validity: "error", Error: longErr}},
		model.StageFraud:      {Confidence: 0.95, Findings: model.FraudFindings{RiskScore: 20, Reason: "consistent", ToolsUsed: []string{"weather"}}},
		model.StageDamage:     {Confidence: 0.85, Findings: model.DamageFindings{EstimatedCost: 1200, Severity: "moderate", RedFlags: []string{"x"}}},
	}

	out := Summarize(reports)
	require.Len(t, out, 4, "ledger report is excluded")

	var agents []string
	for _, s := range out {
		var parsed struct {
			Agent    string         `json:"agent"`
			Findings map[string]any `json:"findings_summary"`
		}
		require.NoError(t, json.Unmarshal([]byte(s), &parsed))
		agents = append(agents, parsed.Agent)
		assert.LessOrEqual(t, len(parsed.Findings), 3, "summary keeps only a few scalar fields")
		if parsed.Agent == model.StageDocument {
			assert.Len(t, parsed.Findings["error"], 200)
		}
	}
	assert.Equal(t, []string{"document", "damage", "fraud", "settlement"}, agents)
}
