package stages

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/fetch"
	"github.com/ppiankov/claimledger/internal/llm"
	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
)

// Severity values besides the ones the model reports
const (
	SeverityUnverified = "unverified"
	SeverityUnknown    = "unknown"
)

// inflationFactor is how far the requested amount may exceed the estimate
// before it is flagged
const inflationFactor = 2.5

// Damage estimates repair cost from the first damage photo with a vision model
type Damage struct {
	fetcher   *fetch.Fetcher
	provider  llm.Provider
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewDamage creates the damage stage. provider may be nil, in which case the
// estimate falls back to a fixed share of the requested amount.
func NewDamage(f *fetch.Fetcher, provider llm.Provider, model string, maxTokens int, logger *zap.Logger) *Damage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Damage{fetcher: f, provider: provider, model: model, maxTokens: maxTokens, logger: logger}
}

func (d *Damage) Name() string { return model.StageDamage }

type visionVerdict struct {
	ValidEvidence bool    `json:"valid_evidence"`
	Severity      string  `json:"severity"`
	Description   string  `json:"description"`
	EstimateMin   float64 `json:"estimate_min"`
	EstimateMax   float64 `json:"estimate_max"`
	Confidence    *int    `json:"confidence"`
}

func (d *Damage) Process(ctx context.Context, st *pipeline.State) model.Report {
	req := st.Request
	findings := model.DamageFindings{Severity: SeverityUnknown}

	if len(req.PhotoURLs) == 0 {
		findings.Severity = SeverityUnverified
		findings.EstimatedCost = req.RequestedAmount * fallbackRatio
		findings.RedFlags = []string{"No damage photos provided"}
		return newReport(model.StageDamage, 0.2, "no photos, fallback estimate", findings)
	}

	photo := req.PhotoURLs[0]
	raw, err := d.analyze(ctx, req, photo, &findings)
	if err != nil {
		d.logger.Warn("vision analysis unavailable",
			zap.String("claim_id", req.ID), zap.String("photo", photo), zap.Error(err))
		findings.Error = err.Error()
	}

	confidence := 0.85
	switch {
	case findings.AnalysisDone && findings.ModelConfidence > 70:
		confidence = 0.95
	case len(findings.RedFlags) > 0:
		confidence = 0.5
	}

	summary := fmt.Sprintf("severity %s, estimate %.2f", findings.Severity, findings.EstimatedCost)
	if n := len(findings.RedFlags); n > 0 {
		summary += fmt.Sprintf(", %d red flags", n)
	}
	r := newReport(model.StageDamage, confidence, summary, findings)
	r.Raw = raw
	return r
}

// analyze fills findings from the vision verdict. On failure the findings
// carry the fallback estimate and a red flag.
func (d *Damage) analyze(ctx context.Context, req model.ClaimRequest, photo string, f *model.DamageFindings) (json.RawMessage, error) {
	fallback := func(flag, severity string) {
		f.RedFlags = append(f.RedFlags, flag)
		f.EstimatedCost = req.RequestedAmount * fallbackRatio
		if severity != "" {
			f.Severity = severity
		}
	}

	doc, err := d.fetcher.FetchWithRetry(ctx, photo)
	if err != nil {
		fallback("AI vision analysis unavailable", SeverityUnverified)
		return nil, fmt.Errorf("fetch photo: %w", err)
	}
	sum := sha256.Sum256(doc.Body)
	f.ImageHash = hex.EncodeToString(sum[:])

	if d.provider == nil {
		fallback("AI vision analysis unavailable", SeverityUnverified)
		return nil, nil
	}

	resp, err := d.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are an insurance damage assessor. Assess damage from photos."},
			{Role: llm.RoleUser, Content: visionPrompt(req), Images: []string{dataURL(doc)}},
		},
		JSON:      true,
		Model:     d.model,
		MaxTokens: d.maxTokens,
	})
	if err != nil {
		fallback("AI vision analysis unavailable", SeverityUnverified)
		return nil, fmt.Errorf("vision: %w", err)
	}

	var v visionVerdict
	if err := llm.ExtractJSON(resp.Content, &v); err != nil {
		fallback("AI vision analysis failed to parse", "")
		return nil, err
	}
	raw, _ := json.Marshal(v)

	f.AnalysisDone = true
	f.DamageDetected = v.ValidEvidence
	f.Description = v.Description
	if v.Severity != "" {
		f.Severity = v.Severity
	}
	f.ModelConfidence = 50
	if v.Confidence != nil {
		f.ModelConfidence = *v.Confidence
	}

	estimate := v.EstimateMin
	if v.EstimateMax > 0 {
		estimate = (v.EstimateMin + v.EstimateMax) / 2
	}
	f.EstimatedCost = estimate
	f.EstimateRange = fmt.Sprintf("$%.0f - $%.0f", v.EstimateMin, v.EstimateMax)

	if !v.ValidEvidence {
		f.RedFlags = append(f.RedFlags, fmt.Sprintf("Photo type mismatch: image shows %s, not %s damage. %s",
			v.Description, strings.ToLower(string(req.Category)), suggestCategory(v.Description)))
	}
	if estimate > 0 && req.RequestedAmount > estimate*inflationFactor {
		f.RedFlags = append(f.RedFlags, fmt.Sprintf("Requested amount $%.0f is %.1fx higher than AI estimate $%.0f",
			req.RequestedAmount, req.RequestedAmount/estimate, estimate))
	}
	return raw, nil
}

func visionPrompt(req model.ClaimRequest) string {
	c := string(req.Category)
	return fmt.Sprintf(`Analyze this image for a %s insurance claim.

User description: %q

1. Verify the image shows damage consistent with the description.
2. Estimate the repair cost, taking mentioned materials into account.

Return only JSON with these fields:
{"valid_evidence": bool, "severity": "none|minor|moderate|severe|total_loss", "description": string,
 "estimate_min": number, "estimate_max": number, "confidence": 0-100}

If the image does not show %s damage, set valid_evidence to false.`, c, req.Description, strings.ToLower(c))
}

func dataURL(doc *fetch.Document) string {
	ct := doc.ContentType
	if !strings.HasPrefix(ct, "image/") {
		ct = "image/jpeg"
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(doc.Body)
}

var categoryHints = []struct {
	words []string
	hint  string
}{
	{[]string{"hospital", "medical", "patient", "doctor", "surgery", "treatment"}, "Consider filing as a health claim instead."},
	{[]string{"car", "vehicle", "bumper", "windshield", "tire"}, "Consider filing as an auto claim instead."},
	{[]string{"house", "window", "roof", "wall", "door", "property"}, "Consider filing as a home claim instead."},
}

func suggestCategory(description string) string {
	lower := strings.ToLower(description)
	for _, h := range categoryHints {
		for _, w := range h.words {
			if strings.Contains(lower, w) {
				return h.hint
			}
		}
	}
	return "Please verify the claim type."
}
