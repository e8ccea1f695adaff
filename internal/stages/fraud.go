package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/llm"
	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
	"github.com/ppiankov/claimledger/internal/tools"
)

const fraudSystemPrompt = `You are an insurance fraud detection agent. Validate claims against real-world data using your tools.

Tools:
1. verify_historical_weather: use only when the claim mentions weather (rain, flood, hail, storm, snow, ice, wind).
2. verify_market_price: use when a specific repair, part or medical service is claimed, to check whether the cost is inflated.

Flag high risk when the claimed cost is well above market rates or the reported weather contradicts the claim.
A high amount consistent with market rates is low risk.

Respond with JSON only:
{"fraud_detected": boolean, "risk_score": integer 0-100, "reason": "explanation citing the evidence found"}`

// Fraud screens the claim with a tool-calling model. The model may request one
// round of weather and price lookups before giving its verdict.
type Fraud struct {
	provider  llm.Provider
	tools     *tools.Set
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewFraud creates the fraud stage. provider and toolset may be nil.
func NewFraud(provider llm.Provider, toolset *tools.Set, model string, maxTokens int, logger *zap.Logger) *Fraud {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fraud{provider: provider, tools: toolset, model: model, maxTokens: maxTokens, logger: logger}
}

func (f *Fraud) Name() string { return model.StageFraud }

type fraudVerdict struct {
	FraudDetected bool   `json:"fraud_detected"`
	RiskScore     int    `json:"risk_score"`
	Reason        string `json:"reason"`
}

func (f *Fraud) Process(ctx context.Context, st *pipeline.State) model.Report {
	if f.provider == nil {
		return newReport(model.StageFraud, 0.5, "no model configured", model.FraudFindings{
			RiskScore: 50,
			Reason:    "Fraud screening unavailable: no language model configured",
		})
	}

	findings, raw, err := f.screen(ctx, st.Request)
	if err != nil {
		f.logger.Warn("fraud screening failed", zap.String("claim_id", st.Request.ID), zap.Error(err))
		findings.FraudDetected = false
		findings.RiskScore = 50
		findings.Reason = fmt.Sprintf("Error during fraud detection: %v", err)
		findings.Error = err.Error()
		return newReport(model.StageFraud, 0.5, "screening failed", findings)
	}

	confidence := 0.95
	if findings.FraudDetected {
		confidence = 0.8
	}
	r := newReport(model.StageFraud, confidence,
		fmt.Sprintf("fraud=%t risk=%d", findings.FraudDetected, findings.RiskScore), findings)
	r.Raw = raw
	return r
}

func (f *Fraud) screen(ctx context.Context, req model.ClaimRequest) (model.FraudFindings, json.RawMessage, error) {
	var findings model.FraudFindings
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fraudSystemPrompt},
		{Role: llm.RoleUser, Content: claimBrief(req)},
	}

	resp, err := f.provider.Chat(ctx, llm.ChatRequest{
		Messages:  messages,
		Tools:     f.tools.Definitions(),
		JSON:      true,
		Model:     f.model,
		MaxTokens: f.maxTokens,
	})
	if err != nil {
		return findings, nil, err
	}

	content := resp.Content
	if len(resp.ToolCalls) > 0 {
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			out := f.callTool(ctx, req.ID, call)
			findings.ToolsUsed = append(findings.ToolsUsed, call.Name)
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: out, ToolCallID: call.ID})
		}

		final, err := f.provider.Chat(ctx, llm.ChatRequest{
			Messages:  messages,
			JSON:      true,
			Model:     f.model,
			MaxTokens: f.maxTokens,
		})
		if err != nil {
			return findings, nil, err
		}
		content = final.Content
	}

	var v fraudVerdict
	if err := llm.ExtractJSON(content, &v); err != nil {
		f.logger.Warn("unparsable fraud verdict", zap.String("claim_id", req.ID), zap.Error(err))
		findings.FraudDetected = true
		findings.RiskScore = 50
		findings.Reason = "Model output could not be parsed, flagging for human review"
		return findings, nil, nil
	}
	raw, _ := json.Marshal(v)
	findings.FraudDetected = v.FraudDetected
	findings.RiskScore = v.RiskScore
	findings.Reason = v.Reason
	return findings, raw, nil
}

func (f *Fraud) callTool(ctx context.Context, claimID string, call llm.ToolCall) string {
	ctx, span := tracer.Start(ctx, "fraud.tool", trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	f.logger.Info("fraud tool call",
		zap.String("claim_id", claimID), zap.String("tool", call.Name), zap.String("args", call.Arguments))
	if f.tools == nil {
		return fmt.Sprintf("Unknown tool: %s", call.Name)
	}
	return f.tools.Call(ctx, call.Name, call.Arguments)
}

func claimBrief(req model.ClaimRequest) string {
	location := req.Location
	if location == "" {
		location = "Unknown"
	}
	return fmt.Sprintf(`Analyze this insurance claim:
- Type: %s
- Amount requested: $%.2f
- Description: %s
- Incident date: %s
- Location: %s`, req.Category, req.RequestedAmount, req.Description, req.IncidentDay(), location)
}
