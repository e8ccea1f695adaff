// Package stages implements the assessment steps that run before the ledger
// commit: document review, damage estimation, fraud screening and settlement.
//
// Stages never return errors. A failed lookup or model call lowers the
// confidence of the report and is described in its findings.
package stages

import (
	"go.opentelemetry.io/otel"

	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
)

var tracer = otel.Tracer("github.com/ppiankov/claimledger/internal/stages")

// fallbackRatio is applied to the requested amount when no estimate could be
// derived from evidence
const fallbackRatio = 0.7

func newReport(stage string, confidence float64, summary string, f model.Findings) model.Report {
	return model.Report{
		Stage:      stage,
		Confidence: confidence,
		Summary:    summary,
		Findings:   f,
	}
}

func damageFindings(st *pipeline.State) (model.DamageFindings, bool) {
	r, ok := st.Report(model.StageDamage)
	if !ok {
		return model.DamageFindings{}, false
	}
	f, ok := r.Findings.(model.DamageFindings)
	return f, ok
}
