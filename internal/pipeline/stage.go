package pipeline

import (
	"context"

	"github.com/ppiankov/claimledger/internal/model"
)

// Stage is one step of the claim chain. Process must not return an error:
// failures are reported as low-confidence reports. Panics are recovered by the
// executor and end the run.
type Stage interface {
	Name() string
	Process(ctx context.Context, st *State) model.Report
}

// StageFunc adapts a function to the Stage interface
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, st *State) model.Report
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Process(ctx context.Context, st *State) model.Report {
	return f.Fn(ctx, st)
}
