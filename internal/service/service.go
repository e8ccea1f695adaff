// Package service is the entry point for assessing a claim: it validates the
// request, rejects duplicates in flight and runs the stage chain.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/guard"
	"github.com/ppiankov/claimledger/internal/model"
)

// ErrInvalid wraps request validation failures
var ErrInvalid = errors.New("invalid claim")

// Runner runs one claim through the stage chain
type Runner interface {
	Run(ctx context.Context, req model.ClaimRequest) model.AssessmentResult
}

// Service processes claims one run per claim identity at a time
type Service struct {
	guard  *guard.Guard
	runner Runner
	logger *zap.Logger
}

// New creates a service
func New(g *guard.Guard, runner Runner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if g == nil {
		g = guard.New(nil, logger)
	}
	return &Service{guard: g, runner: runner, logger: logger}
}

// Process validates req and runs it unless a run for the same claim id is in
// progress, in which case the error wraps guard.ErrInFlight and no stage runs.
func (s *Service) Process(ctx context.Context, req model.ClaimRequest) (model.AssessmentResult, error) {
	if err := req.Validate(); err != nil {
		return model.AssessmentResult{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var res model.AssessmentResult
	err := s.guard.Do(ctx, req.ID, func(ctx context.Context) error {
		res = s.runner.Run(ctx, req)
		return nil
	})
	if err != nil {
		if !errors.Is(err, guard.ErrInFlight) {
			s.logger.Error("guard unavailable", zap.String("claim_id", req.ID), zap.Error(err))
		}
		return model.AssessmentResult{}, err
	}
	return res, nil
}
