package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/claimledger/internal/guard"
	"github.com/ppiankov/claimledger/internal/model"
)

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	runs    atomic.Int32
}

func (r *blockingRunner) Run(ctx context.Context, req model.ClaimRequest) model.AssessmentResult {
	r.runs.Add(1)
	if r.started != nil {
		close(r.started)
		<-r.release
	}
	return model.AssessmentResult{ClaimID: req.ID, ConfidenceScore: 90}
}

type brokenSet struct{}

func (brokenSet) Add(context.Context, string, guard.Token) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenSet) Remove(context.Context, string, guard.Token) error { return nil }

func validClaim(id string) model.ClaimRequest {
	return model.ClaimRequest{ID: id, Category: "auto", RequestedAmount: 100}
}

func TestProcess(t *testing.T) {
	r := &blockingRunner{}
	s := New(nil, r, nil)

	res, err := s.Process(context.Background(), validClaim("c-1"))
	require.NoError(t, err)
	assert.Equal(t, "c-1", res.ClaimID)
	assert.Equal(t, 90.0, res.ConfidenceScore)

	// Identity is released after the run
	_, err = s.Process(context.Background(), validClaim("c-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.runs.Load())
}

func TestProcess_Invalid(t *testing.T) {
	r := &blockingRunner{}
	s := New(nil, r, nil)

	_, err := s.Process(context.Background(), model.ClaimRequest{ID: "c-1", Category: "MARINE"})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Zero(t, r.runs.Load())
}

func TestProcess_DuplicateInFlight(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := New(guard.New(guard.NewMemorySet(), nil), r, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Process(context.Background(), validClaim("c-1"))
		assert.NoError(t, err)
	}()
	<-r.started

	_, err := s.Process(context.Background(), validClaim("c-1"))
	require.ErrorIs(t, err, guard.ErrInFlight)

	close(r.release)
	wg.Wait()
	assert.Equal(t, int32(1), r.runs.Load())
}

func TestProcess_GuardBackendDown(t *testing.T) {
	r := &blockingRunner{}
	s := New(guard.New(brokenSet{}, nil), r, nil)

	_, err := s.Process(context.Background(), validClaim("c-1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, guard.ErrInFlight)
	assert.Zero(t, r.runs.Load())
}
