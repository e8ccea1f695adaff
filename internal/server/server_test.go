package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/claimledger/internal/guard"
	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
	"github.com/ppiankov/claimledger/internal/service"
)

type stubProcessor struct {
	res model.AssessmentResult
	err error
	got model.ClaimRequest
}

func (p *stubProcessor) Process(_ context.Context, req model.ClaimRequest) (model.AssessmentResult, error) {
	p.got = req
	return p.res, p.err
}

func newTestServer(p Processor, broker *pipeline.Broker) *Server {
	return New(p, broker, model.ServerConfig{AllowedOrigins: []string{"http://localhost:3000"}}, "test", nil)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/process-claim", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProcessClaim_OK(t *testing.T) {
	p := &stubProcessor{res: model.AssessmentResult{ClaimID: "c-1", ConfidenceScore: 90, RecommendedAmount: 720}}
	h := newTestServer(p, nil).Handler()

	rec := post(t, h, `{"claim_id":"c-1","claim_type":"AUTO","requested_amount":800,"description":"bumper"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var res model.AssessmentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "c-1", res.ClaimID)
	assert.Equal(t, 720.0, res.RecommendedAmount)
	assert.Equal(t, 800.0, p.got.RequestedAmount)
}

func TestProcessClaim_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed body", `{"claim_id":`, nil, http.StatusBadRequest},
		{"invalid claim", `{"claim_id":"c-1"}`, fmt.Errorf("%w: unknown claim category", service.ErrInvalid), http.StatusBadRequest},
		{"in flight", `{"claim_id":"c-1"}`, fmt.Errorf("%w: c-1", guard.ErrInFlight), http.StatusConflict},
		{"guard backend down", `{"claim_id":"c-1"}`, errors.New("acquire c-1: connection refused"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&stubProcessor{err: tt.err}, nil).Handler()
			rec := post(t, h, tt.body)

			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

			var p Problem
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, "/process-claim", p.Instance)
			assert.Equal(t, rec.Header().Get("X-Request-ID"), p.RequestID)
		})
	}
}

func TestProcessClaim_ConflictDetail(t *testing.T) {
	h := newTestServer(&stubProcessor{err: guard.ErrInFlight}, nil).Handler()
	rec := post(t, h, `{"claim_id":"c-9"}`)
	assert.Contains(t, rec.Body.String(), "Claim c-9 is already being processed")
}

func TestHealth(t *testing.T) {
	h := newTestServer(&stubProcessor{}, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestCORS(t *testing.T) {
	h := newTestServer(&stubProcessor{}, nil).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/process-claim", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEvents_StreamsUntilComplete(t *testing.T) {
	broker := pipeline.NewBroker(8)
	ts := httptest.NewServer(newTestServer(&stubProcessor{}, broker).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/claims/c-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.Subscribers("c-1") == 1 }, 5*time.Second, 10*time.Millisecond)

	broker.Publish(pipeline.Event{ClaimID: "c-2", Type: pipeline.EventStageStart, Stage: "document"})
	broker.Publish(pipeline.Event{ClaimID: "c-1", Type: pipeline.EventStageEnd, Stage: "document", Confidence: 0.9})
	broker.Publish(pipeline.Event{ClaimID: "c-1", Type: pipeline.EventComplete})

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			types = append(types, name)
		}
	}
	assert.Equal(t, []string{pipeline.EventStageEnd, pipeline.EventComplete}, types)
	assert.Eventually(t, func() bool { return broker.Subscribers("c-1") == 0 }, 5*time.Second, 10*time.Millisecond)
}
