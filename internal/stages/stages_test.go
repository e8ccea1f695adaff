package stages

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/claimledger/internal/fetch"
	"github.com/ppiankov/claimledger/internal/llm"
	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
	"github.com/ppiankov/claimledger/internal/retry"
)

// scriptedProvider returns canned responses in order and records requests
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	requests  []llm.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) IsAvailable(context.Context) bool { return true }

func (p *scriptedProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r, nil
}

func testFetcher() *fetch.Fetcher {
	return fetch.NewFetcher(fetch.Options{Timeout: 5 * time.Second, Clock: retry.NewInstantClock(time.Now())})
}

func newState(req model.ClaimRequest) *pipeline.State {
	if req.ID == "" {
		req.ID = "claim-1"
	}
	if req.Category == "" {
		req.Category = model.CategoryAuto
	}
	return pipeline.NewState(req, "run-1")
}

func mustAdd(t *testing.T, st *pipeline.State, r model.Report) {
	t.Helper()
	if err := st.AddReport(r); err != nil {
		t.Fatalf("AddReport failed: %v", err)
	}
}

func evidenceServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/invoice.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><head><title>Repair Invoice</title></head><body>
<p>Invoice for front bumper replacement. Total amount due is $1,250.00 payable within 30 days.</p></body></html>`))
		case "/note.txt":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("Police report filed on 2024-07-02 after the accident near the market."))
		case "/scan.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 binary"))
		case "/photo.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("\xff\xd8\xff\xe0 fake jpeg"))
		default:
			http.NotFound(w, r)
		}
	}))
}
