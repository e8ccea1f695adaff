package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/ppiankov/claimledger/internal/model"
)

// Processor assesses a single claim
type Processor interface {
	Process(ctx context.Context, req model.ClaimRequest) (model.AssessmentResult, error)
}

// ClaimJob assesses one claim of a batch
type ClaimJob struct {
	Index     int
	Claim     model.ClaimRequest
	Processor Processor
	limiter   *rate.Limiter
}

// Execute runs the claim through the processor
func (j *ClaimJob) Execute(ctx context.Context) Result {
	if j.limiter != nil {
		if err := j.limiter.Wait(ctx); err != nil {
			return &ClaimResult{Index: j.Index, ClaimID: j.Claim.ID, Error: fmt.Errorf("throttle: %w", err)}
		}
	}

	res, err := j.Processor.Process(ctx, j.Claim)
	if err != nil {
		return &ClaimResult{Index: j.Index, ClaimID: j.Claim.ID, Error: err}
	}
	return &ClaimResult{Index: j.Index, ClaimID: j.Claim.ID, Result: &res}
}

// ClaimResult is the outcome of one claim in a batch
type ClaimResult struct {
	Index   int                     `json:"index"`
	ClaimID string                  `json:"claim_id"`
	Result  *model.AssessmentResult `json:"result,omitempty"`
	Error   error                   `json:"-"`
}

// GetError returns the error from the claim result
func (r *ClaimResult) GetError() error {
	return r.Error
}

// BatchProcessor assesses many claims concurrently
type BatchProcessor struct {
	processor   Processor
	concurrency int
	limiter     *rate.Limiter
}

// NewBatchProcessor creates a batch processor. A positive ratePerSecond caps
// how fast claims are started across all workers.
func NewBatchProcessor(processor Processor, concurrency int, ratePerSecond float64, burst int) *BatchProcessor {
	b := &BatchProcessor{processor: processor, concurrency: concurrency}
	if ratePerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return b
}

// ProcessClaims assesses claims and returns results in input order
func (b *BatchProcessor) ProcessClaims(ctx context.Context, claims []model.ClaimRequest) []*ClaimResult {
	if len(claims) == 0 {
		return []*ClaimResult{}
	}

	pool := NewPoolWithContext(ctx, b.concurrency)
	pool.Start()

	for i, c := range claims {
		job := &ClaimJob{Index: i, Claim: c, Processor: b.processor, limiter: b.limiter}
		if !pool.Submit(job) {
			break
		}
	}

	results := pool.Wait()

	out := make([]*ClaimResult, 0, len(results))
	for _, r := range results {
		out = append(out, r.(*ClaimResult))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ProcessFile reads claims from a JSON Lines file and assesses them
func (b *BatchProcessor) ProcessFile(ctx context.Context, filePath string) ([]*ClaimResult, error) {
	claims, err := ReadClaimsFromFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	return b.ProcessClaims(ctx, claims), nil
}

// ReadClaimsFromFile reads one JSON claim per line. Blank lines and lines
// starting with # are skipped; repeated claim ids keep the first occurrence.
func ReadClaimsFromFile(filePath string) ([]model.ClaimRequest, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var claims []model.ClaimRequest
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var c model.ClaimRequest
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		claims = append(claims, c)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return claims, nil
}
