package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ppiankov/claimledger/internal/model"
)

// ErrReportExists is returned when a stage report is written twice
var ErrReportExists = errors.New("report already recorded")

// State is the shared claim state passed through the stage chain.
// Reports are write-once; derived scalars are updated only through the
// findings of a newly attached report.
type State struct {
	Request model.ClaimRequest
	RunID   string

	mu      sync.RWMutex
	reports map[string]model.Report
	order   []string
	derived model.Derived
}

// NewState creates the state for one run
func NewState(req model.ClaimRequest, runID string) *State {
	return &State{
		Request: req,
		RunID:   runID,
		reports: make(map[string]model.Report),
	}
}

// AddReport attaches a stage report and applies its derived-scalar updates
func (s *State) AddReport(r model.Report) error {
	if r.Stage == "" {
		return fmt.Errorf("report has no stage name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[r.Stage]; ok {
		return fmt.Errorf("%w: %s", ErrReportExists, r.Stage)
	}
	s.reports[r.Stage] = r
	s.order = append(s.order, r.Stage)

	if u, ok := r.Findings.(model.DerivedUpdater); ok {
		u.ApplyDerived(&s.derived)
	}
	return nil
}

// Report returns the report of the named stage
func (s *State) Report(stage string) (model.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[stage]
	return r, ok
}

// Reports returns a copy of all reports keyed by stage name
func (s *State) Reports() map[string]model.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Report, len(s.reports))
	for k, v := range s.reports {
		out[k] = v
	}
	return out
}

// Stages returns stage names in the order their reports were attached
func (s *State) Stages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Derived returns the current derived scalars
func (s *State) Derived() model.Derived {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.derived
}

// AggregateConfidence is the arithmetic mean of all report confidences,
// 0 when there are none.
func (s *State) AggregateConfidence() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.reports) == 0 {
		return 0
	}
	var sum float64
	for _, name := range s.order {
		sum += s.reports[name].Confidence
	}
	return sum / float64(len(s.reports))
}
