package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
	"github.com/ppiankov/claimledger/internal/retry"
)

// Config bounds the commit protocol
type Config struct {
	// SlotRetries is the number of suffixed candidates tried after the base id
	SlotRetries int
	// StatusPolicy bounds the wait for a new record to read back as SUBMITTED
	StatusPolicy retry.Policy
	// ReceiptPolicy bounds the wait for each transaction receipt
	ReceiptPolicy retry.Policy
	// CommitTimeout bounds the phases once they start; caller cancellation
	// does not interrupt them
	CommitTimeout time.Duration
	PingTimeout   time.Duration
	Clock         retry.Clock
	Now           func() time.Time
}

// DefaultConfig matches the production ledger timings: 5 slot retries,
// 10 status polls 3s apart, receipts awaited for 120s.
func DefaultConfig() Config {
	return Config{
		SlotRetries:   5,
		StatusPolicy:  retry.Fixed(10, 3*time.Second),
		ReceiptPolicy: retry.Within(120*time.Second, 2*time.Second),
		CommitTimeout: 4 * time.Minute,
		PingTimeout:   10 * time.Second,
	}
}

// ConfigFromModel converts the ledger section of the app config
func ConfigFromModel(c model.LedgerConfig) Config {
	cfg := DefaultConfig()
	if c.SlotAttempts > 0 {
		cfg.SlotRetries = c.SlotAttempts
	}
	if c.StatusPolls > 0 && c.StatusInterval > 0 {
		cfg.StatusPolicy = retry.Fixed(c.StatusPolls, c.StatusInterval)
	}
	if c.ReceiptTimeout > 0 {
		interval := c.ReceiptInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		cfg.ReceiptPolicy = retry.Within(c.ReceiptTimeout, interval)
	}
	if c.CommitTimeout > 0 {
		cfg.CommitTimeout = c.CommitTimeout
	}
	return cfg
}

// Manager is the ledger commit stage
type Manager struct {
	client Client
	seq    *NonceSequencer
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewManager creates a commit manager. A nil client yields a manager whose
// commits fail with a configuration error. Managers sharing an account must
// share the sequencer.
func NewManager(client Client, seq *NonceSequencer, cfg Config, logger *zap.Logger) *Manager {
	if seq == nil {
		seq = NewNonceSequencer()
	}
	if cfg.Clock == nil {
		cfg.Clock = retry.RealClock{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client: client,
		seq:    seq,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/ppiankov/claimledger/internal/ledger"),
	}
}

// Name implements pipeline.Stage
func (m *Manager) Name() string { return model.StageLedger }

// Process implements pipeline.Stage. It never panics on ledger failures; every
// outcome is reported in the findings.
func (m *Manager) Process(ctx context.Context, st *pipeline.State) model.Report {
	start := m.cfg.Now()
	d := st.Derived()

	findings, err := m.Commit(ctx, Submission{
		ClaimID:           st.Request.ID,
		Category:          st.Request.Category,
		RequestedAmount:   st.Request.RequestedAmount,
		Confidence:        st.AggregateConfidence(),
		RiskScore:         d.RiskScore,
		RecommendedAmount: d.RecommendedAmount,
		FraudDetected:     d.FraudDetected,
		Reports:           st.Reports(),
	})

	confidence := 0.1
	summary := "assessment recorded on ledger"
	switch {
	case findings.Status == model.LedgerSuccess:
		confidence = 0.9
		if findings.TxRef == "" {
			summary = "ledger already reflects this assessment"
		}
	case err != nil:
		summary = err.Error()
	default:
		summary = "ledger commit " + findings.Status
	}

	return model.Report{
		Stage:      model.StageLedger,
		Confidence: confidence,
		Summary:    summary,
		Findings:   findings,
		Duration:   m.cfg.Now().Sub(start),
	}
}

// Submission is everything the manager writes for one claim
type Submission struct {
	ClaimID           string
	Category          model.Category
	RequestedAmount   float64
	Confidence        float64 // 0.0 - 1.0
	RiskScore         int
	RecommendedAmount float64
	FraudDetected     bool
	Reports           map[string]model.Report
}

// commit carries the per-run bookkeeping of one Commit call
type commit struct {
	m        *Manager
	log      *zap.Logger
	findings model.LedgerFindings
}

func (c *commit) step(format string, args ...any) {
	c.findings.Steps = append(c.findings.Steps, fmt.Sprintf(format, args...))
}

func (c *commit) failed(status string, err error) (model.LedgerFindings, error) {
	c.findings.Status = status
	c.findings.Error = err.Error()
	c.findings.ErrorKind = string(KindOf(err))
	c.step("failed: %v", err)
	c.log.Error("ledger commit failed", zap.String("status", status), zap.Error(err))
	return c.findings, err
}

// Commit runs the two-phase protocol for sub. The returned findings are always
// populated; err is the *Error that ended the commit, if any.
func (m *Manager) Commit(ctx context.Context, sub Submission) (model.LedgerFindings, error) {
	ctx, span := m.tracer.Start(ctx, "ledger.commit", trace.WithAttributes(attribute.String("claim.id", sub.ClaimID)))
	defer span.End()

	c := &commit{
		m:        m,
		log:      m.logger.With(zap.String("claim_id", sub.ClaimID)),
		findings: model.LedgerFindings{Status: model.LedgerPending, Steps: []string{}},
	}
	findings, err := m.commit(ctx, c, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, findings.Status)
	}
	span.SetAttributes(attribute.String("ledger.status", findings.Status), attribute.Int64("ledger.slot", int64(findings.Slot)))
	return findings, err
}

func (m *Manager) commit(ctx context.Context, c *commit, sub Submission) (model.LedgerFindings, error) {
	// 1. Guard conditions: configuration, then connectivity
	if m.client == nil {
		return c.failed(model.LedgerError, fail(KindConfig, "config", errors.New("ledger client not configured (RPC URL, contract address or private key missing)")))
	}
	account := m.client.Account()
	if account == "" {
		return c.failed(model.LedgerError, fail(KindConfig, "config", errors.New("ledger account not configured")))
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := m.client.Ping(pingCtx)
	cancel()
	if err != nil {
		return c.failed(model.LedgerError, fail(KindConnectivity, "connect", err))
	}

	// 2. Exclusive use of the account nonce for both phases
	lease, err := m.seq.Lease(ctx, account, m.client.PendingNonce)
	if err != nil {
		kind := KindConnectivity
		if ctx.Err() != nil {
			kind = KindTimeout
		}
		return c.failed(model.LedgerError, fail(kind, "nonce", err))
	}
	defer lease.Release()
	c.findings.Nonce = lease.Start()
	c.log = c.log.With(zap.String("account", account))

	// 3. Slot allocation
	slot, err := FindAvailableSlot(ctx, m.client, sub.ClaimID, m.cfg.SlotRetries)
	if err != nil {
		return c.failed(model.LedgerError, err)
	}
	c.findings.Slot = slot.ID
	c.findings.SlotCandidate = slot.Candidate
	c.findings.Reused = slot.Active
	c.log = c.log.With(zap.Uint64("slot", slot.ID))
	c.step("Generated ledger slot %d from %q", slot.ID, slot.Candidate)
	c.log.Info("ledger slot allocated", zap.String("candidate", slot.Candidate), zap.Bool("active", slot.Active), zap.Uint64("nonce", lease.Nonce()))

	// Phases run to completion or their own bound, not the caller's
	pctx, cancelPhases := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CommitTimeout)
	defer cancelPhases()

	// 4. Phase 1: create the record unless it is already active
	submitted := false
	if slot.Active {
		c.step("Claim already exists on ledger (SUBMITTED); skipping submit")
	} else {
		created, tx, err := m.submit(pctx, c, lease, slot.ID, account, sub)
		if err != nil {
			return c.failed(model.LedgerError, err)
		}
		submitted = true
		if created {
			c.findings.SubmitTx = string(tx)
			c.step("Claim submitted: %s", tx)
		} else {
			// The record exists, so phase 1 holds; the assessment is still ours to record
			c.step("Submit reverted but slot %d already exists; continuing with assessment", slot.ID)
			c.log.Info("submit reverted but record exists")
		}

		if err := m.awaitSubmitted(pctx, slot.ID); err != nil {
			return c.failed(model.LedgerError, err)
		}
		c.step("Record %d visible with status SUBMITTED", slot.ID)
	}

	// 5. Phase 2: record the assessment
	tx, err := m.assess(pctx, c, lease, slot.ID, sub)
	if err != nil {
		status := model.LedgerError
		if submitted {
			status = model.LedgerPartialSuccess
		}
		return c.failed(status, err)
	}

	c.findings.Status = model.LedgerSuccess
	c.findings.TxRef = string(tx)
	if tx == "" {
		c.step("Assessment update reverted; record already final")
	} else {
		c.step("AI assessment updated: %s", tx)
	}
	c.log.Info("ledger commit complete", zap.String("tx_hash", string(tx)), zap.Bool("reused", slot.Active))
	return c.findings, nil
}

// submit sends the create transaction. created is false when the transaction
// reverted but the slot now holds a record.
func (m *Manager) submit(ctx context.Context, c *commit, lease *NonceLease, slot uint64, account string, sub Submission) (created bool, tx TxRef, err error) {
	ctx, span := m.tracer.Start(ctx, "ledger.submit", trace.WithAttributes(attribute.Int64("ledger.slot", int64(slot))))
	defer span.End()

	req := SubmitRequest{
		Slot:            slot,
		Claimant:        account,
		Category:        CategoryCode(sub.Category),
		RequestedAmount: ToWei(sub.RequestedAmount),
		EvidenceRef:     fmt.Sprintf("ipfs://claim-%d-%s", slot, m.cfg.Now().UTC().Format(time.RFC3339)),
	}

	nonce := lease.Nonce()
	tx, err = m.client.SubmitClaim(ctx, nonce, req)
	if err != nil {
		lease.Invalidate()
		return false, "", fail(KindTransport, "submit", err)
	}
	lease.Consume()
	c.log.Info("submit transaction sent", zap.String("tx_hash", string(tx)), zap.Uint64("nonce", nonce))

	rcpt, err := m.awaitReceipt(ctx, tx, "submit")
	if err != nil {
		return false, "", err
	}
	if rcpt.Success {
		return true, tx, nil
	}

	// Reverted: did someone else create the record?
	rec, err := m.client.GetRecord(ctx, slot)
	if err != nil {
		return false, "", fail(KindConnectivity, "submit", fmt.Errorf("re-query after revert of %s: %w", tx, err))
	}
	if rec.Exists() {
		return false, "", nil
	}
	return false, "", fail(KindRevert, "submit", fmt.Errorf("transaction %s reverted and slot %d is empty", tx, slot))
}

// awaitSubmitted polls until the new record reads back as SUBMITTED
func (m *Manager) awaitSubmitted(ctx context.Context, slot uint64) error {
	var last Record
	var lastErr error
	err := retry.Poll(ctx, m.cfg.Clock, m.cfg.StatusPolicy, func(ctx context.Context, attempt int) (bool, error) {
		rec, err := m.client.GetRecord(ctx, slot)
		if err != nil {
			lastErr = err
			return false, nil
		}
		last = rec
		return rec.Exists() && rec.Status == StatusSubmitted, nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, retry.ErrExhausted) {
		detail := fmt.Sprintf("record %d not visible as SUBMITTED (exists=%v status=%s)", slot, last.Exists(), last.Status)
		if lastErr != nil {
			detail += fmt.Sprintf(", last query error: %v", lastErr)
		}
		return fail(KindTimeout, "propagation", fmt.Errorf("%s: %w", detail, err))
	}
	return fail(KindTimeout, "propagation", err)
}

// assess sends the assessment update. An empty TxRef with a nil error means the
// update reverted against a record that is already final.
func (m *Manager) assess(ctx context.Context, c *commit, lease *NonceLease, slot uint64, sub Submission) (TxRef, error) {
	ctx, span := m.tracer.Start(ctx, "ledger.assess", trace.WithAttributes(attribute.Int64("ledger.slot", int64(slot))))
	defer span.End()

	upd := AssessmentUpdate{
		Slot:              slot,
		ConfidencePercent: uint64(math.Round(clamp01(sub.Confidence) * 100)),
		RiskScore:         uint64(max(0, min(100, sub.RiskScore))),
		RecommendedAmount: ToWei(sub.RecommendedAmount),
		Reports:           Summarize(sub.Reports),
		FraudDetected:     sub.FraudDetected,
	}

	nonce := lease.Nonce()
	tx, err := m.client.UpdateAssessment(ctx, nonce, upd)
	if err != nil {
		lease.Invalidate()
		return "", fail(KindTransport, "assess", err)
	}
	lease.Consume()
	c.log.Info("assessment transaction sent", zap.String("tx_hash", string(tx)), zap.Uint64("nonce", nonce))

	rcpt, err := m.awaitReceipt(ctx, tx, "assess")
	if err != nil {
		return "", err
	}
	if rcpt.Success {
		return tx, nil
	}

	rec, err := m.client.GetRecord(ctx, slot)
	if err != nil {
		return "", fail(KindConnectivity, "assess", fmt.Errorf("re-query after revert of %s: %w", tx, err))
	}
	if rec.Exists() && rec.Status.Terminal() {
		return "", nil
	}
	return "", fail(KindRevert, "assess", fmt.Errorf("transaction %s reverted with record %d in status %s", tx, slot, rec.Status))
}

func (m *Manager) awaitReceipt(ctx context.Context, tx TxRef, step string) (Receipt, error) {
	var rcpt Receipt
	err := retry.Poll(ctx, m.cfg.Clock, m.cfg.ReceiptPolicy, func(ctx context.Context, attempt int) (bool, error) {
		r, err := m.client.Receipt(ctx, tx)
		if errors.Is(err, ErrReceiptPending) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		rcpt = r
		return true, nil
	})
	if err == nil {
		return rcpt, nil
	}
	if errors.Is(err, retry.ErrExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return Receipt{}, fail(KindTimeout, step, fmt.Errorf("receipt for %s: %w", tx, err))
	}
	return Receipt{}, fail(KindTransport, step, fmt.Errorf("receipt for %s: %w", tx, err))
}

// LocateSlot resolves the slot a claim id maps to on the current ledger state
func (m *Manager) LocateSlot(ctx context.Context, claimID string) (Slot, Record, error) {
	if m.client == nil {
		return Slot{}, Record{}, fail(KindConfig, "config", errors.New("ledger client not configured"))
	}
	slot, err := FindAvailableSlot(ctx, m.client, claimID, m.cfg.SlotRetries)
	if err != nil {
		return Slot{}, Record{}, err
	}
	rec, err := m.client.GetRecord(ctx, slot.ID)
	if err != nil {
		return slot, Record{}, fail(KindConnectivity, "slot", err)
	}
	return slot, rec, nil
}

// Record reads the record at slot
func (m *Manager) Record(ctx context.Context, slot uint64) (Record, error) {
	if m.client == nil {
		return Record{}, fail(KindConfig, "config", errors.New("ledger client not configured"))
	}
	rec, err := m.client.GetRecord(ctx, slot)
	if err != nil {
		return Record{}, fail(KindConnectivity, "record", err)
	}
	return rec, nil
}

// Approve records a reviewer approval for slot
func (m *Manager) Approve(ctx context.Context, slot uint64, amount float64) (TxRef, error) {
	return m.decide(ctx, "approve", func(ctx context.Context, a Admin, nonce uint64) (TxRef, error) {
		return a.Approve(ctx, nonce, slot, ToWei(amount))
	})
}

// Reject records a reviewer rejection for slot
func (m *Manager) Reject(ctx context.Context, slot uint64, reason string) (TxRef, error) {
	return m.decide(ctx, "reject", func(ctx context.Context, a Admin, nonce uint64) (TxRef, error) {
		return a.Reject(ctx, nonce, slot, reason)
	})
}

func (m *Manager) decide(ctx context.Context, step string, send func(context.Context, Admin, uint64) (TxRef, error)) (TxRef, error) {
	if m.client == nil {
		return "", fail(KindConfig, step, errors.New("ledger client not configured"))
	}
	admin, ok := m.client.(Admin)
	if !ok {
		return "", fail(KindConfig, step, errors.New("ledger does not support reviewer decisions"))
	}

	lease, err := m.seq.Lease(ctx, m.client.Account(), m.client.PendingNonce)
	if err != nil {
		return "", fail(KindConnectivity, step, err)
	}
	defer lease.Release()

	tx, err := send(ctx, admin, lease.Nonce())
	if err != nil {
		lease.Invalidate()
		return "", fail(KindTransport, step, err)
	}
	lease.Consume()

	rcpt, err := m.awaitReceipt(ctx, tx, step)
	if err != nil {
		return tx, err
	}
	if !rcpt.Success {
		return tx, fail(KindRevert, step, fmt.Errorf("transaction %s reverted", tx))
	}
	return tx, nil
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ pipeline.Stage = (*Manager)(nil)
