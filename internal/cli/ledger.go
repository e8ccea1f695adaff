package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/claimledger/internal/ledger"
)

var (
	approveAmount float64
	rejectReason  string
	ledgerTimeout time.Duration
)

// ledgerCmd groups direct ledger operations
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and decide claims on the ledger",
	Long: `Read claim records from the configured ledger and record reviewer decisions.

Example:
  claimledger ledger slot CLM-2024-001
  claimledger ledger show 90756798
  claimledger ledger approve 90756798 --amount 1250
  claimledger ledger reject 90756798 --reason "duplicate claim"`,
}

var ledgerSlotCmd = &cobra.Command{
	Use:   "slot <claim-id>",
	Short: "Show which ledger slot a claim id resolves to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, a *app) error {
			slot, rec, err := a.ledger.LocateSlot(ctx, args[0])
			if err != nil {
				return err
			}
			view := slotView{
				Slot:      slot.ID,
				Candidate: slot.Candidate,
				Attempt:   slot.Attempt,
				Active:    slot.Active,
			}
			if rec.Exists() {
				r := newRecordView(rec)
				view.Record = &r
			}
			return printYAML(cmd.OutOrStdout(), view)
		})
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <slot>",
	Short: "Show the record and stored assessment at a slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		return withLedger(cmd, func(ctx context.Context, a *app) error {
			rec, err := a.ledger.Record(ctx, slot)
			if err != nil {
				return err
			}
			if !rec.Exists() {
				return fmt.Errorf("slot %d is empty", slot)
			}
			view := showView{Record: newRecordView(rec)}
			if reader, ok := a.client.(ledger.AssessmentReader); ok {
				as, err := reader.GetAssessment(ctx, slot)
				if err != nil {
					return fmt.Errorf("read assessment: %w", err)
				}
				view.Assessment = &assessmentView{
					ConfidenceScore:   as.ConfidenceScore,
					RiskScore:         as.RiskScore,
					RecommendedAmount: ledger.FormatUnits(as.RecommendedAmount),
					FraudDetected:     as.FraudDetected,
					Reports:           as.Reports,
				}
			}
			return printYAML(cmd.OutOrStdout(), view)
		})
	},
}

var ledgerApproveCmd = &cobra.Command{
	Use:   "approve <slot>",
	Short: "Approve the claim at a slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		if approveAmount < 0 {
			return fmt.Errorf("amount must be non-negative, got %v", approveAmount)
		}
		return withLedger(cmd, func(ctx context.Context, a *app) error {
			tx, err := a.ledger.Approve(ctx, slot, approveAmount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Approved slot %d for %.2f (tx %s)\n", slot, approveAmount, tx)
			return nil
		})
	},
}

var ledgerRejectCmd = &cobra.Command{
	Use:   "reject <slot>",
	Short: "Reject the claim at a slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		return withLedger(cmd, func(ctx context.Context, a *app) error {
			tx, err := a.ledger.Reject(ctx, slot, rejectReason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Rejected slot %d (tx %s)\n", slot, tx)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerSlotCmd, ledgerShowCmd, ledgerApproveCmd, ledgerRejectCmd)

	ledgerCmd.PersistentFlags().DurationVar(&ledgerTimeout, "timeout", 2*time.Minute, "timeout for the ledger operation")
	ledgerApproveCmd.Flags().Float64Var(&approveAmount, "amount", 0, "approved payout amount")
	ledgerRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")
	_ = ledgerApproveCmd.MarkFlagRequired("amount")
	_ = ledgerRejectCmd.MarkFlagRequired("reason")
}

// withLedger opens only the ledger side of the app for fn
func withLedger(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), ledgerTimeout)
	defer cancel()

	a, err := newLedgerApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

func parseSlot(s string) (uint64, error) {
	slot, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid slot %q: %w", s, err)
	}
	return slot, nil
}

type recordView struct {
	ID              uint64 `yaml:"id"`
	Claimant        string `yaml:"claimant"`
	Category        string `yaml:"category"`
	Status          string `yaml:"status"`
	RequestedAmount string `yaml:"requested_amount"`
	ApprovedAmount  string `yaml:"approved_amount"`
	EvidenceRef     string `yaml:"evidence_ref,omitempty"`
	SubmittedAt     string `yaml:"submitted_at,omitempty"`
	Fraudulent      bool   `yaml:"fraudulent"`
}

func newRecordView(r ledger.Record) recordView {
	v := recordView{
		ID:              r.ID,
		Claimant:        r.Claimant,
		Category:        string(ledger.CategoryFromCode(r.Category)),
		Status:          r.Status.String(),
		RequestedAmount: ledger.FormatUnits(r.RequestedAmount),
		ApprovedAmount:  ledger.FormatUnits(r.ApprovedAmount),
		EvidenceRef:     r.EvidenceRef,
		Fraudulent:      r.Fraudulent,
	}
	if !r.SubmittedAt.IsZero() {
		v.SubmittedAt = r.SubmittedAt.UTC().Format(time.RFC3339)
	}
	return v
}

type slotView struct {
	Slot      uint64      `yaml:"slot"`
	Candidate string      `yaml:"candidate"`
	Attempt   int         `yaml:"attempt"`
	Active    bool        `yaml:"active"`
	Record    *recordView `yaml:"record,omitempty"`
}

type assessmentView struct {
	ConfidenceScore   uint64   `yaml:"confidence_score"`
	RiskScore         uint64   `yaml:"risk_score"`
	RecommendedAmount string   `yaml:"recommended_amount"`
	FraudDetected     bool     `yaml:"fraud_detected"`
	Reports           []string `yaml:"reports,omitempty"`
}

type showView struct {
	Record     recordView      `yaml:"record"`
	Assessment *assessmentView `yaml:"assessment,omitempty"`
}

func printYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = w.Write(data)
	return err
}
