package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/telemetry"
)

var processOut string

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process <claim.json>",
	Short: "Assess a single claim and commit the result to the ledger",
	Long: `Process runs one claim through the document, damage, fraud and settlement
stages, commits the assessment to the configured ledger and prints the result
as JSON. Use "-" to read the claim from stdin.

Example:
  claimledger process claim.json
  claimledger process claim.json --out result.json
  cat claim.json | claimledger process -`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().StringVarP(&processOut, "out", "o", "", "write the result to this file instead of stdout")
}

func runProcess(cmd *cobra.Command, args []string) error {
	claim, err := readClaim(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, Version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.service.Process(ctx, claim)
	if err != nil {
		return fmt.Errorf("process %s: %w", claim.ID, err)
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "✓ %s: confidence %.0f, risk %d, recommended %.2f, review %v\n",
			res.ClaimID, res.ConfidenceScore, res.RiskScore, res.RecommendedAmount, res.RequiresHumanReview)
		if res.Metadata.TxRef != "" {
			fmt.Fprintf(os.Stderr, "✓ Ledger slot %d, tx %s\n", res.Metadata.LedgerSlot, res.Metadata.TxRef)
		}
	}
	return writeResult(res, processOut, cmd.OutOrStdout())
}

// readClaim decodes one claim from path, or from stdin when path is "-"
func readClaim(path string, stdin io.Reader) (model.ClaimRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return model.ClaimRequest{}, fmt.Errorf("open claim: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var claim model.ClaimRequest
	if err := json.NewDecoder(r).Decode(&claim); err != nil {
		return model.ClaimRequest{}, fmt.Errorf("decode claim: %w", err)
	}
	return claim, nil
}

func writeResult(res model.AssessmentResult, path string, stdout io.Writer) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
