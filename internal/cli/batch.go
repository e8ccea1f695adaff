package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/claimledger/internal/worker"
)

var (
	concurrency  int
	batchOut     string
	batchTimeout time.Duration
	batchRate    float64
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <claims.jsonl>",
	Short: "Assess claims from a JSON Lines file in parallel",
	Long: `Batch processes many claims concurrently:
- Read claims from the input file (one JSON object per line, # comments allowed)
- Skip repeated claim ids, keeping the first occurrence
- Process claims in parallel with a configurable worker count
- Write one result per line to the output file

Example:
  claimledger batch claims.jsonl
  claimledger batch claims.jsonl --concurrency 4 --out results.jsonl
  claimledger batch claims.jsonl --rate 0.5 --timeout 30m`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().IntVar(&concurrency, "concurrency", runtime.NumCPU(), "number of concurrent workers")
	batchCmd.Flags().StringVar(&batchOut, "out", "claimledger-results.jsonl", "output file for results (JSON Lines)")
	batchCmd.Flags().DurationVar(&batchTimeout, "timeout", 30*time.Minute, "total timeout for batch processing")
	batchCmd.Flags().Float64Var(&batchRate, "rate", 0, "max claims started per second (0 = unlimited)")
}

// batchLine is one line of the batch output
type batchLine struct {
	worker.ClaimResult
	Error string `json:"error,omitempty"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	file := args[0]

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  claimledger Batch Processing\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Input file:   %s\n", file)
	fmt.Fprintf(os.Stderr, "  Workers:      %d\n", concurrency)
	fmt.Fprintf(os.Stderr, "  Output:       %s\n", batchOut)
	fmt.Fprintf(os.Stderr, "  Ledger:       %s\n", cfg.Ledger.Driver)
	fmt.Fprintf(os.Stderr, "  Timeout:      %v\n", batchTimeout)
	fmt.Fprintf(os.Stderr, "\n")

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	processor := worker.NewBatchProcessor(a.service, concurrency, batchRate, 1)
	results, err := processor.ProcessFile(ctx, file)
	if err != nil {
		return fmt.Errorf("process file: %w", err)
	}

	out, err := os.Create(batchOut)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() { _ = out.Close() }()
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)

	successCount, failureCount, reviewCount := 0, 0, 0
	for _, r := range results {
		line := batchLine{ClaimResult: *r}
		if r.Error != nil {
			failureCount++
			line.Error = r.Error.Error()
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", r.ClaimID, r.Error)
		} else {
			successCount++
			if r.Result.RequiresHumanReview {
				reviewCount++
			}
			fmt.Fprintf(os.Stderr, "✓ %s (confidence %.0f, risk %d, ledger %s)\n",
				r.ClaimID, r.Result.ConfidenceScore, r.Result.RiskScore, orDash(r.Result.Metadata.LedgerStatus))
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write results: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Batch Complete\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Total:     %d claims\n", len(results))
	fmt.Fprintf(os.Stderr, "  Success:   %d\n", successCount)
	fmt.Fprintf(os.Stderr, "  Review:    %d\n", reviewCount)
	fmt.Fprintf(os.Stderr, "  Failures:  %d\n", failureCount)
	fmt.Fprintf(os.Stderr, "\n")

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
