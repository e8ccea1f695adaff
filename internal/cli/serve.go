package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/server"
	"github.com/ppiankov/claimledger/internal/telemetry"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the claim API over HTTP",
	Long: `Serve exposes claim processing over HTTP:

  POST /process-claim        assess a claim (409 while the same claim is in flight)
  GET  /claims/{id}/events   server-sent progress events for a claim
  GET  /health               liveness

Example:
  claimledger serve --addr :8000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if a.client != nil {
		if err := a.client.Ping(ctx); err != nil {
			logger.Warn("ledger unreachable, commits will fail until it recovers", zap.Error(err))
		}
	}

	srv := server.New(a.service, a.broker, cfg.Server, Version, logger.Named("http"))
	return srv.ListenAndServe(ctx)
}
