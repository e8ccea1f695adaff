package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/cache"
	"github.com/ppiankov/claimledger/internal/fetch"
	"github.com/ppiankov/claimledger/internal/guard"
	"github.com/ppiankov/claimledger/internal/ledger"
	"github.com/ppiankov/claimledger/internal/ledger/evm"
	"github.com/ppiankov/claimledger/internal/ledger/sqlledger"
	"github.com/ppiankov/claimledger/internal/llm"
	"github.com/ppiankov/claimledger/internal/model"
	"github.com/ppiankov/claimledger/internal/pipeline"
	"github.com/ppiankov/claimledger/internal/service"
	"github.com/ppiankov/claimledger/internal/stages"
	"github.com/ppiankov/claimledger/internal/telemetry"
	"github.com/ppiankov/claimledger/internal/tools"
	"github.com/ppiankov/claimledger/internal/worker"
)

// app is the wired component graph shared by the commands
type app struct {
	cfg      *model.Config
	logger   *zap.Logger
	broker   *pipeline.Broker
	executor *pipeline.Executor
	service  *service.Service
	ledger   *ledger.Manager
	client   ledger.Client
	closers  []func() error
}

// newLogger builds the logger described by the telemetry section
func newLogger(cfg *model.Config) (*zap.Logger, error) {
	return telemetry.NewLogger(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
}

// newLedgerApp wires only the ledger, for the ledger subcommands
func newLedgerApp(ctx context.Context, cfg *model.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	client, closer, err := openLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	a.client = client
	a.ledger = ledger.NewManager(client, nil, ledger.ConfigFromModel(cfg.Ledger), logger.Named("ledger"))
	return a, nil
}

// newApp wires every stage, the guard and the ledger from cfg
func newApp(ctx context.Context, cfg *model.Config, logger *zap.Logger) (*app, error) {
	a, err := newLedgerApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var store cache.Store
	if cfg.Cache.Enabled {
		store = cache.New(cfg.Cache.Dir, cfg.Cache.MemoryTTL, cfg.Cache.DiskTTL)
	}

	limiter := worker.NewLimiter(cfg.Tools.RatePerSecond, cfg.Tools.Burst)
	var robots *fetch.RobotsChecker
	if cfg.Tools.RespectRobots {
		robots = fetch.NewRobotsChecker(cfg.HTTP.UserAgent, cfg.HTTP.Timeout, store)
	}
	evidence := fetch.NewFetcher(fetch.Options{
		Timeout:       cfg.HTTP.Timeout,
		UserAgent:     cfg.HTTP.UserAgent,
		MaxBytes:      cfg.HTTP.MaxBodyBytes,
		HTTPProxy:     cfg.HTTP.HTTPProxy,
		HTTPSProxy:    cfg.HTTP.HTTPSProxy,
		RespectRobots: cfg.Tools.RespectRobots,
		Robots:        robots,
		Limiter:       limiter,
		Logger:        logger.Named("fetch"),
	})
	// Tool APIs skip robots.txt
	apis := fetch.NewFetcher(fetch.Options{
		Timeout:    cfg.HTTP.Timeout,
		UserAgent:  cfg.HTTP.UserAgent,
		MaxBytes:   cfg.HTTP.MaxBodyBytes,
		HTTPProxy:  cfg.HTTP.HTTPProxy,
		HTTPSProxy: cfg.HTTP.HTTPSProxy,
		Limiter:    limiter,
		Logger:     logger.Named("tools"),
	})

	provider, err := llm.NewProvider(llm.ConfigFromModel(cfg.LLM, cfg.HTTP))
	if err != nil {
		logger.Warn("language model disabled", zap.Error(err))
		provider = nil
	}

	toolset := tools.NewSet(logger.Named("tools"),
		tools.NewWeather(apis, store, cfg.Tools.GeocodeURL, cfg.Tools.WeatherURL),
		tools.NewPrice(apis, store, cfg.Tools.TavilyURL, cfg.Tools.TavilyAPIKey),
	)

	g, closeGuard, err := newGuard(ctx, cfg.Guard, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closeGuard != nil {
		a.closers = append(a.closers, closeGuard)
	}

	a.broker = pipeline.NewBroker(64)
	a.executor = pipeline.NewExecutor([]pipeline.Stage{
		stages.NewDocument(evidence, logger.Named("document")),
		stages.NewDamage(evidence, provider, cfg.LLM.Model, cfg.LLM.MaxTokens, logger.Named("damage")),
		stages.NewFraud(provider, toolset, cfg.LLM.Model, cfg.LLM.MaxTokens, logger.Named("fraud")),
		stages.NewSettlement(),
		a.ledger,
	},
		pipeline.WithObserver(a.broker),
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithRunTimeout(cfg.Pipeline.RunTimeout),
	)
	a.service = service.New(g, a.executor, logger.Named("service"))

	logger.Debug("components wired",
		zap.Strings("stages", a.executor.Stages()),
		zap.String("ledger", cfg.Ledger.Driver),
		zap.String("guard", cfg.Guard.Backend),
		zap.Bool("llm", provider != nil),
		zap.Int("tools", toolset.Len()))
	return a, nil
}

// Close releases the ledger connection and the guard backend
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openLedger returns the configured ledger client. The "none" driver, and an
// evm driver with missing or malformed settings, yield a nil client so
// commits report a configuration error.
func openLedger(ctx context.Context, cfg model.LedgerConfig, logger *zap.Logger) (ledger.Client, func() error, error) {
	switch strings.ToLower(cfg.Driver) {
	case "evm":
		ecfg := evm.ConfigFromModel(cfg)
		if err := ecfg.Validate(); err != nil {
			logger.Warn("ledger not configured, commits will report a configuration error", zap.Error(err))
			return nil, nil, nil
		}
		c, err := evm.Dial(ctx, ecfg, logger.Named("evm"))
		if err != nil {
			return nil, nil, fmt.Errorf("ledger: %w", err)
		}
		return c, nil, nil
	case "sqlite", "":
		s, err := sqlledger.Open(cfg.SQLitePath, cfg.SQLiteAccount)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger: %w", err)
		}
		return s, s.Close, nil
	case "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q (supported: evm, sqlite, none)", cfg.Driver)
	}
}

func newGuard(ctx context.Context, cfg model.GuardConfig, logger *zap.Logger) (*guard.Guard, func() error, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory", "":
		return guard.New(guard.NewMemorySet(), logger.Named("guard")), nil, nil
	case "redis":
		set := guard.NewRedisSet(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL)
		if err := set.Ping(ctx); err != nil {
			_ = set.Close()
			return nil, nil, fmt.Errorf("guard: redis %s: %w", cfg.RedisAddr, err)
		}
		return guard.New(set, logger.Named("guard")), set.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown guard backend %q (supported: memory, redis)", cfg.Backend)
	}
}
