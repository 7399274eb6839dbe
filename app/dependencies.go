package app

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/upb/llm-enforcement-gateway/auth"
	"github.com/upb/llm-enforcement-gateway/config"
	"github.com/upb/llm-enforcement-gateway/middleware"
	"github.com/upb/llm-enforcement-gateway/repositories"
	"github.com/upb/llm-enforcement-gateway/repositories/postgres"
	"github.com/upb/llm-enforcement-gateway/repositories/sqlite"
	"github.com/upb/llm-enforcement-gateway/services/audit"
	"github.com/upb/llm-enforcement-gateway/services/enforcement"
	"github.com/upb/llm-enforcement-gateway/services/override"
	"github.com/upb/llm-enforcement-gateway/services/policy"
	"github.com/upb/llm-enforcement-gateway/services/ratelimit"
	"github.com/upb/llm-enforcement-gateway/services/snapshot"
	"go.uber.org/zap"
)

// StaticPolicyName labels verdicts produced without an external policy engine
const StaticPolicyName = "static"

// verdictCacheCleanupInterval is how often expired verdicts are swept
const verdictCacheCleanupInterval = time.Minute

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Ledger
	Ledger    *repositories.SQLLedger
	Audit     *audit.Service
	Retention *audit.RetentionScheduler

	// Enforcement
	Snapshots   *snapshot.Store
	Limiter     *ratelimit.AttemptLimiter
	Overrides   *override.Service
	Engine      *enforcement.Engine
	Enforcement *enforcement.Service
	Verdicts    *policy.CachingEvaluator

	// Middleware
	AuthMiddleware        *middleware.AuthMiddleware
	EnforcementMiddleware *middleware.EnforcementMiddleware
	TrustedProxies        []netip.Prefix

	stopWorkers context.CancelFunc
	stopCache   chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	trusted, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{
		Config:         cfg,
		Logger:         logger,
		TrustedProxies: trusted,
	}

	// Initialize ledger storage
	if err := deps.initLedger(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	// Initialize enforcement state and services
	if err := deps.initEnforcement(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize enforcement: %w", err)
	}

	// Initialize policy engine
	deps.initPolicy(cfg)

	// Initialize auth
	deps.initAuth(cfg)

	deps.EnforcementMiddleware = middleware.NewEnforcementMiddleware(deps.Verdicts, deps.Enforcement, logger)

	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("ledger_driver", cfg.Ledger.Driver),
		zap.String("policy_engine", cfg.PolicyEngine.Mode))
	return deps, nil
}

// OpenLedger opens the ledger backend selected by cfg
func OpenLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (*repositories.SQLLedger, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return sqlite.OpenLedger(ctx, cfg.SQLitePath, logger)
	case config.DriverPostgres:
		return postgres.OpenLedger(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

// initLedger opens the ledger and starts its single writer
func (d *Dependencies) initLedger(ctx context.Context, cfg *config.Config) error {
	ledger, err := OpenLedger(ctx, cfg.Ledger, d.Logger)
	if err != nil {
		return err
	}
	d.Ledger = ledger

	d.Audit = audit.NewService(ledger, d.Logger, audit.Config{
		BufferSize:   cfg.Ledger.QueueSize,
		WriteTimeout: cfg.Ledger.WriteTimeout,
	})
	if err := d.Audit.Start(); err != nil {
		_ = ledger.Close()
		return fmt.Errorf("failed to start ledger writer: %w", err)
	}

	if cfg.Ledger.RetentionSchedule != "" && cfg.Ledger.RetentionDays > 0 {
		scheduler, err := audit.NewRetentionScheduler(d.Audit, cfg.Ledger.RetentionSchedule, cfg.Ledger.RetentionDays, d.Logger)
		if err != nil {
			_ = d.Audit.Stop(time.Second)
			_ = ledger.Close()
			return err
		}
		d.Retention = scheduler
	}

	return nil
}

// initEnforcement loads the configuration snapshot and builds the decision path
func (d *Dependencies) initEnforcement(cfg *config.Config) error {
	files := snapshot.NewFileStore(cfg.Enforcement.SnapshotPath, d.Logger)
	initial, err := files.Load()
	if err != nil {
		return err
	}

	loc, err := cfg.Enforcement.Location()
	if err != nil {
		return fmt.Errorf("invalid enforcement timezone: %w", err)
	}

	d.Snapshots = snapshot.NewStore(initial, files, d.Logger)
	d.Limiter = ratelimit.NewAttemptLimiter(
		cfg.Enforcement.OverrideMaxAttempts,
		cfg.Enforcement.OverrideWindow,
		ratelimit.WithLogger(d.Logger),
	)
	d.Overrides = override.NewService(d.Snapshots, d.Limiter, d.Logger)
	d.Engine = enforcement.NewEngine(loc, d.Logger)
	d.Enforcement = enforcement.NewService(d.Snapshots, d.Engine, d.Overrides, d.Limiter, d.Audit, d.Logger)

	d.Logger.Info("enforcement configuration loaded",
		zap.String("path", files.Path()),
		zap.Int("devices", len(initial.Devices)),
		zap.Int("time_exceptions", len(initial.TimeExceptions)),
		zap.Bool("override_enabled", initial.EmergencyOverride.Enabled),
		zap.String("timezone", loc.String()))
	return nil
}

// initPolicy selects the verdict source used by /check and forward-auth
func (d *Dependencies) initPolicy(cfg *config.Config) {
	var evaluator policy.PolicyEvaluator
	switch cfg.PolicyEngine.Mode {
	case config.PolicyModeHTTP:
		evaluator = policy.NewHTTPEvaluator(policy.HTTPConfig{
			URL:           cfg.PolicyEngine.URL,
			Timeout:       cfg.PolicyEngine.Timeout,
			FallbackAllow: cfg.PolicyEngine.FallbackAllow,
		}, d.Logger)
	default:
		evaluator = policy.NewStaticEvaluator(cfg.PolicyEngine.StaticAllow, StaticPolicyName)
	}

	d.Verdicts = policy.NewCachingEvaluator(evaluator, policy.NewVerdictCache(cfg.PolicyEngine.CacheSize, cfg.PolicyEngine.CacheTTL))
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, admin API will reject all requests")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(auth.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), d.Logger)
}

// startWorkers launches background maintenance
func (d *Dependencies) startWorkers(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopWorkers = cancel

	if cfg.Enforcement.LimiterCleanupInterval > 0 {
		go d.Limiter.StartCleanupWorker(ctx, cfg.Enforcement.LimiterCleanupInterval)
	}

	d.stopCache = make(chan struct{})
	go d.Verdicts.Cache().StartCleanupWorker(verdictCacheCleanupInterval, d.stopCache)

	if d.Retention != nil {
		d.Retention.Start()
	}
}

// Close gracefully shuts down all dependencies. Safe to call more than once.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close(ctx)
	})
	return d.closeErr
}

func (d *Dependencies) close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Retention != nil {
		d.Retention.Stop()
	}
	if d.stopWorkers != nil {
		d.stopWorkers()
	}
	if d.stopCache != nil {
		close(d.stopCache)
	}

	// Drain queued ledger writes before closing the database
	if d.Audit != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop ledger writer: %w", err))
		}
	}

	if d.Ledger != nil {
		if err := d.Ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close ledger: %w", err))
		} else {
			d.Logger.Info("ledger connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
