package app

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/assetdesk/assetdesk/internal/audit"
	"github.com/assetdesk/assetdesk/internal/lockout"
	"github.com/assetdesk/assetdesk/internal/observability"
	"github.com/assetdesk/assetdesk/internal/rbac"
)

// Access bundles the wired access-control core.
type Access struct {
	Store      *rbac.PGStore
	Calculator *rbac.Calculator
	Evaluator  rbac.Evaluator
	Hierarchy  *rbac.Hierarchy
	Tracker    *lockout.Tracker
	Enforcer   *rbac.Enforcer
	Middleware rbac.Middleware
	Audit      rbac.AuditHook
}

// AccessDeps are the collaborators needed by BuildAccess.
type AccessDeps struct {
	Config  *Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Queue   audit.Enqueuer
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// BuildAuditHook assembles the configured audit sinks into one hook.
func BuildAuditHook(cfg *Config, pool *pgxpool.Pool, queue audit.Enqueuer, logger *slog.Logger) rbac.AuditHook {
	var fan audit.Fanout
	for _, sink := range cfg.AuditSinks() {
		switch sink {
		case "log":
			fan = append(fan, audit.LogSink{Logger: logger})
		case "db":
			if pool != nil {
				fan = append(fan, audit.NewDBSink(pool, logger))
			}
		case "queue":
			if queue != nil {
				fan = append(fan, audit.NewQueueSink(queue, "", logger))
			}
		}
	}
	if len(fan) == 0 {
		return rbac.NopAudit
	}
	return fan
}

// BuildAccess wires policy store, calculator, cache, lockout and enforcer.
func BuildAccess(deps AccessDeps) *Access {
	cfg := deps.Config
	logger := deps.Logger
	hook := BuildAuditHook(cfg, deps.Pool, deps.Queue, logger)

	store := rbac.NewPGStore(deps.Pool)
	calc := rbac.NewCalculator(store, rbac.CalculatorConfig{
		SuperRole:    cfg.RBACSuperRole,
		StoreTimeout: cfg.RBACStoreTimeout,
	})
	var evaluator rbac.Evaluator = calc
	if cfg.RBACCacheEnabled {
		evaluator = rbac.NewVersionedCache(store, calc, cfg.RBACCacheTTL, cfg.RBACStoreTimeout, nil)
	}

	var lockStore lockout.Store = lockout.NewPGStore(deps.Pool)
	if cfg.LockoutBackend == "redis" && deps.Redis != nil {
		lockStore = lockout.NewRedisStore(deps.Redis, cfg.LockoutManualDuration+cfg.LockoutDuration)
	}
	metrics := deps.Metrics
	tracker := lockout.NewTracker(lockStore, lockout.Config{
		Threshold:      cfg.LockoutThreshold,
		Duration:       cfg.LockoutDuration,
		ManualDuration: cfg.LockoutManualDuration,
		Logger:         logger,
		OnLocked: func(ctx context.Context, principalID int64, until time.Time, manual bool) {
			metrics.ObserveLockout(manual)
			event := rbac.NewAuditEvent(rbac.AuditLocked, principalID, "user:"+strconv.FormatInt(principalID, 10))
			event.Meta = map[string]any{"locked_until": until.UTC().Format(time.RFC3339), "manual": manual}
			hook.Notify(ctx, event)
		},
	})

	var observer rbac.DecisionObserver
	if metrics != nil {
		observer = metrics
	}
	enforcer := rbac.NewEnforcer(rbac.EnforcerConfig{
		Evaluator: evaluator,
		Locks:     tracker,
		Audit:     hook,
		Logger:    logger,
		Observer:  observer,
	})

	return &Access{
		Store:      store,
		Calculator: calc,
		Evaluator:  evaluator,
		Hierarchy:  rbac.NewHierarchy(store, cfg.RBACSuperRole, cfg.RBACStoreTimeout, nil),
		Tracker:    tracker,
		Enforcer:   enforcer,
		Middleware: rbac.Middleware{Enforcer: enforcer, Logger: logger, MFAWindow: cfg.MFAStepUpWindow},
		Audit:      hook,
	}
}
