package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/assetdesk/assetdesk/cmd/assetdesk/cli"
	"github.com/assetdesk/assetdesk/internal/app"
	"github.com/assetdesk/assetdesk/internal/audit"
	audithttp "github.com/assetdesk/assetdesk/internal/audit/http"
	"github.com/assetdesk/assetdesk/internal/auth"
	"github.com/assetdesk/assetdesk/internal/observability"
	"github.com/assetdesk/assetdesk/internal/platform/cache"
	"github.com/assetdesk/assetdesk/internal/platform/db"
	"github.com/assetdesk/assetdesk/internal/rbac"
	"github.com/assetdesk/assetdesk/internal/roles"
	"github.com/assetdesk/assetdesk/internal/shared"
	"github.com/assetdesk/assetdesk/internal/users"
	"github.com/assetdesk/assetdesk/jobs"
)

const usage = `usage: assetdesk [command]

commands:
  serve                         run the HTTP server (default)
  jobs trigger <task>           enqueue a job (rbac:expiry-sweep)
  jobs inspect [queue]          print queue counters
  jobs replay-audit             re-run archived audit:record tasks
  explain <user-id> [key]       print effective permissions and lock state
  unlock <user-id>              clear a user's lockout
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "jobs":
		err = runJobs(ctx, cfg, args)
	case "explain", "unlock":
		err = runAccess(ctx, cfg, logger, cmd, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := jobs.NewClient(redisOpts)
	defer queue.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	metrics := observability.NewMetrics()
	access := app.BuildAccess(app.AccessDeps{
		Config:  cfg,
		Pool:    pool,
		Redis:   redisClient,
		Queue:   queue,
		Logger:  logger,
		Metrics: metrics,
	})

	sessions := shared.NewSessionManager(redisClient, "assetdesk_session", cfg.SessionTTL, cfg.IsProduction())

	authService := auth.NewService(auth.NewRepository(pool), access.Tracker, cfg.MFAIssuer, logger)
	authHandler := auth.NewHandler(logger, authService, sessions, access.Evaluator, cfg.LoginLimit)

	permissionsHandler := rbac.NewPermissionsHandler(logger, rbac.NewAdminService(access.Store, access.Audit), access.Middleware)
	rolesHandler := roles.NewHandler(logger, roles.NewService(access.Store, access.Hierarchy, access.Audit), access.Middleware)
	usersService := users.NewService(users.NewRepository(pool), access.Store, access.Evaluator, access.Tracker, access.Hierarchy, access.Audit)
	usersHandler := users.NewHandler(logger, usersService, access.Middleware)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(pool)), access.Middleware)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessions,
		AuthHandler:        authHandler,
		PermissionsHandler: permissionsHandler,
		RolesHandler:       rolesHandler,
		UsersHandler:       usersHandler,
		AuditHandler:       auditHandler,
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
		Health: map[string]app.Pinger{
			"postgres": pool,
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("jobs: missing subcommand")
	}
	jc := cli.NewJobsCLI(cfg.RedisAddr)
	defer jc.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: missing task name")
		}
		info, err := jc.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "inspect":
		queue := ""
		if len(args) > 1 {
			queue = args[1]
		}
		stats, err := jc.InspectQueue(ctx, queue)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	case "replay-audit":
		n, err := jc.ReplayArchivedAudit(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "replayed %d audit tasks\n", n)
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
	return nil
}

func runAccess(ctx context.Context, cfg *app.Config, logger *slog.Logger, cmd string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%s: missing user id", cmd)
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	deps := app.AccessDeps{Config: cfg, Pool: pool, Logger: logger}
	if cfg.LockoutBackend == "redis" {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		deps.Redis = redisClient
	}
	access := app.BuildAccess(deps)
	c := &cli.AccessCLI{Evaluator: access.Calculator, Locks: access.Tracker, Out: os.Stdout}

	if cmd == "unlock" {
		return c.Unlock(ctx, args[0])
	}
	key := ""
	if len(args) > 1 {
		key = args[1]
	}
	return c.Explain(ctx, args[0], key)
}
