// Package cli provides the process entrypoints: the HTTP API server, the
// workflow worker pool, the scheduler's reconciliation/drain loop, and
// the maintenance task runner. Each is a subcommand of the same binary,
// sharing one configuration and logging setup.
//
// Usage:
//
//	r-data-core serve
//	r-data-core worker
//	r-data-core scheduler
//	r-data-core maintenance
package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"

	"github.com/r3e-forks/data-core/api"
	"github.com/r3e-forks/data-core/auth"
	"github.com/r3e-forks/data-core/cache"
	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/config"
	"github.com/r3e-forks/data-core/db"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/entitydef"
	"github.com/r3e-forks/data-core/entitystore"
	"github.com/r3e-forks/data-core/maintenance"
	"github.com/r3e-forks/data-core/permission"
	redisqueue "github.com/r3e-forks/data-core/queue/redis"
	"github.com/r3e-forks/data-core/scheduler"
	"github.com/r3e-forks/data-core/worker"
)

// Execute is the binary's single entry point: it dispatches to a
// subcommand by its first argument. With no subcommand it prints usage
// and exits non-zero.
func Execute() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		runServe(args)
	case "worker":
		runWorker(args)
	case "scheduler":
		runScheduler(args)
	case "maintenance":
		runMaintenance(args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: r-data-core <command>

commands:
  serve        run the HTTP API (definitions, entities, auth, workflows)
  worker       run the workflow run worker pool
  scheduler    run the cron reconciliation loop and fetch drainer
  maintenance  run the version purger and stale-run reporter on their cron schedules`)
}

// bootstrap holds everything every subcommand needs: configuration, a
// logger, and the handful of stores built from the administrative
// database connection. Subcommands build additional pieces (the cache,
// the queue, the entity engine) from this as needed.
type bootstrap struct {
	cfg        *config.AllConfig
	log        *common.ContextLogger
	gormStore  *db.GormStore
	pg         *db.PostgresDB
	roleRepo   *repository.GormRoleRepository
	defRepo    *db.GormDefinitionRepository
	wfRepo     *repository.GormWorkflowRepository
	runRepo    *repository.PostgresRunRepository
	userStore  *repository.GormUserStore
	cacheRepo  *repository.RedisRepository
	sharedCach *cache.Cache
}

func newBootstrap(serviceName string) (*bootstrap, error) {
	loader := config.NewConfigLoader("")
	cfg, err := loader.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:     cfg.Service.LogLevel,
		Format:    cfg.Service.LogFormat,
		Service:   serviceName,
		Version:   cfg.Service.Version,
		AddCaller: true,
	})
	clog := common.NewContextLogger(logger, map[string]interface{}{"service": serviceName})
	clog.WithFields(map[string]interface{}{
		"database_url": common.MaskSecret(cfg.DatabaseURL),
		"redis_url":    common.MaskSecret(cfg.Cache.RedisURL),
		"jwt_secret":   common.MaskSecret(cfg.Auth.JWTSecret),
	}).Info("configuration loaded")

	gormStore, err := db.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to administrative database: %w", err)
	}
	if err := gormStore.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pg, err := db.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting pgx pool: %w", err)
	}

	cacheRepo, err := repository.NewRedisRepository(cfg.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to cache redis: %w", err)
	}

	sharedCache, err := cache.New(cfg.Cache.LocalSize, cfg.Cache.DefaultTTL, true,
		cache.WithDistributed(cacheRepo),
		cache.WithLogger(clog),
	)
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	return &bootstrap{
		cfg:        cfg,
		log:        clog,
		gormStore:  gormStore,
		pg:         pg,
		roleRepo:   repository.NewGormRoleRepository(gormStore),
		defRepo:    db.NewGormDefinitionRepository(gormStore),
		wfRepo:     repository.NewGormWorkflowRepository(gormStore),
		runRepo:    repository.NewPostgresRunRepository(pg),
		userStore:  repository.NewGormUserStore(gormStore),
		cacheRepo:  cacheRepo,
		sharedCach: sharedCache,
	}, nil
}

func (b *bootstrap) close() {
	b.pg.Close()
	_ = b.gormStore.Close()
}

func (b *bootstrap) authService() auth.AuthService {
	return auth.NewAuthService(&auth.Config{
		JWTSecret:              b.cfg.Auth.JWTSecret,
		JWTExpiration:          b.cfg.Auth.JWTExpiry,
		RefreshTokenEnabled:    true,
		RefreshTokenExpiration: b.cfg.Auth.SessionExpiry,
		PasswordMinLength:      8,
		MaxFailedAttempts:      5,
		LockoutDuration:        15 * time.Minute,
	}, b.userStore)
}

func (b *bootstrap) entityDefService() *entitydef.Service {
	return entitydef.NewService(b.defRepo, db.NewDDLSchema(b.pg), b.sharedCach)
}

func (b *bootstrap) permissionService() *permission.Service {
	return permission.NewService(b.roleRepo, b.sharedCach, b.log)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	bs, err := newBootstrap("r-data-core-api")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer bs.close()

	defs := bs.entityDefService()
	store := entitystore.NewStore(bs.pg, defs)

	srv := &api.Server{
		Auth:        bs.authService(),
		Definitions: defs,
		Entities:    store,
		Permissions: bs.permissionService(),
		Workflows:   bs.wfRepo,
		Keys:        bs.roleRepo,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: bs.cfg.CORS.AllowedOrigins,
		AllowMethods: bs.cfg.CORS.AllowedMethods,
		AllowHeaders: bs.cfg.CORS.AllowedHeaders,
	}))

	srv.RegisterRoutes(e)

	q, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{RedisURL: bs.cfg.Cache.RedisURL})
	if err != nil {
		bs.log.WithError(err).Fatal("failed to connect to run-dispatch queue")
	}
	defer q.Close()

	engine := scheduler.NewEngine(bs.wfRepo, bs.runRepo, q, bs.cfg.Queue.FetchKey, bs.log)
	trigger := &scheduler.TriggerHandler{
		Workflows:  bs.wfRepo,
		Engine:     engine,
		Entities:   scheduler.NewEntityStoreResolver(store),
		Principals: scheduler.NewAuthPrincipalResolver(srv.Auth),
		ProcessKey: bs.cfg.Queue.ProcessKey,
		Log:        bs.log,
	}
	e.Any("/api/v1/workflows/:workflow/trigger", trigger.Handle)

	addr := fmt.Sprintf("%s:%d", bs.cfg.Server.Host, bs.cfg.Server.Port)
	go func() {
		bs.log.WithField("addr", addr).Info("starting API server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			bs.log.WithError(err).Fatal("server failed")
		}
	}()

	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), bs.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		bs.log.WithError(err).Error("error during shutdown")
	}
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	fs.Parse(args)

	bs, err := newBootstrap("r-data-core-worker")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer bs.close()

	defs := bs.entityDefService()
	store := entitystore.NewStore(bs.pg, defs)

	q, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{RedisURL: bs.cfg.Cache.RedisURL})
	if err != nil {
		bs.log.WithError(err).Fatal("failed to connect to run-dispatch queue")
	}
	defer q.Close()

	runner := &scheduler.Runner{
		Runs:       bs.runRepo,
		Workflows:  bs.wfRepo,
		Defs:       defs,
		Entities:   scheduler.NewEntityStoreResolver(store),
		Principals: scheduler.NewAuthPrincipalResolver(bs.authService()),
		Sink:       scheduler.NewEntityStoreResolver(store),
		BatchSize:  bs.cfg.Worker.BatchSize,
		Log:        bs.log,
	}

	pool := worker.NewPool(q, runner, worker.Config{
		PoolSize:      bs.cfg.Worker.PoolSize,
		ProcessKey:    bs.cfg.Queue.ProcessKey,
		ProcessingSet: bs.cfg.Queue.ProcessingSet,
	}, bs.log)

	pool.Start()
	bs.log.WithField("pool_size", bs.cfg.Worker.PoolSize).Info("worker pool started")

	waitForShutdown()
	pool.Stop()
}

func runScheduler(args []string) {
	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	fs.Parse(args)

	bs, err := newBootstrap("r-data-core-scheduler")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer bs.close()

	q, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{RedisURL: bs.cfg.Cache.RedisURL})
	if err != nil {
		bs.log.WithError(err).Fatal("failed to connect to run-dispatch queue")
	}
	defer q.Close()

	engine := scheduler.NewEngine(bs.wfRepo, bs.runRepo, q, bs.cfg.Queue.FetchKey, bs.log)
	drainer := &scheduler.Drainer{
		Engine:     engine,
		Workflows:  bs.wfRepo,
		ProcessKey: bs.cfg.Queue.ProcessKey,
		Log:        bs.log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx, bs.cfg.Scheduler.JobQueueUpdateInterval)
	go drainer.Run(ctx)

	bs.log.WithField("interval", bs.cfg.Scheduler.JobQueueUpdateInterval).Info("scheduler reconciliation loop started")

	waitForShutdown()
	cancel()
}

func runMaintenance(args []string) {
	fs := flag.NewFlagSet("maintenance", flag.ExitOnError)
	fs.Parse(args)

	bs, err := newBootstrap("r-data-core-maintenance")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer bs.close()

	q, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{RedisURL: bs.cfg.Cache.RedisURL})
	if err != nil {
		bs.log.WithError(err).Fatal("failed to connect to run-dispatch queue")
	}
	defer q.Close()

	purger := &maintenance.VersionPurger{Store: bs.gormStore, Log: bs.log}
	reporter := &maintenance.StaleReporter{Queue: q, ProcessingSet: bs.cfg.Queue.ProcessingSet, Log: bs.log}

	c := cron.New()
	if _, err := c.AddFunc(bs.cfg.Scheduler.VersionPurgerCron, func() {
		if err := purger.Run(context.Background()); err != nil {
			bs.log.WithError(err).Error("version purge failed")
		}
	}); err != nil {
		bs.log.WithError(err).Fatal("invalid version purger cron expression")
	}
	if _, err := c.AddFunc(bs.cfg.Scheduler.MaintenanceCron, func() {
		if err := reporter.Run(context.Background()); err != nil {
			bs.log.WithError(err).Error("stale run report failed")
		}
	}); err != nil {
		bs.log.WithError(err).Fatal("invalid maintenance cron expression")
	}

	c.Start()
	bs.log.Info("maintenance cron runner started")

	waitForShutdown()
	<-c.Stop().Done()
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
}
