// Package server wires the stores and services together and runs the HTTP
// API with its background maintenance loop until a signal arrives.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/metrics"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/server/httpapi"
	"github.com/dmitrijs2005/gophsync/internal/server/ratelimit"
	"github.com/dmitrijs2005/gophsync/internal/server/services"
	"github.com/dmitrijs2005/gophsync/internal/server/session"
	"github.com/dmitrijs2005/gophsync/internal/timex"
	"github.com/redis/go-redis/v9"
)

// throttleIdle is how long a client address stays in the HTTP throttle
// table without traffic.
const throttleIdle = 10 * time.Minute

type App struct {
	config   *config.Config
	logger   logging.Logger
	core     *Core
	redis    *redis.Client
	limiter  *ratelimit.Limiter
	sessions *session.Manager
	http     *httpapi.Server
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.NewZapLogger(c.LogLevel)

	core, err := OpenCore(ctx, c, logger)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		core.Close(ctx)
		return nil, fmt.Errorf("redis init error: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfig(), ratelimit.NewRedisStore(rdb),
		timex.SystemClock{}, logger, core.Metrics)

	scfg := session.DefaultConfig([]byte(c.SecretKey))
	scfg.MaxDuration = c.SessionMaxDuration
	scfg.InactivityTimeout = c.SessionInactivity
	mgr := session.NewManager(scfg, core.Repos.Sessions(core.DB),
		session.WithLogger(logger),
		session.WithRecorder(core.Metrics),
	)

	accounts := services.NewAccountService(core.Identities, core.Profiles, core.Verifier, limiter, mgr,
		services.WithAccountLogger(logger),
		services.WithAccountExecutor(core.Stores))
	admin := services.NewAdminService(core.Identities, core.Profiles, core.Checker, core.Reconciler, core.Runner, logger)

	srv := httpapi.NewServer(httpapi.Config{
		Address:           c.HTTPAddr,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		RequestsPerMinute: c.RequestsPerMinute,
		Burst:             c.RequestBurst,
	}, logger, accounts, admin, mgr, metrics.Handler(core.Registry))

	return &App{
		config:   c,
		logger:   logger,
		core:     core,
		redis:    rdb,
		limiter:  limiter,
		sessions: mgr,
		http:     srv,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.http.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// maintain prunes attempt records, sweeps expired sessions and forgets idle
// throttle entries every MaintenanceInterval.
func (app *App) maintain(ctx context.Context) {
	every := app.config.MaintenanceInterval
	if every <= 0 {
		every = 5 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			app.runMaintenance(ctx)
		}
	}
}

func (app *App) runMaintenance(ctx context.Context) {
	stats, err := app.limiter.Cleanup(ctx)
	if err != nil {
		app.logger.Warn(ctx, "attempt cleanup failed", "error", err.Error())
	} else if stats.Deleted > 0 || stats.Pruned > 0 {
		app.logger.Info(ctx, "attempt cleanup", "scanned", stats.Scanned, "pruned", stats.Pruned, "deleted", stats.Deleted)
	}

	n, err := app.sessions.Sweep(ctx)
	if err != nil {
		app.logger.Warn(ctx, "session sweep failed", "error", err.Error())
	} else if n > 0 {
		app.logger.Info(ctx, "expired sessions removed", "count", n)
	}

	if th := app.http.Throttle(); th != nil {
		th.Cleanup(throttleIdle)
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.maintain(ctx)
	}()

	wg.Wait()

	app.sessions.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.redis.Close(); err != nil {
		app.logger.Warn(shutdownCtx, "redis close failed", "error", err.Error())
	}
	if err := app.core.Close(shutdownCtx); err != nil {
		app.logger.Warn(shutdownCtx, "closing stores failed", "error", err.Error())
	}
	app.logger.Info(shutdownCtx, "App stopped")
}
