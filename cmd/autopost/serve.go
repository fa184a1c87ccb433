package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
	_ "modernc.org/sqlite"

	"autopost/internal/api"
	"autopost/internal/config"
	"autopost/internal/publish"
	"autopost/internal/queue"
	"autopost/internal/scheduler"
	"autopost/internal/worker"
)

var debugHTTP bool

var serveFlags = []cli.Flag{
	configFlag,
	cli.BoolFlag{
		Name:        "debug",
		Usage:       "expose pprof handlers under /debug/pprof",
		Destination: &debugHTTP,
	},
}

func loadConfig(fs afero.Fs) (*config.Config, config.Settings, error) {
	cfg, err := config.Load(fs, configPath)
	if err != nil {
		return nil, config.Settings{}, err
	}
	set, err := cfg.Settings()
	if err != nil {
		return nil, config.Settings{}, err
	}
	setupLogging(cfg.Logging, set.LogLevel)
	return cfg, set, nil
}

// openStore connects to the configured database and makes sure the schema
// exists. The returned func releases the connection.
func openStore(ctx context.Context, cfg config.StorageConfig, busy time.Duration) (queue.Repository, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := queue.EnsurePgSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return queue.NewPgxRepo(pool), pool.Close, nil
	default:
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
			cfg.Path, busy.Milliseconds())
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		if err := queue.EnsureSchema(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return queue.NewSQLiteRepo(db), func() { _ = db.Close() }, nil
	}
}

func migrate(c *cli.Context) error {
	cfg, set, err := loadConfig(afero.NewOsFs())
	if err != nil {
		return err
	}
	_, closeStore, err := openStore(context.Background(), cfg.Storage, set.BusyTimeout)
	if err != nil {
		return err
	}
	closeStore()
	log.Info().Str("driver", cfg.Storage.Driver).Msg("schema ready")
	return nil
}

func serve(c *cli.Context) error {
	fs := afero.NewOsFs()
	cfg, set, err := loadConfig(fs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg.Storage, set.BusyTimeout)
	if err != nil {
		return err
	}
	defer closeStore()

	if n, err := repo.RecoverStale(ctx, time.Now(), set.ClaimTimeout); err != nil {
		log.Warn().Err(err).Msg("failed to recover stale claims")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale claims")
	}

	pub, err := publish.NewTelegram(cfg.Telegram.Token, cfg.Telegram.RatePerSec, set.SendTimeout)
	if err != nil {
		return err
	}
	deliverer := worker.NewDeliverer(repo, pub, set.Clock, worker.Options{
		ClaimTimeout: set.ClaimTimeout,
		SendTimeout:  set.SendTimeout,
	})
	pool := worker.NewPool(deliverer, cfg.Workers, cfg.QueueSize)
	sched := scheduler.NewService(repo, pool, scheduler.Options{
		Interval:     set.ScanInterval,
		ClaimTimeout: set.ClaimTimeout,
	})
	handler := api.NewServer(repo, api.Options{Clock: set.Clock, Grace: set.Grace, Debug: debugHTTP})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, fs, configPath, cfg, func(nc *config.Config) {
				applyReload(nc, sched, deliverer, handler)
			})
			if err != nil {
				log.Warn().Err(err).Msg("config hot reload disabled")
			}
		}()
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	} else if ok {
		log.Debug().Msg("notified systemd")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	wg.Wait()
	return nil
}

// applyReload pushes the settings that can change at runtime. Storage,
// workers, timezone, the bot token and the HTTP address need a restart.
func applyReload(cfg *config.Config, sched *scheduler.Service, d *worker.Deliverer, h *api.Server) {
	set, err := cfg.Settings()
	if err != nil {
		log.Warn().Err(err).Msg("reloaded config rejected")
		return
	}
	sched.Apply(scheduler.Options{Interval: set.ScanInterval, ClaimTimeout: set.ClaimTimeout})
	d.SetClaimTimeout(set.ClaimTimeout)
	h.SetGrace(set.Grace)
	zerolog.SetGlobalLevel(set.LogLevel)
	log.Info().
		Dur("scan_interval", set.ScanInterval).
		Dur("claim_timeout", set.ClaimTimeout).
		Dur("grace_window", set.Grace.Window).
		Msg("runtime settings applied")
}
