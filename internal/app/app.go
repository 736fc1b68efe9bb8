package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"coinrate-alerts/internal/alerting"
	"coinrate-alerts/internal/config"
	"coinrate-alerts/internal/fetcher"
	"coinrate-alerts/internal/httpapi"
	"coinrate-alerts/internal/scheduler"
	"coinrate-alerts/internal/service"
	"coinrate-alerts/internal/settings"
	"coinrate-alerts/internal/storage"
	"coinrate-alerts/internal/tracker"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives table output from the inspection commands.
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newScraper() fetcher.Scraper {
	return fetcher.NewRateClient(fetcher.RateOptions{
		BaseURL:           a.Config.Scraper.BaseURL,
		Timeout:           a.Config.Scraper.RequestTimeout,
		UserAgent:         a.Config.Scraper.UserAgent,
		RequestsPerSecond: a.Config.Scraper.RequestsPerSecond,
		Burst:             a.Config.Scraper.Burst,
	}, a.Logger)
}

func (a *App) newSender() alerting.Sender {
	if a.Config.Email.Enabled {
		cfg := a.Config.Email
		return alerting.NewEmailJSSender(alerting.EmailJSOptions{
			APIURL:     cfg.APIURL,
			ServiceID:  cfg.ServiceID,
			TemplateID: cfg.TemplateID,
			PublicKey:  cfg.PublicKey,
			PrivateKey: cfg.PrivateKey,
			Timeout:    cfg.Timeout,
		}, a.Logger)
	}
	a.Logger.Warn().Msg("email.enabled 未开启，通知只会写入日志")
	return alerting.NewLogSender(a.Logger)
}

func (a *App) newSettings() settings.Store {
	return settings.NewFileStore(a.Config.Monitor.SettingsPath, a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store")
		}
	}
	return store, closer, nil
}

// components is the wired object graph shared by run, serve and check.
type components struct {
	store     storage.Store
	conductor *service.Conductor
	service   *service.Service
}

func (a *App) build(store storage.Store, sched *scheduler.Scheduler, scraper fetcher.Scraper, sender alerting.Sender) *components {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	guard := service.NewGuard(locker, a.Config.Scheduler.AdvisoryLockKey, a.Logger)

	conductor := service.NewConductor(a.newSettings(), store, store, scraper, sender, service.ConductorOptions{
		Concurrency: a.Config.Scraper.Concurrency,
	}, a.Logger)

	svc := service.New(sched, guard, conductor, store, store, service.Options{
		ObservationRetention: a.Config.Monitor.ObservationRetention,
		HistoryLimit:         a.Config.Monitor.HistoryLimit,
	}, a.Logger)

	return &components{store: store, conductor: conductor, service: svc}
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
}

// Run executes the long-running monitoring service without the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c := a.build(store, a.newScheduler(), a.newScraper(), a.newSender())

	a.Logger.Info().Msg("starting monitoring service")
	err = c.service.Run(ctx)
	c.service.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// Serve runs the scheduler loop and the HTTP API together.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c := a.build(store, a.newScheduler(), a.newScraper(), a.newSender())
	tr := tracker.New(a.Logger)
	server := httpapi.New(ctx, c.service, tr, store, httpapi.Options{
		Addr:            a.Config.Server.Addr,
		AllowedOrigins:  a.Config.Server.AllowedOrigins,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
		HistoryLimit:    a.Config.Monitor.HistoryLimit,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.service.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	err = g.Wait()
	c.service.Wait()
	if err != nil {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

// CheckOptions configure a one-off manual run.
type CheckOptions struct {
	PollInterval time.Duration
}

// Check performs one manual monitoring run and prints progress while it
// executes.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	c := a.build(store, nil, a.newScraper(), a.newSender())
	tr := tracker.New(a.Logger)

	if _, err := c.service.StartManual(ctx, tr); err != nil {
		return err
	}

	last := ""
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		snap := tr.Status()
		last = a.printLogs(snap.Logs, last)
		if !snap.Running {
			c.service.Wait()
			return a.checkOutcome(snap)
		}
		select {
		case <-ctx.Done():
			c.service.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExportOptions hold parameters for exporting observations.
type ExportOptions struct {
	Key       string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit int
}
