package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/clock"
	"github.com/BrandonDHaskell/lockwarden/internal/config"
	"github.com/BrandonDHaskell/lockwarden/internal/db"
	"github.com/BrandonDHaskell/lockwarden/internal/directory"
	"github.com/BrandonDHaskell/lockwarden/internal/httpapi"
	"github.com/BrandonDHaskell/lockwarden/internal/lockapi"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/service"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store/sqlite"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
	"github.com/BrandonDHaskell/lockwarden/internal/mailer"
	"github.com/BrandonDHaskell/lockwarden/internal/retry"
)

const shutdownTimeout = 5 * time.Second

// Options controls one lockwarden process.
type Options struct {
	// ConfigPath is the YAML file; empty means DefaultConfigFilename if present.
	ConfigPath string
	// EnvPath is the dotenv file; empty means DefaultEnvFilename if present.
	EnvPath string
	// Once runs a single cycle and exits instead of scheduling.
	Once bool
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*overrides)

type overrides struct {
	clock     clock.Clock
	transport mailer.Transport
	http      *http.Client
}

func WithClock(c clock.Clock) Option {
	return func(o *overrides) { o.clock = c }
}

// WithMailTransport replaces the SMTP transport.
func WithMailTransport(t mailer.Transport) Option {
	return func(o *overrides) { o.transport = t }
}

// WithHTTPClient sets the client used for the lock cloud.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *overrides) { o.http = hc }
}

// App is a fully wired lockwarden instance.
type App struct {
	cfg    config.Config
	conn   *sql.DB
	writer *db.Worker

	cycle *service.Cycle
	sweep *service.CleanupSweep
	query *service.StrikeQuery

	// sweepSeparate is set when the sweep has its own cron schedule and is
	// therefore not part of every cycle.
	sweepSeparate bool

	last atomic.Pointer[service.CycleReport]
}

// Run loads configuration, wires the application and either runs one cycle
// or schedules cycles until ctx is cancelled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "lockwarden")

	cfg, err := config.Load(opts.ConfigPath, opts.EnvPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, ok := logger.ParseLevel(cfg.LogLevel); ok {
		logger.SetLevel(lvl)
	} else {
		logger.WarnKV(ctx, "Unknown log level, keeping default", "log_level", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Once {
		return a.RunOnce(ctx).Err()
	}
	return a.Serve(ctx)
}

// New builds every component from cfg. The caller must Close the App.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.System{}
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open strike database: %w", err)
	}
	writer := db.NewWorker(conn)
	strikes := sqlite.NewStrikeStore(conn, writer)

	a := &App{cfg: cfg, conn: conn, writer: writer}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	rfidLocations := cfg.Cloud.RFIDLocations
	if len(rfidLocations) == 0 {
		rfidLocations = cfg.Monitoring.WhitelistLocations
	}
	cloud, err := lockapi.New(lockapi.Config{
		BaseURL:           cfg.Cloud.BaseURL,
		Email:             cfg.Cloud.Email,
		Password:          cfg.Cloud.Password,
		Timeout:           cfg.Cloud.Timeout,
		RequestsPerSecond: cfg.Cloud.RequestsPerSecond,
		Burst:             cfg.Cloud.Burst,
		RFIDLocations:     rfidLocations,
		HTTPClient:        o.http,
		Clock:             o.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("lock cloud client: %w", err)
	}

	schema, err := directory.NewSchema(cfg.Directory.Worksheets, directory.Columns(cfg.Directory.Columns))
	if err != nil {
		return nil, err
	}
	dir, err := directory.Open(cfg.Directory.Path, schema, directory.Options{
		GuestMarker: cfg.Directory.GuestMarker,
		EmailDomain: cfg.Directory.EmailDomain,
	})
	if err != nil {
		return nil, err
	}

	notifier, err := newNotifier(cfg.Mail, o.transport)
	if err != nil {
		return nil, err
	}

	terminal, err := service.ParseTerminalPolicy(cfg.Strikes.TerminalPolicy)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	a.sweep = service.NewCleanupSweep(strikes, cfg.Strikes.CleanupDays, o.clock)
	a.sweepSeparate = cfg.CleanupSchedule != ""
	a.query = service.NewStrikeQuery(strikes, o.clock)

	cc := service.CycleConfig{
		Units:  cfg.Monitoring.MonitoredUnits,
		Source: cloud,
		Detector: service.NewViolationDetector(service.DetectorConfig{
			MonitoredUnits:     cfg.Monitoring.MonitoredUnits,
			WhitelistLocations: cfg.Monitoring.WhitelistLocations,
			ViolationAfter:     time.Duration(cfg.Monitoring.ViolationHours) * time.Hour,
		}),
		Engine: service.NewStrikeEngine(strikes, dir, service.StrikePolicy{
			Cooldown: time.Duration(cfg.Strikes.CooldownHours) * time.Hour,
			Terminal: terminal,
		}),
		Executor: service.NewActionExecutor(service.ExecutorConfig{
			Notifier: notifier,
			Revoker:  cloud,
			Remover:  dir,
			Retry:    policy,
			Clock:    o.clock,
		}),
		Clock:        o.clock,
		Retry:        policy,
		FetchTimeout: cfg.Cloud.Timeout,
	}
	if !a.sweepSeparate {
		cc.Sweep = a.sweep
	}
	a.cycle = service.NewCycle(cc)

	logger.InfoKV(ctx, "Lockwarden ready",
		"db_path", cfg.DBPath,
		"units", len(cfg.Monitoring.MonitoredUnits),
		"directory", cfg.Directory.Path,
		"terminal_policy", terminal)

	ok = true
	return a, nil
}

func newNotifier(mc config.Mail, t mailer.Transport) (*mailer.SMTPSender, error) {
	loc := time.Local
	if mc.Timezone != "" {
		l, err := time.LoadLocation(mc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("mail timezone: %w", err)
		}
		loc = l
	}

	var templates fs.FS = mailer.DefaultTemplates()
	if mc.TemplateDir != "" {
		templates = os.DirFS(mc.TemplateDir)
	}
	r, err := mailer.NewRenderer(templates, loc)
	if err != nil {
		return nil, fmt.Errorf("load mail templates: %w", err)
	}

	cfg := mailer.Config{
		Host:                 mc.Host,
		Port:                 mc.Port,
		Username:             mc.Username,
		Password:             mc.Password,
		TLS:                  mc.TLS,
		Timeout:              mc.Timeout,
		From:                 mc.From,
		FromName:             mc.FromName,
		TestMode:             mc.TestMode,
		TestRecipient:        mc.TestRecipient,
		UnknownCardRecipient: mc.UnknownCardRecipient,
	}
	if t != nil {
		return mailer.NewSender(cfg, r, t), nil
	}
	s, err := mailer.NewSMTPSender(cfg, r)
	if err != nil {
		return nil, fmt.Errorf("smtp sender: %w", err)
	}
	return s, nil
}

// Strikes exposes the read-only strike view.
func (a *App) Strikes() *service.StrikeQuery { return a.query }

// LastCycle returns the most recent finished cycle, nil before the first.
func (a *App) LastCycle() *service.CycleReport { return a.last.Load() }

func (a *App) record(r service.CycleReport) {
	a.last.Store(&r)
}

// RunOnce runs one cycle followed by the cleanup sweep.
func (a *App) RunOnce(ctx context.Context) service.CycleReport {
	r := a.cycle.Run(ctx)
	if a.sweepSeparate {
		r.Cleaned, r.CleanupErr = a.sweep.Run(ctx)
		if r.CleanupErr != nil {
			logger.ErrorKV(ctx, "Strike cleanup failed", "error", r.CleanupErr)
		}
	}
	a.record(r)
	return r
}

// Serve schedules cycles and, when http_addr is set, serves the status API.
// It blocks until ctx is cancelled or the HTTP server fails.
func (a *App) Serve(ctx context.Context) error {
	sched, err := service.NewScheduler(a.cycle, a.sweep, service.SchedulerConfig{
		Schedule:        a.cfg.Schedule,
		CleanupSchedule: a.cfg.CleanupSchedule,
		RunOnStart:      a.cfg.RunOnStart,
		OnReport:        a.record,
	})
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.InfoKV(ctx, "Next cycle scheduled", "at", sched.Next())

	errCh := make(chan error, 1)
	if a.cfg.HTTPAddr != "" {
		srv := httpapi.NewServer(httpapi.Dependencies{
			Addr:      a.cfg.HTTPAddr,
			Strikes:   a.query,
			LastCycle: a.LastCycle,
		})

		go func() {
			logger.InfoKV(ctx, "Status API listening", "addr", srv.Addr())
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("status api: %w", err)
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Shutting down")
		return nil
	case err := <-errCh:
		logger.ErrorKV(ctx, "Status API failed", "error", err)
		return err
	}
}

// Close releases the database. Safe to call more than once.
func (a *App) Close() {
	if a.writer != nil {
		a.writer.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// OpenStrikes opens the strike database without any collaborators, for
// operator commands. The returned func closes it.
func OpenStrikes(ctx context.Context, dbPath string) (*service.StrikeQuery, func(), error) {
	conn, err := db.Open(ctx, db.Config{Path: dbPath})
	if err != nil {
		return nil, nil, fmt.Errorf("open strike database: %w", err)
	}
	writer := db.NewWorker(conn)
	q := service.NewStrikeQuery(sqlite.NewStrikeStore(conn, writer), clock.System{})
	return q, func() {
		writer.Close()
		_ = conn.Close()
	}, nil
}
