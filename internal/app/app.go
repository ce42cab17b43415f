package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/medrelay/internal/config"
	"github.com/medrelay/internal/mailer"
	"github.com/medrelay/internal/notify"
	"github.com/medrelay/internal/sms"
	"github.com/medrelay/internal/staging"
	"github.com/medrelay/internal/store"
	"golang.org/x/sync/errgroup"
)

// sql driver names registered by the blank imports above
var sqlDrivers = map[string]string{
	"mysql":    "mysql",
	"postgres": "pgx",
	"sqlite":   "sqlite",
}

type App struct {
	config     *config.Config
	logger     *slog.Logger
	db         *sql.DB
	patients   *store.PatientStore
	stager     *staging.Stager
	dispatcher *notify.Dispatcher
}

func (app *App) Close() {
	app.db.Close()
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	stager, err := staging.New(cfg.UploadDir, cfg.ScrubImages, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	m := mailer.New(&mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
	}, logger)
	if !m.Configured() {
		logger.Warn("SMTP not configured, emails will be logged instead of sent")
	}

	smsClient := sms.NewClient(sms.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		BaseURL:    cfg.TwilioAPIBase,
	})
	if !cfg.SMSConfigured() {
		logger.Warn("Twilio not configured, SMS requests will fail")
	}

	return &App{
		config:     cfg,
		logger:     logger,
		db:         db,
		patients:   store.NewPatientStore(db, cfg.DBDriver, cfg.DBTable, cfg.DBIDColumn),
		stager:     stager,
		dispatcher: notify.NewDispatcher(m, smsClient, stager, cfg.TwilioPhoneNumber, logger),
	}, nil
}

func (app *App) Start(ctx context.Context) error {
	// Create an errgroup derived from the parent context
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", app.config.Port),
		Handler:      app.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
		ErrorLog:     slog.NewLogLogger(app.logger.Handler(), slog.LevelError),
	}

	if app.config.UploadTTL > 0 {
		app.stager.StartJanitor(gctx, janitorInterval(app.config.UploadTTL), app.config.UploadTTL)
	}

	g.Go(func() error {
		app.logger.Info("starting server", "addr", srv.Addr, "env", app.config.Env, "db_driver", app.config.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done() // Wait for OS signal or the listener to fail

		app.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	app.logger.Info("stopped server")
	return nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	driver, ok := sqlDrivers[cfg.DBDriver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", cfg.DBDriver)
	}

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBDriver, err)
	}

	if cfg.DBDriver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.DBDriver, err)
	}
	return db, nil
}

func janitorInterval(ttl time.Duration) time.Duration {
	return max(min(ttl/4, time.Hour), time.Minute)
}

func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo

	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
