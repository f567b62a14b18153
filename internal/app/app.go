// Package app wires the treatment plan engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"plant-treatment-planner/internal/catalog"
	"plant-treatment-planner/internal/config"
	"plant-treatment-planner/internal/database"
	"plant-treatment-planner/internal/metrics"
	"plant-treatment-planner/internal/objects"
	"plant-treatment-planner/internal/planner"
	"plant-treatment-planner/internal/session"
	"plant-treatment-planner/internal/users"
	"plant-treatment-planner/internal/wizard"
)

// ErrRemoteSessions is returned for maintenance that only the session service can run.
var ErrRemoteSessions = errors.New("sessions are stored by the remote session service")

// App holds the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB

	Users    *users.Repository
	Objects  *objects.Repository
	Plans    *planner.PlanRepository
	Products *catalog.ProductStore
	Sessions *session.Repository
	Metrics  *metrics.Store
	Recorder *metrics.Recorder
	Binder   *objects.Binder

	sqliteSessions *session.SQLiteBackend
	finalizer      *planner.Finalizer
}

// New opens the database and builds every engine component.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rules := catalog.DefaultRules()
	if cfg.CatalogRulesPath != "" {
		r, err := catalog.LoadRulesFile(cfg.CatalogRulesPath)
		if err != nil {
			return nil, err
		}
		rules = r
	}

	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		Users:    users.NewRepository(db.SQL),
		Objects:  objects.NewRepository(db.SQL),
		Plans:    planner.NewPlanRepository(db.SQL),
		Products: catalog.NewProductStore(db.SQL),
		Metrics:  metrics.NewStore(db.SQL),
	}

	// The one place that chooses where sessions live.
	var backend session.Backend
	switch cfg.SessionBackend {
	case config.BackendRemote:
		backend = session.NewRemoteBackend(cfg.SessionServiceURL, []byte(cfg.SessionServiceSecret), &http.Client{Timeout: 10 * time.Second})
	default:
		a.sqliteSessions = session.NewSQLiteBackend(db.SQL)
		backend = a.sqliteSessions
	}
	a.Sessions = session.NewRepository(backend, cfg.SessionTTL, logger)

	a.Recorder, err = metrics.NewRecorder(a.Metrics, prometheus.NewRegistry(), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.Binder = objects.NewBinder(a.Objects, a.Users, logger)
	generator := planner.NewStageGenerator(catalog.NewService(rules, a.Products), logger)
	a.finalizer = planner.NewFinalizer(a.Objects, a.Plans, generator, logger)

	logger.Info("engine initialized", "session_backend", cfg.SessionBackend, "database", cfg.DatabasePath)
	return a, nil
}

// NewController builds a wizard controller that talks to users through gw.
func (a *App) NewController(gw wizard.Gateway) *wizard.Controller {
	return wizard.NewController(wizard.Deps{
		Sessions:  a.Sessions,
		Users:     a.Users,
		Objects:   a.Objects,
		Binder:    a.Binder,
		Finalizer: a.finalizer,
		Gateway:   gw,
		Recorder:  a.Recorder,
		Logger:    a.logger,
	}, wizard.Config{
		ConfidenceThreshold: a.cfg.ConfidenceThreshold,
		ConfirmSingleObject: a.cfg.ConfirmSingleObject,
	})
}

// ImportRegistry loads a product registry page from a URL or a local HTML file.
func (a *App) ImportRegistry(ctx context.Context, source string) (int, error) {
	var (
		products []catalog.Product
		err      error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		products, err = catalog.FetchRegistry(ctx, source)
	} else {
		var f *os.File
		f, err = os.Open(source)
		if err != nil {
			return 0, fmt.Errorf("failed to open registry file: %w", err)
		}
		defer f.Close()
		products, err = catalog.ParseRegistryHTML(f)
	}
	if err != nil {
		return 0, err
	}

	n, err := a.Products.Upsert(ctx, products)
	if err != nil {
		return 0, err
	}
	a.logger.Info("product registry imported", "source", source, "parsed", len(products), "stored", n)
	return n, nil
}

// CleanupSessions deletes sessions past the retention window from the embedded backend.
func (a *App) CleanupSessions(ctx context.Context) (int64, error) {
	if a.sqliteSessions == nil {
		return 0, ErrRemoteSessions
	}
	return a.sqliteSessions.CleanupExpired(ctx, a.Sessions.Now(), a.cfg.SessionRetention)
}

// Close releases the database.
func (a *App) Close() error {
	return a.db.Close()
}
