// Package app initializes and holds long-lived application services,
// acting as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/api"
	"github.com/placemerge/placemerge/internal/clock/system"
	"github.com/placemerge/placemerge/internal/config"
	"github.com/placemerge/placemerge/internal/describe"
	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/dispatcher"
	"github.com/placemerge/placemerge/internal/export"
	"github.com/placemerge/placemerge/internal/geocode"
	"github.com/placemerge/placemerge/internal/hash/sha256"
	iduuid "github.com/placemerge/placemerge/internal/id/uuid"
	"github.com/placemerge/placemerge/internal/logging"
	"github.com/placemerge/placemerge/internal/match"
	"github.com/placemerge/placemerge/internal/merge"
	"github.com/placemerge/placemerge/internal/metrics"
	"github.com/placemerge/placemerge/internal/normalize"
	"github.com/placemerge/placemerge/internal/ratelimit"
	"github.com/placemerge/placemerge/internal/robots"
	"github.com/placemerge/placemerge/internal/schedule"
	"github.com/placemerge/placemerge/internal/source/static"
	memorystore "github.com/placemerge/placemerge/internal/store/memory"
	pgstore "github.com/placemerge/placemerge/internal/store/postgres"
	"github.com/placemerge/placemerge/internal/taxonomy"
	"github.com/placemerge/placemerge/internal/worker"
)

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      directory.Store
	closeStore func()
	tax        *taxonomy.Taxonomy
	engine     *merge.Engine
	robots     *robots.Cache
	sched      *schedule.Scheduler
	limiter    *ratelimit.Limiter
	adapters   map[string]directory.SourceAdapter
	workers    []*worker.Worker
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	exporter   *export.Exporter
}

// New builds the full service graph from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	runID, err := iduuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run", runID))
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, tax: taxonomy.Default()}

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildPipeline(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: int32(a.cfg.Database.MaxOpenConns),
			MinConns: int32(a.cfg.Database.MinOpenConns),
		})
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.store = pg
		a.closeStore = pg.Close
	default:
		a.store = memorystore.New()
		a.closeStore = func() {}
	}
	return nil
}

func (a *App) buildPipeline() error {
	clock := system.New()
	hasher := sha256.New()
	norm := normalize.New(a.tax)

	sources := make(map[string]directory.SourceInfo, len(a.cfg.Sources))
	a.adapters = make(map[string]directory.SourceAdapter, len(a.cfg.Sources))
	for _, sc := range a.cfg.Sources {
		info := directory.SourceInfo{
			ID:          sc.ID,
			Domain:      sc.Domain,
			Kind:        parseSourceKind(sc.Kind),
			MinInterval: sc.MinInterval(),
		}
		sources[info.ID] = info
		if sc.File != "" {
			adapter, err := static.FromFile(info, sc.File)
			if err != nil {
				return fmt.Errorf("load source %s: %w", sc.ID, err)
			}
			a.adapters[info.ID] = adapter
		}
	}

	a.engine = merge.New(a.store, sources, clock, a.logger)
	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Crawl.DefaultRPS,
		DefaultBurst: a.cfg.Crawl.DefaultBurst,
	})
	a.robots = robots.New(robots.Config{
		UserAgent: a.cfg.Crawl.UserAgent,
		TTL:       a.cfg.Crawl.RobotsTTL(),
	}, clock, a.logger)
	a.sched = schedule.New(schedule.Config{
		MaxFailures: a.cfg.Crawl.MaxFailures,
		BackoffBase: a.cfg.Crawl.BackoffBase(),
		BackoffMax:  a.cfg.Crawl.BackoffMax(),
	}, a.robots, clock, a.logger)
	for _, info := range sources {
		a.sched.Register(info)
	}

	matcher := match.New(a.tax, match.Config{
		NameWeight:      a.cfg.Match.NameWeight,
		ProximityWeight: a.cfg.Match.ProximityWeight,
		CategoryWeight:  a.cfg.Match.CategoryWeight,
		MergeThreshold:  a.cfg.Match.MergeThreshold,
		ReviewThreshold: a.cfg.Match.ReviewThreshold,
	}, a.logger)

	geocoder, err := a.buildGeocoder()
	if err != nil {
		return err
	}
	describer, err := a.buildDescriber()
	if err != nil {
		return err
	}

	workerCfg := worker.Config{PollInterval: a.cfg.Crawl.PollInterval()}
	for i := 0; i < a.cfg.Crawl.Concurrency; i++ {
		a.workers = append(a.workers, worker.New(
			a.sched,
			a.adapters,
			a.limiter,
			norm,
			geocoder,
			matcher,
			a.engine,
			a.store,
			hasher,
			describer,
			workerCfg,
			a.logger.With(zap.Int("worker", i)),
		))
	}
	a.dispatch = dispatcher.New(a.workers)

	a.apiServer = api.NewServer(a.store, a.sched, a.robots, api.Config{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.TimeoutSeconds) * time.Second,
	}, a.logger)
	a.exporter = export.New(a.store, clock, a.logger)
	return nil
}

func (a *App) buildGeocoder() (directory.Geocoder, error) {
	var inner directory.Geocoder = geocode.Noop{}
	if a.cfg.Geocode.TableFile != "" {
		tableAdapter, err := static.FromFile(directory.SourceInfo{ID: "geocode-table"}, a.cfg.Geocode.TableFile)
		if err != nil {
			return nil, fmt.Errorf("load geocode table: %w", err)
		}
		observations, err := tableAdapter.Fetch(context.Background(), directory.CrawlTask{})
		if err != nil {
			return nil, fmt.Errorf("read geocode table: %w", err)
		}
		table := make(map[string]directory.Coordinates, len(observations))
		for _, obs := range observations {
			if obs.Coords == nil {
				continue
			}
			if postcode, ok := normalize.ExtractPostcode(obs.AddressText); ok {
				table[postcode] = *obs.Coords
			}
		}
		inner = geocode.NewStatic(table)
	}
	return geocode.NewTimeout(inner, a.cfg.Geocode.Timeout(), a.logger), nil
}

func (a *App) buildDescriber() (directory.Describer, error) {
	switch a.cfg.Describe.Provider {
	case "anthropic":
		d, err := describe.NewAnthropic(describe.Config{
			APIKey:    a.cfg.Describe.APIKey,
			Model:     a.cfg.Describe.Model,
			MaxTokens: a.cfg.Describe.MaxTokens,
		}, a.tax, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init anthropic describer: %w", err)
		}
		return d, nil
	case "template":
		return describe.NewTemplate(a.tax), nil
	default:
		return describe.Noop{}, nil
	}
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store exposes the entity store.
func (a *App) Store() directory.Store {
	return a.store
}

// Exporter exposes the snapshot exporter.
func (a *App) Exporter() *export.Exporter {
	return a.exporter
}

// Serve runs the crawl daemon: worker pool plus HTTP server, until the
// context is canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", len(a.workers)))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Import runs every configured source adapter once through the ingest
// pipeline, bypassing the scheduler. Used for offline batch loads.
func (a *App) Import(ctx context.Context) error {
	if len(a.workers) == 0 {
		return errors.New("no workers configured")
	}
	w := a.workers[0]
	for id, adapter := range a.adapters {
		observations, err := adapter.Fetch(ctx, directory.CrawlTask{Source: adapter.Info()})
		if err != nil {
			return fmt.Errorf("fetch source %s: %w", id, err)
		}
		a.logger.Info("importing source",
			zap.String("source", id),
			zap.Int("observations", len(observations)),
		)
		for _, obs := range observations {
			if err := w.Ingest(ctx, obs); err != nil {
				return fmt.Errorf("ingest %s: %w", obs.SightingKey(), err)
			}
		}
	}
	return nil
}

// Close releases held resources.
func (a *App) Close() {
	if a.closeStore != nil {
		a.closeStore()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func parseSourceKind(kind string) directory.SourceKind {
	switch strings.ToLower(kind) {
	case "registry":
		return directory.SourceRegistry
	case "listing":
		return directory.SourceListing
	case "aggregator":
		return directory.SourceAggregator
	default:
		return directory.SourceScrape
	}
}
