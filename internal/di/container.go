// Package di wires the trading kernel together: infrastructure first
// (database, cache, bus), then repositories, then services, then the
// background workers. Construction order follows dependency order; nothing
// here contains business logic.
package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/cache"
	"github.com/mandinet/tradecore/internal/config"
	"github.com/mandinet/tradecore/internal/database"
	"github.com/mandinet/tradecore/internal/events"
	"github.com/mandinet/tradecore/internal/eventstore"
	"github.com/mandinet/tradecore/internal/modules/availability"
	"github.com/mandinet/tradecore/internal/modules/capability"
	"github.com/mandinet/tradecore/internal/modules/commodity"
	"github.com/mandinet/tradecore/internal/modules/insider"
	"github.com/mandinet/tradecore/internal/modules/matching"
	"github.com/mandinet/tradecore/internal/modules/requirement"
	"github.com/mandinet/tradecore/internal/modules/risk"
	"github.com/mandinet/tradecore/internal/outbox"
	"github.com/mandinet/tradecore/internal/scheduler"
	"github.com/mandinet/tradecore/internal/units"
)

// Container holds every constructed component. cmd/server owns its
// lifecycle: Build, Start, then Stop on shutdown.
type Container struct {
	Config    *config.Config
	Snapshots *config.Store
	Log       zerolog.Logger

	DB    *database.DB
	Cache *cache.Client
	Bus   *events.Bus

	Outbox       *outbox.Repository
	OutboxWorker *outbox.Worker
	EventStore   *eventstore.Store

	Converter *units.Converter

	Commodities  *commodity.Service
	Partners     *capability.Repository
	Capabilities *capability.Service
	Gateway      *capability.Gateway
	Insiders     *insider.Validator
	Risk         *risk.Engine

	Availabilities *availability.Service
	Requirements   *requirement.Service

	MatchQueue  *matching.Queue
	MatchEngine *matching.Engine
	MatchWorker *matching.Worker

	Scheduler *scheduler.Scheduler

	runCtx    context.Context
	runCancel context.CancelFunc
}

// Build constructs the full dependency graph.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Config:    cfg,
		Snapshots: config.NewStore(config.DefaultSnapshot()),
		Log:       log,
	}

	db, err := database.New(database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	c.DB = db

	rdb, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	c.Cache = rdb

	c.Bus = events.NewBus(log)
	conn := db.Conn()

	c.Outbox = outbox.NewRepository(conn, log)
	c.EventStore = eventstore.NewStore(conn, log)
	c.OutboxWorker = outbox.NewWorker(
		c.Outbox,
		outbox.NewStreamPublisher(rdb.Redis(), 0),
		outbox.WorkerConfig{
			Workers:       cfg.PublisherWorkers,
			PublishBudget: cfg.PublishBudget,
		},
		log,
	)

	c.Converter = units.NewConverter()

	c.Commodities = commodity.NewService(commodity.NewRepository(conn, log), log)
	c.Partners = capability.NewRepository(conn, log)
	c.Capabilities = capability.NewService(conn, c.Partners, c.Outbox, c.EventStore, c.Bus, log)
	c.Gateway = capability.NewGateway(c.Partners)
	c.Insiders = insider.NewValidator(conn, log)

	var predictor risk.Predictor = risk.DisabledPredictor{}
	if cfg.MLInferenceURL != "" {
		predictor = risk.NewBreakerPredictor(
			risk.NewHTTPPredictor(cfg.MLInferenceURL), cfg.Tier2Budget, log)
	}
	c.Risk = risk.NewEngine(
		risk.NewRepository(conn, log),
		c.Insiders,
		predictor,
		c.Snapshots,
		cfg.Tier1Budget,
		log,
	)

	idem := cache.NewIdempotency(rdb, cfg.ReservationTTL)
	snap := c.Snapshots.Current()

	c.Availabilities = availability.NewService(
		conn,
		availability.NewRepository(conn, log),
		c.Partners,
		c.Commodities,
		c.Risk,
		c.Converter,
		c.Outbox,
		c.EventStore,
		c.Bus,
		idem,
		cfg.ReservationTTL,
		cfg.AllowAdhocLocations,
		log,
	)

	c.MatchQueue = matching.NewQueue(snap.MaxInflight, log)

	reqRepo := requirement.NewRepository(conn, log)
	c.Requirements = requirement.NewService(
		conn,
		reqRepo,
		c.Partners,
		c.Commodities,
		c.Risk,
		c.Converter,
		requirement.NewEnhancer(
			cfg.Tier2Budget,
			log,
			requirement.PriceSuggestion{Prices: reqRepo},
			requirement.ToleranceRecommendation{},
		),
		nil, // trade-history feed arrives with the settlement module
		c.MatchQueue,
		nil, // negotiation and auction forwarding live outside the kernel
		c.Outbox,
		c.EventStore,
		c.Bus,
		idem,
		cfg.AllowAdhocLocations,
		log,
	)

	matchRepo := matching.NewRepository(conn, log)
	c.MatchEngine = matching.NewEngine(matching.EngineDeps{
		DB:           conn,
		Repo:         matchRepo,
		Requirements: reqRepo,
		Partners:     c.Partners,
		Commodities:  c.Commodities,
		Risk:         c.Risk,
		Insiders:     c.Insiders,
		Allocator:    c.Availabilities,
		Fingerprints: cache.NewFingerprints(rdb, snap.DuplicateWindow()),
		Idempotency:  idem,
		Outbox:       c.Outbox,
		EventStore:   c.EventStore,
		Bus:          c.Bus,
		Snapshots:    c.Snapshots,
		RunBudget:    cfg.MatchBudget,
	}, log)
	c.MatchWorker = matching.NewWorker(c.MatchQueue, c.MatchEngine, matchRepo, log)

	sched, err := scheduler.New(log,
		scheduler.ReservationSweepJob{Sweeper: c.Availabilities},
		scheduler.ExpiryJob{Availabilities: c.Availabilities, Requirements: c.Requirements},
		scheduler.MatchSweepJob{Sweeper: c.MatchWorker},
		scheduler.OutboxReapJob{Reaper: c.Outbox},
	)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	c.Scheduler = sched

	return c, nil
}

// Start subscribes the event handlers and launches the background workers.
// The workers share a lifecycle context that Stop cancels.
func (c *Container) Start() {
	c.Capabilities.RegisterHandlers()
	c.MatchWorker.RegisterHandlers(c.Bus)
	config.RegisterReload(c.Bus, c.Snapshots, c.Log)

	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.OutboxWorker.Start(c.runCtx)
	c.MatchWorker.Start()
	c.Scheduler.Start()
}

// Stop shuts the workers down in reverse order and closes the connections.
func (c *Container) Stop() {
	c.Scheduler.Stop()
	c.MatchWorker.Stop()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.OutboxWorker.Stop()

	if err := c.Cache.Close(); err != nil {
		c.Log.Warn().Err(err).Msg("Cache close failed")
	}
	if err := c.DB.Close(); err != nil {
		c.Log.Warn().Err(err).Msg("Database close failed")
	}
}
