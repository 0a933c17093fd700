package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/quikhit/bidengine/internal/blob/s3"
	"github.com/quikhit/bidengine/internal/config"
	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/engine"
	"github.com/quikhit/bidengine/internal/ledger"
	"github.com/quikhit/bidengine/internal/server"
	"github.com/quikhit/bidengine/internal/server/handler"
	"github.com/quikhit/bidengine/internal/server/ws"
)

// core is the bid-evaluation stack shared by every mode: the live params
// holder, the async ledger writer, and the actor engine.
type core struct {
	params *config.Holder
	ledger *ledger.Writer
	engine *engine.Engine
}

func (a *App) buildCore(deps *Dependencies) *core {
	params := config.NewHolder(a.cfg.Engine)
	lw := ledger.NewWriter(deps.Ledger, deps.BidStore, deps.Notifier, ledger.Config{
		QueueSize:   a.cfg.Ledger.QueueSize,
		MaxAttempts: a.cfg.Ledger.MaxAttempts,
		BackoffBase: a.cfg.Ledger.BackoffBase.Duration,
	}, a.logger)
	eng := engine.New(
		deps.AuctionStore, deps.BidStore, deps.ProfileStore,
		deps.Risk, deps.Converter, deps.RateLimiter,
		deps.SignalBus, deps.SnapshotCache, lw, params, a.logger,
	)
	return &core{params: params, ledger: lw, engine: eng}
}

// FullMode runs everything in one process: the actor engine, the lifecycle
// manager, the ledger writer, the retention archiver, and the HTTP + WS API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	c := a.buildCore(deps)
	defer c.engine.Shutdown()

	a.startParamsSync(ctx, g, deps, c.params)

	g.Go(func() error {
		return c.ledger.Run(ctx)
	})

	lc := engine.NewLifecycle(
		c.engine, deps.AuctionStore, deps.Settler,
		a.cfg.Settlement.Timeout.Duration, deps.Notifier, a.logger,
	)
	g.Go(func() error {
		return lc.Run(ctx)
	})

	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, lc)
	}

	return g.Wait()
}

// EngineMode runs the headless half: lifecycle transitions, settlement, the
// ledger writer, and the retention archiver. No HTTP surface. It is meant to
// run as a single replica next to one or more api-mode replicas.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	c := a.buildCore(deps)
	defer c.engine.Shutdown()

	a.startParamsSync(ctx, g, deps, c.params)

	g.Go(func() error {
		return c.ledger.Run(ctx)
	})

	lc := engine.NewLifecycle(
		c.engine, deps.AuctionStore, deps.Settler,
		a.cfg.Settlement.Timeout.Duration, deps.Notifier, a.logger,
	)
	g.Go(func() error {
		return lc.Run(ctx)
	})

	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// APIMode serves the HTTP + WebSocket API and evaluates bids in-process, but
// leaves lifecycle transitions and archiving to an engine-mode replica.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)

	c := a.buildCore(deps)
	defer c.engine.Shutdown()

	a.startParamsSync(ctx, g, deps, c.params)

	g.Go(func() error {
		return c.ledger.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps, c, nil)

	return g.Wait()
}

// startParamsSync keeps this instance's engine params in step with updates
// published by any replica's PUT /api/engine/params.
func (a *App) startParamsSync(ctx context.Context, g *errgroup.Group, deps *Dependencies, params *config.Holder) {
	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, domain.ParamsChannel)
		if err != nil {
			a.logger.ErrorContext(ctx, "params sync subscribe failed", slog.String("error", err.Error()))
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case data, ok := <-ch:
				if !ok {
					return nil
				}
				var p config.EngineParams
				if err := json.Unmarshal(data, &p); err != nil {
					a.logger.WarnContext(ctx, "params sync: bad payload dropped", slog.String("error", err.Error()))
					continue
				}
				if err := params.Swap(p); err != nil {
					a.logger.WarnContext(ctx, "params sync: update rejected", slog.String("error", err.Error()))
					continue
				}
				a.logger.InfoContext(ctx, "engine params reloaded from bus")
			}
		}
	})
}

// startArchiver adds the retention archiver goroutine when archiving is
// enabled and blob storage is wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return
	}
	ar := s3blob.NewArchiver(deps.BlobWriter, deps.AuctionStore, deps.BidStore, deps.LockManager, a.logger)
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := a.cfg.Archive.RetentionDays
	g.Go(func() error {
		return ar.Run(ctx, interval, retention)
	})
}

// startHTTPServer adds the API server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	c *core,
	lc *engine.Lifecycle,
) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// Admin close settles through the lifecycle manager when one runs in
	// this process; otherwise the engine-mode replica picks the closed
	// auction up on its next scan.
	var finalizer handler.Finalizer
	if lc != nil {
		finalizer = lc
	}

	var archives *handler.ArchiveHandler
	if deps.BlobReader != nil {
		archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			AdminAPIKey: a.cfg.Server.AdminAPIKey,
			RateLimit:   a.cfg.Server.RateLimit,
		},
		server.Handlers{
			Health:    handler.NewHealthHandler(),
			Status:    handler.NewStatusHandler(c.engine, a.cfg.Mode),
			Auctions:  handler.NewAuctionHandler(c.engine, finalizer, a.logger),
			Bids:      handler.NewBidHandler(c.engine, a.logger),
			Snapshots: handler.NewSnapshotHandler(c.engine, a.logger),
			Events:    handler.NewEventsHandler(deps.SignalBus, a.logger),
			Params:    handler.NewParamsHandler(c.params, deps.SignalBus, a.logger),
			Archives:  archives,
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
