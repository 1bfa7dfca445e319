package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"golang.org/x/sync/errgroup"

	"github.com/mirrormarket/mirrormarket/internal/broker"
	"github.com/mirrormarket/mirrormarket/internal/config"
	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/fanout"
	"github.com/mirrormarket/mirrormarket/internal/marketdata"
	"github.com/mirrormarket/mirrormarket/internal/server"
	"github.com/mirrormarket/mirrormarket/internal/server/handler"
	"github.com/mirrormarket/mirrormarket/internal/server/ws"
	"github.com/mirrormarket/mirrormarket/internal/service"
)

// archiveInterval is the cadence of the settled-trade archive sweep.
const archiveInterval = 24 * time.Hour

// services bundles the service layer built on top of the wired dependencies.
type services struct {
	conns      *service.ConnectionService
	trades     *service.TradeService
	settlement *service.SettlementService
	follows    *service.FollowService
	accounts   *service.AccountService
}

// buildServices constructs the full service layer from wired dependencies.
func (a *App) buildServices(deps *Dependencies) (*services, error) {
	cfg := a.cfg

	hours, err := service.NewTradingHours(service.HoursConfig{
		Open:     cfg.Trading.WindowOpen,
		Close:    cfg.Trading.WindowClose,
		Weekdays: cfg.Trading.Weekdays,
		Timezone: cfg.Trading.Timezone,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: trading hours: %w", err)
	}
	if cfg.Trading.UseBrokerCalendar {
		hours = hours.WithCalendar(alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.Trading.CalendarAPIKey,
			APISecret: cfg.Trading.CalendarAPISecret,
			BaseURL:   cfg.Trading.CalendarBaseURL,
		}))
	}

	var md domain.MarketData
	if config.PricePolicy(cfg.Trading.PricePolicy) == config.PolicyExternalSnapshot {
		md = marketdata.NewClient(cfg.MarketData.BaseURL, cfg.MarketData.APIKey)
	}
	prices, err := service.NewPriceResolver(config.PricePolicy(cfg.Trading.PricePolicy), md)
	if err != nil {
		return nil, fmt.Errorf("app: price resolver: %w", err)
	}

	brokers := func(kind domain.BrokerKind, creds domain.BrokerCredentials) (domain.Broker, error) {
		return broker.New(kind, creds, broker.Options{
			PriceWait: cfg.Trading.PriceWait.Duration,
		})
	}

	conns := service.NewConnectionService(
		deps.ConnectionStore, deps.ConnectionCache, deps.AuditStore,
		brokers, cfg.Security.CredentialsKey, a.logger,
	)

	rate := service.RateConfig{
		Limit:  cfg.Trading.RateLimit,
		Window: cfg.Trading.RateWindow.Duration,
	}

	trades := service.NewTradeService(
		deps.TradeStore, conns, hours, prices,
		deps.RateLimiter, deps.SignalBus, deps.Notifier, rate, a.logger,
	)
	settlement := service.NewSettlementService(
		deps.TradeStore, conns, hours, prices,
		deps.RateLimiter, deps.LockManager, deps.SignalBus, rate, a.logger,
	)
	follows := service.NewFollowService(deps.FollowStore, deps.AuditStore, a.logger)
	accounts := service.NewAccountService(conns, a.logger)

	return &services{
		conns:      conns,
		trades:     trades,
		settlement: settlement,
		follows:    follows,
		accounts:   accounts,
	}, nil
}

// ServerMode runs the HTTP + WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	a.startHTTPServer(ctx, g, deps, svcs)

	return g.Wait()
}

// WorkerMode runs the follower fan-out engine and the settled-trade
// archiver, without the API surface.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	a.startWorkers(ctx, g, deps, svcs)

	return g.Wait()
}

// FullMode runs every subsystem in one process: the API, the fan-out engine,
// and the archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs, err := a.buildServices(deps)
	if err != nil {
		return err
	}

	a.startHTTPServer(ctx, g, deps, svcs)
	a.startWorkers(ctx, g, deps, svcs)

	return g.Wait()
}

// startHTTPServer registers routes, starts the WebSocket hub, and runs the
// HTTP server until the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false, skipping HTTP server")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.Postgres, deps.Redis, a.logger),
		Trades:      handler.NewTradeHandler(svcs.trades, svcs.settlement, a.logger),
		Follows:     handler.NewFollowHandler(svcs.follows, a.logger),
		Connections: handler.NewConnectionHandler(svcs.conns, a.logger),
		Account:     handler.NewAccountHandler(svcs.accounts, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startWorkers launches the fan-out engine and, when S3 is wired, the
// periodic archive sweep.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	engine := fanout.NewEngine(
		deps.SignalBus, deps.TradeStore, deps.FollowStore,
		svcs.trades, deps.Notifier, a.cfg.Fanout, a.logger,
	)
	g.Go(func() error {
		return engine.Run(ctx)
	})

	if deps.Archiver != nil && a.cfg.S3.RetentionDays > 0 {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps.Archiver)
		})
	}
}

// runArchiveLoop sweeps settled trades older than the retention window into
// object storage once a day, pruning the primary store only after the upload
// succeeded.
func (a *App) runArchiveLoop(ctx context.Context, archiver domain.Archiver) error {
	logger := a.logger.With(slog.String("component", "archiver"))
	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()

	sweep := func() {
		cutoff := time.Now().UTC().Add(-retention)

		archived, err := archiver.ArchiveSettledTrades(ctx, cutoff)
		if err != nil {
			logger.ErrorContext(ctx, "archive sweep failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if archived == 0 {
			return
		}

		pruned, err := archiver.PruneSettledTrades(ctx, cutoff)
		if err != nil {
			logger.ErrorContext(ctx, "prune after archive failed",
				slog.String("error", err.Error()),
			)
			return
		}

		logger.InfoContext(ctx, "archive sweep complete",
			slog.Int64("archived", archived),
			slog.Int64("pruned", pruned),
			slog.Time("cutoff", cutoff),
		)
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}
