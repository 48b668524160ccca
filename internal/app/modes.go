package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/market"
	"github.com/alanyoungcy/copyvault/internal/oracle"
	"github.com/alanyoungcy/copyvault/internal/pipeline"
	"github.com/alanyoungcy/copyvault/internal/server"
	"github.com/alanyoungcy/copyvault/internal/server/handler"
	"github.com/alanyoungcy/copyvault/internal/server/middleware"
	"github.com/alanyoungcy/copyvault/internal/server/ws"
	"github.com/alanyoungcy/copyvault/internal/service"
	"github.com/alanyoungcy/copyvault/internal/treasury"
)

// oracleSource is the oracle a node resolves conditions against. Both
// implementations accept published values.
type oracleSource interface {
	domain.PriceOracle
	handler.OraclePublisher
}

// node holds the services shared by every mode.
type node struct {
	oracle     oracleSource
	ledger     *market.Ledger
	book       *treasury.Book
	vaults     *service.VaultService
	relayer    *service.SettlementRelayer // nil when relaying is disabled
	watcher    *service.ResolutionWatcher
	reconciler *service.PayoutReconciler
}

// onResolved returns the relayer as a resolution handler, or nil.
func (n *node) onResolved() service.ResolvedHandler {
	if n.relayer == nil {
		return nil
	}
	return n.relayer
}

// buildNode constructs the market ledger, vault service, relayer and
// resolution watcher from deps.
func (a *App) buildNode(ctx context.Context, deps *Dependencies) (*node, error) {
	clock := func() time.Time { return time.Now().UTC() }

	var src oracleSource
	switch a.cfg.Oracle.Source {
	case "redis":
		if deps.PriceCache == nil {
			return nil, fmt.Errorf("app: oracle source redis requires redis.enabled")
		}
		src = oracle.NewCached(deps.PriceCache, a.cfg.Oracle.MaxAge.Duration, clock, a.logger)
	default:
		src = oracle.NewFixed(nil)
	}

	ledger := market.NewLedger(src, deps.ConditionStore, clock, a.logger)
	if err := ledger.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: load conditions: %w", err)
	}

	var locks service.Locker
	if deps.LockManager != nil {
		locks = deps.LockManager
	}
	var notifier service.Notifier
	if deps.Notifier != nil {
		notifier = deps.Notifier
	}

	book := treasury.NewBook(deps.CreditStore, a.logger)
	vaults := service.NewVaultService(
		deps.VaultStore,
		deps.EventStore,
		ledger,
		book,
		locks,
		deps.SignalBus,
		deps.AuditStore,
		notifier,
		domain.StakePolicy(a.cfg.Vault.DefaultPolicy),
		a.logger,
	).WithDecimals(int32(a.cfg.Vault.Decimals))

	n := &node{
		oracle:     src,
		ledger:     ledger,
		book:       book,
		vaults:     vaults,
		reconciler: service.NewPayoutReconciler(vaults, book, a.cfg.Vault.ReconcileInterval.Duration, a.logger),
	}
	if deps.Relayer != nil {
		n.relayer = service.NewSettlementRelayer(vaults, deps.Relayer.Address(), a.cfg.Relayer.Workers,
			a.cfg.Relayer.RetryInterval.Duration, a.logger)
		a.closers = append(a.closers, n.relayer.Stop)
	}
	n.watcher = service.NewResolutionWatcher(
		ledger,
		vaults,
		n.onResolved(),
		deps.SignalBus,
		notifier,
		a.cfg.Watcher.PollInterval.Duration,
		a.cfg.Watcher.Grace.Duration,
		a.logger,
	)

	a.logger.InfoContext(ctx, "node built",
		slog.String("oracle", a.cfg.Oracle.Source),
		slog.Int("conditions", len(ledger.Conditions())),
		slog.Bool("relayer", n.relayer != nil),
	)
	return n, nil
}

// ServeMode runs the HTTP API and the WebSocket event feed.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	n, err := a.buildNode(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, n)
	return g.Wait()
}

// WatchMode runs the resolution watcher, the settlement relayer and the
// journal archive cron.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")

	n, err := a.buildNode(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps, n)
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	n, err := a.buildNode(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps, n)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, n)
	}
	return g.Wait()
}

// startPipeline adds the background loops to g.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, n *node) {
	var archiver *pipeline.Archiver
	if deps.JournalArchiver != nil {
		archiver = pipeline.NewArchiver(deps.VaultStore, deps.JournalArchiver, a.cfg.Archive.Lag.Duration, a.logger)
	}
	loops := map[string]pipeline.Loop{
		"resolution_watcher": n.watcher,
		"payout_reconciler":  n.reconciler,
	}
	if n.relayer != nil {
		loops["settlement_relayer"] = n.relayer
	}
	orch := pipeline.NewOrchestrator(
		loops,
		archiver,
		a.cfg.Archive.Cron,
		a.logger,
	)
	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startHTTPServer adds the API server, and the WebSocket hub when a signal
// bus is wired, to g. The server shuts down gracefully when ctx is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, n *node) {
	relayer := ""
	if n.relayer != nil {
		relayer = n.relayer.Address().Hex()
	}

	var onResolved handler.ResolvedHandler
	if n.relayer != nil {
		onResolved = n.relayer
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Pingers, a.logger),
		Status:     handler.NewStatusHandler(a.cfg.Mode, relayer, n.vaults),
		Vaults:     handler.NewVaultHandler(n.vaults, n.ledger, a.cfg.Watcher.Grace.Duration, a.logger),
		Conditions: handler.NewConditionHandler(n.ledger, onResolved, a.logger),
		Oracle:     handler.NewOracleHandler(n.oracle, a.logger),
		Accounts:   handler.NewAccountHandler(n.book, a.logger),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error {
			err := hub.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	replay := deps.ReplayGuard
	if replay == nil {
		replay = middleware.NewMemoryReplayGuard(nil)
	}

	srv := server.NewServer(server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		RateLimit:        a.cfg.Server.RateLimit,
		RateWindow:       a.cfg.Server.RateWindow.Duration,
		SignatureMaxSkew: a.cfg.Server.SignatureMaxSkew.Duration,
		ReplayGuard:      replay,
		Admins:           adminAddresses(a.cfg),
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
