package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
	"github.com/alanyoungcy/rafflebot/internal/domain"
	"github.com/alanyoungcy/rafflebot/internal/keeper"
	"github.com/alanyoungcy/rafflebot/internal/raffle"
	"github.com/alanyoungcy/rafflebot/internal/server"
	"github.com/alanyoungcy/rafflebot/internal/server/handler"
	"github.com/alanyoungcy/rafflebot/internal/server/ws"
	"github.com/alanyoungcy/rafflebot/internal/service"
	"github.com/alanyoungcy/rafflebot/internal/treasury"
	"github.com/alanyoungcy/rafflebot/internal/vrf"
)

// raffleNode is a raffle core with its service layer and live feed.
type raffleNode struct {
	svc   *service.RaffleService
	relay *service.EventRelay
	hub   *ws.Hub
}

// newRaffleNode builds the raffle core on the given oracle and treasury,
// restoring persisted state when a journal is available.
func (a *App) newRaffleNode(ctx context.Context, deps *Dependencies, params domain.RaffleConfig, oracle domain.RandomnessOracle, funds domain.Treasury) (*raffleNode, error) {
	n := &raffleNode{}
	n.hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
		Status:    func() any { return handler.NewStatusView(n.svc.Status()) },

		ReplayStream: service.EventsStream,
	})

	relayDeps := service.RelayDeps{
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Draws:    deps.DrawStore,
		Archiver: deps.Archiver,
		Notifier: deps.Notifier,
	}
	if deps.SignalBus == nil {
		relayDeps.Broadcaster = n.hub
	}
	n.relay = service.NewEventRelay(relayDeps, a.logger)

	rdeps := raffle.Deps{
		Oracle: oracle,
		Payer:  funds,
		Sink:   n.relay,
		Logger: a.logger,
	}
	var opts []raffle.Option
	if deps.RaffleStore != nil {
		rdeps.Journal = deps.RaffleStore
		snap, err := deps.RaffleStore.LoadSnapshot(ctx)
		switch {
		case err == nil:
			a.logger.InfoContext(ctx, "restoring raffle state",
				slog.Uint64("round", snap.Round),
				slog.String("state", snap.State.String()),
				slog.Int("players", len(snap.Entrants)),
			)
			opts = append(opts, raffle.WithSnapshot(snap))
		case errors.Is(err, domain.ErrNotFound):
			a.logger.InfoContext(ctx, "no persisted raffle state, starting round 1")
		default:
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}

	core, err := raffle.New(params, rdeps, opts...)
	if err != nil {
		return nil, err
	}
	if deps.RaffleStore != nil {
		// Persist the starting state so entries always have a row to join.
		if err := deps.RaffleStore.SaveSnapshot(ctx, core.Snapshot()); err != nil {
			return nil, fmt.Errorf("persist initial snapshot: %w", err)
		}
	}
	n.svc = service.NewRaffleService(core, funds, deps.AuditStore, deps.Notifier, a.logger)
	if deps.RaffleStore != nil {
		n.svc.WithEntryLedger(deps.RaffleStore)
	}
	return n, nil
}

// RaffleMode serves a raffle that requests randomness from a remote
// coordinator. Only one raffle process may hold the leader lock at a time.
func (a *App) RaffleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting raffle mode")
	if deps.RaffleStore == nil {
		return errors.New("raffle mode: postgres is required")
	}

	g, ctx := errgroup.WithContext(ctx)

	if deps.LockManager != nil {
		key, ttl := a.cfg.Raffle.LockKey, a.cfg.Raffle.LockTTL.Duration
		unlock, err := deps.LockManager.Acquire(ctx, key, ttl)
		if err != nil {
			return fmt.Errorf("raffle mode: leader lock: %w", err)
		}
		a.closers = append(a.closers, unlock)
		a.logger.InfoContext(ctx, "leader lock acquired", slog.String("key", key))
		g.Go(func() error {
			if err := deps.LockManager.Hold(ctx, key, ttl); err != nil {
				if deps.Notifier != nil {
					a.alertLeaderLost(deps.Notifier, key, err)
				}
				return fmt.Errorf("raffle mode: %w", err)
			}
			return nil
		})
	} else {
		a.logger.WarnContext(ctx, "no redis configured, running without a leader lock")
	}

	params, err := a.cfg.RaffleParams()
	if err != nil {
		return fmt.Errorf("raffle mode: %w", err)
	}
	oracle := vrf.NewHTTPClient(a.cfg.VRF.CoordinatorURL, a.cfg.VRF.ConsumerName, a.requestAuth())

	node, err := a.newRaffleNode(ctx, deps, params, oracle, deps.Balances)
	if err != nil {
		return fmt.Errorf("raffle mode: %w", err)
	}
	a.runRaffleNode(ctx, g, node)

	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Raffle: handler.NewRaffleHandler(node.svc, a.logger),
		Draws:  a.drawHandler(deps),
	}, node.hub)

	return g.Wait()
}

// OracleMode runs the coordinator: it accepts requests over HTTP and
// delivers signed fulfilments to the consumer raffle.
func (a *App) OracleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting oracle mode")

	signer, err := a.fulfillmentSigner()
	if err != nil {
		return fmt.Errorf("oracle mode: %w", err)
	}
	a.logger.InfoContext(ctx, "coordinator signing address", slog.String("address", signer.Address().Hex()))

	coord, err := a.newCoordinator()
	if err != nil {
		return fmt.Errorf("oracle mode: %w", err)
	}
	consumer := vrf.NewCallbackConsumer(a.cfg.VRF.ConsumerURL, signer, a.cfg.Server.APIKey, a.logger)
	if deps.RateLimiter != nil {
		consumer.WithPacing(deps.RateLimiter, a.cfg.VRF.DeliveryLimit, a.cfg.VRF.DeliveryWindow.Duration)
	}
	if _, err := a.openSubscription(ctx, coord, consumer); err != nil {
		return fmt.Errorf("oracle mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Health:      handler.NewHealthHandler(deps.Checks, a.logger),
		Coordinator: handler.NewCoordinatorHandler(coord, a.logger),
	}, nil)

	return g.Wait()
}

// DevMode runs raffle, coordinator and keeper in one process, like a local
// development chain. Funds live in memory unless postgres is configured.
func (a *App) DevMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dev mode")

	coord, err := a.newCoordinator()
	if err != nil {
		return fmt.Errorf("dev mode: %w", err)
	}

	params, err := a.cfg.RaffleParams()
	if err != nil {
		return fmt.Errorf("dev mode: %w", err)
	}
	// A configured key lets external tools fulfil over HTTP as well.
	if a.cfg.VRF.SigningKey != "" || a.cfg.VRF.EncryptedKeyPath != "" {
		signer, err := a.fulfillmentSigner()
		if err != nil {
			return fmt.Errorf("dev mode: %w", err)
		}
		params.Coordinator = signer.Address()
	}

	var funds domain.Treasury = treasury.NewBank()
	if deps.Balances != nil {
		funds = deps.Balances
	}

	// The subscription must exist before the raffle can name it, and the
	// consumer only exists after the raffle is built.
	subID := coord.CreateSubscription()
	params.SubscriptionID = subID
	node, err := a.newRaffleNode(ctx, deps, params, coord.OracleFor(a.cfg.VRF.ConsumerName), funds)
	if err != nil {
		return fmt.Errorf("dev mode: %w", err)
	}
	if err := a.fundSubscription(coord, subID); err != nil {
		return fmt.Errorf("dev mode: %w", err)
	}
	if err := coord.AddConsumer(subID, a.cfg.VRF.ConsumerName, node.svc); err != nil {
		return fmt.Errorf("dev mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.runRaffleNode(ctx, g, node)
	g.Go(func() error {
		return coord.Run(ctx)
	})
	if a.cfg.Keeper.Enabled {
		k := keeper.New(node.svc, a.cfg.Keeper.PollInterval.Duration, a.logger)
		g.Go(func() error {
			return k.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, server.Handlers{
			Health:      handler.NewHealthHandler(deps.Checks, a.logger),
			Raffle:      handler.NewRaffleHandler(node.svc, a.logger),
			Draws:       a.drawHandler(deps),
			Coordinator: handler.NewCoordinatorHandler(coord, a.logger),
			Faucet:      true,
		}, node.hub)
	}

	return g.Wait()
}

// operatorAlerter sends alerts that bypass the event filter.
type operatorAlerter interface {
	NotifyAll(ctx context.Context, title, message string) error
}

// alertLeaderLost tells operators the leader lock slipped. The mode context
// is already cancelled by then, so the alert gets its own deadline.
func (a *App) alertLeaderLost(n operatorAlerter, key string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := n.NotifyAll(ctx, "Raffle leader lost",
		fmt.Sprintf("%s: %v; this instance is stopping", key, cause))
	if err != nil {
		a.logger.WarnContext(ctx, "leader lost alert not delivered",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// runRaffleNode starts the event relay and websocket hub.
func (a *App) runRaffleNode(ctx context.Context, g *errgroup.Group, n *raffleNode) {
	g.Go(func() error {
		return n.relay.Run(ctx)
	})
	g.Go(func() error {
		return n.hub.Run(ctx)
	})
}

func (a *App) drawHandler(deps *Dependencies) *handler.DrawHandler {
	svc := service.NewDrawService(deps.DrawStore, deps.Archiver, deps.BlobReader, deps.Exporter)
	return handler.NewDrawHandler(svc, a.logger)
}

func (a *App) newCoordinator() (*vrf.Coordinator, error) {
	var baseFee *big.Int
	if a.cfg.VRF.BaseFee != "" {
		fee, err := domain.ParseEther(a.cfg.VRF.BaseFee)
		if err != nil {
			return nil, fmt.Errorf("vrf.base_fee: %w", err)
		}
		baseFee = fee
	}
	return vrf.NewCoordinator(vrf.Config{
		BaseFee:   baseFee,
		BlockTime: a.cfg.VRF.BlockTime.Duration,
	}, a.logger), nil
}

// openSubscription creates and funds a subscription for consumer.
func (a *App) openSubscription(ctx context.Context, coord *vrf.Coordinator, consumer vrf.Consumer) (uint64, error) {
	subID := coord.CreateSubscription()
	if subID != a.cfg.VRF.SubscriptionID {
		a.logger.WarnContext(ctx, "subscription id differs from configuration",
			slog.Uint64("created", subID),
			slog.Uint64("configured", a.cfg.VRF.SubscriptionID),
		)
	}
	if err := a.fundSubscription(coord, subID); err != nil {
		return 0, err
	}
	if err := coord.AddConsumer(subID, a.cfg.VRF.ConsumerName, consumer); err != nil {
		return 0, err
	}
	a.logger.InfoContext(ctx, "subscription open",
		slog.Uint64("subscription_id", subID),
		slog.String("consumer", a.cfg.VRF.ConsumerName),
	)
	return subID, nil
}

func (a *App) fundSubscription(coord *vrf.Coordinator, subID uint64) error {
	if a.cfg.VRF.FundAmount == "" {
		return nil
	}
	amount, err := domain.ParseEther(a.cfg.VRF.FundAmount)
	if err != nil {
		return fmt.Errorf("vrf.fund_amount: %w", err)
	}
	if amount.Sign() == 0 {
		return nil
	}
	return coord.FundSubscription(subID, amount)
}

func (a *App) fulfillmentSigner() (*crypto.FulfillmentSigner, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.VRF.SigningKey,
		EncryptedKeyPath: a.cfg.VRF.EncryptedKeyPath,
		KeyPassword:      a.cfg.VRF.KeyPassword,
	})
	if err != nil {
		return nil, err
	}
	return crypto.NewFulfillmentSigner(key)
}

// requestAuth returns the shared-secret signer for coordinator requests, or
// nil when none is configured.
func (a *App) requestAuth() *crypto.HMACAuth {
	if a.cfg.VRF.RequestKey == "" {
		return nil
	}
	return &crypto.HMACAuth{Key: a.cfg.VRF.RequestKey, Secret: a.cfg.VRF.RequestSecret}
}

// startHTTPServer adds the HTTP server to g and shuts it down gracefully
// when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers, hub *ws.Hub) {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		EnterLimit:  a.cfg.Server.EnterRateLimit,
		EnterWindow: a.cfg.Server.EnterRateWindow.Duration,
		Limiter:     deps.RateLimiter,
		RequestAuth: a.requestAuth(),
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
