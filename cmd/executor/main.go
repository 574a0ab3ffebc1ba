package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/engine"
	"github.com/web3guy0/execcore/internal/exchange"
	"github.com/web3guy0/execcore/internal/executor"
	"github.com/web3guy0/execcore/internal/idempotency"
	"github.com/web3guy0/execcore/internal/metrics"
	"github.com/web3guy0/execcore/internal/ordermanager"
	"github.com/web3guy0/execcore/internal/papermatcher"
	"github.com/web3guy0/execcore/internal/possync"
	"github.com/web3guy0/execcore/internal/reconcile"
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
	"github.com/web3guy0/execcore/internal/wsingest"
)

const version = "v1.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("version", version).Str("mode", string(cfg.ExecutionMode)).Msg("execcore starting")

	// ── storage ──────────────────────────────────────────────────────
	store, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()
	log.Info().Str("driver", cfg.DatabaseDriver).Msg("storage layer ready")

	b, err := bus.New(store.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open event bus")
	}

	locker, err := idempotency.New(store.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open idempotency locker")
	}

	// ── venue client, LIVE mode only ──────────────────────────────────
	var venueClient *exchange.Client
	if cfg.ExecutionMode == config.ModeLive {
		venueClient = exchange.New(cfg)
		log.Info().Str("base_url", cfg.VenueBaseURL).Msg("venue REST client ready")
	}

	// ── risk stack ─────────────────────────────────────────────────────
	startingEquity := resolveStartingEquity(cfg, store, venueClient)

	ledger, err := risk.NewLedger(store, cfg, startingEquity)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize risk ledger")
	}
	pipeline := risk.NewPipeline(store, cfg, ledger)
	sizer := risk.NewSizer(cfg)
	dedup := risk.NewDedup(cfg.RiskEventDedupWindow)
	log.Info().Str("starting_equity", startingEquity.String()).Msg("risk stack ready")

	// ── fill path: paper matcher in PAPER/BACKTEST, order manager in LIVE ─
	matcher := papermatcher.New(store, cfg, ledger, b)

	var submitter executor.Submitter = matcher
	var reconcileClient reconcile.VenueClient = noopVenueClient{}
	var posSyncClient possync.VenueClient = noopVenueClient{}
	var resubmitter reconcile.Resubmitter = noopResubmitter{}
	var feed *wsingest.Feed

	if cfg.ExecutionMode == config.ModeLive {
		orderMgr := ordermanager.New(store, cfg, b, venueClient)
		submitter = orderMgr
		resubmitter = orderMgr
		reconcileClient = venueClient
		posSyncClient = venueClient
		if cfg.PrivateWSEnabled {
			feed = wsingest.New(cfg, store, b, venueAuthenticator(cfg), dedup)
		}
	}

	exec := executor.New(
		store, cfg, locker, pipeline, sizer, ledger, dedup, b,
		submitter,
		equityFunc(cfg, store, venueClient),
		lotSizeFunc(venueClient),
	)

	reconcileLoop := reconcile.New(store, cfg, b, reconcileClient, resubmitter, dedup)
	posSyncLoop := possync.New(store, cfg, b, posSyncClient, dedup)

	// ── metrics endpoint ─────────────────────────────────────────────
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()

	eng := engine.New(cfg, store, b, exec, matcher, reconcileLoop, posSyncLoop, feed)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn().Msg("shutdown signal received, draining in-flight work")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("execcore exited with error")
		os.Exit(1)
	}

	log.Info().Msg("execcore shut down cleanly")
}

// resolveStartingEquity reads the most recent wallet snapshot if one
// exists (a restart should continue the day's drawdown tracking, not reset
// it), falling back to a one-time live balance read or, in paper/backtest
// modes, the configured max order value as a nominal seed.
func resolveStartingEquity(cfg *config.Config, store *storage.Store, venueClient *exchange.Client) decimal.Decimal {
	if snap, err := store.LatestWalletSnapshot(types.SourceREST); err == nil && snap != nil {
		return snap.Equity
	}
	if venueClient != nil {
		if equity, err := venueClient.GetEquity(context.Background()); err == nil {
			return equity
		}
	}
	return cfg.MaxOrderValueUSDT
}

// equityFunc adapts the venue client, or a fixed paper balance, into
// executor.EquityFunc.
func equityFunc(cfg *config.Config, store *storage.Store, venueClient *exchange.Client) executor.EquityFunc {
	return func() (decimal.Decimal, error) {
		if venueClient != nil {
			return venueClient.GetEquity(context.Background())
		}
		if snap, err := store.LatestWalletSnapshot(types.SourceREST); err == nil && snap != nil {
			return snap.Equity, nil
		}
		return cfg.MaxOrderValueUSDT, nil
	}
}

// lotSizeFunc adapts the venue client into executor.LotSizeFunc; paper mode
// has no instrument-info endpoint to call, so it returns zero, which
// risk.Sizer treats as "no rounding".
func lotSizeFunc(venueClient *exchange.Client) executor.LotSizeFunc {
	return func(symbol string) decimal.Decimal {
		if venueClient == nil {
			return decimal.Zero
		}
		step, err := venueClient.GetLotSize(context.Background(), symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("failed to fetch lot size, submitting unrounded quantity")
			return decimal.Zero
		}
		return step
	}
}

// venueAuthenticator builds the private-feed login payload from API
// credentials, grounded on Bybit's HMAC-signed WS auth handshake (same
// key/secret the REST client signs with).
func venueAuthenticator(cfg *config.Config) wsingest.Authenticator {
	return func() (map[string]any, error) {
		expires := nowMsPlus(10000)
		sig := signWSAuth(cfg.VenueAPISecret, expires)
		return map[string]any{
			"op":   "auth",
			"args": []any{cfg.VenueAPIKey, expires, sig},
		}, nil
	}
}

// noopVenueClient satisfies both reconcile.VenueClient and
// possync.VenueClient in PAPER/BACKTEST mode, where no order was ever
// placed at a venue: every order query returns "not found" and every
// position listing comes back empty. It only lets both loops be
// constructed; the engine runs neither loop outside LIVE mode.
type noopVenueClient struct{}

func (noopVenueClient) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (types.OrderStatus, decimal.Decimal, decimal.Decimal, error) {
	return "", decimal.Zero, decimal.Zero, errNoVenueInPaperMode
}

func (noopVenueClient) GetPositions(ctx context.Context) ([]possync.VenuePosition, error) {
	return nil, nil
}

func (noopVenueClient) SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal) error {
	return errNoVenueInPaperMode
}

func (noopVenueClient) Degraded() bool { return false }

type noopResubmitter struct{}

func (noopResubmitter) SubmitOrder(ctx context.Context, order *types.Order) error { return nil }

var errNoVenueInPaperMode = errors.New("no venue order to query in paper/backtest mode")
