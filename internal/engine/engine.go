// Package engine is the central orchestrator of §5/§9: it wires every
// component into a service container and supervises the long-running
// loops (bus consumers, reconciliation, position-sync, private WS ingest)
// under one cancellation scope, so any single loop's terminal failure
// brings the whole process down for a supervisor restart rather than
// leaving the system half-running. Grounded on the teacher's core/Engine
// (component wiring, Start/Stop, mainLoop/positionMonitorLoop as two
// independently-scheduled goroutines), generalized from two hand-rolled
// goroutines with a shared stopCh to an arbitrary set of loops under
// golang.org/x/sync/errgroup, matching the rest of the domain stack's
// dependency surface.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/executor"
	"github.com/web3guy0/execcore/internal/papermatcher"
	"github.com/web3guy0/execcore/internal/possync"
	"github.com/web3guy0/execcore/internal/reconcile"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
	"github.com/web3guy0/execcore/internal/wsingest"
)

const (
	tradePlanGroup = "executor"
	barCloseGroup  = "papermatcher"
	consumeBatch   = 64
	consumePoll    = 200 * time.Millisecond
)

// Engine is the service container: every wired component plus the loop
// supervisor that drives them.
type Engine struct {
	cfg   *config.Config
	store *storage.Store
	bus   *bus.Bus

	executor     *executor.Executor
	papermatcher *papermatcher.Matcher
	reconcile    *reconcile.Loop
	possync      *possync.Loop
	wsfeed       *wsingest.Feed // nil in PAPER mode
}

// New assembles the Engine from its already-constructed collaborators;
// callers (cmd/executor/main.go) own dependency construction so Engine
// itself has no knowledge of how the venue client or database were built.
func New(
	cfg *config.Config,
	store *storage.Store,
	b *bus.Bus,
	exec *executor.Executor,
	matcher *papermatcher.Matcher,
	reconcileLoop *reconcile.Loop,
	posSyncLoop *possync.Loop,
	wsfeed *wsingest.Feed,
) *Engine {
	return &Engine{
		cfg: cfg, store: store, bus: b,
		executor: exec, papermatcher: matcher,
		reconcile: reconcileLoop, possync: posSyncLoop, wsfeed: wsfeed,
	}
}

// Run starts every long-running loop under one errgroup and blocks until
// ctx is cancelled or any loop returns a non-nil, non-context error. In LIVE
// mode it performs the crash-recovery pass (reconcile.Tick, possync.Tick)
// before entering steady state so a restart never trades blind against stale
// local state, and runs the reconcile and possync loops; PAPER and BACKTEST
// modes run neither, since there is no venue state to converge against.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Str("mode", string(e.cfg.ExecutionMode)).Msg("engine starting")

	live := e.cfg.ExecutionMode == config.ModeLive
	if live {
		if err := e.reconcile.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("crash-recovery reconciliation pass failed")
		}
		if err := e.possync.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("crash-recovery position-sync pass failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if live {
		g.Go(func() error { return e.reconcile.Run(gctx) })
		g.Go(func() error { return e.possync.Run(gctx) })
	}
	g.Go(func() error { return e.consumeTradePlans(gctx) })
	g.Go(func() error { return e.consumeBarCloses(gctx) })

	if e.wsfeed != nil {
		g.Go(func() error { return e.wsfeed.Run(gctx) })
	}

	log.Info().Msg("engine running")
	err := g.Wait()
	if err != nil && gctx.Err() == nil {
		log.Error().Err(err).Msg("engine loop exited with error, shutting down")
	}
	return err
}

// consumeTradePlans drains the trade_plan topic into the executor's
// admission pipeline.
func (e *Engine) consumeTradePlans(ctx context.Context) error {
	for {
		batch, err := e.bus.Consume(ctx, "trade_plan", tradePlanGroup, consumeBatch, consumePoll)
		if err != nil {
			return err
		}
		for _, d := range batch.Messages {
			plan, ok := decodePayload[types.TradePlan](d.Envelope)
			if !ok {
				e.bus.DeadLetter("trade_plan", d.Envelope, "payload did not decode as TradePlan")
				_ = e.bus.Ack("trade_plan", tradePlanGroup, d.Offset)
				continue
			}
			if err := e.executor.Admit(ctx, plan); err != nil {
				log.Error().Err(err).Str("plan_id", plan.PlanID).Msg("failed to admit trade plan")
				continue
			}
			if err := e.bus.Ack("trade_plan", tradePlanGroup, d.Offset); err != nil {
				log.Error().Err(err).Msg("failed to ack trade_plan message")
			}
		}
	}
}

// consumeBarCloses drains the bar_close topic into the paper matcher. In
// LIVE mode this still runs: the matcher's view is one more reconciliation
// signal, not a substitute for the venue as source of truth.
func (e *Engine) consumeBarCloses(ctx context.Context) error {
	for {
		batch, err := e.bus.Consume(ctx, "bar_close", barCloseGroup, consumeBatch, consumePoll)
		if err != nil {
			return err
		}
		for _, d := range batch.Messages {
			bar, ok := decodePayload[types.BarClose](d.Envelope)
			if !ok {
				e.bus.DeadLetter("bar_close", d.Envelope, "payload did not decode as BarClose")
				_ = e.bus.Ack("bar_close", barCloseGroup, d.Offset)
				continue
			}
			if err := e.papermatcher.OnBarClose(ctx, bar); err != nil {
				log.Error().Err(err).Str("symbol", bar.Symbol).Msg("failed to process bar close")
				continue
			}
			if err := e.bus.Ack("bar_close", barCloseGroup, d.Offset); err != nil {
				log.Error().Err(err).Msg("failed to ack bar_close message")
			}
		}
	}
}

// decodePayload re-marshals an envelope's payload (decoded generically as
// map[string]any by json.Unmarshal when the envelope itself was read back
// off the bus) into T, since the bus stores envelopes with an `any`
// payload field.
func decodePayload[T any](env types.Envelope) (T, bool) {
	var out T
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}
