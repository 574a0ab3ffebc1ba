// Package possync implements the position-sync loop of §4.7: an always-on
// poller that compares the local OPEN position ledger against the venue's
// actual position size, auto-closing rows the exchange no longer carries
// and raising a consistency-drift event when the two disagree by more than
// the configured threshold. There is no direct teacher analogue (Polymarket
// positions are derived entirely from on-chain fills, so the teacher never
// needed a separate venue-reconciliation pass); this is grounded on the
// same gorm-repository idiom as internal/reconcile, applied to account
// state instead of order state.
package possync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/metrics"
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

// VenuePosition is one position row as reported by the exchange.
type VenuePosition struct {
	Symbol string
	Side   types.Side
	Size   decimal.Decimal
}

// VenueClient is the subset of the REST client position-sync needs.
type VenueClient interface {
	GetPositions(ctx context.Context) ([]VenuePosition, error)
}

// Loop is the always-on position-sync poller.
type Loop struct {
	store  *storage.Store
	cfg    *config.Config
	bus    *bus.Bus
	client VenueClient
	dedup  *risk.Dedup
}

// New builds a position-sync Loop. dedup is shared process-wide so the
// windowed-suppression rule applies across every subsystem that can raise a
// CONSISTENCY_DRIFT event for the same symbol, not just this one.
func New(store *storage.Store, cfg *config.Config, b *bus.Bus, client VenueClient, dedup *risk.Dedup) *Loop {
	return &Loop{store: store, cfg: cfg, bus: b, client: client, dedup: dedup}
}

// Run ticks every cfg.PositionSyncInterval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PositionSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("position sync tick failed")
			}
		}
	}
}

// Tick compares every local OPEN position against the venue's reported
// position size for that symbol/side.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.PositionSyncTickDuration.Observe(time.Since(start).Seconds()) }()

	dbPositions, err := l.store.AllOpenPositions()
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	metrics.OpenPositions.Set(float64(len(dbPositions)))
	if len(dbPositions) == 0 {
		return nil
	}

	venuePositions, err := l.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch venue positions: %w", err)
	}
	venueBySymbolSide := make(map[string]decimal.Decimal, len(venuePositions))
	for _, vp := range venuePositions {
		venueBySymbolSide[key(vp.Symbol, vp.Side)] = vp.Size
	}

	for i := range dbPositions {
		pos := &dbPositions[i]
		venueSize, present := venueBySymbolSide[key(pos.Symbol, pos.Side)]

		if !present || venueSize.IsZero() {
			if err := l.closeStalePosition(pos); err != nil {
				log.Error().Err(err).Str("position_id", pos.PositionID).Msg("failed to close stale position")
			}
			continue
		}

		if l.cfg.ConsistencyDriftEnabled {
			l.checkDrift(pos, venueSize)
		}
	}

	return nil
}

func key(symbol string, side types.Side) string { return symbol + "|" + string(side) }

// closeStalePosition marks a locally-open position CLOSED when the
// exchange no longer carries it, per §4.7's auto-close behavior.
func (l *Loop) closeStalePosition(pos *types.Position) error {
	now := time.Now().UnixMilli()
	pos.Status = types.PositionClosed
	pos.ExitReason = types.ExitExchangeClosed
	pos.ClosedAtMs = &now

	if err := l.store.UpsertPosition(pos); err != nil {
		return err
	}

	l.emitExecutionReport(pos, types.StatusPositionClosed)
	log.Warn().Str("position_id", pos.PositionID).Str("symbol", pos.Symbol).Msg("auto-closed position absent from venue")
	return nil
}

// checkDrift raises a CONSISTENCY_DRIFT risk event when the local and
// venue-reported sizes disagree by more than the configured threshold.
func (l *Loop) checkDrift(pos *types.Position, venueSize decimal.Decimal) {
	localSize := pos.QtyTotal
	if localSize.IsZero() {
		return
	}

	diff := localSize.Sub(venueSize).Abs().Div(localSize)
	if diff.LessThan(l.cfg.ConsistencyDriftThresholdPct) {
		return
	}
	if !l.dedup.Allow(types.EvtConsistencyDrift, pos.Symbol) {
		return
	}
	metrics.ConsistencyDriftEvents.WithLabelValues(pos.Symbol).Inc()

	evt := types.RiskEvent{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		Type: types.EvtConsistencyDrift, Severity: types.SeverityImportant, Symbol: pos.Symbol,
	}
	if err := l.store.InsertRiskEvent(&evt); err != nil {
		log.Error().Err(err).Msg("failed to persist drift event")
		return
	}
	env := types.Envelope{
		EventID: evt.EventID, TsMs: evt.TsMs, Service: "execcore", SchemaVersion: 1, Payload: evt,
		Ext: map[string]any{"local_size": localSize.String(), "venue_size": venueSize.String(), "drift_pct": diff.String()},
	}
	if err := l.bus.Publish("risk_events", env); err != nil {
		log.Error().Err(err).Msg("failed to publish drift event")
	}
}

func (l *Loop) emitExecutionReport(pos *types.Position, status types.ExecutionStatus) {
	r := types.ExecutionReport{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		PlanID: pos.IdempotencyKey, Status: status, Symbol: pos.Symbol, Timeframe: pos.Timeframe,
	}
	if err := l.store.InsertExecutionReport(&r); err != nil {
		log.Error().Err(err).Msg("failed to persist execution report")
		return
	}
	env := types.Envelope{EventID: r.EventID, TsMs: r.TsMs, Service: "execcore", SchemaVersion: 1, Payload: r}
	if err := l.bus.Publish("execution_reports", env); err != nil {
		log.Error().Err(err).Msg("failed to publish execution report")
	}
}
