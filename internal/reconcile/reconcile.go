// Package reconcile implements the reconciliation loop of §4.6: an always-on
// poller that detects TP1/TP2 fills the private WS feed may have missed and
// hands expired/timed-out orders back to the order manager for retry.
// Grounded on the teacher's execution/reconciler.go RecoverPositions
// startup pass, generalized from a one-shot crash-recovery load into a
// recurring ticker loop, since a live venue's order state can drift from
// the local ledger at any time, not only at process start.
package reconcile

import (
	"context"
	"encoding/json"
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

// VenueClient is the subset of the REST client the reconciliation loop needs
// to confirm order state independent of the private WS feed.
type VenueClient interface {
	GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (status types.OrderStatus, filledQty, avgPrice decimal.Decimal, err error)

	// Degraded reports whether the client's most recent order-status query
	// was served from a stale cache entry because the live venue call
	// failed, so a tick built on possibly-out-of-date data can say so.
	Degraded() bool
}

// Resubmitter hands an order back into the live order manager's state
// machine, matching executor.Submitter's shape without importing it.
type Resubmitter interface {
	SubmitOrder(ctx context.Context, order *types.Order) error
}

// Loop is the always-on reconciliation poller.
type Loop struct {
	store  *storage.Store
	cfg    *config.Config
	bus    *bus.Bus
	client VenueClient
	orders Resubmitter
	dedup  *risk.Dedup
}

// New builds a reconciliation Loop. dedup is shared process-wide so the
// windowed-suppression rule applies across every subsystem, not just this one.
func New(store *storage.Store, cfg *config.Config, b *bus.Bus, client VenueClient, orders Resubmitter, dedup *risk.Dedup) *Loop {
	return &Loop{store: store, cfg: cfg, bus: b, client: client, orders: orders, dedup: dedup}
}

// Run ticks every cfg.ReconcilePollInterval until ctx is cancelled, honoring
// the suspension-point rule in §5.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.ReconcilePollInterval)
	defer ticker.Stop()

	// Run one pass immediately so a restart recovers before the first tick.
	if err := l.Tick(ctx); err != nil {
		log.Error().Err(err).Msg("initial reconciliation pass failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation tick failed")
			}
		}
	}
}

// Tick runs one reconciliation pass over every in-flight order belonging to
// an OPEN position.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ReconcileTickDuration.Observe(time.Since(start).Seconds()) }()

	positions, err := l.store.AllOpenPositions()
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	if l.client.Degraded() {
		l.emitDegradedEvent()
	}

	for i := range positions {
		pos := &positions[i]
		orders, err := l.store.OrdersForPosition(pos.IdempotencyKey)
		if err != nil {
			log.Error().Err(err).Str("position_id", pos.PositionID).Msg("failed to load orders for position")
			continue
		}
		for j := range orders {
			if err := l.reconcileOrder(ctx, pos, &orders[j]); err != nil {
				log.Error().Err(err).Str("order_id", orders[j].OrderID).Msg("failed to reconcile order")
			}
		}
	}
	return nil
}

func (l *Loop) reconcileOrder(ctx context.Context, pos *types.Position, order *types.Order) error {
	if order.VenueOrderID == "" {
		return nil
	}
	if !inFlight(order.Status) {
		return nil
	}

	status, filledQty, avgPrice, err := l.client.GetOrderStatus(ctx, order.Symbol, order.VenueOrderID)
	if err != nil {
		return fmt.Errorf("get order status: %w", err)
	}

	if status != order.Status || !filledQty.Equal(order.FilledQty) {
		prevStatus := order.Status
		prevFilled := order.FilledQty
		order.Status = status
		order.FilledQty = filledQty
		order.AvgFillPrice = avgPrice
		if filledQty.GreaterThan(prevFilled) {
			order.LastFillAtMs = time.Now().UnixMilli()
			l.emitFillReport(order)
		}
		if err := l.store.UpsertOrder(order); err != nil {
			return fmt.Errorf("persist reconciled order: %w", err)
		}

		if status == types.OrderFilled && prevStatus != types.OrderFilled &&
			(order.Purpose == types.PurposeTP1 || order.Purpose == types.PurposeTP2) {
			l.advanceStopManagement(pos, order)
		}
	}

	ageMs := time.Now().UnixMilli() - order.SubmittedAtMs
	if inFlight(order.Status) && ageMs > l.cfg.OrderTimeoutAlertWindow.Milliseconds() {
		l.emitTimeoutEvent(order)
		if err := l.orders.SubmitOrder(ctx, order); err != nil {
			return fmt.Errorf("resubmit timed-out order: %w", err)
		}
	}

	return nil
}

func inFlight(status types.OrderStatus) bool {
	return status == types.OrderSubmitted || status == types.OrderPartiallyFilled || status == types.OrderNew
}

// advanceStopManagement applies the same TP1/TP2 stop-management transitions
// the paper matcher applies off the bar path, but here driven off a fill the
// reconciliation poll observed instead of the private WS feed: TP1 moves the
// stop to break-even and reduces the tracked quantity, TP2 hands the
// position fully over to the runner trail.
func (l *Loop) advanceStopManagement(pos *types.Position, order *types.Order) {
	meta := types.PositionMeta{}
	if pos.MetaJSON != "" {
		_ = json.Unmarshal([]byte(pos.MetaJSON), &meta)
	}

	switch order.Purpose {
	case types.PurposeTP1:
		if meta.TP1Filled {
			return
		}
		meta.TP1Filled = true
		pos.PrimarySL = pos.EntryPrice
	case types.PurposeTP2:
		if meta.TP2Filled {
			return
		}
		meta.TP2Filled = true
	}

	pos.QtyTotal = pos.QtyTotal.Sub(order.FilledQty)
	if pos.QtyTotal.IsNegative() {
		pos.QtyTotal = decimal.Zero
	}

	if encoded, err := json.Marshal(meta); err == nil {
		pos.MetaJSON = string(encoded)
	}
	if err := l.store.UpsertPosition(pos); err != nil {
		log.Error().Err(err).Str("position_id", pos.PositionID).Msg("failed to persist stop management update")
	}
}

// emitDegradedEvent raises a RATE_LIMIT(degraded=true) signal when this
// tick's order-status data was served from a stale cache entry rather than
// a live venue response, so operators know reconciliation decisions this
// tick may be acting on out-of-date fills.
func (l *Loop) emitDegradedEvent() {
	if !l.dedup.Allow(types.EvtRateLimit, "*") {
		return
	}
	evt := types.RiskEvent{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		Type: types.EvtRateLimit, Severity: types.SeverityImportant,
	}
	if err := l.store.InsertRiskEvent(&evt); err != nil {
		log.Error().Err(err).Msg("failed to persist degraded risk event")
		return
	}
	env := types.Envelope{
		EventID: evt.EventID, TsMs: evt.TsMs, Service: "execcore", SchemaVersion: 1, Payload: evt,
		Ext: map[string]any{"degraded": true},
	}
	if err := l.bus.Publish("risk_events", env); err != nil {
		log.Error().Err(err).Msg("failed to publish degraded risk event")
	}
}

func (l *Loop) emitFillReport(order *types.Order) {
	status := types.StatusPartialFilled
	if order.Status == types.OrderFilled {
		status = types.StatusFilled
	}
	r := types.ExecutionReport{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		OrderID: order.OrderID, Status: status, Symbol: order.Symbol,
		FilledQty: order.FilledQty, AvgPrice: order.AvgFillPrice,
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

func (l *Loop) emitTimeoutEvent(order *types.Order) {
	evt := types.RiskEvent{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		Type: types.EvtOrderTimeout, Severity: types.SeverityImportant, Symbol: order.Symbol,
	}
	if err := l.store.InsertRiskEvent(&evt); err != nil {
		log.Error().Err(err).Msg("failed to persist risk event")
		return
	}
	env := types.Envelope{EventID: evt.EventID, TsMs: evt.TsMs, Service: "execcore", SchemaVersion: 1, Payload: evt}
	if err := l.bus.Publish("risk_events", env); err != nil {
		log.Error().Err(err).Msg("failed to publish risk event")
	}
}
