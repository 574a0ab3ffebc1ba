// Package ordermanager implements the live order manager state machine of
// §4.5: SUBMITTED -> PARTIALLY_FILLED* -> FILLED, or on timeout
// TIMEOUT -> CANCELING -> CANCELED -> REPRICE -> SUBMITTED (repeated up to
// the configured retry budget), falling back to a market order when
// retries are exhausted. Grounded on the teacher's execution/executor.go
// executeLive retry loop, extended with venue-status polling and the
// reprice/fallback escalation the teacher's single-shot CLOB submit doesn't
// need (Polymarket orders either fill or don't; a perpetuals venue leaves
// partially-worked limit orders open that must be actively managed).
package ordermanager

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
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

// VenueClient is the subset of the REST client the order manager drives.
type VenueClient interface {
	PlaceOrder(ctx context.Context, order *types.Order) (venueOrderID string, err error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (status types.OrderStatus, filledQty, avgPrice decimal.Decimal, err error)
	SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal) error
}

// Manager drives one order through the venue until it reaches a terminal
// state, implementing the executor.Submitter interface.
type Manager struct {
	store  *storage.Store
	cfg    *config.Config
	bus    *bus.Bus
	client VenueClient

	pollInterval time.Duration
}

// New builds a Manager.
func New(store *storage.Store, cfg *config.Config, b *bus.Bus, client VenueClient) *Manager {
	return &Manager{store: store, cfg: cfg, bus: b, client: client, pollInterval: 500 * time.Millisecond}
}

// SubmitOrder places order at the venue and drives it through ack, timeout,
// cancel, reprice and fallback-to-market according to §4.5, blocking until
// the order reaches FILLED, CANCELED or FAILED.
func (m *Manager) SubmitOrder(ctx context.Context, order *types.Order) error {
	timeout := time.Duration(m.cfg.EntryTimeoutMs) * time.Millisecond
	if order.Purpose != types.PurposeEntry {
		timeout = m.cfg.OrderTimeoutAlertWindow
	}

	for attempt := 0; attempt <= m.cfg.EntryMaxRetries; attempt++ {
		order.RetryCount = attempt
		order.Status = types.OrderSubmitted
		order.SubmittedAtMs = time.Now().UnixMilli()

		venueOrderID, err := m.client.PlaceOrder(ctx, order)
		if err != nil {
			if attempt == m.cfg.EntryMaxRetries {
				return m.fail(order, err)
			}
			m.emitRetryEvent(order, attempt, err)
			continue
		}
		order.VenueOrderID = venueOrderID
		if err := m.store.UpsertOrder(order); err != nil {
			return fmt.Errorf("persist submitted order: %w", err)
		}
		metrics.OrdersSubmitted.WithLabelValues(string(order.Purpose), string(order.Side)).Inc()

		terminal, err := m.awaitTerminal(ctx, order, timeout)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}

		// Timed out still open: cancel, then reprice toward the market and let
		// the loop resubmit at the next attempt.
		if err := m.cancelAndReprice(ctx, order, attempt); err != nil {
			return err
		}
	}

	if m.cfg.EntryFallbackMarket && order.Purpose == types.PurposeEntry {
		return m.fallbackToMarket(ctx, order)
	}

	return m.fail(order, fmt.Errorf("order exhausted retries without filling"))
}

// SubmitStopLoss places the SL leg through the venue's position-level
// trading-stop operation instead of a resting order, satisfying
// executor.Submitter's distinct treatment of the primary stop.
func (m *Manager) SubmitStopLoss(ctx context.Context, order *types.Order) error {
	order.Status = types.OrderSubmitted
	order.SubmittedAtMs = time.Now().UnixMilli()

	if err := m.client.SetTradingStop(ctx, order.Symbol, order.Price); err != nil {
		return m.fail(order, err)
	}

	if err := m.store.UpsertOrder(order); err != nil {
		return fmt.Errorf("persist submitted stop order: %w", err)
	}
	metrics.OrdersSubmitted.WithLabelValues(string(order.Purpose), string(order.Side)).Inc()
	m.emitExecutionReport(order, types.StatusOrderSubmitted)
	return nil
}

// awaitTerminal polls venue order status until FILLED, CANCELED/FAILED, or
// the timeout elapses. It returns terminal=true once the order is done.
func (m *Manager) awaitTerminal(ctx context.Context, order *types.Order, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		status, filledQty, avgPrice, err := m.client.GetOrderStatus(ctx, order.Symbol, order.VenueOrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", order.OrderID).Msg("order status poll failed")
		} else {
			order.Status = status
			order.FilledQty = filledQty
			order.AvgFillPrice = avgPrice
			if filledQty.IsPositive() {
				order.LastFillAtMs = time.Now().UnixMilli()
			}
			if err := m.store.UpsertOrder(order); err != nil {
				return false, fmt.Errorf("persist order status: %w", err)
			}

			switch status {
			case types.OrderFilled:
				metrics.OrdersFilled.WithLabelValues(string(order.Purpose)).Inc()
				m.emitExecutionReport(order, types.StatusFilled)
				return true, nil
			case types.OrderCanceled, types.OrderFailed:
				return true, nil
			case types.OrderPartiallyFilled:
				m.emitExecutionReport(order, types.StatusPartialFilled)
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			continue
		}
	}
}

// cancelAndReprice cancels an unfilled order and nudges its limit price
// toward the market by the configured basis-point step, per §4.5's REPRICE
// transition.
func (m *Manager) cancelAndReprice(ctx context.Context, order *types.Order, attempt int) error {
	if err := m.client.CancelOrder(ctx, order.Symbol, order.VenueOrderID); err != nil {
		log.Warn().Err(err).Str("order_id", order.OrderID).Msg("cancel on timeout failed")
	}
	order.Status = types.OrderCanceled
	if err := m.store.UpsertOrder(order); err != nil {
		return fmt.Errorf("persist canceled order: %w", err)
	}

	m.emitRiskEvent(types.EvtOrderTimeout, order, map[string]any{"attempt": attempt})
	metrics.OrderReprices.WithLabelValues(order.Symbol).Inc()

	bps := decimal.NewFromInt(m.cfg.EntryRepriceBps).Div(decimal.NewFromInt(10000))
	step := order.Price.Mul(bps)
	if order.Side == types.SideBuy {
		order.Price = order.Price.Add(step)
	} else {
		order.Price = order.Price.Sub(step)
	}

	m.emitRiskEvent(types.EvtOrderRetry, order, map[string]any{"new_price": order.Price.String()})
	return nil
}

// fallbackToMarket converts the order to a market order as a last resort,
// per §4.5's FALLBACK_MARKET transition.
func (m *Manager) fallbackToMarket(ctx context.Context, order *types.Order) error {
	order.OrderType = types.OrderTypeMarket
	order.TimeInForce = types.TIFIOC
	order.RetryCount++

	metrics.OrderFallbacks.Inc()
	m.emitRiskEvent(types.EvtOrderFallbackMarket, order, nil)

	venueOrderID, err := m.client.PlaceOrder(ctx, order)
	if err != nil {
		return m.fail(order, err)
	}
	order.VenueOrderID = venueOrderID
	order.Status = types.OrderSubmitted
	if err := m.store.UpsertOrder(order); err != nil {
		return err
	}

	_, err = m.awaitTerminalOnce(ctx, order)
	return err
}

// awaitTerminalOnce polls the order's status for up to 5s right after a
// market fallback submit, which is expected to fill close to immediately.
func (m *Manager) awaitTerminalOnce(ctx context.Context, order *types.Order) (bool, error) {
	return m.awaitTerminal(ctx, order, 5*time.Second)
}

func (m *Manager) fail(order *types.Order, cause error) error {
	order.Status = types.OrderFailed
	if err := m.store.UpsertOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist failed order")
	}
	m.emitExecutionReport(order, types.StatusOrderRejected)
	return fmt.Errorf("order %s failed: %w", order.OrderID, cause)
}

func (m *Manager) emitRetryEvent(order *types.Order, attempt int, cause error) {
	m.emitRiskEvent(types.EvtOrderRetry, order, map[string]any{"attempt": attempt, "error": cause.Error()})
}

func (m *Manager) emitRiskEvent(evtType types.RiskEventType, order *types.Order, ext map[string]any) {
	evt := types.RiskEvent{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		Type: evtType, Severity: types.SeverityInfo, Symbol: order.Symbol,
	}
	if err := m.store.InsertRiskEvent(&evt); err != nil {
		log.Error().Err(err).Msg("failed to persist risk event")
		return
	}
	env := types.Envelope{EventID: evt.EventID, TsMs: evt.TsMs, Service: "execcore", SchemaVersion: 1, Payload: evt, Ext: ext}
	if err := m.bus.Publish("risk_events", env); err != nil {
		log.Error().Err(err).Msg("failed to publish risk event")
	}
}

func (m *Manager) emitExecutionReport(order *types.Order, status types.ExecutionStatus) {
	r := types.ExecutionReport{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		OrderID: order.OrderID, Status: status, Symbol: order.Symbol,
		FilledQty: order.FilledQty, AvgPrice: order.AvgFillPrice, RetryCount: order.RetryCount,
	}
	if err := m.store.InsertExecutionReport(&r); err != nil {
		log.Error().Err(err).Msg("failed to persist execution report")
		return
	}
	env := types.Envelope{EventID: r.EventID, TsMs: r.TsMs, Service: "execcore", SchemaVersion: 1, Payload: r}
	if err := m.bus.Publish("execution_reports", env); err != nil {
		log.Error().Err(err).Msg("failed to publish execution report")
	}
}
