// Package executor implements the trade-plan executor of §4.2: the
// seven-step admission sequence (idempotency lock, kill switch, expiry,
// risk circuit, cooldown, max positions, same-symbol-side mutex), position
// sizing, and the opening sequence that places ENTRY/SL/TP1/TP2 orders.
// Grounded on the teacher's execution/executor.go SubmitOrder/updatePosition
// split, generalized from an in-memory order/position map to the
// persistence-backed repository in internal/storage.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/idempotency"
	"github.com/web3guy0/execcore/internal/metrics"
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

const lockTTL = 30 * time.Second

// Submitter hands a freshly-created order off to whichever fill path is
// active: the paper matcher in PAPER mode, the live order manager in LIVE
// mode. Both packages implement this interface; the executor does not know
// or care which one it is talking to.
type Submitter interface {
	SubmitOrder(ctx context.Context, order *types.Order) error

	// SubmitStopLoss places the SL leg through the venue's position-level
	// trading-stop operation rather than a resting reduce-only order.
	SubmitStopLoss(ctx context.Context, order *types.Order) error
}

// EquityFunc returns the account equity used for position sizing.
type EquityFunc func() (decimal.Decimal, error)

// LotSizeFunc returns the venue's quantity step for a symbol.
type LotSizeFunc func(symbol string) decimal.Decimal

// Executor is the service-container component that turns admitted trade
// plans into positions and orders.
type Executor struct {
	store     *storage.Store
	cfg       *config.Config
	locker    *idempotency.Locker
	pipeline  *risk.Pipeline
	sizer     *risk.Sizer
	ledger    *risk.Ledger
	dedup     *risk.Dedup
	bus       *bus.Bus
	submitter Submitter
	equity    EquityFunc
	lotSize   LotSizeFunc
}

// New builds an Executor wired to its collaborators.
func New(
	store *storage.Store,
	cfg *config.Config,
	locker *idempotency.Locker,
	pipeline *risk.Pipeline,
	sizer *risk.Sizer,
	ledger *risk.Ledger,
	dedup *risk.Dedup,
	b *bus.Bus,
	submitter Submitter,
	equity EquityFunc,
	lotSize LotSizeFunc,
) *Executor {
	return &Executor{
		store: store, cfg: cfg, locker: locker, pipeline: pipeline,
		sizer: sizer, ledger: ledger, dedup: dedup, bus: b,
		submitter: submitter, equity: equity, lotSize: lotSize,
	}
}

// Admit runs a trade plan through the admission pipeline and, if approved,
// opens the position. It returns nil on any outcome that was handled
// internally (rejection, duplicate delivery) — callers should only see an
// error for genuine infrastructure failures.
func (e *Executor) Admit(ctx context.Context, plan types.TradePlan) error {
	lockKey := idempotency.PlanKey(plan.IdempotencyKey)
	token := uuid.NewString()

	acquired, err := e.locker.Acquire(lockKey, token, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire plan lock: %w", err)
	}
	if !acquired {
		log.Debug().Str("idempotency_key", plan.IdempotencyKey).Msg("duplicate trade plan delivery, ignoring")
		return nil
	}
	defer func() {
		if err := e.locker.Release(lockKey, token); err != nil {
			log.Warn().Err(err).Str("idempotency_key", plan.IdempotencyKey).Msg("failed to release plan lock")
		}
	}()

	existing, err := e.store.GetPositionByIdempotencyKey(plan.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("lookup existing position: %w", err)
	}
	if existing != nil {
		log.Debug().Str("idempotency_key", plan.IdempotencyKey).Msg("plan already admitted, skipping re-open")
		return nil
	}

	nowMs := time.Now().UnixMilli()
	decision, err := e.pipeline.Evaluate(plan, nowMs)
	if err != nil {
		return fmt.Errorf("evaluate gates: %w", err)
	}

	if !decision.Approved {
		e.publishRejection(plan, decision)
		return nil
	}

	if decision.UpgradeExisting != nil {
		if err := e.closeForUpgrade(ctx, decision.UpgradeExisting); err != nil {
			return fmt.Errorf("close position for mutex upgrade: %w", err)
		}
	}

	return e.open(ctx, plan)
}

func (e *Executor) publishRejection(plan types.TradePlan, decision risk.Decision) {
	metrics.GateRejections.WithLabelValues(string(decision.Reason)).Inc()

	evtType := rejectEventType(decision.Reason)
	if e.dedup.Allow(evtType, plan.Symbol) {
		e.emitRiskEvent(evtType, types.SeverityInfo, plan.Symbol, map[string]any{
			"reason": decision.Reason, "detail": decision.Detail, "idempotency_key": plan.IdempotencyKey,
		})
	}
	e.emitExecutionReport(types.ExecutionReport{
		PlanID: plan.PlanID, Status: types.StatusOrderRejected, Reason: decision.Reason,
		Symbol: plan.Symbol, Timeframe: plan.Timeframe,
	})
}

// rejectEventType maps an admission-gate rejection reason to its §6
// risk_event type. Reasons with no dedicated type fall back to the generic
// RISK_REJECTED; risk.Dedup itself decides which of these types are
// actually windowed.
func rejectEventType(reason types.RejectReason) types.RiskEventType {
	switch reason {
	case types.ReasonKillSwitchOn:
		return types.EvtKillSwitchOn
	case types.ReasonSignalExpired:
		return types.EvtSignalExpired
	case types.ReasonCooldownBlocked:
		return types.EvtCooldownBlocked
	case types.ReasonMaxPositionsBlocked:
		return types.EvtMaxPositionsBlocked
	case types.ReasonPositionMutex:
		return types.EvtPositionMutexBlocked
	case types.ReasonRateLimit:
		return types.EvtRateLimit
	default:
		return types.EvtRiskRejected
	}
}

// closeForUpgrade force-exits a lower-timeframe position to make room for a
// higher-priority one, per §4.2's CLOSE_LOWER_AND_OPEN mutex action.
func (e *Executor) closeForUpgrade(ctx context.Context, pos *types.Position) error {
	exitOrder := &types.Order{
		OrderID:        uuid.NewString(),
		IdempotencyKey: pos.IdempotencyKey,
		Purpose:        types.PurposeExit,
		Symbol:         pos.Symbol,
		Side:           oppositeSide(pos.Side),
		OrderType:      types.OrderTypeMarket,
		TimeInForce:    types.TIFIOC,
		Qty:            pos.QtyTotal,
		ReduceOnly:     true,
		Status:         types.OrderNew,
		SubmittedAtMs:  time.Now().UnixMilli(),
	}
	if err := e.store.UpsertOrder(exitOrder); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	pos.Status = types.PositionClosing
	pos.ExitReason = types.ExitMutexUpgrade
	pos.ClosedAtMs = &now
	if err := e.store.UpsertPosition(pos); err != nil {
		return err
	}

	return e.submitter.SubmitOrder(ctx, exitOrder)
}

// open executes §4.2's opening sequence: size the position, persist it,
// persist the ENTRY/SL/TP1/TP2 orders, then submit the entry, the SL (through
// SubmitStopLoss) and the TP legs.
func (e *Executor) open(ctx context.Context, plan types.TradePlan) error {
	equity, err := e.equity()
	if err != nil {
		return fmt.Errorf("read equity: %w", err)
	}
	lot := e.lotSize(plan.Symbol)

	sized, err := e.sizer.Calculate(equity, plan.Entry, plan.StopPrice, lot)
	if err != nil {
		e.emitExecutionReport(types.ExecutionReport{
			PlanID: plan.PlanID, Status: types.StatusOrderRejected, Reason: types.ReasonOrderValueTooSmall,
			Symbol: plan.Symbol, Timeframe: plan.Timeframe,
		})
		return nil
	}

	tp1Qty, tp2Qty, runnerQty := risk.TPQuantities(sized.Qty, plan.TP1, plan.TP2, plan.Runner, lot)

	nowMs := time.Now().UnixMilli()
	positionID := uuid.NewString()

	pos := &types.Position{
		PositionID:     positionID,
		IdempotencyKey: plan.IdempotencyKey,
		Symbol:         plan.Symbol,
		Timeframe:      plan.Timeframe,
		Side:           plan.Side,
		Bias:           types.SideToBias(plan.Side),
		QtyTotal:       sized.Qty,
		QtyRunner:      runnerQty,
		EntryPrice:     plan.Entry,
		PrimarySL:      plan.StopPrice,
		RunnerStop:     plan.StopPrice,
		Status:         types.PositionOpen,
		OpenedAtMs:     nowMs,
		HistEntry:      plan.HistEntry,
	}
	if err := e.store.UpsertPosition(pos); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}

	entryOrder := e.buildOrder(plan, positionID, types.PurposeEntry, sized.Qty, plan.Entry, false)
	slOrder := e.buildOrder(plan, positionID, types.PurposeSLAdjust, sized.Qty, plan.StopPrice, true)
	tp1Order := e.buildOrder(plan, positionID, types.PurposeTP1, tp1Qty, tpPrice(plan, plan.TP1), true)
	tp2Order := e.buildOrder(plan, positionID, types.PurposeTP2, tp2Qty, tpPrice(plan, plan.TP2), true)

	for _, o := range []*types.Order{entryOrder, slOrder, tp1Order, tp2Order} {
		if o.Qty.IsZero() {
			continue
		}
		if err := e.store.UpsertOrder(o); err != nil {
			return fmt.Errorf("persist %s order: %w", o.Purpose, err)
		}
	}

	if err := e.submitter.SubmitOrder(ctx, entryOrder); err != nil {
		return fmt.Errorf("submit entry order: %w", err)
	}
	metrics.OrdersSubmitted.WithLabelValues(string(types.PurposeEntry), string(entryOrder.Side)).Inc()

	// The entry failing to submit aborts the open; the protective legs
	// failing does not — the position already exists, so the priority is to
	// keep trying to get it protected and loudly log if it can't be, not to
	// unwind an entry that may already be resting or filled at the venue.
	if !slOrder.Qty.IsZero() {
		if err := e.submitter.SubmitStopLoss(ctx, slOrder); err != nil {
			log.Error().Err(err).Str("position_id", positionID).Str("order_id", slOrder.OrderID).
				Msg("failed to submit stop-loss leg, position is unprotected at the venue")
		} else {
			metrics.OrdersSubmitted.WithLabelValues(string(types.PurposeSLAdjust), string(slOrder.Side)).Inc()
		}
	}
	for _, o := range []*types.Order{tp1Order, tp2Order} {
		if o.Qty.IsZero() {
			continue
		}
		if err := e.submitter.SubmitOrder(ctx, o); err != nil {
			log.Error().Err(err).Str("position_id", positionID).Str("order_id", o.OrderID).Str("purpose", string(o.Purpose)).
				Msg("failed to submit protective order")
			continue
		}
		metrics.OrdersSubmitted.WithLabelValues(string(o.Purpose), string(o.Side)).Inc()
	}

	e.emitExecutionReport(types.ExecutionReport{
		PlanID: plan.PlanID, OrderID: entryOrder.OrderID, Status: types.StatusOrderSubmitted,
		Symbol: plan.Symbol, Timeframe: plan.Timeframe,
	})

	log.Info().
		Str("symbol", plan.Symbol).
		Str("side", string(plan.Side)).
		Str("qty", sized.Qty.String()).
		Str("entry", plan.Entry.String()).
		Str("stop", plan.StopPrice.String()).
		Bool("size_clamped", sized.Clamped).
		Msg("trade plan admitted, opening sequence started")

	return nil
}

func (e *Executor) buildOrder(plan types.TradePlan, positionID string, purpose types.OrderPurpose, qty, price decimal.Decimal, reduceOnly bool) *types.Order {
	side := plan.Side
	if reduceOnly {
		side = oppositeSide(plan.Side)
	}
	orderType := e.cfg.EntryOrderType
	if purpose != types.PurposeEntry {
		orderType = types.OrderTypeLimit
	}
	return &types.Order{
		OrderID:        uuid.NewString(),
		IdempotencyKey: plan.IdempotencyKey,
		Purpose:        purpose,
		Symbol:         plan.Symbol,
		Side:           side,
		OrderType:      orderType,
		TimeInForce:    types.TIFGTC,
		Qty:            qty,
		Price:          price,
		ReduceOnly:     reduceOnly,
		Status:         types.OrderNew,
		SubmittedAtMs:  time.Now().UnixMilli(),
		PayloadJSON:    positionID,
	}
}

func tpPrice(plan types.TradePlan, rule types.TPRule) decimal.Decimal {
	unitRisk := plan.Entry.Sub(plan.StopPrice).Abs()
	move := unitRisk.Mul(rule.RMultiple)
	if plan.Side == types.SideBuy {
		return plan.Entry.Add(move)
	}
	return plan.Entry.Sub(move)
}

func oppositeSide(s types.Side) types.Side {
	if s == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

func (e *Executor) emitRiskEvent(evtType types.RiskEventType, sev types.Severity, symbol string, ext map[string]any) {
	evt := types.RiskEvent{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		Type: evtType, Severity: sev, Symbol: symbol,
	}
	if err := e.store.InsertRiskEvent(&evt); err != nil {
		log.Error().Err(err).Str("type", string(evtType)).Msg("failed to persist risk event")
		return
	}
	env := types.Envelope{
		EventID: evt.EventID, TsMs: evt.TsMs, Service: "execcore", SchemaVersion: 1,
		Payload: evt, Ext: ext,
	}
	if err := e.bus.Publish("risk_events", env); err != nil {
		log.Error().Err(err).Msg("failed to publish risk event")
	}
}

func (e *Executor) emitExecutionReport(r types.ExecutionReport) {
	r.EventID = uuid.NewString()
	r.TsMs = time.Now().UnixMilli()
	if err := e.store.InsertExecutionReport(&r); err != nil {
		log.Error().Err(err).Msg("failed to persist execution report")
		return
	}
	env := types.Envelope{
		EventID: r.EventID, TsMs: r.TsMs, Service: "execcore", SchemaVersion: 1, Payload: r,
	}
	if err := e.bus.Publish("execution_reports", env); err != nil {
		log.Error().Err(err).Msg("failed to publish execution report")
	}
}
