// Package papermatcher implements the OHLC paper order matcher of §4.4: on
// each bar close it walks a conservative open/high/low/close path through
// every open position for that symbol, firing the first level the path
// crosses (primary stop, TP1, TP2, or the trailing runner stop).
//
// Grounded on the teacher's risk/tp_sl.go TPSLManager.CheckExit and
// calculateTrailingStop, generalized from a single take-profit/stop-loss
// pair checked against a live tick to a four-level ladder walked against a
// historical bar, since paper mode has no live tick stream to poll.
package papermatcher

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
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

// Matcher consumes bar_close events and fills paper-mode positions.
type Matcher struct {
	store  *storage.Store
	cfg    *config.Config
	ledger *risk.Ledger
	bus    *bus.Bus
}

// New builds a Matcher.
func New(store *storage.Store, cfg *config.Config, ledger *risk.Ledger, b *bus.Bus) *Matcher {
	return &Matcher{store: store, cfg: cfg, ledger: ledger, bus: b}
}

// SubmitOrder fills an entry order immediately at its requested price,
// satisfying executor.Submitter in PAPER mode. Paper mode has no order book
// to work a resting order against, so entries are treated as filled the
// instant the plan is admitted. TP1/TP2 orders routed here are only recorded
// as resting; OnBarClose walks them directly off position state instead.
func (m *Matcher) SubmitOrder(ctx context.Context, order *types.Order) error {
	if order.Purpose == types.PurposeTP1 || order.Purpose == types.PurposeTP2 {
		order.Status = types.OrderSubmitted
		order.SubmittedAtMs = time.Now().UnixMilli()
		if err := m.store.UpsertOrder(order); err != nil {
			return fmt.Errorf("persist paper take-profit order: %w", err)
		}
		return nil
	}

	now := time.Now().UnixMilli()
	order.Status = types.OrderFilled
	order.FilledQty = order.Qty
	order.AvgFillPrice = order.Price
	order.SubmittedAtMs = now
	order.LastFillAtMs = now
	if err := m.store.UpsertOrder(order); err != nil {
		return fmt.Errorf("persist paper-filled order: %w", err)
	}

	fill := types.Fill{
		FillID: uuid.NewString(), OrderID: order.OrderID, Symbol: order.Symbol, Purpose: order.Purpose,
		Side: order.Side, ExecutedQty: order.Qty, ExecutedPrice: order.Price, ExecutedAtMs: now,
		VenueExecID: "paper-" + uuid.NewString(),
	}
	if err := m.store.InsertFill(&fill); err != nil {
		return fmt.Errorf("persist paper fill: %w", err)
	}

	log.Info().Str("order_id", order.OrderID).Str("symbol", order.Symbol).Str("price", order.Price.String()).Msg("paper matcher filled entry order")
	return nil
}

// SubmitStopLoss satisfies executor.Submitter's distinct SL leg, but paper
// mode has no venue trading-stop endpoint to call: the stop lives entirely
// in pos.PrimarySL and is enforced by walk() against the bar path. This just
// records the order as resting so reconcile/storage have a row to show.
func (m *Matcher) SubmitStopLoss(ctx context.Context, order *types.Order) error {
	order.Status = types.OrderSubmitted
	order.SubmittedAtMs = time.Now().UnixMilli()
	if err := m.store.UpsertOrder(order); err != nil {
		return fmt.Errorf("persist paper stop order: %w", err)
	}
	return nil
}

// OnBarClose processes one finalized bar: it claims the bar (gap-refill
// double-emit guard, §4.11) and walks every open position on that symbol
// through the bar's conservative price path.
func (m *Matcher) OnBarClose(ctx context.Context, bar types.BarClose) error {
	if !bar.IsFinal {
		return nil
	}

	claimed, err := m.store.ClaimBarClose(bar.Symbol, bar.Timeframe, bar.CloseTimeMs)
	if err != nil {
		return fmt.Errorf("claim bar close: %w", err)
	}
	if !claimed {
		log.Debug().Str("symbol", bar.Symbol).Int64("close_ms", bar.CloseTimeMs).Msg("duplicate bar close, skipping")
		return nil
	}

	positions, err := m.store.AllOpenPositions()
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	path := conservativePath(bar)

	for i := range positions {
		pos := positions[i]
		if pos.Symbol != bar.Symbol {
			continue
		}
		if err := m.walk(ctx, &pos, bar, path); err != nil {
			log.Error().Err(err).Str("position_id", pos.PositionID).Msg("paper matcher failed to process position")
		}
	}

	return nil
}

// conservativePath returns the price sequence a bar's intrabar path is
// assumed to have taken, biased against the holder: a bullish bar is
// assumed to dip to its low before rallying to its high, and a bearish bar
// is assumed to spike to its high before dropping to its low.
func conservativePath(bar types.BarClose) []decimal.Decimal {
	if bar.Close.GreaterThanOrEqual(bar.Open) {
		return []decimal.Decimal{bar.Open, bar.Low, bar.High, bar.Close}
	}
	return []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close}
}

func (m *Matcher) walk(ctx context.Context, pos *types.Position, bar types.BarClose, path []decimal.Decimal) error {
	meta := loadMeta(pos)

	for _, price := range path {
		if hitStop(pos, price) {
			return m.exitPrimarySL(ctx, pos, price)
		}

		if !meta.TP1Filled && hitTarget(pos, price, tp1Price(pos)) {
			meta.TP1Filled = true
			qty, err := m.orderQty(pos, types.PurposeTP1)
			if err != nil {
				return err
			}
			if err := m.partialExit(ctx, pos, price, types.PurposeTP1, qty); err != nil {
				return err
			}
			// TP1 moves the stop to break-even and reduces the position by the
			// filled leg, matching the live reconcile path's TP1 transition.
			pos.PrimarySL = pos.EntryPrice
			pos.QtyTotal = pos.QtyTotal.Sub(qty)
			if pos.QtyTotal.IsNegative() {
				pos.QtyTotal = decimal.Zero
			}
			saveMeta(pos, meta)
			continue
		}

		if meta.TP1Filled && !meta.TP2Filled && hitTarget(pos, price, tp2Price(pos)) {
			meta.TP2Filled = true
			qty, err := m.orderQty(pos, types.PurposeTP2)
			if err != nil {
				return err
			}
			if err := m.partialExit(ctx, pos, price, types.PurposeTP2, qty); err != nil {
				return err
			}
			pos.QtyTotal = pos.QtyTotal.Sub(qty)
			if pos.QtyTotal.IsNegative() {
				pos.QtyTotal = decimal.Zero
			}
			saveMeta(pos, meta)
			continue
		}

		if meta.TP2Filled {
			m.updateRunnerTrail(pos, price)
			if hitRunnerStop(pos, price) {
				return m.exitRunner(ctx, pos, price)
			}
		}
	}

	return m.store.UpsertPosition(pos)
}

// orderQty looks up the exact quantity internal/risk.TPQuantities assigned
// to a TP leg at open time, rather than re-deriving it from the rule
// fraction (the lot-size rounding makes the two legs not exactly equal).
func (m *Matcher) orderQty(pos *types.Position, purpose types.OrderPurpose) (decimal.Decimal, error) {
	o, err := m.store.GetOrder(pos.IdempotencyKey, purpose)
	if err != nil {
		return decimal.Zero, err
	}
	if o == nil {
		return decimal.Zero, nil
	}
	return o.Qty, nil
}

func hitStop(pos *types.Position, price decimal.Decimal) bool {
	if pos.Side == types.SideBuy {
		return price.LessThanOrEqual(pos.PrimarySL)
	}
	return price.GreaterThanOrEqual(pos.PrimarySL)
}

func hitTarget(pos *types.Position, price, target decimal.Decimal) bool {
	if pos.Side == types.SideBuy {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

func hitRunnerStop(pos *types.Position, price decimal.Decimal) bool {
	if pos.Side == types.SideBuy {
		return price.LessThanOrEqual(pos.RunnerStop)
	}
	return price.GreaterThanOrEqual(pos.RunnerStop)
}

func tp1Price(pos *types.Position) decimal.Decimal {
	unitRisk := pos.EntryPrice.Sub(pos.PrimarySL).Abs()
	if pos.Side == types.SideBuy {
		return pos.EntryPrice.Add(unitRisk)
	}
	return pos.EntryPrice.Sub(unitRisk)
}

// tp2Price measures R from RunnerStop rather than PrimarySL: TP2 is only
// checked after TP1 has moved PrimarySL to break-even, while RunnerStop still
// holds the original stop until the runner trail starts after TP2.
func tp2Price(pos *types.Position) decimal.Decimal {
	unitRisk := pos.EntryPrice.Sub(pos.RunnerStop).Abs().Mul(decimal.NewFromInt(2))
	if pos.Side == types.SideBuy {
		return pos.EntryPrice.Add(unitRisk)
	}
	return pos.EntryPrice.Sub(unitRisk)
}

// updateRunnerTrail tightens the runner stop toward the best price seen so
// far. Grounded on TPSLManager.calculateTrailingStop's high-water-mark
// trail, using a fixed percentage distance as the paper-mode stand-in for
// both the ATR and PIVOT trail modes (neither has the rolling indicator
// history available inside a single bar_close event).
func (m *Matcher) updateRunnerTrail(pos *types.Position, price decimal.Decimal) {
	const trailPct = 0.02
	distance := price.Mul(decimal.NewFromFloat(trailPct))

	if pos.Side == types.SideBuy {
		candidate := price.Sub(distance)
		if candidate.GreaterThan(pos.RunnerStop) {
			pos.RunnerStop = candidate
		}
		return
	}
	candidate := price.Add(distance)
	if pos.RunnerStop.IsZero() || candidate.LessThan(pos.RunnerStop) {
		pos.RunnerStop = candidate
	}
}

func (m *Matcher) partialExit(ctx context.Context, pos *types.Position, price decimal.Decimal, purpose types.OrderPurpose, qty decimal.Decimal) error {
	if qty.IsZero() {
		return nil
	}
	fill := types.Fill{
		FillID: uuid.NewString(), Symbol: pos.Symbol, Purpose: purpose, Side: oppositeSide(pos.Side),
		ExecutedQty: qty, ExecutedPrice: price, ExecutedAtMs: time.Now().UnixMilli(),
		VenueExecID: "paper-" + uuid.NewString(),
	}
	if err := m.store.InsertFill(&fill); err != nil {
		return err
	}

	status := types.StatusTPHit
	m.emitExecutionReport(types.ExecutionReport{
		PlanID: pos.IdempotencyKey, Status: status, Symbol: pos.Symbol, Timeframe: pos.Timeframe,
		FilledQty: qty, AvgPrice: price,
	})
	log.Info().Str("position_id", pos.PositionID).Str("purpose", string(purpose)).Str("qty", qty.String()).Str("price", price.String()).Msg("paper matcher filled partial exit")
	return nil
}

func (m *Matcher) exitPrimarySL(ctx context.Context, pos *types.Position, price decimal.Decimal) error {
	return m.closePosition(ctx, pos, price, types.ExitPrimarySLHit, types.StatusPrimarySLHit, true)
}

func (m *Matcher) exitRunner(ctx context.Context, pos *types.Position, price decimal.Decimal) error {
	return m.closePosition(ctx, pos, price, types.ExitSecondarySL, types.StatusSecondarySL, false)
}

func (m *Matcher) closePosition(ctx context.Context, pos *types.Position, price decimal.Decimal, reason types.ExitReason, status types.ExecutionStatus, isLoss bool) error {
	now := time.Now().UnixMilli()
	pos.Status = types.PositionClosed
	pos.ExitReason = reason
	pos.ClosedAtMs = &now

	qty := pos.QtyRunner
	if qty.IsZero() {
		qty = pos.QtyTotal
	}

	fill := types.Fill{
		FillID: uuid.NewString(), Symbol: pos.Symbol, Purpose: types.PurposeExit, Side: oppositeSide(pos.Side),
		ExecutedQty: qty, ExecutedPrice: price, ExecutedAtMs: now, VenueExecID: "paper-" + uuid.NewString(),
	}
	if err := m.store.InsertFill(&fill); err != nil {
		return err
	}
	if err := m.store.UpsertPosition(pos); err != nil {
		return err
	}

	if reason == types.ExitPrimarySLHit {
		bars := m.cfg.CooldownBars(pos.Timeframe)
		if bars > 0 {
			cooldown := types.Cooldown{
				Symbol: pos.Symbol, Side: pos.Side, Timeframe: pos.Timeframe,
				Reason: string(reason), UntilMs: now + int64(bars)*timeframeMs(pos.Timeframe),
			}
			if err := m.store.InsertCooldown(&cooldown); err != nil {
				return err
			}
		}
	}

	if isLoss {
		if err := m.ledger.RecordLoss(); err != nil {
			return err
		}
	} else if err := m.ledger.RecordWin(); err != nil {
		return err
	}

	m.emitExecutionReport(types.ExecutionReport{
		PlanID: pos.IdempotencyKey, Status: status, Symbol: pos.Symbol, Timeframe: pos.Timeframe,
		FilledQty: qty, AvgPrice: price,
	})

	log.Info().Str("position_id", pos.PositionID).Str("reason", string(reason)).Str("price", price.String()).Msg("paper matcher closed position")
	return nil
}

func (m *Matcher) emitExecutionReport(r types.ExecutionReport) {
	r.EventID = uuid.NewString()
	r.TsMs = time.Now().UnixMilli()
	if err := m.store.InsertExecutionReport(&r); err != nil {
		log.Error().Err(err).Msg("failed to persist execution report")
		return
	}
	env := types.Envelope{EventID: r.EventID, TsMs: r.TsMs, Service: "execcore", SchemaVersion: 1, Payload: r}
	if err := m.bus.Publish("execution_reports", env); err != nil {
		log.Error().Err(err).Msg("failed to publish execution report")
	}
}

func oppositeSide(s types.Side) types.Side {
	if s == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

func timeframeMs(tf types.Timeframe) int64 {
	switch tf {
	case types.Timeframe15m:
		return 15 * 60 * 1000
	case types.Timeframe30m:
		return 30 * 60 * 1000
	case types.Timeframe1h:
		return 60 * 60 * 1000
	case types.Timeframe4h:
		return 4 * 60 * 60 * 1000
	case types.Timeframe8h:
		return 8 * 60 * 60 * 1000
	case types.Timeframe1d:
		return 24 * 60 * 60 * 1000
	default:
		return 60 * 60 * 1000
	}
}

func loadMeta(pos *types.Position) types.PositionMeta {
	if pos.MetaJSON == "" {
		return types.PositionMeta{}
	}
	var meta types.PositionMeta
	_ = json.Unmarshal([]byte(pos.MetaJSON), &meta)
	return meta
}

func saveMeta(pos *types.Position, meta types.PositionMeta) {
	raw, err := json.Marshal(meta)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal position meta")
		return
	}
	pos.MetaJSON = string(raw)
}
