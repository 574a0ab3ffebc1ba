// Package wsingest implements the private WebSocket ingest of §4.8: a
// reconnecting feed subscribed to the venue's order, execution, position
// and wallet topics, updating the local ledger as soon as a private event
// arrives instead of waiting for the next reconciliation poll.
//
// Grounded on the teacher's feeds/polymarket_ws.go PolymarketFeed
// connection loop (reconnect-with-backoff, ping interval, per-message
// dispatch), re-pointed from public market-data topics at the venue's
// private account topics and extended with the persistence side-effects
// (order/position upserts, fill inserts) the public feed never needed.
package wsingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/metrics"
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

const (
	reconnectDelay = 3 * time.Second
	pingInterval   = 20 * time.Second
)

// Authenticator produces the login payload the venue expects on connect;
// kept as an injected function so the ingest loop never holds credentials
// itself.
type Authenticator func() (map[string]any, error)

// Feed manages the private WebSocket connection and applies every message
// it receives directly to the store.
type Feed struct {
	cfg    *config.Config
	store  *storage.Store
	bus    *bus.Bus
	authFn Authenticator
	dedup  *risk.Dedup

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
}

// New builds a private-feed Feed. dedup is shared process-wide so the
// windowed-suppression rule applies across every subsystem that can raise the
// same event type for the same symbol, not just this one.
func New(cfg *config.Config, store *storage.Store, b *bus.Bus, authFn Authenticator, dedup *risk.Dedup) *Feed {
	return &Feed{cfg: cfg, store: store, bus: b, authFn: authFn, dedup: dedup}
}

// Run maintains the connection, reconnecting with a fixed backoff, until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := f.connectAndServe(ctx); err != nil {
			log.Warn().Err(err).Msg("private ws connection lost, reconnecting")
			f.emitReconnectEvent()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *Feed) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.PrivateWSURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	if f.authFn != nil {
		auth, err := f.authFn()
		if err != nil {
			return err
		}
		if err := conn.WriteJSON(auth); err != nil {
			return err
		}
	}

	sub := map[string]any{"op": "subscribe", "args": f.cfg.PrivateWSSubscribe}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	log.Info().Strs("topics", f.cfg.PrivateWSSubscribe).Msg("private ws subscribed")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return err
		}
		f.dispatch(raw)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

// topicEnvelope is the venue's generic private-channel message shape.
type topicEnvelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (f *Feed) dispatch(raw []byte) {
	var env topicEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.Topic {
	case "order":
		f.handleOrder(env.Data)
	case "execution":
		f.handleExecution(env.Data)
	case "position":
		f.handlePosition(env.Data)
	case "wallet":
		f.handleWallet(env.Data)
	}
}

type orderUpdate struct {
	VenueOrderID string          `json:"orderId"`
	Status       types.OrderStatus `json:"orderStatus"`
	FilledQty    decimal.Decimal `json:"cumExecQty"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
}

func (f *Feed) handleOrder(raw json.RawMessage) {
	var updates []orderUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return
	}
	for _, u := range updates {
		order, err := f.store.GetOrderByVenueID(u.VenueOrderID)
		if err != nil || order == nil {
			continue
		}
		prevStatus := order.Status
		order.Status = u.Status
		order.FilledQty = u.FilledQty
		order.AvgFillPrice = u.AvgPrice
		if u.FilledQty.IsPositive() {
			order.LastFillAtMs = time.Now().UnixMilli()
		}
		if err := f.store.UpsertOrder(order); err != nil {
			log.Error().Err(err).Str("venue_order_id", u.VenueOrderID).Msg("failed to persist order update from ws")
			continue
		}

		if execStatus, terminal := terminalExecutionStatus(order.Status); terminal && prevStatus != order.Status {
			f.emitExecutionReport(order, execStatus)
		}
		if order.Status == types.OrderFilled && prevStatus != types.OrderFilled {
			f.onOrderFilled(order)
		}
	}
}

// terminalExecutionStatus maps a terminal venue order status to the
// execution_report status it should raise, reporting ok=false for
// non-terminal states so callers only emit once, on the transition in.
func terminalExecutionStatus(status types.OrderStatus) (types.ExecutionStatus, bool) {
	switch status {
	case types.OrderFilled:
		return types.StatusFilled, true
	case types.OrderCanceled, types.OrderFailed:
		return types.StatusOrderRejected, true
	default:
		return "", false
	}
}

type executionEvent struct {
	VenueOrderID string          `json:"orderId"`
	ExecID       string          `json:"execId"`
	ExecQty      decimal.Decimal `json:"execQty"`
	ExecPrice    decimal.Decimal `json:"execPrice"`
	ExecFee      decimal.Decimal `json:"execFee"`
	ExecTimeMs   int64           `json:"execTime"`
}

func (f *Feed) handleExecution(raw json.RawMessage) {
	var events []executionEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return
	}
	for _, e := range events {
		order, err := f.store.GetOrderByVenueID(e.VenueOrderID)
		if err != nil || order == nil {
			continue
		}
		fill := types.Fill{
			FillID: uuid.NewString(), OrderID: order.OrderID, Symbol: order.Symbol, Purpose: order.Purpose,
			Side: order.Side, ExecutedQty: e.ExecQty, ExecutedPrice: e.ExecPrice, Fee: e.ExecFee,
			ExecutedAtMs: e.ExecTimeMs, VenueExecID: e.ExecID,
		}
		if err := f.store.InsertFill(&fill); err != nil {
			log.Error().Err(err).Str("exec_id", e.ExecID).Msg("failed to persist fill from ws")
			continue
		}

		f.convergeFromFills(order)
	}
}

// convergeFromFills proactively flips an order to FILLED once its
// aggregated executions cover the full order quantity, rather than waiting
// on the separate order-topic message that can arrive late or get dropped.
func (f *Feed) convergeFromFills(order *types.Order) {
	if order.Status == types.OrderFilled {
		return
	}

	fills, err := f.store.FillsForOrder(order.OrderID)
	if err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to load fills for convergence check")
		return
	}
	totalQty, avgPrice := weightedAvgPrice(fills)
	if totalQty.LessThan(order.Qty) {
		return
	}

	order.Status = types.OrderFilled
	order.FilledQty = totalQty
	order.AvgFillPrice = avgPrice
	order.LastFillAtMs = time.Now().UnixMilli()
	if err := f.store.UpsertOrder(order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist converged order")
		return
	}

	f.emitExecutionReport(order, types.StatusFilled)
	f.onOrderFilled(order)
}

// weightedAvgPrice totals executed quantity and its fill-weighted average
// price across every fill recorded against an order.
func weightedAvgPrice(fills []types.Fill) (totalQty, avgPrice decimal.Decimal) {
	notional := decimal.Zero
	for _, fl := range fills {
		totalQty = totalQty.Add(fl.ExecutedQty)
		notional = notional.Add(fl.ExecutedQty.Mul(fl.ExecutedPrice))
	}
	if totalQty.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return totalQty, notional.Div(totalQty)
}

// onOrderFilled propagates a TP1/TP2 fill into position meta the moment the
// private feed confirms it, rather than waiting for the next reconciliation
// poll: TP1 moves the stop to break-even, both legs reduce the tracked
// quantity. ENTRY fills need no further meta update beyond the order's own
// FILLED state.
func (f *Feed) onOrderFilled(order *types.Order) {
	if order.Purpose != types.PurposeTP1 && order.Purpose != types.PurposeTP2 {
		return
	}

	pos, err := f.store.GetPositionByIdempotencyKey(order.IdempotencyKey)
	if err != nil || pos == nil {
		return
	}
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
	if err := f.store.UpsertPosition(pos); err != nil {
		log.Error().Err(err).Str("position_id", pos.PositionID).Msg("failed to persist position meta from ws fill")
	}
}

func (f *Feed) emitExecutionReport(order *types.Order, status types.ExecutionStatus) {
	r := types.ExecutionReport{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		OrderID: order.OrderID, Status: status, Symbol: order.Symbol,
		FilledQty: order.FilledQty, AvgPrice: order.AvgFillPrice,
	}
	if err := f.store.InsertExecutionReport(&r); err != nil {
		log.Error().Err(err).Msg("failed to persist execution report")
		return
	}
	env := types.Envelope{EventID: r.EventID, TsMs: r.TsMs, Service: "execcore", SchemaVersion: 1, Payload: r}
	if err := f.bus.Publish("execution_reports", env); err != nil {
		log.Error().Err(err).Msg("failed to publish execution report")
	}
}

type positionUpdate struct {
	Symbol string          `json:"symbol"`
	Side   types.Side      `json:"side"`
	Size   decimal.Decimal `json:"size"`
}

func (f *Feed) handlePosition(raw json.RawMessage) {
	var updates []positionUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return
	}
	for _, u := range updates {
		positions, err := f.store.OpenPositionsBySymbolSide(u.Symbol, u.Side)
		if err != nil || len(positions) == 0 {
			continue
		}
		pos := &positions[0]
		meta := types.PositionMeta{}
		if pos.MetaJSON != "" {
			_ = json.Unmarshal([]byte(pos.MetaJSON), &meta)
		}
		meta.WSPosition = &types.WSPosition{Size: u.Size, Source: "private_ws", UpdatedAt: time.Now().UnixMilli()}
		if encoded, err := json.Marshal(meta); err == nil {
			pos.MetaJSON = string(encoded)
		}
		if err := f.store.UpsertPosition(pos); err != nil {
			log.Error().Err(err).Str("symbol", u.Symbol).Msg("failed to persist position update from ws")
			continue
		}

		if f.cfg.ConsistencyDriftEnabled {
			f.checkDrift(pos, u.Size)
		}
	}
}

// checkDrift raises a CONSISTENCY_DRIFT risk event off the private feed's own
// push, catching a size mismatch immediately rather than waiting for the
// next possync REST poll. Shares the same windowed dedup key as possync's
// check so the two sources don't double-alert on the same drift.
func (f *Feed) checkDrift(pos *types.Position, venueSize decimal.Decimal) {
	localSize := pos.QtyTotal
	if localSize.IsZero() {
		return
	}

	diff := localSize.Sub(venueSize).Abs().Div(localSize)
	if diff.LessThan(f.cfg.ConsistencyDriftThresholdPct) {
		return
	}
	if !f.dedup.Allow(types.EvtConsistencyDrift, pos.Symbol) {
		return
	}
	metrics.ConsistencyDriftEvents.WithLabelValues(pos.Symbol).Inc()

	evt := types.RiskEvent{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		Type: types.EvtConsistencyDrift, Severity: types.SeverityImportant, Symbol: pos.Symbol,
	}
	if err := f.store.InsertRiskEvent(&evt); err != nil {
		log.Error().Err(err).Msg("failed to persist drift event")
		return
	}
	env := types.Envelope{
		EventID: evt.EventID, TsMs: evt.TsMs, Service: "execcore", SchemaVersion: 1, Payload: evt,
		Ext: map[string]any{"local_size": localSize.String(), "venue_size": venueSize.String(), "drift_pct": diff.String(), "source": "private_ws"},
	}
	if err := f.bus.Publish("risk_events", env); err != nil {
		log.Error().Err(err).Msg("failed to publish drift event")
	}
}

type walletUpdate struct {
	Equity decimal.Decimal `json:"walletBalance"`
}

func (f *Feed) handleWallet(raw json.RawMessage) {
	var updates []walletUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return
	}
	for _, u := range updates {
		snap := types.WalletSnapshot{Source: types.SourceWS, Equity: u.Equity, CapturedAtMs: time.Now().UnixMilli()}
		if err := f.store.InsertWalletSnapshot(&snap); err != nil {
			log.Error().Err(err).Msg("failed to persist wallet snapshot from ws")
		}
	}
}

func (f *Feed) emitReconnectEvent() {
	metrics.WSReconnects.Inc()
	evt := types.RiskEvent{
		EventID: uuid.NewString(), TsMs: time.Now().UnixMilli(),
		Type: types.EvtWSReconnect, Severity: types.SeverityInfo,
	}
	if err := f.store.InsertRiskEvent(&evt); err != nil {
		log.Error().Err(err).Msg("failed to persist reconnect event")
		return
	}
	env := types.Envelope{EventID: evt.EventID, TsMs: evt.TsMs, Service: "execcore", SchemaVersion: 1, Payload: evt}
	if err := f.bus.Publish("risk_events", env); err != nil {
		log.Error().Err(err).Msg("failed to publish reconnect event")
	}
}

// Connected reports whether the feed currently holds an open connection.
func (f *Feed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
