// Package types defines the wire and persisted record shapes shared across
// the execution core: trade plans, positions, orders, fills, risk state and
// the envelope that wraps every bus message.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a closed enum of the candle intervals the core understands.
type Timeframe string

const (
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe8h  Timeframe = "8h"
	Timeframe1d  Timeframe = "1d"
)

// Priority implements the mutex timeframe-priority rule: 1d=3, 4h=2, 1h=1, else 0.
func (tf Timeframe) Priority() int {
	switch tf {
	case Timeframe1d:
		return 3
	case Timeframe4h:
		return 2
	case Timeframe1h:
		return 1
	default:
		return 0
	}
}

// Side is the plan/position direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Bias is the resulting position bias.
type Bias string

const (
	BiasLong  Bias = "LONG"
	BiasShort Bias = "SHORT"
)

func SideToBias(s Side) Bias {
	if s == SideSell {
		return BiasShort
	}
	return BiasLong
}

// TrailMode selects how the runner stop is recomputed after TP2.
type TrailMode string

const (
	TrailModeATR   TrailMode = "ATR"
	TrailModePivot TrailMode = "PIVOT"
)

// UpgradeAction governs same-symbol-side mutex resolution across timeframes.
type UpgradeAction string

const (
	UpgradeBlock             UpgradeAction = "BLOCK"
	UpgradeCloseLowerAndOpen UpgradeAction = "CLOSE_LOWER_AND_OPEN"
)

// TPRule describes one take-profit leg of a plan.
type TPRule struct {
	RMultiple   decimal.Decimal `json:"r_multiple"`
	Pct         decimal.Decimal `json:"pct"`
	ReduceOnly  bool            `json:"reduce_only"`
	TrailMode   TrailMode       `json:"trail_mode,omitempty"`
	TrailingPct decimal.Decimal `json:"trailing_pct,omitempty"`
}

// TradePlan is the immutable-once-received input that triggers the executor.
type TradePlan struct {
	PlanID         string          `json:"plan_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Symbol         string          `json:"symbol"`
	Timeframe      Timeframe       `json:"timeframe"`
	Side           Side            `json:"side"`
	Entry          decimal.Decimal `json:"entry"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	TP1            TPRule          `json:"tp1"`
	TP2            TPRule          `json:"tp2"`
	Runner         TPRule          `json:"runner"`
	SetupID        string          `json:"setup_id,omitempty"`
	TriggerID      string          `json:"trigger_id,omitempty"`
	Status         string          `json:"status"`
	ValidFromMs    int64           `json:"valid_from_ms"`
	ExpiresAtMs    int64           `json:"expires_at_ms"`
	HistEntry      decimal.Decimal `json:"hist_entry,omitempty"`
	Ext            map[string]any  `json:"ext,omitempty"`
}

// PositionStatus is a closed enum for the position lifecycle.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
	PositionFailed  PositionStatus = "FAILED"
)

// ExitReason is a closed enum of the ways a position can terminate.
type ExitReason string

const (
	ExitPrimarySLHit   ExitReason = "PRIMARY_SL_HIT"
	ExitSecondarySL    ExitReason = "SECONDARY_SL_EXIT"
	ExitMutexUpgrade   ExitReason = "mutex_upgrade"
	ExitExchangeClosed ExitReason = "EXCHANGE_CLOSED"
	ExitEntryFailed    ExitReason = "ENTRY_FAILED"
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitForced         ExitReason = "FORCED_EXIT"
)

// Position is owned by the core: exactly one row per idempotency key.
type Position struct {
	PositionID     string          `gorm:"primaryKey;column:position_id" json:"position_id"`
	IdempotencyKey string          `gorm:"uniqueIndex;column:idempotency_key" json:"idempotency_key"`
	Symbol         string          `gorm:"index" json:"symbol"`
	Timeframe      Timeframe       `json:"timeframe"`
	Side           Side            `json:"side"`
	Bias           Bias            `json:"bias"`
	QtyTotal       decimal.Decimal `gorm:"type:decimal(24,10)" json:"qty_total"`
	QtyRunner      decimal.Decimal `gorm:"type:decimal(24,10)" json:"qty_runner"`
	EntryPrice     decimal.Decimal `gorm:"type:decimal(24,10)" json:"entry_price"`
	PrimarySL      decimal.Decimal `gorm:"type:decimal(24,10)" json:"primary_sl"`
	RunnerStop     decimal.Decimal `gorm:"type:decimal(24,10)" json:"runner_stop"`
	Status         PositionStatus  `gorm:"index" json:"status"`
	EntryCloseMs   int64           `json:"entry_close_ms"`
	OpenedAtMs     int64           `json:"opened_at_ms"`
	ClosedAtMs     *int64          `json:"closed_at_ms,omitempty"`
	ExitReason     ExitReason      `json:"exit_reason,omitempty"`
	HistEntry      decimal.Decimal `gorm:"type:decimal(24,10)" json:"hist_entry"`
	MetaJSON       string          `gorm:"type:text" json:"-"`
	CreatedAt      time.Time       `json:"-"`
	UpdatedAt      time.Time       `json:"-"`
}

// PositionMeta is the structured content of Position.MetaJSON.
type PositionMeta struct {
	TP1Filled     bool            `json:"tp1_filled"`
	TP2Filled     bool            `json:"tp2_filled"`
	RunID         string          `json:"run_id,omitempty"`
	WSPosition    *WSPosition     `json:"ws_position,omitempty"`
	ConsecLossRef decimal.Decimal `json:"-"`
}

// WSPosition is the last private-WS position snapshot merged into meta.
type WSPosition struct {
	Size      decimal.Decimal `json:"size"`
	Source    string          `json:"source"`
	UpdatedAt int64           `json:"updated_at_ms"`
}

// OrderPurpose is a closed enum naming the role an order plays for a position.
type OrderPurpose string

const (
	PurposeEntry     OrderPurpose = "ENTRY"
	PurposeTP1       OrderPurpose = "TP1"
	PurposeTP2       OrderPurpose = "TP2"
	PurposeExit      OrderPurpose = "EXIT"
	PurposeSLAdjust  OrderPurpose = "SL_ADJUST"
)

// OrderType is Market or Limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce matches the venue's accepted values.
type TimeInForce string

const (
	TIFIOC TimeInForce = "IOC"
	TIFGTC TimeInForce = "GTC"
)

// OrderStatus is a closed enum for order lifecycle.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderFailed          OrderStatus = "FAILED"
)

// Order is a purpose-scoped child of a Position.
type Order struct {
	OrderID        string          `gorm:"primaryKey;column:order_id" json:"order_id"`
	IdempotencyKey string          `gorm:"uniqueIndex:idx_order_key_purpose;column:idempotency_key" json:"idempotency_key"`
	Purpose        OrderPurpose    `gorm:"uniqueIndex:idx_order_key_purpose" json:"purpose"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	OrderType      OrderType       `json:"order_type"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Qty            decimal.Decimal `gorm:"type:decimal(24,10)" json:"qty"`
	Price          decimal.Decimal `gorm:"type:decimal(24,10)" json:"price"`
	ReduceOnly     bool            `json:"reduce_only"`
	Status         OrderStatus     `gorm:"index" json:"status"`
	VenueOrderID   string          `json:"venue_order_id"`
	FilledQty      decimal.Decimal `gorm:"type:decimal(24,10)" json:"filled_qty"`
	AvgFillPrice   decimal.Decimal `gorm:"type:decimal(24,10)" json:"avg_fill_price"`
	SubmittedAtMs  int64           `json:"submitted_at_ms"`
	RetryCount     int             `json:"retry_count"`
	LastFillAtMs   int64           `json:"last_fill_at_ms"`
	PayloadJSON    string          `gorm:"type:text" json:"-"`
	CreatedAt      time.Time       `json:"-"`
	UpdatedAt      time.Time       `json:"-"`
}

// Fill is an append-only execution record.
type Fill struct {
	FillID        string          `gorm:"primaryKey;column:fill_id" json:"fill_id"`
	OrderID       string          `gorm:"index" json:"order_id"`
	Symbol        string          `json:"symbol"`
	Purpose       OrderPurpose    `json:"purpose"`
	Side          Side            `json:"side"`
	ExecutedQty   decimal.Decimal `gorm:"type:decimal(24,10)" json:"executed_qty"`
	ExecutedPrice decimal.Decimal `gorm:"type:decimal(24,10)" json:"executed_price"`
	Fee           decimal.Decimal `gorm:"type:decimal(24,10)" json:"fee"`
	ExecutedAtMs  int64           `json:"executed_at_ms"`
	VenueExecID   string          `gorm:"uniqueIndex" json:"venue_exec_id"`
	CreatedAt     time.Time       `json:"-"`
}

// Cooldown blocks new entries on (symbol, side, timeframe) until UntilMs.
type Cooldown struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	Symbol    string    `gorm:"index:idx_cooldown_key" json:"symbol"`
	Side      Side      `gorm:"index:idx_cooldown_key" json:"side"`
	Timeframe Timeframe `gorm:"index:idx_cooldown_key" json:"timeframe"`
	Reason    string    `json:"reason"`
	UntilMs   int64     `json:"until_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskState is the one-row-per-trade-date ledger of equity and halts.
type RiskState struct {
	TradeDate            string          `gorm:"primaryKey;column:trade_date" json:"trade_date"`
	StartingEquity       decimal.Decimal `gorm:"type:decimal(24,10)" json:"starting_equity"`
	CurrentEquity        decimal.Decimal `gorm:"type:decimal(24,10)" json:"current_equity"`
	MinEquity            decimal.Decimal `gorm:"type:decimal(24,10)" json:"min_equity"`
	MaxEquity            decimal.Decimal `gorm:"type:decimal(24,10)" json:"max_equity"`
	DrawdownPct          decimal.Decimal `gorm:"type:decimal(10,6)" json:"drawdown_pct"`
	SoftHalt             bool            `json:"soft_halt"`
	HardHalt             bool            `json:"hard_halt"`
	KillSwitch           bool            `json:"kill_switch"`
	ConsecutiveLossCount int             `json:"consecutive_loss_count"`
	UpdatedAt            time.Time       `json:"-"`
}

// Severity is the closed enum for risk event severity.
type Severity string

const (
	SeverityInfo      Severity = "INFO"
	SeverityImportant Severity = "IMPORTANT"
	SeverityCritical  Severity = "CRITICAL"
	SeverityEmergency Severity = "EMERGENCY"
)

// RiskEventType is the closed enum of risk_event.type values from §6.
type RiskEventType string

const (
	EvtRiskRejected         RiskEventType = "RISK_REJECTED"
	EvtKillSwitchOn         RiskEventType = "KILL_SWITCH_ON"
	EvtDataGap              RiskEventType = "DATA_GAP"
	EvtDataLag              RiskEventType = "DATA_LAG"
	EvtWSReconnect          RiskEventType = "WS_RECONNECT"
	EvtRateLimit            RiskEventType = "RATE_LIMIT"
	EvtSignalConflict       RiskEventType = "SIGNAL_CONFLICT"
	EvtIdempotencyConflict  RiskEventType = "IDEMPOTENCY_CONFLICT"
	EvtPositionMutexBlocked RiskEventType = "POSITION_MUTEX_BLOCKED"
	EvtCooldownBlocked      RiskEventType = "COOLDOWN_BLOCKED"
	EvtMaxPositionsBlocked  RiskEventType = "MAX_POSITIONS_BLOCKED"
	EvtSignalExpired        RiskEventType = "SIGNAL_EXPIRED"
	EvtOrderTimeout         RiskEventType = "ORDER_TIMEOUT"
	EvtOrderPartialFill     RiskEventType = "ORDER_PARTIAL_FILL"
	EvtOrderRetry           RiskEventType = "ORDER_RETRY"
	EvtOrderFallbackMarket  RiskEventType = "ORDER_FALLBACK_MARKET"
	EvtOrderCancelled       RiskEventType = "ORDER_CANCELLED"
	EvtConsistencyDrift     RiskEventType = "CONSISTENCY_DRIFT"
	EvtBarDuplicate         RiskEventType = "BAR_DUPLICATE"
	EvtPriceJump            RiskEventType = "PRICE_JUMP"
	EvtVolumeAnomaly        RiskEventType = "VOLUME_ANOMALY"
	EvtProcessingLag        RiskEventType = "PROCESSING_LAG"
)

// RejectReason is the closed enum of admission-gate rejection codes.
type RejectReason string

const (
	ReasonKillSwitchOn        RejectReason = "KILL_SWITCH_ON"
	ReasonSignalExpired       RejectReason = "SIGNAL_EXPIRED"
	ReasonRiskCircuitHalt     RejectReason = "RISK_CIRCUIT_HALT"
	ReasonCooldownBlocked     RejectReason = "COOLDOWN_BLOCKED"
	ReasonMaxPositionsBlocked RejectReason = "MAX_POSITIONS_BLOCKED"
	ReasonPositionMutex       RejectReason = "POSITION_MUTEX_BLOCKED"
	ReasonRateLimit           RejectReason = "RATE_LIMIT"
	ReasonOrderValueTooSmall  RejectReason = "ORDER_VALUE_TOO_SMALL"
)

// RiskEvent is an append-only ledger row, event_id is the idempotency key.
type RiskEvent struct {
	EventID      string         `gorm:"primaryKey;column:event_id" json:"event_id"`
	TsMs         int64          `json:"ts_ms"`
	Type         RiskEventType  `gorm:"index" json:"type"`
	Severity     Severity       `json:"severity"`
	Symbol       string         `json:"symbol,omitempty"`
	RetryAfterMs int64          `json:"retry_after_ms,omitempty"`
	Detail       string         `gorm:"type:text" json:"detail"`
	ExtJSON      string         `gorm:"type:text" json:"-"`
	CreatedAt    time.Time      `json:"-"`
}

// ExecutionStatus is the closed enum of execution_report.status values.
type ExecutionStatus string

const (
	StatusOrderSubmitted ExecutionStatus = "ORDER_SUBMITTED"
	StatusOrderRejected  ExecutionStatus = "ORDER_REJECTED"
	StatusPartialFilled  ExecutionStatus = "PARTIAL_FILLED"
	StatusFilled         ExecutionStatus = "FILLED"
	StatusTPHit          ExecutionStatus = "TP_HIT"
	StatusPrimarySLHit   ExecutionStatus = "PRIMARY_SL_HIT"
	StatusSecondarySL    ExecutionStatus = "SECONDARY_SL_EXIT"
	StatusPositionClosed ExecutionStatus = "POSITION_CLOSED"
)

// ExecutionReport is an append-only ledger row, event_id is the idempotency key.
type ExecutionReport struct {
	EventID      string          `gorm:"primaryKey;column:event_id" json:"event_id"`
	TsMs         int64           `json:"ts_ms"`
	PlanID       string          `json:"plan_id,omitempty"`
	OrderID      string          `json:"order_id,omitempty"`
	Status       ExecutionStatus `gorm:"index" json:"status"`
	Reason       RejectReason    `json:"reason,omitempty"`
	FilledQty    decimal.Decimal `gorm:"type:decimal(24,10)" json:"filled_qty,omitempty"`
	AvgPrice     decimal.Decimal `gorm:"type:decimal(24,10)" json:"avg_price,omitempty"`
	Symbol       string          `json:"symbol"`
	Timeframe    Timeframe       `json:"timeframe,omitempty"`
	LatencyMs    int64           `json:"latency_ms,omitempty"`
	SlippageBps  int64           `json:"slippage_bps,omitempty"`
	RetryCount   int             `json:"retry_count,omitempty"`
	FillRatio    decimal.Decimal `gorm:"type:decimal(10,6)" json:"fill_ratio,omitempty"`
	ExtJSON      string          `gorm:"type:text" json:"-"`
	CreatedAt    time.Time       `json:"-"`
}

// RuntimeFlag is a persisted key/value toggle, minimally the kill switch.
type RuntimeFlag struct {
	Key       string `gorm:"primaryKey" json:"key"`
	Value     string `json:"value"`
	UpdatedAt time.Time `json:"-"`
}

const RuntimeFlagKillSwitch = "kill_switch"

// SnapshotSource distinguishes WS-pushed from REST-polled captures.
type SnapshotSource string

const (
	SourceWS   SnapshotSource = "WS"
	SourceREST SnapshotSource = "REST"
)

// WalletSnapshot is a periodic equity capture used for drift detection.
type WalletSnapshot struct {
	ID        uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	Source    SnapshotSource  `json:"source"`
	Equity    decimal.Decimal `gorm:"type:decimal(24,10)" json:"equity"`
	CapturedAtMs int64        `json:"captured_at_ms"`
	CreatedAt time.Time       `json:"-"`
}

// AccountSnapshot captures broader account state (margin, leverage) alongside equity.
type AccountSnapshot struct {
	ID             uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	Source         SnapshotSource  `json:"source"`
	TotalEquity    decimal.Decimal `gorm:"type:decimal(24,10)" json:"total_equity"`
	AvailableMargin decimal.Decimal `gorm:"type:decimal(24,10)" json:"available_margin"`
	CapturedAtMs   int64           `json:"captured_at_ms"`
	CreatedAt      time.Time       `json:"-"`
}

// BarClose is the external market-data trigger for the paper matcher.
type BarClose struct {
	Symbol      string          `json:"symbol"`
	Timeframe   Timeframe       `json:"timeframe"`
	CloseTimeMs int64           `json:"close_time_ms"`
	IsFinal     bool            `json:"is_final"`
	Source      string          `json:"source"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	RunID       string          `json:"run_id,omitempty"`
}

// Envelope wraps every bus message; event_id is the unit of idempotency.
type Envelope struct {
	EventID       string         `json:"event_id"`
	TsMs          int64          `json:"ts_ms"`
	Env           string         `json:"env"`
	Service       string         `json:"service"`
	TraceID       string         `json:"trace_id,omitempty"`
	SchemaVersion int            `json:"schema_version"`
	Meta          map[string]any `json:"meta,omitempty"`
	Payload       any            `json:"payload"`
	Ext           map[string]any `json:"ext,omitempty"`
}

// BarClosePublishGuard dedups bar_close re-emission during gap-refill.
type BarClosePublishGuard struct {
	Symbol      string `gorm:"uniqueIndex:idx_bar_emit" json:"symbol"`
	Timeframe   string `gorm:"uniqueIndex:idx_bar_emit" json:"timeframe"`
	CloseTimeMs int64  `gorm:"uniqueIndex:idx_bar_emit" json:"close_time_ms"`
	CreatedAt   time.Time `json:"-"`
}
