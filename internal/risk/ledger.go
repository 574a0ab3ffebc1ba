package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/metrics"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

// Ledger tracks the daily risk-state row in memory and persists every
// change, keeping soft/hard halt and kill-switch flags current for the
// gate pipeline. Grounded on the teacher's risk/circuit_breaker.go
// CircuitBreaker (daily reset, peak-equity drawdown, trip/reset), extended
// with the three-tier soft/hard/kill-switch halt ladder of §4.10.
type Ledger struct {
	store *storage.Store
	cfg   *config.Config

	mu      sync.Mutex
	current types.RiskState
}

// NewLedger loads (or creates) today's risk-state row.
func NewLedger(store *storage.Store, cfg *config.Config, startingEquity decimal.Decimal) (*Ledger, error) {
	l := &Ledger{store: store, cfg: cfg}
	if err := l.rollToToday(startingEquity); err != nil {
		return nil, err
	}
	return l, nil
}

// Today returns a copy of the current day's risk state.
func (l *Ledger) Today() types.RiskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// rollToToday loads today's row, creating it from startingEquity if this is
// the first observation of the day (§4.10's daily-reset behavior).
func (l *Ledger) rollToToday(startingEquity decimal.Decimal) error {
	date := tradeDate(time.Now())

	existing, err := l.store.GetRiskState(date)
	if err != nil {
		return err
	}
	if existing != nil {
		l.mu.Lock()
		l.current = *existing
		l.mu.Unlock()
		return nil
	}

	fresh := types.RiskState{
		TradeDate:      date,
		StartingEquity: startingEquity,
		CurrentEquity:  startingEquity,
		MinEquity:      startingEquity,
		MaxEquity:      startingEquity,
		UpdatedAt:      time.Now(),
	}
	if err := l.store.UpsertRiskState(&fresh); err != nil {
		return err
	}
	l.mu.Lock()
	l.current = fresh
	l.mu.Unlock()
	return nil
}

// OnEquityUpdate records a fresh equity reading, recomputes drawdown from
// the day's peak, and trips the soft/hard halt thresholds in §4.10.
func (l *Ledger) OnEquityUpdate(equity decimal.Decimal) (tripped bool, err error) {
	l.mu.Lock()
	needsRoll := l.current.TradeDate != tradeDate(time.Now())
	l.mu.Unlock()

	if needsRoll {
		if err := l.rollToToday(equity); err != nil {
			return false, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rs := &l.current
	rs.CurrentEquity = equity
	if equity.LessThan(rs.MinEquity) || rs.MinEquity.IsZero() {
		rs.MinEquity = equity
	}
	if equity.GreaterThan(rs.MaxEquity) {
		rs.MaxEquity = equity
	}

	if rs.MaxEquity.IsPositive() {
		drawdown := rs.MaxEquity.Sub(equity).Div(rs.MaxEquity)
		rs.DrawdownPct = drawdown
		metricsDrawdown, _ := drawdown.Float64()
		metrics.DailyDrawdownPct.Set(metricsDrawdown)

		wasHalted := rs.SoftHalt || rs.HardHalt
		rs.HardHalt = drawdown.GreaterThanOrEqual(l.cfg.DailyDrawdownHardPct)
		rs.SoftHalt = !rs.HardHalt && drawdown.GreaterThanOrEqual(l.cfg.DailyDrawdownSoftPct)
		tripped = !wasHalted && (rs.SoftHalt || rs.HardHalt)
	}

	rs.UpdatedAt = time.Now()
	if err := l.store.UpsertRiskState(rs); err != nil {
		return tripped, err
	}

	if tripped {
		log.Warn().
			Str("trade_date", rs.TradeDate).
			Bool("hard_halt", rs.HardHalt).
			Bool("soft_halt", rs.SoftHalt).
			Str("drawdown_pct", rs.DrawdownPct.String()).
			Msg("risk circuit tripped")
	}
	return tripped, nil
}

// RecordLoss increments the consecutive-loss counter; RecordWin resets it.
// Grounded on CircuitBreaker.RecordLoss/RecordWin.
func (l *Ledger) RecordLoss() error {
	l.mu.Lock()
	l.current.ConsecutiveLossCount++
	rs := l.current
	l.mu.Unlock()
	return l.store.UpsertRiskState(&rs)
}

// RecordWin resets the consecutive-loss counter after a winning exit.
func (l *Ledger) RecordWin() error {
	l.mu.Lock()
	l.current.ConsecutiveLossCount = 0
	rs := l.current
	l.mu.Unlock()
	return l.store.UpsertRiskState(&rs)
}

// SetKillSwitch sets the process-wide kill switch for the remainder of the
// day, persisted both in the risk-state row and the runtime-flag table so
// the gate pipeline's flag read picks it up immediately.
func (l *Ledger) SetKillSwitch(on bool) error {
	l.mu.Lock()
	l.current.KillSwitch = on
	rs := l.current
	l.mu.Unlock()

	if err := l.store.UpsertRiskState(&rs); err != nil {
		return err
	}
	val := "off"
	if on {
		val = "on"
	}
	return l.store.SetFlag(types.RuntimeFlagKillSwitch, val)
}

func tradeDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
