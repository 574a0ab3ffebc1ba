// Package risk implements the admission pipeline (§4.2 steps 2-7, §4.3),
// position sizing (§4.2's sizing formula), the daily risk-state ledger
// (§4.10), and windowed risk-event deduplication (§4.3). Grounded on the
// teacher's risk/gate.go TradeRequest/TradeApproval shape, decomposed here
// into one function per named rejection reason instead of one monolithic
// CanEnter, since the reason codes are now a closed, reportable enum.
package risk

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

// Decision is the result of running a plan through the gate pipeline.
type Decision struct {
	Approved bool
	Reason   types.RejectReason
	Detail   map[string]any

	// Populated only when Approved and a mutex upgrade must happen first.
	UpgradeExisting *types.Position
}

func pass() Decision { return Decision{Approved: true} }

func reject(reason types.RejectReason, detail map[string]any) Decision {
	return Decision{Approved: false, Reason: reason, Detail: detail}
}

// Gate is one admission check in the ordered pipeline.
type Gate func(plan types.TradePlan, nowMs int64) (Decision, error)

// Pipeline runs the kill-switch, expiry, risk-circuit, cooldown,
// max-positions and mutex gates in the order given by §4.2 (idempotency
// lock and sizing are handled by the caller, not here).
type Pipeline struct {
	store  *storage.Store
	cfg    *config.Config
	ledger *Ledger
}

// NewPipeline builds the gate pipeline.
func NewPipeline(store *storage.Store, cfg *config.Config, ledger *Ledger) *Pipeline {
	return &Pipeline{store: store, cfg: cfg, ledger: ledger}
}

// Evaluate runs every gate in sequence; the first rejection short-circuits.
func (p *Pipeline) Evaluate(plan types.TradePlan, nowMs int64) (Decision, error) {
	gates := []Gate{
		p.killSwitchGate,
		p.expiryGate,
		p.riskCircuitGate,
		p.cooldownGate,
		p.maxPositionsGate,
		p.mutexGate,
	}

	for _, g := range gates {
		d, err := g(plan, nowMs)
		if err != nil {
			return Decision{}, err
		}
		if !d.Approved {
			log.Debug().
				Str("symbol", plan.Symbol).
				Str("reason", string(d.Reason)).
				Msg("trade plan rejected by gate")
			return d, nil
		}
		if d.UpgradeExisting != nil {
			// mutex gate approved with an upgrade side-effect: stop here and
			// let the executor perform the forced exit and then open the plan.
			return d, nil
		}
	}
	return pass(), nil
}

// killSwitchGate is §4.2 step 2.
func (p *Pipeline) killSwitchGate(_ types.TradePlan, _ int64) (Decision, error) {
	if p.cfg.AccountKillSwitchForceOn {
		return reject(types.ReasonKillSwitchOn, nil), nil
	}
	if !p.cfg.AccountKillSwitchEnabled {
		return pass(), nil
	}
	val, err := p.store.GetFlag(types.RuntimeFlagKillSwitch)
	if err != nil {
		return Decision{}, fmt.Errorf("read kill switch flag: %w", err)
	}
	if val == "on" {
		return reject(types.ReasonKillSwitchOn, nil), nil
	}
	return pass(), nil
}

// expiryGate is §4.2 step 3.
func (p *Pipeline) expiryGate(plan types.TradePlan, nowMs int64) (Decision, error) {
	if plan.ExpiresAtMs != 0 && plan.ExpiresAtMs < nowMs {
		return reject(types.ReasonSignalExpired, map[string]any{"expires_at_ms": plan.ExpiresAtMs, "now_ms": nowMs}), nil
	}
	return pass(), nil
}

// riskCircuitGate is §4.2 step 4.
func (p *Pipeline) riskCircuitGate(_ types.TradePlan, _ int64) (Decision, error) {
	if !p.cfg.RiskCircuitEnabled {
		return pass(), nil
	}
	rs := p.ledger.Today()
	if rs.HardHalt || rs.SoftHalt || rs.KillSwitch {
		return reject(types.ReasonRiskCircuitHalt, map[string]any{
			"hard_halt": rs.HardHalt, "soft_halt": rs.SoftHalt, "kill_switch": rs.KillSwitch,
		}), nil
	}
	return pass(), nil
}

// cooldownGate is §4.2 step 5.
func (p *Pipeline) cooldownGate(plan types.TradePlan, nowMs int64) (Decision, error) {
	if !p.cfg.CooldownEnabled {
		return pass(), nil
	}
	active, err := p.store.ActiveCooldown(plan.Symbol, plan.Side, plan.Timeframe, nowMs)
	if err != nil {
		return Decision{}, fmt.Errorf("query cooldown: %w", err)
	}
	if active {
		return reject(types.ReasonCooldownBlocked, map[string]any{"symbol": plan.Symbol, "side": plan.Side}), nil
	}
	return pass(), nil
}

// maxPositionsGate is §4.2 step 6.
func (p *Pipeline) maxPositionsGate(_ types.TradePlan, _ int64) (Decision, error) {
	n, err := p.store.CountOpenPositions()
	if err != nil {
		return Decision{}, fmt.Errorf("count open positions: %w", err)
	}
	if int(n) >= p.cfg.MaxOpenPositions {
		return reject(types.ReasonMaxPositionsBlocked, map[string]any{"open": n, "max": p.cfg.MaxOpenPositions}), nil
	}
	return pass(), nil
}

// mutexGate is §4.2 step 7: same-symbol-side mutex with timeframe priority.
func (p *Pipeline) mutexGate(plan types.TradePlan, _ int64) (Decision, error) {
	existingList, err := p.store.OpenPositionsBySymbolSide(plan.Symbol, plan.Side)
	if err != nil {
		return Decision{}, fmt.Errorf("query mutex positions: %w", err)
	}
	if len(existingList) == 0 {
		return pass(), nil
	}

	existing := existingList[0]
	incomingPriority := plan.Timeframe.Priority()
	existingPriority := existing.Timeframe.Priority()

	if incomingPriority <= existingPriority {
		return reject(types.ReasonPositionMutex, map[string]any{
			"existing_timeframe": existing.Timeframe, "incoming_timeframe": plan.Timeframe,
		}), nil
	}

	if p.cfg.MutexUpgradeAction == types.UpgradeCloseLowerAndOpen {
		d := pass()
		e := existing
		d.UpgradeExisting = &e
		return d, nil
	}

	return reject(types.ReasonPositionMutex, map[string]any{
		"existing_timeframe": existing.Timeframe, "incoming_timeframe": plan.Timeframe, "action": "BLOCK",
	}), nil
}
