package executor

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/idempotency"
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

type fakeSubmitter struct {
	submitted []*types.Order
	stops     []*types.Order
}

func (f *fakeSubmitter) SubmitOrder(_ context.Context, o *types.Order) error {
	f.submitted = append(f.submitted, o)
	return nil
}

func (f *fakeSubmitter) SubmitStopLoss(_ context.Context, o *types.Order) error {
	f.stops = append(f.stops, o)
	return nil
}

func newTestExecutor(t *testing.T) (*Executor, *fakeSubmitter, *storage.Store) {
	t.Helper()

	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locker, err := idempotency.New(store.DB())
	require.NoError(t, err)

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	cfg := &config.Config{
		MaxOpenPositions:   5,
		CooldownEnabled:    true,
		RiskCircuitEnabled: true,
		MutexUpgradeAction: types.UpgradeBlock,
		RiskPct:            decimal.NewFromFloat(0.01),
		Leverage:           decimal.NewFromInt(10),
		MinOrderValueUSDT:  decimal.NewFromInt(5),
		MaxOrderValueUSDT:  decimal.NewFromInt(100000),
		EntryOrderType:     types.OrderTypeLimit,
	}

	ledger, err := risk.NewLedger(store, cfg, decimal.NewFromInt(10000))
	require.NoError(t, err)

	pipeline := risk.NewPipeline(store, cfg, ledger)
	sizer := risk.NewSizer(cfg)
	dedup := risk.NewDedup(0)

	sub := &fakeSubmitter{}
	exec := New(store, cfg, locker, pipeline, sizer, ledger, dedup, b, sub,
		func() (decimal.Decimal, error) { return decimal.NewFromInt(10000), nil },
		func(string) decimal.Decimal { return decimal.NewFromFloat(0.001) },
	)
	return exec, sub, store
}

func testPlan() types.TradePlan {
	return types.TradePlan{
		PlanID:         "plan-1",
		IdempotencyKey: "key-1",
		Symbol:         "BTCUSDT",
		Timeframe:      types.Timeframe1h,
		Side:           types.SideBuy,
		Entry:          decimal.NewFromInt(100),
		StopPrice:      decimal.NewFromInt(98),
		TP1:            types.TPRule{RMultiple: decimal.NewFromInt(1), Pct: decimal.NewFromFloat(0.5)},
		TP2:            types.TPRule{RMultiple: decimal.NewFromInt(2), Pct: decimal.NewFromFloat(0.3)},
		Runner:         types.TPRule{RMultiple: decimal.NewFromInt(3)},
	}
}

func TestAdmitOpensPositionAndSubmitsEntry(t *testing.T) {
	exec, sub, store := newTestExecutor(t)

	err := exec.Admit(context.Background(), testPlan())
	require.NoError(t, err)

	// Entry, TP1 and TP2 go through SubmitOrder; the SL goes through SubmitStopLoss.
	require.Len(t, sub.submitted, 3)
	require.Equal(t, types.PurposeEntry, sub.submitted[0].Purpose)

	pos, err := store.GetPositionByIdempotencyKey("key-1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	require.Equal(t, types.PositionOpen, pos.Status)
}

func TestAdmitIsIdempotentOnReplay(t *testing.T) {
	exec, sub, _ := newTestExecutor(t)
	ctx := context.Background()

	require.NoError(t, exec.Admit(ctx, testPlan()))
	require.NoError(t, exec.Admit(ctx, testPlan()))

	require.Len(t, sub.submitted, 3, "replayed plan must not open a second position")
}

func TestAdmitRejectsWhenKillSwitchForcedOn(t *testing.T) {
	exec, sub, _ := newTestExecutor(t)
	exec.cfg.AccountKillSwitchForceOn = true

	require.NoError(t, exec.Admit(context.Background(), testPlan()))
	require.Empty(t, sub.submitted)
}
