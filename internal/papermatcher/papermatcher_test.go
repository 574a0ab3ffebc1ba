package papermatcher

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

func newTestMatcher(t *testing.T) (*Matcher, *storage.Store) {
	t.Helper()
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	cfg := &config.Config{CooldownBars1h: 3}
	ledger, err := risk.NewLedger(store, cfg, decimal.NewFromInt(10000))
	require.NoError(t, err)

	return New(store, cfg, ledger, b), store
}

func openLongPosition(t *testing.T, store *storage.Store) *types.Position {
	t.Helper()
	pos := &types.Position{
		PositionID: "pos-1", IdempotencyKey: "key-1", Symbol: "BTCUSDT",
		Timeframe: types.Timeframe1h, Side: types.SideBuy, Bias: types.BiasLong,
		QtyTotal: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100),
		PrimarySL: decimal.NewFromInt(98), RunnerStop: decimal.NewFromInt(98),
		Status: types.PositionOpen,
	}
	require.NoError(t, store.UpsertPosition(pos))

	tp1 := &types.Order{OrderID: "o-tp1", IdempotencyKey: "key-1", Purpose: types.PurposeTP1, Qty: decimal.NewFromInt(5)}
	tp2 := &types.Order{OrderID: "o-tp2", IdempotencyKey: "key-1", Purpose: types.PurposeTP2, Qty: decimal.NewFromInt(3)}
	require.NoError(t, store.UpsertOrder(tp1))
	require.NoError(t, store.UpsertOrder(tp2))
	return pos
}

func TestPrimaryStopLossClosesPositionAndWritesCooldown(t *testing.T) {
	m, store := newTestMatcher(t)
	openLongPosition(t, store)

	bar := types.BarClose{
		Symbol: "BTCUSDT", Timeframe: types.Timeframe1h, CloseTimeMs: 1000, IsFinal: true,
		Open: decimal.NewFromInt(99), High: decimal.NewFromInt(99), Low: decimal.NewFromInt(95), Close: decimal.NewFromInt(96),
	}
	require.NoError(t, m.OnBarClose(context.Background(), bar))

	pos, err := store.GetPositionByIdempotencyKey("key-1")
	require.NoError(t, err)
	require.Equal(t, types.PositionClosed, pos.Status)
	require.Equal(t, types.ExitPrimarySLHit, pos.ExitReason)

	active, err := store.ActiveCooldown("BTCUSDT", types.SideBuy, types.Timeframe1h, 1000)
	require.NoError(t, err)
	require.True(t, active)
}

func TestBarCloseIsIgnoredOnDuplicateDelivery(t *testing.T) {
	m, store := newTestMatcher(t)
	openLongPosition(t, store)

	bar := types.BarClose{
		Symbol: "BTCUSDT", Timeframe: types.Timeframe1h, CloseTimeMs: 2000, IsFinal: true,
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100),
	}
	require.NoError(t, m.OnBarClose(context.Background(), bar))
	require.NoError(t, m.OnBarClose(context.Background(), bar))

	pos, err := store.GetPositionByIdempotencyKey("key-1")
	require.NoError(t, err)
	require.Equal(t, types.PositionOpen, pos.Status, "position should be untouched by a no-op bar and its duplicate")
}

func TestTP1HitRecordsPartialFill(t *testing.T) {
	m, store := newTestMatcher(t)
	openLongPosition(t, store)

	bar := types.BarClose{
		Symbol: "BTCUSDT", Timeframe: types.Timeframe1h, CloseTimeMs: 3000, IsFinal: true,
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(103), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(102),
	}
	require.NoError(t, m.OnBarClose(context.Background(), bar))

	pos, err := store.GetPositionByIdempotencyKey("key-1")
	require.NoError(t, err)
	require.Equal(t, types.PositionOpen, pos.Status)

	meta := loadMeta(pos)
	require.True(t, meta.TP1Filled)
	require.True(t, pos.PrimarySL.Equal(pos.EntryPrice), "TP1 fill should move the stop to break-even")
	require.True(t, pos.QtyTotal.Equal(decimal.NewFromInt(5)), "TP1 fill should reduce the remaining position by the filled leg")
}
