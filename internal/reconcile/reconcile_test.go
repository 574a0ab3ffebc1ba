package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/risk"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

type fakeVenueClient struct {
	status    types.OrderStatus
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
	degraded  bool
}

func (f *fakeVenueClient) GetOrderStatus(_ context.Context, _, _ string) (types.OrderStatus, decimal.Decimal, decimal.Decimal, error) {
	return f.status, f.filledQty, f.avgPrice, nil
}

func (f *fakeVenueClient) Degraded() bool { return f.degraded }

type fakeResubmitter struct {
	calls int
}

func (f *fakeResubmitter) SubmitOrder(_ context.Context, _ *types.Order) error {
	f.calls++
	return nil
}

func TestTickDetectsFillAndPersistsReport(t *testing.T) {
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	pos := &types.Position{PositionID: "p1", IdempotencyKey: "k1", Symbol: "BTCUSDT", Status: types.PositionOpen}
	require.NoError(t, store.UpsertPosition(pos))

	order := &types.Order{OrderID: "o1", IdempotencyKey: "k1", Purpose: types.PurposeEntry, Symbol: "BTCUSDT", VenueOrderID: "v1", Status: types.OrderSubmitted, SubmittedAtMs: time.Now().UnixMilli()}
	require.NoError(t, store.UpsertOrder(order))

	client := &fakeVenueClient{status: types.OrderFilled, filledQty: decimal.NewFromInt(10), avgPrice: decimal.NewFromInt(100)}
	resub := &fakeResubmitter{}

	cfg := &config.Config{ReconcilePollInterval: time.Second, OrderTimeoutAlertWindow: time.Hour}
	loop := New(store, cfg, b, client, resub, risk.NewDedup(5*time.Minute))

	require.NoError(t, loop.Tick(context.Background()))

	got, err := store.GetOrder("k1", types.PurposeEntry)
	require.NoError(t, err)
	require.Equal(t, types.OrderFilled, got.Status)
	require.Equal(t, 0, resub.calls, "a filled order must not be resubmitted")
}

func TestTickResubmitsTimedOutOrder(t *testing.T) {
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	pos := &types.Position{PositionID: "p2", IdempotencyKey: "k2", Symbol: "BTCUSDT", Status: types.PositionOpen}
	require.NoError(t, store.UpsertPosition(pos))

	order := &types.Order{OrderID: "o2", IdempotencyKey: "k2", Purpose: types.PurposeEntry, Symbol: "BTCUSDT", VenueOrderID: "v2", Status: types.OrderSubmitted, SubmittedAtMs: time.Now().Add(-time.Hour).UnixMilli()}
	require.NoError(t, store.UpsertOrder(order))

	client := &fakeVenueClient{status: types.OrderSubmitted, filledQty: decimal.Zero, avgPrice: decimal.Zero}
	resub := &fakeResubmitter{}

	cfg := &config.Config{ReconcilePollInterval: time.Second, OrderTimeoutAlertWindow: time.Minute}
	loop := New(store, cfg, b, client, resub, risk.NewDedup(5*time.Minute))

	require.NoError(t, loop.Tick(context.Background()))
	require.Equal(t, 1, resub.calls)
}

func TestTickMovesStopToBreakEvenOnTP1Fill(t *testing.T) {
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	pos := &types.Position{
		PositionID: "p3", IdempotencyKey: "k3", Symbol: "BTCUSDT", Status: types.PositionOpen,
		QtyTotal: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100), PrimarySL: decimal.NewFromInt(98),
	}
	require.NoError(t, store.UpsertPosition(pos))

	order := &types.Order{OrderID: "o3", IdempotencyKey: "k3", Purpose: types.PurposeTP1, Symbol: "BTCUSDT", VenueOrderID: "v3", Status: types.OrderSubmitted, SubmittedAtMs: time.Now().UnixMilli()}
	require.NoError(t, store.UpsertOrder(order))

	client := &fakeVenueClient{status: types.OrderFilled, filledQty: decimal.NewFromInt(5), avgPrice: decimal.NewFromInt(102)}
	resub := &fakeResubmitter{}

	cfg := &config.Config{ReconcilePollInterval: time.Second, OrderTimeoutAlertWindow: time.Hour}
	loop := New(store, cfg, b, client, resub, risk.NewDedup(5*time.Minute))

	require.NoError(t, loop.Tick(context.Background()))

	got, err := store.GetPositionByIdempotencyKey("k3")
	require.NoError(t, err)
	require.True(t, got.PrimarySL.Equal(got.EntryPrice), "TP1 fill should move the stop to break-even")
	require.True(t, got.QtyTotal.Equal(decimal.NewFromInt(5)), "TP1 fill should reduce the remaining position by the filled leg")
}
