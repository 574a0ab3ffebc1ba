package ordermanager

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/execcore/internal/bus"
	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/storage"
	"github.com/web3guy0/execcore/internal/types"
)

type fakeClient struct {
	placeCalls  int
	fillAfter   int // status poll on which FILLED is first reported
	statusCalls int
	cancelCalls int
}

func (f *fakeClient) PlaceOrder(_ context.Context, order *types.Order) (string, error) {
	f.placeCalls++
	return "venue-1", nil
}

func (f *fakeClient) CancelOrder(_ context.Context, _ string, _ string) error {
	f.cancelCalls++
	return nil
}

func (f *fakeClient) GetOrderStatus(_ context.Context, _ string, _ string) (types.OrderStatus, decimal.Decimal, decimal.Decimal, error) {
	f.statusCalls++
	if f.statusCalls >= f.fillAfter {
		return types.OrderFilled, decimal.NewFromInt(10), decimal.NewFromInt(100), nil
	}
	return types.OrderSubmitted, decimal.Zero, decimal.Zero, nil
}

func newTestManager(t *testing.T, client VenueClient) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	cfg := &config.Config{
		EntryTimeoutMs:          100,
		EntryMaxRetries:         1,
		EntryRepriceBps:         5,
		EntryFallbackMarket:     true,
		OrderTimeoutAlertWindow: 100 * time.Millisecond,
	}

	m := New(store, cfg, b, client)
	m.pollInterval = 10 * time.Millisecond
	return m, store
}

func TestSubmitOrderFillsOnFirstPoll(t *testing.T) {
	client := &fakeClient{fillAfter: 1}
	m, store := newTestManager(t, client)

	order := &types.Order{OrderID: "o-1", IdempotencyKey: "k-1", Purpose: types.PurposeEntry, Symbol: "BTCUSDT", Side: types.SideBuy, Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(10)}
	require.NoError(t, store.UpsertOrder(order))

	err := m.SubmitOrder(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, types.OrderFilled, order.Status)
	require.Equal(t, 1, client.placeCalls)
}

func TestSubmitOrderRepricesOnTimeoutThenFills(t *testing.T) {
	client := &fakeClient{fillAfter: 1000} // never fills until reprice attempt
	m, store := newTestManager(t, client)

	order := &types.Order{OrderID: "o-2", IdempotencyKey: "k-2", Purpose: types.PurposeEntry, Symbol: "BTCUSDT", Side: types.SideBuy, Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(10)}
	require.NoError(t, store.UpsertOrder(order))

	client.fillAfter = 1000
	go func() {
		time.Sleep(150 * time.Millisecond) // after the first attempt's 100ms timeout
		client.fillAfter = 0                // next poll reports filled, simulating the reprice succeeding
	}()

	err := m.SubmitOrder(context.Background(), order)
	require.NoError(t, err)
	require.GreaterOrEqual(t, client.placeCalls, 2)
	require.GreaterOrEqual(t, client.cancelCalls, 1)
}
