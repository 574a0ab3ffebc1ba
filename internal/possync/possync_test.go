package possync

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
	positions []VenuePosition
}

func (f *fakeVenueClient) GetPositions(_ context.Context) ([]VenuePosition, error) {
	return f.positions, nil
}

func TestTickClosesPositionAbsentFromVenue(t *testing.T) {
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	pos := &types.Position{PositionID: "p1", IdempotencyKey: "k1", Symbol: "BTCUSDT", Side: types.SideBuy, QtyTotal: decimal.NewFromInt(10), Status: types.PositionOpen}
	require.NoError(t, store.UpsertPosition(pos))

	cfg := &config.Config{ConsistencyDriftEnabled: true, ConsistencyDriftThresholdPct: decimal.NewFromFloat(0.1)}
	loop := New(store, cfg, b, &fakeVenueClient{}, risk.NewDedup(5*time.Minute))

	require.NoError(t, loop.Tick(context.Background()))

	got, err := store.GetPositionByIdempotencyKey("k1")
	require.NoError(t, err)
	require.Equal(t, types.PositionClosed, got.Status)
	require.Equal(t, types.ExitExchangeClosed, got.ExitReason)
}

func TestTickRaisesDriftEventOnSizeMismatch(t *testing.T) {
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	pos := &types.Position{PositionID: "p2", IdempotencyKey: "k2", Symbol: "ETHUSDT", Side: types.SideBuy, QtyTotal: decimal.NewFromInt(10), Status: types.PositionOpen}
	require.NoError(t, store.UpsertPosition(pos))

	cfg := &config.Config{ConsistencyDriftEnabled: true, ConsistencyDriftThresholdPct: decimal.NewFromFloat(0.1)}
	client := &fakeVenueClient{positions: []VenuePosition{{Symbol: "ETHUSDT", Side: types.SideBuy, Size: decimal.NewFromInt(7)}}}
	loop := New(store, cfg, b, client, risk.NewDedup(5*time.Minute))

	require.NoError(t, loop.Tick(context.Background()))

	evt, err := store.LastRiskEventOfType(types.EvtConsistencyDrift, "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, evt)

	got, err := store.GetPositionByIdempotencyKey("k2")
	require.NoError(t, err)
	require.Equal(t, types.PositionOpen, got.Status, "drift alone must not close the position")
}
