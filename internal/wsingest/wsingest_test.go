package wsingest

import (
	"encoding/json"
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

func newTestFeed(t *testing.T) (*Feed, *storage.Store) {
	t.Helper()
	store, err := storage.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b, err := bus.New(store.DB())
	require.NoError(t, err)

	cfg := &config.Config{
		PrivateWSSubscribe:           []string{"order", "execution", "position", "wallet"},
		ConsistencyDriftEnabled:      true,
		ConsistencyDriftThresholdPct: decimal.NewFromFloat(0.10),
	}
	return New(cfg, store, b, nil, risk.NewDedup(5*time.Minute)), store
}

func TestHandleOrderUpdatesPersistedOrder(t *testing.T) {
	feed, store := newTestFeed(t)

	order := &types.Order{
		OrderID: "o1", IdempotencyKey: "k1", Purpose: types.PurposeEntry,
		Symbol: "BTCUSDT", VenueOrderID: "v1", Status: types.OrderSubmitted,
	}
	require.NoError(t, store.UpsertOrder(order))

	raw, err := json.Marshal([]orderUpdate{{VenueOrderID: "v1", Status: types.OrderFilled, FilledQty: decimal.RequireFromString("10"), AvgPrice: decimal.RequireFromString("100")}})
	require.NoError(t, err)

	feed.handleOrder(raw)

	got, err := store.GetOrderByVenueID("v1")
	require.NoError(t, err)
	require.Equal(t, types.OrderFilled, got.Status)
	require.True(t, got.FilledQty.Equal(decimal.RequireFromString("10")))
}

func TestHandleExecutionInsertsFill(t *testing.T) {
	feed, store := newTestFeed(t)

	order := &types.Order{
		OrderID: "o2", IdempotencyKey: "k2", Purpose: types.PurposeEntry,
		Symbol: "ETHUSDT", VenueOrderID: "v2", Status: types.OrderSubmitted,
	}
	require.NoError(t, store.UpsertOrder(order))

	raw, err := json.Marshal([]executionEvent{{
		VenueOrderID: "v2", ExecID: "exec-1", ExecQty: decimal.RequireFromString("5"), ExecPrice: decimal.RequireFromString("50"), ExecTimeMs: time.Now().UnixMilli(),
	}})
	require.NoError(t, err)

	feed.handleExecution(raw)

	// Re-delivering the same exec id must not produce a second fill row.
	feed.handleExecution(raw)

	var count int64
	require.NoError(t, store.DB().Model(&types.Fill{}).Where("venue_exec_id = ?", "exec-1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestHandlePositionMergesWSSnapshotIntoMeta(t *testing.T) {
	feed, store := newTestFeed(t)

	pos := &types.Position{PositionID: "p1", IdempotencyKey: "k3", Symbol: "BTCUSDT", Side: types.SideBuy, Status: types.PositionOpen}
	require.NoError(t, store.UpsertPosition(pos))

	raw, err := json.Marshal([]positionUpdate{{Symbol: "BTCUSDT", Side: types.SideBuy, Size: decimal.RequireFromString("3")}})
	require.NoError(t, err)

	feed.handlePosition(raw)

	got, err := store.GetPositionByIdempotencyKey("k3")
	require.NoError(t, err)

	var meta types.PositionMeta
	require.NoError(t, json.Unmarshal([]byte(got.MetaJSON), &meta))
	require.NotNil(t, meta.WSPosition)
	require.True(t, meta.WSPosition.Size.Equal(decimal.RequireFromString("3")))
}

func TestHandlePositionRaisesDriftOnSizeMismatch(t *testing.T) {
	feed, store := newTestFeed(t)

	pos := &types.Position{
		PositionID: "p4", IdempotencyKey: "k4", Symbol: "BTCUSDT", Side: types.SideBuy,
		Status: types.PositionOpen, QtyTotal: decimal.NewFromInt(10),
	}
	require.NoError(t, store.UpsertPosition(pos))

	raw, err := json.Marshal([]positionUpdate{{Symbol: "BTCUSDT", Side: types.SideBuy, Size: decimal.NewFromInt(7)}})
	require.NoError(t, err)

	feed.handlePosition(raw)

	evt, err := store.LastRiskEventOfType(types.EvtConsistencyDrift, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, evt, "a WS-observed size mismatch beyond the threshold should raise its own drift event")
}

func TestHandleExecutionConvergesOrderOnceFullyFilled(t *testing.T) {
	feed, store := newTestFeed(t)

	pos := &types.Position{
		PositionID: "p5", IdempotencyKey: "k5", Symbol: "BTCUSDT", Side: types.SideBuy,
		Status: types.PositionOpen, QtyTotal: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100), PrimarySL: decimal.NewFromInt(98),
	}
	require.NoError(t, store.UpsertPosition(pos))

	order := &types.Order{
		OrderID: "o5", IdempotencyKey: "k5", Purpose: types.PurposeTP1,
		Symbol: "BTCUSDT", VenueOrderID: "v5", Status: types.OrderSubmitted, Qty: decimal.NewFromInt(5),
	}
	require.NoError(t, store.UpsertOrder(order))

	raw, err := json.Marshal([]executionEvent{{
		VenueOrderID: "v5", ExecID: "exec-tp1", ExecQty: decimal.NewFromInt(5), ExecPrice: decimal.NewFromInt(102), ExecTimeMs: time.Now().UnixMilli(),
	}})
	require.NoError(t, err)

	feed.handleExecution(raw)

	got, err := store.GetOrderByVenueID("v5")
	require.NoError(t, err)
	require.Equal(t, types.OrderFilled, got.Status, "aggregated fills covering the full qty should converge the order to FILLED")

	gotPos, err := store.GetPositionByIdempotencyKey("k5")
	require.NoError(t, err)
	require.True(t, gotPos.PrimarySL.Equal(gotPos.EntryPrice), "TP1 convergence should move the stop to break-even")
	require.True(t, gotPos.QtyTotal.Equal(decimal.NewFromInt(5)))
}

func TestHandleWalletInsertsSnapshot(t *testing.T) {
	feed, store := newTestFeed(t)

	raw, err := json.Marshal([]walletUpdate{{Equity: decimal.RequireFromString("1000")}})
	require.NoError(t, err)

	feed.handleWallet(raw)

	snap, err := store.LatestWalletSnapshot(types.SourceWS)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.True(t, snap.Equity.Equal(decimal.RequireFromString("1000")))
}
