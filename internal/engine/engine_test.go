package engine

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/execcore/internal/types"
)

func TestDecodePayloadRoundTripsTradePlan(t *testing.T) {
	plan := types.TradePlan{
		PlanID:         "plan-1",
		IdempotencyKey: "key-1",
		Symbol:         "BTCUSDT",
		Side:           types.SideBuy,
		Entry:          decimal.NewFromInt(50000),
	}
	env := types.Envelope{Payload: plan}

	// Simulate the payload shape the bus hands back after a JSON round
	// trip off the database (Payload decoded generically as a map).
	raw, err := toGenericPayload(env)
	require.NoError(t, err)
	env.Payload = raw

	decoded, ok := decodePayload[types.TradePlan](env)
	require.True(t, ok)
	assert.Equal(t, plan.PlanID, decoded.PlanID)
	assert.True(t, plan.Entry.Equal(decoded.Entry))
}

func TestDecodePayloadIgnoresMismatchedShape(t *testing.T) {
	env := types.Envelope{Payload: map[string]any{"unexpected": "shape"}}

	decoded, ok := decodePayload[types.TradePlan](env)
	assert.True(t, ok) // unknown fields are ignored by json.Unmarshal
	assert.Empty(t, decoded.PlanID)
}

// toGenericPayload mimics what json.Unmarshal produces for an `any`-typed
// field: a map[string]any, not the original struct.
func toGenericPayload(env types.Envelope) (any, error) {
	var generic map[string]any
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
