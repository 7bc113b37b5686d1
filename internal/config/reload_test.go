package config

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandinet/tradecore/internal/domain"
	"github.com/mandinet/tradecore/internal/events"
)

func TestRegisterReload_PatchesAndSwaps(t *testing.T) {
	log := zerolog.New(io.Discard)
	bus := events.NewBus(log)
	store := NewStore(DefaultSnapshot())
	before := store.Current()

	RegisterReload(bus, store, log)

	env, err := events.NewEnvelope(events.ConfigChanged, "config", "runtime", map[string]any{
		"min_score_threshold": 0.75,
		"location_rules": map[string]any{
			"c-cotton": map[string]any{"within_km": 150.0},
		},
	}, domain.EventMetadata{})
	require.NoError(t, err)
	bus.Emit(env)

	after := store.Current()
	assert.NotSame(t, before, after)
	assert.Equal(t, 0.75, after.MinScoreThreshold)
	assert.Equal(t, 150.0, after.LocationRuleFor("c-cotton").WithinKM)

	// Untouched fields keep their values; the old snapshot is unchanged.
	assert.Equal(t, before.MaxCandidates, after.MaxCandidates)
	assert.NotEqual(t, 0.75, before.MinScoreThreshold)
}

func TestRegisterReload_IgnoresMalformedPayload(t *testing.T) {
	log := zerolog.New(io.Discard)
	bus := events.NewBus(log)
	store := NewStore(DefaultSnapshot())
	before := store.Current()

	RegisterReload(bus, store, log)

	env, err := events.NewEnvelope(events.ConfigChanged, "config", "runtime", []int{1, 2}, domain.EventMetadata{})
	require.NoError(t, err)
	bus.Emit(env)

	assert.Same(t, before, store.Current())
}

func TestSnapshot_PerCommodityOverrides(t *testing.T) {
	s := DefaultSnapshot()
	s.CommodityWeights["c-1"] = ScoreWeights{Quality: 0.7, Price: 0.1, Delivery: 0.1, Risk: 0.1}
	s.LocationRules["c-1"] = LocationRule{SameCity: true}

	assert.Equal(t, 0.7, s.WeightsFor("c-1").Quality)
	assert.Equal(t, 0.4, s.WeightsFor("c-other").Quality)
	assert.True(t, s.LocationRuleFor("c-1").SameCity)
	assert.False(t, s.LocationRuleFor("c-other").SameCity)
}
