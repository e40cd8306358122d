package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/config"
	"crossarb/internal/models"
)

func testParams() EvalParams {
	return EvalParams{
		VenueA:         "a",
		VenueB:         "b",
		Instrument:     "BTC/USDT",
		OrderSize:      1,
		MaxPosition:    5,
		LongThreshold:  0.3,
		ShortThreshold: 0.3,
	}
}

func freshState(aBid, aAsk, bBid, bAsk float64) *models.MarketState {
	now := time.Now()
	return &models.MarketState{
		QuoteA:      &models.Quote{Venue: "a", BestBid: aBid, BestAsk: aAsk, ReceivedAt: now},
		QuoteB:      &models.Quote{Venue: "b", BestBid: bBid, BestAsk: bAsk, ReceivedAt: now},
		LastUpdateA: now,
		LastUpdateB: now,
		Fresh:       true,
		EvaluatedAt: now,
	}
}

func flatPositions(max float64) *models.PositionSnapshot {
	return &models.PositionSnapshot{
		Venues:      map[string]models.Position{"a": {Venue: "a"}, "b": {Venue: "b"}},
		MaxPosition: max,
	}
}

func TestEvaluateLongSpreadAboveThreshold(t *testing.T) {
	state := freshState(100, 100.5, 101, 101.5)

	d, snap := Evaluate(state, flatPositions(5), testParams())
	require.NotNil(t, d)

	assert.Equal(t, models.DirectionLong, d.Direction)
	assert.Equal(t, "a", d.VenueBuy)
	assert.Equal(t, "b", d.VenueSell)
	assert.Equal(t, 100.5, d.BuyPrice)
	assert.Equal(t, 101.0, d.SellPrice)
	assert.Equal(t, 1.0, d.Size)
	assert.Equal(t, 0.5, d.Spread)
	assert.Equal(t, 0.3, d.Threshold)
	assert.Equal(t, "BTC/USDT", d.Instrument)
	assert.Equal(t, state.EvaluatedAt, d.MadeAt)

	assert.Equal(t, 0.5, snap.LongSpread)
	assert.Equal(t, -1.5, snap.ShortSpread)
	assert.Equal(t, models.DirectionLong, snap.Direction)
	assert.Empty(t, snap.Reason)
}

func TestEvaluateBelowThreshold(t *testing.T) {
	p := testParams()
	p.LongThreshold = 0.6

	d, snap := Evaluate(freshState(100, 100.5, 101, 101.5), flatPositions(5), p)
	assert.Nil(t, d)
	assert.Equal(t, NoDecisionBelowThreshold, snap.Reason)
	assert.Equal(t, 0.5, snap.LongSpread)
}

func TestEvaluateThresholdIsStrict(t *testing.T) {
	p := testParams()
	p.LongThreshold = 0.5

	d, snap := Evaluate(freshState(100, 100.5, 101, 101.5), flatPositions(5), p)
	assert.Nil(t, d, "spread equal to threshold must not trade")
	assert.Equal(t, NoDecisionBelowThreshold, snap.Reason)
}

func TestEvaluateShortSpread(t *testing.T) {
	d, _ := Evaluate(freshState(102, 102.5, 101, 101.2), flatPositions(5), testParams())
	require.NotNil(t, d)

	assert.Equal(t, models.DirectionShort, d.Direction)
	assert.Equal(t, "b", d.VenueBuy)
	assert.Equal(t, "a", d.VenueSell)
	assert.Equal(t, 101.2, d.BuyPrice)
	assert.Equal(t, 102.0, d.SellPrice)
	assert.InDelta(t, 0.8, d.Spread, 1e-9)
}

func TestEvaluateStale(t *testing.T) {
	state := freshState(100, 100.5, 101, 101.5)
	state.Fresh = false

	d, snap := Evaluate(state, flatPositions(5), testParams())
	assert.Nil(t, d)
	assert.Equal(t, NoDecisionStale, snap.Reason)
	assert.False(t, snap.Fresh)
	// спреды считаются и для устаревшего рынка
	assert.Equal(t, 0.5, snap.LongSpread)

	d, snap = Evaluate(&models.MarketState{QuoteA: state.QuoteA}, flatPositions(5), testParams())
	assert.Nil(t, d)
	assert.Equal(t, NoDecisionStale, snap.Reason)

	d, _ = Evaluate(nil, flatPositions(5), testParams())
	assert.Nil(t, d)
}

func TestEvaluatePositionLimit(t *testing.T) {
	tests := []struct {
		name  string
		venue string
		pos   models.Position
		want  bool
	}{
		{"flat", "a", models.Position{Venue: "a"}, true},
		{"buy venue at limit", "a", models.Position{Venue: "a", NetQuantity: 4.5}, false},
		{"buy venue reserved", "a", models.Position{Venue: "a", NetQuantity: 3, ReservedLong: 1.5}, false},
		{"buy venue fits exactly", "a", models.Position{Venue: "a", NetQuantity: 4}, true},
		{"sell venue at limit", "b", models.Position{Venue: "b", NetQuantity: -4.5}, false},
		{"sell venue reserved", "b", models.Position{Venue: "b", NetQuantity: -3, ReservedShort: -1.5}, false},
		{"long position on sell venue", "b", models.Position{Venue: "b", NetQuantity: 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			positions := flatPositions(5)
			positions.Venues[tt.venue] = tt.pos

			d, snap := Evaluate(freshState(100, 100.5, 101, 101.5), positions, testParams())
			if tt.want {
				assert.NotNil(t, d)
				return
			}
			assert.Nil(t, d)
			assert.Equal(t, NoDecisionPositionLimit, snap.Reason)
		})
	}
}

func TestEvaluateAggregateLimit(t *testing.T) {
	positions := flatPositions(5)
	// по площадкам лимит не нарушен, но суммарно long 4.5
	positions.Venues["a"] = models.Position{Venue: "a", NetQuantity: 2.5}
	positions.Venues["b"] = models.Position{Venue: "b", NetQuantity: 2}

	d, snap := Evaluate(freshState(100, 100.5, 101, 101.5), positions, testParams())
	assert.Nil(t, d)
	assert.Equal(t, NoDecisionPositionLimit, snap.Reason)
}

func TestEvaluateTieBreak(t *testing.T) {
	p := testParams()
	p.LongThreshold = -10
	p.ShortThreshold = -10
	// long = short = 0
	state := freshState(101, 101, 101, 101)

	d, _ := Evaluate(state, flatPositions(5), p)
	require.NotNil(t, d)
	assert.Equal(t, models.DirectionLong, d.Direction, "equal exposure prefers long")

	// long на A увеличивает |A| + |B|, short уменьшает
	positions := flatPositions(5)
	positions.Venues["a"] = models.Position{Venue: "a", NetQuantity: 1}
	positions.Venues["b"] = models.Position{Venue: "b", NetQuantity: -1}
	d, _ = Evaluate(state, positions, p)
	require.NotNil(t, d)
	assert.Equal(t, models.DirectionShort, d.Direction)

	// сумма A + B нулевая в обоих случаях, решает |A| + |B|
	positions.Venues["a"] = models.Position{Venue: "a", NetQuantity: -1}
	positions.Venues["b"] = models.Position{Venue: "b", NetQuantity: 1}
	d, _ = Evaluate(state, positions, p)
	require.NotNil(t, d)
	assert.Equal(t, models.DirectionLong, d.Direction)
}

func TestEvaluateLargerSpreadWins(t *testing.T) {
	p := testParams()
	p.LongThreshold = -10
	p.ShortThreshold = -10

	d, snap := Evaluate(freshState(100, 101, 100.5, 102), flatPositions(5), p)
	require.NotNil(t, d)
	// long = 100.5 - 101 = -0.5, short = 100 - 102 = -2
	assert.Equal(t, models.DirectionLong, d.Direction)
	assert.Equal(t, -0.5, snap.LongSpread)
	assert.Equal(t, -2.0, snap.ShortSpread)
}

func TestEvaluateFallsBackToOtherDirection(t *testing.T) {
	p := testParams()
	p.LongThreshold = -10
	p.ShortThreshold = -10

	positions := flatPositions(5)
	positions.Venues["a"] = models.Position{Venue: "a", NetQuantity: 4.5}
	positions.Venues["b"] = models.Position{Venue: "b", NetQuantity: -4}

	d, _ := Evaluate(freshState(100, 101, 100.5, 102), positions, p)
	require.NotNil(t, d)
	assert.Equal(t, models.DirectionShort, d.Direction, "long blocked by limit")
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.EngineConfig{
		Instrument:     "ETH/USDT",
		OrderSize:      0.5,
		MaxPosition:    2,
		LongThreshold:  1.5,
		ShortThreshold: 2.5,
	}
	p := ParamsFromConfig(cfg, "bybit", "bingx")
	assert.Equal(t, EvalParams{
		VenueA:         "bybit",
		VenueB:         "bingx",
		Instrument:     "ETH/USDT",
		OrderSize:      0.5,
		MaxPosition:    2,
		LongThreshold:  1.5,
		ShortThreshold: 2.5,
	}, p)
}

func BenchmarkEvaluate(b *testing.B) {
	state := freshState(100, 100.5, 101, 101.5)
	positions := flatPositions(5)
	p := testParams()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Evaluate(state, positions, p)
	}
}
