package bot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/models"
)

func quoteAt(venue string, bid, ask float64, ts time.Time) models.Quote {
	return models.Quote{
		Venue:      venue,
		Instrument: "BTC/USDT",
		BestBid:    bid,
		BestAsk:    ask,
		Timestamp:  ts,
		ReceivedAt: ts,
	}
}

func TestMarketAggregatorFreshness(t *testing.T) {
	m := NewMarketAggregator("a", "b", "BTC/USDT", 2*time.Second)
	now := time.Now()

	st := m.Current(now)
	assert.False(t, st.Fresh)
	assert.False(t, st.Complete())

	require.True(t, m.Update("a", quoteAt("a", 100, 100.5, now)))
	assert.False(t, m.Current(now).Fresh, "one venue only")

	require.True(t, m.Update("b", quoteAt("b", 101, 101.5, now)))
	st = m.Current(now)
	assert.True(t, st.Fresh)
	assert.Equal(t, 100.5, st.QuoteA.BestAsk)
	assert.Equal(t, 101.0, st.QuoteB.BestBid)
	assert.Equal(t, now, st.LastUpdateA)

	// ровно на границе - ещё свежий
	assert.True(t, m.Current(now.Add(2*time.Second)).Fresh)
	assert.False(t, m.Current(now.Add(2*time.Second+time.Millisecond)).Fresh)
}

func TestMarketAggregatorCheck(t *testing.T) {
	m := NewMarketAggregator("a", "b", "BTC/USDT", time.Second)
	now := time.Now()

	err := m.Check(now)
	require.Error(t, err)
	assert.True(t, IsStale(err))
	var se *StaleMarketDataError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "a", se.Venue)
	assert.Less(t, se.Age, time.Duration(0))

	m.Update("a", quoteAt("a", 100, 101, now))
	m.Update("b", quoteAt("b", 100, 101, now.Add(-5*time.Second)))
	err = m.Check(now)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "b", se.Venue)
	assert.Equal(t, 5*time.Second, se.Age)

	m.Update("b", quoteAt("b", 100, 101, now))
	assert.NoError(t, m.Check(now))
}

func TestMarketAggregatorDropsInvalid(t *testing.T) {
	m := NewMarketAggregator("a", "b", "BTC/USDT", time.Second)
	now := time.Now()

	assert.False(t, m.Update("c", quoteAt("c", 100, 101, now)), "unknown venue")
	assert.False(t, m.Update("a", quoteAt("a", 102, 101, now)), "crossed book")
	assert.False(t, m.Update("a", quoteAt("a", 0, 101, now)), "zero bid")

	other := quoteAt("a", 100, 101, now)
	other.Instrument = "ETH/USDT"
	assert.False(t, m.Update("a", other), "foreign instrument")

	assert.Nil(t, m.Quote("a"))
	assert.Equal(t, int64(4), m.Dropped())
}

func TestMarketAggregatorOutOfOrder(t *testing.T) {
	m := NewMarketAggregator("a", "b", "BTC/USDT", time.Second)
	now := time.Now()

	require.True(t, m.Update("a", quoteAt("a", 100, 101, now)))
	assert.False(t, m.Update("a", quoteAt("a", 99, 100, now.Add(-time.Millisecond))))
	assert.Equal(t, 100.0, m.Quote("a").BestBid)

	require.True(t, m.Update("a", quoteAt("a", 102, 103, now.Add(time.Millisecond))))
	assert.Equal(t, 102.0, m.Quote("a").BestBid)
}

func TestMarketAggregatorReceivedAtDefault(t *testing.T) {
	m := NewMarketAggregator("a", "b", "BTC/USDT", time.Second)
	q := models.Quote{BestBid: 1, BestAsk: 2}
	before := time.Now()
	require.True(t, m.Update("a", q))

	got := m.Quote("a")
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Venue)
	assert.False(t, got.ReceivedAt.Before(before))
}

func TestMarketAggregatorConcurrentUpdates(t *testing.T) {
	m := NewMarketAggregator("a", "b", "BTC/USDT", time.Minute)
	base := time.Now()

	var wg sync.WaitGroup
	for _, venue := range []string{"a", "b"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				m.Update(v, quoteAt(v, 100, 101, base.Add(time.Duration(i)*time.Microsecond)))
			}
		}(venue)
	}
	wg.Wait()

	st := m.Current(base.Add(time.Second))
	require.True(t, st.Complete())
	assert.Equal(t, base.Add(999*time.Microsecond), st.QuoteA.Timestamp)
	assert.Equal(t, base.Add(999*time.Microsecond), st.QuoteB.Timestamp)
}

func BenchmarkMarketAggregatorUpdate(b *testing.B) {
	m := NewMarketAggregator("a", "b", "BTC/USDT", 2*time.Second)
	now := time.Now()
	qa := quoteAt("a", 100, 100.5, now)
	qb := quoteAt("b", 101, 101.5, now)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Update("a", qa)
		m.Update("b", qb)
		_ = m.Current(now)
	}
}
