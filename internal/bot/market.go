package bot

import (
	"sync/atomic"
	"time"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// marketSnapshot - неизменяемый срез котировок обеих площадок
type marketSnapshot struct {
	a, b         *models.Quote
	lastA, lastB time.Time
}

// MarketAggregator - лучшие цены обеих площадок
//
// Запись и чтение не блокируют друг друга: каждое обновление строит
// новый снимок и публикует его через atomic.Pointer (CAS цикл).
// Котировка со временем площадки старше сохранённой отбрасывается.
type MarketAggregator struct {
	venueA     string
	venueB     string
	instrument string
	maxAge     time.Duration

	state atomic.Pointer[marketSnapshot]

	dropped atomic.Int64
}

// NewMarketAggregator создаёт агрегатор для пары площадок
func NewMarketAggregator(venueA, venueB, instrument string, maxAge time.Duration) *MarketAggregator {
	m := &MarketAggregator{
		venueA:     venueA,
		venueB:     venueB,
		instrument: instrument,
		maxAge:     maxAge,
	}
	m.state.Store(&marketSnapshot{})
	return m
}

// Update заменяет котировку площадки и записывает время получения.
// Возвращает false если котировка отброшена (чужая площадка или
// инструмент, нарушен bid <= ask, время площадки откатилось назад).
func (m *MarketAggregator) Update(venue string, q models.Quote) bool {
	if venue != m.venueA && venue != m.venueB {
		m.dropped.Add(1)
		return false
	}
	if !q.Valid() || (q.Instrument != "" && q.Instrument != m.instrument) {
		m.dropped.Add(1)
		return false
	}

	received := q.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	quote := q
	quote.Venue = venue
	quote.ReceivedAt = received

	for {
		cur := m.state.Load()
		next := *cur

		prev := cur.b
		if venue == m.venueA {
			prev = cur.a
		}
		if prev != nil && !q.Timestamp.IsZero() && q.Timestamp.Before(prev.Timestamp) {
			m.dropped.Add(1)
			return false
		}

		if venue == m.venueA {
			next.a = &quote
			next.lastA = received
		} else {
			next.b = &quote
			next.lastB = received
		}

		if m.state.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// Current возвращает вид рынка на момент now.
// Fresh = обе котировки есть и каждая не старше maxAge.
func (m *MarketAggregator) Current(now time.Time) *models.MarketState {
	s := m.state.Load()
	st := &models.MarketState{
		QuoteA:      s.a,
		QuoteB:      s.b,
		LastUpdateA: s.lastA,
		LastUpdateB: s.lastB,
		EvaluatedAt: now,
	}
	st.Fresh = s.a != nil && s.b != nil &&
		utils.Age(s.lastA, now) <= m.maxAge &&
		utils.Age(s.lastB, now) <= m.maxAge
	return st
}

// Check возвращает *StaleMarketDataError для первой устаревшей площадки
func (m *MarketAggregator) Check(now time.Time) error {
	s := m.state.Load()
	if err := m.checkVenue(m.venueA, s.a, s.lastA, now); err != nil {
		return err
	}
	return m.checkVenue(m.venueB, s.b, s.lastB, now)
}

func (m *MarketAggregator) checkVenue(venue string, q *models.Quote, last, now time.Time) error {
	if q == nil {
		return &StaleMarketDataError{Venue: venue, Age: -1, Limit: m.maxAge}
	}
	if age := utils.Age(last, now); age > m.maxAge {
		return &StaleMarketDataError{Venue: venue, Age: age, Limit: m.maxAge}
	}
	return nil
}

// Quote возвращает последнюю котировку площадки (nil если нет)
func (m *MarketAggregator) Quote(venue string) *models.Quote {
	s := m.state.Load()
	switch venue {
	case m.venueA:
		return s.a
	case m.venueB:
		return s.b
	default:
		return nil
	}
}

// Venues возвращает имена площадок A и B
func (m *MarketAggregator) Venues() (string, string) {
	return m.venueA, m.venueB
}

// Dropped - количество отброшенных котировок
func (m *MarketAggregator) Dropped() int64 {
	return m.dropped.Load()
}
