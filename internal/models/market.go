package models

import "time"

// Роли площадок в паре. Спред всегда считается как A против B.
const (
	VenueRoleA = "A"
	VenueRoleB = "B"
)

// Quote - нормализованная лучшая цена одной площадки
//
// Неизменяемый снимок: следующий Quote той же площадки полностью его заменяет.
// Инвариант: BestBid <= BestAsk.
type Quote struct {
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	Timestamp  time.Time `json:"timestamp"`  // время котировки на площадке
	ReceivedAt time.Time `json:"received_at"` // время получения агрегатором
}

// Valid проверяет базовые инварианты котировки
func (q *Quote) Valid() bool {
	if q == nil {
		return false
	}
	return q.BestBid > 0 && q.BestAsk > 0 && q.BestBid <= q.BestAsk
}

// Mid возвращает середину спреда площадки
func (q *Quote) Mid() float64 {
	return (q.BestBid + q.BestAsk) / 2
}

// MarketState - согласованный вид рынка по обеим площадкам
//
// Изменяется только агрегатором. Fresh = true только если обе котировки
// присутствуют и каждая не старше настроенного лимита на момент оценки.
type MarketState struct {
	QuoteA      *Quote    `json:"quote_a,omitempty"`
	QuoteB      *Quote    `json:"quote_b,omitempty"`
	LastUpdateA time.Time `json:"last_update_a"`
	LastUpdateB time.Time `json:"last_update_b"`
	Fresh       bool      `json:"fresh"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Complete возвращает true если присутствуют обе котировки
func (s *MarketState) Complete() bool {
	return s != nil && s.QuoteA != nil && s.QuoteB != nil
}

// LongSpread - B.bid - A.ask (покупка на A, продажа на B)
func (s *MarketState) LongSpread() float64 {
	if !s.Complete() {
		return 0
	}
	return s.QuoteB.BestBid - s.QuoteA.BestAsk
}

// ShortSpread - A.bid - B.ask (покупка на B, продажа на A)
func (s *MarketState) ShortSpread() float64 {
	if !s.Complete() {
		return 0
	}
	return s.QuoteA.BestBid - s.QuoteB.BestAsk
}
