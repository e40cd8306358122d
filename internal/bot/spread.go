package bot

import (
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/models"
)

// Причины отсутствия решения
const (
	NoDecisionStale          = "stale"
	NoDecisionBelowThreshold = "below_threshold"
	NoDecisionPositionLimit  = "position_limit"
)

// EvalParams - параметры оценки спреда
type EvalParams struct {
	VenueA         string
	VenueB         string
	Instrument     string
	OrderSize      float64
	MaxPosition    float64
	LongThreshold  float64
	ShortThreshold float64
}

// ParamsFromConfig собирает параметры оценки из конфигурации движка
func ParamsFromConfig(cfg config.EngineConfig, venueA, venueB string) EvalParams {
	return EvalParams{
		VenueA:         venueA,
		VenueB:         venueB,
		Instrument:     cfg.Instrument,
		OrderSize:      cfg.OrderSize,
		MaxPosition:    cfg.MaxPosition,
		LongThreshold:  cfg.LongThreshold,
		ShortThreshold: cfg.ShortThreshold,
	}
}

// SpreadSnapshot - результат одного тика оценки (для журнала и метрик)
type SpreadSnapshot struct {
	LongSpread     float64   `json:"long_spread"`
	ShortSpread    float64   `json:"short_spread"`
	LongThreshold  float64   `json:"long_threshold"`
	ShortThreshold float64   `json:"short_threshold"`
	Fresh          bool      `json:"fresh"`
	Direction      string    `json:"direction,omitempty"` // выбранное направление
	Reason         string    `json:"reason,omitempty"`    // причина отсутствия решения
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// candidate - направление, прошедшее порог
type candidate struct {
	direction string
	spread    decimal.Decimal
	buyVenue  string
	sellVenue string
	buyPrice  float64
	sellPrice float64
}

// Evaluate решает, торговать ли на текущем рынке.
//
// long  = B.bid - A.ask (покупка на A, продажа на B)
// short = A.bid - B.ask (покупка на B, продажа на A)
//
// Решение принимается только если рынок свежий, спред строго больше
// порога и объём не выводит позицию площадки или суммарную за MaxPosition
// даже в худшем случае (исполнится одна нога). nil - нормальное состояние.
func Evaluate(state *models.MarketState, positions *models.PositionSnapshot, p EvalParams) (*models.Decision, SpreadSnapshot) {
	snap := SpreadSnapshot{
		LongThreshold:  p.LongThreshold,
		ShortThreshold: p.ShortThreshold,
	}
	if state == nil || !state.Complete() {
		snap.Reason = NoDecisionStale
		return nil, snap
	}
	snap.EvaluatedAt = state.EvaluatedAt
	snap.Fresh = state.Fresh

	a, b := state.QuoteA, state.QuoteB
	long := decimal.NewFromFloat(b.BestBid).Sub(decimal.NewFromFloat(a.BestAsk))
	short := decimal.NewFromFloat(a.BestBid).Sub(decimal.NewFromFloat(b.BestAsk))
	snap.LongSpread = long.InexactFloat64()
	snap.ShortSpread = short.InexactFloat64()

	if !state.Fresh {
		snap.Reason = NoDecisionStale
		return nil, snap
	}

	var passed []candidate
	if long.GreaterThan(decimal.NewFromFloat(p.LongThreshold)) {
		passed = append(passed, candidate{
			direction: models.DirectionLong,
			spread:    long,
			buyVenue:  p.VenueA,
			sellVenue: p.VenueB,
			buyPrice:  a.BestAsk,
			sellPrice: b.BestBid,
		})
	}
	if short.GreaterThan(decimal.NewFromFloat(p.ShortThreshold)) {
		passed = append(passed, candidate{
			direction: models.DirectionShort,
			spread:    short,
			buyVenue:  p.VenueB,
			sellVenue: p.VenueA,
			buyPrice:  b.BestAsk,
			sellPrice: a.BestBid,
		})
	}
	if len(passed) == 0 {
		snap.Reason = NoDecisionBelowThreshold
		return nil, snap
	}

	fits := passed[:0]
	for _, c := range passed {
		if fitsLimits(positions, c, p) {
			fits = append(fits, c)
		}
	}
	if len(fits) == 0 {
		snap.Reason = NoDecisionPositionLimit
		return nil, snap
	}

	best := fits[0]
	if len(fits) == 2 {
		best = pickDirection(fits[0], fits[1], positions, p)
	}
	snap.Direction = best.direction

	threshold := p.LongThreshold
	if best.direction == models.DirectionShort {
		threshold = p.ShortThreshold
	}

	return &models.Decision{
		Direction:  best.direction,
		VenueBuy:   best.buyVenue,
		VenueSell:  best.sellVenue,
		BuyPrice:   best.buyPrice,
		SellPrice:  best.sellPrice,
		Size:       p.OrderSize,
		Spread:     best.spread.InexactFloat64(),
		Threshold:  threshold,
		Instrument: p.Instrument,
		MadeAt:     state.EvaluatedAt,
	}, snap
}

// fitsLimits проверяет худший случай для обеих ног и суммарной позиции
func fitsLimits(positions *models.PositionSnapshot, c candidate, p EvalParams) bool {
	limit := decimal.NewFromFloat(p.MaxPosition)
	size := decimal.NewFromFloat(p.OrderSize)

	buy := venueDecimal(positions, c.buyVenue)
	sell := venueDecimal(positions, c.sellVenue)

	if buy.net.Add(buy.long).Add(size).GreaterThan(limit) {
		return false
	}
	if sell.net.Add(sell.short).Sub(size).LessThan(limit.Neg()) {
		return false
	}

	// суммарная: если исполнится только одна нога
	agg, aggLong, aggShort := aggregateDecimal(positions)
	if agg.Add(aggLong).Add(size).GreaterThan(limit) {
		return false
	}
	if agg.Add(aggShort).Sub(size).LessThan(limit.Neg()) {
		return false
	}
	return true
}

// pickDirection - больший спред; при равенстве - направление, уменьшающее
// суммарную экспозицию |A| + |B|; при равной экспозиции - long.
func pickDirection(x, y candidate, positions *models.PositionSnapshot, p EvalParams) candidate {
	if cmp := x.spread.Cmp(y.spread); cmp != 0 {
		if cmp > 0 {
			return x
		}
		return y
	}

	ex := exposureAfter(positions, x, p)
	ey := exposureAfter(positions, y, p)
	switch ex.Cmp(ey) {
	case -1:
		return x
	case 1:
		return y
	}
	if x.direction == models.DirectionLong {
		return x
	}
	return y
}

func exposureAfter(positions *models.PositionSnapshot, c candidate, p EvalParams) decimal.Decimal {
	size := decimal.NewFromFloat(p.OrderSize)
	buy := venueDecimal(positions, c.buyVenue).net.Add(size)
	sell := venueDecimal(positions, c.sellVenue).net.Sub(size)
	return buy.Abs().Add(sell.Abs())
}

type venueDec struct {
	net, long, short decimal.Decimal
}

func venueDecimal(positions *models.PositionSnapshot, venue string) venueDec {
	if positions == nil {
		return venueDec{}
	}
	pos := positions.Venues[venue]
	return venueDec{
		net:   decimal.NewFromFloat(pos.NetQuantity),
		long:  decimal.NewFromFloat(pos.ReservedLong),
		short: decimal.NewFromFloat(pos.ReservedShort),
	}
}

func aggregateDecimal(positions *models.PositionSnapshot) (net, long, short decimal.Decimal) {
	if positions == nil {
		return
	}
	for _, pos := range positions.Venues {
		net = net.Add(decimal.NewFromFloat(pos.NetQuantity))
		long = long.Add(decimal.NewFromFloat(pos.ReservedLong))
		short = short.Add(decimal.NewFromFloat(pos.ReservedShort))
	}
	return
}
