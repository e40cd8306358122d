package models

import "time"

// Направления арбитража
const (
	DirectionLong  = "long"  // покупка на A, продажа на B
	DirectionShort = "short" // покупка на B, продажа на A
)

// Состояния парной сделки (state machine)
const (
	PairAwaitingPrimary = "awaiting_primary"
	PairPrimaryFilled   = "primary_filled"
	PairHedgeSubmitted  = "hedge_submitted"
	PairHedgeTimedOut   = "hedge_timed_out"
	PairHedgeRetried    = "hedge_retried"
	PairHedgeFilled     = "hedge_filled"
	PairHedgeFailed     = "hedge_failed"
	PairAborted         = "aborted"
	PairUnwound         = "unwound"
)

// Терминальные исходы
const (
	OutcomeFullyHedged     = "fully_hedged"
	OutcomeHedgeFailed     = "hedge_failed"
	OutcomeAbortedPreTrade = "aborted_pre_trade"
	OutcomeUnwound         = "unwound"
)

// Decision - решение оценщика спреда
type Decision struct {
	Direction  string    `json:"direction"`
	VenueBuy   string    `json:"venue_buy"`
	VenueSell  string    `json:"venue_sell"`
	BuyPrice   float64   `json:"buy_price"`  // ask площадки покупки
	SellPrice  float64   `json:"sell_price"` // bid площадки продажи
	Size       float64   `json:"size"`
	Spread     float64   `json:"spread"`
	Threshold  float64   `json:"threshold"`
	Instrument string    `json:"instrument"`
	MadeAt     time.Time `json:"made_at"`
}

// PairedTrade - единица намерения: первичная нога + хедж
//
// Ноги не связаны транзакционно. Инвариант: исполнение первички всегда
// сопровождается попыткой хеджа, исход хеджа всегда наблюдаем.
type PairedTrade struct {
	ID             string            `json:"id" db:"id"`
	Instrument     string            `json:"instrument" db:"instrument"`
	Direction      string            `json:"direction" db:"direction"`
	DecisionSpread float64           `json:"decision_spread" db:"decision_spread"`
	Decision       *Decision         `json:"decision,omitempty"`
	Primary        *ArbitrageOrder   `json:"leg_primary"`
	Hedge          *ArbitrageOrder   `json:"leg_hedge,omitempty"`     // последняя попытка хеджа
	HedgeAttempts  []*ArbitrageOrder `json:"hedge_attempts,omitempty"` // все попытки, включая последнюю
	Unwind         *ArbitrageOrder   `json:"unwind,omitempty"`
	State          string            `json:"state" db:"state"`
	Outcome        string            `json:"outcome,omitempty" db:"outcome"`
	HedgedQuantity float64           `json:"hedged_quantity" db:"hedged_quantity"`
	EstimatedPnl   float64           `json:"estimated_pnl" db:"estimated_pnl"`
	Reason         string            `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty" db:"closed_at"`
}

// IsClosed возвращает true если у сделки есть терминальный исход
func (t *PairedTrade) IsClosed() bool {
	return t.Outcome != ""
}

// UnhedgedQuantity - исполненная первичка, не покрытая хеджем
func (t *PairedTrade) UnhedgedQuantity() float64 {
	if t.Primary == nil {
		return 0
	}
	q := t.Primary.FillQuantity - t.HedgedQuantity
	if q < 0 {
		return 0
	}
	return q
}
