package models

import "time"

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Роли ноги
const (
	RoleMaker = "maker" // лимитный ордер, стоит в стакане
	RoleTaker = "taker" // рыночный ордер, исполняется сразу
)

// Состояния ноги (ArbitrageOrder)
const (
	LegCreated         = "created"
	LegSubmitted       = "submitted"
	LegPartiallyFilled = "partially_filled"
	LegFilled          = "filled"
	LegCancelled       = "cancelled"
	LegRejected        = "rejected"
)

// ArbitrageOrder - одна нога парной сделки
//
// Создаётся координатором в момент решения, архивируется в журнал
// при достижении терминального состояния.
type ArbitrageOrder struct {
	ID            string     `json:"id" db:"id"`
	TradeID       string     `json:"trade_id" db:"trade_id"`
	Venue         string     `json:"venue" db:"venue"`
	VenueOrderID  string     `json:"venue_order_id,omitempty" db:"venue_order_id"`
	Instrument    string     `json:"instrument" db:"instrument"`
	Side          string     `json:"side" db:"side"`  // buy, sell
	Role          string     `json:"role" db:"role"`  // maker, taker
	Size          float64    `json:"size" db:"size"`
	Price         *float64   `json:"price,omitempty" db:"price"` // nil для рыночного
	State         string     `json:"state" db:"state"`
	FillQuantity  float64    `json:"fill_quantity" db:"fill_quantity"`
	AvgPrice      float64    `json:"avg_price" db:"avg_price"`
	Attempt       int        `json:"attempt" db:"attempt"` // 0 для первичной попытки
	ReservationID string     `json:"reservation_id,omitempty" db:"reservation_id"`
	Error         string     `json:"error,omitempty" db:"error_message"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	SubmitTime    *time.Time `json:"submit_time,omitempty" db:"submit_time"`
	ClosedAt      *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// SignedFill возвращает исполненный объём со знаком стороны
func (o *ArbitrageOrder) SignedFill() float64 {
	return SignedQuantity(o.Side, o.FillQuantity)
}

// Remaining возвращает неисполненный остаток
func (o *ArbitrageOrder) Remaining() float64 {
	r := o.Size - o.FillQuantity
	if r < 0 {
		return 0
	}
	return r
}

// SignedQuantity переводит объём в знаковое представление позиции
func SignedQuantity(side string, qty float64) float64 {
	if side == SideSell {
		return -qty
	}
	return qty
}

// OppositeSide возвращает противоположную сторону
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// FillEvent - событие исполнения, поступающее от площадки
//
// FilledQuantity кумулятивный: каждое событие несёт общий исполненный объём
// ордера на текущий момент. Terminal = ордер больше не изменится.
type FillEvent struct {
	Venue          string    `json:"venue"`
	OrderID        string    `json:"order_id"`
	FilledQuantity float64   `json:"filled_quantity"`
	AvgPrice       float64   `json:"avg_price"`
	Terminal       bool      `json:"terminal"`
	Cancelled      bool      `json:"cancelled,omitempty"` // терминал вызван отменой/отказом
	Timestamp      time.Time `json:"timestamp"`
}
