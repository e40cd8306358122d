package models

import "time"

// Типы событий журнала
const (
	EventQuoteSnapshot      = "QuoteSnapshot"
	EventDecisionMade       = "DecisionMade"
	EventOrderStateChanged  = "OrderStateChanged"
	EventPairedTradeClosed  = "PairedTradeClosed"
	EventPairStateChanged   = "PairStateChanged"
	EventReconnectAttempt   = "ReconnectAttempt"
	EventDecisioningHalted  = "DecisioningHalted"
	EventDecisioningResumed = "DecisioningResumed"
	EventPositionDrift      = "PositionDrift"
)

// Event - структурированное событие журнала (append-only)
//
// Fields содержит всё необходимое для восстановления логики решения:
// котировки, спреды, пороги, позиции, переходы состояний.
type Event struct {
	ID         int64                  `json:"id" db:"id"`
	Type       string                 `json:"type" db:"type"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Instrument string                 `json:"instrument" db:"instrument"`
	TradeID    string                 `json:"trade_id,omitempty" db:"trade_id"`
	Venue      string                 `json:"venue,omitempty" db:"venue"`
	Fields     map[string]interface{} `json:"fields,omitempty" db:"fields"`
}

// NewEvent создаёт событие с текущим временем
func NewEvent(eventType, instrument string) *Event {
	return &Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		Instrument: instrument,
		Fields:     make(map[string]interface{}),
	}
}

// With добавляет поле и возвращает событие (для цепочек)
func (e *Event) With(key string, value interface{}) *Event {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}
