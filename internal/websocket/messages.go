package websocket

import (
	"time"

	"crossarb/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeStatus - состояние движка: котировки, спреды, позиции, сделка в полёте.
	// Отправляется раз в секунду
	MessageTypeStatus MessageType = "status"

	// MessageTypeTrade - закрытая парная сделка
	MessageTypeTrade MessageType = "trade"

	// MessageTypeNotification - новое уведомление оператору
	MessageTypeNotification MessageType = "notification"

	// MessageTypeStats - статистика сессии, после каждой сделки
	MessageTypeStats MessageType = "stats"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusMessage - сообщение с состоянием движка
type StatusMessage struct {
	BaseMessage
	Data *models.EngineStatus `json:"data"`
}

// TradeMessage - сообщение о закрытой сделке
//
// Ноги и попытки хеджа не передаются: полная история доступна
// через GET /api/v1/trades/{id}
type TradeMessage struct {
	BaseMessage
	Data *TradeData `json:"data"`
}

// TradeData - сводка закрытой сделки
type TradeData struct {
	ID             string    `json:"id"`
	Instrument     string    `json:"instrument"`
	Direction      string    `json:"direction"`
	Outcome        string    `json:"outcome"`
	DecisionSpread float64   `json:"decision_spread"`
	PrimaryVenue   string    `json:"primary_venue,omitempty"`
	PrimaryFilled  float64   `json:"primary_filled"`
	HedgedQuantity float64   `json:"hedged_quantity"`
	Unhedged       float64   `json:"unhedged"`
	HedgeAttempts  int       `json:"hedge_attempts"`
	EstimatedPnl   float64   `json:"estimated_pnl"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные уведомления
type NotificationData struct {
	// ID уведомления в БД (0 пока не записано)
	ID int `json:"id"`

	// Тип уведомления (HEDGE_FAILED, DISCONNECT, HALT, POSITION_DRIFT, ...)
	Type string `json:"type"`

	// Уровень важности (info, warn, error, critical)
	Severity string `json:"severity"`

	Instrument string  `json:"instrument,omitempty"`
	TradeID    *string `json:"trade_id,omitempty"`

	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// StatsMessage - сообщение со статистикой сессии
type StatsMessage struct {
	BaseMessage
	Data *models.Stats `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now()}
}

// NewStatusMessage создает сообщение состояния
func NewStatusMessage(status *models.EngineStatus) *StatusMessage {
	return &StatusMessage{BaseMessage: newBase(MessageTypeStatus), Data: status}
}

// NewTradeMessage создает сводку закрытой сделки
func NewTradeMessage(trade *models.PairedTrade) *TradeMessage {
	data := &TradeData{
		ID:             trade.ID,
		Instrument:     trade.Instrument,
		Direction:      trade.Direction,
		Outcome:        trade.Outcome,
		DecisionSpread: trade.DecisionSpread,
		HedgedQuantity: trade.HedgedQuantity,
		Unhedged:       trade.UnhedgedQuantity(),
		HedgeAttempts:  len(trade.HedgeAttempts),
		EstimatedPnl:   trade.EstimatedPnl,
		Reason:         trade.Reason,
		CreatedAt:      trade.CreatedAt,
	}
	if trade.Primary != nil {
		data.PrimaryVenue = trade.Primary.Venue
		data.PrimaryFilled = trade.Primary.FillQuantity
	}

	return &TradeMessage{BaseMessage: newBase(MessageTypeTrade), Data: data}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(notif *models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: newBase(MessageTypeNotification),
		Data: &NotificationData{
			ID:         notif.ID,
			Type:       notif.Type,
			Severity:   notif.Severity,
			Instrument: notif.Instrument,
			TradeID:    notif.TradeID,
			Message:    notif.Message,
			Meta:       notif.Meta,
			Timestamp:  notif.Timestamp,
		},
	}
}

// NewStatsMessage создает сообщение статистики
func NewStatsMessage(stats *models.Stats) *StatsMessage {
	return &StatsMessage{BaseMessage: newBase(MessageTypeStats), Data: stats}
}
