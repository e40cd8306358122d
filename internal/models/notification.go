package models

import "time"

// Notification представляет уведомление оператору
type Notification struct {
	ID         int                    `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Type       string                 `json:"type" db:"type"`         // HEDGE_FAILED, DISCONNECT, TRADE, ...
	Severity   string                 `json:"severity" db:"severity"` // info, warn, error, critical
	Instrument string                 `json:"instrument,omitempty" db:"instrument"`
	TradeID    *string                `json:"trade_id,omitempty" db:"trade_id"`
	Message    string                 `json:"message" db:"message"`
	Meta       map[string]interface{} `json:"meta,omitempty" db:"meta"` // дополнительные данные (JSON в БД)
}

// Типы уведомлений
const (
	NotificationTypeStartup       = "STARTUP"        // запуск движка
	NotificationTypeTrade         = "TRADE"          // сделка закрыта
	NotificationTypeHedgeFailed   = "HEDGE_FAILED"   // хедж не исполнен, есть открытая экспозиция
	NotificationTypeDisconnect    = "DISCONNECT"     // площадка недоступна дольше grace периода
	NotificationTypeReconnect     = "RECONNECT"      // площадка восстановлена
	NotificationTypeConnector     = "CONNECTOR"      // ошибка коннектора
	NotificationTypeHalt          = "HALT"           // остановка принятия решений
	NotificationTypeResume        = "RESUME"         // снятие остановки
	NotificationTypePositionDrift = "POSITION_DRIFT" // расхождение с позицией площадки
	NotificationTypeError         = "ERROR"          // прочие ошибки
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// SeverityRank возвращает порядковый вес уровня (для фильтрации по минимуму)
func SeverityRank(severity string) int {
	switch severity {
	case SeverityInfo:
		return 1
	case SeverityWarn:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}
