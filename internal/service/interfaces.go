package service

import (
	"time"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/internal/repository"
)

// TradeRepositoryInterface определяет интерфейс журнала сделок
type TradeRepositoryInterface interface {
	Save(trade *models.PairedTrade) error
	GetByID(id string) (*models.PairedTrade, error)
	GetRecent(limit int) ([]*models.PairedTrade, error)
	GetByOutcome(outcome string, limit int) ([]*models.PairedTrade, error)
	GetOpen() ([]*models.PairedTrade, error)
	CountByOutcome() (map[string]int, error)
}

// EventRepositoryInterface определяет интерфейс журнала событий
type EventRepositoryInterface interface {
	Append(ev *models.Event) error
	AppendBatch(events []*models.Event) error
	GetRecent(limit int) ([]*models.Event, error)
	GetByType(eventType string, limit int) ([]*models.Event, error)
	GetByTradeID(tradeID string) ([]*models.Event, error)
	DeleteOlderThan(age time.Duration) (int64, error)
}

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(notif *models.Notification) error
	GetRecent(limit int) ([]*models.Notification, error)
	GetByTypes(types []string, limit int) ([]*models.Notification, error)
	GetBySeverity(minSeverity string, limit int) ([]*models.Notification, error)
	DeleteAll() error
	Count() (int, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ TradeRepositoryInterface = (*repository.TradeRepository)(nil)
var _ EventRepositoryInterface = (*repository.EventRepository)(nil)
var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// JournalServiceInterface - чтение журнала для API
type JournalServiceInterface interface {
	GetTrade(id string) (*models.PairedTrade, error)
	GetRecentTrades(limit int, outcome string) ([]*models.PairedTrade, error)
	GetTradeEvents(tradeID string) ([]*models.Event, error)
	GetRecentEvents(limit int, eventType string) ([]*models.Event, error)
}

// NotificationServiceInterface определяет интерфейс сервиса уведомлений
type NotificationServiceInterface interface {
	GetNotifications(types []string, limit int) ([]*models.Notification, error)
	ClearNotifications() error
	GetNotificationCount() (int, error)
}

// StatsServiceInterface определяет интерфейс сервиса статистики
type StatsServiceInterface interface {
	GetStats() (*StatsReport, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ JournalServiceInterface = (*JournalService)(nil)
var _ NotificationServiceInterface = (*NotificationService)(nil)
var _ StatsServiceInterface = (*StatsService)(nil)

// Сервисы подключаются к движку напрямую
var _ bot.EventLogger = (*JournalService)(nil)
var _ bot.TradeJournal = (*JournalService)(nil)
var _ bot.Notifier = (*NotificationService)(nil)
