package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/internal/repository"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// EventPublisher - внешняя шина событий (Redis pub/sub)
type EventPublisher interface {
	Publish(ctx context.Context, ev *models.Event) error
	Close() error
}

// TradeSource - последние сделки в памяти движка
type TradeSource interface {
	Recent(limit int) []*models.PairedTrade
	Find(id string) *models.PairedTrade
}

// JournalConfig - параметры записи журнала
type JournalConfig struct {
	QueueSize     int           // очередь событий и сделок
	BatchSize     int           // максимум событий в одной транзакции
	FlushInterval time.Duration // максимальная задержка записи события
	WriteTimeout  time.Duration // публикация во внешнюю шину
}

// DefaultJournalConfig - значения по умолчанию
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		QueueSize:     4096,
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		WriteTimeout:  2 * time.Second,
	}
}

type journalItem struct {
	event *models.Event
	trade *models.PairedTrade
}

// JournalService - append-only журнал движка
//
// Принимает события и закрытые сделки без блокировки вызывающего,
// пишет их в PostgreSQL пачками и дублирует события в Redis.
// Любой из приёмников может отсутствовать: без БД журнал только
// публикует, без Redis только пишет.
type JournalService struct {
	events    EventRepositoryInterface
	trades    TradeRepositoryInterface
	publisher EventPublisher
	source    TradeSource
	cfg       JournalConfig
	log       *utils.Logger

	queue   chan journalItem
	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewJournalService создает журнал; events и trades могут быть nil
func NewJournalService(events EventRepositoryInterface, trades TradeRepositoryInterface, cfg JournalConfig, logger *utils.Logger) *JournalService {
	def := DefaultJournalConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = utils.L()
	}
	return &JournalService{
		events: events,
		trades: trades,
		cfg:    cfg,
		log:    logger.WithComponent("journal"),
		queue:  make(chan journalItem, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// SetPublisher подключает внешнюю шину событий
func (s *JournalService) SetPublisher(p EventPublisher) {
	s.publisher = p
}

// SetTradeSource подключает сделки в памяти движка для чтения без БД
func (s *JournalService) SetTradeSource(src TradeSource) {
	s.source = src
}

// Start запускает запись журнала; повторный вызов ничего не делает
func (s *JournalService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run()
}

// LogEvent ставит событие в очередь записи
func (s *JournalService) LogEvent(ev *models.Event) {
	s.enqueue(journalItem{event: ev})
}

// RecordTrade ставит закрытую сделку в очередь записи
func (s *JournalService) RecordTrade(trade *models.PairedTrade) {
	s.enqueue(journalItem{trade: trade})
}

func (s *JournalService) enqueue(item journalItem) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- item:
	default:
		bot.RecordBufferOverflow("journal")
		s.log.Warn("journal queue full, item dropped", zap.Bool("trade", item.trade != nil))
	}
}

// Close дожидается записи очереди; ctx ограничивает ожидание
func (s *JournalService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.queue)
	s.mu.Unlock()

	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.publisher != nil {
		return s.publisher.Close()
	}
	return nil
}

func (s *JournalService) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.Event, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeEvents(batch)
		batch = batch[:0]
	}

	for {
		select {
		case item, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			if item.trade != nil {
				// события сделки должны лечь раньше самой сделки
				flush()
				s.writeTrade(item.trade)
				continue
			}
			s.publish(item.event)
			batch = append(batch, item.event)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
			bot.RecordBufferBacklog("journal", cap(s.queue), len(s.queue))
		}
	}
}

// dbRetry - повтор записи при кратковременной недоступности БД
func dbRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, context.Canceled) }
	return cfg
}

func (s *JournalService) writeEvents(batch []*models.Event) {
	if s.events == nil {
		return
	}
	err := retry.Do(context.Background(), func() error {
		return s.events.AppendBatch(batch)
	}, dbRetry())
	if err != nil {
		s.log.Error("failed to write events", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func (s *JournalService) writeTrade(trade *models.PairedTrade) {
	if s.trades == nil {
		return
	}
	err := retry.Do(context.Background(), func() error {
		return s.trades.Save(trade)
	}, dbRetry())
	if err != nil {
		s.log.Error("failed to write trade", utils.TradeID(trade.ID), zap.Error(err))
	}
}

func (s *JournalService) publish(ev *models.Event) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// ============ Чтение ============

// GetTrade возвращает сделку: сначала из памяти движка, затем из БД
func (s *JournalService) GetTrade(id string) (*models.PairedTrade, error) {
	if s.source != nil {
		if t := s.source.Find(id); t != nil {
			return t, nil
		}
	}
	if s.trades == nil {
		return nil, repository.ErrTradeNotFound
	}
	return s.trades.GetByID(id)
}

// GetRecentTrades возвращает последние сделки, опционально по исходу
func (s *JournalService) GetRecentTrades(limit int, outcome string) ([]*models.PairedTrade, error) {
	limit = clampLimit(limit)
	if s.trades != nil {
		if outcome != "" {
			return s.trades.GetByOutcome(outcome, limit)
		}
		return s.trades.GetRecent(limit)
	}
	if s.source == nil {
		return nil, nil
	}
	trades := s.source.Recent(0)
	out := make([]*models.PairedTrade, 0, limit)
	for _, t := range trades {
		if outcome != "" && t.Outcome != outcome {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetTradeEvents возвращает историю сделки
func (s *JournalService) GetTradeEvents(tradeID string) ([]*models.Event, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.GetByTradeID(tradeID)
}

// GetRecentEvents возвращает последние события, опционально по типу
func (s *JournalService) GetRecentEvents(limit int, eventType string) ([]*models.Event, error) {
	if s.events == nil {
		return nil, nil
	}
	limit = clampLimit(limit)
	if eventType != "" {
		return s.events.GetByType(eventType, limit)
	}
	return s.events.GetRecent(limit)
}

// Prune удаляет события старше age
func (s *JournalService) Prune(age time.Duration) (int64, error) {
	if s.events == nil {
		return 0, nil
	}
	return s.events.DeleteOlderThan(age)
}

// RunRetention раз в every удаляет события старше age, до отмены ctx
func (s *JournalService) RunRetention(ctx context.Context, every, age time.Duration) {
	if s.events == nil || every <= 0 || age <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(age)
			if err != nil {
				s.log.Warn("journal retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("journal pruned", zap.Int64("events", n), zap.Duration("older_than", age))
			}
		}
	}
}

// clampLimit - по умолчанию 100, максимум 500
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
