package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

const (
	notifyQueueSize   = 256
	notifyUrgentSize  = 64
	notifyRecentLimit = 500
	notifySendTimeout = 15 * time.Second

	// CRITICAL ждёт места в срочной очереди не дольше этого
	notifyUrgentWait = 2 * time.Second
)

// NotificationService предоставляет бизнес-логику для управления уведомлениями.
//
// Отвечает за:
// - Приём уведомлений движка (bot.Notifier) без блокировки
// - Запись в журнал notifications
// - Доставку во внешние каналы (Telegram) начиная с заданного уровня важности;
// CRITICAL идёт отдельной очередью и доставляется раньше остальных
// - Получение списка уведомлений с фильтрацией для API
//
// Без БД последние уведомления хранятся в памяти.
type NotificationService struct {
	repo        NotificationRepositoryInterface
	senders     []NotificationSender
	minSeverity string
	log         *utils.Logger

	recentMu sync.RWMutex
	recent   []*models.Notification

	queue   chan *models.Notification
	urgent  chan *models.Notification
	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// NewNotificationService создает новый экземпляр NotificationService.
// repo может быть nil.
func NewNotificationService(repo NotificationRepositoryInterface, logger *utils.Logger) *NotificationService {
	if logger == nil {
		logger = utils.L()
	}
	return &NotificationService{
		repo:        repo,
		minSeverity: models.SeverityWarn,
		log:         logger.WithComponent("notifier"),
		queue:       make(chan *models.Notification, notifyQueueSize),
		urgent:      make(chan *models.Notification, notifyUrgentSize),
		done:        make(chan struct{}),
	}
}

// AddSender подключает канал доставки.
//
//	notifService := service.NewNotificationService(notifRepo, logger)
//	notifService.AddSender(service.NewTelegramSender("", token, chatID))
func (s *NotificationService) AddSender(sender NotificationSender) {
	s.senders = append(s.senders, sender)
}

// SetMinSeverity задаёт минимальный уровень для внешних каналов
func (s *NotificationService) SetMinSeverity(severity string) {
	if models.SeverityRank(severity) > 0 {
		s.minSeverity = severity
	}
}

// Start запускает доставку
func (s *NotificationService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run()
}

// Notify принимает уведомление движка
func (s *NotificationService) Notify(n *models.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	s.logNotification(n)
	s.remember(n)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if n.Severity == models.SeverityCritical {
		s.enqueueUrgent(n)
		return
	}
	select {
	case s.queue <- n:
	default:
		bot.RecordBufferOverflow("notify_delivery")
		s.log.Warn("notification queue full, delivery dropped", zap.String("type", n.Type))
	}
}

// enqueueUrgent ставит CRITICAL в срочную очередь; при заполнении ждёт
// notifyUrgentWait. Вызывается под s.mu.RLock.
func (s *NotificationService) enqueueUrgent(n *models.Notification) {
	select {
	case s.urgent <- n:
		return
	default:
	}

	timer := time.NewTimer(notifyUrgentWait)
	defer timer.Stop()
	select {
	case s.urgent <- n:
	case <-timer.C:
		bot.RecordBufferOverflow("notify_urgent")
		s.log.Error("urgent notification queue full, delivery dropped", zap.String("type", n.Type))
	}
}

// Close дожидается доставки очереди
func (s *NotificationService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.queue)
	close(s.urgent)
	s.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *NotificationService) run() {
	defer close(s.done)
	urgent, queue := s.urgent, s.queue
	for urgent != nil || queue != nil {
		// срочная очередь первой
		select {
		case n, ok := <-urgent:
			if !ok {
				urgent = nil
				continue
			}
			s.deliver(n)
			continue
		default:
		}

		select {
		case n, ok := <-urgent:
			if !ok {
				urgent = nil
				continue
			}
			s.deliver(n)
		case n, ok := <-queue:
			if !ok {
				queue = nil
				continue
			}
			s.deliver(n)
		}
	}
}

func (s *NotificationService) deliver(n *models.Notification) {
	if s.repo != nil {
		if err := s.repo.Create(n); err != nil {
			s.log.Error("failed to store notification", zap.String("type", n.Type), zap.Error(err))
		}
	}

	if models.SeverityRank(n.Severity) < models.SeverityRank(s.minSeverity) {
		return
	}
	for _, sender := range s.senders {
		ctx, cancel := context.WithTimeout(context.Background(), notifySendTimeout)
		err := sender.Send(ctx, n)
		cancel()
		if err != nil {
			s.log.Error("notification delivery failed",
				zap.String("sender", sender.Name()),
				zap.String("type", n.Type),
				zap.Error(err))
		}
	}
}

// logNotification дублирует уведомление в лог с соответствующим уровнем
func (s *NotificationService) logNotification(n *models.Notification) {
	fields := []zap.Field{
		zap.String("type", n.Type),
		zap.String("severity", n.Severity),
		utils.Instrument(n.Instrument),
	}
	if n.TradeID != nil {
		fields = append(fields, utils.TradeID(*n.TradeID))
	}
	switch n.Severity {
	case models.SeverityCritical, models.SeverityError:
		s.log.Error(n.Message, fields...)
	case models.SeverityWarn:
		s.log.Warn(n.Message, fields...)
	default:
		s.log.Info(n.Message, fields...)
	}
}

func (s *NotificationService) remember(n *models.Notification) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	if len(s.recent) == notifyRecentLimit {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:notifyRecentLimit-1]
	}
	s.recent = append(s.recent, n)
}

// GetNotifications возвращает список уведомлений с фильтрацией.
//
// Параметры:
// - types: список типов для фильтрации (например: ["HEDGE_FAILED", "HALT"])
// если пустой - возвращаются все типы
// - limit: максимальное количество записей (по умолчанию 100, максимум 500)
//
// Возвращает уведомления отсортированные по времени (новые сверху).
func (s *NotificationService) GetNotifications(types []string, limit int) ([]*models.Notification, error) {
	limit = clampLimit(limit)

	normalized := make([]string, 0, len(types))
	for _, t := range types {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			normalized = append(normalized, t)
		}
	}

	if s.repo != nil {
		if len(normalized) == 0 {
			return s.repo.GetRecent(limit)
		}
		return s.repo.GetByTypes(normalized, limit)
	}

	allowed := make(map[string]bool, len(normalized))
	for _, t := range normalized {
		allowed[t] = true
	}

	s.recentMu.RLock()
	defer s.recentMu.RUnlock()
	out := make([]*models.Notification, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.recent[i]
		if len(allowed) > 0 && !allowed[n.Type] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// GetNotificationCount возвращает количество уведомлений в журнале
func (s *NotificationService) GetNotificationCount() (int, error) {
	if s.repo != nil {
		return s.repo.Count()
	}
	s.recentMu.RLock()
	defer s.recentMu.RUnlock()
	return len(s.recent), nil
}

// ClearNotifications очищает журнал уведомлений
func (s *NotificationService) ClearNotifications() error {
	s.recentMu.Lock()
	s.recent = nil
	s.recentMu.Unlock()

	if s.repo != nil {
		return s.repo.DeleteAll()
	}
	return nil
}
