package service

import (
	"context"
	"sync"
	"time"

	"crossarb/internal/models"
	"crossarb/internal/repository"
)

// ============ Mock TradeRepository ============

type MockTradeRepository struct {
	mu        sync.Mutex
	trades    map[string]*models.PairedTrade
	order     []string
	saveErr   error
	saveFails int // сколько первых вызовов Save вернут saveErr
	saveCalls int
	getErr    error
	counts    map[string]int
	countErr  error
}

func NewMockTradeRepository() *MockTradeRepository {
	return &MockTradeRepository{trades: make(map[string]*models.PairedTrade)}
}

func (m *MockTradeRepository) Save(trade *models.PairedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil && (m.saveFails == 0 || m.saveCalls <= m.saveFails) {
		return m.saveErr
	}
	if _, exists := m.trades[trade.ID]; !exists {
		m.order = append(m.order, trade.ID)
	}
	m.trades[trade.ID] = trade
	return nil
}

func (m *MockTradeRepository) GetByID(id string) (*models.PairedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if t, ok := m.trades[id]; ok {
		return t, nil
	}
	return nil, repository.ErrTradeNotFound
}

func (m *MockTradeRepository) GetRecent(limit int) ([]*models.PairedTrade, error) {
	return m.filter("", limit)
}

func (m *MockTradeRepository) GetByOutcome(outcome string, limit int) ([]*models.PairedTrade, error) {
	return m.filter(outcome, limit)
}

func (m *MockTradeRepository) GetOpen() ([]*models.PairedTrade, error) {
	return m.filter("", 0)
}

func (m *MockTradeRepository) filter(outcome string, limit int) ([]*models.PairedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.PairedTrade
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.trades[m.order[i]]
		if outcome != "" && t.Outcome != outcome {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockTradeRepository) CountByOutcome() (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return nil, m.countErr
	}
	return m.counts, nil
}

func (m *MockTradeRepository) saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

// ============ Mock EventRepository ============

type MockEventRepository struct {
	mu       sync.Mutex
	events   []*models.Event
	batches  int
	batchErr error
	getErr   error
}

func NewMockEventRepository() *MockEventRepository {
	return &MockEventRepository{}
}

func (m *MockEventRepository) Append(ev *models.Event) error {
	return m.AppendBatch([]*models.Event{ev})
}

func (m *MockEventRepository) AppendBatch(events []*models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.batchErr != nil {
		return m.batchErr
	}
	for _, ev := range events {
		ev.ID = int64(len(m.events) + 1)
		m.events = append(m.events, ev)
	}
	return nil
}

func (m *MockEventRepository) GetRecent(limit int) ([]*models.Event, error) {
	return m.filter(func(*models.Event) bool { return true }, limit)
}

func (m *MockEventRepository) GetByType(eventType string, limit int) ([]*models.Event, error) {
	return m.filter(func(ev *models.Event) bool { return ev.Type == eventType }, limit)
}

func (m *MockEventRepository) GetByTradeID(tradeID string) ([]*models.Event, error) {
	return m.filter(func(ev *models.Event) bool { return ev.TradeID == tradeID }, 0)
}

func (m *MockEventRepository) DeleteOlderThan(age time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var deleted int64
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return deleted, nil
}

func (m *MockEventRepository) filter(match func(*models.Event) bool, limit int) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.Event
	for _, ev := range m.events {
		if match(ev) {
			out = append(out, ev)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockEventRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	mu            sync.Mutex
	notifications []*models.Notification
	createErr     error
	lastTypes     []string
	nextID        int
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{nextID: 1}
}

func (m *MockNotificationRepository) Create(n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	n.ID = m.nextID
	m.nextID++
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MockNotificationRepository) GetRecent(limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.notifications[i])
	}
	return out, nil
}

func (m *MockNotificationRepository) GetByTypes(types []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	m.lastTypes = types
	m.mu.Unlock()
	return m.GetRecent(limit)
}

func (m *MockNotificationRepository) GetBySeverity(minSeverity string, limit int) ([]*models.Notification, error) {
	return m.GetRecent(limit)
}

func (m *MockNotificationRepository) DeleteAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = nil
	return nil
}

func (m *MockNotificationRepository) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications), nil
}

func (m *MockNotificationRepository) stored() int {
	n, _ := m.Count()
	return n
}

// ============ Mock senders ============

type MockSender struct {
	mu      sync.Mutex
	sent    []*models.Notification
	sendErr error
}

func (m *MockSender) Send(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *MockSender) Name() string { return "mock" }

func (m *MockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type MockPublisher struct {
	mu        sync.Mutex
	published []*models.Event
	err       error
	closed    bool
}

func (m *MockPublisher) Publish(ctx context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, ev)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ============ Mock engine sources ============

type MockTradeSource struct {
	trades []*models.PairedTrade // новые первыми
}

func (m *MockTradeSource) Recent(limit int) []*models.PairedTrade {
	if limit <= 0 || limit > len(m.trades) {
		return m.trades
	}
	return m.trades[:limit]
}

func (m *MockTradeSource) Find(id string) *models.PairedTrade {
	for _, t := range m.trades {
		if t.ID == id {
			return t
		}
	}
	return nil
}

type MockSessionStats struct {
	stats models.Stats
}

func (m *MockSessionStats) Snapshot() models.Stats { return m.stats }
