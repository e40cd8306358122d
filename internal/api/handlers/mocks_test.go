package handlers

import (
	"context"
	"sync"

	"crossarb/internal/bot"
	"crossarb/internal/models"
	"crossarb/internal/repository"
	"crossarb/internal/service"
)

// ============ Mock Engine ============

// MockEngine мок для EngineController
type MockEngine struct {
	mu         sync.Mutex
	status     *models.EngineStatus
	halted     bool
	haltReason string
	released   int
	drifts     []bot.Drift
	reconciles int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{status: &models.EngineStatus{Instrument: "BTC-USD", Running: true}}
}

func (m *MockEngine) Status() *models.EngineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := *m.status
	st.Halted = m.halted
	st.HaltReason = m.haltReason
	return &st
}

func (m *MockEngine) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
	m.haltReason = reason
}

func (m *MockEngine) ClearHalt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = false
	m.haltReason = ""
	return m.released
}

func (m *MockEngine) IsHalted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

func (m *MockEngine) Reconcile(ctx context.Context) []bot.Drift {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles++
	return m.drifts
}

// ============ Mock Journal Service ============

// MockJournalService мок для JournalServiceInterface
type MockJournalService struct {
	trades      map[string]*models.PairedTrade
	order       []string
	events      []*models.Event
	getErr      error
	lastOutcome string
	lastType    string
	lastLimit   int
}

func NewMockJournalService() *MockJournalService {
	return &MockJournalService{trades: make(map[string]*models.PairedTrade)}
}

func (m *MockJournalService) add(t *models.PairedTrade) {
	m.trades[t.ID] = t
	m.order = append(m.order, t.ID)
}

func (m *MockJournalService) GetTrade(id string) (*models.PairedTrade, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if t, ok := m.trades[id]; ok {
		return t, nil
	}
	return nil, repository.ErrTradeNotFound
}

func (m *MockJournalService) GetRecentTrades(limit int, outcome string) ([]*models.PairedTrade, error) {
	m.lastLimit = limit
	m.lastOutcome = outcome
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.PairedTrade
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.trades[m.order[i]]
		if outcome == "" || t.Outcome == outcome {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockJournalService) GetTradeEvents(tradeID string) ([]*models.Event, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.Event
	for _, ev := range m.events {
		if ev.TradeID == tradeID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MockJournalService) GetRecentEvents(limit int, eventType string) ([]*models.Event, error) {
	m.lastLimit = limit
	m.lastType = eventType
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.Event
	for _, ev := range m.events {
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ============ Mock Notification Service ============

// MockNotificationService мок для NotificationServiceInterface
type MockNotificationService struct {
	notifications []*models.Notification
	getErr        error
	clearErr      error
	lastTypes     []string
	lastLimit     int
}

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{}
}

func (m *MockNotificationService) GetNotifications(types []string, limit int) ([]*models.Notification, error) {
	m.lastTypes = types
	m.lastLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.notifications, nil
}

func (m *MockNotificationService) ClearNotifications() error {
	if m.clearErr != nil {
		return m.clearErr
	}
	m.notifications = nil
	return nil
}

func (m *MockNotificationService) GetNotificationCount() (int, error) {
	return len(m.notifications), nil
}

// ============ Mock Stats Service ============

// MockStatsService мок для StatsServiceInterface
type MockStatsService struct {
	report *service.StatsReport
	err    error
}

func (m *MockStatsService) GetStats() (*service.StatsReport, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.report, nil
}
