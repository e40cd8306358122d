package bot

import (
	"sync"
	"time"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// recentTradesLimit - сколько закрытых сделок хранится в памяти для API
const recentTradesLimit = 200

// StatsCollector - статистика движка с момента запуска
type StatsCollector struct {
	mu     sync.RWMutex
	stats  models.Stats
	recent []*models.PairedTrade // кольцо последних сделок, новые в конце
}

// NewStatsCollector создаёт сборщик статистики
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		stats:  models.Stats{StartedAt: time.Now()},
		recent: make([]*models.PairedTrade, 0, recentTradesLimit),
	}
}

// RecordDecision учитывает сформированное решение
func (s *StatsCollector) RecordDecision() {
	s.mu.Lock()
	s.stats.SpreadsDetected++
	s.mu.Unlock()
}

// RecordTrade учитывает закрытую сделку и возвращает накопленный PnL
func (s *StatsCollector) RecordTrade(t *models.PairedTrade) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.stats
	st.TotalTrades++
	if t.Primary != nil && t.Primary.SubmitTime != nil {
		st.SpreadsExecuted++
	}
	switch t.Outcome {
	case models.OutcomeFullyHedged, models.OutcomeUnwound:
		st.SuccessfulTrades++
	case models.OutcomeHedgeFailed:
		st.FailedTrades++
	case models.OutcomeAbortedPreTrade:
		st.AbortedTrades++
	}
	st.EstimatedPnl = utils.Add(st.EstimatedPnl, t.EstimatedPnl)

	// доля успешных среди сделок, дошедших до исполнения
	if executed := st.SuccessfulTrades + st.FailedTrades; executed > 0 {
		st.SuccessRate = float64(st.SuccessfulTrades) / float64(executed) * 100
	}
	if t.ClosedAt != nil && t.Outcome != models.OutcomeAbortedPreTrade {
		closed := *t.ClosedAt
		st.LastTradeAt = &closed
	}

	if len(s.recent) == recentTradesLimit {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:recentTradesLimit-1]
	}
	s.recent = append(s.recent, cloneTrade(t))
	return st.EstimatedPnl
}

// Snapshot возвращает копию статистики
func (s *StatsCollector) Snapshot() models.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	if st.LastTradeAt != nil {
		ts := *st.LastTradeAt
		st.LastTradeAt = &ts
	}
	return st
}

// Recent возвращает до limit последних сделок, новые первыми
func (s *StatsCollector) Recent(limit int) []*models.PairedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]*models.PairedTrade, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneTrade(s.recent[i]))
	}
	return out
}

// Find ищет сделку среди последних по ID
func (s *StatsCollector) Find(id string) *models.PairedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.recent) - 1; i >= 0; i-- {
		if s.recent[i].ID == id {
			return cloneTrade(s.recent[i])
		}
	}
	return nil
}
