package service

import (
	"go.uber.org/zap"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// SessionStats - статистика движка с момента запуска
type SessionStats interface {
	Snapshot() models.Stats
}

// StatsReport - ответ API статистики
type StatsReport struct {
	Session  models.Stats   `json:"session"`
	Outcomes map[string]int `json:"outcomes,omitempty"`  // исходы всех сделок журнала
	Journal  int            `json:"journal_trades"`      // сделок в журнале
	Degraded bool           `json:"degraded,omitempty"`  // журнал недоступен, только сессия
}

// StatsService предоставляет бизнес-логику для работы со статистикой.
//
// Функции:
// - GetStats: статистика текущей сессии и исходы сделок из журнала
//
// Сессия берётся из памяти движка, исторические исходы из paired_trades.
type StatsService struct {
	session SessionStats
	trades  TradeRepositoryInterface
	log     *utils.Logger
}

// NewStatsService создает новый экземпляр StatsService; trades может быть nil
func NewStatsService(session SessionStats, trades TradeRepositoryInterface, logger *utils.Logger) *StatsService {
	if logger == nil {
		logger = utils.L()
	}
	return &StatsService{
		session: session,
		trades:  trades,
		log:     logger.WithComponent("stats"),
	}
}

// GetStats возвращает статистику.
//
// Ошибка журнала не ломает ответ: сессия доступна всегда.
func (s *StatsService) GetStats() (*StatsReport, error) {
	report := &StatsReport{}
	if s.session != nil {
		report.Session = s.session.Snapshot()
	}
	if s.trades == nil {
		return report, nil
	}

	counts, err := s.trades.CountByOutcome()
	if err != nil {
		s.log.Warn("failed to load outcome counts", zap.Error(err))
		report.Degraded = true
		return report, nil
	}
	report.Outcomes = make(map[string]int, len(counts))
	for outcome, n := range counts {
		if outcome == "" {
			// сделка не закрыта: процесс остановился в середине
			outcome = "open"
		}
		report.Outcomes[outcome] += n
		report.Journal += n
	}
	return report, nil
}
