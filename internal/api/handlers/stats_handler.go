package handlers

import (
	"net/http"

	"crossarb/internal/service"
)

// StatsHandler обрабатывает HTTP запросы статистики.
//
// Endpoints:
// - GET /api/v1/stats - статистика сессии и исходы сделок журнала
type StatsHandler struct {
	statsService service.StatsServiceInterface
}

// NewStatsHandler создает новый StatsHandler с внедрением зависимостей.
func NewStatsHandler(statsService service.StatsServiceInterface) *StatsHandler {
	return &StatsHandler{
		statsService: statsService,
	}
}

// GetStats возвращает статистику.
//
// GET /api/v1/stats
//
// Response 200 OK:
//
//	{
//	  "session": {
//	    "total_trades": 12,
//	    "successful_trades": 11,
//	    "failed_trades": 1,
//	    "aborted_trades": 0,
//	    "spreads_detected": 40,
//	    "spreads_executed": 12,
//	    "estimated_pnl": 3.75,
//	    "success_rate": 91.6,
//	    "started_at": "2025-11-30T14:00:00Z"
//	  },
//	  "outcomes": {"fully_hedged": 310, "hedge_failed": 4, "unwound": 2},
//	  "journal_trades": 316
//	}
//
// При недоступной БД приходит "degraded": true и только session.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.statsService == nil {
		respondWithError(w, http.StatusInternalServerError, "stats service not configured")
		return
	}

	report, err := h.statsService.GetStats()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get stats: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, report)
}
