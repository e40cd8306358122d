package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"crossarb/internal/models"
	"crossarb/internal/repository"
	"crossarb/internal/service"
)

// TradeHandler - чтение журнала сделок и событий
//
// Endpoints:
// - GET /api/v1/trades?limit=&outcome= - последние парные сделки
// - GET /api/v1/trades/{id} - сделка с ногами, попытками хеджа и историей событий
// - GET /api/v1/events?limit=&type= - последние события журнала
type TradeHandler struct {
	journal service.JournalServiceInterface
}

// NewTradeHandler создает TradeHandler
func NewTradeHandler(journal service.JournalServiceInterface) *TradeHandler {
	return &TradeHandler{journal: journal}
}

// TradesResponse - список сделок
type TradesResponse struct {
	Trades []*models.PairedTrade `json:"trades"`
	Total  int                   `json:"total"`
}

// TradeDetailResponse - сделка и её события
type TradeDetailResponse struct {
	Trade  *models.PairedTrade `json:"trade"`
	Events []*models.Event     `json:"events"`
}

// EventsResponse - список событий
type EventsResponse struct {
	Events []*models.Event `json:"events"`
	Total  int             `json:"total"`
}

var validOutcomes = map[string]bool{
	models.OutcomeFullyHedged:     true,
	models.OutcomeHedgeFailed:     true,
	models.OutcomeAbortedPreTrade: true,
	models.OutcomeUnwound:         true,
}

// GetTrades возвращает последние сделки
//
// GET /api/v1/trades?outcome=hedge_failed&limit=20
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: неизвестный outcome
// - 500 Internal Server Error
func (h *TradeHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		respondWithError(w, http.StatusInternalServerError, "journal not configured")
		return
	}

	outcome := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("outcome")))
	if outcome != "" && !validOutcomes[outcome] {
		respondWithCode(w, http.StatusBadRequest, "INVALID_OUTCOME",
			"outcome must be fully_hedged, hedge_failed, aborted_pre_trade or unwound")
		return
	}

	trades, err := h.journal.GetRecentTrades(parseLimit(r), outcome)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get trades: "+err.Error())
		return
	}
	if trades == nil {
		trades = []*models.PairedTrade{}
	}

	respondWithJSON(w, http.StatusOK, TradesResponse{Trades: trades, Total: len(trades)})
}

// GetTrade возвращает сделку и её историю
//
// GET /api/v1/trades/{id}
//
// HTTP коды:
// - 200 OK
// - 404 Not Found
// - 500 Internal Server Error
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		respondWithError(w, http.StatusInternalServerError, "journal not configured")
		return
	}

	id := mux.Vars(r)["id"]
	trade, err := h.journal.GetTrade(id)
	if err != nil {
		if errors.Is(err, repository.ErrTradeNotFound) {
			respondWithCode(w, http.StatusNotFound, "TRADE_NOT_FOUND", "trade not found: "+id)
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to get trade: "+err.Error())
		return
	}

	events, err := h.journal.GetTradeEvents(id)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get trade events: "+err.Error())
		return
	}
	if events == nil {
		events = []*models.Event{}
	}

	respondWithJSON(w, http.StatusOK, TradeDetailResponse{Trade: trade, Events: events})
}

// GetEvents возвращает последние события журнала
//
// GET /api/v1/events?type=PositionDrift&limit=50
func (h *TradeHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		respondWithError(w, http.StatusInternalServerError, "journal not configured")
		return
	}

	events, err := h.journal.GetRecentEvents(parseLimit(r), strings.TrimSpace(r.URL.Query().Get("type")))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get events: "+err.Error())
		return
	}
	if events == nil {
		events = []*models.Event{}
	}

	respondWithJSON(w, http.StatusOK, EventsResponse{Events: events, Total: len(events)})
}
