package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"crossarb/internal/bot"
	"crossarb/internal/models"
)

// EngineController - управление движком из API
type EngineController interface {
	Status() *models.EngineStatus
	Halt(reason string)
	ClearHalt() int
	IsHalted() (bool, string)
	Reconcile(ctx context.Context) []bot.Drift
}

var _ EngineController = (*bot.Engine)(nil)

const (
	maxReasonLength   = 256
	reconcileDeadline = 10 * time.Second
)

// EngineHandler - состояние и операторские команды движка
//
// Endpoints:
// - GET /api/v1/status - котировки, спреды, позиции, сделка в полёте
// - POST /api/v1/halt - остановка принятия решений (требует токен)
// - POST /api/v1/clear-halt - снятие остановки, освобождение резервов hedge_failed (требует токен)
// - POST /api/v1/reconcile - сверка позиций с площадками (требует токен)
type EngineHandler struct {
	engine EngineController
}

// NewEngineHandler создает EngineHandler
func NewEngineHandler(engine EngineController) *EngineHandler {
	return &EngineHandler{engine: engine}
}

// HaltRequest - тело POST /halt
type HaltRequest struct {
	Reason string `json:"reason"`
}

// ClearHaltResponse - результат снятия остановки
type ClearHaltResponse struct {
	Released int    `json:"released_reservations"`
	Message  string `json:"message"`
}

// ReconcileResponse - результат сверки
type ReconcileResponse struct {
	Drifts []bot.Drift `json:"drifts"`
}

// GetStatus возвращает состояние движка
//
// GET /api/v1/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondWithError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	respondWithJSON(w, http.StatusOK, h.engine.Status())
}

// Halt останавливает принятие решений
//
// POST /api/v1/halt
//
// Request body (необязательно): {"reason": "manual maintenance"}
//
// Сделка в полёте доводится до терминального исхода.
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: невалидный JSON или слишком длинная причина
// - 409 Conflict: движок уже остановлен
func (h *EngineHandler) Halt(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondWithError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}

	var req HaltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if len(req.Reason) > maxReasonLength {
		respondWithError(w, http.StatusBadRequest, "reason is too long")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	if halted, reason := h.engine.IsHalted(); halted {
		respondWithJSON(w, http.StatusConflict, ErrorResponse{
			Error:   bot.ErrDecisioningHalted.Error(),
			Code:    "ALREADY_HALTED",
			Details: reason,
		})
		return
	}

	h.engine.Halt(req.Reason)
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "decisioning halted", Data: req})
}

// ClearHalt снимает остановку
//
// POST /api/v1/clear-halt
//
// Освобождает остатки резервов сделок hedge_failed: оператор подтверждает,
// что открытая экспозиция учтена вне движка.
func (h *EngineHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondWithError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}

	released := h.engine.ClearHalt()
	respondWithJSON(w, http.StatusOK, ClearHaltResponse{
		Released: released,
		Message:  "decisioning resumed",
	})
}

// Reconcile сверяет позиции трекера с позициями площадок
//
// POST /api/v1/reconcile
//
// HTTP коды:
// - 200 OK: список расхождений (пустой = позиции совпадают)
// - 409 Conflict: сделка в полёте, позиции меняются
func (h *EngineHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		respondWithError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}

	if status := h.engine.Status(); status != nil && status.InFlight != nil {
		respondWithCode(w, http.StatusConflict, "TRADE_IN_FLIGHT", bot.ErrTradeInFlight.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reconcileDeadline)
	defer cancel()

	drifts := h.engine.Reconcile(ctx)
	if drifts == nil {
		drifts = []bot.Drift{}
	}
	respondWithJSON(w, http.StatusOK, ReconcileResponse{Drifts: drifts})
}
