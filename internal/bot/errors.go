package bot

import (
	"errors"
	"fmt"
	"time"
)

// Ошибки движка
var (
	ErrPositionLimitExceeded = errors.New("position limit exceeded")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrReservationClosed     = errors.New("reservation already closed")
	ErrTradeInFlight         = errors.New("paired trade already in flight")
	ErrDecisioningHalted     = errors.New("decisioning halted")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrUnknownVenue          = errors.New("unknown venue")
)

// HedgeFailure - хедж не исполнен после всех попыток.
// Unhedged - объём первички, оставшийся без покрытия.
type HedgeFailure struct {
	TradeID  string
	Unhedged float64
	Attempts int
	Err      error
}

func (e *HedgeFailure) Error() string {
	return fmt.Sprintf("trade %s: hedge failed after %d attempts, unhedged %v: %v",
		e.TradeID, e.Attempts, e.Unhedged, e.Err)
}

// Unwrap возвращает последнюю ошибку попытки
func (e *HedgeFailure) Unwrap() error {
	return e.Err
}

// StaleMarketDataError - котировка площадки старше допустимого
type StaleMarketDataError struct {
	Venue string
	Age   time.Duration
	Limit time.Duration
}

func (e *StaleMarketDataError) Error() string {
	if e.Age < 0 {
		return fmt.Sprintf("%s: no quote", e.Venue)
	}
	return fmt.Sprintf("%s: quote age %v exceeds %v", e.Venue, e.Age, e.Limit)
}

// IsStale проверяет, вызвана ли ошибка устаревшими данными
func IsStale(err error) bool {
	var se *StaleMarketDataError
	return errors.As(err, &se)
}
