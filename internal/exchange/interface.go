package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crossarb/internal/models"
)

// Connector - единый интерфейс площадки для движка
//
// Коннектор ничего не решает: он переводит котировки и исполнения площадки
// в models.Quote / models.FillEvent и исполняет команды на ордера.
// Все блокирующие операции принимают context.
type Connector interface {
	// Name возвращает имя площадки (bybit, bingx, paper)
	Name() string

	// Connect проверяет доступ к API и поднимает WebSocket соединения
	Connect(ctx context.Context) error

	// SubscribeQuotes возвращает канал лучших bid/ask инструмента.
	// Канал закрывается по отмене ctx или Close.
	SubscribeQuotes(ctx context.Context, instrument string) (<-chan models.Quote, error)

	// SubscribeFills возвращает канал исполнений ордеров этого аккаунта.
	// FilledQuantity в событии - накопленный объём, не приращение.
	SubscribeFills(ctx context.Context) (<-chan models.FillEvent, error)

	// PlaceOrder размещает ордер; Price == nil означает рыночный.
	// Ошибки: *ConnectivityError (можно повторить), *RejectedError (нельзя).
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder отменяет ордер. false без ошибки - ордер уже закрыт.
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// GetPosition возвращает знаковую позицию площадки (только для сверки)
	GetPosition(ctx context.Context, instrument string) (float64, error)

	// GetBalance возвращает капитал счёта в валюте котировки
	GetBalance(ctx context.Context) (float64, error)

	// Connected - есть ли сейчас рабочее соединение с котировками
	Connected() bool

	// Status - события подключения и переподключения
	Status() <-chan ConnectionEvent

	// Close закрывает соединения и каналы
	Close() error
}

// OrderRequest - команда на размещение ордера
type OrderRequest struct {
	Instrument string   // канонический BASE/QUOTE
	Side       string   // models.SideBuy / models.SideSell
	Size       float64  // объём в базовой валюте
	Price      *float64 // nil = рыночный
	Role       string   // models.RoleMaker / models.RoleTaker
	ClientID   string   // идентификатор ноги для идемпотентности
	PostOnly   bool     // лимитный ордер отклоняется, если исполнился бы сразу
}

// IsMarket - рыночный ли ордер
func (r OrderRequest) IsMarket() bool {
	return r.Price == nil
}

// Validate проверяет команду до отправки на площадку
func (r OrderRequest) Validate() error {
	if r.Side != models.SideBuy && r.Side != models.SideSell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Size <= 0 {
		return fmt.Errorf("invalid size %v", r.Size)
	}
	if r.Price != nil && *r.Price <= 0 {
		return fmt.Errorf("invalid price %v", *r.Price)
	}
	return nil
}

// Каналы WebSocket
const (
	ChannelPublic  = "public"
	ChannelPrivate = "private"
)

// ConnectionEvent - смена состояния соединения площадки
type ConnectionEvent struct {
	Venue     string
	Channel   string // public / private
	Connected bool
	Attempt   int           // номер попытки переподключения (0 - первичное подключение)
	Delay     time.Duration // задержка перед попыткой
	Err       error
	Timestamp time.Time
}

// ConnectivityError - площадка недоступна (сеть, таймаут, 5xx).
// Операцию можно повторить.
type ConnectivityError struct {
	Venue string
	Op    string
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Op, e.Err)
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// Retryable - сетевые ошибки повторяются
func (e *ConnectivityError) Retryable() bool {
	return true
}

// RejectedError - площадка отклонила команду (баланс, параметры, лимиты)
type RejectedError struct {
	Venue  string
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected (%s): %s", e.Venue, e.Code, e.Reason)
}

// Retryable - повтор той же команды даст тот же отказ
func (e *RejectedError) Retryable() bool {
	return false
}

// ErrNotConnected - коннектор не подключён или уже закрыт
var ErrNotConnected = errors.New("connector not connected")

// IsConnectivity проверяет, является ли ошибка сетевой
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsRejected проверяет, отклонена ли команда площадкой
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// statusSink - неблокирующая отправка событий подключения
type statusSink chan ConnectionEvent

func newStatusSink() statusSink {
	return make(statusSink, 64)
}

// emit отбрасывает событие, если читатель не успевает
func (s statusSink) emit(ev ConnectionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s <- ev:
	default:
	}
}
