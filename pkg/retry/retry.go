package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config - экспоненциальный backoff с jitter
//
// delay(n) = min(InitialDelay * Multiplier^n, MaxDelay) ± JitterFactor
type Config struct {
	// MaxRetries - максимум попыток, включая первую. 0 = без ограничения
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor - доля случайной вариации задержки (0.0 - 1.0)
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку. nil = IsRetryable
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - REST запросы к площадкам: 100ms, 200ms, 400ms
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// HedgeConfig - повторная отправка хеджа.
// Задержки короткие: открытая нога держит направленный риск.
func HedgeConfig(limit int) Config {
	return Config{
		MaxRetries:   limit,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ReconnectConfig - переподключение WebSocket: 1s, 2s, 4s ... 30s, без ограничения попыток
func ReconnectConfig() Config {
	return Config{
		MaxRetries:   0,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// validate подставляет значения по умолчанию
func (c *Config) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitter() float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Float64()*2 - 1
}

// Delay возвращает задержку перед попыткой attempt (0 - после первой неудачи)
func (c Config) Delay(attempt int) time.Duration {
	c.validate()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * jitter()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do выполняет операцию с повторами.
// Возвращает последнюю ошибку операции; при отмене контекста до первой попытки - ctx.Err().
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - Do для операций с результатом
//
//	order, err := retry.DoWithResult(ctx, func() (*exchange.OrderAck, error) {
//	    return conn.PlaceOrder(ctx, req)
//	}, retry.DefaultConfig())
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.validate()

	var (
		zero    T
		lastErr error
	)

	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.RetryIf(err) {
			return zero, err
		}
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		if err := Sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// Sleep ждёт d или отмены контекста
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================
// Backoff - счётчик задержек для долгоживущих циклов
// ============================================================

// Backoff выдаёт растущие задержки до Reset.
// Используется там, где цикл повторов живёт дольше одного вызова (WebSocket).
type Backoff struct {
	mu      sync.Mutex
	cfg     Config
	attempt int
}

// NewBackoff создаёт счётчик задержек
func NewBackoff(cfg Config) *Backoff {
	cfg.validate()
	return &Backoff{cfg: cfg}
}

// Next возвращает номер попытки (с 1) и задержку перед ней
func (b *Backoff) Next() (int, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.cfg.Delay(b.attempt)
	b.attempt++
	return b.attempt, d
}

// Exhausted - исчерпан ли лимит попыток (никогда при MaxRetries = 0)
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxRetries > 0 && b.attempt >= b.cfg.MaxRetries
}

// Reset сбрасывает счётчик после успешной попытки
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempts - сколько задержек выдано с последнего Reset
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - ошибка, которая сама знает, можно ли её повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable: RetryableError решает сама (таймаут сети внутри неё повторяется),
// голые ошибки контекста не повторяются, остальные повторяются
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// PermanentError - ошибка, которую повторять бессмысленно (отказ площадки, валидация)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
