package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket для REST запросов к площадке
//
// Токены пополняются со скоростью rate в секунду до ёмкости burst.
// Запрос забирает один токен; при пустом ведре Wait ждёт пополнения.
type RateLimiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter создаёт лимитер с полным ведром
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// refill вызывается под mu
func (rl *RateLimiter) refill(now time.Time) {
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// take пытается забрать токен; иначе возвращает время ожидания
func (rl *RateLimiter) take() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second)), false
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.take()
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.take()
	return ok
}

// Tokens - текущее число токенов
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	return rl.tokens
}

// Категории запросов к площадке
const (
	CategoryOrder = "order" // создание и отмена ордеров
	CategoryQuery = "query" // статусы, позиции, тикеры
)

// VenueLimiter - набор лимитеров площадки по категориям запросов.
// Категория без лимита не ограничивается.
type VenueLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

// NewVenueLimiter создаёт лимитер с заданными скоростями (req/sec) по категориям
func NewVenueLimiter(orderRate, queryRate float64) *VenueLimiter {
	vl := &VenueLimiter{limiters: make(map[string]*RateLimiter)}
	if orderRate > 0 {
		vl.Set(CategoryOrder, orderRate, orderRate*2)
	}
	if queryRate > 0 {
		vl.Set(CategoryQuery, queryRate, queryRate*2)
	}
	return vl
}

// Set задаёт лимит категории
func (vl *VenueLimiter) Set(category string, rate, burst float64) {
	vl.mu.Lock()
	vl.limiters[category] = NewRateLimiter(rate, burst)
	vl.mu.Unlock()
}

// Wait ждёт токен категории
func (vl *VenueLimiter) Wait(ctx context.Context, category string) error {
	vl.mu.RLock()
	l, ok := vl.limiters[category]
	vl.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// Allow забирает токен категории без ожидания
func (vl *VenueLimiter) Allow(category string) bool {
	vl.mu.RLock()
	l, ok := vl.limiters[category]
	vl.mu.RUnlock()
	if !ok {
		return true
	}
	return l.Allow()
}
