package service

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"crossarb/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisPublisher публикует события журнала в канал Redis pub/sub
//
// Сообщение - JSON события; подписчики (дашборды, внешние риск-системы)
// получают тот же поток, что пишется в БД.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// RedisConfig - параметры подключения к Redis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewRedisPublisher подключается к Redis и проверяет соединение
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 2,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "crossarb:events"
	}
	return &RedisPublisher{rdb: rdb, channel: channel}, nil
}

// Publish отправляет событие в канал
func (p *RedisPublisher) Publish(ctx context.Context, ev *models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Channel возвращает имя канала
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Close закрывает соединение
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
