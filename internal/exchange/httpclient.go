// Package exchange предоставляет унифицированный интерфейс для работы с площадками.
package exchange

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

// json - кодек пакета, совместимый с encoding/json
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPClientConfig содержит настройки HTTP клиента площадок
type HTTPClientConfig struct {
	ConnectTimeout      time.Duration // таймаут установки TCP соединения
	ReadTimeout         time.Duration // таймаут ожидания заголовков ответа
	TotalTimeout        time.Duration // общий таймаут запроса
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:      5 * time.Second,
		ReadTimeout:         10 * time.Second,
		TotalTimeout:        15 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// newTransport создаёт transport с пулом соединений
func newTransport(config HTTPClientConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}
}

// RESTClient - HTTP клиент одной площадки
//
// Лимитирует запросы по категориям и переводит транспортные ошибки
// и ответы 5xx/429 в *ConnectivityError. Остальные ответы отдаются
// коннектору для разбора кодов площадки.
type RESTClient struct {
	venue   string
	client  *resty.Client
	limiter *ratelimit.VenueLimiter
	log     *utils.Logger
}

// NewRESTClient создаёт клиент с базовым URL площадки
func NewRESTClient(venue, baseURL string, config HTTPClientConfig, limiter *ratelimit.VenueLimiter, logger *utils.Logger) *RESTClient {
	if logger == nil {
		logger = utils.L()
	}
	client := resty.NewWithClient(&http.Client{Transport: newTransport(config)}).
		SetBaseURL(baseURL).
		SetTimeout(config.TotalTimeout).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		venue:   venue,
		client:  client,
		limiter: limiter,
		log:     logger,
	}
}

// RESTRequest описывает один запрос к площадке
type RESTRequest struct {
	Method   string
	Path     string
	Query    string
	Body     []byte
	Headers  map[string]string
	Category string // ratelimit.CategoryOrder / ratelimit.CategoryQuery
	Op       string // имя операции для ошибок и логов
}

// Do выполняет запрос и возвращает тело ответа
func (c *RESTClient) Do(ctx context.Context, r RESTRequest) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, r.Category); err != nil {
			return nil, &ConnectivityError{Venue: c.venue, Op: r.Op, Err: err}
		}
	}

	req := c.client.R().SetContext(ctx).SetHeaders(r.Headers)
	if r.Query != "" {
		req.SetQueryString(r.Query)
	}
	if r.Body != nil {
		req.SetBody(r.Body)
	}

	start := time.Now()
	resp, err := req.Execute(r.Method, r.Path)
	latency := time.Since(start)
	if err != nil {
		return nil, &ConnectivityError{Venue: c.venue, Op: r.Op, Err: err}
	}

	c.log.Debug("rest request",
		zap.String("op", r.Op),
		zap.Int("status", resp.StatusCode()),
		utils.Latency(float64(latency.Microseconds())/1000),
	)

	status := resp.StatusCode()
	if status >= 500 || status == http.StatusTooManyRequests {
		return nil, &ConnectivityError{
			Venue: c.venue,
			Op:    r.Op,
			Err:   fmt.Errorf("http status %d", status),
		}
	}
	return resp.Body(), nil
}

// Close закрывает idle соединения
func (c *RESTClient) Close() {
	if transport, ok := c.client.GetClient().Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
