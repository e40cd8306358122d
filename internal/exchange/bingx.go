package exchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"crossarb/internal/models"
	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

const (
	bingxBaseURL        = "https://open-api.bingx.com"
	bingxWSURL          = "wss://open-api-swap.bingx.com/swap-market"
	bingxTestnetBaseURL = "https://open-api-vst.bingx.com"
	bingxTestnetWSURL   = "wss://vst-open-api-ws.bingx.com/swap-market"

	// Опрос статуса открытых ордеров вместо user data stream
	bingxPollInterval = 200 * time.Millisecond
)

// Коды BingX
const (
	bingxOrderNotExist = 80018
	bingxRateLimited   = 100410
	bingxServerBusy    = 100500
)

// BingXOptions параметры коннектора BingX
type BingXOptions struct {
	Name         string // имя площадки в журнале; по умолчанию "bingx"
	APIKey       string
	APISecret    string
	BaseURL      string
	WSURL        string
	Testnet      bool
	LotSize      float64
	OrderRate    float64
	QueryRate    float64
	PollInterval time.Duration
	HTTPConfig   HTTPClientConfig
}

// BingX - коннектор бессрочных контрактов BingX
type BingX struct {
	*feed

	apiKey    string
	secretKey string
	lotSize   float64

	rest  *RESTClient
	wsURL string
	ws    *WSConn

	pollInterval time.Duration
	pollOnce     sync.Once
	pollStop     chan struct{}
	pollWG       sync.WaitGroup

	// открытые ордера: id -> состояние последнего опроса
	open   map[string]*bingxOpenOrder
	openMu sync.Mutex

	parsers fastjson.ParserPool
}

type bingxOpenOrder struct {
	symbol string
	filled float64
}

// NewBingX создаёт коннектор BingX
func NewBingX(opts BingXOptions, logger *utils.Logger) *BingX {
	baseURL, wsURL := bingxBaseURL, bingxWSURL
	if opts.Testnet {
		baseURL, wsURL = bingxTestnetBaseURL, bingxTestnetWSURL
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	if opts.WSURL != "" {
		wsURL = opts.WSURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = bingxPollInterval
	}
	if opts.HTTPConfig.TotalTimeout == 0 {
		opts.HTTPConfig = DefaultHTTPClientConfig()
	}

	if opts.Name == "" {
		opts.Name = "bingx"
	}
	f := newFeed(opts.Name, logger)
	limiter := ratelimit.NewVenueLimiter(opts.OrderRate, opts.QueryRate)

	return &BingX{
		feed:         f,
		apiKey:       opts.APIKey,
		secretKey:    opts.APISecret,
		lotSize:      opts.LotSize,
		rest:         NewRESTClient(opts.Name, baseURL, opts.HTTPConfig, limiter, f.log),
		wsURL:        wsURL,
		pollInterval: opts.PollInterval,
		pollStop:     make(chan struct{}),
		open:         make(map[string]*bingxOpenOrder),
	}
}

// toBingXSymbol переводит BTC/USDT в BTC-USDT
func toBingXSymbol(instrument string) string {
	base, quote, ok := utils.SplitInstrument(instrument)
	if !ok {
		return strings.ToUpper(instrument)
	}
	return base + "-" + quote
}

// sign создаёт подпись строки параметров
func (b *BingX) sign(params string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(params))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет подписанный запрос и проверяет code
func (b *BingX) doRequest(ctx context.Context, op, method, endpoint string, params map[string]string, category string) (*fastjson.Value, *fastjson.Parser, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	signed := query.Encode()
	query.Set("signature", b.sign(signed))

	respBody, err := b.rest.Do(ctx, RESTRequest{
		Method:   method,
		Path:     endpoint,
		Query:    query.Encode(),
		Headers:  map[string]string{"X-BX-APIKEY": b.apiKey},
		Category: category,
		Op:       op,
	})
	if err != nil {
		return nil, nil, err
	}

	p := b.parsers.Get()
	v, err := p.ParseBytes(respBody)
	if err != nil {
		b.parsers.Put(p)
		return nil, nil, &ConnectivityError{Venue: b.venue, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	code := v.GetInt("code")
	if code != 0 {
		msg := string(v.GetStringBytes("msg"))
		b.parsers.Put(p)
		if code == bingxRateLimited || code == bingxServerBusy {
			return nil, nil, &ConnectivityError{Venue: b.venue, Op: op, Err: fmt.Errorf("code %d: %s", code, msg)}
		}
		return nil, nil, &RejectedError{Venue: b.venue, Code: strconv.Itoa(code), Reason: msg}
	}
	return v, p, nil
}

// Connect проверяет ключи и подключает поток котировок
func (b *BingX) Connect(ctx context.Context) error {
	if b.isClosed() {
		return ErrNotConnected
	}

	if _, err := b.GetBalance(ctx); err != nil {
		return fmt.Errorf("bingx: verify credentials: %w", err)
	}

	cfg := DefaultWSConfig(b.venue, ChannelPublic, b.wsURL)
	// площадка сама шлёт Ping, ждём Pong
	cfg.PingInterval = 0
	b.ws = NewWSConn(cfg, b.log)
	b.ws.SetOnMessage(b.handleMessage)
	b.ws.SetOnState(b.emitStatus)
	if err := b.ws.Connect(ctx); err != nil {
		return &ConnectivityError{Venue: b.venue, Op: "connect_public", Err: err}
	}

	b.log.Info("connected", zap.String("url", b.wsURL))
	return nil
}

// SubscribeQuotes подписывается на bookTicker инструмента
func (b *BingX) SubscribeQuotes(ctx context.Context, instrument string) (<-chan models.Quote, error) {
	if b.ws == nil {
		return nil, ErrNotConnected
	}
	ch, err := b.addQuoteSub(ctx, instrument)
	if err != nil {
		return nil, err
	}
	sub := map[string]interface{}{
		"id":       uuid.NewString(),
		"reqType":  "sub",
		"dataType": toBingXSymbol(instrument) + "@bookTicker",
	}
	if err := b.ws.Subscribe(sub); err != nil {
		return nil, &ConnectivityError{Venue: b.venue, Op: "subscribe_quotes", Err: err}
	}
	return ch, nil
}

// SubscribeFills запускает опрос открытых ордеров
func (b *BingX) SubscribeFills(ctx context.Context) (<-chan models.FillEvent, error) {
	ch, err := b.addFillSub(ctx)
	if err != nil {
		return nil, err
	}
	b.pollOnce.Do(func() {
		b.pollWG.Add(1)
		go b.pollLoop()
	})
	return ch, nil
}

// decodeBingX распаковывает gzip; несжатые сообщения возвращаются как есть
func decodeBingX(message []byte) ([]byte, error) {
	if len(message) < 2 || message[0] != 0x1f || message[1] != 0x8b {
		return message, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(message))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// handleMessage обрабатывает Ping и bookTicker
func (b *BingX) handleMessage(message []byte) {
	raw, err := decodeBingX(message)
	if err != nil {
		b.log.Debug("gzip decode failed", zap.Error(err))
		return
	}
	if string(raw) == "Ping" {
		if err := b.ws.Send(websocket.TextMessage, []byte("Pong")); err != nil {
			b.log.Warn("pong failed", zap.Error(err))
		}
		return
	}

	p := b.parsers.Get()
	defer b.parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return
	}
	dataType := string(v.GetStringBytes("dataType"))
	if !strings.HasSuffix(dataType, "@bookTicker") {
		return
	}
	data := v.Get("data")
	if data == nil {
		return
	}

	symbol := strings.TrimSuffix(dataType, "@bookTicker")
	instrument := b.instrumentFor(symbol)
	if instrument == "" {
		return
	}

	bid := parseFastFloat(data.Get("b"))
	ask := parseFastFloat(data.Get("a"))
	ts := time.Now()
	if ms := data.GetInt64("T"); ms > 0 {
		ts = utils.FromUnixMillis(ms)
	}

	b.publishQuote(models.Quote{
		Venue:      b.venue,
		Instrument: instrument,
		BestBid:    bid,
		BestAsk:    ask,
		Timestamp:  ts,
		ReceivedAt: time.Now(),
	})
}

// parseFastFloat читает число, переданное строкой или числом
func parseFastFloat(v *fastjson.Value) float64 {
	if v == nil {
		return 0
	}
	switch v.Type() {
	case fastjson.TypeString:
		f, _ := strconv.ParseFloat(string(v.GetStringBytes()), 64)
		return f
	case fastjson.TypeNumber:
		return v.GetFloat64()
	default:
		return 0
	}
}

// fastString читает идентификатор, переданный строкой или числом
func fastString(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	if v.Type() == fastjson.TypeString {
		return string(v.GetStringBytes())
	}
	return v.String()
}

func (b *BingX) instrumentFor(symbol string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.quoteSubs {
		if toBingXSymbol(s.instrument) == symbol {
			return s.instrument
		}
	}
	return ""
}

// PlaceOrder размещает лимитный (GTC или PostOnly) или рыночный ордер
func (b *BingX) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &RejectedError{Venue: b.venue, Code: "invalid_request", Reason: err.Error()}
	}
	symbol := toBingXSymbol(req.Instrument)

	params := map[string]string{
		"symbol":       symbol,
		"side":         strings.ToUpper(req.Side),
		"positionSide": "BOTH",
		"quantity":     utils.FormatQuantity(req.Size, b.lotSize),
	}
	if req.ClientID != "" {
		params["clientOrderID"] = req.ClientID
	}
	if req.IsMarket() {
		params["type"] = "MARKET"
	} else {
		params["type"] = "LIMIT"
		params["price"] = utils.FormatPrice(*req.Price)
		params["timeInForce"] = "GTC"
		if req.PostOnly {
			params["timeInForce"] = "PostOnly"
		}
	}

	v, p, err := b.doRequest(ctx, "place_order", http.MethodPost, "/openApi/swap/v2/trade/order", params, ratelimit.CategoryOrder)
	if err != nil {
		return "", err
	}
	orderID := fastString(v.Get("data", "order", "orderId"))
	b.parsers.Put(p)

	if orderID == "" {
		return "", &RejectedError{Venue: b.venue, Code: "empty_order_id", Reason: "order id missing in response"}
	}

	b.openMu.Lock()
	b.open[orderID] = &bingxOpenOrder{symbol: symbol}
	b.openMu.Unlock()

	b.log.Info("order placed",
		utils.OrderID(orderID), utils.Side(req.Side), utils.Role(req.Role), utils.Size(req.Size))
	return orderID, nil
}

// CancelOrder отменяет ордер. Уже закрытый ордер - (false, nil).
func (b *BingX) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	b.openMu.Lock()
	o, ok := b.open[orderID]
	b.openMu.Unlock()
	if !ok {
		return false, nil
	}

	_, p, err := b.doRequest(ctx, "cancel_order", http.MethodDelete, "/openApi/swap/v2/trade/order", map[string]string{
		"symbol":  o.symbol,
		"orderId": orderID,
	}, ratelimit.CategoryOrder)
	if err != nil {
		var re *RejectedError
		if errors.As(err, &re) && re.Code == strconv.Itoa(bingxOrderNotExist) {
			return false, nil
		}
		return false, err
	}
	b.parsers.Put(p)
	return true, nil
}

// GetPosition возвращает знаковую позицию по инструменту
func (b *BingX) GetPosition(ctx context.Context, instrument string) (float64, error) {
	v, p, err := b.doRequest(ctx, "get_position", http.MethodGet, "/openApi/swap/v2/user/positions", map[string]string{
		"symbol": toBingXSymbol(instrument),
	}, ratelimit.CategoryQuery)
	if err != nil {
		return 0, err
	}
	defer b.parsers.Put(p)

	var net float64
	for _, item := range v.GetArray("data") {
		amt := parseFastFloat(item.Get("positionAmt"))
		switch string(item.GetStringBytes("positionSide")) {
		case "SHORT":
			net -= utils.Abs(amt)
		case "LONG":
			net += utils.Abs(amt)
		default:
			net += amt
		}
	}
	return net, nil
}

// GetBalance возвращает equity фьючерсного аккаунта
func (b *BingX) GetBalance(ctx context.Context) (float64, error) {
	v, p, err := b.doRequest(ctx, "balance", http.MethodGet, "/openApi/swap/v2/user/balance", nil, ratelimit.CategoryQuery)
	if err != nil {
		return 0, err
	}
	defer b.parsers.Put(p)
	return parseFastFloat(v.Get("data", "balance", "equity")), nil
}

// pollLoop опрашивает открытые ордера и публикует изменения объёма
func (b *BingX) pollLoop() {
	defer b.pollWG.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.pollStop:
			return
		case <-ticker.C:
			b.pollOpenOrders()
		}
	}
}

func (b *BingX) pollOpenOrders() {
	b.openMu.Lock()
	ids := make([]string, 0, len(b.open))
	for id := range b.open {
		ids = append(ids, id)
	}
	b.openMu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), b.pollInterval*5)
		ev, err := b.queryOrder(ctx, id)
		cancel()
		if err != nil {
			b.log.Debug("order poll failed", utils.OrderID(id), zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}
		b.publishFill(*ev)
	}
}

// queryOrder возвращает событие, если объём или статус изменились
func (b *BingX) queryOrder(ctx context.Context, orderID string) (*models.FillEvent, error) {
	b.openMu.Lock()
	o, ok := b.open[orderID]
	b.openMu.Unlock()
	if !ok {
		return nil, nil
	}

	v, p, err := b.doRequest(ctx, "query_order", http.MethodGet, "/openApi/swap/v2/trade/order", map[string]string{
		"symbol":  o.symbol,
		"orderId": orderID,
	}, ratelimit.CategoryQuery)
	if err != nil {
		return nil, err
	}
	order := v.Get("data", "order")
	if order == nil {
		b.parsers.Put(p)
		return nil, nil
	}
	filled := parseFastFloat(order.Get("executedQty"))
	avg := parseFastFloat(order.Get("avgPrice"))
	status := string(order.GetStringBytes("status"))
	b.parsers.Put(p)

	terminal, cancelled := bingxTerminal(status)

	b.openMu.Lock()
	defer b.openMu.Unlock()
	if terminal {
		delete(b.open, orderID)
	} else if filled == o.filled {
		return nil, nil
	}
	o.filled = filled

	return &models.FillEvent{
		Venue:          b.venue,
		OrderID:        orderID,
		FilledQuantity: filled,
		AvgPrice:       avg,
		Terminal:       terminal,
		Cancelled:      cancelled,
		Timestamp:      time.Now(),
	}, nil
}

// bingxTerminal классифицирует статус ордера
func bingxTerminal(status string) (terminal, cancelled bool) {
	switch status {
	case "FILLED":
		return true, false
	case "CANCELED", "CANCELLED", "EXPIRED", "REJECTED":
		return true, true
	default:
		return false, false
	}
}

// Connected - живо ли соединение котировок
func (b *BingX) Connected() bool {
	return b.ws != nil && b.ws.IsConnected()
}

// Close останавливает опрос и закрывает соединение
func (b *BingX) Close() error {
	select {
	case <-b.pollStop:
	default:
		close(b.pollStop)
	}
	b.pollWG.Wait()

	var err error
	if b.ws != nil {
		err = b.ws.Close()
	}
	b.feed.close()
	b.rest.Close()
	return err
}
