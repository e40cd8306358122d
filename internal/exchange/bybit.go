package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"crossarb/internal/models"
	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

const (
	bybitBaseURL        = "https://api.bybit.com"
	bybitWSPublic       = "wss://stream.bybit.com/v5/public/linear"
	bybitWSPrivate      = "wss://stream.bybit.com/v5/private"
	bybitTestnetBaseURL = "https://api-testnet.bybit.com"
	bybitTestnetPublic  = "wss://stream-testnet.bybit.com/v5/public/linear"
	bybitTestnetPrivate = "wss://stream-testnet.bybit.com/v5/private"
	bybitRecvWindow     = "5000"
	bybitCategory       = "linear"
	bybitSettleCoin     = "USDT"
)

// Коды Bybit, означающие перегрузку площадки, а не отказ по существу
var bybitTransientCodes = map[int]bool{
	10000: true, // server timeout
	10006: true, // too many visits
	10016: true, // service error
}

// Код отмены уже закрытого ордера
const bybitOrderNotExists = 110001

// BybitOptions параметры коннектора Bybit
type BybitOptions struct {
	Name       string // имя площадки в журнале; по умолчанию "bybit"
	APIKey     string
	APISecret  string
	BaseURL    string
	PublicWS   string
	PrivateWS  string
	Testnet    bool
	LotSize    float64
	OrderRate  float64
	QueryRate  float64
	HTTPConfig HTTPClientConfig
}

// Bybit - коннектор линейных контрактов Bybit v5
type Bybit struct {
	*feed

	apiKey    string
	secretKey string
	lotSize   float64

	rest       *RESTClient
	publicURL  string
	privateURL string

	wsPublic  *WSConn
	wsPrivate *WSConn

	// последние bid/ask по символу: тикеры приходят дельтами
	books   map[string]*bybitBook
	booksMu sync.Mutex

	// символ ордера нужен для отмены
	orderSymbols map[string]string
	ordersMu     sync.Mutex

	parsers fastjson.ParserPool
}

type bybitBook struct {
	bid, ask float64
}

// NewBybit создаёт коннектор Bybit
func NewBybit(opts BybitOptions, logger *utils.Logger) *Bybit {
	baseURL, publicURL, privateURL := bybitBaseURL, bybitWSPublic, bybitWSPrivate
	if opts.Testnet {
		baseURL, publicURL, privateURL = bybitTestnetBaseURL, bybitTestnetPublic, bybitTestnetPrivate
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	if opts.PublicWS != "" {
		publicURL = opts.PublicWS
	}
	if opts.PrivateWS != "" {
		privateURL = opts.PrivateWS
	}
	if opts.HTTPConfig.TotalTimeout == 0 {
		opts.HTTPConfig = DefaultHTTPClientConfig()
	}

	if opts.Name == "" {
		opts.Name = "bybit"
	}
	f := newFeed(opts.Name, logger)
	limiter := ratelimit.NewVenueLimiter(opts.OrderRate, opts.QueryRate)

	return &Bybit{
		feed:         f,
		apiKey:       opts.APIKey,
		secretKey:    opts.APISecret,
		lotSize:      opts.LotSize,
		rest:         NewRESTClient(opts.Name, baseURL, opts.HTTPConfig, limiter, f.log),
		publicURL:    publicURL,
		privateURL:   privateURL,
		books:        make(map[string]*bybitBook),
		orderSymbols: make(map[string]string),
	}
}

// toBybitSymbol переводит BTC/USDT в BTCUSDT
func toBybitSymbol(instrument string) string {
	base, quote, ok := utils.SplitInstrument(instrument)
	if !ok {
		return strings.ToUpper(instrument)
	}
	return base + quote
}

// sign создаёт подпись запроса Bybit v5
func (b *Bybit) sign(timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(timestamp + b.apiKey + bybitRecvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет подписанный запрос и проверяет retCode
func (b *Bybit) doRequest(ctx context.Context, op, method, endpoint string, params map[string]string, category string) (*fastjson.Value, *fastjson.Parser, error) {
	var (
		query   string
		body    []byte
		payload string
	)
	if method == http.MethodGet {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		query = values.Encode()
		payload = query
	} else {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, nil, err
		}
		body = raw
		payload = string(raw)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	respBody, err := b.rest.Do(ctx, RESTRequest{
		Method: method,
		Path:   endpoint,
		Query:  query,
		Body:   body,
		Headers: map[string]string{
			"X-BAPI-API-KEY":     b.apiKey,
			"X-BAPI-SIGN":        b.sign(timestamp, payload),
			"X-BAPI-TIMESTAMP":   timestamp,
			"X-BAPI-RECV-WINDOW": bybitRecvWindow,
		},
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

	code := v.GetInt("retCode")
	if code != 0 {
		msg := string(v.GetStringBytes("retMsg"))
		b.parsers.Put(p)
		if bybitTransientCodes[code] {
			return nil, nil, &ConnectivityError{Venue: b.venue, Op: op, Err: fmt.Errorf("retCode %d: %s", code, msg)}
		}
		return nil, nil, &RejectedError{Venue: b.venue, Code: strconv.Itoa(code), Reason: msg}
	}
	return v, p, nil
}

// Connect проверяет ключи и поднимает публичное и приватное соединения
func (b *Bybit) Connect(ctx context.Context) error {
	if b.isClosed() {
		return ErrNotConnected
	}

	if _, err := b.GetBalance(ctx); err != nil {
		return fmt.Errorf("bybit: verify credentials: %w", err)
	}

	pubCfg := DefaultWSConfig(b.venue, ChannelPublic, b.publicURL)
	pubCfg.Ping = bybitPing
	b.wsPublic = NewWSConn(pubCfg, b.log)
	b.wsPublic.SetOnMessage(b.handlePublicMessage)
	b.wsPublic.SetOnState(b.emitStatus)
	if err := b.wsPublic.Connect(ctx); err != nil {
		return &ConnectivityError{Venue: b.venue, Op: "connect_public", Err: err}
	}

	privCfg := DefaultWSConfig(b.venue, ChannelPrivate, b.privateURL)
	privCfg.Ping = bybitPing
	b.wsPrivate = NewWSConn(privCfg, b.log)
	b.wsPrivate.SetAuthFunc(b.authenticateWebSocket)
	b.wsPrivate.SetOnMessage(b.handlePrivateMessage)
	b.wsPrivate.SetOnState(b.emitStatus)
	if err := b.wsPrivate.Subscribe(map[string]interface{}{"op": "subscribe", "args": []string{"order"}}); err != nil {
		return err
	}
	if err := b.wsPrivate.Connect(ctx); err != nil {
		b.wsPublic.Close()
		return &ConnectivityError{Venue: b.venue, Op: "connect_private", Err: err}
	}

	b.log.Info("connected", zap.String("base_url", b.publicURL))
	return nil
}

func bybitPing() (int, []byte) {
	return websocket.TextMessage, []byte(`{"op":"ping"}`)
}

// authenticateWebSocket выполняет auth приватного канала и ждёт подтверждения
func (b *Bybit) authenticateWebSocket(conn *websocket.Conn) error {
	expires := time.Now().UnixMilli() + 10000
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	signature := hex.EncodeToString(h.Sum(nil))

	if err := conn.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, signature},
	}); err != nil {
		return err
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	v, err := fastjson.ParseBytes(msg)
	if err != nil {
		return err
	}
	if !v.GetBool("success") {
		return fmt.Errorf("auth rejected: %s", v.GetStringBytes("ret_msg"))
	}
	return nil
}

// SubscribeQuotes подписывается на тикер инструмента
func (b *Bybit) SubscribeQuotes(ctx context.Context, instrument string) (<-chan models.Quote, error) {
	if b.wsPublic == nil {
		return nil, ErrNotConnected
	}
	ch, err := b.addQuoteSub(ctx, instrument)
	if err != nil {
		return nil, err
	}
	sub := map[string]interface{}{"op": "subscribe", "args": []string{"tickers." + toBybitSymbol(instrument)}}
	if err := b.wsPublic.Subscribe(sub); err != nil {
		return nil, &ConnectivityError{Venue: b.venue, Op: "subscribe_quotes", Err: err}
	}
	return ch, nil
}

// SubscribeFills возвращает исполнения ордеров аккаунта
func (b *Bybit) SubscribeFills(ctx context.Context) (<-chan models.FillEvent, error) {
	return b.addFillSub(ctx)
}

// handlePublicMessage разбирает тикер: snapshot или delta
func (b *Bybit) handlePublicMessage(message []byte) {
	p := b.parsers.Get()
	defer b.parsers.Put(p)

	v, err := p.ParseBytes(message)
	if err != nil {
		b.log.Debug("unparsable public message", zap.Error(err))
		return
	}
	topic := string(v.GetStringBytes("topic"))
	if !strings.HasPrefix(topic, "tickers.") {
		return
	}
	symbol := strings.TrimPrefix(topic, "tickers.")
	data := v.Get("data")
	if data == nil {
		return
	}

	b.booksMu.Lock()
	book, ok := b.books[symbol]
	if !ok || string(v.GetStringBytes("type")) == "snapshot" {
		book = &bybitBook{}
		b.books[symbol] = book
	}
	if bid := data.GetStringBytes("bid1Price"); len(bid) > 0 {
		book.bid, _ = strconv.ParseFloat(string(bid), 64)
	}
	if ask := data.GetStringBytes("ask1Price"); len(ask) > 0 {
		book.ask, _ = strconv.ParseFloat(string(ask), 64)
	}
	bid, ask := book.bid, book.ask
	b.booksMu.Unlock()

	instrument := b.instrumentFor(symbol)
	if instrument == "" {
		return
	}

	ts := time.Now()
	if ms := v.GetInt64("ts"); ms > 0 {
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

// instrumentFor ищет канонический инструмент подписки по символу Bybit
func (b *Bybit) instrumentFor(symbol string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.quoteSubs {
		if toBybitSymbol(s.instrument) == symbol {
			return s.instrument
		}
	}
	return ""
}

// bybitOrderUpdate - элемент топика order
type bybitOrderUpdate struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

// handlePrivateMessage переводит топик order в FillEvent
func (b *Bybit) handlePrivateMessage(message []byte) {
	var msg struct {
		Topic string             `json:"topic"`
		Data  []bybitOrderUpdate `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		b.log.Debug("unparsable private message", zap.Error(err))
		return
	}
	if msg.Topic != "order" {
		return
	}

	for _, u := range msg.Data {
		filled, _ := strconv.ParseFloat(u.CumExecQty, 64)
		avg, _ := strconv.ParseFloat(u.AvgPrice, 64)
		terminal, cancelled := bybitTerminal(u.OrderStatus)

		ts := utils.ParseUnixMillis(u.UpdatedTime)
		if ts.IsZero() {
			ts = time.Now()
		}
		if terminal {
			b.ordersMu.Lock()
			delete(b.orderSymbols, u.OrderID)
			b.ordersMu.Unlock()
		}

		b.publishFill(models.FillEvent{
			Venue:          b.venue,
			OrderID:        u.OrderID,
			FilledQuantity: filled,
			AvgPrice:       avg,
			Terminal:       terminal,
			Cancelled:      cancelled,
			Timestamp:      ts,
		})
	}
}

// bybitTerminal классифицирует orderStatus
func bybitTerminal(status string) (terminal, cancelled bool) {
	switch status {
	case "Filled":
		return true, false
	case "Cancelled", "Rejected", "PartiallyFilledCanceled", "Deactivated":
		return true, true
	default:
		return false, false
	}
}

// PlaceOrder размещает лимитный (GTC или PostOnly) или рыночный IOC ордер
func (b *Bybit) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &RejectedError{Venue: b.venue, Code: "invalid_request", Reason: err.Error()}
	}
	symbol := toBybitSymbol(req.Instrument)

	side := "Buy"
	if req.Side == models.SideSell {
		side = "Sell"
	}
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"side":     side,
		"qty":      utils.FormatQuantity(req.Size, b.lotSize),
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}
	if req.IsMarket() {
		params["orderType"] = "Market"
		params["timeInForce"] = "IOC"
	} else {
		params["orderType"] = "Limit"
		params["price"] = utils.FormatPrice(*req.Price)
		params["timeInForce"] = "GTC"
		if req.PostOnly {
			params["timeInForce"] = "PostOnly"
		}
	}

	v, p, err := b.doRequest(ctx, "place_order", http.MethodPost, "/v5/order/create", params, ratelimit.CategoryOrder)
	if err != nil {
		return "", err
	}
	orderID := string(v.GetStringBytes("result", "orderId"))
	b.parsers.Put(p)

	if orderID == "" {
		return "", &RejectedError{Venue: b.venue, Code: "empty_order_id", Reason: "order id missing in response"}
	}

	b.ordersMu.Lock()
	b.orderSymbols[orderID] = symbol
	b.ordersMu.Unlock()

	b.log.Info("order placed",
		utils.OrderID(orderID), utils.Side(req.Side), utils.Role(req.Role), utils.Size(req.Size))
	return orderID, nil
}

// CancelOrder отменяет ордер. Уже закрытый ордер - (false, nil).
func (b *Bybit) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	b.ordersMu.Lock()
	symbol, ok := b.orderSymbols[orderID]
	b.ordersMu.Unlock()
	if !ok {
		return false, nil
	}

	_, p, err := b.doRequest(ctx, "cancel_order", http.MethodPost, "/v5/order/cancel", map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}, ratelimit.CategoryOrder)
	if err != nil {
		var re *RejectedError
		if errors.As(err, &re) && re.Code == strconv.Itoa(bybitOrderNotExists) {
			return false, nil
		}
		return false, err
	}
	b.parsers.Put(p)
	return true, nil
}

// GetPosition возвращает знаковую позицию по инструменту
func (b *Bybit) GetPosition(ctx context.Context, instrument string) (float64, error) {
	v, p, err := b.doRequest(ctx, "get_position", http.MethodGet, "/v5/position/list", map[string]string{
		"category": bybitCategory,
		"symbol":   toBybitSymbol(instrument),
	}, ratelimit.CategoryQuery)
	if err != nil {
		return 0, err
	}
	defer b.parsers.Put(p)

	var net float64
	for _, item := range v.GetArray("result", "list") {
		size, _ := strconv.ParseFloat(string(item.GetStringBytes("size")), 64)
		if string(item.GetStringBytes("side")) == "Sell" {
			size = -size
		}
		net += size
	}
	return net, nil
}

// GetBalance возвращает equity единого аккаунта в USDT
func (b *Bybit) GetBalance(ctx context.Context) (float64, error) {
	v, p, err := b.doRequest(ctx, "wallet_balance", http.MethodGet, "/v5/account/wallet-balance", map[string]string{
		"accountType": "UNIFIED",
		"coin":        bybitSettleCoin,
	}, ratelimit.CategoryQuery)
	if err != nil {
		return 0, err
	}
	defer b.parsers.Put(p)

	for _, acc := range v.GetArray("result", "list") {
		for _, coin := range acc.GetArray("coin") {
			if string(coin.GetStringBytes("coin")) == bybitSettleCoin {
				equity, _ := strconv.ParseFloat(string(coin.GetStringBytes("equity")), 64)
				return equity, nil
			}
		}
	}
	return 0, nil
}

// Connected - живо ли публичное соединение
func (b *Bybit) Connected() bool {
	return b.wsPublic != nil && b.wsPublic.IsConnected()
}

// Close закрывает соединения
func (b *Bybit) Close() error {
	var firstErr error
	for _, ws := range []*WSConn{b.wsPublic, b.wsPrivate} {
		if ws == nil {
			continue
		}
		if err := ws.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.feed.close()
	b.rest.Close()
	return firstErr
}
