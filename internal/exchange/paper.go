package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// PaperOptions параметры симулятора площадки
type PaperOptions struct {
	Name       string
	Instrument string
	Mid        float64 // стартовая середина
	HalfSpread float64 // половина спреда площадки; 0 = 0.01% от Mid
	LotSize    float64
	// Шаг случайного блуждания цены; 0 = цена меняется только через SetQuote
	TickInterval time.Duration
	Volatility   float64 // относительное стандартное отклонение шага
	// Рыночные ордера исполняются немедленно по лучшей цене
	FillMarket bool
	// Лимитные ордера исполняются при пересечении котировкой
	FillLimitsOnCross bool
	Balance           float64 // стартовый капитал в валюте котировки
}

// PaperConnector - симулятор площадки
//
// Используется для бумажной торговли и в тестах движка: котировки,
// исполнения, отказы и разрывы связи можно задавать вручную.
type PaperConnector struct {
	*feed

	opts PaperOptions

	mu        sync.Mutex
	quote     models.Quote
	orders    map[string]*paperOrder
	sequence  []string
	position  float64
	cash      float64
	rejectErr []error
	rng       *rand.Rand

	connected atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

type paperOrder struct {
	req    OrderRequest
	id     string
	filled float64
	avg    float64
	closed bool
}

// PaperOrder - снимок ордера симулятора
type PaperOrder struct {
	ID       string
	Request  OrderRequest
	Filled   float64
	AvgPrice float64
	Closed   bool
}

// NewPaperConnector создаёт симулятор
func NewPaperConnector(opts PaperOptions, logger *utils.Logger) *PaperConnector {
	if opts.Name == "" {
		opts.Name = "paper"
	}
	if opts.HalfSpread <= 0 {
		opts.HalfSpread = opts.Mid * 0.0001
	}
	if opts.Volatility <= 0 {
		opts.Volatility = 0.0002
	}

	p := &PaperConnector{
		feed:   newFeed(opts.Name, logger),
		opts:   opts,
		orders: make(map[string]*paperOrder),
		cash:   opts.Balance,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:   make(chan struct{}),
	}
	if opts.Mid > 0 {
		p.quote = p.quoteAround(opts.Mid)
	}
	return p
}

func (p *PaperConnector) quoteAround(mid float64) models.Quote {
	now := time.Now()
	return models.Quote{
		Venue:      p.venue,
		Instrument: p.opts.Instrument,
		BestBid:    mid - p.opts.HalfSpread,
		BestAsk:    mid + p.opts.HalfSpread,
		Timestamp:  now,
		ReceivedAt: now,
	}
}

// Connect запускает симуляцию
func (p *PaperConnector) Connect(ctx context.Context) error {
	if p.isClosed() {
		return ErrNotConnected
	}
	if p.connected.Swap(true) {
		return nil
	}
	p.emitStatus(ConnectionEvent{Venue: p.venue, Channel: ChannelPublic, Connected: true})

	if p.opts.TickInterval > 0 {
		p.wg.Add(1)
		go p.walk()
	}
	p.log.Info("paper venue started", utils.Price(p.opts.Mid))
	return nil
}

// walk двигает середину случайным блужданием
func (p *PaperConnector) walk() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if !p.connected.Load() {
				continue
			}
			p.mu.Lock()
			mid := p.quote.Mid()
			if mid <= 0 {
				mid = p.opts.Mid
			}
			mid *= 1 + p.rng.NormFloat64()*p.opts.Volatility
			p.mu.Unlock()
			p.SetMid(mid)
		}
	}
}

// SetMid выставляет котировку вокруг середины
func (p *PaperConnector) SetMid(mid float64) {
	q := p.quoteAround(mid)
	p.SetQuote(q.BestBid, q.BestAsk)
}

// SetQuote публикует котировку и исполняет пересечённые лимитные ордера
func (p *PaperConnector) SetQuote(bid, ask float64) {
	now := time.Now()
	q := models.Quote{
		Venue:      p.venue,
		Instrument: p.opts.Instrument,
		BestBid:    bid,
		BestAsk:    ask,
		Timestamp:  now,
		ReceivedAt: now,
	}

	p.mu.Lock()
	p.quote = q
	var fills []models.FillEvent
	if p.opts.FillLimitsOnCross {
		for _, id := range p.sequence {
			o := p.orders[id]
			if o.closed || o.req.IsMarket() {
				continue
			}
			if p.crossesLocked(o.req) {
				fills = append(fills, p.applyFillLocked(o, o.req.Size-o.filled, *o.req.Price))
			}
		}
	}
	p.mu.Unlock()

	if p.connected.Load() {
		p.publishQuote(q)
	}
	for _, f := range fills {
		p.publishFill(f)
	}
}

// crossesLocked - лимитная цена достигнута текущей котировкой. Требует p.mu.
func (p *PaperConnector) crossesLocked(req OrderRequest) bool {
	if req.Price == nil || !p.quote.Valid() {
		return false
	}
	price := *req.Price
	return (req.Side == models.SideBuy && p.quote.BestAsk <= price) ||
		(req.Side == models.SideSell && p.quote.BestBid >= price)
}

// SubscribeQuotes возвращает канал котировок симулятора
func (p *PaperConnector) SubscribeQuotes(ctx context.Context, instrument string) (<-chan models.Quote, error) {
	if p.opts.Instrument == "" {
		p.opts.Instrument = instrument
	}
	if instrument != p.opts.Instrument {
		return nil, fmt.Errorf("%s: unknown instrument %s", p.venue, instrument)
	}
	ch, err := p.addQuoteSub(ctx, instrument)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	q := p.quote
	p.mu.Unlock()
	if q.Valid() && p.connected.Load() {
		q.Timestamp, q.ReceivedAt = time.Now(), time.Now()
		q.Instrument = instrument
		p.publishQuote(q)
	}
	return ch, nil
}

// SubscribeFills возвращает канал исполнений симулятора
func (p *PaperConnector) SubscribeFills(ctx context.Context) (<-chan models.FillEvent, error) {
	return p.addFillSub(ctx)
}

// RejectNext заставляет следующий PlaceOrder вернуть err
func (p *PaperConnector) RejectNext(err error) {
	p.mu.Lock()
	p.rejectErr = append(p.rejectErr, err)
	p.mu.Unlock()
}

// SetFillMarket включает или выключает немедленное исполнение рыночных ордеров
func (p *PaperConnector) SetFillMarket(enabled bool) {
	p.mu.Lock()
	p.opts.FillMarket = enabled
	p.mu.Unlock()
}

// PlaceOrder принимает ордер; рыночный исполняется сразу при FillMarket
func (p *PaperConnector) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !p.connected.Load() {
		return "", &ConnectivityError{Venue: p.venue, Op: "place_order", Err: ErrNotConnected}
	}
	if err := req.Validate(); err != nil {
		return "", &RejectedError{Venue: p.venue, Code: "invalid_request", Reason: err.Error()}
	}
	if p.opts.LotSize > 0 {
		req.Size = utils.RoundToLotSize(req.Size, p.opts.LotSize)
	}

	p.mu.Lock()
	if len(p.rejectErr) > 0 {
		err := p.rejectErr[0]
		p.rejectErr = p.rejectErr[1:]
		p.mu.Unlock()
		return "", err
	}

	o := &paperOrder{req: req, id: uuid.NewString()}
	p.orders[o.id] = o
	p.sequence = append(p.sequence, o.id)

	var fill *models.FillEvent
	if req.IsMarket() && p.opts.FillMarket {
		price := p.quote.BestAsk
		if req.Side == models.SideSell {
			price = p.quote.BestBid
		}
		f := p.applyFillLocked(o, req.Size, price)
		fill = &f
	} else if !req.IsMarket() && p.opts.FillLimitsOnCross && p.crossesLocked(req) {
		f := p.applyFillLocked(o, req.Size, *req.Price)
		fill = &f
	}
	p.mu.Unlock()

	p.log.Debug("paper order accepted", utils.OrderID(o.id), utils.Side(req.Side), utils.Size(req.Size))
	if fill != nil {
		go p.publishFill(*fill)
	}
	return o.id, nil
}

// applyFillLocked добавляет исполнение и возвращает событие. Требует p.mu.
func (p *PaperConnector) applyFillLocked(o *paperOrder, qty, price float64) models.FillEvent {
	if qty > o.req.Size-o.filled {
		qty = o.req.Size - o.filled
	}
	if qty > 0 {
		o.avg = utils.WeightedAverage([]float64{o.avg, price}, []float64{o.filled, qty})
		o.filled = utils.Add(o.filled, qty)
		signed := models.SignedQuantity(o.req.Side, qty)
		p.position = utils.Add(p.position, signed)
		p.cash -= signed * price
	}
	if utils.IsZeroQuantity(o.req.Size - o.filled) {
		o.closed = true
	}
	return models.FillEvent{
		Venue:          p.venue,
		OrderID:        o.id,
		FilledQuantity: o.filled,
		AvgPrice:       o.avg,
		Terminal:       o.closed,
		Timestamp:      time.Now(),
	}
}

// Fill исполняет qty ордера по его цене (или по рынку для рыночного)
func (p *PaperConnector) Fill(orderID string, qty float64) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.closed {
		p.mu.Unlock()
		return fmt.Errorf("%s: order %s not open", p.venue, orderID)
	}
	price := p.quote.Mid()
	if o.req.Price != nil {
		price = *o.req.Price
	}
	ev := p.applyFillLocked(o, qty, price)
	p.mu.Unlock()

	p.publishFill(ev)
	return nil
}

// CancelOrder отменяет открытый ордер и публикует терминальное событие
func (p *PaperConnector) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !p.connected.Load() {
		return false, &ConnectivityError{Venue: p.venue, Op: "cancel_order", Err: ErrNotConnected}
	}

	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || o.closed {
		p.mu.Unlock()
		return false, nil
	}
	o.closed = true
	ev := models.FillEvent{
		Venue:          p.venue,
		OrderID:        o.id,
		FilledQuantity: o.filled,
		AvgPrice:       o.avg,
		Terminal:       true,
		Cancelled:      true,
		Timestamp:      time.Now(),
	}
	p.mu.Unlock()

	go p.publishFill(ev)
	return true, nil
}

// GetPosition возвращает накопленную позицию симулятора
func (p *PaperConnector) GetPosition(ctx context.Context, instrument string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !p.connected.Load() {
		return 0, &ConnectivityError{Venue: p.venue, Op: "get_position", Err: ErrNotConnected}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, nil
}

// GetBalance возвращает капитал: стартовый баланс плюс переоценка позиции по середине
func (p *PaperConnector) GetBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !p.connected.Load() {
		return 0, &ConnectivityError{Venue: p.venue, Op: "get_balance", Err: ErrNotConnected}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash + p.position*p.quote.Mid(), nil
}

// AdjustPosition сдвигает позицию вне ордеров (ручная сделка оператора)
func (p *PaperConnector) AdjustPosition(delta float64) {
	p.mu.Lock()
	p.position = utils.Add(p.position, delta)
	p.cash -= delta * p.quote.Mid()
	p.mu.Unlock()
}

// Orders возвращает ордера в порядке размещения
func (p *PaperConnector) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperOrder, 0, len(p.sequence))
	for _, id := range p.sequence {
		o := p.orders[id]
		out = append(out, PaperOrder{ID: o.id, Request: o.req, Filled: o.filled, AvgPrice: o.avg, Closed: o.closed})
	}
	return out
}

// Disconnect имитирует разрыв соединения
func (p *PaperConnector) Disconnect() {
	if p.connected.Swap(false) {
		p.log.Warn("paper venue disconnected")
		p.emitStatus(ConnectionEvent{Venue: p.venue, Channel: ChannelPublic, Connected: false,
			Err: fmt.Errorf("simulated disconnect")})
	}
}

// Reconnect восстанавливает соединение после Disconnect
func (p *PaperConnector) Reconnect() {
	if !p.connected.Swap(true) {
		p.log.Info("paper venue reconnected")
		p.emitStatus(ConnectionEvent{Venue: p.venue, Channel: ChannelPublic, Connected: true, Attempt: 1})
	}
}

// Connected - активна ли симуляция
func (p *PaperConnector) Connected() bool {
	return p.connected.Load()
}

// Close останавливает симуляцию
func (p *PaperConnector) Close() error {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.connected.Store(false)
	})
	p.wg.Wait()
	p.feed.close()
	p.log.Debug("paper venue closed", zap.Int("orders", len(p.Orders())))
	return nil
}
