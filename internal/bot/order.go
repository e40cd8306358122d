package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/retry"
	"crossarb/pkg/utils"
)

// CoordinatorConfig - параметры исполнения парной сделки
type CoordinatorConfig struct {
	Instrument             string
	FillTimeout            time.Duration // ожидание первичной ноги
	HedgeFillTimeout       time.Duration // ожидание одной попытки хеджа
	CancelAckTimeout       time.Duration // ожидание финального события после отмены
	HedgeRetryLimit        int           // повторов после первой попытки
	MinPartialFillFraction float64
	PartialFillPolicy      string
	MakerIsA               bool
	Backoff                retry.Config
}

// CoordinatorConfigFrom собирает параметры из конфигурации движка
func CoordinatorConfigFrom(cfg config.EngineConfig) CoordinatorConfig {
	return CoordinatorConfig{
		Instrument:             cfg.Instrument,
		FillTimeout:            cfg.FillTimeout,
		HedgeFillTimeout:       cfg.HedgeFillTimeout,
		CancelAckTimeout:       cfg.CancelAckTimeout,
		HedgeRetryLimit:        cfg.HedgeRetryLimit,
		MinPartialFillFraction: cfg.MinPartialFillFraction,
		PartialFillPolicy:      cfg.PartialFillPolicy,
		MakerIsA:               cfg.MakerIsA(),
		Backoff:                retry.HedgeConfig(cfg.HedgeRetryLimit + 1),
	}
}

// Coordinator - исполнитель парной сделки
//
// Функции:
// - Резерв лимита под обе ноги до отправки ордеров
// - Первичная нога: лимитный ордер maker площадки по цене решения
// - Хедж: рыночный ордер taker площадки на фактически исполненный объём
// - Повтор хеджа с backoff, при исчерпании - hedge_failed
//
// Каждое исполнение коммитится в трекер ровно один раз: применяется
// только прирост накопленного объёма. Сделкой владеет горутина Execute,
// наружу отдаётся копия (Active).
type Coordinator struct {
	cfg     CoordinatorConfig
	venueA  exchange.Connector
	venueB  exchange.Connector
	tracker *PositionTracker
	router  *fillRouter
	log     *utils.Logger

	mu     sync.RWMutex
	active *models.PairedTrade

	onEvent  func(*models.Event)
	onNotify func(*models.Notification)
}

// NewCoordinator создаёт исполнитель для пары площадок
func NewCoordinator(cfg CoordinatorConfig, venueA, venueB exchange.Connector, tracker *PositionTracker, logger *utils.Logger) *Coordinator {
	if logger == nil {
		logger = utils.L()
	}
	if cfg.PartialFillPolicy == "" {
		cfg.PartialFillPolicy = config.PartialFillHedge
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 5 * time.Second
	}
	if cfg.HedgeFillTimeout <= 0 {
		cfg.HedgeFillTimeout = 5 * time.Second
	}
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = 2 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		venueA:   venueA,
		venueB:   venueB,
		tracker:  tracker,
		router:   newFillRouter(),
		log:      logger.WithComponent("coordinator"),
		onEvent:  func(*models.Event) {},
		onNotify: func(*models.Notification) {},
	}
}

// SetCallbacks устанавливает получателей событий журнала и уведомлений.
// Callback'и не должны блокировать.
func (c *Coordinator) SetCallbacks(onEvent func(*models.Event), onNotify func(*models.Notification)) {
	if onEvent != nil {
		c.onEvent = onEvent
	}
	if onNotify != nil {
		c.onNotify = onNotify
	}
}

// OnFill принимает исполнение от потребителя событий. Не блокирует.
func (c *Coordinator) OnFill(ev models.FillEvent) {
	w := c.router.route(ev)
	if w == nil {
		return
	}
	w.mu.Lock()
	orphan, settled := w.orphan, w.settled
	w.mu.Unlock()
	if !orphan {
		return
	}
	if ev.FilledQuantity > settled {
		c.lateFill(ev)
	}
	if ev.Terminal {
		c.router.drop(ev.Venue, ev.OrderID)
	}
}

// lateFill - исполнение ордера уже закрытой сделки: в трекер не попадает,
// расхождение найдёт сверка
func (c *Coordinator) lateFill(ev models.FillEvent) {
	c.log.Warn("fill after trade close",
		utils.Venue(ev.Venue),
		utils.OrderID(ev.OrderID),
		utils.Size(ev.FilledQuantity),
		zap.Bool("terminal", ev.Terminal))

	c.onEvent(models.NewEvent(models.EventOrderStateChanged, c.cfg.Instrument).
		With("venue_order_id", ev.OrderID).
		With("fill_quantity", ev.FilledQuantity).
		With("avg_price", ev.AvgPrice).
		With("terminal", ev.Terminal).
		With("late", true))

	c.onNotify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       models.NotificationTypePositionDrift,
		Severity:   models.SeverityWarn,
		Instrument: c.cfg.Instrument,
		Message:    fmt.Sprintf("%s: fill %v for order %s after trade close", ev.Venue, ev.FilledQuantity, ev.OrderID),
	})
}

// Active возвращает копию сделки в работе (nil если нет)
func (c *Coordinator) Active() *models.PairedTrade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return nil
	}
	return cloneTrade(c.active)
}

// publish сохраняет копию состояния сделки для читателей
func (c *Coordinator) publish(t *models.PairedTrade) {
	cp := cloneTrade(t)
	c.mu.Lock()
	c.active = cp
	c.mu.Unlock()
}

func (c *Coordinator) clearActive() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}

// execution - рабочее состояние одной сделки
type execution struct {
	trade    *models.PairedTrade
	maker    exchange.Connector
	taker    exchange.Connector
	resMaker *Reservation
	resTaker *Reservation
	log      *utils.Logger
}

// Execute проводит сделку по решению до терминального исхода.
//
// Ошибка возвращается только для hedge_failed (*HedgeFailure).
// Отмена ctx прерывает ожидание первички: остаток отменяется, исполненное
// хеджируется на отвязанном контексте.
func (c *Coordinator) Execute(ctx context.Context, d *models.Decision) (*models.PairedTrade, error) {
	now := time.Now()
	trade := &models.PairedTrade{
		ID:             uuid.NewString(),
		Instrument:     d.Instrument,
		Direction:      d.Direction,
		DecisionSpread: d.Spread,
		Decision:       d,
		State:          models.PairAwaitingPrimary,
		CreatedAt:      now,
	}
	x := &execution{trade: trade, log: c.log.WithTradeID(trade.ID)}
	x.maker, x.taker = c.venueA, c.venueB
	if !c.cfg.MakerIsA {
		x.maker, x.taker = c.venueB, c.venueA
	}

	side, price := models.SideSell, d.SellPrice
	if x.maker.Name() == d.VenueBuy {
		side, price = models.SideBuy, d.BuyPrice
	}
	trade.Primary = c.newLeg(trade, x.maker.Name(), side, models.RoleMaker, d.Size, &price, 0)

	c.publish(trade)
	defer c.clearActive()

	x.log.Info("executing decision",
		zap.String("direction", d.Direction),
		utils.Spread(d.Spread),
		utils.Venue(x.maker.Name()),
		utils.Side(side),
		utils.Price(price),
		utils.Size(d.Size))

	// Резерв под обе ноги
	res, err := c.tracker.Reserve(x.maker.Name(), trade.ID, models.SignedQuantity(side, d.Size))
	if err != nil {
		return c.abort(x, "reserve primary: "+err.Error()), nil
	}
	x.resMaker = res
	trade.Primary.ReservationID = res.ID

	res, err = c.tracker.Reserve(x.taker.Name(), trade.ID, models.SignedQuantity(models.OppositeSide(side), d.Size))
	if err != nil {
		c.release(x, x.resMaker)
		return c.abort(x, "reserve hedge: "+err.Error()), nil
	}
	x.resTaker = res

	// Первичная нога
	w, err := c.submit(ctx, x, x.maker, trade.Primary)
	if err != nil {
		c.release(x, x.resMaker)
		c.release(x, x.resTaker)
		return c.abort(x, "primary rejected: "+err.Error()), nil
	}

	// После отправки первички операции на площадках не зависят от отмены ctx
	execCtx := context.WithoutCancel(ctx)

	c.awaitPrimary(ctx, x, w)
	c.settle(execCtx, x, x.maker, trade.Primary, w)
	c.release(x, x.resMaker)

	filled := decimal.NewFromFloat(trade.Primary.FillQuantity)
	if filled.IsZero() {
		c.release(x, x.resTaker)
		return c.abort(x, "primary unfilled"), nil
	}

	if err := c.transition(x, models.PairPrimaryFilled); err != nil {
		x.log.Error("state machine", zap.Error(err))
	}

	if !c.sufficient(trade.Primary) && c.cfg.PartialFillPolicy == config.PartialFillUnwind {
		return c.unwind(execCtx, x)
	}
	return c.hedge(execCtx, x)
}

// sufficient - первичка исполнена не меньше доли MinPartialFillFraction
func (c *Coordinator) sufficient(leg *models.ArbitrageOrder) bool {
	filled := decimal.NewFromFloat(leg.FillQuantity)
	if !filled.IsPositive() {
		return false
	}
	need := decimal.NewFromFloat(c.cfg.MinPartialFillFraction).Mul(decimal.NewFromFloat(leg.Size))
	return filled.GreaterThanOrEqual(need)
}

// awaitPrimary ждёт достаточного исполнения, терминального события,
// истечения FillTimeout или отмены ctx
func (c *Coordinator) awaitPrimary(ctx context.Context, x *execution, w *fillWatch) {
	leg := x.trade.Primary
	timedOut := c.waitFill(ctx, x, w, leg, c.cfg.FillTimeout, func(o *models.ArbitrageOrder) bool {
		return IsTerminalLegState(o.State) || c.sufficient(o)
	})
	if timedOut {
		x.log.Info("primary fill timeout",
			utils.Size(leg.FillQuantity),
			zap.Duration("timeout", c.cfg.FillTimeout))
	}
}

// hedge отправляет хедж на исполненный объём первички с повторами
func (c *Coordinator) hedge(ctx context.Context, x *execution) (*models.PairedTrade, error) {
	trade := x.trade
	side := models.OppositeSide(trade.Primary.Side)
	target := decimal.NewFromFloat(trade.Primary.FillQuantity)

	onAttempt := func(attempt int) {
		to := models.PairHedgeSubmitted
		if attempt > 0 {
			to = models.PairHedgeRetried
			HedgeRetries.WithLabelValues(x.taker.Name()).Inc()
		}
		if err := c.transition(x, to); err != nil {
			x.log.Error("state machine", zap.Error(err))
		}
	}
	onFailed := func(int) {
		if err := c.transition(x, models.PairHedgeTimedOut); err != nil {
			x.log.Error("state machine", zap.Error(err))
		}
	}

	hedged, attempts, lastErr := c.runTaker(ctx, x, x.taker, side, target, x.resTaker, onAttempt, onFailed, func(leg *models.ArbitrageOrder) {
		trade.Hedge = leg
		trade.HedgeAttempts = append(trade.HedgeAttempts, leg)
	})
	trade.HedgedQuantity = hedged.InexactFloat64()

	if hedged.GreaterThanOrEqual(target) {
		c.release(x, x.resTaker)
		trade.EstimatedPnl = utils.EstimatePnl(trade.DecisionSpread, trade.HedgedQuantity)
		return c.finish(x, models.PairHedgeFilled, ""), nil
	}

	// Остаток резерва хеджа остаётся открытым до снятия halt
	failure := &HedgeFailure{
		TradeID:  trade.ID,
		Unhedged: target.Sub(hedged).InexactFloat64(),
		Attempts: attempts,
		Err:      lastErr,
	}
	if failure.Err == nil {
		failure.Err = errors.New("hedge unfilled")
	}
	trade.EstimatedPnl = utils.EstimatePnl(trade.DecisionSpread, trade.HedgedQuantity)
	c.finish(x, models.PairHedgeFailed, failure.Error())
	c.notifyHedgeFailure(x, failure)
	return trade, failure
}

// unwind закрывает частичное исполнение первички обратной сделкой на той же площадке
func (c *Coordinator) unwind(ctx context.Context, x *execution) (*models.PairedTrade, error) {
	trade := x.trade
	c.release(x, x.resTaker)

	side := models.OppositeSide(trade.Primary.Side)
	target := decimal.NewFromFloat(trade.Primary.FillQuantity)

	x.log.Info("unwinding partial primary",
		utils.Size(trade.Primary.FillQuantity),
		zap.Float64("min_fraction", c.cfg.MinPartialFillFraction))

	res, err := c.tracker.Reserve(x.maker.Name(), trade.ID, models.SignedQuantity(side, target.InexactFloat64()))
	if err != nil {
		failure := &HedgeFailure{TradeID: trade.ID, Unhedged: target.InexactFloat64(), Err: err}
		c.finish(x, models.PairHedgeFailed, "reserve unwind: "+err.Error())
		c.notifyHedgeFailure(x, failure)
		return trade, failure
	}

	done, attempts, lastErr := c.runTaker(ctx, x, x.maker, side, target, res, nil, nil, func(leg *models.ArbitrageOrder) {
		trade.Unwind = leg
	})

	if done.GreaterThanOrEqual(target) {
		c.release(x, res)
		return c.finish(x, models.PairUnwound, ""), nil
	}

	failure := &HedgeFailure{
		TradeID:  trade.ID,
		Unhedged: target.Sub(done).InexactFloat64(),
		Attempts: attempts,
		Err:      lastErr,
	}
	if failure.Err == nil {
		failure.Err = errors.New("unwind unfilled")
	}
	c.finish(x, models.PairHedgeFailed, failure.Error())
	c.notifyHedgeFailure(x, failure)
	return trade, failure
}

// runTaker исполняет target рыночными ордерами: первая попытка плюс
// HedgeRetryLimit повторов с backoff. Возвращает исполненный объём.
func (c *Coordinator) runTaker(
	ctx context.Context,
	x *execution,
	conn exchange.Connector,
	side string,
	target decimal.Decimal,
	res *Reservation,
	onAttempt func(attempt int),
	onFailed func(attempt int),
	onLeg func(leg *models.ArbitrageOrder),
) (decimal.Decimal, int, error) {
	var (
		done    decimal.Decimal
		lastErr error
	)
	attempts := 0

	for attempt := 0; attempt <= c.cfg.HedgeRetryLimit; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff.Delay(attempt - 1)
			x.log.Warn("retrying taker leg",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				utils.Size(target.Sub(done).InexactFloat64()))
			if err := retry.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		remaining := target.Sub(done)
		leg := c.newLeg(x.trade, conn.Name(), side, models.RoleTaker, remaining.InexactFloat64(), nil, attempt)
		leg.ReservationID = res.ID
		onLeg(leg)
		attempts++
		if onAttempt != nil {
			onAttempt(attempt)
		}

		w, err := c.submit(ctx, x, conn, leg)
		if err == nil {
			c.waitFill(ctx, x, w, leg, c.cfg.HedgeFillTimeout, func(o *models.ArbitrageOrder) bool {
				return IsTerminalLegState(o.State)
			})
			c.settle(ctx, x, conn, leg, w)
			if !IsTerminalLegState(leg.State) || leg.State == models.LegCancelled {
				err = fmt.Errorf("%s: taker leg %s unfilled within %v", conn.Name(), leg.State, c.cfg.HedgeFillTimeout)
			}
		}
		done = done.Add(decimal.NewFromFloat(leg.FillQuantity))

		if done.GreaterThanOrEqual(target) {
			return done, attempts, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: taker leg filled %v of %v", conn.Name(), leg.FillQuantity, leg.Size)
		}
		lastErr = err
		x.log.Warn("taker leg attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if onFailed != nil {
			onFailed(attempt)
		}
	}
	return done, attempts, lastErr
}

// newLeg создаёт ногу в состоянии created
func (c *Coordinator) newLeg(t *models.PairedTrade, venue, side, role string, size float64, price *float64, attempt int) *models.ArbitrageOrder {
	return &models.ArbitrageOrder{
		ID:         uuid.NewString(),
		TradeID:    t.ID,
		Venue:      venue,
		Instrument: t.Instrument,
		Side:       side,
		Role:       role,
		Size:       size,
		Price:      price,
		State:      models.LegCreated,
		Attempt:    attempt,
		CreatedAt:  time.Now(),
	}
}

// submit отправляет ногу и регистрирует наблюдение за исполнением
func (c *Coordinator) submit(ctx context.Context, x *execution, conn exchange.Connector, leg *models.ArbitrageOrder) (*fillWatch, error) {
	start := time.Now()
	orderID, err := conn.PlaceOrder(ctx, exchange.OrderRequest{
		Instrument: leg.Instrument,
		Side:       leg.Side,
		Size:       leg.Size,
		Price:      leg.Price,
		Role:       leg.Role,
		ClientID:   leg.ID,
	})
	if err != nil {
		leg.Error = err.Error()
		closed := time.Now()
		leg.ClosedAt = &closed
		c.legState(x, leg, models.LegRejected)
		x.log.Warn("order rejected",
			utils.Venue(conn.Name()),
			utils.Role(leg.Role),
			zap.Bool("connectivity", exchange.IsConnectivity(err)),
			zap.Error(err))
		return nil, err
	}

	submitted := time.Now()
	leg.VenueOrderID = orderID
	leg.SubmitTime = &submitted
	RecordOrderAck(conn.Name(), leg.Role, float64(submitted.Sub(start).Microseconds())/1000)

	w := c.router.register(conn.Name(), orderID)
	c.legState(x, leg, models.LegSubmitted)
	return w, nil
}

// waitFill применяет исполнения до выполнения done, истечения timeout
// или отмены ctx. Возвращает true если условие не выполнено.
func (c *Coordinator) waitFill(ctx context.Context, x *execution, w *fillWatch, leg *models.ArbitrageOrder, timeout time.Duration, done func(*models.ArbitrageOrder) bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if ev, ok := w.latest(); ok {
			c.applyFill(x, leg, ev)
		}
		if done(leg) {
			return false
		}
		select {
		case <-w.signal:
		case <-timer.C:
			return true
		case <-ctx.Done():
			return true
		}
	}
}

// settle отменяет остаток не терминальной ноги и ждёт финального события.
// Без подтверждения нога считается отменённой с известным объёмом.
func (c *Coordinator) settle(ctx context.Context, x *execution, conn exchange.Connector, leg *models.ArbitrageOrder, w *fillWatch) {
	defer func() {
		done := w.terminal() || leg.State == models.LegFilled
		c.router.release(conn.Name(), leg.VenueOrderID, done, leg.FillQuantity)
	}()
	if IsTerminalLegState(leg.State) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CancelAckTimeout)
	defer cancel()

	ok, err := conn.CancelOrder(cctx, leg.VenueOrderID)
	if err != nil {
		x.log.Warn("cancel failed", utils.Venue(conn.Name()), utils.OrderID(leg.VenueOrderID), zap.Error(err))
	}

	c.waitFill(cctx, x, w, leg, c.cfg.CancelAckTimeout, func(o *models.ArbitrageOrder) bool {
		return IsTerminalLegState(o.State)
	})
	if IsTerminalLegState(leg.State) {
		return
	}

	x.log.Warn("no terminal fill after cancel",
		utils.Venue(conn.Name()),
		utils.OrderID(leg.VenueOrderID),
		zap.Bool("cancel_ack", ok),
		utils.Size(leg.FillQuantity))
	if err != nil {
		leg.Error = "cancel: " + err.Error()
	}
	closed := time.Now()
	leg.ClosedAt = &closed
	c.legState(x, leg, models.LegCancelled)
}

func (w *fillWatch) terminal() bool {
	ev, ok := w.latest()
	return ok && ev.Terminal
}

// applyFill коммитит прирост накопленного объёма и двигает состояние ноги
func (c *Coordinator) applyFill(x *execution, leg *models.ArbitrageOrder, ev models.FillEvent) {
	if IsTerminalLegState(leg.State) && leg.State != models.LegCancelled {
		return
	}

	prev := decimal.NewFromFloat(leg.FillQuantity)
	cum := decimal.NewFromFloat(ev.FilledQuantity)
	size := decimal.NewFromFloat(leg.Size)
	if cum.GreaterThan(size) {
		x.log.Warn("fill exceeds order size", utils.OrderID(leg.VenueOrderID), utils.Size(ev.FilledQuantity))
		cum = size
	}

	changed := false
	if delta := cum.Sub(prev); delta.IsPositive() {
		if err := c.tracker.Commit(leg.ReservationID, models.SignedQuantity(leg.Side, delta.InexactFloat64())); err != nil {
			x.log.Error("commit fill", utils.OrderID(leg.VenueOrderID), zap.Error(err))
			c.onNotify(&models.Notification{
				Timestamp:  time.Now(),
				Type:       models.NotificationTypeError,
				Severity:   models.SeverityError,
				Instrument: c.cfg.Instrument,
				TradeID:    &x.trade.ID,
				Message:    fmt.Sprintf("commit fill %s on %s: %v", delta.String(), leg.Venue, err),
			})
		}
		leg.FillQuantity = cum.InexactFloat64()
		leg.AvgPrice = ev.AvgPrice
		changed = true
	}

	if leg.State == models.LegCancelled {
		// поздний прирост уже отменённой ноги
		if changed {
			c.emitLeg(x, leg)
		}
		return
	}

	next := leg.State
	switch {
	case cum.GreaterThanOrEqual(size):
		next = models.LegFilled
	case ev.Terminal:
		next = models.LegCancelled
	case cum.IsPositive():
		next = models.LegPartiallyFilled
	}

	if next != leg.State || (changed && next == models.LegPartiallyFilled) {
		if IsTerminalLegState(next) {
			closed := time.Now()
			leg.ClosedAt = &closed
		}
		c.legState(x, leg, next)
	} else if changed {
		c.emitLeg(x, leg)
	}
}

// legState переводит ногу и пишет событие
func (c *Coordinator) legState(x *execution, leg *models.ArbitrageOrder, to string) {
	if err := transitionLeg(leg, to); err != nil {
		x.log.Error("leg state machine", utils.OrderID(leg.VenueOrderID), zap.Error(err))
		return
	}
	c.emitLeg(x, leg)
	c.publish(x.trade)
}

func (c *Coordinator) emitLeg(x *execution, leg *models.ArbitrageOrder) {
	ev := models.NewEvent(models.EventOrderStateChanged, c.cfg.Instrument).
		With("leg_id", leg.ID).
		With("venue_order_id", leg.VenueOrderID).
		With("side", leg.Side).
		With("role", leg.Role).
		With("size", leg.Size).
		With("state", leg.State).
		With("fill_quantity", leg.FillQuantity).
		With("avg_price", leg.AvgPrice).
		With("attempt", leg.Attempt).
		With("reservation_id", leg.ReservationID)
	if leg.Price != nil {
		ev.With("price", *leg.Price)
	}
	if leg.Error != "" {
		ev.With("error", leg.Error)
	}
	ev.TradeID = x.trade.ID
	ev.Venue = leg.Venue
	c.onEvent(ev)
}

// transition переводит сделку и пишет событие
func (c *Coordinator) transition(x *execution, to string) error {
	from := x.trade.State
	if err := transitionPair(x.trade, to); err != nil {
		return err
	}
	ev := models.NewEvent(models.EventPairStateChanged, c.cfg.Instrument).
		With("from", from).
		With("to", to).
		With("hedged_quantity", x.trade.HedgedQuantity)
	ev.TradeID = x.trade.ID
	c.onEvent(ev)
	c.publish(x.trade)
	x.log.Debug("pair state", zap.String("from", from), utils.State(to))
	return nil
}

// release освобождает остаток резерва; закрытый резерв не ошибка
func (c *Coordinator) release(x *execution, r *Reservation) {
	if r == nil {
		return
	}
	if _, err := c.tracker.Release(r.ID); err != nil && !errors.Is(err, ErrReservationClosed) {
		x.log.Error("release reservation", zap.String("reservation_id", r.ID), zap.Error(err))
	}
}

// abort закрывает сделку до исполнения
func (c *Coordinator) abort(x *execution, reason string) *models.PairedTrade {
	x.log.Info("trade aborted", zap.String("reason", reason))
	return c.finish(x, models.PairAborted, reason)
}

// finish переводит сделку в терминальное состояние и пишет PairedTradeClosed
func (c *Coordinator) finish(x *execution, state, reason string) *models.PairedTrade {
	t := x.trade
	if err := c.transition(x, state); err != nil {
		x.log.Error("state machine", zap.Error(err))
		t.State = state
	}
	closed := time.Now()
	t.ClosedAt = &closed
	t.Outcome = OutcomeFor(state)
	t.Reason = reason

	ev := models.NewEvent(models.EventPairedTradeClosed, c.cfg.Instrument).
		With("outcome", t.Outcome).
		With("direction", t.Direction).
		With("decision_spread", t.DecisionSpread).
		With("primary_venue", t.Primary.Venue).
		With("primary_fill", t.Primary.FillQuantity).
		With("primary_avg_price", t.Primary.AvgPrice).
		With("hedged_quantity", t.HedgedQuantity).
		With("hedge_attempts", len(t.HedgeAttempts)).
		With("estimated_pnl", t.EstimatedPnl).
		With("duration_ms", closed.Sub(t.CreatedAt).Milliseconds())
	if reason != "" {
		ev.With("reason", reason)
	}
	if t.Unwind != nil {
		ev.With("unwind_fill", t.Unwind.FillQuantity)
	}
	ev.TradeID = t.ID
	c.onEvent(ev)

	x.log.Info("trade closed",
		utils.Outcome(t.Outcome),
		utils.Size(t.Primary.FillQuantity),
		zap.Float64("hedged", t.HedgedQuantity),
		zap.Float64("pnl", t.EstimatedPnl))
	return t
}

func (c *Coordinator) notifyHedgeFailure(x *execution, f *HedgeFailure) {
	x.log.Error("hedge failed", zap.Float64("unhedged", f.Unhedged), zap.Int("attempts", f.Attempts), zap.Error(f.Err))
	c.onNotify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       models.NotificationTypeHedgeFailed,
		Severity:   models.SeverityCritical,
		Instrument: c.cfg.Instrument,
		TradeID:    &x.trade.ID,
		Message:    f.Error(),
		Meta: map[string]interface{}{
			"unhedged":       f.Unhedged,
			"attempts":       f.Attempts,
			"primary_venue":  x.trade.Primary.Venue,
			"primary_side":   x.trade.Primary.Side,
			"primary_filled": x.trade.Primary.FillQuantity,
		},
	})
}

// cloneTrade - глубокая копия сделки для читателей
func cloneTrade(t *models.PairedTrade) *models.PairedTrade {
	cp := *t
	cp.Primary = cloneLeg(t.Primary)
	cp.Hedge = cloneLeg(t.Hedge)
	cp.Unwind = cloneLeg(t.Unwind)
	if len(t.HedgeAttempts) > 0 {
		cp.HedgeAttempts = make([]*models.ArbitrageOrder, len(t.HedgeAttempts))
		for i, o := range t.HedgeAttempts {
			cp.HedgeAttempts[i] = cloneLeg(o)
		}
	}
	if t.Decision != nil {
		d := *t.Decision
		cp.Decision = &d
	}
	return &cp
}

func cloneLeg(o *models.ArbitrageOrder) *models.ArbitrageOrder {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}
