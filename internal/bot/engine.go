package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

// EventLogger - получатель структурированных событий журнала
//
// Реализуется internal/service (JournalService). Вызывается из отдельной
// горутины движка; медленный журнал не тормозит принятие решений.
type EventLogger interface {
	LogEvent(ev *models.Event)
}

// Notifier - получатель уведомлений оператору
type Notifier interface {
	Notify(n *models.Notification)
}

// TradeJournal - архив закрытых сделок; вызов не должен блокировать
type TradeJournal interface {
	RecordTrade(trade *models.PairedTrade)
}

// WebSocketHub - интерфейс для отправки данных клиентам
//
// Реализуется пакетом internal/websocket/Hub
// Используется для real-time обновления UI:
// - status: состояние движка каждую секунду
// - trade: закрытые сделки
// - notification: уведомления оператору
// - stats: статистика после каждой сделки
type WebSocketHub interface {
	BroadcastStatus(status *models.EngineStatus)
	BroadcastTrade(trade *models.PairedTrade)
	BroadcastNotification(n *models.Notification)
	BroadcastStats(stats *models.Stats)
}

// Options - внешние зависимости движка; любая может быть nil
type Options struct {
	EventLogger EventLogger
	Notifier    Notifier
	Journal     TradeJournal
	Hub         WebSocketHub
	Logger      *utils.Logger
}

const (
	ingestBuffer   = 4096
	statusInterval = time.Second
	watchdogPeriod = 250 * time.Millisecond

	balanceInterval = 30 * time.Second
	balanceTimeout  = 5 * time.Second
)

type ingestKind uint8

const (
	ingestQuote ingestKind = iota
	ingestFill
	ingestStatus
)

// ingestItem - одно входящее событие площадки
type ingestItem struct {
	kind   ingestKind
	venue  string
	quote  models.Quote
	fill   models.FillEvent
	status exchange.ConnectionEvent
}

// disconnect - потерянный канал площадки
type disconnect struct {
	since   time.Time
	alerted bool // CRITICAL уже отправлен
}

// Engine - движок межбиржевого арбитража одного инструмента
//
// Функции:
// - Приём котировок, исполнений и событий подключения обеих площадок
// - Оценка спреда по таймеру или на каждое обновление котировки
// - Не более одной парной сделки одновременно
// - Пауза при потере связи, остановка после hedge_failed
// - Периодическая сверка позиций
//
// Архитектура:
// - Продюсеры (по одному на площадку) пишут в общий канал ingest
// - Единственный потребитель применяет котировки и исполнения и вызывает оценщик
// - Сделка исполняется в своей горутине, потребитель не блокируется
// - Журнал и уведомления отдаются через буферизованные каналы
//
// Поток данных:
// WebSocket → Connector → ingest → MarketAggregator → Evaluate → Coordinator
type Engine struct {
	cfg    config.EngineConfig
	venueA exchange.Connector
	venueB exchange.Connector

	market  *MarketAggregator
	tracker *PositionTracker
	coord   *Coordinator
	recon   *Reconciler
	stats   *StatsCollector
	params  EvalParams
	log     *utils.Logger

	eventLogger EventLogger
	notifier    Notifier
	journal     TradeJournal
	wsHub       WebSocketHub

	ingest chan ingestItem
	events chan *models.Event
	notifs chan *models.Notification

	// sendMu защищает закрытие events/notifs от параллельной отправки
	sendMu sync.RWMutex
	closed bool

	inFlight atomic.Bool
	running  atomic.Bool
	stopping atomic.Bool

	mu            sync.RWMutex
	halted        bool
	haltReason    string
	unresolved    []string // сделки hedge_failed с открытым остатком резерва
	disconnected  map[string]*disconnect
	cooldownUntil time.Time
	lastSnap      SpreadSnapshot
	lastQuoteLog  time.Time
	balances      map[string]float64 // последний успешный запрос по площадке

	runWG  sync.WaitGroup // продюсеры и сверка
	execWG sync.WaitGroup // сделка в работе; Add только из потребителя
	sinkWG sync.WaitGroup // журнал и уведомления
}

// NewEngine создаёт движок для пары площадок A и B
func NewEngine(cfg config.EngineConfig, venueA, venueB exchange.Connector, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = utils.L()
	}
	logger = logger.WithComponent("engine").WithInstrument(cfg.Instrument)

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 256
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = time.Second
	}

	tracker := NewPositionTracker(cfg.MaxPosition, venueA.Name(), venueB.Name())
	e := &Engine{
		cfg:          cfg,
		venueA:       venueA,
		venueB:       venueB,
		market:       NewMarketAggregator(venueA.Name(), venueB.Name(), cfg.Instrument, cfg.MaxQuoteStaleness),
		tracker:      tracker,
		coord:        NewCoordinator(CoordinatorConfigFrom(cfg), venueA, venueB, tracker, logger),
		stats:        NewStatsCollector(),
		params:       ParamsFromConfig(cfg, venueA.Name(), venueB.Name()),
		log:          logger,
		eventLogger:  opts.EventLogger,
		notifier:     opts.Notifier,
		journal:      opts.Journal,
		wsHub:        opts.Hub,
		ingest:       make(chan ingestItem, ingestBuffer),
		events:       make(chan *models.Event, cfg.EventBuffer),
		notifs:       make(chan *models.Notification, cfg.NotifyBuffer),
		disconnected: make(map[string]*disconnect),
		balances:     make(map[string]float64),
	}
	e.coord.SetCallbacks(e.emit, e.notify)

	e.recon = NewReconciler(tracker, cfg.Instrument, cfg.ReconcileInterval, logger, venueA, venueB)
	e.recon.SetCallbacks(e.inFlight.Load, e.onDrift)
	return e
}

// Market возвращает агрегатор котировок
func (e *Engine) Market() *MarketAggregator { return e.market }

// Tracker возвращает трекер позиций
func (e *Engine) Tracker() *PositionTracker { return e.tracker }

// Stats возвращает сборщик статистики
func (e *Engine) Stats() *StatsCollector { return e.stats }

// ============ Жизненный цикл ============

// Run подключает площадки, запускает обработку и блокируется до отмены ctx.
// После отмены дожидается завершения сделки в работе.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.running.Store(false)
	e.stopping.Store(false)

	e.sinkWG.Add(2)
	go e.eventLoop()
	go e.notifyLoop()
	defer e.closeSinks()

	// площадки и потребитель живут до разбора сделки в работе
	ioCtx, ioCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer ioCancel()

	for _, v := range []exchange.Connector{e.venueA, e.venueB} {
		if err := e.startVenue(ioCtx, v); err != nil {
			ioCancel()
			e.runWG.Wait()
			return fmt.Errorf("start %s: %w", v.Name(), err)
		}
	}

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		e.consume(ctx, ioCtx)
	}()
	e.runWG.Add(2)
	go func() {
		defer e.runWG.Done()
		e.recon.Run(ctx)
	}()
	e.refreshBalances(ctx)
	go func() {
		defer e.runWG.Done()
		e.balanceLoop(ctx)
	}()

	e.log.Info("engine started",
		zap.String("venue_a", e.venueA.Name()),
		zap.String("venue_b", e.venueB.Name()),
		zap.String("mode", e.cfg.EvaluationMode),
		zap.Float64("order_size", e.cfg.OrderSize),
		zap.Float64("max_position", e.cfg.MaxPosition))
	e.notify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       models.NotificationTypeStartup,
		Severity:   models.SeverityInfo,
		Instrument: e.cfg.Instrument,
		Message:    fmt.Sprintf("engine started: %s vs %s", e.venueA.Name(), e.venueB.Name()),
		Meta:       e.balanceMeta(),
	})

	<-consumed
	ioCancel()
	e.runWG.Wait()

	e.log.Info("engine stopped", zap.Int("open_reservations", e.tracker.OpenReservations()))
	return nil
}

// startVenue подключает площадку и запускает её продюсер
func (e *Engine) startVenue(ctx context.Context, v exchange.Connector) error {
	if err := v.Connect(ctx); err != nil {
		return err
	}
	quotes, err := v.SubscribeQuotes(ctx, e.cfg.Instrument)
	if err != nil {
		return fmt.Errorf("subscribe quotes: %w", err)
	}
	fills, err := v.SubscribeFills(ctx)
	if err != nil {
		return fmt.Errorf("subscribe fills: %w", err)
	}
	UpdateVenueStatus(v.Name(), v.Connected())

	e.runWG.Add(1)
	go e.produce(ctx, v.Name(), quotes, fills, v.Status())
	return nil
}

// balanceLoop периодически обновляет балансы площадок
func (e *Engine) balanceLoop(ctx context.Context) {
	ticker := time.NewTicker(balanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshBalances(ctx)
		}
	}
}

// refreshBalances запрашивает балансы; при ошибке остаётся прежнее значение
func (e *Engine) refreshBalances(ctx context.Context) {
	for _, v := range []exchange.Connector{e.venueA, e.venueB} {
		reqCtx, cancel := context.WithTimeout(ctx, balanceTimeout)
		bal, err := v.GetBalance(reqCtx)
		cancel()
		if err != nil {
			e.log.Warn("balance request failed", utils.Venue(v.Name()), zap.Error(err))
			continue
		}
		VenueBalance.WithLabelValues(v.Name()).Set(bal)
		e.mu.Lock()
		e.balances[v.Name()] = bal
		e.mu.Unlock()
	}
}

// Balances возвращает копию последних известных балансов
func (e *Engine) Balances() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out
}

func (e *Engine) balanceMeta() map[string]interface{} {
	bals := e.Balances()
	if len(bals) == 0 {
		return nil
	}
	meta := make(map[string]interface{}, len(bals))
	for k, v := range bals {
		meta["balance_"+k] = v
	}
	return meta
}

// produce перекладывает события одной площадки в общий канал.
// Котировки при переполнении отбрасываются, исполнения и статусы - никогда.
func (e *Engine) produce(ctx context.Context, venue string, quotes <-chan models.Quote, fills <-chan models.FillEvent, status <-chan exchange.ConnectionEvent) {
	defer e.runWG.Done()

	for quotes != nil || fills != nil {
		select {
		case <-ctx.Done():
			return

		case q, ok := <-quotes:
			if !ok {
				quotes = nil
				continue
			}
			select {
			case e.ingest <- ingestItem{kind: ingestQuote, venue: venue, quote: q}:
			default:
				RecordBufferOverflow("ingest")
				RecordBufferBacklog("ingest", cap(e.ingest), len(e.ingest))
			}

		case f, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			if !e.put(ctx, ingestItem{kind: ingestFill, venue: venue, fill: f}) {
				return
			}

		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if !e.put(ctx, ingestItem{kind: ingestStatus, venue: venue, status: s}) {
				return
			}
		}
	}
}

func (e *Engine) put(ctx context.Context, it ingestItem) bool {
	select {
	case e.ingest <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// consume - единственный потребитель входящих событий.
// После отмены ctx новые решения не принимаются; выход после завершения
// сделки в работе, исполнения которой продолжают маршрутизироваться.
func (e *Engine) consume(ctx, ioCtx context.Context) {
	eventMode := e.cfg.EvaluationMode == config.EvaluationEvent

	evalTicker := time.NewTicker(e.cfg.EvaluationInterval)
	defer evalTicker.Stop()
	watchdog := time.NewTicker(watchdogPeriod)
	defer watchdog.Stop()
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	stop := ctx.Done()
	var drained chan struct{}

	for {
		select {
		case <-stop:
			stop = nil
			e.stopping.Store(true)
			e.log.Info("engine stopping", zap.Bool("in_flight", e.inFlight.Load()))
			drained = make(chan struct{})
			go func(done chan struct{}) {
				e.execWG.Wait()
				close(done)
			}(drained)

		case <-drained:
			return

		case <-ioCtx.Done():
			return

		case it := <-e.ingest:
			switch it.kind {
			case ingestQuote:
				start := time.Now()
				applied := e.market.Update(it.venue, it.quote)
				RecordQuoteUpdate(it.venue, float64(time.Since(start).Microseconds())/1000)
				if applied && eventMode {
					e.evaluate(ctx, time.Now())
				}
			case ingestFill:
				EventsProcessed.WithLabelValues("fill").Inc()
				e.coord.OnFill(it.fill)
			case ingestStatus:
				EventsProcessed.WithLabelValues("status").Inc()
				e.handleStatus(it.status)
			}

		case now := <-evalTicker.C:
			if !eventMode {
				e.evaluate(ctx, now)
			}

		case now := <-watchdog.C:
			e.checkDisconnects(now)

		case <-statusTicker.C:
			if e.wsHub != nil {
				e.wsHub.BroadcastStatus(e.Status())
			}
		}
	}
}

// ============ Принятие решений ============

// evaluate - одна оценка спреда; при решении запускает сделку
func (e *Engine) evaluate(ctx context.Context, now time.Time) {
	if reason, ok := e.blocked(now); ok {
		RecordNoDecision(reason)
		return
	}

	start := time.Now()
	state := e.market.Current(now)
	positions := e.tracker.Snapshot()
	d, snap := Evaluate(state, positions, e.params)
	EvaluationLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)

	RecordSpreads(snap.LongSpread, snap.ShortSpread)
	e.mu.Lock()
	e.lastSnap = snap
	logSnapshot := d != nil || now.Sub(e.lastQuoteLog) >= e.cfg.EvaluationInterval
	if logSnapshot {
		e.lastQuoteLog = now
	}
	e.mu.Unlock()

	if logSnapshot {
		e.emit(quoteSnapshotEvent(e.cfg.Instrument, state, positions, snap))
	}

	if d == nil {
		RecordNoDecision(snap.Reason)
		return
	}

	if !e.inFlight.CompareAndSwap(false, true) {
		RecordNoDecision("in_flight")
		return
	}
	SetInFlight(true)
	e.stats.RecordDecision()
	e.emit(decisionEvent(d, state, positions))

	e.log.Info("decision",
		zap.String("direction", d.Direction),
		zap.String("buy", d.VenueBuy),
		zap.String("sell", d.VenueSell),
		utils.Spread(d.Spread),
		utils.Size(d.Size))

	e.execWG.Add(1)
	go e.execute(ctx, d)
}

// blocked возвращает причину, по которой оценка не выполняется
func (e *Engine) blocked(now time.Time) (string, bool) {
	if e.stopping.Load() {
		return "stopping", true
	}
	if e.inFlight.Load() {
		return "in_flight", true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.halted:
		return "halted", true
	case len(e.disconnected) > 0 || !e.venueA.Connected() || !e.venueB.Connected():
		return "paused", true
	case now.Before(e.cooldownUntil):
		return "cooldown", true
	}
	return "", false
}

// execute проводит сделку до исхода и освобождает слот
func (e *Engine) execute(ctx context.Context, d *models.Decision) {
	defer e.execWG.Done()
	defer func() {
		e.mu.Lock()
		e.cooldownUntil = time.Now().Add(e.cfg.TradeCooldown)
		e.mu.Unlock()
		e.inFlight.Store(false)
		SetInFlight(false)
	}()

	trade, err := e.coord.Execute(ctx, d)
	if trade == nil {
		return
	}

	total := e.stats.RecordTrade(trade)
	RecordTrade(trade.Instrument, trade.Outcome, total)
	if e.journal != nil {
		e.journal.RecordTrade(trade)
	}

	if trade.Outcome != models.OutcomeAbortedPreTrade {
		e.notifyTrade(trade)
	}
	if e.wsHub != nil {
		e.wsHub.BroadcastTrade(trade)
		st := e.stats.Snapshot()
		e.wsHub.BroadcastStats(&st)
	}

	var hf *HedgeFailure
	if errors.As(err, &hf) {
		e.mu.Lock()
		e.unresolved = append(e.unresolved, trade.ID)
		e.mu.Unlock()
		if e.cfg.HaltOnHedgeFailure {
			e.Halt(fmt.Sprintf("hedge failed: trade %s, unhedged %v", trade.ID, hf.Unhedged))
		}
	}
}

func (e *Engine) notifyTrade(t *models.PairedTrade) {
	id := t.ID
	e.notify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       models.NotificationTypeTrade,
		Severity:   models.SeverityInfo,
		Instrument: t.Instrument,
		TradeID:    &id,
		Message: fmt.Sprintf("%s %s: spread %s, hedged %v, pnl %s",
			t.Direction, t.Outcome, utils.FormatPrice(t.DecisionSpread), t.HedgedQuantity, utils.FormatPrice(t.EstimatedPnl)),
		Meta: map[string]interface{}{
			"outcome":         t.Outcome,
			"hedged_quantity": t.HedgedQuantity,
			"estimated_pnl":   t.EstimatedPnl,
		},
	})
}

// ============ Остановка ============

// Halt останавливает принятие новых решений до ClearHalt
func (e *Engine) Halt(reason string) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	e.halted = true
	e.haltReason = reason
	e.mu.Unlock()
	SetHalted(true)

	e.log.Warn("decisioning halted", zap.String("reason", reason))
	e.emit(models.NewEvent(models.EventDecisioningHalted, e.cfg.Instrument).With("reason", reason))
	e.notify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       models.NotificationTypeHalt,
		Severity:   models.SeverityError,
		Instrument: e.cfg.Instrument,
		Message:    "decisioning halted: " + reason,
	})
}

// ClearHalt снимает остановку и освобождает остатки резервов сделок
// hedge_failed: оператор подтверждает, что экспозиция учтена.
// Возвращает число освобождённых резервов.
func (e *Engine) ClearHalt() int {
	e.mu.Lock()
	wasHalted := e.halted
	trades := e.unresolved
	e.halted = false
	e.haltReason = ""
	e.unresolved = nil
	e.mu.Unlock()
	SetHalted(false)

	released := 0
	for _, id := range trades {
		released += e.tracker.ReleaseTrade(id)
	}
	if !wasHalted && released == 0 {
		return 0
	}

	e.log.Info("decisioning resumed", zap.Int("released", released), zap.Strings("trades", trades))
	e.emit(models.NewEvent(models.EventDecisioningResumed, e.cfg.Instrument).
		With("released_reservations", released).
		With("trades", trades))
	e.notify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       models.NotificationTypeResume,
		Severity:   models.SeverityInfo,
		Instrument: e.cfg.Instrument,
		Message:    fmt.Sprintf("decisioning resumed, %d reservations released", released),
	})
	return released
}

// IsHalted возвращает признак остановки и причину
func (e *Engine) IsHalted() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted, e.haltReason
}

// ============ Подключение ============

func disconnectKey(venue, channel string) string {
	return venue + "/" + channel
}

// handleStatus обрабатывает событие подключения площадки
func (e *Engine) handleStatus(ev exchange.ConnectionEvent) {
	key := disconnectKey(ev.Venue, ev.Channel)

	if ev.Attempt > 0 && !ev.Connected {
		ReconnectAttempts.WithLabelValues(ev.Venue, ev.Channel).Inc()
		rec := models.NewEvent(models.EventReconnectAttempt, e.cfg.Instrument).
			With("channel", ev.Channel).
			With("attempt", ev.Attempt).
			With("delay_ms", ev.Delay.Milliseconds())
		rec.Venue = ev.Venue
		if ev.Err != nil {
			rec.With("error", ev.Err.Error())
		}
		e.emit(rec)
	}

	e.mu.Lock()
	d, wasDown := e.disconnected[key]
	switch {
	case !ev.Connected && !wasDown:
		since := ev.Timestamp
		if since.IsZero() {
			since = time.Now()
		}
		e.disconnected[key] = &disconnect{since: since}
	case ev.Connected && wasDown:
		delete(e.disconnected, key)
	}
	e.mu.Unlock()

	UpdateVenueStatus(ev.Venue, ev.Connected)

	if !ev.Connected && !wasDown {
		e.log.Warn("venue disconnected, decisioning paused",
			utils.Venue(ev.Venue), zap.String("channel", ev.Channel), zap.Error(ev.Err))
	}
	if ev.Connected && wasDown {
		e.log.Info("venue reconnected",
			utils.Venue(ev.Venue), zap.String("channel", ev.Channel),
			zap.Duration("downtime", time.Since(d.since)))
		if d.alerted {
			e.notify(&models.Notification{
				Timestamp:  time.Now(),
				Type:       models.NotificationTypeReconnect,
				Severity:   models.SeverityInfo,
				Instrument: e.cfg.Instrument,
				Message:    fmt.Sprintf("%s %s reconnected after %s", ev.Venue, ev.Channel, utils.FormatDuration(time.Since(d.since))),
			})
		}
	}
}

// checkDisconnects отправляет CRITICAL для соединений, потерянных дольше grace
func (e *Engine) checkDisconnects(now time.Time) {
	var expired []string
	e.mu.Lock()
	for key, d := range e.disconnected {
		if !d.alerted && now.Sub(d.since) >= e.cfg.DisconnectGrace {
			d.alerted = true
			expired = append(expired, key)
		}
	}
	e.mu.Unlock()

	sort.Strings(expired)
	for _, key := range expired {
		e.notify(&models.Notification{
			Timestamp:  now,
			Type:       models.NotificationTypeDisconnect,
			Severity:   models.SeverityCritical,
			Instrument: e.cfg.Instrument,
			Message:    fmt.Sprintf("%s disconnected longer than %s", key, utils.FormatDuration(e.cfg.DisconnectGrace)),
		})
	}
}

// ============ Сверка ============

func (e *Engine) onDrift(d Drift) {
	ev := models.NewEvent(models.EventPositionDrift, e.cfg.Instrument).
		With("tracker", d.Tracker).
		With("reported", d.Reported).
		With("diff", d.Diff)
	ev.Venue = d.Venue
	e.emit(ev)
	e.notify(&models.Notification{
		Timestamp:  time.Now(),
		Type:       models.NotificationTypePositionDrift,
		Severity:   models.SeverityWarn,
		Instrument: e.cfg.Instrument,
		Message:    fmt.Sprintf("%s: tracker %v, venue %v", d.Venue, d.Tracker, d.Reported),
		Meta: map[string]interface{}{
			"venue":    d.Venue,
			"tracker":  d.Tracker,
			"reported": d.Reported,
			"diff":     d.Diff,
		},
	})
}

// Reconcile выполняет сверку немедленно
func (e *Engine) Reconcile(ctx context.Context) []Drift {
	return e.recon.RunOnce(ctx)
}

// ============ Журнал и уведомления ============

// emit ставит событие в очередь журнала, не блокируя
func (e *Engine) emit(ev *models.Event) {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return
	}
	tryEnqueueEvent(e.events, ev)
}

// notify ставит уведомление в очередь, не блокируя
func (e *Engine) notify(n *models.Notification) {
	if n.Instrument == "" {
		n.Instrument = e.cfg.Instrument
	}
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return
	}
	tryEnqueueNotification(e.notifs, n)
}

func (e *Engine) eventLoop() {
	defer e.sinkWG.Done()
	for ev := range e.events {
		EventsProcessed.WithLabelValues(ev.Type).Inc()
		if e.eventLogger != nil {
			e.eventLogger.LogEvent(ev)
		}
	}
}

func (e *Engine) notifyLoop() {
	defer e.sinkWG.Done()
	for n := range e.notifs {
		if e.notifier != nil {
			e.notifier.Notify(n)
		}
		if e.wsHub != nil {
			e.wsHub.BroadcastNotification(n)
		}
	}
}

// closeSinks закрывает очереди и дожидается их разбора
func (e *Engine) closeSinks() {
	e.sendMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
		close(e.notifs)
	}
	e.sendMu.Unlock()
	e.sinkWG.Wait()
}

// ============ Состояние ============

// Status возвращает агрегированное состояние движка
func (e *Engine) Status() *models.EngineStatus {
	now := time.Now()
	st := &models.EngineStatus{
		Instrument: e.cfg.Instrument,
		Running:    e.running.Load(),
		Market:     e.market.Current(now),
		Positions:  e.tracker.Snapshot(),
		InFlight:   e.coord.Active(),
		Connectors: map[string]bool{
			e.venueA.Name(): e.venueA.Connected(),
			e.venueB.Name(): e.venueB.Connected(),
		},
		Stats:    e.stats.Snapshot(),
		Balances: e.Balances(),
	}

	e.mu.RLock()
	st.Halted = e.halted
	st.HaltReason = e.haltReason
	st.LastSpreadLong = e.lastSnap.LongSpread
	st.LastSpreadShort = e.lastSnap.ShortSpread
	keys := make([]string, 0, len(e.disconnected))
	for k := range e.disconnected {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	if len(keys) > 0 {
		sort.Strings(keys)
		st.Paused = true
		st.PauseReason = fmt.Sprintf("disconnected: %v", keys)
	} else if !e.venueA.Connected() || !e.venueB.Connected() {
		st.Paused = true
		st.PauseReason = "venue not connected"
	}
	return st
}

// ============ Поля событий ============

func quoteFields(ev *models.Event, prefix string, q *models.Quote, now time.Time) {
	if q == nil {
		ev.With(prefix+"_present", false)
		return
	}
	ev.With(prefix+"_bid", q.BestBid).
		With(prefix+"_ask", q.BestAsk).
		With(prefix+"_age_ms", utils.Age(q.ReceivedAt, now).Milliseconds())
}

func positionFields(ev *models.Event, p *models.PositionSnapshot) {
	nets := make(map[string]float64, len(p.Venues))
	for name, pos := range p.Venues {
		nets[name] = pos.NetQuantity
	}
	ev.With("positions", nets).
		With("aggregate", p.Aggregate).
		With("max_position", p.MaxPosition)
}

func quoteSnapshotEvent(instrument string, state *models.MarketState, positions *models.PositionSnapshot, snap SpreadSnapshot) *models.Event {
	ev := models.NewEvent(models.EventQuoteSnapshot, instrument)
	quoteFields(ev, "a", state.QuoteA, state.EvaluatedAt)
	quoteFields(ev, "b", state.QuoteB, state.EvaluatedAt)
	ev.With("fresh", snap.Fresh).
		With("long_spread", snap.LongSpread).
		With("short_spread", snap.ShortSpread).
		With("long_threshold", snap.LongThreshold).
		With("short_threshold", snap.ShortThreshold)
	if snap.Reason != "" {
		ev.With("reason", snap.Reason)
	}
	positionFields(ev, positions)
	return ev
}

func decisionEvent(d *models.Decision, state *models.MarketState, positions *models.PositionSnapshot) *models.Event {
	ev := models.NewEvent(models.EventDecisionMade, d.Instrument).
		With("direction", d.Direction).
		With("venue_buy", d.VenueBuy).
		With("venue_sell", d.VenueSell).
		With("buy_price", d.BuyPrice).
		With("sell_price", d.SellPrice).
		With("size", d.Size).
		With("spread", d.Spread).
		With("threshold", d.Threshold)
	quoteFields(ev, "a", state.QuoteA, state.EvaluatedAt)
	quoteFields(ev, "b", state.QuoteB, state.EvaluatedAt)
	positionFields(ev, positions)
	return ev
}
