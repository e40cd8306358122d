package exchange

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

const (
	quoteBuffer = 64
	fillBuffer  = 256
)

type quoteSub struct {
	instrument string
	ch         chan models.Quote
	done       <-chan struct{}
}

type fillSub struct {
	ch   chan models.FillEvent
	done <-chan struct{}
}

// feed раздаёт котировки и исполнения подписчикам коннектора
//
// Котировки: при переполнении буфера старая котировка вытесняется новой,
// читателю важна только последняя. Исполнения не теряются: отправка ждёт
// читателя, пока жива его подписка.
type feed struct {
	venue  string
	log    *utils.Logger
	status statusSink

	mu        sync.RWMutex
	quoteSubs []*quoteSub
	fillSubs  []*fillSub
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
	subsWG    sync.WaitGroup
}

func newFeed(venue string, logger *utils.Logger) *feed {
	if logger == nil {
		logger = utils.L()
	}
	return &feed{
		venue:   venue,
		log:     logger.WithVenue(venue),
		status:  newStatusSink(),
		closeCh: make(chan struct{}),
	}
}

// Name возвращает имя площадки
func (f *feed) Name() string {
	return f.venue
}

// Status - события подключения коннектора
func (f *feed) Status() <-chan ConnectionEvent {
	return f.status
}

// addQuoteSub регистрирует подписчика на котировки инструмента
func (f *feed) addQuoteSub(ctx context.Context, instrument string) (<-chan models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrNotConnected
	}

	sub := &quoteSub{instrument: instrument, ch: make(chan models.Quote, quoteBuffer), done: ctx.Done()}
	f.quoteSubs = append(f.quoteSubs, sub)

	f.subsWG.Add(1)
	go f.dropOnDone(sub.done, func() {
		for i, s := range f.quoteSubs {
			if s == sub {
				f.quoteSubs = append(f.quoteSubs[:i], f.quoteSubs[i+1:]...)
				close(s.ch)
				return
			}
		}
	})
	return sub.ch, nil
}

// addFillSub регистрирует подписчика на исполнения
func (f *feed) addFillSub(ctx context.Context) (<-chan models.FillEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrNotConnected
	}

	sub := &fillSub{ch: make(chan models.FillEvent, fillBuffer), done: ctx.Done()}
	f.fillSubs = append(f.fillSubs, sub)

	f.subsWG.Add(1)
	go f.dropOnDone(sub.done, func() {
		for i, s := range f.fillSubs {
			if s == sub {
				f.fillSubs = append(f.fillSubs[:i], f.fillSubs[i+1:]...)
				close(s.ch)
				return
			}
		}
	})
	return sub.ch, nil
}

// dropOnDone снимает подписку при отмене её контекста
func (f *feed) dropOnDone(done <-chan struct{}, remove func()) {
	defer f.subsWG.Done()
	select {
	case <-done:
	case <-f.closeCh:
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		remove()
	}
}

// hasQuoteSubs - есть ли подписчики на инструмент
func (f *feed) hasQuoteSubs(instrument string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.quoteSubs {
		if s.instrument == instrument {
			return true
		}
	}
	return false
}

// publishQuote отправляет котировку, вытесняя устаревшую при переполнении
func (f *feed) publishQuote(q models.Quote) {
	if !q.Valid() {
		f.log.Debug("invalid quote dropped", utils.Price(q.BestBid), utils.Float64("ask", q.BestAsk))
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, s := range f.quoteSubs {
		if s.instrument != q.Instrument {
			continue
		}
		select {
		case s.ch <- q:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- q:
			default:
			}
		}
	}
}

// publishFill доставляет исполнение каждому живому подписчику
func (f *feed) publishFill(ev models.FillEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, s := range f.fillSubs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-f.closeCh:
			return
		}
	}
	f.log.Debug("fill published",
		utils.OrderID(ev.OrderID),
		zap.Float64("filled", ev.FilledQuantity),
		zap.Bool("terminal", ev.Terminal),
	)
}

// emitStatus переправляет событие соединения
func (f *feed) emitStatus(ev ConnectionEvent) {
	f.status.emit(ev)
}

func (f *feed) isClosed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

// close закрывает все каналы подписчиков
func (f *feed) close() {
	f.closeOnce.Do(func() {
		close(f.closeCh)
		f.subsWG.Wait()

		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed = true
		for _, s := range f.quoteSubs {
			close(s.ch)
		}
		for _, s := range f.fillSubs {
			close(s.ch)
		}
		f.quoteSubs = nil
		f.fillSubs = nil
	})
}
