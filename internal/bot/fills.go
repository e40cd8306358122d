package bot

import (
	"sync"
	"time"

	"crossarb/internal/models"
)

// earlyFillTTL - сколько хранится исполнение ордера, который ещё не зарегистрирован
const earlyFillTTL = 30 * time.Second

type fillKey struct {
	venue   string
	orderID string
}

// fillWatch - последнее известное состояние исполнения одного ордера
//
// Площадка присылает накопленный объём, поэтому достаточно хранить
// максимум; промежуточные события можно терять без потери точности.
type fillWatch struct {
	mu     sync.Mutex
	last   models.FillEvent
	have   bool
	signal chan struct{}

	orphan  bool    // сделка закрыта, ордер не получил терминального события
	settled float64 // объём, учтённый в сделке
}

func newFillWatch() *fillWatch {
	return &fillWatch{signal: make(chan struct{}, 1)}
}

// push объединяет событие с известным состоянием и будит ожидающего.
// Никогда не блокирует.
func (w *fillWatch) push(ev models.FillEvent) {
	w.mu.Lock()
	w.last = mergeFill(w.last, ev, w.have)
	w.have = true
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *fillWatch) latest() (models.FillEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.have
}

// mergeFill - объём не убывает, терминальность не снимается
func mergeFill(prev, ev models.FillEvent, have bool) models.FillEvent {
	if !have {
		return ev
	}
	out := prev
	if ev.FilledQuantity > prev.FilledQuantity {
		out.FilledQuantity = ev.FilledQuantity
		out.AvgPrice = ev.AvgPrice
	}
	if ev.Terminal {
		out.Terminal = true
		out.Cancelled = ev.Cancelled || prev.Cancelled
	}
	if ev.Timestamp.After(out.Timestamp) {
		out.Timestamp = ev.Timestamp
	}
	return out
}

type earlyFill struct {
	ev       models.FillEvent
	received time.Time
}

// fillRouter раскладывает исполнения по ожидающим ордерам.
// Исполнение, пришедшее раньше, чем PlaceOrder вернул id, буферизуется.
type fillRouter struct {
	mu      sync.Mutex
	watches map[fillKey]*fillWatch
	early   map[fillKey]earlyFill
	now     func() time.Time
}

func newFillRouter() *fillRouter {
	return &fillRouter{
		watches: make(map[fillKey]*fillWatch),
		early:   make(map[fillKey]earlyFill),
		now:     time.Now,
	}
}

// register создаёт наблюдение за ордером и применяет буферизованное исполнение
func (r *fillRouter) register(venue, orderID string) *fillWatch {
	key := fillKey{venue, orderID}
	r.mu.Lock()
	w, ok := r.watches[key]
	if !ok {
		w = newFillWatch()
		r.watches[key] = w
	}
	e, buffered := r.early[key]
	delete(r.early, key)
	r.mu.Unlock()

	if buffered {
		w.push(e.ev)
	}
	return w
}

// route доставляет исполнение. Возвращает наблюдение (nil если ордер
// неизвестен и событие буферизовано).
func (r *fillRouter) route(ev models.FillEvent) *fillWatch {
	key := fillKey{ev.Venue, ev.OrderID}
	now := r.now()

	r.mu.Lock()
	w, ok := r.watches[key]
	if !ok {
		prev, had := r.early[key]
		r.early[key] = earlyFill{ev: mergeFill(prev.ev, ev, had), received: now}
		for k, e := range r.early {
			if now.Sub(e.received) > earlyFillTTL {
				delete(r.early, k)
			}
		}
	}
	r.mu.Unlock()

	if ok {
		w.push(ev)
		return w
	}
	return nil
}

// release снимает наблюдение; не терминальный ордер остаётся сиротой
// с учтённым объёмом settled
func (r *fillRouter) release(venue, orderID string, terminal bool, settled float64) {
	key := fillKey{venue, orderID}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[key]
	if !ok {
		return
	}
	if terminal {
		delete(r.watches, key)
		return
	}
	w.mu.Lock()
	w.orphan = true
	w.settled = settled
	w.mu.Unlock()
}

// drop удаляет наблюдение безусловно
func (r *fillRouter) drop(venue, orderID string) {
	r.mu.Lock()
	delete(r.watches, fillKey{venue, orderID})
	r.mu.Unlock()
}

func (r *fillRouter) pending() (watches, early int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches), len(r.early)
}
