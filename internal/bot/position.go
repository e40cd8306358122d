package bot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/models"
)

// Reservation - предварительная заявка на лимит позиции
//
// Открыта, пока не исполнена полностью или не освобождена.
// Поля после создания меняются только под блокировкой площадки.
type Reservation struct {
	ID        string
	Venue     string
	TradeID   string
	Quantity  float64 // запрошенный объём со знаком
	CreatedAt time.Time

	requested decimal.Decimal
	committed decimal.Decimal
	closed    bool
}

// remaining - неисполненный остаток со знаком
func (r *Reservation) remaining() decimal.Decimal {
	return r.requested.Sub(r.committed)
}

// venueBook - позиция и открытые резервы одной площадки
type venueBook struct {
	mu            sync.Mutex
	committed     decimal.Decimal
	reservedLong  decimal.Decimal // сумма открытых остатков > 0
	reservedShort decimal.Decimal // сумма открытых остатков < 0
	realized      int
	open          map[string]*Reservation
}

// PositionTracker - единственный владелец подтверждённой позиции
//
// Функции:
// - Reserve: проверка лимита до отправки ордера, позицию не меняет
// - Commit: применение подтверждённого исполнения к позиции
// - Release: освобождение неисполненного остатка
//
// Инвариант в момент выдачи резерва, для площадки и суммарно, в худшем
// случае по каждой стороне: |committed + открытые резервы той же стороны| <= max.
// Операции над одной площадкой сериализуются её мьютексом; проверка
// суммарной позиции блокирует все площадки в фиксированном порядке.
type PositionTracker struct {
	max   decimal.Decimal
	books map[string]*venueBook
	order []string // порядок блокировок
	mu    sync.RWMutex
	byID  map[string]*Reservation
	nowFn func() time.Time

	// недавно закрытые резервы: повторный Release/Commit даёт ErrReservationClosed
	closedIDs  map[string]struct{}
	closedRing []string
	closedPos  int
}

const closedHistory = 4096

// NewPositionTracker создаёт трекер для фиксированного набора площадок
func NewPositionTracker(maxPosition float64, venues ...string) *PositionTracker {
	t := &PositionTracker{
		max:   decimal.NewFromFloat(maxPosition),
		books: make(map[string]*venueBook, len(venues)),
		byID:  make(map[string]*Reservation),
		nowFn: time.Now,

		closedIDs:  make(map[string]struct{}, closedHistory),
		closedRing: make([]string, 0, closedHistory),
	}
	for _, v := range venues {
		if _, ok := t.books[v]; ok {
			continue
		}
		t.books[v] = &venueBook{open: make(map[string]*Reservation)}
		t.order = append(t.order, v)
	}
	sort.Strings(t.order)
	return t
}

// lockAll блокирует все площадки в фиксированном порядке
func (t *PositionTracker) lockAll() func() {
	for _, v := range t.order {
		t.books[v].mu.Lock()
	}
	return func() {
		for i := len(t.order) - 1; i >= 0; i-- {
			t.books[t.order[i]].mu.Unlock()
		}
	}
}

// Reserve выдаёт резерв под ордер, если его полное исполнение
// не выводит позицию за лимит. Подтверждённую позицию не меняет.
func (t *PositionTracker) Reserve(venue, tradeID string, signedQty float64) (*Reservation, error) {
	book, ok := t.books[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}
	qty := decimal.NewFromFloat(signedQty)
	if qty.IsZero() {
		return nil, fmt.Errorf("%w: zero reservation", ErrInvalidQuantity)
	}

	unlock := t.lockAll()
	defer unlock()

	var aggCommitted, aggSide decimal.Decimal
	for _, b := range t.books {
		aggCommitted = aggCommitted.Add(b.committed)
		if qty.IsPositive() {
			aggSide = aggSide.Add(b.reservedLong)
		} else {
			aggSide = aggSide.Add(b.reservedShort)
		}
	}

	venueSide := book.reservedShort
	if qty.IsPositive() {
		venueSide = book.reservedLong
	}
	worstVenue := book.committed.Add(venueSide).Add(qty)
	worstAgg := aggCommitted.Add(aggSide).Add(qty)

	if worstVenue.Abs().GreaterThan(t.max) {
		return nil, fmt.Errorf("%w: %s worst case %s exceeds %s",
			ErrPositionLimitExceeded, venue, worstVenue.String(), t.max.String())
	}
	if worstAgg.Abs().GreaterThan(t.max) {
		return nil, fmt.Errorf("%w: aggregate worst case %s exceeds %s",
			ErrPositionLimitExceeded, worstAgg.String(), t.max.String())
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		Venue:     venue,
		TradeID:   tradeID,
		Quantity:  signedQty,
		CreatedAt: t.nowFn(),
		requested: qty,
	}
	book.open[r.ID] = r
	book.addReserved(qty)

	t.mu.Lock()
	t.byID[r.ID] = r
	t.mu.Unlock()

	return r, nil
}

func (b *venueBook) addReserved(q decimal.Decimal) {
	if q.IsPositive() {
		b.reservedLong = b.reservedLong.Add(q)
	} else {
		b.reservedShort = b.reservedShort.Add(q)
	}
}

// unreserve снимает объём со стороны резерва r; amount имеет знак резерва
func (b *venueBook) unreserve(r *Reservation, amount decimal.Decimal) {
	if r.requested.IsPositive() {
		b.reservedLong = b.reservedLong.Sub(amount)
	} else {
		b.reservedShort = b.reservedShort.Sub(amount)
	}
}

func (t *PositionTracker) lookup(reservationID string) (*Reservation, *venueBook, error) {
	t.mu.RLock()
	r, ok := t.byID[reservationID]
	_, wasClosed := t.closedIDs[reservationID]
	t.mu.RUnlock()
	if !ok {
		if wasClosed {
			return nil, nil, fmt.Errorf("%w: %s", ErrReservationClosed, reservationID)
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	return r, t.books[r.Venue], nil
}

// Commit применяет подтверждённое исполнение к позиции.
// Объём должен иметь знак резерва и не превышать его открытый остаток.
// Полностью исполненный резерв закрывается.
func (t *PositionTracker) Commit(reservationID string, signedQty float64) error {
	r, book, err := t.lookup(reservationID)
	if err != nil {
		return err
	}
	qty := decimal.NewFromFloat(signedQty)

	book.mu.Lock()
	defer book.mu.Unlock()

	if r.closed {
		return fmt.Errorf("%w: %s", ErrReservationClosed, reservationID)
	}
	if qty.IsZero() || qty.Sign() != r.requested.Sign() {
		return fmt.Errorf("%w: commit %s against reservation %s", ErrInvalidQuantity, qty.String(), r.requested.String())
	}
	rem := r.remaining()
	if qty.Abs().GreaterThan(rem.Abs()) {
		return fmt.Errorf("%w: commit %s exceeds open remainder %s", ErrInvalidQuantity, qty.String(), rem.String())
	}

	r.committed = r.committed.Add(qty)
	book.committed = book.committed.Add(qty)
	book.unreserve(r, qty)
	book.realized++

	if r.remaining().IsZero() {
		t.closeLocked(book, r)
	}
	return nil
}

// Release освобождает неисполненный остаток резерва.
// Возвращает освобождённый объём со знаком.
func (t *PositionTracker) Release(reservationID string) (float64, error) {
	r, book, err := t.lookup(reservationID)
	if err != nil {
		return 0, err
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("%w: %s", ErrReservationClosed, reservationID)
	}
	rem := r.remaining()
	book.unreserve(r, rem)
	t.closeLocked(book, r)
	return rem.InexactFloat64(), nil
}

// closeLocked закрывает резерв; вызывается под блокировкой площадки
func (t *PositionTracker) closeLocked(book *venueBook, r *Reservation) {
	r.closed = true
	delete(book.open, r.ID)
	t.mu.Lock()
	delete(t.byID, r.ID)
	if len(t.closedRing) < closedHistory {
		t.closedRing = append(t.closedRing, r.ID)
	} else {
		delete(t.closedIDs, t.closedRing[t.closedPos])
		t.closedRing[t.closedPos] = r.ID
		t.closedPos = (t.closedPos + 1) % closedHistory
	}
	t.closedIDs[r.ID] = struct{}{}
	t.mu.Unlock()
}

// ReleaseTrade освобождает все открытые резервы сделки (снятие halt)
func (t *PositionTracker) ReleaseTrade(tradeID string) int {
	t.mu.RLock()
	var ids []string
	for id, r := range t.byID {
		if r.TradeID == tradeID {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()

	released := 0
	for _, id := range ids {
		if _, err := t.Release(id); err == nil {
			released++
		}
	}
	return released
}

// OpenReservations возвращает количество открытых резервов
func (t *PositionTracker) OpenReservations() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Remaining возвращает открытый остаток резерва
func (t *PositionTracker) Remaining(reservationID string) (float64, error) {
	r, book, err := t.lookup(reservationID)
	if err != nil {
		return 0, err
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	return r.remaining().InexactFloat64(), nil
}

// Net возвращает подтверждённую позицию площадки
func (t *PositionTracker) Net(venue string) float64 {
	book, ok := t.books[venue]
	if !ok {
		return 0
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	return book.committed.InexactFloat64()
}

// Snapshot возвращает согласованный срез всех площадок
func (t *PositionTracker) Snapshot() *models.PositionSnapshot {
	unlock := t.lockAll()
	defer unlock()

	snap := &models.PositionSnapshot{
		Venues:      make(map[string]models.Position, len(t.books)),
		MaxPosition: t.max.InexactFloat64(),
	}
	var agg decimal.Decimal
	for venue, b := range t.books {
		snap.Venues[venue] = models.Position{
			Venue:         venue,
			NetQuantity:   b.committed.InexactFloat64(),
			RealizedCount: b.realized,
			ReservedLong:  b.reservedLong.InexactFloat64(),
			ReservedShort: b.reservedShort.InexactFloat64(),
		}
		agg = agg.Add(b.committed)
		snap.OpenReserve += len(b.open)
	}
	snap.Aggregate = agg.InexactFloat64()
	return snap
}

// Drift - расхождение позиции площадки с трекером
type Drift struct {
	Venue    string  `json:"venue"`
	Tracker  float64 `json:"tracker"`
	Reported float64 `json:"reported"`
	Diff     float64 `json:"diff"` // reported - tracker
}

// Reconcile сравнивает позицию площадки с подтверждённой.
// Позицию трекера не меняет. ok = расхождение больше tolerance.
func (t *PositionTracker) Reconcile(venue string, reported, tolerance float64) (Drift, bool) {
	tracked := t.Net(venue)
	diff := decimal.NewFromFloat(reported).Sub(decimal.NewFromFloat(tracked))
	d := Drift{
		Venue:    venue,
		Tracker:  tracked,
		Reported: reported,
		Diff:     diff.InexactFloat64(),
	}
	return d, diff.Abs().GreaterThan(decimal.NewFromFloat(tolerance))
}
