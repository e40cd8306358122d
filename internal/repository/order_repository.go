package repository

import (
	"database/sql"
	"errors"

	"crossarb/internal/models"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound = errors.New("order not found")
)

// Виды ног в таблице trade_legs
const (
	LegKindPrimary = "primary"
	LegKindHedge   = "hedge"
	LegKindUnwind  = "unwind"
)

// LegRecord - нога сделки вместе с её видом
type LegRecord struct {
	Kind  string
	Order *models.ArbitrageOrder
}

// OrderRepository - работа с таблицей trade_legs
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const legColumns = `id, trade_id, kind, venue, venue_order_id, instrument, side, role, size, price, state, fill_quantity, avg_price, attempt, reservation_id, error_message, created_at, submit_time, closed_at`

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Save записывает ногу; повторная запись обновляет исполнение и состояние
func (r *OrderRepository) Save(leg LegRecord) error {
	return saveLeg(r.db, leg)
}

func saveLeg(db execer, leg LegRecord) error {
	query := `
		INSERT INTO trade_legs (` + legColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			venue_order_id = EXCLUDED.venue_order_id,
			state = EXCLUDED.state,
			fill_quantity = EXCLUDED.fill_quantity,
			avg_price = EXCLUDED.avg_price,
			error_message = EXCLUDED.error_message,
			submit_time = EXCLUDED.submit_time,
			closed_at = EXCLUDED.closed_at`

	o := leg.Order
	_, err := db.Exec(
		query,
		o.ID,
		o.TradeID,
		leg.Kind,
		o.Venue,
		o.VenueOrderID,
		o.Instrument,
		o.Side,
		o.Role,
		o.Size,
		o.Price,
		o.State,
		o.FillQuantity,
		o.AvgPrice,
		o.Attempt,
		o.ReservationID,
		o.Error,
		o.CreatedAt,
		o.SubmitTime,
		o.ClosedAt,
	)
	return err
}

// GetByID возвращает ногу по ID
func (r *OrderRepository) GetByID(id string) (*LegRecord, error) {
	query := `SELECT ` + legColumns + ` FROM trade_legs WHERE id = $1`

	leg, err := scanLeg(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &leg, nil
}

// GetByTradeID возвращает все ноги сделки: первичка, попытки хеджа, разворот
func (r *OrderRepository) GetByTradeID(tradeID string) ([]LegRecord, error) {
	query := `
		SELECT ` + legColumns + `
		FROM trade_legs
		WHERE trade_id = $1
		ORDER BY CASE kind WHEN 'primary' THEN 0 WHEN 'hedge' THEN 1 ELSE 2 END, attempt`

	return r.queryLegs(query, tradeID)
}

// GetByState возвращает последние N ног в указанном состоянии
func (r *OrderRepository) GetByState(state string, limit int) ([]LegRecord, error) {
	query := `
		SELECT ` + legColumns + `
		FROM trade_legs
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2`

	return r.queryLegs(query, state, limit)
}

// GetByVenueOrderID ищет ногу по ID ордера на площадке
func (r *OrderRepository) GetByVenueOrderID(venue, venueOrderID string) (*LegRecord, error) {
	query := `SELECT ` + legColumns + ` FROM trade_legs WHERE venue = $1 AND venue_order_id = $2`

	leg, err := scanLeg(r.db.QueryRow(query, venue, venueOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &leg, nil
}

func (r *OrderRepository) queryLegs(query string, args ...interface{}) ([]LegRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var legs []LegRecord
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return legs, nil
}

func scanLeg(row rowScanner) (LegRecord, error) {
	o := &models.ArbitrageOrder{}
	var kind string
	err := row.Scan(
		&o.ID,
		&o.TradeID,
		&kind,
		&o.Venue,
		&o.VenueOrderID,
		&o.Instrument,
		&o.Side,
		&o.Role,
		&o.Size,
		&o.Price,
		&o.State,
		&o.FillQuantity,
		&o.AvgPrice,
		&o.Attempt,
		&o.ReservationID,
		&o.Error,
		&o.CreatedAt,
		&o.SubmitTime,
		&o.ClosedAt,
	)
	if err != nil {
		return LegRecord{}, err
	}
	return LegRecord{Kind: kind, Order: o}, nil
}
