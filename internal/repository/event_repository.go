package repository

import (
	"database/sql"
	"fmt"
	"time"

	"crossarb/internal/models"
)

// EventRepository - append-only журнал событий движка (таблица events)
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository создает новый экземпляр репозитория
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, type, timestamp, instrument, trade_id, venue, fields`

// Append записывает событие и заполняет его ID
func (r *EventRepository) Append(ev *models.Event) error {
	fields, err := marshalJSON(ev.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields of %s: %w", ev.Type, err)
	}

	query := `
		INSERT INTO events (type, timestamp, instrument, trade_id, venue, fields)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return r.db.QueryRow(
		query,
		ev.Type,
		ev.Timestamp,
		ev.Instrument,
		ev.TradeID,
		ev.Venue,
		fields,
	).Scan(&ev.ID)
}

// AppendBatch записывает пачку событий в одной транзакции
func (r *EventRepository) AppendBatch(events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO events (type, timestamp, instrument, trade_id, venue, fields)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		fields, err := marshalJSON(ev.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields of %s: %w", ev.Type, err)
		}
		if _, err := stmt.Exec(ev.Type, ev.Timestamp, ev.Instrument, ev.TradeID, ev.Venue, fields); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRecent возвращает последние N событий
func (r *EventRepository) GetRecent(limit int) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events ORDER BY timestamp DESC, id DESC LIMIT $1`
	return r.queryEvents(query, limit)
}

// GetByType возвращает последние N событий указанного типа
func (r *EventRepository) GetByType(eventType string, limit int) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE type = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`
	return r.queryEvents(query, eventType, limit)
}

// GetByTradeID возвращает историю сделки в порядке записи
func (r *EventRepository) GetByTradeID(tradeID string) ([]*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE trade_id = $1 ORDER BY timestamp, id`
	return r.queryEvents(query, tradeID)
}

// DeleteOlderThan удаляет события старше указанного срока.
// QuoteSnapshot пишется часто, журнал нужно подрезать.
func (r *EventRepository) DeleteOlderThan(age time.Duration) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM events WHERE timestamp < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *EventRepository) queryEvents(query string, args ...interface{}) ([]*models.Event, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev := &models.Event{}
		var fields []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &ev.Instrument, &ev.TradeID, &ev.Venue, &fields); err != nil {
			return nil, err
		}
		if ev.Fields, err = unmarshalJSON(fields); err != nil {
			return nil, fmt.Errorf("decode fields of event %d: %w", ev.ID, err)
		}
		events = append(events, ev)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
