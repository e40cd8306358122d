package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"crossarb/internal/models"
)

// Ошибки репозитория уведомлений
var (
	ErrNotificationNotFound = errors.New("notification not found")
)

// NotificationRepository - работа с таблицей notifications
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, timestamp, type, severity, instrument, trade_id, message, meta`

// Create сохраняет уведомление и заполняет его ID
func (r *NotificationRepository) Create(n *models.Notification) error {
	meta, err := marshalJSON(n.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	query := `
		INSERT INTO notifications (timestamp, type, severity, instrument, trade_id, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	return r.db.QueryRow(
		query,
		n.Timestamp,
		n.Type,
		n.Severity,
		n.Instrument,
		n.TradeID,
		n.Message,
		meta,
	).Scan(&n.ID)
}

// GetByID возвращает уведомление по ID
func (r *NotificationRepository) GetByID(id int) (*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// GetRecent возвращает последние N уведомлений
func (r *NotificationRepository) GetRecent(limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ORDER BY timestamp DESC, id DESC LIMIT $1`
	return r.queryNotifications(query, limit)
}

// GetByTypes возвращает последние N уведомлений указанных типов
func (r *NotificationRepository) GetByTypes(types []string, limit int) ([]*models.Notification, error) {
	if len(types) == 0 {
		return r.GetRecent(limit)
	}
	upper := make([]string, len(types))
	for i, t := range types {
		upper[i] = strings.ToUpper(t)
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE type = ANY($1) ORDER BY timestamp DESC, id DESC LIMIT $2`
	return r.queryNotifications(query, pq.Array(upper), limit)
}

// GetBySeverity возвращает последние N уведомлений не ниже указанного уровня
func (r *NotificationRepository) GetBySeverity(minSeverity string, limit int) ([]*models.Notification, error) {
	rank := models.SeverityRank(minSeverity)
	var levels []string
	for _, s := range []string{models.SeverityInfo, models.SeverityWarn, models.SeverityError, models.SeverityCritical} {
		if models.SeverityRank(s) >= rank {
			levels = append(levels, s)
		}
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE severity = ANY($1) ORDER BY timestamp DESC, id DESC LIMIT $2`
	return r.queryNotifications(query, pq.Array(levels), limit)
}

// GetByTradeID возвращает уведомления по сделке
func (r *NotificationRepository) GetByTradeID(tradeID string) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE trade_id = $1 ORDER BY timestamp, id`
	return r.queryNotifications(query, tradeID)
}

// Count возвращает общее количество уведомлений
func (r *NotificationRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM notifications`).Scan(&n)
	return n, err
}

// DeleteAll очищает журнал уведомлений
func (r *NotificationRepository) DeleteAll() error {
	_, err := r.db.Exec(`DELETE FROM notifications`)
	return err
}

// DeleteOlderThan удаляет уведомления старше указанного срока
func (r *NotificationRepository) DeleteOlderThan(age time.Duration) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM notifications WHERE timestamp < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *NotificationRepository) queryNotifications(query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return notifications, nil
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	n := &models.Notification{}
	var meta []byte
	err := row.Scan(&n.ID, &n.Timestamp, &n.Type, &n.Severity, &n.Instrument, &n.TradeID, &n.Message, &meta)
	if err != nil {
		return nil, err
	}
	if n.Meta, err = unmarshalJSON(meta); err != nil {
		return nil, fmt.Errorf("decode meta of notification %d: %w", n.ID, err)
	}
	return n, nil
}
