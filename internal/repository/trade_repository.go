package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"crossarb/internal/models"
)

// Ошибки репозитория сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeRepository - журнал парных сделок (таблицы paired_trades и trade_legs)
type TradeRepository struct {
	db   *sql.DB
	legs *OrderRepository
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db, legs: NewOrderRepository(db)}
}

const tradeColumns = `id, instrument, direction, decision_spread, decision, state, outcome, hedged_quantity, estimated_pnl, reason, created_at, closed_at`

// Save записывает сделку вместе со всеми ногами в одной транзакции.
// Повторная запись той же сделки обновляет состояние и исход.
func (r *TradeRepository) Save(trade *models.PairedTrade) error {
	var decision []byte
	if trade.Decision != nil {
		data, err := json.Marshal(trade.Decision)
		if err != nil {
			return fmt.Errorf("marshal decision: %w", err)
		}
		decision = data
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO paired_trades (` + tradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			outcome = EXCLUDED.outcome,
			hedged_quantity = EXCLUDED.hedged_quantity,
			estimated_pnl = EXCLUDED.estimated_pnl,
			reason = EXCLUDED.reason,
			closed_at = EXCLUDED.closed_at`

	_, err = tx.Exec(
		query,
		trade.ID,
		trade.Instrument,
		trade.Direction,
		trade.DecisionSpread,
		decision,
		trade.State,
		trade.Outcome,
		trade.HedgedQuantity,
		trade.EstimatedPnl,
		trade.Reason,
		trade.CreatedAt,
		trade.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", trade.ID, err)
	}

	for _, l := range tradeLegs(trade) {
		if err := saveLeg(tx, l); err != nil {
			return fmt.Errorf("save leg %s: %w", l.Order.ID, err)
		}
	}

	return tx.Commit()
}

// GetByID возвращает сделку с ногами
func (r *TradeRepository) GetByID(id string) (*models.PairedTrade, error) {
	query := `SELECT ` + tradeColumns + ` FROM paired_trades WHERE id = $1`

	trade, err := scanTrade(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}

	legs, err := r.legs.GetByTradeID(id)
	if err != nil {
		return nil, err
	}
	attachLegs(trade, legs)

	return trade, nil
}

// GetRecent возвращает последние N сделок без ног
func (r *TradeRepository) GetRecent(limit int) ([]*models.PairedTrade, error) {
	query := `SELECT ` + tradeColumns + ` FROM paired_trades ORDER BY created_at DESC LIMIT $1`
	return r.queryTrades(query, limit)
}

// GetByOutcome возвращает последние N сделок с указанным исходом
func (r *TradeRepository) GetByOutcome(outcome string, limit int) ([]*models.PairedTrade, error) {
	query := `SELECT ` + tradeColumns + ` FROM paired_trades WHERE outcome = $1 ORDER BY created_at DESC LIMIT $2`
	return r.queryTrades(query, outcome, limit)
}

// GetOpen возвращает сделки без терминального исхода
// (остались после аварийной остановки процесса)
func (r *TradeRepository) GetOpen() ([]*models.PairedTrade, error) {
	query := `SELECT ` + tradeColumns + ` FROM paired_trades WHERE outcome = '' ORDER BY created_at`
	return r.queryTrades(query)
}

// CountByOutcome возвращает количество сделок по исходам
func (r *TradeRepository) CountByOutcome() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT outcome, COUNT(*) FROM paired_trades GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func (r *TradeRepository) queryTrades(query string, args ...interface{}) ([]*models.PairedTrade, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.PairedTrade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*models.PairedTrade, error) {
	trade := &models.PairedTrade{}
	var decision []byte
	err := row.Scan(
		&trade.ID,
		&trade.Instrument,
		&trade.Direction,
		&trade.DecisionSpread,
		&decision,
		&trade.State,
		&trade.Outcome,
		&trade.HedgedQuantity,
		&trade.EstimatedPnl,
		&trade.Reason,
		&trade.CreatedAt,
		&trade.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(decision) > 0 {
		trade.Decision = &models.Decision{}
		if err := json.Unmarshal(decision, trade.Decision); err != nil {
			return nil, fmt.Errorf("decode decision of trade %s: %w", trade.ID, err)
		}
	}
	return trade, nil
}

func tradeLegs(trade *models.PairedTrade) []LegRecord {
	var legs []LegRecord
	if trade.Primary != nil {
		legs = append(legs, LegRecord{LegKindPrimary, trade.Primary})
	}
	hedges := trade.HedgeAttempts
	if len(hedges) == 0 && trade.Hedge != nil {
		hedges = []*models.ArbitrageOrder{trade.Hedge}
	}
	for _, h := range hedges {
		legs = append(legs, LegRecord{LegKindHedge, h})
	}
	if trade.Unwind != nil {
		legs = append(legs, LegRecord{LegKindUnwind, trade.Unwind})
	}
	return legs
}

// attachLegs раскладывает ноги по полям сделки; попытки хеджа
// упорядочены по attempt, последняя становится Hedge
func attachLegs(trade *models.PairedTrade, legs []LegRecord) {
	for _, l := range legs {
		switch l.Kind {
		case LegKindPrimary:
			trade.Primary = l.Order
		case LegKindHedge:
			trade.HedgeAttempts = append(trade.HedgeAttempts, l.Order)
			trade.Hedge = l.Order
		case LegKindUnwind:
			trade.Unwind = l.Order
		}
	}
}
