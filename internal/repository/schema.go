package repository

import (
	"database/sql"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Таблицы журнала. Журнал append-only: сделки и ноги обновляются
// только до терминального состояния, события не изменяются.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS paired_trades (
		id VARCHAR(64) PRIMARY KEY,
		instrument VARCHAR(32) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		decision_spread DOUBLE PRECISION NOT NULL,
		decision JSONB,
		state VARCHAR(32) NOT NULL,
		outcome VARCHAR(32) NOT NULL DEFAULT '',
		hedged_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
		estimated_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_paired_trades_created ON paired_trades (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS trade_legs (
		id VARCHAR(64) PRIMARY KEY,
		trade_id VARCHAR(64) NOT NULL REFERENCES paired_trades(id) ON DELETE CASCADE,
		kind VARCHAR(16) NOT NULL,
		venue VARCHAR(32) NOT NULL,
		venue_order_id VARCHAR(128) NOT NULL DEFAULT '',
		instrument VARCHAR(32) NOT NULL,
		side VARCHAR(8) NOT NULL,
		role VARCHAR(8) NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION,
		state VARCHAR(32) NOT NULL,
		fill_quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		attempt INT NOT NULL DEFAULT 0,
		reservation_id VARCHAR(64) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		submit_time TIMESTAMPTZ,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_legs_trade ON trade_legs (trade_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(32) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		instrument VARCHAR(32) NOT NULL,
		trade_id VARCHAR(64) NOT NULL DEFAULT '',
		venue VARCHAR(32) NOT NULL DEFAULT '',
		fields JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_trade ON events (trade_id) WHERE trade_id <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events (type, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id SERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		type VARCHAR(32) NOT NULL,
		severity VARCHAR(10) NOT NULL DEFAULT 'info',
		instrument VARCHAR(32) NOT NULL DEFAULT '',
		trade_id VARCHAR(64),
		message TEXT NOT NULL,
		meta JSONB
	)`,
}

// Migrate создаёт таблицы журнала, если их нет
func Migrate(db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}

// marshalJSON кодирует map в JSONB; пустая map хранится как NULL
func marshalJSON(v map[string]interface{}) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
