package models

import "time"

// Stats представляет статистику работы движка с момента запуска
type Stats struct {
	TotalTrades      int        `json:"total_trades"`
	SuccessfulTrades int        `json:"successful_trades"` // fully_hedged + unwound
	FailedTrades     int        `json:"failed_trades"`     // hedge_failed
	AbortedTrades    int        `json:"aborted_trades"`    // aborted_pre_trade
	SpreadsDetected  int        `json:"spreads_detected"`  // решений сформировано
	SpreadsExecuted  int        `json:"spreads_executed"`  // решений дошло до первички
	EstimatedPnl     float64    `json:"estimated_pnl"`     // spread * hedged size
	SuccessRate      float64    `json:"success_rate"`      // в процентах
	LastTradeAt      *time.Time `json:"last_trade_at,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
}

// EngineStatus - агрегированное состояние для API и WebSocket
type EngineStatus struct {
	Instrument      string             `json:"instrument"`
	Running         bool               `json:"running"`
	Halted          bool               `json:"halted"`
	HaltReason      string             `json:"halt_reason,omitempty"`
	Paused          bool               `json:"paused"` // нет связи с одной из площадок
	PauseReason     string             `json:"pause_reason,omitempty"`
	Market          *MarketState       `json:"market,omitempty"`
	Positions       *PositionSnapshot  `json:"positions,omitempty"`
	InFlight        *PairedTrade       `json:"in_flight,omitempty"`
	Connectors      map[string]bool    `json:"connectors"`
	Balances        map[string]float64 `json:"balances,omitempty"`
	Stats           Stats              `json:"stats"`
	LastSpreadLong  float64            `json:"last_spread_long"`
	LastSpreadShort float64            `json:"last_spread_short"`
}
