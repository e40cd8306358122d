package exchange

import (
	"fmt"
	"strings"
	"time"

	"crossarb/internal/config"
	"crossarb/pkg/utils"
)

// SupportedVenues - поддерживаемые типы площадок
var SupportedVenues = []string{
	"bybit",
	"bingx",
	"paper",
}

// NewConnector создаёт коннектор по настройкам площадки.
// name - уникальное имя площадки в паре (попадает в котировки, позиции и журнал).
func NewConnector(name string, cfg config.VenueConfig, instrument string, logger *utils.Logger) (Connector, error) {
	switch strings.ToLower(cfg.Kind) {
	case "bybit":
		return NewBybit(BybitOptions{
			Name:      name,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
			PublicWS:  cfg.WSURL,
			PrivateWS: cfg.PrivateWSURL,
			Testnet:   cfg.Testnet,
			LotSize:   cfg.LotSize,
			OrderRate: cfg.OrderRate,
			QueryRate: cfg.QueryRate,
		}, logger), nil
	case "bingx":
		return NewBingX(BingXOptions{
			Name:      name,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
			WSURL:     cfg.WSURL,
			Testnet:   cfg.Testnet,
			LotSize:   cfg.LotSize,
			OrderRate: cfg.OrderRate,
			QueryRate: cfg.QueryRate,
		}, logger), nil
	case "paper":
		return NewPaperConnector(PaperOptions{
			Name:              name,
			Instrument:        instrument,
			Mid:               cfg.PaperMid,
			Balance:           cfg.PaperBalance,
			LotSize:           cfg.LotSize,
			TickInterval:      250 * time.Millisecond,
			FillMarket:        true,
			FillLimitsOnCross: true,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", cfg.Kind)
	}
}

// NewConnectorPair создаёт коннекторы A и B.
// Одинаковые типы площадок различаются суффиксом роли: bybit-a, bybit-b.
func NewConnectorPair(venues config.VenuesConfig, instrument string, logger *utils.Logger) (Connector, Connector, error) {
	nameA, nameB := strings.ToLower(venues.A.Kind), strings.ToLower(venues.B.Kind)
	if nameA == nameB {
		nameA, nameB = nameA+"-a", nameB+"-b"
	}

	a, err := NewConnector(nameA, venues.A, instrument, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("venue A: %w", err)
	}
	b, err := NewConnector(nameB, venues.B, instrument, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("venue B: %w", err)
	}
	return a, b, nil
}

// IsSupported проверяет, поддерживается ли тип площадки
func IsSupported(kind string) bool {
	kind = strings.ToLower(kind)
	for _, supported := range SupportedVenues {
		if kind == supported {
			return true
		}
	}
	return false
}
