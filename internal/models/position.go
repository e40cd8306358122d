package models

// Position - подтверждённая позиция на площадке
type Position struct {
	Venue         string  `json:"venue"`
	NetQuantity   float64 `json:"net_quantity"`
	RealizedCount int     `json:"realized_count"` // количество применённых исполнений
	ReservedLong  float64 `json:"reserved_long"`  // открытые резервы в сторону long
	ReservedShort float64 `json:"reserved_short"` // открытые резервы в сторону short (<= 0)
}

// PositionSnapshot - согласованный срез трекера для оценщика
type PositionSnapshot struct {
	Venues      map[string]Position `json:"venues"`
	Aggregate   float64             `json:"aggregate"`
	MaxPosition float64             `json:"max_position"`
	OpenReserve int                 `json:"open_reservations"`
}

// Net возвращает подтверждённую позицию площадки (0 если площадки нет)
func (s *PositionSnapshot) Net(venue string) float64 {
	if s == nil {
		return 0
	}
	return s.Venues[venue].NetQuantity
}
