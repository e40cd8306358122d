package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - арифметика объёмов и цен
//
// Вся работа с количеством, которое уходит на площадку или сравнивается
// с лимитами, идёт через decimal: float64 накапливает ошибку при
// многократных частичных исполнениях.

// QuantityEpsilon - порог, ниже которого остаток объёма считается нулём
const QuantityEpsilon = 1e-9

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
//
// Если lotSize <= 0, возвращает исходное значение.
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	step := decimal.NewFromFloat(lotSize)
	return v.Div(step).Floor().Mul(step).InexactFloat64()
}

// FormatQuantity форматирует объём для API площадки с точностью шага
func FormatQuantity(value, lotSize float64) string {
	if lotSize <= 0 {
		return decimal.NewFromFloat(value).String()
	}
	places := -decimal.NewFromFloat(lotSize).Exponent()
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(RoundToLotSize(value, lotSize)).StringFixed(places)
}

// FormatPrice форматирует цену без экспоненты
func FormatPrice(value float64) string {
	return decimal.NewFromFloat(value).String()
}

// Sub вычитает без накопления ошибки float64
func Sub(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}

// Add складывает без накопления ошибки float64
func Add(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).InexactFloat64()
}

// EstimatePnl - оценка результата сделки: спред на захеджированный объём
func EstimatePnl(spread, hedgedQty float64) float64 {
	return decimal.NewFromFloat(spread).Mul(decimal.NewFromFloat(hedgedQty)).InexactFloat64()
}

// WeightedAverage - средневзвешенная цена (VWAP) по нескольким исполнениям.
// Возвращает 0 если сумма весов равна нулю или длины не совпадают.
func WeightedAverage(values, weights []float64) float64 {
	if len(values) != len(weights) || len(values) == 0 {
		return 0
	}

	sum := decimal.Zero
	total := decimal.Zero
	for i := range values {
		w := decimal.NewFromFloat(weights[i])
		sum = sum.Add(decimal.NewFromFloat(values[i]).Mul(w))
		total = total.Add(w)
	}
	if total.IsZero() {
		return 0
	}
	return sum.Div(total).InexactFloat64()
}

// IsZeroQuantity - объём пренебрежимо мал
func IsZeroQuantity(q float64) bool {
	return math.Abs(q) < QuantityEpsilon
}

// ApproxEqual сравнивает два числа с допуском eps
func ApproxEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Min возвращает минимум из двух чисел.
func Min(a, b float64) float64 {
	return math.Min(a, b)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
