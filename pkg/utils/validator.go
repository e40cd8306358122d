package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных конфигурации и API
//
// Инструмент задаётся в каноническом виде BASE/QUOTE (BTC/USDT);
// коннекторы переводят его в формат площадки через SplitInstrument.

var (
	ErrInvalidSymbol     = errors.New("invalid symbol format")
	ErrInvalidInstrument = errors.New("instrument must be BASE/QUOTE")
	ErrNotPositive       = errors.New("value must be positive")
	ErrNegative          = errors.New("value must not be negative")
	ErrInvalidFraction   = errors.New("value must be in (0, 1]")
	ErrInvalidVenue      = errors.New("unsupported venue")
	ErrInvalidAPIKey     = errors.New("invalid API key")
)

var symbolRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_/]{1,29}$`)

// Известные котируемые валюты, от длинных к коротким
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// SupportedVenues - площадки, для которых есть коннектор
var SupportedVenues = []string{"bybit", "bingx", "paper"}

// ValidateSymbol проверяет формат символа (BTCUSDT, BTC-USDT, BTC/USDT)
func ValidateSymbol(symbol string) error {
	if !symbolRegex.MatchString(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// IsValidSymbol - булева обёртка над ValidateSymbol
func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}

// ValidateInstrument проверяет канонический вид BASE/QUOTE
func ValidateInstrument(instrument string) error {
	if err := ValidateSymbol(instrument); err != nil {
		return err
	}
	base, quote, ok := SplitInstrument(instrument)
	if !ok || base == "" || quote == "" {
		return fmt.Errorf("%w: %q", ErrInvalidInstrument, instrument)
	}
	return nil
}

// SplitInstrument разбирает BASE/QUOTE; ok=false если разделителя нет
func SplitInstrument(instrument string) (base, quote string, ok bool) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(instrument)), "/")
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// NormalizeSymbol приводит символ к виду BTCUSDT
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
}

// ExtractBaseCurrency возвращает базовую валюту символа
func ExtractBaseCurrency(symbol string) string {
	if base, _, ok := splitAny(symbol); ok {
		return base
	}
	s := NormalizeSymbol(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

// ExtractQuoteCurrency возвращает котируемую валюту символа
func ExtractQuoteCurrency(symbol string) string {
	if _, quote, ok := splitAny(symbol); ok {
		return quote
	}
	s := NormalizeSymbol(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return q
		}
	}
	return ""
}

func splitAny(symbol string) (string, string, bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(s, sep); len(parts) == 2 {
			return parts[0], parts[1], true
		}
	}
	return "", "", false
}

// ValidatePositive проверяет что значение > 0
func ValidatePositive(name string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%s: %w (got %v)", name, ErrNotPositive, v)
	}
	return nil
}

// ValidateNonNegative проверяет что значение >= 0
func ValidateNonNegative(name string, v float64) error {
	if v < 0 {
		return fmt.Errorf("%s: %w (got %v)", name, ErrNegative, v)
	}
	return nil
}

// ValidateFraction проверяет что доля лежит в (0, 1]
func ValidateFraction(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s: %w (got %v)", name, ErrInvalidFraction, v)
	}
	return nil
}

// ValidateVenue проверяет что для площадки есть коннектор
func ValidateVenue(venue string) error {
	v := NormalizeVenue(venue)
	for _, s := range SupportedVenues {
		if s == v {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidVenue, venue)
}

// NormalizeVenue приводит имя площадки к нижнему регистру
func NormalizeVenue(venue string) string {
	return strings.ToLower(strings.TrimSpace(venue))
}

// ValidateAPIKey - базовая проверка ключа: длина и отсутствие пробелов
func ValidateAPIKey(key string) error {
	if len(key) < 8 || len(key) > 128 || strings.ContainsAny(key, " \t\n") {
		return ErrInvalidAPIKey
	}
	return nil
}

// ValidationErrors собирает несколько ошибок валидации
type ValidationErrors []ValidationError

// ValidationError - ошибка конкретного поля
type ValidationError struct {
	Field   string
	Message string
}

// Add добавляет ошибку поля
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// AddError добавляет ошибку если она не nil
func (e *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		e.Add(field, err.Error())
	}
}

// HasErrors - есть ли хотя бы одна ошибка
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, ve := range e {
		parts = append(parts, ve.Field+": "+ve.Message)
	}
	return strings.Join(parts, "; ")
}

// Err возвращает nil если ошибок нет
func (e ValidationErrors) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
