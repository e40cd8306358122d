package utils

import (
	"strconv"
	"time"
)

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute).String()
	case minutes > 0:
		return (time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second).String()
	default:
		return (time.Duration(seconds) * time.Second).String()
	}
}

// UnixMillis возвращает текущее время в миллисекундах Unix
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// ParseUnixMillis разбирает строковый timestamp площадки ("1700000000123").
// Пустая или некорректная строка даёт нулевое время.
func ParseUnixMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Age - возраст отметки времени относительно now; нулевое время считается бесконечно старым
func Age(ts, now time.Time) time.Duration {
	if ts.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	if now.Before(ts) {
		return 0
	}
	return now.Sub(ts)
}

// Seconds переводит число секунд из конфигурации в time.Duration
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
