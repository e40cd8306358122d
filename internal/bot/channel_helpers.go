package bot

import "crossarb/internal/models"

// tryEnqueueNotification отправляет уведомление в канал с метриками переполнения.
// Возвращает true, если уведомление поставлено в очередь.
func tryEnqueueNotification(ch chan *models.Notification, notif *models.Notification) bool {
	if ch == nil || notif == nil {
		return false
	}

	select {
	case ch <- notif:
		return true
	default:
		RecordBufferOverflow("notification")
		RecordBufferBacklog("notification", cap(ch), len(ch))
		return false
	}
}

// tryEnqueueEvent отправляет событие журнала без блокировки
func tryEnqueueEvent(ch chan *models.Event, ev *models.Event) bool {
	if ch == nil || ev == nil {
		return false
	}

	select {
	case ch <- ev:
		return true
	default:
		RecordBufferOverflow("event")
		RecordBufferBacklog("event", cap(ch), len(ch))
		return false
	}
}
