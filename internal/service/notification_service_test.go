package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"crossarb/internal/models"
)

func closeNotifier(t *testing.T, s *NotificationService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func notification(typ, severity string) *models.Notification {
	return &models.Notification{
		Type:       typ,
		Severity:   severity,
		Instrument: "BTC-USD",
		Message:    typ + " test",
	}
}

func TestNotifyStoresAndDelivers(t *testing.T) {
	repo := NewMockNotificationRepository()
	sender := &MockSender{}
	s := NewNotificationService(repo, nil)
	s.AddSender(sender)
	s.Start()

	s.Notify(notification(models.NotificationTypeHedgeFailed, models.SeverityCritical))
	closeNotifier(t, s)

	if repo.stored() != 1 {
		t.Errorf("expected 1 stored notification, got %d", repo.stored())
	}
	if sender.count() != 1 {
		t.Errorf("expected 1 delivered notification, got %d", sender.count())
	}
}

func TestNotifySetsTimestamp(t *testing.T) {
	s := NewNotificationService(nil, nil)
	n := notification(models.NotificationTypeTrade, models.SeverityInfo)
	s.Notify(n)
	if n.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestNotifySeverityFilter(t *testing.T) {
	repo := NewMockNotificationRepository()
	sender := &MockSender{}
	s := NewNotificationService(repo, nil)
	s.AddSender(sender)
	s.SetMinSeverity(models.SeverityError)
	s.Start()

	s.Notify(notification(models.NotificationTypeTrade, models.SeverityInfo))
	s.Notify(notification(models.NotificationTypeDisconnect, models.SeverityWarn))
	s.Notify(notification(models.NotificationTypeError, models.SeverityError))
	s.Notify(notification(models.NotificationTypeHalt, models.SeverityCritical))
	closeNotifier(t, s)

	// в журнал попадает всё, наружу только error и выше
	if repo.stored() != 4 {
		t.Errorf("expected 4 stored notifications, got %d", repo.stored())
	}
	if sender.count() != 2 {
		t.Errorf("expected 2 delivered notifications, got %d", sender.count())
	}
}

func TestSetMinSeverityIgnoresUnknown(t *testing.T) {
	s := NewNotificationService(nil, nil)
	s.SetMinSeverity("verbose")
	if s.minSeverity != models.SeverityWarn {
		t.Errorf("expected default %s, got %s", models.SeverityWarn, s.minSeverity)
	}
	s.SetMinSeverity(models.SeverityInfo)
	if s.minSeverity != models.SeverityInfo {
		t.Errorf("expected %s, got %s", models.SeverityInfo, s.minSeverity)
	}
}

func TestNotifySenderErrorDoesNotStopDelivery(t *testing.T) {
	failing := &MockSender{sendErr: errors.New("telegram down")}
	working := &MockSender{}
	s := NewNotificationService(nil, nil)
	s.AddSender(failing)
	s.AddSender(working)
	s.Start()

	s.Notify(notification(models.NotificationTypeHalt, models.SeverityCritical))
	closeNotifier(t, s)

	if working.count() != 1 {
		t.Errorf("expected second sender to receive notification, got %d", working.count())
	}
}

func TestNotifyRepoErrorStillDelivers(t *testing.T) {
	repo := NewMockNotificationRepository()
	repo.createErr = errors.New("db down")
	sender := &MockSender{}
	s := NewNotificationService(repo, nil)
	s.AddSender(sender)
	s.Start()

	s.Notify(notification(models.NotificationTypeHedgeFailed, models.SeverityCritical))
	closeNotifier(t, s)

	if sender.count() != 1 {
		t.Errorf("expected delivery despite repo error, got %d", sender.count())
	}
}

func TestNotifyAfterClose(t *testing.T) {
	sender := &MockSender{}
	s := NewNotificationService(nil, nil)
	s.AddSender(sender)
	s.Start()
	closeNotifier(t, s)

	s.Notify(notification(models.NotificationTypeHalt, models.SeverityCritical))
	if sender.count() != 0 {
		t.Errorf("expected no delivery after close, got %d", sender.count())
	}

	// в памяти уведомление всё равно доступно
	count, _ := s.GetNotificationCount()
	if count != 1 {
		t.Errorf("expected 1 remembered notification, got %d", count)
	}
}

func TestGetNotificationsFromMemory(t *testing.T) {
	s := NewNotificationService(nil, nil)
	s.Notify(notification(models.NotificationTypeTrade, models.SeverityInfo))
	s.Notify(notification(models.NotificationTypeHedgeFailed, models.SeverityCritical))
	s.Notify(notification(models.NotificationTypeTrade, models.SeverityInfo))

	all, err := s.GetNotifications(nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 notifications, got %d", len(all))
	}

	failed, _ := s.GetNotifications([]string{" hedge_failed "}, 10)
	if len(failed) != 1 {
		t.Fatalf("expected 1 HEDGE_FAILED notification, got %d", len(failed))
	}
	if failed[0].Type != models.NotificationTypeHedgeFailed {
		t.Errorf("expected type %s, got %s", models.NotificationTypeHedgeFailed, failed[0].Type)
	}

	limited, _ := s.GetNotifications(nil, 2)
	if len(limited) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(limited))
	}
}

func TestGetNotificationsNewestFirst(t *testing.T) {
	s := NewNotificationService(nil, nil)
	for i := 0; i < 3; i++ {
		n := notification(models.NotificationTypeTrade, models.SeverityInfo)
		n.Message = fmt.Sprintf("trade %d", i)
		s.Notify(n)
	}

	list, _ := s.GetNotifications(nil, 10)
	if list[0].Message != "trade 2" {
		t.Errorf("expected newest first, got %s", list[0].Message)
	}
}

func TestRecentNotificationsBounded(t *testing.T) {
	s := NewNotificationService(nil, nil)
	for i := 0; i < notifyRecentLimit+10; i++ {
		s.Notify(notification(models.NotificationTypeTrade, models.SeverityInfo))
	}
	count, _ := s.GetNotificationCount()
	if count != notifyRecentLimit {
		t.Errorf("expected %d remembered notifications, got %d", notifyRecentLimit, count)
	}
}

func TestGetNotificationsFromRepo(t *testing.T) {
	repo := NewMockNotificationRepository()
	s := NewNotificationService(repo, nil)

	_ = repo.Create(notification(models.NotificationTypeTrade, models.SeverityInfo))

	if _, err := s.GetNotifications([]string{"trade", ""}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.lastTypes) != 1 || repo.lastTypes[0] != models.NotificationTypeTrade {
		t.Errorf("expected normalized types [TRADE], got %v", repo.lastTypes)
	}

	count, _ := s.GetNotificationCount()
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestClearNotifications(t *testing.T) {
	repo := NewMockNotificationRepository()
	s := NewNotificationService(repo, nil)
	_ = repo.Create(notification(models.NotificationTypeTrade, models.SeverityInfo))
	s.Notify(notification(models.NotificationTypeTrade, models.SeverityInfo))

	if err := s.ClearNotifications(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.stored() != 0 {
		t.Errorf("expected repo cleared, got %d", repo.stored())
	}
	if len(s.recent) != 0 {
		t.Errorf("expected memory cleared, got %d", len(s.recent))
	}
}

func TestNotifyCriticalBypassesFullQueue(t *testing.T) {
	sender := &MockSender{}
	s := NewNotificationService(nil, nil)
	s.AddSender(sender)

	// очередь забита до старта доставки
	for i := 0; i < notifyQueueSize+10; i++ {
		s.Notify(notification(models.NotificationTypePositionDrift, models.SeverityWarn))
	}
	s.Notify(notification(models.NotificationTypeHedgeFailed, models.SeverityCritical))

	s.Start()
	closeNotifier(t, s)

	if sender.count() != notifyQueueSize+1 {
		t.Fatalf("expected %d delivered notifications, got %d", notifyQueueSize+1, sender.count())
	}
	if first := sender.sent[0]; first.Severity != models.SeverityCritical {
		t.Errorf("expected critical delivered first, got %s %s", first.Severity, first.Type)
	}
}
