package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/models"
)

const defaultTelegramAPI = "https://api.telegram.org"

// NotificationSender - канал доставки уведомлений оператору
type NotificationSender interface {
	Send(ctx context.Context, n *models.Notification) error
	Name() string
}

// TelegramSender отправляет уведомления через Telegram Bot API
type TelegramSender struct {
	client *resty.Client
	token  string
	chatID string
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// NewTelegramSender создает отправителя; apiURL пустой = api.telegram.org
func NewTelegramSender(apiURL, token, chatID string) *TelegramSender {
	if apiURL == "" {
		apiURL = defaultTelegramAPI
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(apiURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	// 429 и 5xx повторяются; Retry-After учитывает resty
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == 429 || r.StatusCode() >= 500
	})

	return &TelegramSender{client: client, token: token, chatID: chatID}
}

// Send отправляет уведомление в чат
func (t *TelegramSender) Send(ctx context.Context, n *models.Notification) error {
	var result telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":                  t.chatID,
			"text":                     FormatNotification(n),
			"disable_web_page_preview": true,
		}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), result.Description)
	}
	return nil
}

// Name возвращает идентификатор канала
func (t *TelegramSender) Name() string {
	return "telegram"
}

// FormatNotification - текст уведомления для мессенджера
func FormatNotification(n *models.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(n.Severity), n.Type)
	if n.Instrument != "" {
		b.WriteString(" " + n.Instrument)
	}
	b.WriteString("\n" + n.Message)
	if n.TradeID != nil {
		b.WriteString("\ntrade: " + *n.TradeID)
	}
	if !n.Timestamp.IsZero() {
		b.WriteString("\n" + n.Timestamp.UTC().Format(time.RFC3339))
	}
	return b.String()
}
