// Package notify доставляет уведомления о заказах во внешний мессенджер.
// Диспетчер — пассивный слушатель событий жизненного цикла: он не стоит
// на синхронном пути ни одной операции.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/model"
)

const defaultEndpoint = "https://api.telegram.org"

// Dispatcher форматирует и отправляет сообщения о заказах.
type Dispatcher struct {
	endpoint   string
	token      string
	chatID     string
	siteURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewDispatcher создаёт диспетчер с указанными секретами. siteURL
// используется для ссылки на консоль администратора в сообщении.
func NewDispatcher(token, chatID, siteURL string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		endpoint: defaultEndpoint,
		token:    token,
		chatID:   chatID,
		siteURL:  strings.TrimRight(siteURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// SetEndpoint заменяет адрес мессенджера. Используется в тестах.
func (d *Dispatcher) SetEndpoint(endpoint string) {
	d.endpoint = strings.TrimRight(endpoint, "/")
}

// Run потребляет события до отмены контекста. Ошибка доставки логируется
// как ошибка исполняющей среды; повторные попытки — её забота, диспетчер
// собственного ретрая не делает.
func (d *Dispatcher) Run(ctx context.Context, events <-chan model.NotificationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !ShouldNotify(event) {
				continue
			}
			if err := d.Notify(ctx, event); err != nil {
				d.logger.Error("order notification failed",
					zap.String("order", event.Order.ID),
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
			}
		}
	}
}

// ShouldNotify решает, требует ли событие уведомления: создание — всегда,
// смена статуса — только фактический переход в терминальный статус.
// Повторная запись того же статуса и нетерминальные правки игнорируются.
func ShouldNotify(event model.NotificationEvent) bool {
	switch event.Kind {
	case model.EventOrderCreated:
		return true
	case model.EventStatusChanged:
		return event.PreviousStatus != event.NewStatus && event.NewStatus.IsTerminal()
	default:
		return false
	}
}

// Notify отправляет сообщение о событии. Не-2xx ответ мессенджера
// возвращается как ошибка вызывающему.
func (d *Dispatcher) Notify(ctx context.Context, event model.NotificationEvent) error {
	if d.token == "" || d.chatID == "" {
		return fmt.Errorf("telegram dispatcher not configured")
	}

	text := d.buildMessage(event)

	payload, err := json.Marshal(map[string]any{
		"chat_id":                  d.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	sendURL := fmt.Sprintf("%s/bot%s/sendMessage", d.endpoint, d.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, body)
	}

	return nil
}

// esc экранирует текст для HTML-разметки сообщения.
func esc(value string) string {
	value = strings.ReplaceAll(value, "&", "&amp;")
	value = strings.ReplaceAll(value, "<", "&lt;")
	value = strings.ReplaceAll(value, ">", "&gt;")
	return value
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func (d *Dispatcher) buildMessage(event model.NotificationEvent) string {
	o := event.Order

	title := "Yangi buyurtma"
	if event.Kind == model.EventStatusChanged {
		title = "Buyurtma statusi yangilandi"
	}

	lines := []string{
		"<b>" + esc(title) + "</b>",
		"",
		"<b>Buyurtma ID:</b> <code>" + esc(o.ID) + "</code>",
		"<b>Xaridor:</b> " + esc(orDash(o.Contact.Name)),
		"<b>Telefon:</b> " + esc(orDash(o.Contact.Phone)),
		"<b>Jami:</b> " + esc(strconv.FormatInt(o.Total, 10)) + " so'm",
		"<b>To'lov:</b> " + esc(orDash(o.Payment)),
		"<b>Yetkazish:</b> " + esc(orDash(o.Delivery.Label)),
		"<b>Manzil:</b> " + esc(orDash(o.Address.Region)) + ", " + esc(orDash(o.Address.District)) + ", " + esc(orDash(o.Address.HomeAddress)),
		"<b>Mahsulotlar soni:</b> " + strconv.Itoa(o.ItemsCount()),
		"<b>Status:</b> " + esc(string(o.Status)),
	}

	if o.ReceiptURL != "" {
		lines = append(lines, "<b>Chek:</b> "+esc(o.ReceiptURL))
	} else {
		lines = append(lines, "<b>Chek:</b> -")
	}

	if d.siteURL != "" {
		adminURL := d.siteURL + "/orders.html?orderId=" + url.QueryEscape(o.ID)
		lines = append(lines, "", `<a href="`+esc(adminURL)+`">Admin panelda ochish</a>`)
	}

	if event.Kind == model.EventStatusChanged {
		lines = append(lines, "",
			"<b>Status:</b> "+esc(string(event.PreviousStatus))+" -> "+esc(string(event.NewStatus)))
		if event.NewStatus == model.OrderStatusRejected && o.RejectReason != "" {
			lines = append(lines, "<b>Rad etish sababi:</b> "+esc(o.RejectReason))
		}
	}

	return strings.Join(lines, "\n")
}
