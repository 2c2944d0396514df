package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cusdeb/cusdeb-api/internal/database"
)

const maxDeliveryAttempts = 3

// Listener receives events in-process. Listeners run synchronously in the
// emitting goroutine and must not block for long.
type Listener func(ctx context.Context, event *Event)

type Manager struct {
	db         *database.DB
	httpClient *http.Client

	mu        sync.RWMutex
	listeners map[string][]Listener
	wg        sync.WaitGroup
}

func New(db *database.DB) *Manager {
	return &Manager{
		db:         db,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		listeners:  make(map[string][]Listener),
	}
}

// Subscribe registers fn for eventType, or for every event when eventType is "*".
func (m *Manager) Subscribe(eventType string, fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[eventType] = append(m.listeners[eventType], fn)
}

func (m *Manager) Emit(ctx context.Context, event *Event) {
	m.mu.RLock()
	listeners := append([]Listener{}, m.listeners[event.Type]...)
	listeners = append(listeners, m.listeners["*"]...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, event)
	}

	webhooks, err := m.getWebhooksForEvent(event.Type)
	if err != nil {
		slog.Error("Failed to get webhooks", "error", err)
		return
	}
	for _, webhook := range webhooks {
		m.wg.Add(1)
		go func(wh database.Webhook) {
			defer m.wg.Done()
			m.deliverWebhook(context.WithoutCancel(ctx), wh, event)
		}(webhook)
	}
}

// Wait blocks until all in-flight webhook deliveries have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) getWebhooksForEvent(eventType string) ([]database.Webhook, error) {
	var webhooks []database.Webhook
	if err := m.db.Where("enabled = ?", true).Find(&webhooks).Error; err != nil {
		return nil, err
	}

	var matching []database.Webhook
	for _, wh := range webhooks {
		var events []string
		if err := json.Unmarshal([]byte(wh.Events), &events); err != nil {
			slog.Warn("Invalid webhook events, skipping", "webhookID", wh.ID, "error", err)
			continue
		}
		for _, e := range events {
			if e == eventType || e == "*" {
				matching = append(matching, wh)
				break
			}
		}
	}
	return matching, nil
}

func (m *Manager) deliverWebhook(ctx context.Context, webhook database.Webhook, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err, "webhookID", webhook.ID)
		return
	}

	var headers map[string]string
	if len(webhook.Headers) > 0 {
		if err := json.Unmarshal(webhook.Headers, &headers); err != nil {
			slog.Warn("Invalid webhook headers, delivering without them", "webhookID", webhook.ID, "error", err)
			headers = nil
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "CusDebAPI/1.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook responded with status %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(policy, maxDeliveryAttempts-1), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		slog.Warn("Webhook delivery failed", "error", err, "webhookID", webhook.ID, "event", event.Type)
	}
}

func (m *Manager) CreateWebhook(name, url string, events []string) (*database.Webhook, error) {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	webhook := &database.Webhook{
		Name:    name,
		URL:     url,
		Events:  string(eventsJSON),
		Enabled: true,
	}
	if err := m.db.Create(webhook).Error; err != nil {
		return nil, err
	}
	return webhook, nil
}

func (m *Manager) UpdateWebhook(id uint, name, url string, events []string, enabled bool) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return m.db.Model(&database.Webhook{}).Where("id = ?", id).Updates(map[string]interface{}{
		"name":    name,
		"url":     url,
		"events":  string(eventsJSON),
		"enabled": enabled,
	}).Error
}

func (m *Manager) DeleteWebhook(id uint) error {
	return m.db.Delete(&database.Webhook{}, id).Error
}

func (m *Manager) ListWebhooks() ([]database.Webhook, error) {
	var webhooks []database.Webhook
	return webhooks, m.db.Find(&webhooks).Error
}

func (m *Manager) GetWebhook(id uint) (*database.Webhook, error) {
	var webhook database.Webhook
	if err := m.db.First(&webhook, id).Error; err != nil {
		return nil, err
	}
	return &webhook, nil
}

func ParseEvents(eventsJSON string) []string {
	var events []string
	json.Unmarshal([]byte(eventsJSON), &events)
	return events
}

func AllEvents() []string {
	return []string{
		EventUserCreated,
		EventEmailConfirmed,
		EventPasswordResetCreated,
		EventImageCreated,
		EventImageClaimed,
		EventImageStatusChanged,
		EventImageDeleted,
	}
}

func IsValidEvent(event string) bool {
	if event == "*" {
		return true
	}
	for _, e := range AllEvents() {
		if strings.EqualFold(e, event) {
			return true
		}
	}
	return false
}
