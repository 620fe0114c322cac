package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/docgate/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Docgate-Signature"

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event     string             `json:"event"`
	IndexUID  string             `json:"indexUid"`
	TaskID    uint64             `json:"taskId"`
	Type      models.TaskType    `json:"type"`
	Status    models.TaskStatus  `json:"status"`
	Details   models.TaskDetails `json:"details"`
	Error     *models.TaskError  `json:"error,omitempty"`
	Timestamp string             `json:"timestamp"`
}

// WebhookConfig holds the webhook URLs and the optional signing secret.
type WebhookConfig struct {
	URLs   []string
	Secret string
}

// WebhookNotifier posts an event to every configured URL when a task
// finishes. It is a queue observer.
type WebhookNotifier struct {
	config     *WebhookConfig
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	// sem bounds the deliveries in flight.
	sem chan struct{}
}

// maxWebhookDeliveries is the number of events delivered concurrently.
const maxWebhookDeliveries = 8

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config:     cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retryDelay: time.Second,
		sem:        make(chan struct{}, maxWebhookDeliveries),
	}
}

// TaskFinished sends a task event asynchronously. The event is dropped when
// too many deliveries are in flight.
func (wn *WebhookNotifier) TaskFinished(task *models.Task, _ *models.Mutation) {
	if wn == nil {
		return
	}

	event := &WebhookEvent{
		Event:     "task." + string(task.Status),
		IndexUID:  task.IndexUID,
		TaskID:    task.ID,
		Type:      task.Type,
		Status:    task.Status,
		Details:   task.Details,
		Error:     task.Error,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	select {
	case wn.sem <- struct{}{}:
		go func() {
			defer func() { <-wn.sem }()
			wn.send(event)
		}()
	default:
		wn.logger.Warn("webhook: too many deliveries in flight, event dropped",
			"index", event.IndexUID, "task_id", event.TaskID, "event", event.Event)
	}
}

// send delivers the webhook event to all configured URLs.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "error", err, "task_id", event.TaskID)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// Sign returns the hex HMAC-SHA256 of data under secret.
func Sign(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// post sends a single webhook POST with retry (up to 2 retries).
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "docgate/1.0")
		if wn.config.Secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+Sign(wn.config.Secret, data))
		}

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * wn.retryDelay)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
		time.Sleep(time.Duration(attempt+1) * wn.retryDelay)
	}

	return lastErr
}
