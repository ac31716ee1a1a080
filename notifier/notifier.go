package notifier

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sink is the operator escalation channel. Production posts to an alert
// webhook; development logs and lets the error surface synchronously to
// the caller instead.
type Sink interface {
	Escalate(err error)
}

type WebhookSink struct {
	sugar  *zap.SugaredLogger
	url    string
	client *http.Client
}

func NewWebhookSink(sugar *zap.SugaredLogger, url string) *WebhookSink {
	return &WebhookSink{
		sugar:  sugar,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Escalate(err error) {
	body, marshalErr := json.Marshal(map[string]string{"text": err.Error()})
	if marshalErr != nil {
		w.sugar.Errorw("Failed to marshal alert", "error", marshalErr)
		return
	}
	resp, postErr := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if postErr != nil {
		w.sugar.Errorw("Failed to deliver alert", "error", postErr, "alert", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.sugar.Errorw("Alert webhook rejected alert", "status", resp.StatusCode, "alert", err)
	}
}

// LogSink is the development sink: the error is logged here and returned
// to the caller by whoever escalated it.
type LogSink struct {
	sugar *zap.SugaredLogger
}

func NewLogSink(sugar *zap.SugaredLogger) *LogSink {
	return &LogSink{sugar: sugar}
}

func (l *LogSink) Escalate(err error) {
	l.sugar.Errorw("Escalated failure", "error", err)
}
