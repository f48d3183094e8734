package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
	"github.com/sells-group/gamebench/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBatchFailureRate AlertType = "batch_failure_rate"
	AlertMalformedRate    AlertType = "malformed_rate"
	AlertPoolHalted       AlertType = "pool_halted"
	AlertPromotion        AlertType = "challenger_promoted"
)

// malformedRateThreshold flags an upstream feed that is mostly unusable.
const malformedRateThreshold = 0.25

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.BatchTotal - snap.BatchRunning
	if finished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.BatchFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBatchFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.BatchFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.BatchFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.BatchFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.BatchFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.GamesFetched >= 50 && snap.MalformedRate > malformedRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertMalformedRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of %d fetched games were malformed in last %dh",
				snap.GamesMalformed, snap.GamesFetched, snap.LookbackHours,
			),
			Details: map[string]any{
				"malformed": snap.GamesMalformed,
				"fetched":   snap.GamesFetched,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// PoolHaltedAlert reports a pool that stopped on a fatal error.
func PoolHaltedAlert(pool string, cause error) Alert {
	msg := fmt.Sprintf("Pool %s halted", pool)
	details := map[string]any{"pool": pool}
	if cause != nil {
		msg += ": " + cause.Error()
		details["error"] = cause.Error()
	}
	return Alert{
		Type:      AlertPoolHalted,
		Severity:  "critical",
		Message:   msg,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// PromotionAlert announces a challenger promotion.
func PromotionAlert(snap *model.PromotionSnapshot) Alert {
	return Alert{
		Type:     AlertPromotion,
		Severity: "info",
		Message: fmt.Sprintf(
			"Challenger generation %d promoted: accuracy %.1f%% (+%.1fpp, p=%.4f, n=%d)",
			snap.Generation, snap.Accuracy*100, snap.Improvement*100, snap.PValue, snap.SampleSize,
		),
		Details: map[string]any{
			"generation":  snap.Generation,
			"accuracy":    snap.Accuracy,
			"improvement": snap.Improvement,
			"p_value":     snap.PValue,
			"samples":     snap.SampleSize,
		},
		Timestamp: snap.PromotedAt,
	}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// Notify sends one event alert. It is a no-op without a webhook URL.
func (a *Alerter) Notify(ctx context.Context, alert Alert) {
	if a == nil {
		return
	}
	a.SendAlerts(ctx, []Alert{alert})
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
