// Package monitoring turns run reports into webhook alerts.
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

	"github.com/hotosm/tm-mirror/internal/config"
	"github.com/hotosm/tm-mirror/internal/pipeline"
	"github.com/hotosm/tm-mirror/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed        AlertType = "run_failed"
	AlertFetchFailureRate AlertType = "fetch_failure_rate"
	AlertTileBuildFailed  AlertType = "tile_build_failed"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a run report against configured thresholds and sends
// alerts via webhook when they are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			MaxBackoff:        5 * time.Second,
			JitterFraction:    0.25,
			MaxRateLimitWaits: -1,
		},
	}
}

// Evaluate checks the report and returns any alerts.
func (a *Alerter) Evaluate(rep *pipeline.Report) []Alert {
	if rep == nil {
		return nil
	}
	var alerts []Alert
	now := time.Now().UTC()

	if rep.Outcome == pipeline.OutcomeFailed {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("mirror run failed: %s", rep.Error),
			Details: map[string]any{
				"run_id": rep.RunID,
				"error":  rep.Error,
			},
			Timestamp: now,
		})
		return alerts
	}

	attempted := rep.Fetched + len(rep.FailedIDs)
	if attempted > 0 && len(rep.FailedIDs) > 0 {
		rate := float64(len(rep.FailedIDs)) / float64(attempted)
		if rate > a.cfg.FetchFailureThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFetchFailureRate,
				Severity: "medium",
				Message: fmt.Sprintf("%.1f%% of project fetches failed (%d/%d)",
					rate*100, len(rep.FailedIDs), attempted),
				Details: map[string]any{
					"run_id":     rep.RunID,
					"failed_ids": rep.FailedIDs,
					"threshold":  a.cfg.FetchFailureThreshold,
				},
				Timestamp: now,
			})
		}
	}

	if rep.TilesError != "" {
		alerts = append(alerts, Alert{
			Type:     AlertTileBuildFailed,
			Severity: "medium",
			Message:  "tile archive could not be rebuilt; previous archive is stale",
			Details: map[string]any{
				"run_id": rep.RunID,
				"error":  rep.TilesError,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered. Transport errors and 5xx responses are retried. Nothing is sent when no webhook is configured.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
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
		if ctx.Err() != nil {
			return eris.Wrap(err, "monitoring: webhook request")
		}
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 500:
		return resilience.NewTransientError(
			eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 400:
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
