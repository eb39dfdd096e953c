package action

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// Alert is the structured notification delivered to an alert channel. The
// payload always carries the threat id and severity.
type Alert struct {
	ThreatID  string         `json:"threat_id"`
	Severity  model.Severity `json:"severity"`
	Title     string         `json:"title"`
	RiskScore int            `json:"risk_score"`
	At        time.Time      `json:"at"`
}

// Alerter delivers alerts to a named channel. Implementations must provide
// at-least-once delivery; duplicate delivery is acceptable.
type Alerter interface {
	Send(ctx context.Context, channel string, alert Alert) error
}

// LogAlerter is the default channel: structured log output. Trivially
// at-least-once since the write is synchronous.
type LogAlerter struct{}

func (LogAlerter) Send(ctx context.Context, channel string, alert Alert) error {
	slog.Default().InfoContext(ctx, "security alert",
		"channel", channel,
		"threat_id", alert.ThreatID,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore,
		"title", alert.Title)
	return nil
}
