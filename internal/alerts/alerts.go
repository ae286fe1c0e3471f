// Package alerts fans operator-facing events out to the configured
// channels. Alerts complement the decision log: the chain records what the
// gateway decided, an alert tells a human it happened.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans each alert out to every configured channel. One failing
// channel never suppresses the others.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// Send sends an alert to all configured alerters
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	if alert.Metadata != nil {
		for key, value := range alert.Metadata {
			event = event.Interface(key, value)
		}
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(fmt.Sprintf("ALERT: %s", alert.Message))

	return nil
}

// Default global alert manager (can be replaced with custom configuration)
var defaultManager *Manager

func init() {
	defaultManager = NewManager(NewLogAlerter())
}

// GetDefaultManager returns the default alert manager
func GetDefaultManager() *Manager {
	return defaultManager
}

// SetDefaultManager sets the default alert manager
func SetDefaultManager(manager *Manager) {
	defaultManager = manager
}

// Helper functions for the gateway's standing alerts

// AlertOrderFailed fires when an order submission exhausts its retries
func AlertOrderFailed(ctx context.Context, profileID, symbol, side string, volume float64, err error) {
	defaultManager.SendCritical(ctx, "Order Submission Failed", fmt.Sprintf(
		"Failed to submit %s order for %s on profile %s: %v", side, symbol, profileID, err,
	), map[string]interface{}{
		"profile_id": profileID,
		"symbol":     symbol,
		"side":       side,
		"volume":     volume,
		"error":      err.Error(),
	})
}

// AlertBrokerUnreachable fires when a profile's broker session exhausts
// its reconnect attempts
func AlertBrokerUnreachable(ctx context.Context, profileID string, err error) {
	defaultManager.SendCritical(ctx, "Broker Session Lost", fmt.Sprintf(
		"Broker session for profile %s is unreachable: %v", profileID, err,
	), map[string]interface{}{
		"profile_id": profileID,
		"error":      err.Error(),
	})
}

// AlertEmergencyTransition fires on every escalation of the global
// trading state
func AlertEmergencyTransition(ctx context.Context, state, trigger, reason string) {
	defaultManager.SendCritical(ctx, "Emergency State Transition", fmt.Sprintf(
		"Trading state escalated to %s (%s): %s", state, trigger, reason,
	), map[string]interface{}{
		"state":   state,
		"trigger": trigger,
		"reason":  reason,
	})
}

// AlertEmergencyRestored fires when an owner walks the state back to normal
func AlertEmergencyRestored(ctx context.Context, actor string) {
	defaultManager.SendWarning(ctx, "Emergency Restored",
		fmt.Sprintf("Trading restored to normal by %s", actor),
		map[string]interface{}{"actor": actor})
}

// AlertChainVerificationFailed fires when an exported or queried chain
// fails hash verification; a broken chain means the audit trail was
// tampered with or corrupted
func AlertChainVerificationFailed(ctx context.Context, chainID, detail string) {
	defaultManager.SendCritical(ctx, "Chain Verification Failed", fmt.Sprintf(
		"Decision chain %s failed hash verification: %s", chainID, detail,
	), map[string]interface{}{
		"chain_id": chainID,
		"detail":   detail,
	})
}

// AlertSystemError sends an alert for critical system errors
func AlertSystemError(ctx context.Context, component string, err error) {
	defaultManager.SendCritical(ctx, "System Error", fmt.Sprintf(
		"Critical error in %s: %v", component, err,
	), map[string]interface{}{
		"component": component,
		"error":     err.Error(),
	})
}
