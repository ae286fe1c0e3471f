package notifications

import (
	"strconv"
	"time"
)

// NotificationType represents different types of notifications
type NotificationType string

const (
	NotificationTypeFill         NotificationType = "fill"
	NotificationTypeEmergency    NotificationType = "emergency"
	NotificationTypeOrderFailure NotificationType = "order_failure"
	NotificationTypeDrawdown     NotificationType = "drawdown"
)

// Platform represents the device platform
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Notification represents a push notification to be sent
type Notification struct {
	Type     NotificationType  `json:"type"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // "high" or "normal"
}

// Preferences represents an operator's notification preferences
type Preferences struct {
	Fills          bool `json:"fills"`
	Emergencies    bool `json:"emergencies"`
	OrderFailures  bool `json:"order_failures"`
	DrawdownAlerts bool `json:"drawdown_alerts"`
}

// DefaultPreferences returns the default notification preferences
func DefaultPreferences() Preferences {
	return Preferences{
		Fills:          true,
		Emergencies:    true,
		OrderFailures:  true,
		DrawdownAlerts: true,
	}
}

// IsEnabled checks if a specific notification type is enabled
func (p Preferences) IsEnabled(notifType NotificationType) bool {
	switch notifType {
	case NotificationTypeFill:
		return p.Fills
	case NotificationTypeEmergency:
		return p.Emergencies
	case NotificationTypeOrderFailure:
		return p.OrderFailures
	case NotificationTypeDrawdown:
		return p.DrawdownAlerts
	default:
		return false
	}
}

// Device represents an operator device for push notifications
type Device struct {
	ID          string    `json:"id"`
	OperatorID  string    `json:"operator_id"`
	DeviceToken string    `json:"device_token"`
	Platform    Platform  `json:"platform"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// NotificationLog represents a logged notification
type NotificationLog struct {
	ID               string            `json:"id"`
	OperatorID       string            `json:"operator_id"`
	DeviceToken      string            `json:"device_token,omitempty"`
	NotificationType NotificationType  `json:"notification_type"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Data             map[string]string `json:"data,omitempty"`
	Status           string            `json:"status"` // pending, sent, failed
	ErrorMessage     string            `json:"error_message,omitempty"`
	SentAt           time.Time         `json:"sent_at"`
}

// NotificationStatus represents the status of a sent notification
type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// FillNotificationData creates the data payload for fill notifications
func FillNotificationData(ticket, profileID, symbol, side string, volume, price float64) map[string]string {
	return map[string]string{
		"ticket":     ticket,
		"profile_id": profileID,
		"symbol":     symbol,
		"side":       side,
		"volume":     formatFloat(volume),
		"price":      formatFloat(price),
	}
}

// EmergencyNotificationData creates the data payload for emergency alerts
func EmergencyNotificationData(state, trigger, reason string) map[string]string {
	return map[string]string{
		"state":   state,
		"trigger": trigger,
		"reason":  reason,
	}
}

// OrderFailureNotificationData creates the data payload for failed orders
func OrderFailureNotificationData(profileID, symbol, reason string) map[string]string {
	return map[string]string{
		"profile_id": profileID,
		"symbol":     symbol,
		"reason":     reason,
	}
}

// DrawdownNotificationData creates the data payload for drawdown alerts
func DrawdownNotificationData(profileID string, drawdownPct, equity float64) map[string]string {
	return map[string]string{
		"profile_id":   profileID,
		"drawdown_pct": formatFloat(drawdownPct),
		"equity":       formatFloat(equity),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
