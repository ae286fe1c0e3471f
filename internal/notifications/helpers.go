package notifications

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// NotificationHelper provides convenient methods for the gateway's standing
// notifications
type NotificationHelper struct {
	service Service
}

// NewHelper creates a new notification helper
func NewHelper(service Service) *NotificationHelper {
	return &NotificationHelper{
		service: service,
	}
}

// SendFill notifies an operator that a position opened or closed
func (h *NotificationHelper) SendFill(ctx context.Context, operatorID, ticket, profileID, symbol, side string, volume, price float64, closed bool) error {
	action := "Opened"
	if closed {
		action = "Closed"
	}
	notification := Notification{
		Type:     NotificationTypeFill,
		Title:    fmt.Sprintf("%s %s %s", action, side, symbol),
		Body:     fmt.Sprintf("%s %s %s on %s at %s", action, formatFloat(volume), symbol, profileID, formatFloat(price)),
		Data:     FillNotificationData(ticket, profileID, symbol, side, volume, price),
		Priority: "normal",
	}

	return h.service.SendToOperator(ctx, operatorID, notification)
}

// SendEmergency notifies an operator of a trading-state escalation
func (h *NotificationHelper) SendEmergency(ctx context.Context, operatorID, state, trigger, reason string) error {
	notification := Notification{
		Type:     NotificationTypeEmergency,
		Title:    fmt.Sprintf("Trading %s (%s)", state, trigger),
		Body:     reason,
		Data:     EmergencyNotificationData(state, trigger, reason),
		Priority: "high",
	}

	return h.service.SendToOperator(ctx, operatorID, notification)
}

// SendOrderFailure notifies an operator that an order exhausted its retries
func (h *NotificationHelper) SendOrderFailure(ctx context.Context, operatorID, profileID, symbol, reason string) error {
	notification := Notification{
		Type:     NotificationTypeOrderFailure,
		Title:    fmt.Sprintf("Order Failed: %s", symbol),
		Body:     fmt.Sprintf("Order for %s on %s failed: %s", symbol, profileID, reason),
		Data:     OrderFailureNotificationData(profileID, symbol, reason),
		Priority: "high",
	}

	return h.service.SendToOperator(ctx, operatorID, notification)
}

// SendDrawdownAlert notifies an operator that a profile's drawdown crossed
// a reporting threshold
func (h *NotificationHelper) SendDrawdownAlert(ctx context.Context, operatorID, profileID string, drawdownPct, equity float64) error {
	notification := Notification{
		Type:     NotificationTypeDrawdown,
		Title:    fmt.Sprintf("Drawdown Alert: %s", profileID),
		Body:     fmt.Sprintf("Profile %s is down %s%% from peak (equity %s)", profileID, formatFloat(drawdownPct), formatFloat(equity)),
		Data:     DrawdownNotificationData(profileID, drawdownPct, equity),
		Priority: "high",
	}

	return h.service.SendToOperator(ctx, operatorID, notification)
}

// Broadcast sends one notification to a list of operators, continuing past
// individual failures
func (h *NotificationHelper) Broadcast(ctx context.Context, operatorIDs []string, notification Notification) {
	for _, operatorID := range operatorIDs {
		if err := h.service.SendToOperator(ctx, operatorID, notification); err != nil {
			log.Error().Err(err).Str("operator_id", operatorID).Msg("Failed to notify operator")
		}
	}
}
