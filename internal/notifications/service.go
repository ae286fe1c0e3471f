// Package notifications delivers push notifications for fills, order
// failures and emergency transitions to the operators' registered devices.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Service defines the interface for notification operations
type Service interface {
	// SendToOperator sends a notification to all enabled devices for an operator
	SendToOperator(ctx context.Context, operatorID string, notification Notification) error

	// SendToDevice sends a notification to a specific device
	SendToDevice(ctx context.Context, deviceToken string, notification Notification) error

	// RegisterDevice registers a new device for push notifications
	RegisterDevice(ctx context.Context, operatorID, deviceToken string, platform Platform) error

	// UnregisterDevice removes a device token
	UnregisterDevice(ctx context.Context, deviceToken string) error

	// GetOperatorDevices returns all enabled devices for an operator
	GetOperatorDevices(ctx context.Context, operatorID string) ([]Device, error)

	// UpdatePreferences updates operator notification preferences
	UpdatePreferences(ctx context.Context, operatorID string, prefs Preferences) error

	// GetPreferences returns operator notification preferences
	GetPreferences(ctx context.Context, operatorID string) (Preferences, error)
}

// Backend delivers a notification to one device token. FCM implements it;
// tests swap in a recorder.
type Backend interface {
	Send(ctx context.Context, deviceToken string, notification Notification) error
	Name() string
	Close() error
}

// PoolInterface defines the pool operations the service needs
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// NotificationService implements the Service interface
type NotificationService struct {
	db      PoolInterface
	backend Backend
}

// NewService creates a new notification service
func NewService(db PoolInterface, backend Backend) *NotificationService {
	return &NotificationService{
		db:      db,
		backend: backend,
	}
}

// SendToOperator sends a notification to all enabled devices for an operator
func (s *NotificationService) SendToOperator(ctx context.Context, operatorID string, notification Notification) error {
	prefs, err := s.GetPreferences(ctx, operatorID)
	if err != nil {
		// Operators without a stored row get the defaults
		if errors.Is(err, pgx.ErrNoRows) {
			prefs = DefaultPreferences()
		} else {
			return fmt.Errorf("failed to get operator preferences: %w", err)
		}
	}

	if !prefs.IsEnabled(notification.Type) {
		log.Debug().
			Str("operator_id", operatorID).
			Str("notification_type", string(notification.Type)).
			Msg("Notification type disabled for operator")
		return nil
	}

	devices, err := s.GetOperatorDevices(ctx, operatorID)
	if err != nil {
		return fmt.Errorf("failed to get operator devices: %w", err)
	}

	if len(devices) == 0 {
		log.Debug().Str("operator_id", operatorID).Msg("No enabled devices found for operator")
		return nil
	}

	var lastErr error
	sentCount := 0
	for _, device := range devices {
		if err := s.sendAndLog(ctx, operatorID, device.DeviceToken, notification); err != nil {
			log.Error().
				Err(err).
				Str("operator_id", operatorID).
				Str("device_token", maskToken(device.DeviceToken)).
				Msg("Failed to send notification to device")
			lastErr = err
		} else {
			sentCount++
		}
	}

	if sentCount > 0 {
		log.Info().
			Str("operator_id", operatorID).
			Int("sent_count", sentCount).
			Int("total_devices", len(devices)).
			Str("notification_type", string(notification.Type)).
			Msg("Sent notifications to operator devices")
	}

	if sentCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to send to any device: %w", lastErr)
	}

	return nil
}

// SendToDevice sends a notification to a specific device
func (s *NotificationService) SendToDevice(ctx context.Context, deviceToken string, notification Notification) error {
	var operatorID string
	err := s.db.QueryRow(ctx, `
		SELECT operator_id FROM operator_devices
		WHERE device_token = $1 AND enabled = TRUE
	`, deviceToken).Scan(&operatorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("device token not found or disabled")
		}
		return fmt.Errorf("failed to query device: %w", err)
	}

	return s.sendAndLog(ctx, operatorID, deviceToken, notification)
}

// sendAndLog sends a notification and records the attempt
func (s *NotificationService) sendAndLog(ctx context.Context, operatorID, deviceToken string, notification Notification) error {
	var status NotificationStatus
	var errorMsg string

	err := s.backend.Send(ctx, deviceToken, notification)
	if err != nil {
		status = NotificationStatusFailed
		errorMsg = err.Error()
	} else {
		status = NotificationStatusSent
		_ = s.UpdateDeviceLastUsed(ctx, deviceToken)
	}

	dataJSON, _ := json.Marshal(notification.Data)
	_, logErr := s.db.Exec(ctx, `
		INSERT INTO notification_log (
			operator_id, device_token, notification_type, title, body, data, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, operatorID, deviceToken, notification.Type, notification.Title, notification.Body, dataJSON, status, errorMsg)

	if logErr != nil {
		log.Error().Err(logErr).Msg("Failed to log notification")
	}

	return err
}

// RegisterDevice registers a new device for push notifications
func (s *NotificationService) RegisterDevice(ctx context.Context, operatorID, deviceToken string, platform Platform) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO operator_devices (operator_id, device_token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_token) DO UPDATE
		SET operator_id = EXCLUDED.operator_id,
		    platform = EXCLUDED.platform,
		    enabled = TRUE,
		    last_used_at = CURRENT_TIMESTAMP
	`, operatorID, deviceToken, platform)

	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	log.Info().
		Str("operator_id", operatorID).
		Str("platform", string(platform)).
		Str("device_token", maskToken(deviceToken)).
		Msg("Registered device for notifications")

	return nil
}

// UnregisterDevice removes a device token
func (s *NotificationService) UnregisterDevice(ctx context.Context, deviceToken string) error {
	result, err := s.db.Exec(ctx, `
		UPDATE operator_devices
		SET enabled = FALSE
		WHERE device_token = $1
	`, deviceToken)

	if err != nil {
		return fmt.Errorf("failed to unregister device: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("device token not found")
	}

	log.Info().
		Str("device_token", maskToken(deviceToken)).
		Msg("Unregistered device")

	return nil
}

// GetOperatorDevices returns all enabled devices for an operator
func (s *NotificationService) GetOperatorDevices(ctx context.Context, operatorID string) ([]Device, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, operator_id, device_token, platform, enabled, created_at, last_used_at
		FROM operator_devices
		WHERE operator_id = $1 AND enabled = TRUE
		ORDER BY last_used_at DESC
	`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		err := rows.Scan(
			&d.ID,
			&d.OperatorID,
			&d.DeviceToken,
			&d.Platform,
			&d.Enabled,
			&d.CreatedAt,
			&d.LastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// UpdatePreferences updates operator notification preferences
func (s *NotificationService) UpdatePreferences(ctx context.Context, operatorID string, prefs Preferences) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_preferences (
			operator_id, fills, emergencies, order_failures, drawdown_alerts
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (operator_id) DO UPDATE
		SET fills = EXCLUDED.fills,
		    emergencies = EXCLUDED.emergencies,
		    order_failures = EXCLUDED.order_failures,
		    drawdown_alerts = EXCLUDED.drawdown_alerts
	`, operatorID, prefs.Fills, prefs.Emergencies, prefs.OrderFailures, prefs.DrawdownAlerts)

	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}

	log.Info().Str("operator_id", operatorID).Msg("Updated notification preferences")

	return nil
}

// GetPreferences returns operator notification preferences
func (s *NotificationService) GetPreferences(ctx context.Context, operatorID string) (Preferences, error) {
	var prefs Preferences
	err := s.db.QueryRow(ctx, `
		SELECT fills, emergencies, order_failures, drawdown_alerts
		FROM notification_preferences
		WHERE operator_id = $1
	`, operatorID).Scan(
		&prefs.Fills,
		&prefs.Emergencies,
		&prefs.OrderFailures,
		&prefs.DrawdownAlerts,
	)

	if err != nil {
		return Preferences{}, err
	}

	return prefs, nil
}

// UpdateDeviceLastUsed updates the last used timestamp for a device
func (s *NotificationService) UpdateDeviceLastUsed(ctx context.Context, deviceToken string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE operator_devices
		SET last_used_at = CURRENT_TIMESTAMP
		WHERE device_token = $1
	`, deviceToken)

	if err != nil {
		return fmt.Errorf("failed to update device last used: %w", err)
	}

	return nil
}

// Close closes the notification service
func (s *NotificationService) Close() error {
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

// Helper function to mask device tokens in logs
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
