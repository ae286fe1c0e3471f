package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// FCMBackend delivers operator pushes through Firebase Cloud Messaging.
// Without credentials it degrades to a log-only mock, so fills and
// emergency transitions still leave a trace in development setups.
type FCMBackend struct {
	client *messaging.Client
	mock   bool
}

// NewFCMBackend creates the FCM backend. An empty or missing credentials
// file yields the mock rather than an error; push delivery is optional
// infrastructure.
func NewFCMBackend(ctx context.Context, credentialsPath string) (*FCMBackend, error) {
	if credentialsPath == "" {
		log.Warn().Msg("No FCM credentials configured, operator pushes will only be logged")
		return &FCMBackend{mock: true}, nil
	}
	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().
			Str("credentials_path", credentialsPath).
			Msg("FCM credentials file not found, operator pushes will only be logged")
		return &FCMBackend{mock: true}, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	log.Info().Msg("FCM backend ready")
	return &FCMBackend{client: client}, nil
}

// urgent reports whether a push must ride the high-priority path.
// Emergency transitions and order failures always do, whatever priority
// the caller set; a kill push must not wait for a device's sync window.
func urgent(n Notification) bool {
	if n.Priority == "high" {
		return true
	}
	return n.Type == NotificationTypeEmergency || n.Type == NotificationTypeOrderFailure
}

func highPriorityConfig() (*messaging.AndroidConfig, *messaging.APNSConfig) {
	return &messaging.AndroidConfig{Priority: "high"},
		&messaging.APNSConfig{Headers: map[string]string{"apns-priority": "10"}}
}

// Send delivers one push to one device
func (f *FCMBackend) Send(ctx context.Context, deviceToken string, notification Notification) error {
	if f.mock {
		return f.logDelivery(deviceToken, notification)
	}

	msg := &messaging.Message{
		Token:        deviceToken,
		Notification: &messaging.Notification{Title: notification.Title, Body: notification.Body},
		Data:         notification.Data,
	}
	if urgent(notification) {
		msg.Android, msg.APNS = highPriorityConfig()
	}

	messageID, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send FCM message: %w", err)
	}

	log.Debug().
		Str("message_id", messageID).
		Str("device_token", maskToken(deviceToken)).
		Str("notification_type", string(notification.Type)).
		Msg("Operator push delivered")
	return nil
}

// SendMulticast fans one push out to every registered device of an
// operator in a single FCM call
func (f *FCMBackend) SendMulticast(ctx context.Context, deviceTokens []string, notification Notification) (*messaging.BatchResponse, error) {
	if f.mock {
		for _, token := range deviceTokens {
			if err := f.logDelivery(token, notification); err != nil {
				return nil, err
			}
		}
		return &messaging.BatchResponse{SuccessCount: len(deviceTokens)}, nil
	}

	msg := &messaging.MulticastMessage{
		Tokens:       deviceTokens,
		Notification: &messaging.Notification{Title: notification.Title, Body: notification.Body},
		Data:         notification.Data,
	}
	if urgent(notification) {
		msg.Android, msg.APNS = highPriorityConfig()
	}

	response, err := f.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send FCM multicast: %w", err)
	}

	log.Info().
		Int("success_count", response.SuccessCount).
		Int("failure_count", response.FailureCount).
		Str("notification_type", string(notification.Type)).
		Msg("Operator push multicast delivered")
	return response, nil
}

// logDelivery stands in for FCM when no credentials are configured
func (f *FCMBackend) logDelivery(deviceToken string, notification Notification) error {
	data, _ := json.Marshal(notification.Data)
	log.Info().
		Str("backend", f.Name()).
		Str("device_token", maskToken(deviceToken)).
		Str("notification_type", string(notification.Type)).
		Str("title", notification.Title).
		Str("body", notification.Body).
		Str("data", string(data)).
		Bool("urgent", urgent(notification)).
		Msg("Operator push logged, FCM disabled")
	return nil
}

// Name returns the backend name
func (f *FCMBackend) Name() string {
	if f.mock {
		return "fcm_mock"
	}
	return "fcm"
}

// Close is a no-op; the messaging client holds no connection of its own
func (f *FCMBackend) Close() error {
	log.Debug().Str("backend", f.Name()).Msg("Closed FCM backend")
	return nil
}

// IsMock reports whether pushes are logged instead of sent
func (f *FCMBackend) IsMock() bool {
	return f.mock
}

// ValidateToken is a cheap shape check on a device token before it is
// persisted; real validation happens on the first send.
func ValidateToken(token string) bool {
	if len(token) < 100 || len(token) > 200 {
		return false
	}
	for _, ch := range token {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == ':':
		default:
			return false
		}
	}
	return true
}
