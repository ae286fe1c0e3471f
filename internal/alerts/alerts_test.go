package alerts

import (
	"context"
	"errors"
	"testing"
	"time"
)

// MockAlerter is a test implementation of Alerter
type MockAlerter struct {
	alerts []Alert
	err    error
}

func NewMockAlerter(err error) *MockAlerter {
	return &MockAlerter{
		alerts: make([]Alert, 0),
		err:    err,
	}
}

func (m *MockAlerter) Send(ctx context.Context, alert Alert) error {
	m.alerts = append(m.alerts, alert)
	return m.err
}

func TestManager_Send(t *testing.T) {
	tests := []struct {
		name           string
		alert          Alert
		mockErr        error
		expectErr      bool
		checkTimestamp bool
	}{
		{
			name: "Successful send",
			alert: Alert{
				Title:    "Test Alert",
				Message:  "Test Message",
				Severity: SeverityInfo,
			},
			mockErr:        nil,
			expectErr:      false,
			checkTimestamp: true,
		},
		{
			name: "Send with error",
			alert: Alert{
				Title:    "Test Alert",
				Message:  "Test Message",
				Severity: SeverityWarning,
			},
			mockErr:   errors.New("send error"),
			expectErr: true,
		},
		{
			name: "Send with explicit timestamp",
			alert: Alert{
				Title:     "Test Alert",
				Message:   "Test Message",
				Severity:  SeverityCritical,
				Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			},
			mockErr:        nil,
			expectErr:      false,
			checkTimestamp: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAlerter := NewMockAlerter(tt.mockErr)
			manager := NewManager(mockAlerter)

			err := manager.Send(context.Background(), tt.alert)

			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			if len(mockAlerter.alerts) != 1 {
				t.Fatalf("Expected 1 alert to be sent, got %d", len(mockAlerter.alerts))
			}

			sentAlert := mockAlerter.alerts[0]
			if sentAlert.Title != tt.alert.Title {
				t.Errorf("Expected title %q, got %q", tt.alert.Title, sentAlert.Title)
			}
			if sentAlert.Severity != tt.alert.Severity {
				t.Errorf("Expected severity %q, got %q", tt.alert.Severity, sentAlert.Severity)
			}
			if tt.checkTimestamp && sentAlert.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set, got zero value")
			}
		})
	}
}

func TestManager_SendToMultipleAlerters(t *testing.T) {
	alerter1 := NewMockAlerter(nil)
	alerter2 := NewMockAlerter(errors.New("alerter2 error"))
	alerter3 := NewMockAlerter(nil)

	manager := NewManager(alerter1, alerter2, alerter3)

	err := manager.Send(context.Background(), Alert{
		Title:    "Multi-send Test",
		Message:  "Testing multiple alerters",
		Severity: SeverityWarning,
	})

	// The failing channel surfaces as the returned error
	if err == nil {
		t.Error("Expected error from alerter2, got nil")
	}

	// but every channel still received the alert
	for i, a := range []*MockAlerter{alerter1, alerter2, alerter3} {
		if len(a.alerts) != 1 {
			t.Errorf("Expected alerter%d to receive 1 alert, got %d", i+1, len(a.alerts))
		}
	}
}

func TestManager_SeverityHelpers(t *testing.T) {
	tests := []struct {
		name     string
		send     func(m *Manager) error
		severity Severity
	}{
		{"critical", func(m *Manager) error {
			return m.SendCritical(context.Background(), "t", "m", map[string]interface{}{"k": "v"})
		}, SeverityCritical},
		{"warning", func(m *Manager) error {
			return m.SendWarning(context.Background(), "t", "m", nil)
		}, SeverityWarning},
		{"info", func(m *Manager) error {
			return m.SendInfo(context.Background(), "t", "m", nil)
		}, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAlerter := NewMockAlerter(nil)
			if err := tt.send(NewManager(mockAlerter)); err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if len(mockAlerter.alerts) != 1 {
				t.Fatalf("Expected 1 alert, got %d", len(mockAlerter.alerts))
			}
			if mockAlerter.alerts[0].Severity != tt.severity {
				t.Errorf("Expected severity %q, got %q", tt.severity, mockAlerter.alerts[0].Severity)
			}
		})
	}
}

func TestLogAlerter_Send(t *testing.T) {
	alerter := NewLogAlerter()

	for _, severity := range []Severity{SeverityCritical, SeverityWarning, SeverityInfo} {
		alert := Alert{
			Title:     "Log Test",
			Message:   "Log test message",
			Severity:  severity,
			Timestamp: time.Now(),
			Metadata: map[string]interface{}{
				"test_key": "test_value",
			},
		}
		if err := alerter.Send(context.Background(), alert); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	}
}

func TestDefaultManager(t *testing.T) {
	manager := GetDefaultManager()
	if manager == nil {
		t.Fatal("Expected non-nil default manager")
	}

	mockAlerter := NewMockAlerter(nil)
	customManager := NewManager(mockAlerter)
	SetDefaultManager(customManager)
	defer SetDefaultManager(manager)

	if GetDefaultManager() != customManager {
		t.Error("Expected to retrieve the custom manager")
	}
}

func TestAlertOrderFailed(t *testing.T) {
	mockAlerter := NewMockAlerter(nil)
	originalManager := GetDefaultManager()
	SetDefaultManager(NewManager(mockAlerter))
	defer SetDefaultManager(originalManager)

	AlertOrderFailed(context.Background(), "prof-1", "EURUSD", "BUY", 0.5, errors.New("retry budget exhausted"))

	if len(mockAlerter.alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(mockAlerter.alerts))
	}

	alert := mockAlerter.alerts[0]
	if alert.Severity != SeverityCritical {
		t.Errorf("Expected CRITICAL severity, got %q", alert.Severity)
	}
	if alert.Metadata["profile_id"] != "prof-1" {
		t.Errorf("Expected profile_id prof-1, got %v", alert.Metadata["profile_id"])
	}
	if alert.Metadata["symbol"] != "EURUSD" {
		t.Errorf("Expected symbol EURUSD, got %v", alert.Metadata["symbol"])
	}
}

func TestAlertBrokerUnreachable(t *testing.T) {
	mockAlerter := NewMockAlerter(nil)
	originalManager := GetDefaultManager()
	SetDefaultManager(NewManager(mockAlerter))
	defer SetDefaultManager(originalManager)

	AlertBrokerUnreachable(context.Background(), "prof-1", errors.New("reconnect attempts exhausted"))

	if len(mockAlerter.alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(mockAlerter.alerts))
	}
	if mockAlerter.alerts[0].Severity != SeverityCritical {
		t.Errorf("Expected CRITICAL severity, got %q", mockAlerter.alerts[0].Severity)
	}
}

func TestAlertEmergencyTransition(t *testing.T) {
	mockAlerter := NewMockAlerter(nil)
	originalManager := GetDefaultManager()
	SetDefaultManager(NewManager(mockAlerter))
	defer SetDefaultManager(originalManager)

	AlertEmergencyTransition(context.Background(), "halted", "volatility_spike", "ATR spiked 3.2x")
	AlertEmergencyRestored(context.Background(), "alice")

	if len(mockAlerter.alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(mockAlerter.alerts))
	}
	if mockAlerter.alerts[0].Metadata["state"] != "halted" {
		t.Errorf("Expected state halted, got %v", mockAlerter.alerts[0].Metadata["state"])
	}
	if mockAlerter.alerts[1].Severity != SeverityWarning {
		t.Errorf("Expected WARNING severity for restore, got %q", mockAlerter.alerts[1].Severity)
	}
}

func TestAlertChainVerificationFailed(t *testing.T) {
	mockAlerter := NewMockAlerter(nil)
	originalManager := GetDefaultManager()
	SetDefaultManager(NewManager(mockAlerter))
	defer SetDefaultManager(originalManager)

	AlertChainVerificationFailed(context.Background(), "chain-1", "hash mismatch at seq 3")

	if len(mockAlerter.alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(mockAlerter.alerts))
	}
	alert := mockAlerter.alerts[0]
	if alert.Severity != SeverityCritical {
		t.Errorf("Expected CRITICAL severity, got %q", alert.Severity)
	}
	if alert.Metadata["chain_id"] != "chain-1" {
		t.Errorf("Expected chain_id chain-1, got %v", alert.Metadata["chain_id"])
	}
}

func TestSeverityConstants(t *testing.T) {
	if SeverityInfo != "INFO" {
		t.Errorf("Expected SeverityInfo to be 'INFO', got %q", SeverityInfo)
	}
	if SeverityWarning != "WARNING" {
		t.Errorf("Expected SeverityWarning to be 'WARNING', got %q", SeverityWarning)
	}
	if SeverityCritical != "CRITICAL" {
		t.Errorf("Expected SeverityCritical to be 'CRITICAL', got %q", SeverityCritical)
	}
}
