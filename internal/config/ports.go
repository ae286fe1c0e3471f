// Package config provides configuration management for TradeGate.
// This file centralizes default port assignments so services and tests
// agree on where things listen.
package config

// Default service ports. Config values override these; they exist so the
// defaults in setDefaults and the test helpers reference one place.
const (
	// APIServerPort is the default port for the admin REST API server.
	APIServerPort = 8081

	// MetricsPort is the default port for the Prometheus metrics endpoint.
	MetricsPort = 9100

	// VaultPort is the default port for a local HashiCorp Vault dev server.
	VaultPort = 8200
)
