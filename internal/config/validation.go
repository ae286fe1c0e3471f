package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.Risk.Validate("risk")...)
	errors = append(errors, c.validateGate()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validateEmergency()...)
	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "Database port is required",
		})
	} else if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in non-development environments",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: "Redis port is required",
		})
	} else if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	return errors
}

// Validate checks a risk configuration record. The prefix names the config
// section in error messages so profile-level overrides report their origin.
func (r *RiskParams) Validate(prefix string) ValidationErrors {
	var errors ValidationErrors

	if r.MaxPositions < 1 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_positions",
			Message: "Max positions must be at least 1",
		})
	}

	fractions := []struct {
		field string
		value float64
	}{
		{"max_risk_per_trade_fraction", r.MaxRiskPerTradeFraction},
		{"max_total_risk_fraction", r.MaxTotalRiskFraction},
		{"max_cvar_fraction", r.MaxCVaRFraction},
		{"dd_reduce_threshold", r.DDReduceThreshold},
		{"dd_halt_threshold", r.DDHaltThreshold},
	}
	for _, f := range fractions {
		if f.value <= 0 || f.value > 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.%s", prefix, f.field),
				Message: fmt.Sprintf("Invalid value %.4f. Must be between 0-1 (fraction of equity)", f.value),
			})
		}
	}

	if r.DDReduceThreshold >= r.DDHaltThreshold {
		errors = append(errors, ValidationError{
			Field:   prefix + ".dd_reduce_threshold",
			Message: fmt.Sprintf("dd_reduce_threshold %.2f must be below dd_halt_threshold %.2f", r.DDReduceThreshold, r.DDHaltThreshold),
		})
	}

	if r.KellyScale <= 0 || r.KellyScale > 1 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".kelly_scale",
			Message: fmt.Sprintf("Invalid kelly_scale %.2f. Must be between 0-1", r.KellyScale),
		})
	}

	if r.KellyMinConfidence < 0.5 || r.KellyMinConfidence > 1 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".kelly_min_confidence",
			Message: fmt.Sprintf("Invalid kelly_min_confidence %.2f. Must be between 0.5-1", r.KellyMinConfidence),
		})
	}

	if r.MaxCorrelation <= 0 || r.MaxCorrelation > 1 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_correlation",
			Message: fmt.Sprintf("Invalid max_correlation %.2f. Must be between 0-1", r.MaxCorrelation),
		})
	}

	return errors
}

func (c *Config) validateGate() ValidationErrors {
	var errors ValidationErrors

	if c.Gate.SignalRateLimitPerMinute < 1 {
		errors = append(errors, ValidationError{
			Field:   "gate.signal_rate_limit_per_minute",
			Message: "Per-producer rate limit must be at least 1",
		})
	}

	if c.Gate.GlobalSignalRateLimit < c.Gate.SignalRateLimitPerMinute {
		errors = append(errors, ValidationError{
			Field:   "gate.global_signal_rate_limit",
			Message: "Global rate limit must be at least the per-producer limit",
		})
	}

	return errors
}

func (c *Config) validateBroker() ValidationErrors {
	var errors ValidationErrors

	if c.Broker.Mode == "" {
		errors = append(errors, ValidationError{
			Field:   "broker.mode",
			Message: "Broker mode is required (paper or binance)",
		})
	} else {
		validModes := []string{"paper", "binance"}
		valid := false
		for _, mode := range validModes {
			if strings.ToLower(c.Broker.Mode) == mode {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "broker.mode",
				Message: fmt.Sprintf("Invalid broker mode '%s'. Must be 'paper' or 'binance'", c.Broker.Mode),
			})
		}
	}

	if c.Broker.HeartbeatS < 1 {
		errors = append(errors, ValidationError{
			Field:   "broker.heartbeat_s",
			Message: "Heartbeat interval must be at least 1 second",
		})
	}

	if c.Broker.ReconnectMaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "broker.reconnect_max_attempts",
			Message: "Reconnect attempts must be at least 1",
		})
	}

	if strings.ToLower(c.Broker.Mode) == "binance" && !c.Broker.Testnet {
		if c.Broker.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "broker.api_key",
				Message: "API key is required for live Binance sessions",
			})
		}
		if c.Broker.SecretKey == "" {
			errors = append(errors, ValidationError{
				Field:   "broker.secret_key",
				Message: "Secret key is required for live Binance sessions",
			})
		}
	}

	return errors
}

func (c *Config) validateEmergency() ValidationErrors {
	var errors ValidationErrors

	if c.Emergency.FlashCrashPct <= 0 {
		errors = append(errors, ValidationError{
			Field:   "emergency.flash_crash_pct",
			Message: "Flash-crash threshold must be greater than 0",
		})
	}

	if c.Emergency.FlashCrashWindowS < 1 {
		errors = append(errors, ValidationError{
			Field:   "emergency.flash_crash_window_s",
			Message: "Flash-crash window must be at least 1 second",
		})
	}

	if c.Emergency.VolMultiplier <= 1 {
		errors = append(errors, ValidationError{
			Field:   "emergency.vol_multiplier",
			Message: "Volatility multiplier must be greater than 1",
		})
	}

	if c.Emergency.SpreadMultiplier <= 1 {
		errors = append(errors, ValidationError{
			Field:   "emergency.spread_multiplier",
			Message: "Spread multiplier must be greater than 1",
		})
	}

	if len(c.Emergency.Owners) == 1 {
		errors = append(errors, ValidationError{
			Field:   "emergency.owners",
			Message: "Kill restore needs two distinct owners; configure at least two or none",
		})
	}

	return errors
}

func (c *Config) validatePipeline() ValidationErrors {
	var errors ValidationErrors

	if c.Pipeline.SignalTimeoutS < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.signal_timeout_s",
			Message: "Signal timeout must be at least 1 second",
		})
	}

	if c.Pipeline.QueueHighWaterMark < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.queue_high_water_mark",
			Message: "Queue high-water mark must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: "API port is required",
		})
	} else if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment == "production" {
		secretErrors := ValidateProductionSecrets(c)
		errors = append(errors, secretErrors...)

		if strings.ToLower(c.Broker.Mode) == "binance" && c.Broker.Testnet {
			errors = append(errors, ValidationError{
				Field:   "broker.testnet",
				Message: "Testnet mode must be disabled in production",
			})
		}

		if c.Database.SSLMode == "disable" {
			errors = append(errors, ValidationError{
				Field:   "database.ssl_mode",
				Message: "SSL must be enabled for database in production",
			})
		}

		if c.Alerts.Telegram.Enabled && c.Alerts.Telegram.BotToken == "" {
			errors = append(errors, ValidationError{
				Field:   "alerts.telegram.bot_token",
				Message: "Telegram bot token is required when the alerter is enabled",
			})
		}
	}

	return errors
}
