package config

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is the canonical version of TradeGate
// This should be the single source of truth for all version references
const Version = "1.0.0"

// RiskSchemaVersion is the current schema version for the per-profile risk
// configuration record. Profile rows carry the version they were written
// with; the gateway refuses records it cannot interpret.
const RiskSchemaVersion = "1.0.0"

// SupportedRiskSchemaVersions lists schema versions the gateway accepts
// without migration.
var SupportedRiskSchemaVersions = []string{"1.0.0"}

// GetVersion returns the current version
func GetVersion() string {
	return Version
}

// CheckRiskSchemaCompatibility verifies a profile's risk-config schema
// version against the version this build supports.
func CheckRiskSchemaCompatibility(version string) error {
	if version == "" {
		return fmt.Errorf("missing risk config schema version")
	}

	current, err := parseVersion(version)
	if err != nil {
		return err
	}

	target, err := semver.NewVersion(RiskSchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", RiskSchemaVersion)
	}

	// Version is newer than supported
	if current.GreaterThan(target) {
		return fmt.Errorf("profile requires risk schema version %s, but only %s is supported",
			version, RiskSchemaVersion)
	}

	// Older versions must share the major line to be readable
	if current.LessThan(target) && current.Major() != target.Major() {
		return fmt.Errorf("no migration path from risk schema version %s to %s",
			version, RiskSchemaVersion)
	}

	return nil
}

// IsRiskSchemaSupported checks if a schema version is supported
func IsRiskSchemaSupported(version string) bool {
	for _, v := range SupportedRiskSchemaVersions {
		if v == version {
			return true
		}
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}

	for _, supported := range SupportedRiskSchemaVersions {
		sv, err := semver.NewVersion(supported)
		if err != nil {
			continue
		}
		// Consider compatible if major.minor match
		if v.Major() == sv.Major() && v.Minor() == sv.Minor() {
			return true
		}
	}

	return false
}

// CompareVersions compares two version strings.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}

	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}

	return va.Compare(vb), nil
}

func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		// Try to handle simple version strings like "1.0"
		v, err = semver.NewVersion(s + ".0")
		if err != nil {
			return nil, fmt.Errorf("invalid version: %s", s)
		}
	}
	return v, nil
}
