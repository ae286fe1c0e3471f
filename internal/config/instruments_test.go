package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadInstrumentsDefaults(t *testing.T) {
	catalog, err := LoadInstruments("")
	require.NoError(t, err)

	inst, err := catalog.Get("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, inst.PipSize)
	assert.Equal(t, 0.01, inst.VolumeStep)

	assert.True(t, catalog.Has("BTCUSDT"))
	assert.False(t, catalog.Has("DOGEUSDT"))

	_, err = catalog.Get("DOGEUSDT")
	assert.Error(t, err)
}

func TestLoadInstrumentsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.yaml")

	content := `instruments:
  - symbol: EURUSD
    pip_size: 0.0001
    volume_step: 0.01
    min_volume: 0.01
    max_volume: 100
    contract_size: 100000
    spread_baseline_pips: 1.0
    twap_threshold: 5.0
  - symbol: US500
    pip_size: 0.1
    volume_step: 0.1
    min_volume: 0.1
    max_volume: 50
    contract_size: 10
    spread_baseline_pips: 4.0
    twap_threshold: 8.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	catalog, err := LoadInstruments(path)
	require.NoError(t, err)

	inst, err := catalog.Get("US500")
	require.NoError(t, err)
	assert.Equal(t, 0.1, inst.PipSize)
	assert.Equal(t, 8.0, inst.TWAPThreshold)

	assert.Equal(t, []string{"EURUSD", "US500"}, catalog.Symbols())
}

func TestLoadInstrumentsRejectsBadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instruments.yaml")

	content := `instruments:
  - symbol: EURUSD
    pip_size: 0
    volume_step: 0.01
    min_volume: 0.01
    max_volume: 100
    contract_size: 100000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	_, err := LoadInstruments(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pip_size")
}

func TestLoadInstrumentsMissingFileFallsBack(t *testing.T) {
	catalog, err := LoadInstruments("/nonexistent/instruments.yaml")
	require.NoError(t, err)
	assert.True(t, catalog.Has("EURUSD"))
}

func TestRoundVolume(t *testing.T) {
	inst := Instrument{
		Symbol:       "EURUSD",
		PipSize:      0.0001,
		VolumeStep:   0.01,
		MinVolume:    0.01,
		MaxVolume:    100,
		ContractSize: 100000,
	}

	tests := []struct {
		name     string
		volume   float64
		expected float64
	}{
		{"floors to step", 0.237, 0.23},
		{"exact step unchanged", 0.25, 0.25},
		{"clamps to max", 150.0, 100.0},
		{"rounds up to min when close", 0.007, 0.01},
		{"drops dust below half min", 0.004, 0},
		{"zero stays zero", 0, 0},
		{"negative stays zero", -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, inst.RoundVolume(tt.volume), 1e-9)
		})
	}
}

func TestRoundVolumeCoarseStep(t *testing.T) {
	inst := Instrument{
		Symbol:       "US500",
		PipSize:      0.1,
		VolumeStep:   0.1,
		MinVolume:    0.1,
		MaxVolume:    50,
		ContractSize: 10,
	}

	assert.InDelta(t, 1.2, inst.RoundVolume(1.29), 1e-9)
	assert.InDelta(t, 50.0, inst.RoundVolume(80), 1e-9)
}

func TestPips(t *testing.T) {
	inst := Instrument{Symbol: "EURUSD", PipSize: 0.0001}
	assert.InDelta(t, 50.0, inst.Pips(0.0050), 1e-9)
	assert.InDelta(t, 50.0, inst.Pips(-0.0050), 1e-9)
}
