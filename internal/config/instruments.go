package config

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Instrument describes a tradable symbol's broker contract terms. Volume
// arithmetic everywhere in the gateway goes through these fields so that
// orders always land on the broker's step grid.
type Instrument struct {
	Symbol         string  `yaml:"symbol" json:"symbol"`
	PipSize        float64 `yaml:"pip_size" json:"pip_size"`
	VolumeStep     float64 `yaml:"volume_step" json:"volume_step"`
	MinVolume      float64 `yaml:"min_volume" json:"min_volume"`
	MaxVolume      float64 `yaml:"max_volume" json:"max_volume"`
	ContractSize   float64 `yaml:"contract_size" json:"contract_size"`
	SpreadBaseline float64 `yaml:"spread_baseline_pips" json:"spread_baseline_pips"`
	TWAPThreshold  float64 `yaml:"twap_threshold" json:"twap_threshold"`
}

// Catalog is an immutable instrument lookup table loaded at startup
type Catalog struct {
	instruments map[string]Instrument
}

type catalogFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstruments reads the instrument catalog from a YAML file. An empty
// path loads the built-in defaults.
func LoadInstruments(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(DefaultInstruments()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewCatalog(DefaultInstruments()), nil
		}
		return nil, fmt.Errorf("failed to read instrument catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse instrument catalog: %w", err)
	}

	if len(file.Instruments) == 0 {
		return nil, fmt.Errorf("instrument catalog %s contains no instruments", path)
	}

	for i := range file.Instruments {
		if err := file.Instruments[i].validate(); err != nil {
			return nil, fmt.Errorf("instrument catalog %s: %w", path, err)
		}
	}

	return NewCatalog(file.Instruments), nil
}

// NewCatalog builds a catalog from a list of instruments
func NewCatalog(instruments []Instrument) *Catalog {
	m := make(map[string]Instrument, len(instruments))
	for _, inst := range instruments {
		m[inst.Symbol] = inst
	}
	return &Catalog{instruments: m}
}

// Get returns the instrument for a symbol
func (c *Catalog) Get(symbol string) (Instrument, error) {
	inst, ok := c.instruments[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("unknown instrument: %s", symbol)
	}
	return inst, nil
}

// Has reports whether the catalog knows a symbol
func (c *Catalog) Has(symbol string) bool {
	_, ok := c.instruments[symbol]
	return ok
}

// Symbols returns all catalog symbols in sorted order
func (c *Catalog) Symbols() []string {
	symbols := make([]string, 0, len(c.instruments))
	for s := range c.instruments {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

func (i *Instrument) validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument symbol is required")
	}
	if i.PipSize <= 0 {
		return fmt.Errorf("instrument %s: pip_size must be greater than 0", i.Symbol)
	}
	if i.VolumeStep <= 0 {
		return fmt.Errorf("instrument %s: volume_step must be greater than 0", i.Symbol)
	}
	if i.MinVolume <= 0 {
		return fmt.Errorf("instrument %s: min_volume must be greater than 0", i.Symbol)
	}
	if i.MaxVolume < i.MinVolume {
		return fmt.Errorf("instrument %s: max_volume %.4f below min_volume %.4f", i.Symbol, i.MaxVolume, i.MinVolume)
	}
	if i.ContractSize <= 0 {
		return fmt.Errorf("instrument %s: contract_size must be greater than 0", i.Symbol)
	}
	return nil
}

// RoundVolume floors a volume to the broker step grid and clamps it to the
// instrument's min/max bounds. A volume below half the minimum rounds to
// zero rather than up to the minimum.
func (i *Instrument) RoundVolume(volume float64) float64 {
	if volume <= 0 {
		return 0
	}

	steps := math.Floor(volume/i.VolumeStep + 1e-9)
	rounded := steps * i.VolumeStep

	if rounded < i.MinVolume {
		if volume >= i.MinVolume/2 {
			return i.MinVolume
		}
		return 0
	}
	if rounded > i.MaxVolume {
		return i.MaxVolume
	}

	// Snap away floating point drift on the step grid
	decimals := stepDecimals(i.VolumeStep)
	factor := math.Pow(10, float64(decimals))
	return math.Round(rounded*factor) / factor
}

// Pips converts an absolute price distance to pips
func (i *Instrument) Pips(distance float64) float64 {
	return math.Abs(distance) / i.PipSize
}

func stepDecimals(step float64) int {
	decimals := 0
	for step < 1 && decimals < 8 {
		step *= 10
		decimals++
	}
	return decimals
}

// DefaultInstruments returns the built-in catalog used when no file is
// configured. Contract terms follow common retail FX/crypto conventions.
func DefaultInstruments() []Instrument {
	return []Instrument{
		{Symbol: "EURUSD", PipSize: 0.0001, VolumeStep: 0.01, MinVolume: 0.01, MaxVolume: 100, ContractSize: 100000, SpreadBaseline: 1.0, TWAPThreshold: 5.0},
		{Symbol: "GBPUSD", PipSize: 0.0001, VolumeStep: 0.01, MinVolume: 0.01, MaxVolume: 100, ContractSize: 100000, SpreadBaseline: 1.5, TWAPThreshold: 5.0},
		{Symbol: "USDJPY", PipSize: 0.01, VolumeStep: 0.01, MinVolume: 0.01, MaxVolume: 100, ContractSize: 100000, SpreadBaseline: 1.2, TWAPThreshold: 5.0},
		{Symbol: "XAUUSD", PipSize: 0.01, VolumeStep: 0.01, MinVolume: 0.01, MaxVolume: 50, ContractSize: 100, SpreadBaseline: 3.0, TWAPThreshold: 3.0},
		{Symbol: "BTCUSDT", PipSize: 0.01, VolumeStep: 0.001, MinVolume: 0.001, MaxVolume: 100, ContractSize: 1, SpreadBaseline: 2.0, TWAPThreshold: 2.0},
		{Symbol: "ETHUSDT", PipSize: 0.01, VolumeStep: 0.001, MinVolume: 0.001, MaxVolume: 500, ContractSize: 1, SpreadBaseline: 2.0, TWAPThreshold: 10.0},
	}
}
