package cogs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LotMergePolicy controls how execute_run merges caller-supplied lots into
// the persisted inventory.
type LotMergePolicy string

const (
	LotMergeReject             LotMergePolicy = "reject"
	LotMergeUpsertIncreaseOnly LotMergePolicy = "upsert_increase_only"
)

// Mode is the costing method tag carried on every Run. Only "fifo" is
// implemented; "avg" is reserved for a future weighted-average extension.
type Mode string

const (
	ModeFIFO Mode = "fifo"
)

var supportedModes = map[Mode]bool{ModeFIFO: true}

// SupportedMode reports whether m is a recognized mode value.
func SupportedMode(m Mode) bool { return supportedModes[m] }

// defaultFinalPrecision is the number of decimal places final monetary sums
// round to unless a loaded Config overrides decimal_precision_monetary.
const defaultFinalPrecision = 2

// Config is the set of configuration options the core consumes.
type Config struct {
	DecimalPrecisionMonetary int            `yaml:"decimal_precision_monetary"`
	RequireDateGuard         bool           `yaml:"require_date_guard"`
	LotMergePolicy           LotMergePolicy `yaml:"lot_merge_policy"`
}

// FinalPrecision returns the configured number of decimal places final
// monetary sums (attribution and summary totals) round to. Intermediate
// unit-cost averages keep intermediatePrecisionPad more digits than this.
func (c Config) FinalPrecision() int32 { return int32(c.DecimalPrecisionMonetary) }

// DefaultConfig returns the engine's default configuration: 2 final / 4
// intermediate decimal places, date guard enabled, upsert-increase-only lot
// merging.
func DefaultConfig() Config {
	return Config{
		DecimalPrecisionMonetary: defaultFinalPrecision,
		RequireDateGuard:         true,
		LotMergePolicy:           LotMergeUpsertIncreaseOnly,
	}
}

// LoadConfigFile reads a YAML config file overlaying DefaultConfig, for
// batch/offline invocations of cmd/cogsrun. A missing file is not an error;
// DefaultConfig is returned unmodified.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cogs: read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cogs: parse config file %s: %w", path, err)
	}
	if cfg.LotMergePolicy != LotMergeReject && cfg.LotMergePolicy != LotMergeUpsertIncreaseOnly {
		return cfg, fmt.Errorf("cogs: unknown lot_merge_policy %q", cfg.LotMergePolicy)
	}
	if cfg.DecimalPrecisionMonetary < 0 {
		return cfg, fmt.Errorf("cogs: decimal_precision_monetary must be >= 0, got %d", cfg.DecimalPrecisionMonetary)
	}
	return cfg, nil
}
