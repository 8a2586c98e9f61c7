package orbit

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the build-time constants spec.md treats as compile-time
// defaults (§3, §4.1). They are ordinary struct fields here so an
// embedder can override them from a TOML document the way the wider
// katzenpost tree loads descriptor/config documents (DESIGN.md).
type Config struct {
	// ServiceBits is the number of high bits of an ObjectId.full_index
	// reserved for the service index; the rest is the object index.
	ServiceBits uint `toml:"service_bits"`

	// MutexRowsBits and MutexColsBits size the mutex pool at
	// 1<<(rows+cols) mutexes (spec §4.1).
	MutexRowsBits uint `toml:"mutex_rows_bits"`
	MutexColsBits uint `toml:"mutex_cols_bits"`

	// ObjectsPerMutexBits: one mutex protects 1<<this many contiguous
	// object indices.
	ObjectsPerMutexBits uint `toml:"objects_per_mutex_bits"`

	// SelectorCapacity bounds how many objects one Selector may hold
	// before the Scheduler treats it as full (spec §4.6).
	SelectorCapacity int `toml:"selector_capacity"`

	// MaxWorkers bounds how many selector-threads a Scheduler may grow
	// to under load (spec §4.6).
	MaxWorkers int `toml:"max_workers"`

	// FullScanIntervalSeconds is loaded and defaulted here but is not
	// passed on: Selectors created by a Scheduler always use the 60s
	// full-scan interval NewSelector defaults to (spec §4.5).
	FullScanIntervalSeconds int `toml:"full_scan_interval_seconds"`
}

// DefaultConfig returns the spec's documented defaults (service_bits=8
// on 64-bit builds, mutex grid 8+8=65536 mutexes, 64 objects/mutex).
func DefaultConfig() Config {
	return Config{
		ServiceBits:             8,
		MutexRowsBits:           8,
		MutexColsBits:           8,
		ObjectsPerMutexBits:     6, // 1<<6 == 64
		SelectorCapacity:        1024,
		MaxWorkers:              1,
		FullScanIntervalSeconds: 60,
	}
}

// SchedulerConfig projects the relevant fields of Config into the
// SchedulerConfig a Scheduler constructor expects, defaulting
// MinWorkers to 1 (spec §4.6: "a scheduler always keeps at least one
// selector alive").
func (c Config) SchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MinWorkers:       1,
		MaxWorkers:       c.MaxWorkers,
		SelectorCapacity: c.SelectorCapacity,
	}
}

// LoadConfig reads a TOML document and overlays it onto DefaultConfig,
// mirroring the teacher's zero-value-completed-with-defaults
// convention rather than requiring every field to be specified.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
