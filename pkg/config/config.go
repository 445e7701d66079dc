// Package config holds every tunable the engine consumes, loaded from a
// YAML file over compiled-in defaults and hot-reloadable without restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "90m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// RollupWindow bounds one resolution's background refresh.
type RollupWindow struct {
	Refresh  Duration `yaml:"refresh"`
	Lag      Duration `yaml:"lag"`
	Lookback Duration `yaml:"lookback"`
}

// Heartbeat gives the nominal reporting interval and how much elapsed time a
// single heartbeat covers before being considered stale.
type Heartbeat struct {
	Interval Duration `yaml:"interval"`
	TTL      Duration `yaml:"ttl"`
}

// Retention gives per-tier max ages plus the global size policy.
type Retention struct {
	RawSamples       Duration `yaml:"raw_samples"`
	Rollup1m         Duration `yaml:"rollup_1m"`
	Rollup15m        Duration `yaml:"rollup_15m"`
	Rollup1h         Duration `yaml:"rollup_1h"`
	Heartbeats       Duration `yaml:"heartbeats"`
	Logs             Duration `yaml:"logs"`
	ProcessSnapshots Duration `yaml:"process_snapshots"`

	MaxStorageBytes int64    `yaml:"max_storage_bytes"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	EvictBatch      int      `yaml:"evict_batch"`
}

// DiskGuard gives the write-admission thresholds.
type DiskGuard struct {
	MinFreeBytes   int64   `yaml:"min_free_bytes"`
	MinFreePercent float64 `yaml:"min_free_percent"`
}

// Config is one immutable configuration snapshot.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	Backend string `yaml:"backend"` // "badger" or "memory"

	Heartbeat Heartbeat `yaml:"heartbeat"`

	Rollup struct {
		OneMinute     RollupWindow `yaml:"1m"`
		FifteenMinute RollupWindow `yaml:"15m"`
		OneHour       RollupWindow `yaml:"1h"`
	} `yaml:"rollup"`

	Retention Retention `yaml:"retention"`
	DiskGuard DiskGuard `yaml:"disk_guard"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	var c Config
	c.Listen = ":8420"
	c.DataDir = "./data/hostbeat"
	c.Backend = "badger"

	c.Heartbeat.Interval = Duration(60 * time.Second)
	c.Heartbeat.TTL = Duration(120 * time.Second)

	c.Rollup.OneMinute = RollupWindow{
		Refresh:  Duration(time.Minute),
		Lag:      Duration(2 * time.Minute),
		Lookback: Duration(time.Hour),
	}
	c.Rollup.FifteenMinute = RollupWindow{
		Refresh:  Duration(5 * time.Minute),
		Lag:      Duration(5 * time.Minute),
		Lookback: Duration(6 * time.Hour),
	}
	c.Rollup.OneHour = RollupWindow{
		Refresh:  Duration(15 * time.Minute),
		Lag:      Duration(10 * time.Minute),
		Lookback: Duration(48 * time.Hour),
	}

	c.Retention = Retention{
		RawSamples:       Duration(3 * 24 * time.Hour),
		Rollup1m:         Duration(7 * 24 * time.Hour),
		Rollup15m:        Duration(30 * 24 * time.Hour),
		Rollup1h:         Duration(365 * 24 * time.Hour),
		Heartbeats:       Duration(30 * 24 * time.Hour),
		Logs:             Duration(7 * 24 * time.Hour),
		ProcessSnapshots: Duration(24 * time.Hour),
		MaxStorageBytes:  1 << 30, // 1 GiB
		SweepInterval:    Duration(time.Hour),
		EvictBatch:       1000,
	}

	c.DiskGuard = DiskGuard{
		MinFreeBytes:   1 << 30, // 1 GiB
		MinFreePercent: 5,
	}
	return c
}

// Load reads path over the defaults and validates the result. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, c.Validate()
		}
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, c.Validate()
}

// Validate rejects configurations the engine cannot honor. In particular
// the tier max ages must be monotonic: coarser resolutions are cheaper to
// keep, so each coarser tier must live at least as long as the finer one.
func (c Config) Validate() error {
	r := c.Retention
	if r.RawSamples > r.Rollup1m || r.Rollup1m > r.Rollup15m || r.Rollup15m > r.Rollup1h {
		return fmt.Errorf("retention: tier max ages must satisfy raw (%v) <= 1m (%v) <= 15m (%v) <= 1h (%v)",
			r.RawSamples.D(), r.Rollup1m.D(), r.Rollup15m.D(), r.Rollup1h.D())
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat: interval must be positive")
	}
	if c.Heartbeat.TTL < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat: ttl (%v) must be at least the interval (%v)",
			c.Heartbeat.TTL.D(), c.Heartbeat.Interval.D())
	}
	if c.DiskGuard.MinFreePercent < 0 || c.DiskGuard.MinFreePercent > 100 {
		return fmt.Errorf("disk_guard: min_free_percent must be in [0, 100]")
	}
	if c.Backend != "badger" && c.Backend != "memory" {
		return fmt.Errorf("backend must be \"badger\" or \"memory\", got %q", c.Backend)
	}
	return nil
}
