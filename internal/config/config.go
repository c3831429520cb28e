// Package config loads swimd's node configuration: bind address, seeds,
// initial metadata, log level, and protocol timing constants (spec §6).
//
// Grounded on the teacher's gossip.DefaultConfig()/observability.
// DefaultTracerConfig() constructor pattern, with file loading via
// BurntSushi/toml — the format the teacher's own CLI docstrings reference
// for ~/.tutu/config.toml.
package config

import (
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is a node's full runtime configuration.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	Seeds []string `toml:"seeds"`

	// InitialMetadata seeds the state store at construction: namespace -> key -> value.
	InitialMetadata map[string]map[string]interface{} `toml:"initial_metadata"`

	LogLevel string `toml:"log_level"`

	Timing Timing `toml:"timing"`
}

// Timing holds the six protocol timing constants of spec §6, plus the
// indirect-probe fan-out k and the seed bootstrap timeout.
type Timing struct {
	ProbeInterval    time.Duration `toml:"probe_interval"`
	PingTimeout      time.Duration `toml:"ping_timeout"`
	PingReqTimeout   time.Duration `toml:"ping_req_timeout"`
	SuspectTimeout   time.Duration `toml:"suspect_timeout"`
	DeadRemovalGrace time.Duration `toml:"dead_removal_grace"`
	SyncInterval     time.Duration `toml:"sync_interval"`
	IndirectFanout   int           `toml:"indirect_fanout"`
	BootstrapTimeout time.Duration `toml:"bootstrap_timeout"`
}

// DefaultTiming returns the spec §6 default timing constants.
func DefaultTiming() Timing {
	return Timing{
		ProbeInterval:    1 * time.Second,
		PingTimeout:      500 * time.Millisecond,
		PingReqTimeout:   500 * time.Millisecond,
		SuspectTimeout:   5 * time.Second,
		DeadRemovalGrace: 30 * time.Second,
		SyncInterval:     10 * time.Second,
		IndirectFanout:   3,
		BootstrapTimeout: 10 * time.Second,
	}
}

// DefaultConfig returns a single-node-capable default configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "0.0.0.0",
		Port:     7946,
		LogLevel: "info",
		Timing:   DefaultTiming(),
	}
}

// Load reads a TOML config file, filling any unset timing fields with
// spec §6 defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyTimingDefaults()
	return cfg, nil
}

func (c *Config) applyTimingDefaults() {
	d := DefaultTiming()
	if c.Timing.ProbeInterval == 0 {
		c.Timing.ProbeInterval = d.ProbeInterval
	}
	if c.Timing.PingTimeout == 0 {
		c.Timing.PingTimeout = d.PingTimeout
	}
	if c.Timing.PingReqTimeout == 0 {
		c.Timing.PingReqTimeout = d.PingReqTimeout
	}
	if c.Timing.SuspectTimeout == 0 {
		c.Timing.SuspectTimeout = d.SuspectTimeout
	}
	if c.Timing.DeadRemovalGrace == 0 {
		c.Timing.DeadRemovalGrace = d.DeadRemovalGrace
	}
	if c.Timing.SyncInterval == 0 {
		c.Timing.SyncInterval = d.SyncInterval
	}
	if c.Timing.IndirectFanout == 0 {
		c.Timing.IndirectFanout = d.IndirectFanout
	}
	if c.Timing.BootstrapTimeout == 0 {
		c.Timing.BootstrapTimeout = d.BootstrapTimeout
	}
}

// BindAddr formats host:port for transport.Start.
func (c Config) BindAddr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
