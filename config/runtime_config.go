package config

import "time"

// RuntimeConfig defines the subset of the configuration that can be
// safely modified at runtime through the Config.Set RPC. It excludes the
// sensor wiring, the device identity and the RPC endpoints.
type RuntimeConfig struct {
	SampleInterval time.Duration    `yaml:"SampleInterval" json:"SampleInterval"`
	History        HistoryConfig    `yaml:"History" json:"History"`
	Simulation     SimulationConfig `yaml:"Simulation" json:"Simulation"`
	Location       LocationConfig   `yaml:"Location" json:"Location"`
	Logging        LoggingConfig    `yaml:"Logging" json:"Logging"`
}

// Runtime extracts the runtime-safe part of c.
func (c *Config) Runtime() RuntimeConfig {
	return RuntimeConfig{
		SampleInterval: c.SampleInterval,
		History:        c.History,
		Simulation:     c.Simulation,
		Location:       c.Location,
		Logging:        c.Logging,
	}
}

// Merge overwrites the runtime-safe part of c with rc.
func (c *Config) Merge(rc RuntimeConfig) {
	c.SampleInterval = rc.SampleInterval
	c.History = rc.History
	c.Simulation = rc.Simulation
	c.Location = rc.Location
	c.Logging = rc.Logging
}
