package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lautenbacher.net/dhtiot/sensor"
)

const CONFILE = "dhtiot.yml"

// Config is the complete configuration of the sampler as read from the
// YAML file.
type Config struct {
	DeviceID       string           `yaml:"DeviceID"`
	SampleInterval time.Duration    `yaml:"SampleInterval"`
	MaxSensors     int              `yaml:"MaxSensors"`
	History        HistoryConfig    `yaml:"History"`
	Sensors        []SensorConfig   `yaml:"Sensors"`
	Simulation     SimulationConfig `yaml:"Simulation"`
	Location       LocationConfig   `yaml:"Location"`
	RPC            RPCConfig        `yaml:"RPC"`
	Logging        LoggingConfig    `yaml:"Logging"`
}

type HistoryConfig struct {
	Size int `yaml:"Size"`
}

// SensorConfig describes one sensor. A negative pin disables sampling.
type SensorConfig struct {
	Name  string `yaml:"Name"`
	Pin   int    `yaml:"Pin"`
	Model string `yaml:"Model"`
}

type SimulationConfig struct {
	Enabled      bool    `yaml:"Enabled"`
	Seed         int64   `yaml:"Seed"`
	BaseTemp     float64 `yaml:"BaseTemp"`
	BaseHumidity float64 `yaml:"BaseHumidity"`
	GlitchRate   float64 `yaml:"GlitchRate"`
}

// LocationConfig enables the daylight flag in diagnostic records.
type LocationConfig struct {
	Enabled   bool    `yaml:"Enabled"`
	Latitude  float64 `yaml:"Latitude"`
	Longitude float64 `yaml:"Longitude"`
}

type RPCConfig struct {
	HTTP HTTPConfig `yaml:"HTTP"`
	MQTT MQTTConfig `yaml:"MQTT"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"Enabled"`
	Address string `yaml:"Address"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"Enabled"`
	Broker   string `yaml:"Broker"`
	ClientID string `yaml:"ClientID"`
}

type LoggingConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

// ReadConfig reads, defaults and validates the configuration file.
func ReadConfig(cfile string) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't find config file %s: %w", cfile, err)
	}
	defer f.Close()

	conf := Default()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", cfile, err)
	}
	return conf, nil
}

// Default returns the values used for keys missing from the file.
func Default() *Config {
	return &Config{
		DeviceID:       "dhtiot",
		SampleInterval: 5 * time.Second,
		MaxSensors:     1,
		History:        HistoryConfig{Size: 12},
		Simulation: SimulationConfig{
			BaseTemp:     21.0,
			BaseHumidity: 45.0,
			GlitchRate:   0.05,
		},
		RPC: RPCConfig{
			HTTP: HTTPConfig{Enabled: true, Address: ":8080"},
			MQTT: MQTTConfig{Broker: "tcp://localhost:1883"},
		},
		Logging: LoggingConfig{Level: "INFO", Format: "text"},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("DeviceID must not be empty"))
	}
	if c.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("SampleInterval must be positive, got %s", c.SampleInterval))
	}
	if c.History.Size < 1 {
		errs = append(errs, fmt.Errorf("History.Size must be at least 1, got %d", c.History.Size))
	}
	if c.MaxSensors < 1 {
		errs = append(errs, fmt.Errorf("MaxSensors must be at least 1, got %d", c.MaxSensors))
	}
	if len(c.Sensors) > c.MaxSensors {
		errs = append(errs, fmt.Errorf("at most %d sensors can be configured, got %d", c.MaxSensors, len(c.Sensors)))
	}
	pins := make(map[int]string, len(c.Sensors))
	for i, s := range c.Sensors {
		if _, err := sensor.ParseModel(s.Model); err != nil {
			errs = append(errs, fmt.Errorf("Sensors[%d]: %w", i, err))
		}
		if s.Pin > sensor.MaxPin {
			errs = append(errs, fmt.Errorf("Sensors[%d].Pin must be between 0 and %d, got %d", i, sensor.MaxPin, s.Pin))
		}
		if s.Pin >= 0 {
			if other, ok := pins[s.Pin]; ok {
				errs = append(errs, fmt.Errorf("Sensors[%d] uses pin %d already used by %q", i, s.Pin, other))
			}
			pins[s.Pin] = s.Name
		}
	}
	if c.Simulation.GlitchRate < 0 || c.Simulation.GlitchRate > 1 {
		errs = append(errs, fmt.Errorf("Simulation.GlitchRate must be between 0 and 1, got %v", c.Simulation.GlitchRate))
	}
	if c.Location.Enabled {
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
			errs = append(errs, fmt.Errorf("Location.Latitude must be between -90 and 90, got %v", c.Location.Latitude))
		}
		if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			errs = append(errs, fmt.Errorf("Location.Longitude must be between -180 and 180, got %v", c.Location.Longitude))
		}
	}
	if c.RPC.HTTP.Enabled && c.RPC.HTTP.Address == "" {
		errs = append(errs, errors.New("RPC.HTTP.Address must be set when HTTP is enabled"))
	}
	if c.RPC.MQTT.Enabled && c.RPC.MQTT.Broker == "" {
		errs = append(errs, errors.New("RPC.MQTT.Broker must be set when MQTT is enabled"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "tint":
	default:
		errs = append(errs, fmt.Errorf("Logging.Format must be one of text, json, tint, got %q", c.Logging.Format))
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("Logging.Level must be one of DEBUG, INFO, WARN, ERROR, got %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// Enabled reports whether the sampler has a sensor to poll. As on the
// device, a negative pin on the first sensor switches sampling off.
func (c *Config) Enabled() bool {
	return len(c.Sensors) > 0 && c.Sensors[0].Pin >= 0
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
