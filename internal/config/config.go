package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dusklight/duskd/internal/state"
	"github.com/dusklight/duskd/internal/sunsched"
)

// Config represents the daemon configuration. Values come from the
// optional YAML file, overridden by command-line flags.
type Config struct {
	// Outputs restricts gamma control to the named outputs. Empty
	// means every output the compositor advertises.
	Outputs []string `yaml:"outputs"`

	LowTemp  int `yaml:"low_temp"`
	HighTemp int `yaml:"high_temp"`

	Latitude  *float64 `yaml:"lat,omitempty"`
	Longitude *float64 `yaml:"lon,omitempty"`

	// Sunrise/Sunset are fixed HH:MM times; both or neither.
	Sunrise string `yaml:"sunrise"`
	Sunset  string `yaml:"sunset"`

	Duration Duration `yaml:"duration"`

	Mode string `yaml:"mode"`

	// Socket is the control channel endpoint; empty disables it.
	Socket string `yaml:"socket"`

	Log LogConfig `yaml:"log"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	JSON   bool   `yaml:"json"`
	Colors bool   `yaml:"colors"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LowTemp:  4000,
		HighTemp: 6500,
		Duration: Duration(1800 * time.Second),
		Mode:     "auto",
		Log:      LogConfig{Level: "info", Colors: true},
	}
}

// Load reads and parses the configuration file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent configuration at startup.
func (c *Config) Validate() error {
	if c.LowTemp <= 0 || c.HighTemp <= 0 {
		return fmt.Errorf("temperatures must be positive, got low=%d high=%d", c.LowTemp, c.HighTemp)
	}
	if c.LowTemp >= c.HighTemp {
		return fmt.Errorf("low temperature (%d) must be below high temperature (%d)", c.LowTemp, c.HighTemp)
	}
	if c.Duration.Duration() <= 0 {
		return fmt.Errorf("transition duration must be positive")
	}

	if (c.Sunrise == "") != (c.Sunset == "") {
		return fmt.Errorf("provide both sunrise and sunset times, or neither")
	}
	if c.Sunrise != "" {
		if _, err := sunsched.ParseClockTime(c.Sunrise); err != nil {
			return fmt.Errorf("invalid sunrise: %w", err)
		}
		if _, err := sunsched.ParseClockTime(c.Sunset); err != nil {
			return fmt.Errorf("invalid sunset: %w", err)
		}
	}

	if (c.Latitude == nil) != (c.Longitude == nil) {
		return fmt.Errorf("provide both latitude and longitude, or neither")
	}
	if c.Latitude != nil {
		if *c.Latitude < -90 || *c.Latitude > 90 {
			return fmt.Errorf("latitude %f out of range [-90, 90]", *c.Latitude)
		}
		if *c.Longitude < -180 || *c.Longitude > 180 {
			return fmt.Errorf("longitude %f out of range [-180, 180]", *c.Longitude)
		}
	}

	if _, err := state.ParseMode(c.Mode); err != nil {
		return err
	}
	return nil
}

// FixedTimes reports whether fixed sunrise/sunset times are configured.
func (c *Config) FixedTimes() bool {
	return c.Sunrise != "" && c.Sunset != ""
}

// HasLocation reports whether explicit coordinates are configured.
func (c *Config) HasLocation() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// Schedule builds the scheduler configuration. Call after Validate;
// when fixed times are absent, lat/lon must have been filled in (from
// config or the location provider).
func (c *Config) Schedule() sunsched.Config {
	sc := sunsched.Config{Duration: c.Duration.Duration()}
	if c.FixedTimes() {
		sunrise, _ := sunsched.ParseClockTime(c.Sunrise)
		sunset, _ := sunsched.ParseClockTime(c.Sunset)
		sc.FixedSunrise = &sunrise
		sc.FixedSunset = &sunset
		return sc
	}
	if c.Latitude != nil {
		sc.Latitude = *c.Latitude
	}
	if c.Longitude != nil {
		sc.Longitude = *c.Longitude
	}
	return sc
}

// InitialMode returns the startup mode. Call after Validate.
func (c *Config) InitialMode() state.Mode {
	mode, _ := state.ParseMode(c.Mode)
	return mode
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)
	return re.ReplaceAllStringFunc(input, func(match string) string {
		groups := re.FindStringSubmatch(match)
		name := groups[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return groups[2]
	})
}
