package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime engine's on-disk configuration. Every field has a
// default so an empty or missing file is valid.
type Config struct {
	// DockerHost overrides DOCKER_HOST when set.
	DockerHost string `yaml:"dockerHost"`
	// Network is the engine network that carries management addresses.
	Network    string `yaml:"network"`
	Privileged bool   `yaml:"privileged"`
	LogLevel   string `yaml:"logLevel"`

	ReadyTimeout Duration `yaml:"readyTimeout"`
	PollInterval Duration `yaml:"pollInterval"`
	StopTimeout  Duration `yaml:"stopTimeout"`
}

// Duration reads "30s"-style strings from yaml.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func Default() Config {
	return Config{
		Network:      "bridge",
		Privileged:   true,
		LogLevel:     "info",
		ReadyTimeout: Duration{300 * time.Second},
		PollInterval: Duration{5 * time.Second},
		StopTimeout:  Duration{10 * time.Second},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %v", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling config file: %v", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network must not be empty")
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("pollInterval must be positive")
	}
	if c.ReadyTimeout.Duration < c.PollInterval.Duration {
		return fmt.Errorf("readyTimeout %s is shorter than pollInterval %s", c.ReadyTimeout, c.PollInterval)
	}
	if c.StopTimeout.Duration < 0 {
		return fmt.Errorf("stopTimeout must not be negative")
	}
	return nil
}
