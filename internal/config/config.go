// Package config holds the development harness configuration: where to
// listen, where session state lives, which host to talk to, and the fixture
// records the built-in simulator serves. The host-injected calendar
// configuration is a separate concern (internal/hostcfg).
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RecordFixture is one simulated host record.
type RecordFixture struct {
	// Fields maps bare host field names to scalar values, mirroring the
	// fieldData section of a find response.
	Fields map[string]string `yaml:"fields" json:"fields"`
}

// QuirksConfig toggles simulated host misbehavior.
type QuirksConfig struct {
	// OmitFetchID makes the simulator drop the correlation id from its
	// callbacks, exercising the transport's single-pending fallback.
	OmitFetchID bool `yaml:"omit_fetch_id" json:"omit_fetch_id"`

	// ResponseDelayMs postpones every simulated callback.
	ResponseDelayMs int `yaml:"response_delay_ms" json:"response_delay_ms"`

	// Mute swallows find requests entirely, so fetches run into the
	// transport timeout.
	Mute bool `yaml:"mute" json:"mute"`
}

// Config is the top-level harness configuration.
type Config struct {
	// Listen is the HTTP listen address for the status server.
	Listen string `yaml:"listen" json:"listen"`

	// StateDir is where the session store keeps its recovery cache.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// PropsFile is a file containing the injected props payload, in any of
	// the shapes the host delivers (JSON object or quoted/escaped string).
	// Empty or missing means initialization falls back to the session
	// cache and then to an empty configuration.
	PropsFile string `yaml:"props_file" json:"props_file"`

	// HostWS, when set, connects to an out-of-process host over a
	// websocket instead of using the built-in simulator.
	HostWS string `yaml:"host_ws" json:"host_ws"`

	// RefreshCron re-fetches the current range on a schedule.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays / BackfillDays define the initial visible range around
	// today.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// Records are the simulator's fixture records.
	Records []RecordFixture `yaml:"records" json:"records"`

	Quirks QuirksConfig `yaml:"quirks" json:"quirks"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		StateDir:     "./var/session",
		RefreshCron:  "*/15 * * * *",
		HorizonDays:  30,
		BackfillDays: 7,
		Records:      []RecordFixture{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.StateDir == "" {
		c.StateDir = "./var/session"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 30
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.Records == nil {
		c.Records = []RecordFixture{}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there (0600)
//     and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename, 0600).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".fmcalbridge-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
