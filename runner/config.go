package runner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/chatwatch/answerwatch"
	"github.com/hazyhaar/chatwatch/attach"
	"github.com/hazyhaar/chatwatch/browser"
	"github.com/hazyhaar/chatwatch/chatdom"
)

// Config is the top-level chatwatch configuration.
type Config struct {
	Browser browser.Config     `yaml:"browser"`
	Chat    ChatConfig         `yaml:"chat"`
	Profile chatdom.Profile    `yaml:"profile"`
	Wait    answerwatch.Config `yaml:"wait"`
	Attach  attach.Config      `yaml:"attach"`
	Log     LogConfig          `yaml:"log"`
}

// ChatConfig points the runner at one chat surface.
type ChatConfig struct {
	// URL opens a fresh tab on the chat application.
	URL string `yaml:"url"`
	// AttachTo reuses an already open tab whose URL starts with this
	// prefix — the tab the user logged in on. Tried before URL when both
	// are set.
	AttachTo string `yaml:"attach_to"`
}

// LogConfig controls console logging and the persisted session log.
type LogConfig struct {
	// Level is the slog level for console output: debug, info, warn, error.
	Level string `yaml:"level"`
	// Verbose raises diagnostic events to Info and enables DOM dump
	// capture on terminal failures.
	Verbose bool `yaml:"verbose"`
	// DBPath locates the SQLite session log. Empty disables persistence.
	DBPath string `yaml:"db_path"`
}

// LoadConfigFile reads a YAML configuration file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runner: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("runner: parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults normalizes the profile and log settings. The browser, wait
// and attach sections normalize themselves inside their constructors.
func (c *Config) ApplyDefaults() {
	c.Profile.ApplyDefaults()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
