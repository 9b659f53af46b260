// Package config loads the service configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/gatewave/core/remoterule"
)

const DefaultPath = "gatewave.yaml"

type Config struct {
	PoliciesDir string         `yaml:"policies_dir"`
	ResultsURL  string         `yaml:"results_url"`
	WaiversURL  string         `yaml:"waivers_url"`
	KojiURL     string         `yaml:"koji_url"`
	HTTPTimeout time.Duration  `yaml:"http_timeout"`
	RemoteRules RemoteRules    `yaml:"remote_rules"`
	Cache       CacheConfig    `yaml:"cache"`
	Listener    ListenerConfig `yaml:"listener"`
	Logging     LoggingConfig  `yaml:"logging"`
}

type RemoteRules struct {
	// Templates maps subject type to the fragment URL template; "*" is the
	// fallback entry.
	Templates map[string]string `yaml:"templates"`
}

type CacheConfig struct {
	// Backend is "memory", "redis" or "" (no sticky result cache).
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	Redis    string        `yaml:"redis"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
}

type ListenerConfig struct {
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id"`
	WaiverTopic   string   `yaml:"waiver_topic"`
	DecisionTopic string   `yaml:"decision_topic"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the config file and applies environment overrides. A missing
// file is allowed when allowMissing is set; environment overrides still
// apply to the zero config.
func Load(path string, allowMissing bool) (Config, error) {
	var cfg Config
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return Config{}, fmt.Errorf("config path is required")
	}

	// #nosec G304 -- config path is explicit operator input.
	content, err := os.ReadFile(trimmed)
	if err != nil {
		if !os.IsNotExist(err) || !allowMissing {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if len(strings.TrimSpace(string(content))) > 0 {
		if err := yaml.UnmarshalWithOptions(content, &cfg, yaml.DisallowUnknownField()); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.PoliciesDir, "GATEWAVE_POLICIES_DIR")
	overrideString(&c.ResultsURL, "GATEWAVE_RESULTS_URL")
	overrideString(&c.WaiversURL, "GATEWAVE_WAIVERS_URL")
	overrideString(&c.KojiURL, "GATEWAVE_KOJI_URL")
	overrideString(&c.Cache.Backend, "GATEWAVE_CACHE_BACKEND")
	overrideString(&c.Cache.Redis, "GATEWAVE_CACHE_REDIS")
	overrideString(&c.Cache.Password, "GATEWAVE_CACHE_PASSWORD")
	overrideInt(&c.Cache.DB, "GATEWAVE_CACHE_DB")
	overrideString(&c.Listener.GroupID, "GATEWAVE_LISTENER_GROUP_ID")
	overrideString(&c.Logging.Level, "GATEWAVE_LOG_LEVEL")
	overrideString(&c.Logging.File, "GATEWAVE_LOG_FILE")
	if brokers := os.Getenv("GATEWAVE_LISTENER_BROKERS"); brokers != "" {
		c.Listener.Brokers = strings.Split(brokers, ",")
	}
}

func (c *Config) normalize() {
	c.PoliciesDir = strings.TrimSpace(c.PoliciesDir)
	c.ResultsURL = strings.TrimRight(strings.TrimSpace(c.ResultsURL), "/")
	c.WaiversURL = strings.TrimRight(strings.TrimSpace(c.WaiversURL), "/")
	c.KojiURL = strings.TrimSpace(c.KojiURL)
	for i, broker := range c.Listener.Brokers {
		c.Listener.Brokers[i] = strings.TrimSpace(broker)
	}
	if c.Listener.WaiverTopic == "" {
		c.Listener.WaiverTopic = "waiver.new"
	}
	if c.Listener.DecisionTopic == "" {
		c.Listener.DecisionTopic = "decision.update"
	}
	if c.Listener.GroupID == "" {
		c.Listener.GroupID = "gatewave"
	}
}

// URLTemplates converts the configured remote rule templates.
func (c *Config) URLTemplates() remoterule.URLTemplates {
	if len(c.RemoteRules.Templates) == 0 {
		return nil
	}
	templates := make(remoterule.URLTemplates, len(c.RemoteRules.Templates))
	for subjectType, template := range c.RemoteRules.Templates {
		templates[subjectType] = template
	}
	return templates
}

func overrideString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func overrideInt(target *int, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}
