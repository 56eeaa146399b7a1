package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "followbridge"
const ConfigFileName = "config.yaml"
const AppConfigDir = ".config/followbridge"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int           `yaml:"httpPort"`
		Origin            string        `yaml:"origin"`
		Database          string        `yaml:"database"`
		Secret            string        `yaml:"secret"`
		IndieAuthUrl      string        `yaml:"indieAuthUrl"`
		RedisAddr         string        `yaml:"redisAddr"`
		RequestTimeout    time.Duration `yaml:"requestTimeout"`
		ActorCacheTTL     time.Duration `yaml:"actorCacheTTL"`
		DiscoveryCacheTTL time.Duration `yaml:"discoveryCacheTTL"`
		WithMetrics       bool          `yaml:"withMetrics"`
		Debug             bool          `yaml:"debug"`
	}
}

// ReadConf loads the configuration. An explicit path wins; otherwise
// config.yaml is looked up in the working directory and then in
// ~/.config/followbridge, falling back to the embedded defaults.
// FOLLOWBRIDGE_* environment variables are applied last.
func ReadConf(path string) (*AppConfig, error) {
	c := &AppConfig{}

	if path == "" {
		path = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", path)
		buf = embeddedConfig
	}

	// Defaults first so a partial file only overrides what it names.
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	c.Conf.Origin = strings.TrimSuffix(c.Conf.Origin, "/")
	if c.Conf.Origin == "" {
		return nil, fmt.Errorf("origin must be set")
	}

	return c, nil
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("FOLLOWBRIDGE_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("FOLLOWBRIDGE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FOLLOWBRIDGE_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}

	if v := os.Getenv("FOLLOWBRIDGE_ORIGIN"); v != "" {
		c.Conf.Origin = v
	}
	if v := os.Getenv("FOLLOWBRIDGE_DATABASE"); v != "" {
		c.Conf.Database = v
	}
	if v := os.Getenv("FOLLOWBRIDGE_SECRET"); v != "" {
		c.Conf.Secret = v
	}
	if v := os.Getenv("FOLLOWBRIDGE_INDIEAUTH_URL"); v != "" {
		c.Conf.IndieAuthUrl = v
	}
	if v := os.Getenv("FOLLOWBRIDGE_REDIS_ADDR"); v != "" {
		c.Conf.RedisAddr = v
	}

	durations := map[string]*time.Duration{
		"FOLLOWBRIDGE_REQUEST_TIMEOUT":     &c.Conf.RequestTimeout,
		"FOLLOWBRIDGE_ACTOR_CACHE_TTL":     &c.Conf.ActorCacheTTL,
		"FOLLOWBRIDGE_DISCOVERY_CACHE_TTL": &c.Conf.DiscoveryCacheTTL,
	}
	for name, target := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*target = d
	}

	if v := os.Getenv("FOLLOWBRIDGE_WITH_METRICS"); v != "" {
		c.Conf.WithMetrics = v == "true"
	}
	if os.Getenv("FOLLOWBRIDGE_DEBUG") == "true" {
		c.Conf.Debug = true
	}

	return nil
}

// GetConfigDir returns ~/.config/followbridge, creating it if needed.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath prefers a file in the working directory, then one in the
// user config directory. If neither exists the user config path is returned.
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}

	return filepath.Join(configDir, filename)
}
