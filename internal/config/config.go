package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

type GraphConfig struct {
	BlueprintClientAppID  string `yaml:"blueprintClientAppId"`
	BlueprintClientSecret string `yaml:"blueprintClientSecret"`
	AAInstanceID          string `yaml:"aaInstanceId"`
	Scope                 string `yaml:"scope"`
}

type TokenCallbackConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type StoreConfig struct {
	// Type is either "file" (default) or "database".
	Type     string        `yaml:"type"`
	Path     string        `yaml:"path"`
	Dialect  string        `yaml:"dialect"`
	URI      string        `yaml:"uri"`
	CacheTTL time.Duration `yaml:"cacheTtl"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type Config struct {
	AppID       string `yaml:"appId"`
	AppPassword string `yaml:"appPassword"`
	TenantID    string `yaml:"tenantId"`

	AgentIdentity string `yaml:"agentIdentity"`
	Owner         string `yaml:"owner"`

	Graph         GraphConfig         `yaml:"graph"`
	TokenCallback TokenCallbackConfig `yaml:"tokenCallback"`
	Store         StoreConfig         `yaml:"store"`
	Server        ServerConfig        `yaml:"server"`

	Logging zeroconfig.Config `yaml:"logging"`
}

// Load reads a YAML config file. A missing file yields an empty config so that
// deployments configured purely through the environment still start.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		} else if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.Logging = withDefaultWriter(cfg.Logging)
	return cfg, nil
}

// withDefaultWriter gives a logging block without writers a single stdout
// writer at info level. zeroconfig compiles an empty block to a no-op logger.
func withDefaultWriter(cfg zeroconfig.Config) zeroconfig.Config {
	if len(cfg.Writers) > 0 {
		return cfg
	}
	if cfg.MinLevel == nil {
		level := zerolog.InfoLevel
		cfg.MinLevel = &level
	}
	cfg.Writers = []zeroconfig.WriterConfig{{
		Type:   zeroconfig.WriterTypeStdout,
		Format: zeroconfig.LogFormatPrettyColored,
	}}
	return cfg
}
