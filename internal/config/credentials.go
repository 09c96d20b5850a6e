package config

import (
	"go.mau.fi/teams-agents/internal/teams/auth"
)

const DefaultGraphScope = "https://graph.microsoft.com/.default"

var ErrConfigurationMissing = auth.ErrConfigurationMissing

type Credentials struct {
	AppID     string
	AppSecret string
	TenantID  string
}

// ResolveCredentials returns false when any of the bot credentials is missing.
// Callers treat that as the channel being disabled.
func ResolveCredentials(cfg *Config, envCfg *EnvConfig) (*Credentials, bool) {
	cfg, envCfg = orEmpty(cfg, envCfg)
	creds := &Credentials{
		AppID:     pick(cfg.AppID, envCfg.AppID),
		AppSecret: pick(cfg.AppPassword, envCfg.AppPassword),
		TenantID:  pick(cfg.TenantID, envCfg.TenantID),
	}
	if creds.AppID == "" || creds.AppSecret == "" || creds.TenantID == "" {
		return nil, false
	}
	return creds, true
}

func ResolveAgentIdentity(cfg *Config, envCfg *EnvConfig) string {
	cfg, envCfg = orEmpty(cfg, envCfg)
	if v := pick(cfg.AgentIdentity, envCfg.AgentIdentity); v != "" {
		return v
	}
	return pick(cfg.Owner, envCfg.Owner)
}

// GraphTokenConfigFrom merges config and environment without validating, so a
// token callback can still serve requests when the exchange is not configured.
func GraphTokenConfigFrom(cfg *Config, envCfg *EnvConfig) auth.GraphTokenConfig {
	cfg, envCfg = orEmpty(cfg, envCfg)
	gc := auth.GraphTokenConfig{
		TenantID:              pick(cfg.TenantID, envCfg.TenantID),
		BlueprintClientAppID:  pick(cfg.Graph.BlueprintClientAppID, envCfg.BlueprintClientAppID),
		BlueprintClientSecret: pick(cfg.Graph.BlueprintClientSecret, envCfg.BlueprintClientSecret),
		AAInstanceID:          pick(cfg.Graph.AAInstanceID, envCfg.AAInstanceID),
		Scope:                 pick(cfg.Graph.Scope, envCfg.GraphScope),
	}
	if gc.Scope == "" {
		gc.Scope = DefaultGraphScope
	}
	return gc
}

func ResolveGraphTokenConfig(cfg *Config, envCfg *EnvConfig) (*auth.GraphTokenConfig, error) {
	gc := GraphTokenConfigFrom(cfg, envCfg)
	if err := gc.Validate(); err != nil {
		return nil, err
	}
	return &gc, nil
}

func ResolveTokenCallback(cfg *Config, envCfg *EnvConfig) (url, token string) {
	cfg, envCfg = orEmpty(cfg, envCfg)
	return pick(cfg.TokenCallback.URL, envCfg.TokenCallbackURL), pick(cfg.TokenCallback.Token, envCfg.TokenCallbackToken)
}

func ResolveStorePath(cfg *Config, envCfg *EnvConfig) string {
	cfg, envCfg = orEmpty(cfg, envCfg)
	return pick(cfg.Store.Path, envCfg.StorePath)
}

func ResolveServerToken(cfg *Config, envCfg *EnvConfig) string {
	cfg, envCfg = orEmpty(cfg, envCfg)
	return pick(cfg.Server.Token, envCfg.ServerToken)
}

func orEmpty(cfg *Config, envCfg *EnvConfig) (*Config, *EnvConfig) {
	if cfg == nil {
		cfg = &Config{}
	}
	if envCfg == nil {
		envCfg = &EnvConfig{}
	}
	return cfg, envCfg
}
