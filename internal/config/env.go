package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvConfig mirrors every Config field that may fall back to the environment.
type EnvConfig struct {
	AppID       string `env:"MSTEAMS_APP_ID"`
	AppPassword string `env:"MSTEAMS_APP_PASSWORD"`
	TenantID    string `env:"MSTEAMS_TENANT_ID"`

	AgentIdentity string `env:"MSTEAMS_AGENT_IDENTITY"`
	Owner         string `env:"MSTEAMS_OWNER"`

	BlueprintClientAppID  string `env:"MSTEAMS_GRAPH_BLUEPRINT_CLIENT_APP_ID"`
	BlueprintClientSecret string `env:"MSTEAMS_GRAPH_BLUEPRINT_CLIENT_SECRET"`
	AAInstanceID          string `env:"MSTEAMS_GRAPH_AA_INSTANCE_ID"`
	GraphScope            string `env:"MSTEAMS_GRAPH_SCOPE"`

	TokenCallbackURL   string `env:"MSTEAMS_TOKEN_CALLBACK_URL"`
	TokenCallbackToken string `env:"MSTEAMS_TOKEN_CALLBACK_TOKEN"`

	StorePath   string `env:"MSTEAMS_STORE_PATH"`
	ServerToken string `env:"MSTEAMS_SERVER_TOKEN"`
}

// ParseEnv reads EnvConfig from the given variables, or from the process
// environment when vars is nil.
func ParseEnv(vars map[string]string) (*EnvConfig, error) {
	out := &EnvConfig{}
	opts := env.Options{}
	if vars != nil {
		opts.Environment = vars
	}
	if err := env.ParseWithOptions(out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func pick(explicit, fallback string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}
