package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenEndpoint = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	tokenExchangeScope  = "api://AzureADTokenExchange/.default"
	jwtBearerAssertion  = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	defaultTokenLifeSec = 3600
)

// GraphTokenConfig holds the blueprint and instance identifiers needed for the
// three-tier exchange. It is built per request and never persisted.
type GraphTokenConfig struct {
	TenantID              string
	BlueprintClientAppID  string
	BlueprintClientSecret string
	AAInstanceID          string
	Scope                 string
}

func (c GraphTokenConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.TenantID) == "" {
		missing = append(missing, "tenantId")
	}
	if strings.TrimSpace(c.BlueprintClientAppID) == "" {
		missing = append(missing, "graph.blueprintClientAppId")
	}
	if strings.TrimSpace(c.BlueprintClientSecret) == "" {
		missing = append(missing, "graph.blueprintClientSecret")
	}
	if strings.TrimSpace(c.AAInstanceID) == "" {
		missing = append(missing, "graph.aaInstanceId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigurationMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Exchanger acquires delegated tokens for the agent identity, first through the
// optional Callback and then through the T1 -> T2 -> user_fic chain.
type Exchanger struct {
	HTTP *http.Client
	// TokenEndpoint is a format string taking the tenant id.
	TokenEndpoint string
	Cache         *TokenCache
	Callback      TokenSource
	Log           zerolog.Logger

	flights singleflight.Group
}

func NewExchanger(cache *TokenCache, log zerolog.Logger) *Exchanger {
	if cache == nil {
		cache = NewTokenCache(nil, nil)
	}
	return &Exchanger{
		HTTP:          &http.Client{Timeout: 20 * time.Second},
		TokenEndpoint: defaultTokenEndpoint,
		Cache:         cache,
		Log:           log,
	}
}

func (e *Exchanger) endpointFor(tenantID string) string {
	endpoint := e.TokenEndpoint
	if endpoint == "" {
		endpoint = defaultTokenEndpoint
	}
	if strings.Contains(endpoint, "%s") {
		return fmt.Sprintf(endpoint, tenantID)
	}
	return endpoint
}
