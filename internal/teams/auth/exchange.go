package auth

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// exchangeTimeout bounds a shared exchange, which runs detached from the
// context of whichever caller started it.
const exchangeTimeout = 60 * time.Second

// Acquire returns a delegated access token for identity at scope. An empty
// scope falls back to cfg.Scope. Concurrent calls for the same key share a
// single exchange, and a caller whose context ends stops waiting without
// failing the others.
func (e *Exchanger) Acquire(ctx context.Context, cfg GraphTokenConfig, identity, scope string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrMissingIdentity
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = strings.TrimSpace(cfg.Scope)
	}
	key := CacheKey{Identity: identity, Scope: scope}
	if tok, ok := e.Cache.Get(key); ok {
		return tok.AccessToken, nil
	}

	flight := e.flights.DoChan(identity+"\x00"+scope, func() (any, error) {
		if tok, ok := e.Cache.Get(key); ok {
			return tok.AccessToken, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		tok, err := e.fetch(fetchCtx, cfg, key)
		if err != nil {
			return "", err
		}
		e.Cache.Put(key, tok)
		return tok.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (e *Exchanger) fetch(ctx context.Context, cfg GraphTokenConfig, key CacheKey) (CachedToken, error) {
	log := e.Log.With().Str("identity", key.Identity).Str("scope", key.Scope).Logger()
	if e.Callback != nil {
		res, err := e.Callback.TryToken(ctx, key.Identity, key.Scope)
		if err != nil {
			log.Warn().Err(err).Msg("Token callback failed, falling back to three-tier exchange")
		} else if res != nil {
			log.Debug().Msg("Acquired token from callback")
			return CachedToken{AccessToken: res.AccessToken, ExpiresAt: e.callbackExpiry(res)}, nil
		}
	}
	if err := cfg.Validate(); err != nil {
		return CachedToken{}, err
	}
	tok, err := e.exchangeThreeTier(ctx, cfg, key)
	if err != nil {
		return CachedToken{}, err
	}
	log.Debug().Msg("Acquired token from three-tier exchange")
	return tok, nil
}

func (e *Exchanger) callbackExpiry(res *TokenResult) int64 {
	switch {
	case !res.ExpiresAt.IsZero():
		return res.ExpiresAt.UnixMilli()
	case res.ExpiresIn > 0:
		return e.Cache.Now().Add(res.ExpiresIn).UnixMilli()
	default:
		return e.Cache.Now().Add(defaultTokenLifeSec * time.Second).UnixMilli()
	}
}

func (e *Exchanger) exchangeThreeTier(ctx context.Context, cfg GraphTokenConfig, key CacheKey) (CachedToken, error) {
	endpoint := e.endpointFor(url.PathEscape(strings.TrimSpace(cfg.TenantID)))
	instanceID := strings.TrimSpace(cfg.AAInstanceID)

	t1Values := url.Values{}
	t1Values.Set("client_id", strings.TrimSpace(cfg.BlueprintClientAppID))
	t1Values.Set("client_secret", cfg.BlueprintClientSecret)
	t1Values.Set("grant_type", "client_credentials")
	t1Values.Set("scope", tokenExchangeScope)
	t1Values.Set("fmi_path", instanceID)
	t1, err := e.tokenRequest(ctx, TierT1, endpoint, t1Values)
	if err != nil {
		return CachedToken{}, err
	}

	t2Values := url.Values{}
	t2Values.Set("client_id", instanceID)
	t2Values.Set("grant_type", "client_credentials")
	t2Values.Set("scope", tokenExchangeScope)
	t2Values.Set("client_assertion_type", jwtBearerAssertion)
	t2Values.Set("client_assertion", t1.AccessToken)
	t2, err := e.tokenRequest(ctx, TierT2, endpoint, t2Values)
	if err != nil {
		return CachedToken{}, err
	}

	// The provider silently rejects user_fic grants that identify the agent by
	// anything other than "username".
	agentValues := url.Values{}
	agentValues.Set("client_id", instanceID)
	agentValues.Set("grant_type", "user_fic")
	agentValues.Set("scope", key.Scope)
	agentValues.Set("client_assertion_type", jwtBearerAssertion)
	agentValues.Set("client_assertion", t1.AccessToken)
	agentValues.Set("user_federated_identity_credential", t2.AccessToken)
	agentValues.Set("username", key.Identity)
	agent, err := e.tokenRequest(ctx, TierAgent, endpoint, agentValues)
	if err != nil {
		return CachedToken{}, err
	}

	expiresIn := agent.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultTokenLifeSec
	}
	return CachedToken{
		AccessToken: agent.AccessToken,
		ExpiresAt:   e.Cache.Now().UnixMilli() + expiresIn*1000,
	}, nil
}
