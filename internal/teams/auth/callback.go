package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenResult is a token handed out by a TokenSource. ExpiresAt is used when
// the source knows the absolute expiry, otherwise ExpiresIn counts from the
// moment the caller received the token.
type TokenResult struct {
	AccessToken string
	ExpiresAt   time.Time
	ExpiresIn   time.Duration
}

// TokenSource is a pre-stage of the exchange. A nil result with a nil error
// means the source had nothing to offer.
type TokenSource interface {
	TryToken(ctx context.Context, identity, scope string) (*TokenResult, error)
}

// CallbackSource asks an external token broker for the token.
type CallbackSource struct {
	HTTP  *http.Client
	URL   string
	Token string
}

func NewCallbackSource(callbackURL, token string, httpClient *http.Client) *CallbackSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &CallbackSource{
		HTTP:  httpClient,
		URL:   strings.TrimSpace(callbackURL),
		Token: strings.TrimSpace(token),
	}
}

type callbackRequest struct {
	Username string `json:"username"`
	Scope    string `json:"scope"`
}

type callbackResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *CallbackSource) TryToken(ctx context.Context, identity, scope string) (*TokenResult, error) {
	if s == nil || s.URL == "" {
		return nil, nil
	}
	payload, err := json.Marshal(callbackRequest{Username: identity, Scope: scope})
	if err != nil {
		return nil, &TokenAcquisitionError{Tier: TierCallback, Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, &TokenAcquisitionError{Tier: TierCallback, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	httpClient := s.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TokenAcquisitionError{Tier: TierCallback, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &TokenAcquisitionError{
			Tier:   TierCallback,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(raw)),
		}
	}

	var body callbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TokenAcquisitionError{Tier: TierCallback, Status: resp.StatusCode, Cause: err}
	}
	if strings.TrimSpace(body.AccessToken) == "" {
		return nil, &TokenAcquisitionError{
			Tier:   TierCallback,
			Status: resp.StatusCode,
			Cause:  errors.New("callback response missing access_token"),
		}
	}
	res := &TokenResult{AccessToken: body.AccessToken}
	switch {
	case strings.TrimSpace(body.ExpiresAt) != "":
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(body.ExpiresAt))
		if err != nil {
			return nil, &TokenAcquisitionError{Tier: TierCallback, Status: resp.StatusCode, Cause: err}
		}
		res.ExpiresAt = ts
	case body.ExpiresIn > 0:
		res.ExpiresIn = time.Duration(body.ExpiresIn) * time.Second
	}
	return res, nil
}
