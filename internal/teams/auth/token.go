package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxErrorBodyBytes = 2048

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e *Exchanger) tokenRequest(ctx context.Context, tier Tier, endpoint string, values url.Values) (*tokenResponse, error) {
	body := bytes.NewBufferString(values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, &TokenAcquisitionError{Tier: tier, Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpClient := e.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TokenAcquisitionError{Tier: tier, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		snippet := strings.TrimSpace(string(raw))
		tokenErr := &TokenAcquisitionError{
			Tier:   tier,
			Status: resp.StatusCode,
			Body:   snippet,
		}
		var payload tokenErrorResponse
		if json.Unmarshal(raw, &payload) == nil {
			tokenErr.Code = payload.Error
			tokenErr.Description = payload.ErrorDescription
		}
		e.Log.Error().
			Str("tier", string(tier)).
			Int("status", resp.StatusCode).
			Str("error", tokenErr.Code).
			Str("body", snippet).
			Msg("Token endpoint error")
		return nil, tokenErr
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &TokenAcquisitionError{Tier: tier, Status: resp.StatusCode, Cause: err}
	}
	if payload.AccessToken == "" {
		return nil, &TokenAcquisitionError{
			Tier:   tier,
			Status: resp.StatusCode,
			Cause:  errors.New("token response missing access_token"),
		}
	}
	return &payload, nil
}
