package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/teams/model"
)

const maxErrorBodyBytes = 2048

var ErrMissingToken = errors.New("connector client missing bearer token")

// SendActivityError is a non-2xx answer from the Bot Connector service.
type SendActivityError struct {
	Status      int
	BodySnippet string
}

func (e *SendActivityError) Error() string {
	if e.BodySnippet == "" {
		return fmt.Sprintf("send activity failed: status %d", e.Status)
	}
	return fmt.Sprintf("send activity failed: status %d body=%s", e.Status, e.BodySnippet)
}

// ConnectorClient posts activities to the Bot Connector REST API.
type ConnectorClient struct {
	Executor *RequestExecutor
	Log      zerolog.Logger
}

func NewConnectorClient(httpClient *http.Client, log zerolog.Logger) *ConnectorClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ConnectorClient{
		Executor: &RequestExecutor{HTTP: httpClient, Log: log},
		Log:      log,
	}
}

type resourceResponse struct {
	ID string `json:"id"`
}

// SendActivity posts activity to {serviceURL}/v3/conversations/{id}/activities
// and returns the id assigned by the service.
func (c *ConnectorClient) SendActivity(ctx context.Context, serviceURL, conversationID, token string, activity *model.Activity) (string, error) {
	if c == nil || c.Executor == nil {
		return "", ErrMissingHTTPClient
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	serviceURL = strings.TrimSpace(serviceURL)
	conversationID = strings.TrimSpace(conversationID)
	if serviceURL == "" || conversationID == "" {
		return "", errors.New("missing service url or conversation id")
	}
	if activity == nil {
		return "", errors.New("missing activity")
	}
	if activity.Type == "" {
		activity.Type = model.ActivityTypeMessage
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities", strings.TrimSuffix(serviceURL, "/"), url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	ctx = WithRequestMeta(ctx, RequestMeta{ConversationID: conversationID, ServiceURL: serviceURL})
	resp, err := c.Executor.Do(ctx, req, ClassifyConnectorResponse)
	if err != nil {
		var sendErr *SendActivityError
		if resp != nil && errors.As(err, &sendErr) {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			_ = resp.Body.Close()
			sendErr.BodySnippet = strings.TrimSpace(string(snippet))
			return "", sendErr
		}
		if resp != nil {
			drainAndClose(resp)
		}
		return "", err
	}
	defer resp.Body.Close()

	var body resourceResponse
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			c.Log.Debug().Err(err).Msg("Failed to decode send activity response")
		}
	}
	return body.ID, nil
}
