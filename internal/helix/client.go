// Package helix provides a minimal Twitch Helix REST client covering the
// EventSub subscription management endpoints: creating a subscription bound
// to a WebSocket session and deleting one by id.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/flex3r/dankchat-realtime/internal/auth"
	"github.com/flex3r/dankchat-realtime/internal/constants"
	"github.com/flex3r/dankchat-realtime/internal/logger"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

// Client is the Helix HTTP client with connection pooling and retry logic
// for transient failures.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       auth.Provider
	log        *logger.Logger
	maxRetries int
}

// NewClient creates a Helix Client with a pooled transport and the given
// credential provider.
func NewClient(authProvider auth.Provider, log *logger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   constants.DefaultHTTPTimeout,
		},
		baseURL:    constants.HelixURL,
		auth:       authProvider,
		log:        log,
		maxRetries: constants.DefaultMaxRetries,
	}
}

type createSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport transportSpec     `json:"transport"`
}

type transportSpec struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

type createSubscriptionResponse struct {
	Data []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

type helixError struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// CreateSubscription registers an EventSub subscription for the given topic
// on the given WebSocket session and returns the server-issued
// subscription id.
func (c *Client) CreateSubscription(ctx context.Context, sessionID string, topic model.Topic) (string, error) {
	subType, version := topic.EventSubType()
	if subType == "" {
		return "", fmt.Errorf("topic %s has no EventSub mapping", topic)
	}

	body, err := json.Marshal(createSubscriptionRequest{
		Type:      subType,
		Version:   version,
		Condition: topic.EventSubCondition(),
		Transport: transportSpec{Method: "websocket", SessionID: sessionID},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling subscription request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/eventsub/subscriptions", body, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	var response createSubscriptionResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return "", fmt.Errorf("parsing subscription response: %w", err)
	}
	if len(response.Data) == 0 {
		return "", fmt.Errorf("subscription response carried no subscription")
	}

	c.log.Debug("Created EventSub subscription",
		"type", subType, "id", response.Data[0].ID, "session", sessionID)
	return response.Data[0].ID, nil
}

// DeleteSubscription removes an EventSub subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	endpoint := c.baseURL + "/eventsub/subscriptions?id=" + url.QueryEscape(id)
	_, err := c.do(ctx, http.MethodDelete, endpoint, nil, http.StatusNoContent)
	if err != nil {
		return err
	}

	c.log.Debug("Deleted EventSub subscription", "id", id)
	return nil
}

// do performs one Helix request with auth headers, retrying transient
// failures (429, 5xx) with a short linear backoff. Retries are logged at
// DEBUG; only the final failure surfaces to the caller.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, wantStatus int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		respBody, status, err := c.doOnce(ctx, method, endpoint, body)
		if err != nil {
			lastErr = err
			c.log.Debug("Helix request failed, retrying",
				"method", method, "attempt", attempt+1, "error", err)
			continue
		}

		if status == wantStatus {
			return respBody, nil
		}

		lastErr = helixStatusError(status, respBody)
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			c.log.Debug("Helix returned transient status, retrying",
				"method", method, "status", status, "attempt", attempt+1)
			continue
		}
		return nil, lastErr
	}

	return nil, fmt.Errorf("helix %s %s: %w", method, endpoint, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.auth.AuthToken())
	req.Header.Set("Client-Id", c.auth.ClientID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func helixStatusError(status int, body []byte) error {
	var he helixError
	if err := json.Unmarshal(body, &he); err == nil && he.Message != "" {
		return fmt.Errorf("status %d: %s", status, he.Message)
	}
	return fmt.Errorf("status %d", status)
}
