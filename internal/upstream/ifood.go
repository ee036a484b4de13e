// Package upstream implements the iFood merchant API client used by the
// polling adapter and the order detail resolver. Authentication uses the
// OAuth client-credentials grant; access tokens are cached per client id and
// refreshed on expiry or on an upstream 401.
package upstream

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
	"sync"
	"time"

	"prato.app/ingest/core/config"
	"prato.app/ingest/internal/model"
	"prato.app/ingest/internal/normalize"
)

var (
	// ErrUnauthorized is returned when credentials are rejected even after a
	// fresh token was obtained.
	ErrUnauthorized = errors.New("upstream: unauthorized")

	// ErrNotFound is returned when the requested order does not exist.
	ErrNotFound = errors.New("upstream: not found")
)

const (
	tokenPath       = "/authentication/v1.0/oauth/token"
	eventsPollPath  = "/order/v1.0/events:polling"
	eventsAckPath   = "/order/v1.0/events/acknowledgment"
	orderDetailPath = "/order/v1.0/orders/"

	// Tokens are considered expired slightly early so in-flight requests
	// never race the real expiry.
	tokenExpirySkew = 60 * time.Second
)

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

func (t *cachedToken) valid(now time.Time) bool {
	return t != nil && t.accessToken != "" && now.Before(t.expiresAt)
}

// Client talks to the iFood merchant API on behalf of one or more tenants.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[string]*cachedToken // keyed by client id
}

func NewClient(cfg config.IFoodConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     make(map[string]*cachedToken),
	}
}

// Token returns a valid access token for the given credentials, fetching a
// new one from the OAuth endpoint when the cached token is missing or stale.
func (c *Client) Token(ctx context.Context, creds model.Credentials) (string, error) {
	c.mu.Lock()
	if tok := c.tokens[creds.ClientID]; tok.valid(time.Now()) {
		token := tok.accessToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	return c.fetchToken(ctx, creds)
}

func (c *Client) fetchToken(ctx context.Context, creds model.Credentials) (string, error) {
	form := url.Values{}
	form.Set("grantType", "client_credentials")
	form.Set("clientId", creds.ClientID)
	form.Set("clientSecret", creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty accessToken")
	}

	expiresAt := time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - tokenExpirySkew)

	c.mu.Lock()
	c.tokens[creds.ClientID] = &cachedToken{accessToken: body.AccessToken, expiresAt: expiresAt}
	c.mu.Unlock()

	return body.AccessToken, nil
}

func (c *Client) invalidateToken(clientID string) {
	c.mu.Lock()
	delete(c.tokens, clientID)
	c.mu.Unlock()
}

// doAuthorized performs an authenticated request. On a 401 the cached token is
// discarded and the request retried exactly once with a fresh token; a second
// 401 surfaces as ErrUnauthorized.
func (c *Client) doAuthorized(ctx context.Context, creds model.Credentials, build func(token string) (*http.Request, error)) (*http.Response, error) {
	retried := false
	for {
		token, err := c.Token(ctx, creds)
		if err != nil {
			return nil, err
		}

		req, err := build(token)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if retried {
				return nil, ErrUnauthorized
			}
			c.invalidateToken(creds.ClientID)
			retried = true
			continue
		}

		return resp, nil
	}
}

// PollEvents fetches pending events for the given merchants. A 204 from
// upstream means no pending events and yields an empty slice. The response is
// either a bare list or a list wrapped under an envelope key; both shapes are
// accepted.
func (c *Client) PollEvents(ctx context.Context, creds model.Credentials, merchantIDs []string) ([]json.RawMessage, error) {
	resp, err := c.doAuthorized(ctx, creds, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+eventsPollPath, nil)
		if err != nil {
			return nil, fmt.Errorf("building poll request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if len(merchantIDs) > 0 {
			req.Header.Set("x-polling-merchants", strings.Join(merchantIDs, ","))
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("event polling returned %d", resp.StatusCode)
	}

	var payload any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}

	objs := normalize.EventsFromPayload(payload)
	events := make([]json.RawMessage, 0, len(objs))
	for _, obj := range objs {
		raw, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		events = append(events, raw)
	}
	return events, nil
}

// AcknowledgeEvents confirms receipt of polled events so upstream stops
// redelivering them. Callers treat failures as non-fatal: events are
// idempotent on the consumer side and will simply be polled again.
func (c *Client) AcknowledgeEvents(ctx context.Context, creds model.Credentials, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	type ack struct {
		ID string `json:"id"`
	}
	acks := make([]ack, 0, len(eventIDs))
	for _, id := range eventIDs {
		acks = append(acks, ack{ID: id})
	}
	payload, err := json.Marshal(acks)
	if err != nil {
		return fmt.Errorf("encoding acknowledgment: %w", err)
	}

	resp, err := c.doAuthorized(ctx, creds, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+eventsAckPath, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("building acknowledgment request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("event acknowledgment returned %d", resp.StatusCode)
	}
	return nil
}

// OrderDetail fetches the authoritative order document for the given order id.
// Returns ErrNotFound when upstream does not know the order.
func (c *Client) OrderDetail(ctx context.Context, creds model.Credentials, orderID string) (json.RawMessage, error) {
	resp, err := c.doAuthorized(ctx, creds, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+orderDetailPath+url.PathEscape(orderID), nil)
		if err != nil {
			return nil, fmt.Errorf("building order detail request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("order detail returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading order detail: %w", err)
	}
	return json.RawMessage(body), nil
}
