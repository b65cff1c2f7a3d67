// Package httptransport implements the transport delegate (§6) over a plain
// JWT-bearer-authenticated net/http client, grounded on the teacher's
// internal/auth/auth.go token issuance and internal/middleware/auth.go
// Bearer-header convention.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/coriolis-chat/pqsession/internal/identity"
	"github.com/coriolis-chat/pqsession/internal/transport"
)

// Client is an HTTP implementation of transport.Delegate. Requests carry a
// short-lived HS256 bearer token signed with Secret, the same scheme as
// the teacher's AuthService.GenerateTokens. Bodies are plain JSON over
// REST-ish routes; JSON here is the wire transport only, distinct from the
// frozen BSON canonical encoding the envelope and signatures are built on.
type Client struct {
	BaseURL    string
	Secret     []byte
	DeviceID   uuid.UUID
	HTTPClient *http.Client
}

// New creates a Client. If httpClient is nil, a client with a 10 second
// timeout is used.
func New(baseURL string, secret []byte, deviceID uuid.UUID, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{BaseURL: baseURL, Secret: secret, DeviceID: deviceID, HTTPClient: httpClient}
}

var _ transport.Delegate = (*Client)(nil)

type bearerClaims struct {
	DeviceID uuid.UUID `json:"device_id"`
	jwt.RegisteredClaims
}

func (c *Client) bearerToken() (string, error) {
	claims := &bearerClaims{
		DeviceID: c.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.Secret)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		doc, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httptransport: encode request body: %w", err)
		}
		reqBody = bytes.NewReader(doc)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("httptransport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.bearerToken()
	if err != nil {
		return fmt.Errorf("httptransport: sign bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("httptransport: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("httptransport: read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("httptransport: %s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("httptransport: decode response body: %w", err)
		}
	}
	return nil
}

// FindConfiguration implements transport.Delegate.
func (c *Client) FindConfiguration(ctx context.Context, secretName string) (identity.UserConfiguration, error) {
	var out identity.UserConfiguration
	err := c.do(ctx, http.MethodGet, "/v1/configurations/"+secretName, nil, &out)
	return out, err
}

// FetchOneTimeKeys implements transport.Delegate.
func (c *Client) FetchOneTimeKeys(ctx context.Context, secretName string, deviceID uuid.UUID) (transport.OneTimeKeyIDs, error) {
	var out transport.OneTimeKeyIDs
	path := fmt.Sprintf("/v1/configurations/%s/devices/%s/one-time-keys", secretName, deviceID)
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out, err
}

// PublishUserConfiguration implements transport.Delegate.
func (c *Client) PublishUserConfiguration(ctx context.Context, config identity.UserConfiguration, updateKeyBundle bool) error {
	path := fmt.Sprintf("/v1/configurations/devices/%s?update_key_bundle=%t", c.DeviceID, updateKeyBundle)
	return c.do(ctx, http.MethodPut, path, config, nil)
}

// PublishRotatedKeys implements transport.Delegate.
func (c *Client) PublishRotatedKeys(ctx context.Context, secretName string, deviceID uuid.UUID, payload transport.RotatedKeysPayload) error {
	path := fmt.Sprintf("/v1/configurations/%s/devices/%s/rotate", secretName, deviceID)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// NotifyIdentityCreation implements transport.Delegate.
func (c *Client) NotifyIdentityCreation(ctx context.Context, secretName string, payload transport.IdentityCreationPayload) error {
	path := fmt.Sprintf("/v1/configurations/%s/notify", secretName)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}
