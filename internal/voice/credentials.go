package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Credentials is an ephemeral grant for one realtime session. The token
// is single-use and short-lived; the bridge dials EndpointURL with it and
// never sees the long-lived API key.
type Credentials struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	EndpointURL  string    `json:"endpoint_url"`
	ModelID      string    `json:"model_id"`
}

// CredentialClient mints session credentials from the backend.
type CredentialClient struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewCredentialClient(baseURL, token string, timeout time.Duration) *CredentialClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CredentialClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
	Voice  string `json:"voice,omitempty"`
}

// Create requests fresh session credentials for a user.
func (c *CredentialClient) Create(ctx context.Context, userID, voice string) (Credentials, error) {
	endpoint, err := url.JoinPath(c.baseURL, "realtime", "create-session")
	if err != nil {
		return Credentials{}, fmt.Errorf("build session url: %w", err)
	}
	body, err := json.Marshal(createSessionRequest{UserID: userID, Voice: voice})
	if err != nil {
		return Credentials{}, fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credentials{}, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("session endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode session response: %w", err)
	}
	if creds.SessionToken == "" || creds.EndpointURL == "" {
		return Credentials{}, fmt.Errorf("session endpoint returned incomplete credentials")
	}
	return creds, nil
}
