package tool

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

// RemoteHandler forwards a tool call to the backend dispatch endpoint.
// It lets the runtime register tools whose implementation lives in the
// main application API rather than in this process.
type RemoteHandler struct {
	client  *http.Client
	baseURL string
	token   string
}

type remoteRequest struct {
	CallID    string         `json:"call_id"`
	UserID    string         `json:"user_id"`
	Arguments map[string]any `json:"arguments"`
}

type remoteResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

func NewRemoteHandler(baseURL, token string, timeout time.Duration) *RemoteHandler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteHandler{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

// Handler returns a tool Handler that dispatches the named tool remotely.
func (r *RemoteHandler) Handler(name string) Handler {
	return func(ctx context.Context, call Call) (any, error) {
		return r.execute(ctx, name, call)
	}
}

func (r *RemoteHandler) execute(ctx context.Context, name string, call Call) (any, error) {
	body, err := json.Marshal(remoteRequest{
		CallID:    call.ID,
		UserID:    call.UserID,
		Arguments: call.Arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("encode dispatch request: %w", err)
	}

	endpoint, err := url.JoinPath(r.baseURL, "tools", "execute", name)
	if err != nil {
		return nil, fmt.Errorf("build dispatch url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch %s: %w", name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read dispatch response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, newError(KindNotFound, name, "dispatch endpoint reported unknown tool")
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, newError(KindPermission, name, "dispatch endpoint rejected credentials")
	default:
		return nil, newError(KindExecution, name,
			fmt.Sprintf("dispatch endpoint returned %d: %s", resp.StatusCode, truncate(string(payload), 200)))
	}

	var decoded remoteResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode dispatch response: %w", err)
	}
	if decoded.Error != "" {
		return nil, newError(KindExecution, name, decoded.Error)
	}

	var output any
	if len(decoded.Output) > 0 {
		if err := json.Unmarshal(decoded.Output, &output); err != nil {
			return nil, fmt.Errorf("decode dispatch output: %w", err)
		}
	}
	return output, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
