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

// BackendClient is the slice of the application API the builtin tools
// need. Splitting it from the HTTP implementation keeps the builtins
// testable with an in-memory fake.
type BackendClient interface {
	GetUserProfile(ctx context.Context, userID string) (map[string]any, error)
	CreateExpense(ctx context.Context, userID string, args map[string]any) (map[string]any, error)
	GetBudgetSummary(ctx context.Context, userID, period string) (map[string]any, error)
	PlanTrip(ctx context.Context, userID string, args map[string]any) (map[string]any, error)
	SearchCampgrounds(ctx context.Context, args map[string]any) (map[string]any, error)
	LogFuelStop(ctx context.Context, userID string, args map[string]any) (map[string]any, error)
	GetWeather(ctx context.Context, city string) (map[string]any, error)
	PostGroupUpdate(ctx context.Context, userID string, args map[string]any) (map[string]any, error)
}

// HTTPBackend talks to the application API over JSON/HTTP with bearer
// auth. Every method is one POST to a fixed path.
type HTTPBackend struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewHTTPBackend(baseURL, token string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
	}
}

func (b *HTTPBackend) GetUserProfile(ctx context.Context, userID string) (map[string]any, error) {
	return b.post(ctx, "users/profile", map[string]any{"user_id": userID})
}

func (b *HTTPBackend) CreateExpense(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return b.post(ctx, "wins/expenses", withUser(userID, args))
}

func (b *HTTPBackend) GetBudgetSummary(ctx context.Context, userID, period string) (map[string]any, error) {
	return b.post(ctx, "wins/budget/summary", map[string]any{"user_id": userID, "period": period})
}

func (b *HTTPBackend) PlanTrip(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return b.post(ctx, "wheels/trips/plan", withUser(userID, args))
}

func (b *HTTPBackend) SearchCampgrounds(ctx context.Context, args map[string]any) (map[string]any, error) {
	return b.post(ctx, "wheels/campgrounds/search", args)
}

func (b *HTTPBackend) LogFuelStop(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return b.post(ctx, "wheels/fuel", withUser(userID, args))
}

func (b *HTTPBackend) GetWeather(ctx context.Context, city string) (map[string]any, error) {
	return b.post(ctx, "weather", map[string]any{"city": city})
}

func (b *HTTPBackend) PostGroupUpdate(ctx context.Context, userID string, args map[string]any) (map[string]any, error) {
	return b.post(ctx, "social/groups/update", withUser(userID, args))
}

func (b *HTTPBackend) post(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	endpoint, err := url.JoinPath(b.baseURL, path)
	if err != nil {
		return nil, fmt.Errorf("build backend url: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode backend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend %s returned %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	return decoded, nil
}

func withUser(userID string, args map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+1)
	for k, v := range args {
		merged[k] = v
	}
	merged["user_id"] = userID
	return merged
}
