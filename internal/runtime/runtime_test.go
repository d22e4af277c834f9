package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wheelswins/pam-core/internal/config"
)

// fakeBackend answers every tool dispatch path with a canned payload.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path":   r.URL.Path,
			"status": "done",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRuntime(t *testing.T, backendURL string) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Tools.DispatchURL = backendURL
	cfg.TTS.Enabled = true
	cfg.TTS.Engines = []config.TTSEngineConfig{
		{Name: "dev", Mode: "mock", SampleRate: 24000, Channels: 1},
	}

	r := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.initComponents(context.Background()); err != nil {
		t.Fatalf("init components: %v", err)
	}
	r.ready.Store(true)
	return r
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestMessagePlansAndExecutesTools(t *testing.T) {
	backend := fakeBackend(t)
	r := testRuntime(t, backend.URL)
	mux := r.buildMux()

	rec := postJSON(t, mux, "/v1/assistant/message",
		`{"user_id":"u1","text":"plan a trip to Portland with wine stops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Domain != "wheels" || resp.Intent != "plan_trip" {
		t.Fatalf("unexpected classification: %s/%s", resp.Domain, resp.Intent)
	}
	if resp.TurnID == "" || resp.ConversationID == "" {
		t.Fatal("turn and conversation ids should be assigned")
	}

	var toolResults int
	for _, a := range resp.Actions {
		if a.Type == "tool_call" {
			if a.Error != nil {
				t.Fatalf("tool %s failed: %+v", a.Tool, a.Error)
			}
			if a.Output == nil {
				t.Fatalf("tool %s returned no output", a.Tool)
			}
			toolResults++
		}
	}
	if toolResults == 0 {
		t.Fatal("expected at least one executed tool call")
	}
}

func TestMessageRejectsMissingFields(t *testing.T) {
	r := testRuntime(t, fakeBackend(t).URL)
	mux := r.buildMux()

	rec := postJSON(t, mux, "/v1/assistant/message", `{"user_id":"u1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing text, got %d", rec.Code)
	}
}

func TestMessageExpenseExecutes(t *testing.T) {
	r := testRuntime(t, fakeBackend(t).URL)
	mux := r.buildMux()

	rec := postJSON(t, mux, "/v1/assistant/message",
		`{"user_id":"u1","text":"I spent $25 on gas"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	var executed bool
	for _, a := range resp.Actions {
		if a.Tool != "create_expense" {
			continue
		}
		if a.Error != nil {
			t.Fatalf("expense call failed: %s %s", a.Error.Kind, a.Error.Message)
		}
		if a.Output == nil {
			t.Fatal("expense call returned no output")
		}
		executed = true
	}
	if !executed {
		t.Fatalf("expected a create_expense call in actions: %s", rec.Body.String())
	}
}

func TestMessageScopeDenied(t *testing.T) {
	r := testRuntime(t, fakeBackend(t).URL)
	mux := r.buildMux()

	// A caller holding only read scopes cannot record an expense.
	rec := postJSON(t, mux, "/v1/assistant/message",
		`{"user_id":"u1","text":"log an expense of 40 dollars","scopes":["wins:read"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp messageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	var sawPermissionError bool
	for _, a := range resp.Actions {
		if a.Error != nil && a.Error.Kind == "permission" {
			sawPermissionError = true
		}
	}
	if !sawPermissionError {
		t.Fatalf("expected a permission error in actions: %s", rec.Body.String())
	}
}

func TestMessageSpeakEmbedsAudio(t *testing.T) {
	r := testRuntime(t, fakeBackend(t).URL)
	mux := r.buildMux()

	rec := postJSON(t, mux, "/v1/assistant/message",
		`{"user_id":"u1","text":"hello there","speak":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Audio      string `json:"audio"`
		SampleRate int    `json:"sample_rate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Audio == "" {
		t.Fatal("expected base64 audio in response")
	}
	if resp.SampleRate != 24000 {
		t.Fatalf("unexpected sample rate %d", resp.SampleRate)
	}
}

func TestSpeakReturnsAudio(t *testing.T) {
	r := testRuntime(t, fakeBackend(t).URL)
	mux := r.buildMux()

	rec := postJSON(t, mux, "/v1/assistant/speak", `{"text":"welcome back"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Engine") != "dev" {
		t.Fatalf("unexpected engine header: %s", rec.Header().Get("X-Engine"))
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected audio bytes")
	}
}

func TestSpeechHealthSnapshot(t *testing.T) {
	r := testRuntime(t, fakeBackend(t).URL)
	mux := r.buildMux()

	req := httptest.NewRequest(http.MethodGet, "/v1/speech/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if _, ok := snapshot["dev"]; !ok {
		t.Fatalf("expected dev engine in snapshot: %v", snapshot)
	}
}

func TestReadyEndpoint(t *testing.T) {
	r := testRuntime(t, fakeBackend(t).URL)
	mux := r.buildMux()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}

	r.ready.Store(false)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", rec.Code)
	}
}
