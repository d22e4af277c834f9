package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/wheelswins/pam-core/internal/config"
)

// BuildEngines constructs the configured engine chain in priority order.
func BuildEngines(cfg config.TTSConfig) ([]Engine, error) {
	engines := make([]Engine, 0, len(cfg.Engines))
	for _, ec := range cfg.Engines {
		switch ec.Mode {
		case "mock":
			engines = append(engines, NewMockEngine(ec.Name, ec.SampleRate, ec.Channels))
		case "exec":
			eng, err := NewExecEngine(ec)
			if err != nil {
				return nil, fmt.Errorf("engine %s: %w", ec.Name, err)
			}
			engines = append(engines, eng)
		case "http":
			engines = append(engines, NewHTTPEngine(ec))
		default:
			return nil, fmt.Errorf("engine %s: unknown mode %q", ec.Name, ec.Mode)
		}
	}
	return engines, nil
}

// MockEngine emits silence sized to the text length. It exists for
// development setups and tests that need a chain without external
// processes.
type MockEngine struct {
	name       string
	sampleRate int
	channels   int
}

func NewMockEngine(name string, sampleRate, channels int) *MockEngine {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &MockEngine{name: name, sampleRate: sampleRate, channels: channels}
}

func (m *MockEngine) Name() string { return m.name }

func (m *MockEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	// Roughly 60ms of audio per character, 2 bytes per sample.
	samples := len(text) * m.sampleRate * 60 / 1000
	return Audio{
		Data:       make([]byte, samples*2*m.channels),
		SampleRate: m.sampleRate,
		Channels:   m.channels,
	}, nil
}

// ExecEngine shells out to a local synthesizer such as piper. The text
// arrives on stdin and the raw audio is read from stdout.
type ExecEngine struct {
	name       string
	args       []string
	sampleRate int
	channels   int
}

func NewExecEngine(cfg config.TTSEngineConfig) (*ExecEngine, error) {
	args, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return &ExecEngine{
		name:       cfg.Name,
		args:       args,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
	}, nil
}

func (e *ExecEngine) Name() string { return e.name }

func (e *ExecEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	cmd := exec.CommandContext(ctx, e.args[0], e.args[1:]...)
	cmd.Stdin = bytes.NewBufferString(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, fmt.Errorf("run %s: %w: %s", e.args[0], err, stderr.String())
	}
	if stdout.Len() == 0 {
		return Audio{}, fmt.Errorf("%s produced no audio", e.args[0])
	}
	return Audio{
		Data:       stdout.Bytes(),
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}, nil
}

// HTTPEngine calls a hosted synthesis API: one POST with the text,
// raw audio bytes back.
type HTTPEngine struct {
	name       string
	endpoint   string
	apiKey     string
	voice      string
	sampleRate int
	channels   int
	client     *http.Client
}

func NewHTTPEngine(cfg config.TTSEngineConfig) *HTTPEngine {
	return &HTTPEngine{
		name:       cfg.Name,
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		voice:      cfg.Voice,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPEngine) Name() string { return h.name }

type httpSynthRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

func (h *HTTPEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	body, err := json.Marshal(httpSynthRequest{Text: text, Voice: h.voice, SampleRate: h.sampleRate})
	if err != nil {
		return Audio{}, fmt.Errorf("encode synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Audio{}, fmt.Errorf("synthesis endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Audio{}, fmt.Errorf("read synthesis response: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("synthesis endpoint returned empty audio")
	}
	return Audio{Data: data, SampleRate: h.sampleRate, Channels: h.channels}, nil
}
