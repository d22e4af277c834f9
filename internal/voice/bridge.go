package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wheelswins/pam-core/internal/config"
	"github.com/wheelswins/pam-core/internal/tool"
)

// Executor runs validated tool calls. Satisfied by *tool.Executor.
type Executor interface {
	Execute(ctx context.Context, call tool.Call) tool.Result
}

// Hooks are observation callbacks fired from the session's read loop and
// tool goroutines. All fields are optional.
type Hooks struct {
	OnStarted    func(sessionID, model string)
	OnTranscript func(sessionID, text string)
	OnEnded      func(sessionID, reason string)
}

// Session is one live voice conversation: a websocket to the speech
// model, a playback queue toward the speaker, and the tool loop in
// between. Audio flows up via SendAudio and down via Playback.
type Session struct {
	cfg   config.VoiceConfig
	log   *slog.Logger
	conn  *websocket.Conn
	exec  Executor
	hooks Hooks

	playback *PlaybackQueue

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error

	pendingMu sync.Mutex
	pending   map[string]struct{}
	toolWG    sync.WaitGroup

	sessionID string
	userID    string
	scopes    []string
	tools     json.RawMessage

	events metric.Int64Counter
}

// Dial connects to the realtime endpoint with ephemeral credentials,
// configures the session (audio formats, voice, advertised tools), and
// starts the read loop.
func Dial(ctx context.Context, cfg config.VoiceConfig, creds Credentials, userID string, scopes []string, tools json.RawMessage, exec Executor, hooks Hooks, log *slog.Logger) (*Session, error) {
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+creds.SessionToken)

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	endpoint := creds.EndpointURL
	if creds.ModelID != "" {
		endpoint += "?model=" + creds.ModelID
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		log:      log.With(slog.String("component", "voice-session"), slog.String("user_id", userID)),
		conn:     conn,
		exec:     exec,
		hooks:    hooks,
		playback: NewPlaybackQueue(cfg.PlaybackQueue, cfg.Backpressure),
		done:     make(chan struct{}),
		pending:  make(map[string]struct{}),
		userID:   userID,
		scopes:   scopes,
		tools:    tools,
	}
	if counter, err := otel.Meter("github.com/wheelswins/pam-core/voice").
		Int64Counter("pam.voice.events", metric.WithDescription("Inbound realtime events by type")); err == nil {
		s.events = counter
	}

	// Session config is sent from the read loop once the server reports
	// session.created.
	go s.readLoop()
	return s, nil
}

// configure advertises audio formats, voice, and the tool set. Called
// after the server acknowledges the session.
func (s *Session) configure() error {
	return s.sendJSON(sessionUpdateFrame{
		Type: "session.update",
		Session: sessionConfig{
			Voice:                   s.cfg.Voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			Tools:                   s.tools,
			InputAudioTranscription: &transcriptionConfig{Model: "whisper-1"},
		},
	})
}

// SendAudio forwards one captured PCM16 chunk to the model.
func (s *Session) SendAudio(pcm []byte) error {
	return s.sendJSON(audioAppendFrame{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Playback exposes the queue of synthesized audio chunks to play.
func (s *Session) Playback() *PlaybackQueue {
	return s.playback
}

// Interrupt handles barge-in: discard queued speech and tell the model
// to stop the in-flight response.
func (s *Session) Interrupt() error {
	s.playback.Clear()
	return s.sendJSON(responseCancelFrame{Type: "response.cancel"})
}

// Close ends the session. In-flight tool calls keep running so their
// side effects land, but their results are discarded instead of being
// written to the dead socket.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		s.playback.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error after the read loop exits.
func (s *Session) Err() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed when the read loop exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// PendingToolCalls reports tool calls dispatched but not yet answered.
func (s *Session) PendingToolCalls() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) sendJSON(v any) error {
	if s.closed.Load() {
		return fmt.Errorf("voice session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if timeout := time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond; timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteJSON(v)
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer s.playback.Close()
	defer func() {
		if dropped := s.playback.Dropped(); dropped > 0 {
			s.log.Warn("playback dropped audio chunks",
				slog.String("session_id", s.sessionID),
				slog.Uint64("dropped", dropped))
		}
		if s.hooks.OnEnded != nil {
			// Err would wait on done, which this defer precedes.
			s.errMu.Lock()
			failed := s.err != nil
			s.errMu.Unlock()
			reason := "closed"
			if failed {
				reason = "error"
			}
			s.hooks.OnEnded(s.sessionID, reason)
		}
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load() {
				return
			}
			s.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("undecodable frame", slog.String("error", err.Error()))
		return
	}
	if s.events != nil {
		s.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", env.Type)))
	}

	switch env.Type {
	case "session.created":
		var ev sessionCreatedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("bad session.created frame", slog.String("error", err.Error()))
			return
		}
		s.sessionID = ev.Session.ID
		s.log.Info("voice session established",
			slog.String("session_id", ev.Session.ID),
			slog.String("model", ev.Session.Model))
		if err := s.configure(); err != nil {
			s.log.Warn("failed to send session config", slog.String("error", err.Error()))
			s.setErr(fmt.Errorf("send session config: %w", err))
			return
		}
		if s.hooks.OnStarted != nil {
			s.hooks.OnStarted(ev.Session.ID, ev.Session.Model)
		}

	case "response.audio.delta":
		var ev audioDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("bad audio delta frame", slog.String("error", err.Error()))
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.log.Warn("undecodable audio delta", slog.String("error", err.Error()))
			return
		}
		s.playback.Push(pcm)

	case "response.function_call_arguments.done":
		var ev functionCallDoneEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("bad function call frame", slog.String("error", err.Error()))
			return
		}
		s.startToolCall(ev)

	case "conversation.item.input_audio_transcription.completed":
		var ev transcriptionCompletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("bad transcription frame", slog.String("error", err.Error()))
			return
		}
		if s.hooks.OnTranscript != nil && ev.Transcript != "" {
			s.hooks.OnTranscript(s.sessionID, ev.Transcript)
		}

	case "response.done":
		var ev responseDoneEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			s.log.Debug("response finished",
				slog.String("response_id", ev.Response.ID),
				slog.String("status", ev.Response.Status))
		}

	case "error":
		var ev errorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("bad error frame", slog.String("error", err.Error()))
			return
		}
		s.log.Warn("model reported error",
			slog.String("code", ev.Error.Code),
			slog.String("message", ev.Error.Message))

	default:
		// Unknown frame types are ignored so protocol additions don't
		// break deployed bridges.
		s.log.Debug("ignoring frame", slog.String("type", env.Type))
	}
}

// startToolCall runs the requested tool off the read loop and writes the
// function output back, unless the session closed in the meantime.
func (s *Session) startToolCall(ev functionCallDoneEvent) {
	var args map[string]any
	if ev.Arguments != "" {
		if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
			s.log.Warn("undecodable tool arguments",
				slog.String("tool", ev.Name),
				slog.String("error", err.Error()))
			s.sendToolResult(ev.CallID, map[string]any{
				"error": map[string]any{"kind": string(tool.KindValidation), "message": "arguments were not valid JSON"},
			})
			return
		}
	}

	s.pendingMu.Lock()
	s.pending[ev.CallID] = struct{}{}
	s.pendingMu.Unlock()

	s.toolWG.Add(1)
	go func() {
		defer s.toolWG.Done()
		defer func() {
			s.pendingMu.Lock()
			delete(s.pending, ev.CallID)
			s.pendingMu.Unlock()
		}()

		// Deliberately not tied to the session lifetime: a tool whose
		// side effect is underway finishes even if the user hangs up.
		res := s.exec.Execute(context.Background(), tool.Call{
			ID:        ev.CallID,
			Name:      ev.Name,
			UserID:    s.userID,
			Arguments: args,
			Scopes:    s.scopes,
		})

		if s.closed.Load() {
			s.log.Debug("discarding tool result for closed session",
				slog.String("tool", ev.Name),
				slog.String("call_id", ev.CallID))
			return
		}

		var payload any
		if res.Err != nil {
			payload = map[string]any{
				"error": map[string]any{
					"kind":    string(tool.KindOf(res.Err)),
					"message": res.Err.Error(),
				},
			}
		} else {
			payload = res.Output
		}
		s.sendToolResult(ev.CallID, payload)
	}()
}

func (s *Session) sendToolResult(callID string, payload any) {
	output, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("unmarshalable tool output", slog.String("error", err.Error()))
		output = []byte(`{"error":{"kind":"execution","message":"tool output could not be encoded"}}`)
	}

	if err := s.sendJSON(itemCreateFrame{
		Type: "conversation.item.create",
		Item: functionItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}); err != nil {
		s.log.Warn("failed to send tool result", slog.String("error", err.Error()))
		return
	}
	if err := s.sendJSON(responseCreateFrame{Type: "response.create"}); err != nil {
		s.log.Warn("failed to request follow-up response", slog.String("error", err.Error()))
	}
}
