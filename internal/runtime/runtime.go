package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wheelswins/pam-core/internal/bus"
	"github.com/wheelswins/pam-core/internal/cache"
	"github.com/wheelswins/pam-core/internal/config"
	"github.com/wheelswins/pam-core/internal/eventstore"
	"github.com/wheelswins/pam-core/internal/intent"
	"github.com/wheelswins/pam-core/internal/natsserver"
	"github.com/wheelswins/pam-core/internal/protocol"
	"github.com/wheelswins/pam-core/internal/tool"
	"github.com/wheelswins/pam-core/internal/tts"
	"github.com/wheelswins/pam-core/internal/voice"
)

// defaultScopes are granted to requests arriving from the app backend,
// which authenticates users before they reach the assistant.
var defaultScopes = []string{
	"profile:read",
	"wheels:read", "wheels:write",
	"wins:read", "wins:write",
	"social:write",
}

// Runtime wires the assistant together: intent planner, tool executor,
// cache, speech chain, voice credential client, event store, and the
// observation bus, all behind one HTTP surface.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	events     *eventstore.Store
	cacheStore cache.Cache
	registry   *tool.Registry
	executor   *tool.Executor
	planner    *intent.Planner
	speech     *tts.Manager
	voiceCreds *voice.CredentialClient
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.initComponents(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.buildMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Int("tools", r.registry.Len()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.closeComponents(shutdownCtx)
	return nil
}

func (r *Runtime) initComponents(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.natsServer = ns

		client, err := bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			r.natsServer.Shutdown()
			return fmt.Errorf("connect to bus: %w", err)
		}
		r.busClient = client
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	defaultTTL := time.Duration(r.cfg.Cache.DefaultTTLMS) * time.Millisecond
	if r.cfg.Cache.MaxEntries > 0 {
		bounded, err := cache.NewBounded(r.cfg.Cache.MaxEntries, defaultTTL)
		if err != nil {
			return fmt.Errorf("create cache: %w", err)
		}
		r.cacheStore = cache.Instrument(bounded)
	} else {
		r.cacheStore = cache.Instrument(cache.New(defaultTTL))
	}

	backend := tool.NewHTTPBackend(r.cfg.Tools.DispatchURL, r.cfg.Tools.DispatchToken,
		time.Duration(r.cfg.Tools.DefaultTimeoutMS)*time.Millisecond)
	r.registry = tool.NewRegistry()
	for _, def := range tool.Builtins(backend, r.cacheStore) {
		if err := r.registry.Register(def); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	if len(r.cfg.Tools.Remote) > 0 {
		remote := tool.NewRemoteHandler(r.cfg.Tools.DispatchURL, r.cfg.Tools.DispatchToken,
			time.Duration(r.cfg.Tools.DefaultTimeoutMS)*time.Millisecond)
		for _, rt := range r.cfg.Tools.Remote {
			if err := r.registry.Register(tool.Definition{
				Name:          rt.Name,
				Description:   rt.Description,
				RequiredScope: rt.RequiredScope,
				Handler:       remote.Handler(rt.Name),
			}); err != nil {
				return fmt.Errorf("register remote tool: %w", err)
			}
		}
	}
	r.registry.Seal()
	r.executor = tool.NewExecutor(r.cfg.Tools, r.registry, r.auditToolCall, r.logger)

	r.planner = intent.NewPlanner(r.cfg.Assistant, intent.NewClassifier(nil), r.logger)

	if r.cfg.TTS.Enabled {
		engines, err := tts.BuildEngines(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("build speech engines: %w", err)
		}
		r.speech = tts.NewManager(r.cfg.TTS, engines, r.onTTSFallback, r.logger)
	}

	if r.cfg.Voice.Enabled {
		r.voiceCreds = voice.NewCredentialClient(r.cfg.Voice.SessionURL, r.cfg.Voice.SessionToken,
			time.Duration(r.cfg.Voice.ConnectTimeoutMS)*time.Millisecond)
	}

	return nil
}

func (r *Runtime) closeComponents(ctx context.Context) {
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.busClient.Close()
	r.natsServer.Shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.scrape != nil {
		mux.Handle("/metrics", r.telemetry.scrape)
	}
	mux.HandleFunc("POST /v1/assistant/message", r.handleMessage)
	mux.HandleFunc("POST /v1/assistant/speak", r.handleSpeak)
	mux.HandleFunc("GET /v1/speech/health", r.handleSpeechHealth)
	mux.HandleFunc("GET /v1/conversations/{id}/turns", r.handleListTurns)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if r.cfg.Bus.Enabled && !r.busClient.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unavailable"))
		return
	}
	if r.cfg.TTS.Enabled && !r.speech.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("speech unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type messageRequest struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Text           string   `json:"text"`
	Scopes         []string `json:"scopes,omitempty"`
	Speak          bool     `json:"speak,omitempty"`
}

type actionResult struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	View      string         `json:"view,omitempty"`
	Output    any            `json:"output,omitempty"`
	Error     *actionError   `json:"error,omitempty"`
}

type actionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type messageResponse struct {
	TurnID         string         `json:"turn_id"`
	ConversationID string         `json:"conversation_id"`
	Domain         string         `json:"domain"`
	Intent         string         `json:"intent"`
	Confidence     float64        `json:"confidence"`
	Actions        []actionResult `json:"actions"`
	Audio          string         `json:"audio,omitempty"`
	SampleRate     int            `json:"sample_rate,omitempty"`
}

// handleMessage is the text-channel entry point: classify, plan, run the
// plan's tool calls, and report everything back in one response.
func (r *Runtime) handleMessage(w http.ResponseWriter, req *http.Request) {
	var body messageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Text == "" || body.UserID == "" {
		http.Error(w, "text and user_id are required", http.StatusBadRequest)
		return
	}
	if body.ConversationID == "" {
		body.ConversationID = uuid.NewString()
	}
	scopes := body.Scopes
	if scopes == nil {
		scopes = defaultScopes
	}

	turnID := uuid.NewString()
	plan := r.planner.Plan(req.Context(), body.Text)

	resp := messageResponse{
		TurnID:         turnID,
		ConversationID: body.ConversationID,
		Domain:         string(plan.Intent.Domain),
		Intent:         plan.Intent.Name,
		Confidence:     plan.Intent.Confidence,
	}

	var toolCalls int
	for _, action := range plan.Actions {
		ar := actionResult{
			Type:      string(action.Type),
			Text:      action.Text,
			Tool:      action.Tool,
			Arguments: action.Arguments,
			View:      action.View,
		}
		if action.Type == intent.ActionToolCall {
			toolCalls++
			res := r.executor.Execute(req.Context(), tool.Call{
				ID:        uuid.NewString(),
				Name:      action.Tool,
				UserID:    body.UserID,
				Arguments: action.Arguments,
				Scopes:    scopes,
			})
			if res.Err != nil {
				ar.Error = &actionError{
					Kind:    string(tool.KindOf(res.Err)),
					Message: res.Err.Error(),
				}
			} else {
				ar.Output = res.Output
			}
		}
		resp.Actions = append(resp.Actions, ar)
	}

	if body.Speak && r.speech != nil {
		if text := spokenText(plan.Actions); text != "" {
			audio, err := r.speech.Synthesize(req.Context(), text)
			if err != nil {
				// Voice is best-effort on the text channel; the caller
				// still gets the actions.
				r.logger.Warn("speech synthesis failed, returning text only",
					slog.String("error", err.Error()))
			} else {
				resp.Audio = base64.StdEncoding.EncodeToString(audio.Data)
				resp.SampleRate = audio.SampleRate
			}
		}
	}

	r.recordTurn(req.Context(), body, plan, turnID, toolCalls)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// spokenText joins the plan's message actions into the utterance spoken
// back to the user. Tool outputs and rendered data stay on screen.
func spokenText(actions []intent.Action) string {
	var parts []string
	for _, action := range actions {
		if action.Type == intent.ActionMessage && action.Text != "" {
			parts = append(parts, action.Text)
		}
	}
	return strings.Join(parts, " ")
}

func (r *Runtime) recordTurn(ctx context.Context, body messageRequest, plan intent.Plan, turnID string, toolCalls int) {
	if err := r.events.EnsureConversation(ctx, body.ConversationID, body.UserID, "text"); err != nil {
		r.logger.Warn("failed to record conversation", slog.String("error", err.Error()))
	}
	if err := r.events.AppendTurn(ctx, eventstore.Turn{
		ConversationID: body.ConversationID,
		TurnID:         turnID,
		UserID:         body.UserID,
		Utterance:      body.Text,
		Domain:         string(plan.Intent.Domain),
		Intent:         plan.Intent.Name,
		Confidence:     plan.Intent.Confidence,
		Actions:        len(plan.Actions),
	}); err != nil {
		r.logger.Warn("failed to record turn", slog.String("error", err.Error()))
	}

	if r.busClient != nil {
		r.busClient.Publish(protocol.SubjectTurnCompleted, protocol.TurnCompleted{
			TurnID:     turnID,
			UserID:     body.UserID,
			SessionID:  body.ConversationID,
			Utterance:  body.Text,
			Domain:     string(plan.Intent.Domain),
			Intent:     plan.Intent.Name,
			Confidence: plan.Intent.Confidence,
			Actions:    len(plan.Actions),
			ToolCalls:  toolCalls,
			Timestamp:  time.Now().UTC(),
		})
	}
}

type speakRequest struct {
	Text string `json:"text"`
}

// handleSpeak synthesizes one utterance through the engine chain and
// returns raw PCM.
func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	if r.speech == nil {
		http.Error(w, "speech synthesis disabled", http.StatusServiceUnavailable)
		return
	}
	var body speakRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	audio, err := r.speech.Synthesize(req.Context(), body.Text)
	if err != nil {
		r.logger.Warn("synthesis failed", slog.String("error", err.Error()))
		http.Error(w, "speech synthesis unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Engine", audio.Engine)
	w.Header().Set("X-Sample-Rate", fmt.Sprintf("%d", audio.SampleRate))
	_, _ = w.Write(audio.Data)
}

func (r *Runtime) handleSpeechHealth(w http.ResponseWriter, _ *http.Request) {
	if r.speech == nil {
		http.Error(w, "speech synthesis disabled", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.speech.Snapshot())
}

func (r *Runtime) handleListTurns(w http.ResponseWriter, req *http.Request) {
	turns, err := r.events.ListTurns(req.Context(), req.PathValue("id"), 100)
	if err != nil {
		http.Error(w, "failed to list turns", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(turns)
}

// StartVoiceSession mints ephemeral credentials and opens a realtime
// bridge for one user. The caller owns the returned session.
func (r *Runtime) StartVoiceSession(ctx context.Context, userID string, scopes []string) (*voice.Session, error) {
	if r.voiceCreds == nil {
		return nil, fmt.Errorf("voice sessions disabled")
	}
	if scopes == nil {
		scopes = defaultScopes
	}

	creds, err := r.voiceCreds.Create(ctx, userID, r.cfg.Voice.Voice)
	if err != nil {
		return nil, fmt.Errorf("mint session credentials: %w", err)
	}

	tools, err := r.registry.SpecsJSON()
	if err != nil {
		return nil, fmt.Errorf("encode tool specs: %w", err)
	}

	hooks := voice.Hooks{
		OnStarted: func(sessionID, model string) {
			if err := r.events.EnsureConversation(context.Background(), sessionID, userID, "voice"); err != nil {
				r.logger.Warn("failed to record voice conversation", slog.String("error", err.Error()))
			}
			if r.busClient != nil {
				r.busClient.Publish(protocol.SubjectVoiceStarted, protocol.VoiceSession{
					SessionID: sessionID,
					UserID:    userID,
					Model:     model,
					Timestamp: time.Now().UTC(),
				})
			}
		},
		OnTranscript: func(sessionID, text string) {
			if err := r.events.AppendTranscript(context.Background(), eventstore.Transcript{
				ConversationID: sessionID,
				Text:           text,
			}); err != nil {
				r.logger.Warn("failed to record transcript", slog.String("error", err.Error()))
			}
			if r.busClient != nil {
				r.busClient.Publish(protocol.SubjectTranscript, protocol.Transcript{
					SessionID: sessionID,
					UserID:    userID,
					Text:      text,
					Timestamp: time.Now().UTC(),
				})
			}
		},
		OnEnded: func(sessionID, reason string) {
			if r.busClient != nil {
				r.busClient.Publish(protocol.SubjectVoiceEnded, protocol.VoiceSession{
					SessionID: sessionID,
					UserID:    userID,
					Reason:    reason,
					Timestamp: time.Now().UTC(),
				})
			}
		},
	}

	return voice.Dial(ctx, r.cfg.Voice, creds, userID, scopes, tools, r.executor, hooks, r.logger)
}

func (r *Runtime) auditToolCall(res tool.Result) {
	outcome := "ok"
	errText := ""
	if res.Err != nil {
		outcome = string(tool.KindOf(res.Err))
		errText = res.Err.Error()
	}

	if err := r.events.AppendToolAudit(context.Background(), eventstore.ToolAudit{
		CallID:     res.Call.ID,
		Tool:       res.Call.Name,
		Outcome:    outcome,
		Error:      errText,
		DurationMS: res.Duration.Milliseconds(),
	}); err != nil {
		r.logger.Warn("failed to record tool audit", slog.String("error", err.Error()))
	}
	if r.busClient != nil {
		r.busClient.Publish(protocol.SubjectToolAudit, protocol.ToolAudit{
			CallID:     res.Call.ID,
			Tool:       res.Call.Name,
			UserID:     res.Call.UserID,
			Outcome:    outcome,
			Error:      errText,
			DurationMS: res.Duration.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (r *Runtime) onTTSFallback(from, to string, reason error) {
	reasonText := ""
	if reason != nil {
		reasonText = reason.Error()
	}
	if r.busClient != nil {
		r.busClient.Publish(protocol.SubjectTTSFallback, protocol.TTSFallback{
			From:      from,
			To:        to,
			Reason:    reasonText,
			Timestamp: time.Now().UTC(),
		})
	}
}
