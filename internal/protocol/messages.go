package protocol

import "time"

// Subjects published on the observation bus. The bus is write-only from
// the assistant's point of view: companion services (analytics, the
// activity feed, debugging tails) subscribe, but nothing in the turn
// path waits on a subscriber.
const (
	SubjectTurnCompleted = "pam.turn.completed"
	SubjectToolAudit     = "pam.tool.audit"
	SubjectVoiceStarted  = "pam.voice.session.started"
	SubjectVoiceEnded    = "pam.voice.session.ended"
	SubjectTranscript    = "pam.voice.transcript"
	SubjectTTSFallback   = "pam.tts.fallback"
)

// TurnCompleted records one assistant turn: the utterance, its classified
// intent, and the actions the planner produced.
type TurnCompleted struct {
	TurnID     string    `json:"turn_id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Utterance  string    `json:"utterance"`
	Domain     string    `json:"domain"`
	Intent     string    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Actions    int       `json:"actions"`
	ToolCalls  int       `json:"tool_calls"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToolAudit records one tool execution, success or failure.
type ToolAudit struct {
	CallID     string    `json:"call_id"`
	Tool       string    `json:"tool"`
	UserID     string    `json:"user_id"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// VoiceSession marks a realtime voice session starting or ending.
type VoiceSession struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Model     string    `json:"model,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is a finalized user utterance captured during a voice
// session.
type Transcript struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSFallback reports the synthesis chain falling past an engine.
type TTSFallback struct {
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
