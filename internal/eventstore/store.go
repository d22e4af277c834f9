package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wheelswins/pam-core/internal/config"
)

// Turn is one recorded assistant exchange.
type Turn struct {
	ID             int64
	ConversationID string
	TurnID         string
	UserID         string
	Utterance      string
	Domain         string
	Intent         string
	Confidence     float64
	Actions        int
	CreatedAt      time.Time
}

// ToolAudit is one recorded tool execution.
type ToolAudit struct {
	ID             int64
	ConversationID string
	CallID         string
	Tool           string
	Outcome        string
	Error          string
	DurationMS     int64
	CreatedAt      time.Time
}

// Transcript is one finalized voice utterance.
type Transcript struct {
	ID             int64
	ConversationID string
	Text           string
	CreatedAt      time.Time
}

// Store keeps the conversation timeline in SQLite. With retention_mode
// ephemeral no database is opened and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    user_id TEXT,
    channel TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    turn_id TEXT,
    user_id TEXT,
    utterance TEXT,
    domain TEXT,
    intent TEXT,
    confidence REAL,
    actions INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS tool_audits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT,
    call_id TEXT,
    tool TEXT,
    outcome TEXT,
    error TEXT,
    duration_ms INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    text TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation_created ON turns(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audits_created ON tool_audits(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// EnsureConversation upserts the conversation row a turn hangs off.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, userID, channel string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(conversation_id, user_id, channel, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET user_id=excluded.user_id, channel=excluded.channel`,
		conversationID, userID, channel, s.clock().UTC())
	return err
}

// AppendTurn records one completed exchange.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	if s.disabled() {
		return nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(conversation_id, turn_id, user_id, utterance, domain, intent, confidence, actions, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ConversationID, t.TurnID, t.UserID, t.Utterance, t.Domain, t.Intent, t.Confidence, t.Actions, t.CreatedAt)
	return err
}

// AppendToolAudit records one tool execution.
func (s *Store) AppendToolAudit(ctx context.Context, a ToolAudit) error {
	if s.disabled() {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_audits(conversation_id, call_id, tool, outcome, error, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		a.ConversationID, a.CallID, a.Tool, a.Outcome, a.Error, a.DurationMS, a.CreatedAt)
	return err
}

// AppendTranscript records a finalized voice utterance.
func (s *Store) AppendTranscript(ctx context.Context, tr Transcript) error {
	if s.disabled() {
		return nil
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(conversation_id, text, created_at) VALUES(?, ?, ?)`,
		tr.ConversationID, tr.Text, tr.CreatedAt)
	return err
}

// ListTurns retrieves up to limit turns for a conversation, oldest first.
func (s *Store) ListTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, turn_id, user_id, utterance, domain, intent, confidence, actions, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var created string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.TurnID, &t.UserID, &t.Utterance,
			&t.Domain, &t.Intent, &t.Confidence, &t.Actions, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ListToolAudits retrieves the most recent audits, newest first.
func (s *Store) ListToolAudits(ctx context.Context, limit int) ([]ToolAudit, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, call_id, tool, outcome, error, duration_ms, created_at
		 FROM tool_audits ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []ToolAudit
	for rows.Next() {
		var a ToolAudit
		var created string
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.CallID, &a.Tool, &a.Outcome,
			&a.Error, &a.DurationMS, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			a.CreatedAt = ts
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// Prune applies the configured retention. Called on startup; the runtime
// may also schedule it.
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		for _, table := range []string{"turns", "tool_audits", "transcripts", "conversations"} {
			if _, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?`, table), cutoff); err != nil {
				return err
			}
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id IN (
			SELECT conversation_id FROM conversations ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
