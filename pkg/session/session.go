package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/common"
	"github.com/AdaptiveCaptcha/AdaptiveCaptcha/pkg/kv"
	"github.com/rs/xid"
)

const (
	keyPrefix = "session:"

	DefaultTTL     = 5 * time.Minute
	MaxBotAttempts = 3
)

// Session tracks one visitor's checkbox interaction. It is exclusively
// owned by the KV store; nothing mutable outlives a single request.
type Session struct {
	ID            string    `json:"session_id"`
	Attempts      int32     `json:"attempts"`
	BotAttempts   int32     `json:"bot_attempts"`
	IsBlocked     bool      `json:"is_blocked"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

type Manager struct {
	Store kv.Store
	TTL   time.Duration
}

func NewManager(store kv.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{Store: store, TTL: ttl}
}

func newSessionID() string {
	return "sess_" + xid.New().String()
}

// Upsert returns the session for sid, creating a fresh one when sid is
// empty or unknown (expired sessions simply start over).
func (m *Manager) Upsert(ctx context.Context, sid string) (*Session, error) {
	if len(sid) > 0 {
		var s Session
		err := m.Store.GetJSON(ctx, keyPrefix+sid, &s)
		if err == nil {
			return &s, nil
		}
		if err != kv.ErrNotFound {
			return nil, err
		}

		slog.Log(ctx, common.LevelTrace, "Session not found, creating a new one", "sid", sid)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:            newSessionID(),
		CreatedAt:     now,
		LastAttemptAt: now,
	}

	if err := m.Store.SetJSON(ctx, keyPrefix+s.ID, s, m.TTL); err != nil {
		return nil, err
	}

	return s, nil
}

// RecordAttempt bumps the attempt counters and persists the session with a
// refreshed TTL. A session that reaches MaxBotAttempts is blocked for the
// rest of its life; a blocked session is never upgraded back.
func (m *Manager) RecordAttempt(ctx context.Context, s *Session, botSuspicion bool) error {
	s.Attempts++
	s.LastAttemptAt = time.Now().UTC()

	if botSuspicion {
		s.BotAttempts++
	}

	if s.BotAttempts >= MaxBotAttempts {
		s.IsBlocked = true
	}

	return m.save(ctx, s)
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	return m.Store.SetJSON(ctx, keyPrefix+s.ID, s, m.TTL)
}

func (m *Manager) Destroy(ctx context.Context, sid string) error {
	return m.Store.Delete(ctx, keyPrefix+sid)
}
