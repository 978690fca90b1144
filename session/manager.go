// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package session owns the signing session lifecycle: admission,
// status transitions, failure accounting and expiry sweeping.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const (
	// DefaultMaxActive is the admission ceiling for concurrent
	// non-terminal sessions.
	DefaultMaxActive = 100

	// SessionTTL bounds a whole ceremony; ChallengeTTL bounds one
	// signature round trip.
	SessionTTL   = 30 * time.Minute
	ChallengeTTL = 5 * time.Minute

	sweepInterval = 30 * time.Second
)

var ErrTooBusy = errors.New("session admission ceiling reached")

type Config struct {
	MaxActive int
	Log       *zap.Logger
	Clock     *mockable.Clock
}

// Notifier is called by the sweeper for each terminal session that
// still owes the wallet a failure notice. A nil return marks the notice
// delivered; an error leaves it owed for the next sweep.
type Notifier func(sess *state.SigningSession) error

type Manager struct {
	cfg   Config
	state *state.State
}

func NewManager(cfg Config, st *state.State) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	return &Manager{
		cfg:   cfg,
		state: st,
	}
}

// Create admits a session for an intent. The call is idempotent on
// (user_pubkey, action_id): a replay returns the existing session with
// created=false.
func (m *Manager) Create(
	userPubKey string,
	actionID string,
	typ state.SessionType,
	intentData json.RawMessage,
	intentExpiresAt int64,
) (*state.SigningSession, bool, error) {
	if existing, err := m.state.GetSessionByIntent(userPubKey, actionID); err == nil {
		return existing, false, nil
	}

	if len(m.state.ActiveSessions()) >= m.cfg.MaxActive {
		return nil, false, ErrTooBusy
	}

	now := m.cfg.Clock.Time()
	expiresAt := now.Add(SessionTTL).Unix()
	if intentExpiresAt > 0 && intentExpiresAt < expiresAt {
		expiresAt = intentExpiresAt
	}
	sess := &state.SigningSession{
		SessionID:  uuid.NewString(),
		UserPubKey: userPubKey,
		ActionID:   actionID,
		Type:       typ,
		Status:     state.SessionInitiated,
		IntentData: intentData,
		CreatedAt:  now.Unix(),
		UpdatedAt:  now.Unix(),
		ExpiresAt:  expiresAt,
	}

	err := m.state.Transact(func(mu state.Mutable) error {
		return mu.AddSession(sess)
	})
	if errors.Is(err, state.ErrDuplicateSession) {
		// Lost a race with a concurrent replay.
		existing, getErr := m.state.GetSessionByIntent(userPubKey, actionID)
		if getErr != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	m.cfg.Log.Info("session created",
		zap.String("session", sess.SessionID),
		zap.String("user", userPubKey),
		zap.String("action", actionID),
		zap.String("type", string(typ)),
	)
	return sess, true, nil
}

// Update applies [mutate] to the session and persists it, running the
// transition rules. The mutated session is returned.
func (m *Manager) Update(sessionID string, mutate func(*state.SigningSession)) (*state.SigningSession, error) {
	var updated *state.SigningSession
	err := m.state.Transact(func(mu state.Mutable) error {
		sess, err := mu.GetSession(sessionID)
		if err != nil {
			return err
		}
		mutate(sess)
		sess.UpdatedAt = m.cfg.Clock.Time().Unix()
		updated = sess
		return mu.PutSession(sess)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Fail moves the session to failed with a user-visible code. Failing an
// already-terminal session is a no-op so late errors don't fight the
// sweeper.
func (m *Manager) Fail(sessionID string, code protocol.Code, message string) error {
	err := m.state.Transact(func(mu state.Mutable) error {
		sess, err := mu.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		sess.Status = state.SessionFailed
		sess.FailureCode = code
		sess.ErrorMessage = message
		sess.UpdatedAt = m.cfg.Clock.Time().Unix()
		return mu.PutSession(sess)
	})
	if err != nil {
		return err
	}
	m.cfg.Log.Info("session failed",
		zap.String("session", sessionID),
		zap.Int("code", int(code)),
		zap.String("message", message),
	)
	return nil
}

// MarkNotified records that the wallet received the failure notice for
// a terminal session.
func (m *Manager) MarkNotified(sessionID string) error {
	return m.state.Transact(func(mu state.Mutable) error {
		sess, err := mu.GetSession(sessionID)
		if err != nil {
			return err
		}
		sess.FailureNotified = true
		return mu.PutSession(sess)
	})
}

// Sweep expires overdue sessions, releases their staged work through
// [onExpired], and re-delivers owed failure notices through [notify].
// It returns the sessions it expired on this pass.
func (m *Manager) Sweep(onExpired, notify Notifier) ([]*state.SigningSession, error) {
	now := m.cfg.Clock.Time().Unix()

	var expired []*state.SigningSession
	for _, sess := range m.state.ActiveSessions() {
		if sess.ExpiresAt > now {
			continue
		}
		sessionID := sess.SessionID
		err := m.state.Transact(func(mu state.Mutable) error {
			current, err := mu.GetSession(sessionID)
			if err != nil {
				return err
			}
			if current.Status.Terminal() {
				return nil
			}
			current.Status = state.SessionExpired
			current.FailureCode = protocol.CodeExpired
			current.UpdatedAt = now
			if err := mu.PutSession(current); err != nil {
				return err
			}
			expired = append(expired, current)
			return nil
		})
		if err != nil {
			return expired, err
		}
		m.cfg.Log.Info("session expired",
			zap.String("session", sessionID),
		)
	}

	// Expired ceremonies still hold balance reservations and assigned
	// outputs from their prepare step; the owner releases them.
	if onExpired != nil {
		for _, sess := range expired {
			if err := onExpired(sess); err != nil {
				m.cfg.Log.Warn("expired session cleanup failed",
					zap.String("session", sess.SessionID),
					zap.Error(err),
				)
			}
		}
	}

	if notify == nil {
		return expired, nil
	}
	for _, sess := range m.owedNotices() {
		if err := notify(sess); err != nil {
			m.cfg.Log.Warn("failure notice delivery failed",
				zap.String("session", sess.SessionID),
				zap.Error(err),
			)
			continue
		}
		if err := m.MarkNotified(sess.SessionID); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// owedNotices lists failed or expired sessions whose wallet was never
// told.
func (m *Manager) owedNotices() []*state.SigningSession {
	var owed []*state.SigningSession
	for _, sess := range m.state.Sessions() {
		if sess.FailureNotified {
			continue
		}
		if sess.Status == state.SessionFailed || sess.Status == state.SessionExpired {
			owed = append(owed, sess)
		}
	}
	return owed
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (m *Manager) Run(ctx context.Context, onExpired, notify Notifier) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(onExpired, notify); err != nil {
				m.cfg.Log.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}
