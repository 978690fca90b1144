// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/database/memdb"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

func newTestManager(t *testing.T, maxActive int) (*Manager, *mockable.Clock, *state.State) {
	require := require.New(t)

	st, err := state.New(memdb.New())
	require.NoError(err)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))

	m := NewManager(Config{
		MaxActive: maxActive,
		Log:       zap.NewNop(),
		Clock:     clock,
	}, st)
	return m, clock, st
}

func TestCreateIsIdempotentByIntent(t *testing.T) {
	require := require.New(t)
	m, _, _ := newTestManager(t, 10)

	sess, created, err := m.Create("user-a", "action-1", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)
	require.True(created)

	// A replayed intent returns the same session without a new row.
	replay, created, err := m.Create("user-a", "action-1", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)
	require.False(created)
	require.Equal(sess.SessionID, replay.SessionID)
}

func TestCreateAdmissionCeiling(t *testing.T) {
	require := require.New(t)
	m, _, _ := newTestManager(t, 2)

	for i := 0; i < 2; i++ {
		_, created, err := m.Create("user-a", fmt.Sprintf("action-%d", i), state.SessionP2PTransfer, []byte(`{}`), 0)
		require.NoError(err)
		require.True(created)
	}

	_, _, err := m.Create("user-a", "action-overflow", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.ErrorIs(err, ErrTooBusy)

	// A terminal session frees its slot.
	first, _, err := m.Create("user-a", "action-0", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)
	require.NoError(m.Fail(first.SessionID, protocol.CodeValidationFailed, "bad params"))

	_, created, err := m.Create("user-a", "action-2", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)
	require.True(created)
}

func TestFailTerminalIsNoOp(t *testing.T) {
	require := require.New(t)
	m, _, st := newTestManager(t, 10)

	sess, _, err := m.Create("user-a", "action-1", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)

	require.NoError(m.Fail(sess.SessionID, protocol.CodeBackendUnavailable, "arkd down"))

	got, err := st.GetSession(sess.SessionID)
	require.NoError(err)
	require.Equal(state.SessionFailed, got.Status)
	require.Equal(protocol.CodeBackendUnavailable, got.FailureCode)

	// A second failure must not overwrite the recorded code.
	require.NoError(m.Fail(sess.SessionID, protocol.CodeValidationFailed, "late error"))
	got, err = st.GetSession(sess.SessionID)
	require.NoError(err)
	require.Equal(protocol.CodeBackendUnavailable, got.FailureCode)
}

func TestSweepExpiresAndNotifies(t *testing.T) {
	require := require.New(t)
	m, clock, st := newTestManager(t, 10)

	sess, _, err := m.Create("user-a", "action-1", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)

	// Not yet due.
	expired, err := m.Sweep(nil, nil)
	require.NoError(err)
	require.Empty(expired)

	clock.Set(clock.Time().Add(SessionTTL + time.Minute))

	var notified []string
	expired, err = m.Sweep(nil, func(s *state.SigningSession) error {
		notified = append(notified, s.SessionID)
		return nil
	})
	require.NoError(err)
	require.Len(expired, 1)
	require.Equal(sess.SessionID, expired[0].SessionID)
	require.Equal([]string{sess.SessionID}, notified)

	got, err := st.GetSession(sess.SessionID)
	require.NoError(err)
	require.Equal(state.SessionExpired, got.Status)
	require.Equal(protocol.CodeExpired, got.FailureCode)
	require.True(got.FailureNotified)

	// Nothing owed on the next pass.
	notified = nil
	_, err = m.Sweep(nil, func(s *state.SigningSession) error {
		notified = append(notified, s.SessionID)
		return nil
	})
	require.NoError(err)
	require.Empty(notified)
}

func TestSweepRetriesOwedNotices(t *testing.T) {
	require := require.New(t)
	m, clock, st := newTestManager(t, 10)

	sess, _, err := m.Create("user-a", "action-1", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)
	clock.Set(clock.Time().Add(SessionTTL + time.Minute))

	// First delivery attempt fails; the notice stays owed.
	_, err = m.Sweep(nil, func(*state.SigningSession) error {
		return fmt.Errorf("relays down")
	})
	require.NoError(err)

	got, err := st.GetSession(sess.SessionID)
	require.NoError(err)
	require.False(got.FailureNotified)

	var notified []string
	_, err = m.Sweep(nil, func(s *state.SigningSession) error {
		notified = append(notified, s.SessionID)
		return nil
	})
	require.NoError(err)
	require.Equal([]string{sess.SessionID}, notified)
}

func TestSweepRunsExpiryCleanup(t *testing.T) {
	require := require.New(t)
	m, clock, _ := newTestManager(t, 10)

	sess, _, err := m.Create("user-a", "action-1", state.SessionP2PTransfer, []byte(`{}`), 0)
	require.NoError(err)
	clock.Set(clock.Time().Add(SessionTTL + time.Minute))

	// Each expired session is handed to the cleanup callback after the
	// expiry write lands.
	var cleaned []string
	_, err = m.Sweep(func(s *state.SigningSession) error {
		require.Equal(state.SessionExpired, s.Status)
		cleaned = append(cleaned, s.SessionID)
		return nil
	}, nil)
	require.NoError(err)
	require.Equal([]string{sess.SessionID}, cleaned)

	// Already-terminal sessions are not handed over again.
	cleaned = nil
	_, err = m.Sweep(func(s *state.SigningSession) error {
		cleaned = append(cleaned, s.SessionID)
		return nil
	}, nil)
	require.NoError(err)
	require.Empty(cleaned)
}
