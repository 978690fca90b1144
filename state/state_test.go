// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkrelay/gatewaygo/database"
	"github.com/arkrelay/gatewaygo/database/memdb"
)

func newTestState(t *testing.T) (*State, database.Database) {
	require := require.New(t)

	db := memdb.New()
	s, err := New(db)
	require.NoError(err)
	return s, db
}

func testSession(id, user, action string) *SigningSession {
	return &SigningSession{
		SessionID:  id,
		UserPubKey: user,
		ActionID:   action,
		Type:       SessionP2PTransfer,
		Status:     SessionInitiated,
		CreatedAt:  1,
		ExpiresAt:  1800,
	}
}

func TestAddSessionIntentUniqueness(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	require.NoError(s.Transact(func(m Mutable) error {
		return m.AddSession(testSession("sess-1", "user-a", "action-1"))
	}))

	// Same (user, action_id) pair with a fresh session id must be refused.
	err := s.Transact(func(m Mutable) error {
		return m.AddSession(testSession("sess-2", "user-a", "action-1"))
	})
	require.ErrorIs(err, ErrDuplicateSession)

	// Same action id from a different author is a distinct intent.
	require.NoError(s.Transact(func(m Mutable) error {
		return m.AddSession(testSession("sess-3", "user-b", "action-1"))
	}))

	got, err := s.GetSessionByIntent("user-a", "action-1")
	require.NoError(err)
	require.Equal("sess-1", got.SessionID)
}

func TestSessionTransitionGraph(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	require.NoError(s.Transact(func(m Mutable) error {
		return m.AddSession(testSession("sess-1", "user-a", "action-1"))
	}))

	advance := func(to SessionStatus) error {
		return s.Transact(func(m Mutable) error {
			sess, err := m.GetSession("sess-1")
			if err != nil {
				return err
			}
			sess.Status = to
			return m.PutSession(sess)
		})
	}

	// Skipping challenge_sent is not an edge in the graph.
	require.ErrorIs(advance(SessionAwaitingSignature), ErrInvalidTransition)

	require.NoError(advance(SessionChallengeSent))
	require.NoError(advance(SessionAwaitingSignature))
	require.NoError(advance(SessionSigning))

	// Completion without a broadcast tx or settled invoice is refused.
	require.ErrorIs(advance(SessionCompleted), ErrUnboundCompletion)

	require.NoError(s.Transact(func(m Mutable) error {
		if err := m.PutTransaction(&Transaction{
			Txid:      "tx-1",
			SessionID: "sess-1",
			TxType:    "transfer",
			Status:    TxBroadcast,
		}); err != nil {
			return err
		}
		sess, err := m.GetSession("sess-1")
		if err != nil {
			return err
		}
		sess.Status = SessionCompleted
		return m.PutSession(sess)
	}))

	// Terminal states accept no further transitions.
	require.ErrorIs(advance(SessionFailed), ErrInvalidTransition)
}

func TestSessionStatusAliases(t *testing.T) {
	require := require.New(t)

	status, err := ParseSessionStatus("pending")
	require.NoError(err)
	require.Equal(SessionInitiated, status)

	status, err = ParseSessionStatus("response_received")
	require.NoError(err)
	require.Equal(SessionAwaitingSignature, status)

	_, err = ParseSessionStatus("bogus")
	require.Error(err)
}

func TestVTXOMonotonicStatus(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	require.NoError(s.Transact(func(m Mutable) error {
		return m.PutVTXO(&VTXO{
			VtxoID:     "vtxo-1",
			Txid:       "fund-1",
			AmountSats: 5_000,
			AssetID:    "native",
			Status:     VTXOAvailable,
		})
	}))

	// Assigning without an owner violates the ownership invariant.
	err := s.Transact(func(m Mutable) error {
		v, err := m.GetVTXO("vtxo-1")
		if err != nil {
			return err
		}
		v.Status = VTXOAssigned
		return m.PutVTXO(v)
	})
	require.ErrorIs(err, ErrMissingOwner)

	require.NoError(s.Transact(func(m Mutable) error {
		v, err := m.GetVTXO("vtxo-1")
		if err != nil {
			return err
		}
		v.Status = VTXOAssigned
		v.UserPubKey = "user-a"
		return m.PutVTXO(v)
	}))

	// An assignment may be released back to the pool.
	require.NoError(s.Transact(func(m Mutable) error {
		v, err := m.GetVTXO("vtxo-1")
		if err != nil {
			return err
		}
		v.Status = VTXOAvailable
		v.UserPubKey = ""
		return m.PutVTXO(v)
	}))
	require.NoError(s.Transact(func(m Mutable) error {
		v, err := m.GetVTXO("vtxo-1")
		if err != nil {
			return err
		}
		v.Status = VTXOAssigned
		v.UserPubKey = "user-a"
		return m.PutVTXO(v)
	}))

	// Spending must name a transaction visible in the same view.
	err = s.Transact(func(m Mutable) error {
		v, err := m.GetVTXO("vtxo-1")
		if err != nil {
			return err
		}
		v.Status = VTXOSpent
		v.SpendingTxid = "tx-missing"
		return m.PutVTXO(v)
	})
	require.ErrorIs(err, ErrUnknownSpendingTx)

	require.NoError(s.Transact(func(m Mutable) error {
		if err := m.PutTransaction(&Transaction{
			Txid:   "tx-1",
			TxType: "transfer",
			Status: TxBroadcast,
		}); err != nil {
			return err
		}
		v, err := m.GetVTXO("vtxo-1")
		if err != nil {
			return err
		}
		v.Status = VTXOSpent
		v.SpendingTxid = "tx-1"
		return m.PutVTXO(v)
	}))

	// spent is terminal.
	err = s.Transact(func(m Mutable) error {
		v, err := m.GetVTXO("vtxo-1")
		if err != nil {
			return err
		}
		v.Status = VTXOAvailable
		return m.PutVTXO(v)
	})
	require.ErrorIs(err, ErrInvalidTransition)
}

func TestBalanceReservedInvariant(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	err := s.Transact(func(m Mutable) error {
		return m.PutBalance(&AssetBalance{
			UserPubKey: "user-a",
			AssetID:    "native",
			Balance:    100,
			Reserved:   200,
		})
	})
	require.ErrorIs(err, ErrBalanceInvariant)

	require.NoError(s.Transact(func(m Mutable) error {
		return m.PutBalance(&AssetBalance{
			UserPubKey: "user-a",
			AssetID:    "native",
			Balance:    100,
			Reserved:   40,
		})
	}))

	b, err := s.GetBalance("user-a", "native")
	require.NoError(err)
	require.Equal(uint64(60), b.Spendable())
}

func TestTransactAtomicity(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	// All three writes are staged; the failing third must void the first
	// two.
	err := s.Transact(func(m Mutable) error {
		if err := m.PutAsset(&Asset{AssetID: "native", Ticker: "SAT", Type: AssetNative}); err != nil {
			return err
		}
		if err := m.AddSession(testSession("sess-1", "user-a", "action-1")); err != nil {
			return err
		}
		return m.PutBalance(&AssetBalance{
			UserPubKey: "user-a",
			AssetID:    "native",
			Balance:    1,
			Reserved:   2,
		})
	})
	require.ErrorIs(err, ErrBalanceInvariant)

	_, err = s.GetAsset("native")
	require.ErrorIs(err, database.ErrNotFound)
	_, err = s.GetSession("sess-1")
	require.ErrorIs(err, database.ErrNotFound)
}

func TestChallengeSingleUse(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	require.NoError(s.Transact(func(m Mutable) error {
		return m.PutChallenge(&SigningChallenge{
			ChallengeID:   "chal-1",
			SessionID:     "sess-1",
			ChallengeData: []byte{0x01},
			StepIndex:     3,
			StepTotal:     6,
		})
	}))

	require.NoError(s.Transact(func(m Mutable) error {
		c, err := m.GetChallenge("chal-1")
		if err != nil {
			return err
		}
		c.IsUsed = true
		c.Signature = []byte{0xaa}
		return m.PutChallenge(c)
	}))

	// A used challenge is frozen; no rewrite can clear the flag or swap
	// the signature.
	err := s.Transact(func(m Mutable) error {
		c, err := m.GetChallenge("chal-1")
		if err != nil {
			return err
		}
		c.Signature = []byte{0xbb}
		return m.PutChallenge(c)
	})
	require.ErrorIs(err, ErrChallengeUsed)
}

func TestTransactionStatusTransitions(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	put := func(status TxStatus, batch string) error {
		return s.Transact(func(m Mutable) error {
			return m.PutTransaction(&Transaction{
				Txid:            "tx-1",
				TxType:          "transfer",
				Status:          status,
				SettlementBatch: batch,
			})
		})
	}

	require.NoError(put(TxPrepared, ""))
	require.NoError(put(TxBroadcast, ""))

	// prepared is behind broadcast.
	require.ErrorIs(put(TxPrepared, ""), ErrInvalidTransition)

	require.NoError(put(TxConfirmed, "batch-1"))

	// The settlement batch binding is write-once.
	require.ErrorIs(put(TxConfirmed, "batch-2"), ErrSettlementBatchSet)
}

func TestReloadFromDatabase(t *testing.T) {
	require := require.New(t)
	s, db := newTestState(t)

	require.NoError(s.Transact(func(m Mutable) error {
		if err := m.PutAsset(&Asset{AssetID: "native", Ticker: "SAT", Type: AssetNative}); err != nil {
			return err
		}
		if err := m.AddSession(testSession("sess-1", "user-a", "action-1")); err != nil {
			return err
		}
		return m.PutVTXO(&VTXO{
			VtxoID:     "vtxo-1",
			Txid:       "fund-1",
			AmountSats: 5_000,
			AssetID:    "native",
			Status:     VTXOAvailable,
		})
	}))

	reloaded, err := New(db)
	require.NoError(err)

	asset, err := reloaded.GetAsset("native")
	require.NoError(err)
	require.Equal("SAT", asset.Ticker)

	// The intent index is rebuilt from session rows on load.
	sess, err := reloaded.GetSessionByIntent("user-a", "action-1")
	require.NoError(err)
	require.Equal("sess-1", sess.SessionID)

	available := reloaded.AvailableVTXOs("native")
	require.Len(available, 1)
	require.Equal("vtxo-1", available[0].VtxoID)
}

func TestAvailableVTXOsSortedSmallestFirst(t *testing.T) {
	require := require.New(t)
	s, _ := newTestState(t)

	require.NoError(s.Transact(func(m Mutable) error {
		for _, v := range []*VTXO{
			{VtxoID: "vtxo-big", Txid: "f1", AmountSats: 9_000, AssetID: "native", Status: VTXOAvailable},
			{VtxoID: "vtxo-small", Txid: "f2", AmountSats: 1_000, AssetID: "native", Status: VTXOAvailable},
			{VtxoID: "vtxo-mid", Txid: "f3", AmountSats: 4_000, AssetID: "native", Status: VTXOAvailable},
		} {
			if err := m.PutVTXO(v); err != nil {
				return err
			}
		}
		return nil
	}))

	available := s.AvailableVTXOs("native")
	require.Len(available, 3)
	require.Equal("vtxo-small", available[0].VtxoID)
	require.Equal("vtxo-mid", available[1].VtxoID)
	require.Equal("vtxo-big", available[2].VtxoID)
}
