// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package vtxo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/database/memdb"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

func newTestManager(t *testing.T, ark daemons.Ark) (*Manager, *mockable.Clock, *state.State) {
	require := require.New(t)

	st, err := state.New(memdb.New())
	require.NoError(err)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))

	m := NewManager(Config{
		Log:   zap.NewNop(),
		Clock: clock,
	}, st, ark)
	return m, clock, st
}

func seedVTXOs(t *testing.T, st *state.State, amounts ...uint64) {
	require.NoError(t, st.Transact(func(mu state.Mutable) error {
		for i, amount := range amounts {
			if err := mu.PutVTXO(&state.VTXO{
				VtxoID:     fmt.Sprintf("vtxo-%d", i),
				Txid:       fmt.Sprintf("fund-%d", i),
				AmountSats: amount,
				AssetID:    nativeAssetID,
				Status:     state.VTXOAvailable,
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestMerkleRootDeterministic(t *testing.T) {
	require := require.New(t)

	root1 := MerkleRoot([]string{"tx-a", "tx-b", "tx-c"})
	root2 := MerkleRoot([]string{"tx-c", "tx-a", "tx-b"})
	require.Equal(root1, root2)
	require.Len(root1, 64)

	// Any txid change moves the root.
	require.NotEqual(root1, MerkleRoot([]string{"tx-a", "tx-b", "tx-d"}))

	// Single leaf and empty input edge cases.
	require.Len(MerkleRoot([]string{"tx-a"}), 64)
	require.Empty(MerkleRoot(nil))
}

func TestAssignSmallestFit(t *testing.T) {
	require := require.New(t)
	m, _, st := newTestManager(t, &daemons.TestArk{})
	seedVTXOs(t, st, 9_000, 1_000, 4_000)

	assigned, err := m.Assign("sess-1", "user-a", nativeAssetID, 4_500)
	require.NoError(err)

	// Smallest outputs first: 1_000 + 4_000 covers 4_500.
	require.Len(assigned, 2)
	require.Equal(uint64(1_000), assigned[0].AmountSats)
	require.Equal(uint64(4_000), assigned[1].AmountSats)

	for _, v := range assigned {
		got, err := st.GetVTXO(v.VtxoID)
		require.NoError(err)
		require.Equal(state.VTXOAssigned, got.Status)
		require.Equal("user-a", got.UserPubKey)
		require.Equal("sess-1", got.SessionID)
	}

	// The big output is untouched.
	require.Len(st.AvailableVTXOs(nativeAssetID), 1)
}

func TestAssignPrefersOwnOutputs(t *testing.T) {
	require := require.New(t)
	m, _, st := newTestManager(t, &daemons.TestArk{})
	seedVTXOs(t, st, 1_000, 2_000)

	// One output already belongs to the sender.
	require.NoError(st.Transact(func(mu state.Mutable) error {
		return mu.PutVTXO(&state.VTXO{
			VtxoID:     "vtxo-own",
			Txid:       "fund-own",
			AmountSats: 5_000,
			AssetID:    nativeAssetID,
			UserPubKey: "user-a",
			Status:     state.VTXOAvailable,
		})
	}))

	assigned, err := m.Assign("sess-1", "user-a", nativeAssetID, 4_000)
	require.NoError(err)

	// The sender's own output covers the amount; the shared pool stays
	// untouched even though its outputs are smaller.
	require.Len(assigned, 1)
	require.Equal("vtxo-own", assigned[0].VtxoID)
	require.Len(st.AvailableVTXOs(nativeAssetID), 2)
}

func TestAssignSkipsExpiringOutputs(t *testing.T) {
	require := require.New(t)
	m, clock, st := newTestManager(t, &daemons.TestArk{})

	now := clock.Time().Unix()
	require.NoError(st.Transact(func(mu state.Mutable) error {
		if err := mu.PutVTXO(&state.VTXO{
			VtxoID:     "vtxo-stale",
			Txid:       "f-1",
			AmountSats: 5_000,
			AssetID:    nativeAssetID,
			Status:     state.VTXOAvailable,
			ExpiresAt:  now - 1,
		}); err != nil {
			return err
		}
		return mu.PutVTXO(&state.VTXO{
			VtxoID:     "vtxo-live",
			Txid:       "f-2",
			AmountSats: 5_000,
			AssetID:    nativeAssetID,
			Status:     state.VTXOAvailable,
			ExpiresAt:  now + 3_600,
		})
	}))

	assigned, err := m.Assign("sess-1", "user-a", nativeAssetID, 4_000)
	require.NoError(err)
	require.Len(assigned, 1)
	require.Equal("vtxo-live", assigned[0].VtxoID)
}

func TestReleaseInReturnsAssignedToPool(t *testing.T) {
	require := require.New(t)
	m, _, st := newTestManager(t, &daemons.TestArk{})
	seedVTXOs(t, st, 1_000, 2_000)

	assigned, err := m.Assign("sess-1", "user-a", nativeAssetID, 2_500)
	require.NoError(err)
	require.Len(assigned, 2)

	require.NoError(st.Transact(func(mu state.Mutable) error {
		return ReleaseIn(mu, []string{"vtxo-0", "vtxo-1"})
	}))

	for _, id := range []string{"vtxo-0", "vtxo-1"} {
		v, err := st.GetVTXO(id)
		require.NoError(err)
		require.Equal(state.VTXOAvailable, v.Status)
		require.Empty(v.UserPubKey)
		require.Empty(v.SessionID)
	}

	// Releasing again is a no-op.
	require.NoError(st.Transact(func(mu state.Mutable) error {
		return ReleaseIn(mu, []string{"vtxo-0", "vtxo-1"})
	}))
	require.Len(st.AvailableVTXOs(nativeAssetID), 2)
}

func TestAssignInsufficientInventoryRollsBack(t *testing.T) {
	require := require.New(t)
	m, _, st := newTestManager(t, &daemons.TestArk{})
	seedVTXOs(t, st, 1_000, 2_000)

	_, err := m.Assign("sess-1", "user-a", nativeAssetID, 10_000)
	require.ErrorIs(err, ErrInsufficientInventory)

	// Nothing was assigned.
	require.Len(st.AvailableVTXOs(nativeAssetID), 2)
}

func TestSplitPreservesValue(t *testing.T) {
	require := require.New(t)

	ark := &daemons.TestArk{
		CreateVtxoBatchF: func(_ context.Context, count int, _ uint64) ([]*daemons.VtxoOutput, error) {
			outs := make([]*daemons.VtxoOutput, count)
			for i := range outs {
				outs[i] = &daemons.VtxoOutput{
					VtxoID: fmt.Sprintf("child-%d", i),
					Txid:   "split-tx",
					Vout:   uint32(i),
				}
			}
			return outs, nil
		},
	}
	m, _, st := newTestManager(t, ark)
	seedVTXOs(t, st, 10_000)

	_, err := m.Split(context.Background(), "vtxo-0", []uint64{6_000, 5_000})
	require.ErrorIs(err, ErrBadSplit)

	children, err := m.Split(context.Background(), "vtxo-0", []uint64{6_000, 3_000, 1_000})
	require.NoError(err)
	require.Len(children, 3)

	parent, err := st.GetVTXO("vtxo-0")
	require.NoError(err)
	require.Equal(state.VTXOSpent, parent.Status)
	require.Equal("split-tx", parent.SpendingTxid)

	var total uint64
	for _, c := range st.AvailableVTXOs(nativeAssetID) {
		total += c.AmountSats
	}
	require.Equal(uint64(10_000), total)
}

func replenishArk(feeRate *uint64) *daemons.TestArk {
	created := 0
	return &daemons.TestArk{
		GetNetworkInfoF: func(context.Context) (*daemons.NetworkInfo, error) {
			return &daemons.NetworkInfo{MinRelayFeeRate: *feeRate}, nil
		},
		CreateVtxoBatchF: func(_ context.Context, count int, amount uint64) ([]*daemons.VtxoOutput, error) {
			outs := make([]*daemons.VtxoOutput, count)
			for i := range outs {
				created++
				outs[i] = &daemons.VtxoOutput{
					VtxoID:     fmt.Sprintf("new-%d", created),
					Txid:       fmt.Sprintf("batch-%d", created),
					AmountSats: amount,
				}
			}
			return outs, nil
		},
	}
}

func newSmallPoolManager(t *testing.T, ark daemons.Ark) (*Manager, *state.State) {
	require := require.New(t)

	st, err := state.New(memdb.New())
	require.NoError(err)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))

	m := NewManager(Config{
		CriticalThreshold: 2,
		WarningThreshold:  4,
		TargetInventory:   10,
		BatchSize:         5,
		Log:               zap.NewNop(),
		Clock:             clock,
	}, st, ark)
	return m, st
}

func TestReplenishRespectsFeeCeiling(t *testing.T) {
	require := require.New(t)

	feeRate := uint64(1_000)
	m, st := newSmallPoolManager(t, replenishArk(&feeRate))
	seedVTXOs(t, st, 1_000, 1_000, 1_000)

	// Pool healthy but below target, fees above the ceiling: no batch.
	n, err := m.Replenish(context.Background(), nativeAssetID)
	require.NoError(err)
	require.Zero(n)

	// Fees normal: one batch, capped at BatchSize.
	feeRate = 10
	n, err = m.Replenish(context.Background(), nativeAssetID)
	require.NoError(err)
	require.Equal(5, n)
	require.Len(st.AvailableVTXOs(nativeAssetID), 8)
}

func TestReplenishCriticalIgnoresFeeCeiling(t *testing.T) {
	require := require.New(t)

	// An empty pool is below the critical threshold; the batch goes out
	// no matter what L1 fees cost.
	feeRate := uint64(1_000)
	m, st := newSmallPoolManager(t, replenishArk(&feeRate))

	n, err := m.Replenish(context.Background(), nativeAssetID)
	require.NoError(err)
	require.Equal(5, n)
	require.Len(st.AvailableVTXOs(nativeAssetID), 5)
}

func TestSweepExpired(t *testing.T) {
	require := require.New(t)
	m, clock, st := newTestManager(t, &daemons.TestArk{})

	now := clock.Time().Unix()
	require.NoError(st.Transact(func(mu state.Mutable) error {
		if err := mu.PutVTXO(&state.VTXO{
			VtxoID:     "vtxo-live",
			Txid:       "f-1",
			AmountSats: 1_000,
			AssetID:    nativeAssetID,
			Status:     state.VTXOAvailable,
			ExpiresAt:  now + 3_600,
		}); err != nil {
			return err
		}
		if err := mu.PutVTXO(&state.VTXO{
			VtxoID:     "vtxo-stale",
			Txid:       "f-2",
			AmountSats: 1_000,
			AssetID:    nativeAssetID,
			Status:     state.VTXOAvailable,
			ExpiresAt:  now - 1,
		}); err != nil {
			return err
		}
		if err := mu.PutVTXO(&state.VTXO{
			VtxoID:     "vtxo-stuck",
			Txid:       "f-3",
			AmountSats: 1_000,
			AssetID:    nativeAssetID,
			UserPubKey: "user-a",
			Status:     state.VTXOAssigned,
			ExpiresAt:  now - 1,
		}); err != nil {
			return err
		}
		// An overdue output whose ceremony is still live must be left
		// alone; retiring it would invalidate the signing in flight.
		if err := mu.AddSession(&state.SigningSession{
			SessionID:  "sess-live",
			UserPubKey: "user-b",
			ActionID:   "action-live",
			Type:       state.SessionP2PTransfer,
			Status:     state.SessionSigning,
			ExpiresAt:  now + 3_600,
		}); err != nil {
			return err
		}
		return mu.PutVTXO(&state.VTXO{
			VtxoID:     "vtxo-held",
			Txid:       "f-4",
			AmountSats: 1_000,
			AssetID:    nativeAssetID,
			UserPubKey: "user-b",
			SessionID:  "sess-live",
			Status:     state.VTXOAssigned,
			ExpiresAt:  now - 1,
		})
	}))

	swept, err := m.SweepExpired()
	require.NoError(err)
	require.Equal(2, swept)

	for _, id := range []string{"vtxo-stale", "vtxo-stuck"} {
		v, err := st.GetVTXO(id)
		require.NoError(err)
		require.Equal(state.VTXOExpired, v.Status)
	}
	v, err := st.GetVTXO("vtxo-live")
	require.NoError(err)
	require.Equal(state.VTXOAvailable, v.Status)
	v, err = st.GetVTXO("vtxo-held")
	require.NoError(err)
	require.Equal(state.VTXOAssigned, v.Status)
}

func TestSettleAnchorsBatch(t *testing.T) {
	require := require.New(t)

	var gotRoot string
	ark := &daemons.TestArk{
		CreateCommitmentF: func(_ context.Context, req *daemons.CommitmentRequest) (*daemons.Commitment, error) {
			gotRoot = req.MerkleRoot
			return &daemons.Commitment{
				CommitmentTxid: "l1-tx",
				RawTx:          "rawhex",
				AnchorHeight:   850_000,
			}, nil
		},
		BroadcastTxF: func(_ context.Context, _ string) (string, error) {
			return "l1-tx", nil
		},
	}
	m, _, st := newTestManager(t, ark)

	require.NoError(st.Transact(func(mu state.Mutable) error {
		for _, txid := range []string{"tx-1", "tx-2"} {
			if err := mu.PutTransaction(&state.Transaction{
				Txid:   txid,
				TxType: "transfer",
				Status: state.TxBroadcast,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var published *protocol.L1Commitment
	announcement, err := m.Settle(context.Background(), func(c *protocol.L1Commitment) error {
		published = c
		return nil
	})
	require.NoError(err)
	require.Equal(MerkleRoot([]string{"tx-1", "tx-2"}), gotRoot)
	require.Equal("l1-tx", announcement.L1Txid)
	require.NotNil(published)
	require.Equal(announcement.BatchID, published.BatchID)

	// Both rows are bound to the batch; a second settle has nothing to do.
	for _, txid := range []string{"tx-1", "tx-2"} {
		tx, err := st.GetTransaction(txid)
		require.NoError(err)
		require.Equal(announcement.BatchID, tx.SettlementBatch)
	}
	_, err = m.Settle(context.Background(), nil)
	require.ErrorIs(err, ErrNothingToSettle)
}
