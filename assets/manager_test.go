// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package assets

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/database/memdb"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

func newTestManager(t *testing.T, tap daemons.Tap) (*Manager, *state.State) {
	require := require.New(t)

	st, err := state.New(memdb.New())
	require.NoError(err)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))

	m := NewManager(st, tap, clock, zap.NewNop())
	require.NoError(m.EnsureNative())
	return m, st
}

func TestEnsureNativeIsIdempotent(t *testing.T) {
	require := require.New(t)
	m, st := newTestManager(t, &daemons.TestTap{})

	require.NoError(m.EnsureNative())

	assets := st.Assets()
	require.Len(assets, 1)
	require.Equal(NativeAssetID, assets[0].AssetID)
	require.Equal(state.AssetNative, assets[0].Type)
}

func TestCreateRegistersMintedAsset(t *testing.T) {
	require := require.New(t)
	m, _ := newTestManager(t, &daemons.TestTap{
		MintAssetF: func(_ context.Context, req *daemons.MintRequest) (*daemons.TapAsset, error) {
			return &daemons.TapAsset{
				AssetID:     "asset-abc",
				Name:        req.Name,
				Ticker:      req.Ticker,
				TotalSupply: req.Amount,
				Decimals:    req.Decimals,
			}, nil
		},
	})

	asset, err := m.Create(context.Background(), "Test Token", "TST", 1_000_000, 8)
	require.NoError(err)
	require.Equal("asset-abc", asset.AssetID)
	require.Equal(state.AssetPermissionless, asset.Type)

	got, err := m.Get("asset-abc")
	require.NoError(err)
	require.Equal(uint64(1_000_000), got.TotalSupply)
}

func TestMintAndBurnMoveSupply(t *testing.T) {
	require := require.New(t)
	m, st := newTestManager(t, &daemons.TestTap{})

	require.NoError(m.Mint(NativeAssetID, "user-a", 500))
	require.Equal(uint64(500), m.Spendable("user-a", NativeAssetID))

	asset, err := st.GetAsset(NativeAssetID)
	require.NoError(err)
	require.Equal(uint64(500), asset.TotalSupply)

	require.NoError(m.Burn(NativeAssetID, "user-a", 200))
	require.Equal(uint64(300), m.Spendable("user-a", NativeAssetID))

	asset, err = st.GetAsset(NativeAssetID)
	require.NoError(err)
	require.Equal(uint64(300), asset.TotalSupply)

	// Burning more than the user holds rolls the whole thing back.
	require.ErrorIs(m.Burn(NativeAssetID, "user-a", 1_000), ErrInsufficientBalance)
	asset, err = st.GetAsset(NativeAssetID)
	require.NoError(err)
	require.Equal(uint64(300), asset.TotalSupply)
}

func TestReserveBlocksSpending(t *testing.T) {
	require := require.New(t)
	m, st := newTestManager(t, &daemons.TestTap{})

	require.NoError(m.Mint(NativeAssetID, "user-a", 100))

	now := time.Now().Unix()
	require.NoError(st.Transact(func(mu state.Mutable) error {
		return Reserve(mu, "user-a", NativeAssetID, 60, now)
	}))
	require.Equal(uint64(40), m.Spendable("user-a", NativeAssetID))

	// Debit beyond the unreserved part fails.
	err := st.Transact(func(mu state.Mutable) error {
		return Debit(mu, "user-a", NativeAssetID, 50, now)
	})
	require.ErrorIs(err, ErrInsufficientBalance)

	require.NoError(st.Transact(func(mu state.Mutable) error {
		return Release(mu, "user-a", NativeAssetID, 60, now)
	}))
	require.Equal(uint64(100), m.Spendable("user-a", NativeAssetID))
}

func TestDebitUnknownUser(t *testing.T) {
	require := require.New(t)
	m, st := newTestManager(t, &daemons.TestTap{})
	_ = m

	err := st.Transact(func(mu state.Mutable) error {
		return Debit(mu, "stranger", NativeAssetID, 1, time.Now().Unix())
	})
	require.ErrorIs(err, ErrInsufficientBalance)
}
