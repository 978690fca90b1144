// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package assets keeps the asset registry and the per-user balance
// ledger. Permissionless assets are issued through tapd; the native
// unit enters circulation only through Lightning lifts.
package assets

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/database"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

// NativeAssetID names the unit VTXOs and fees are denominated in.
const NativeAssetID = "native"

var (
	ErrInsufficientBalance = errors.New("insufficient spendable balance")
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrAssetInactive       = errors.New("asset is inactive")
)

type Manager struct {
	state *state.State
	tap   daemons.Tap
	clock *mockable.Clock
	log   *zap.Logger
}

func NewManager(st *state.State, tap daemons.Tap, clock *mockable.Clock, log *zap.Logger) *Manager {
	return &Manager{
		state: st,
		tap:   tap,
		clock: clock,
		log:   log,
	}
}

// EnsureNative seeds the native asset row on first start.
func (m *Manager) EnsureNative() error {
	if _, err := m.state.GetAsset(NativeAssetID); err == nil {
		return nil
	}
	return m.state.Transact(func(mu state.Mutable) error {
		if _, err := mu.GetAsset(NativeAssetID); err == nil {
			return nil
		}
		return mu.PutAsset(&state.Asset{
			AssetID:   NativeAssetID,
			Name:      "Native",
			Ticker:    "SAT",
			Type:      state.AssetNative,
			Decimals:  0,
			IsActive:  true,
			CreatedAt: m.clock.Time().Unix(),
		})
	})
}

// Create issues a new permissionless asset through tapd and registers
// it.
func (m *Manager) Create(ctx context.Context, name, ticker string, amount uint64, decimals uint8) (*state.Asset, error) {
	minted, err := m.tap.MintAsset(ctx, &daemons.MintRequest{
		Name:     name,
		Ticker:   ticker,
		Amount:   amount,
		Decimals: decimals,
	})
	if err != nil {
		return nil, fmt.Errorf("minting asset: %w", err)
	}

	asset := &state.Asset{
		AssetID:     minted.AssetID,
		Name:        name,
		Ticker:      ticker,
		Type:        state.AssetPermissionless,
		Decimals:    decimals,
		TotalSupply: amount,
		IsActive:    true,
		CreatedAt:   m.clock.Time().Unix(),
	}
	if err := m.state.Transact(func(mu state.Mutable) error {
		return mu.PutAsset(asset)
	}); err != nil {
		return nil, err
	}

	m.log.Info("asset created",
		zap.String("asset", asset.AssetID),
		zap.String("ticker", ticker),
		zap.Uint64("supply", amount),
	)
	return asset, nil
}

func (m *Manager) Get(assetID string) (*state.Asset, error) {
	asset, err := m.state.GetAsset(assetID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return asset, err
}

func (m *Manager) List() []*state.Asset {
	return m.state.Assets()
}

// Mint credits freshly issued supply to [userPubKey].
func (m *Manager) Mint(assetID, userPubKey string, amount uint64) error {
	now := m.clock.Time().Unix()
	return m.state.Transact(func(mu state.Mutable) error {
		asset, err := mu.GetAsset(assetID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
		}
		if !asset.IsActive {
			return fmt.Errorf("%w: %s", ErrAssetInactive, assetID)
		}
		asset.TotalSupply += amount
		if err := mu.PutAsset(asset); err != nil {
			return err
		}
		return Credit(mu, userPubKey, assetID, amount, now)
	})
}

// Burn retires supply out of [userPubKey]'s spendable balance.
func (m *Manager) Burn(assetID, userPubKey string, amount uint64) error {
	now := m.clock.Time().Unix()
	return m.state.Transact(func(mu state.Mutable) error {
		asset, err := mu.GetAsset(assetID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
		}
		if err := Debit(mu, userPubKey, assetID, amount, now); err != nil {
			return err
		}
		if asset.TotalSupply < amount {
			return fmt.Errorf("burning %d exceeds supply %d", amount, asset.TotalSupply)
		}
		asset.TotalSupply -= amount
		return mu.PutAsset(asset)
	})
}

// Spendable returns the user's balance net of reservations. A missing
// balance row is zero, not an error.
func (m *Manager) Spendable(userPubKey, assetID string) uint64 {
	balance, err := m.state.GetBalance(userPubKey, assetID)
	if err != nil {
		return 0
	}
	return balance.Spendable()
}

// Credit adds [amount] to the user's balance inside an open
// transaction.
func Credit(mu state.Mutable, userPubKey, assetID string, amount uint64, now int64) error {
	balance, err := mu.GetBalance(userPubKey, assetID)
	if errors.Is(err, database.ErrNotFound) {
		balance = &state.AssetBalance{
			UserPubKey: userPubKey,
			AssetID:    assetID,
		}
	} else if err != nil {
		return err
	}
	balance.Balance += amount
	balance.UpdatedAt = now
	return mu.PutBalance(balance)
}

// Debit removes [amount] from the user's spendable balance inside an
// open transaction.
func Debit(mu state.Mutable, userPubKey, assetID string, amount uint64, now int64) error {
	balance, err := mu.GetBalance(userPubKey, assetID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && balance.Spendable() < amount) {
		return fmt.Errorf("%w: user %s asset %s needs %d",
			ErrInsufficientBalance, userPubKey, assetID, amount)
	}
	if err != nil {
		return err
	}
	balance.Balance -= amount
	balance.UpdatedAt = now
	return mu.PutBalance(balance)
}

// Reserve locks part of the user's spendable balance for an in-flight
// ceremony; Release undoes it.
func Reserve(mu state.Mutable, userPubKey, assetID string, amount uint64, now int64) error {
	balance, err := mu.GetBalance(userPubKey, assetID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && balance.Spendable() < amount) {
		return fmt.Errorf("%w: user %s asset %s needs %d",
			ErrInsufficientBalance, userPubKey, assetID, amount)
	}
	if err != nil {
		return err
	}
	balance.Reserved += amount
	balance.UpdatedAt = now
	return mu.PutBalance(balance)
}

func Release(mu state.Mutable, userPubKey, assetID string, amount uint64, now int64) error {
	balance, err := mu.GetBalance(userPubKey, assetID)
	if err != nil {
		return err
	}
	if balance.Reserved < amount {
		balance.Reserved = 0
	} else {
		balance.Reserved -= amount
	}
	balance.UpdatedAt = now
	return mu.PutBalance(balance)
}
