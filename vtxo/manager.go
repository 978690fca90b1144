// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vtxo manages the gateway's pool of virtual outputs: keeping
// the inventory stocked, assigning outputs to ceremonies, expiring
// stale assignments and anchoring settled activity to L1 on a fixed
// cadence.
package vtxo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const (
	// Inventory thresholds, in available output count.
	DefaultCriticalThreshold = 1_000
	DefaultWarningThreshold  = 3_000
	DefaultTargetInventory   = 10_000
	DefaultBatchSize         = 1_000

	// DefaultVtxoAmount is the face value of replenishment outputs.
	DefaultVtxoAmount = 10_000

	// DefaultMaxFeeRate skips replenishment when L1 fees spike.
	DefaultMaxFeeRate = 100

	DefaultSettleInterval  = time.Hour
	DefaultMonitorInterval = time.Minute
	DefaultSweepInterval   = time.Minute
)

var (
	ErrInsufficientInventory = errors.New("insufficient vtxo inventory")
	ErrNotAvailable          = errors.New("vtxo is not available")
	ErrBadSplit              = errors.New("split amounts must be positive and sum to the parent amount")
	ErrNothingToSettle       = errors.New("no unsettled transactions")
)

// CommitmentPublisher announces a settled batch on the relay network.
type CommitmentPublisher func(c *protocol.L1Commitment) error

type Config struct {
	CriticalThreshold int
	WarningThreshold  int
	TargetInventory   int
	BatchSize         int
	VtxoAmount        uint64
	MaxFeeRate        uint64

	SettleInterval  time.Duration
	MonitorInterval time.Duration
	SweepInterval   time.Duration

	Log   *zap.Logger
	Clock *mockable.Clock
}

func (c *Config) applyDefaults() {
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.TargetInventory <= 0 {
		c.TargetInventory = DefaultTargetInventory
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.VtxoAmount == 0 {
		c.VtxoAmount = DefaultVtxoAmount
	}
	if c.MaxFeeRate == 0 {
		c.MaxFeeRate = DefaultMaxFeeRate
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = DefaultSettleInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

type Manager struct {
	cfg   Config
	state *state.State
	ark   daemons.Ark

	// settles collapses concurrent settlement triggers into one run.
	settles singleflight.Group
}

func NewManager(cfg Config, st *state.State, ark daemons.Ark) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:   cfg,
		state: st,
		ark:   ark,
	}
}

// Assign reserves available outputs covering [amount] for a ceremony,
// smallest first so large outputs stay whole. Outputs the user already
// owns are taken before the shared pool; outputs at or past expiry are
// skipped. The selection and the status flips commit atomically.
func (m *Manager) Assign(sessionID, userPubKey, assetID string, amount uint64) ([]*state.VTXO, error) {
	now := m.cfg.Clock.Time().Unix()
	var assigned []*state.VTXO
	err := m.state.Transact(func(mu state.Mutable) error {
		var candidates []*state.VTXO
		for pass := 0; pass < 2; pass++ {
			for _, v := range mu.AvailableVTXOs(assetID) {
				if v.ExpiresAt != 0 && v.ExpiresAt <= now {
					continue
				}
				owned := v.UserPubKey == userPubKey
				if (pass == 0) == owned {
					candidates = append(candidates, v)
				}
			}
		}

		var covered uint64
		for _, v := range candidates {
			if covered >= amount {
				break
			}
			v.Status = state.VTXOAssigned
			v.UserPubKey = userPubKey
			v.SessionID = sessionID
			if err := mu.PutVTXO(v); err != nil {
				return err
			}
			covered += v.AmountSats
			assigned = append(assigned, v)
		}
		if covered < amount {
			return fmt.Errorf("%w: need %d, inventory covers %d", ErrInsufficientInventory, amount, covered)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// ReleaseIn returns assigned outputs to the pool inside the caller's
// open transaction. Outputs already spent or expired are left alone so
// a late release never fights the sweeper.
func ReleaseIn(mu state.Mutable, vtxoIDs []string) error {
	for _, id := range vtxoIDs {
		v, err := mu.GetVTXO(id)
		if err != nil {
			return err
		}
		if v.Status != state.VTXOAssigned {
			continue
		}
		v.Status = state.VTXOAvailable
		v.UserPubKey = ""
		v.SessionID = ""
		if err := mu.PutVTXO(v); err != nil {
			return err
		}
	}
	return nil
}

// SpendIn flips the outputs to spent inside the caller's open
// transaction. The spending transaction row must already be staged.
func SpendIn(mu state.Mutable, vtxoIDs []string, spendingTxid string) error {
	for _, id := range vtxoIDs {
		v, err := mu.GetVTXO(id)
		if err != nil {
			return err
		}
		v.Status = state.VTXOSpent
		v.SpendingTxid = spendingTxid
		if err := mu.PutVTXO(v); err != nil {
			return err
		}
	}
	return nil
}

// Split breaks one available output into several smaller ones through
// arkd. The amounts must sum to the parent's face value.
func (m *Manager) Split(ctx context.Context, vtxoID string, amounts []uint64) ([]*state.VTXO, error) {
	parent, err := m.state.GetVTXO(vtxoID)
	if err != nil {
		return nil, err
	}
	if parent.Status != state.VTXOAvailable {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAvailable, vtxoID, parent.Status)
	}
	var total uint64
	for _, a := range amounts {
		if a == 0 {
			return nil, ErrBadSplit
		}
		total += a
	}
	if total != parent.AmountSats || len(amounts) < 2 {
		return nil, ErrBadSplit
	}

	outputs, err := m.ark.CreateVtxoBatch(ctx, len(amounts), 0)
	if err != nil {
		return nil, fmt.Errorf("splitting vtxo: %w", err)
	}
	if len(outputs) != len(amounts) {
		return nil, fmt.Errorf("arkd returned %d outputs for a %d-way split", len(outputs), len(amounts))
	}

	now := m.cfg.Clock.Time().Unix()
	splitTxid := outputs[0].Txid
	var children []*state.VTXO
	err = m.state.Transact(func(mu state.Mutable) error {
		if err := mu.PutTransaction(&state.Transaction{
			Txid:       splitTxid,
			TxType:     "split",
			Status:     state.TxBroadcast,
			AmountSats: parent.AmountSats,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		current, err := mu.GetVTXO(vtxoID)
		if err != nil {
			return err
		}
		if current.Status != state.VTXOAvailable {
			return fmt.Errorf("%w: %s is %s", ErrNotAvailable, vtxoID, current.Status)
		}
		current.Status = state.VTXOSpent
		current.SpendingTxid = splitTxid
		if err := mu.PutVTXO(current); err != nil {
			return err
		}

		for i, out := range outputs {
			child := &state.VTXO{
				VtxoID:     out.VtxoID,
				Txid:       out.Txid,
				Vout:       out.Vout,
				AmountSats: amounts[i],
				AssetID:    parent.AssetID,
				Status:     state.VTXOAvailable,
				CreatedAt:  now,
				ExpiresAt:  parent.ExpiresAt,
			}
			if err := mu.PutVTXO(child); err != nil {
				return err
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.cfg.Log.Info("vtxo split",
		zap.String("parent", vtxoID),
		zap.Int("children", len(children)),
	)
	return children, nil
}

// Replenish tops the pool up toward the target, one batch per call,
// unless L1 fees are above the ceiling.
func (m *Manager) Replenish(ctx context.Context, assetID string) (int, error) {
	available := len(m.state.AvailableVTXOs(assetID))
	if available >= m.cfg.TargetInventory {
		return 0, nil
	}
	critical := available < m.cfg.CriticalThreshold
	if critical {
		m.cfg.Log.Error("vtxo inventory critical",
			zap.Int("available", available),
			zap.Int("critical", m.cfg.CriticalThreshold),
		)
	} else if available < m.cfg.WarningThreshold {
		m.cfg.Log.Warn("vtxo inventory low",
			zap.Int("available", available),
			zap.Int("warning", m.cfg.WarningThreshold),
		)
	}

	// The fee ceiling only defers routine top-ups. A critical pool
	// replenishes no matter what fees cost.
	if !critical {
		info, err := m.ark.GetNetworkInfo(ctx)
		if err != nil {
			return 0, err
		}
		if info.MinRelayFeeRate > m.cfg.MaxFeeRate {
			m.cfg.Log.Warn("deferring vtxo replenishment, fees above ceiling",
				zap.Uint64("fee_rate", info.MinRelayFeeRate),
				zap.Uint64("ceiling", m.cfg.MaxFeeRate),
			)
			return 0, nil
		}
	}

	count := m.cfg.TargetInventory - available
	if count > m.cfg.BatchSize {
		count = m.cfg.BatchSize
	}
	outputs, err := m.ark.CreateVtxoBatch(ctx, count, m.cfg.VtxoAmount)
	if err != nil {
		return 0, fmt.Errorf("creating vtxo batch: %w", err)
	}

	now := m.cfg.Clock.Time().Unix()
	err = m.state.Transact(func(mu state.Mutable) error {
		for _, out := range outputs {
			if err := mu.PutVTXO(&state.VTXO{
				VtxoID:     out.VtxoID,
				Txid:       out.Txid,
				Vout:       out.Vout,
				AmountSats: out.AmountSats,
				AssetID:    assetID,
				Status:     state.VTXOAvailable,
				CreatedAt:  now,
				ExpiresAt:  out.ExpiresAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.cfg.Log.Info("vtxo inventory replenished",
		zap.Int("created", len(outputs)),
		zap.Int("available", available+len(outputs)),
	)
	return len(outputs), nil
}

// SweepExpired retires outputs past their expiry. Assigned outputs are
// only retired once their session is terminal: expiring an input out
// from under a live ceremony would invalidate it.
func (m *Manager) SweepExpired() (int, error) {
	now := m.cfg.Clock.Time().Unix()

	// Snapshot the candidates before opening the write transaction; the
	// snapshot accessors take the state's read lock.
	var candidates []string
	for _, v := range m.state.AvailableVTXOs("") {
		if v.ExpiresAt != 0 && v.ExpiresAt <= now {
			candidates = append(candidates, v.VtxoID)
		}
	}
	for _, v := range m.state.AssignedVTXOs() {
		if v.ExpiresAt == 0 || v.ExpiresAt > now {
			continue
		}
		if v.SessionID != "" {
			sess, err := m.state.GetSession(v.SessionID)
			if err == nil && !sess.Status.Terminal() {
				continue
			}
		}
		candidates = append(candidates, v.VtxoID)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	expired := 0
	err := m.state.Transact(func(mu state.Mutable) error {
		for _, id := range candidates {
			current, err := mu.GetVTXO(id)
			if err != nil {
				return err
			}
			if current.Status == state.VTXOSpent || current.Status == state.VTXOExpired {
				continue
			}
			if current.ExpiresAt == 0 || current.ExpiresAt > now {
				continue
			}
			current.Status = state.VTXOExpired
			if err := mu.PutVTXO(current); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		m.cfg.Log.Info("expired vtxos swept", zap.Int("count", expired))
	}
	return expired, nil
}

// Settle anchors every unsettled broadcast transaction into one L1
// commitment. Concurrent triggers share a single run.
func (m *Manager) Settle(ctx context.Context, publish CommitmentPublisher) (*protocol.L1Commitment, error) {
	result, err, _ := m.settles.Do("settle", func() (any, error) {
		return m.settle(ctx, publish)
	})
	if err != nil {
		return nil, err
	}
	return result.(*protocol.L1Commitment), nil
}

func (m *Manager) settle(ctx context.Context, publish CommitmentPublisher) (*protocol.L1Commitment, error) {
	unsettled := m.state.UnsettledTransactions("")
	if len(unsettled) == 0 {
		return nil, ErrNothingToSettle
	}

	txids := make([]string, len(unsettled))
	for i, tx := range unsettled {
		txids[i] = tx.Txid
	}
	batchID := uuid.NewString()
	root := MerkleRoot(txids)

	commitment, err := m.ark.CreateCommitment(ctx, &daemons.CommitmentRequest{
		BatchID:    batchID,
		MerkleRoot: root,
		Txids:      txids,
	})
	if err != nil {
		return nil, fmt.Errorf("creating commitment: %w", err)
	}
	if _, err := m.ark.BroadcastTx(ctx, commitment.RawTx); err != nil {
		return nil, fmt.Errorf("broadcasting commitment: %w", err)
	}

	err = m.state.Transact(func(mu state.Mutable) error {
		for _, txid := range txids {
			tx, err := mu.GetTransaction(txid)
			if err != nil {
				return err
			}
			tx.SettlementBatch = batchID
			if err := mu.PutTransaction(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	announcement := &protocol.L1Commitment{
		L1Txid:      commitment.CommitmentTxid,
		BlockHeight: commitment.AnchorHeight,
		MerkleRoot:  root,
		BatchID:     batchID,
	}
	if publish != nil {
		if err := publish(announcement); err != nil {
			// The batch is anchored; the announcement can be replayed.
			m.cfg.Log.Warn("l1 commitment announcement failed",
				zap.String("batch", batchID),
				zap.Error(err),
			)
		}
	}

	m.cfg.Log.Info("settlement batch anchored",
		zap.String("batch", batchID),
		zap.String("l1_txid", commitment.CommitmentTxid),
		zap.Int("transactions", len(txids)),
	)
	return announcement, nil
}

// Run drives the three maintenance loops until the context dies.
func (m *Manager) Run(ctx context.Context, publish CommitmentPublisher) error {
	monitor := time.NewTicker(m.cfg.MonitorInterval)
	defer monitor.Stop()
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	settle := time.NewTicker(m.cfg.SettleInterval)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-monitor.C:
			if _, err := m.Replenish(ctx, nativeAssetID); err != nil {
				m.cfg.Log.Error("vtxo replenishment failed", zap.Error(err))
			}
		case <-sweep.C:
			if _, err := m.SweepExpired(); err != nil {
				m.cfg.Log.Error("vtxo sweep failed", zap.Error(err))
			}
		case <-settle.C:
			if _, err := m.Settle(ctx, publish); err != nil && !errors.Is(err, ErrNothingToSettle) {
				m.cfg.Log.Error("settlement failed", zap.Error(err))
			}
		}
	}
}

// nativeAssetID is the asset the inventory pool is denominated in.
const nativeAssetID = "native"
