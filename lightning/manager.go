// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package lightning bridges the ledger to the Lightning network: lifts
// bring value in by paying a gateway invoice, lands push value out by
// paying a user-supplied invoice.
package lightning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/assets"
	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const (
	// DefaultInvoiceExpiry bounds how long a lift invoice stays payable.
	DefaultInvoiceExpiry = 30 * time.Minute

	DefaultPollInterval = 10 * time.Second
)

// Settled is called after a lift invoice settles and the ledger is
// credited, so the caller can complete the ceremony and confirm to the
// wallet.
type Settled func(sess *state.SigningSession, inv *state.LightningInvoice) error

type Config struct {
	InvoiceExpiry time.Duration
	PollInterval  time.Duration
	Log           *zap.Logger
	Clock         *mockable.Clock
}

type Manager struct {
	cfg   Config
	state *state.State
	lnd   daemons.Lightning
}

func NewManager(cfg Config, st *state.State, lnd daemons.Lightning) *Manager {
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = DefaultInvoiceExpiry
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		cfg:   cfg,
		state: st,
		lnd:   lnd,
	}
}

// CreateLiftInvoice obtains an invoice from lnd and records it pending
// against the session. Paying it is how the user funds the lift.
func (m *Manager) CreateLiftInvoice(ctx context.Context, sess *state.SigningSession, assetID string, amountSats uint64) (*state.LightningInvoice, error) {
	memo := fmt.Sprintf("lift %d to %s", amountSats, sess.UserPubKey)
	invoice, err := m.lnd.AddInvoice(ctx, amountSats, memo, int64(m.cfg.InvoiceExpiry.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("adding lift invoice: %w", err)
	}

	now := m.cfg.Clock.Time()
	row := &state.LightningInvoice{
		PaymentHash: invoice.PaymentHash,
		Bolt11:      invoice.Bolt11,
		SessionID:   sess.SessionID,
		AmountSats:  amountSats,
		AssetID:     assetID,
		Status:      state.InvoicePending,
		Type:        state.InvoiceLift,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(m.cfg.InvoiceExpiry).Unix(),
	}
	if err := m.state.Transact(func(mu state.Mutable) error {
		return mu.PutInvoice(row)
	}); err != nil {
		return nil, err
	}

	m.cfg.Log.Info("lift invoice created",
		zap.String("session", sess.SessionID),
		zap.String("payment_hash", invoice.PaymentHash),
		zap.Uint64("amount", amountSats),
	)
	return row, nil
}

// OnInvoiceSettled credits the lift in one transaction: the invoice
// flips to settled, the user's balance grows, inventory outputs move to
// the user, and the session completes. Replays are no-ops.
func (m *Manager) OnInvoiceSettled(paymentHash, preimage string, settled Settled) error {
	now := m.cfg.Clock.Time().Unix()

	var (
		sess *state.SigningSession
		inv  *state.LightningInvoice
	)
	err := m.state.Transact(func(mu state.Mutable) error {
		var err error
		inv, err = mu.GetInvoice(paymentHash)
		if err != nil {
			return err
		}
		if inv.Status == state.InvoiceSettled {
			return nil
		}
		inv.Status = state.InvoiceSettled
		inv.SettledAt = now
		inv.Preimage = preimage
		if err := mu.PutInvoice(inv); err != nil {
			return err
		}

		sess, err = mu.GetSession(inv.SessionID)
		if err != nil {
			return err
		}
		if err := assets.Credit(mu, sess.UserPubKey, inv.AssetID, inv.AmountSats, now); err != nil {
			return err
		}

		// Hand the user concrete outputs backing the credit.
		var covered uint64
		for _, v := range mu.AvailableVTXOs(assets.NativeAssetID) {
			if covered >= inv.AmountSats {
				break
			}
			v.Status = state.VTXOAssigned
			v.UserPubKey = sess.UserPubKey
			if err := mu.PutVTXO(v); err != nil {
				return err
			}
			covered += v.AmountSats
		}

		if !sess.Status.Terminal() {
			// Walk the remaining lifecycle edges; payment is the
			// authorization for a lift.
			for sess.Status != state.SessionCompleted {
				switch sess.Status {
				case state.SessionInitiated:
					sess.Status = state.SessionChallengeSent
				case state.SessionChallengeSent:
					sess.Status = state.SessionAwaitingSignature
				case state.SessionAwaitingSignature:
					sess.Status = state.SessionSigning
				case state.SessionSigning:
					sess.Status = state.SessionCompleted
				}
				if err := mu.PutSession(sess); err != nil {
					return err
				}
			}
			sess.UpdatedAt = now
			if sess.ResultData == nil {
				sess.ResultData = map[string]string{}
			}
			sess.ResultData["payment_hash"] = paymentHash
			if err := mu.PutSession(sess); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if sess == nil {
		// Replayed settlement.
		return nil
	}

	m.cfg.Log.Info("lift settled",
		zap.String("session", sess.SessionID),
		zap.String("payment_hash", paymentHash),
		zap.Uint64("amount", inv.AmountSats),
	)
	if settled != nil {
		return settled(sess, inv)
	}
	return nil
}

// ValidateLand decodes the user's invoice and checks the declared fee
// against the schedule. It returns the invoice amount in sats.
func ValidateLand(bolt11 string, declaredFee uint64) (uint64, error) {
	details, err := DecodeInvoice(bolt11)
	if err != nil {
		return 0, err
	}
	if want := LandFee(details.AmountSats); declaredFee != want {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrFeeMismatch, declaredFee, want)
	}
	return details.AmountSats, nil
}

// PayLand pays the user's invoice after the ceremony debited them, and
// records the invoice row.
func (m *Manager) PayLand(ctx context.Context, sess *state.SigningSession, assetID, bolt11 string, amountSats uint64) (*daemons.PaymentResult, error) {
	result, err := m.lnd.SendPayment(ctx, bolt11, LandFee(amountSats))
	if err != nil {
		return nil, fmt.Errorf("paying land invoice: %w", err)
	}
	if !result.Succeeded {
		return nil, fmt.Errorf("land payment failed: %s", result.FailureMsg)
	}

	now := m.cfg.Clock.Time()
	err = m.state.Transact(func(mu state.Mutable) error {
		return mu.PutInvoice(&state.LightningInvoice{
			PaymentHash: result.PaymentHash,
			Bolt11:      bolt11,
			SessionID:   sess.SessionID,
			AmountSats:  amountSats,
			AssetID:     assetID,
			Status:      state.InvoiceSettled,
			Type:        state.InvoiceLand,
			CreatedAt:   now.Unix(),
			ExpiresAt:   now.Unix(),
			SettledAt:   now.Unix(),
			Preimage:    result.Preimage,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Run reconciles pending invoices against lnd until the context dies.
// Push notifications would be nicer; polling survives restarts and
// missed callbacks.
func (m *Manager) Run(ctx context.Context, settled Settled) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.poll(ctx, settled)
		}
	}
}

func (m *Manager) poll(ctx context.Context, settled Settled) {
	now := m.cfg.Clock.Time().Unix()
	for _, inv := range m.state.PendingInvoices() {
		lookup, err := m.lnd.LookupInvoice(ctx, inv.PaymentHash)
		if err != nil {
			m.cfg.Log.Warn("invoice lookup failed",
				zap.String("payment_hash", inv.PaymentHash),
				zap.Error(err),
			)
			continue
		}
		switch {
		case lookup.Settled:
			if err := m.OnInvoiceSettled(inv.PaymentHash, lookup.Preimage, settled); err != nil {
				m.cfg.Log.Error("lift settlement failed",
					zap.String("payment_hash", inv.PaymentHash),
					zap.Error(err),
				)
			}
		case inv.ExpiresAt <= now:
			if err := m.expire(inv.PaymentHash); err != nil {
				m.cfg.Log.Error("invoice expiry failed",
					zap.String("payment_hash", inv.PaymentHash),
					zap.Error(err),
				)
			}
		}
	}
}

func (m *Manager) expire(paymentHash string) error {
	return m.state.Transact(func(mu state.Mutable) error {
		inv, err := mu.GetInvoice(paymentHash)
		if err != nil {
			return err
		}
		if inv.Status != state.InvoicePending {
			return nil
		}
		inv.Status = state.InvoiceExpired
		return mu.PutInvoice(inv)
	})
}
