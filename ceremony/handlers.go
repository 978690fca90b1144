// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arkrelay/gatewaygo/assets"
	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/lightning"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/txs"
	"github.com/arkrelay/gatewaygo/vtxo"
)

var errBadRecipient = errors.New("recipient is not a valid public key")

// completeSession commits the terminal success write for a session. It
// must run in the same transaction as the artifact (transaction row or
// settled invoice) that proves the success.
func completeSession(mu state.Mutable, sessionID string, now int64, results map[string]string) (*state.SigningSession, error) {
	sess, err := mu.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Status = state.SessionCompleted
	sess.LastCompletedStep = StepCommitted
	sess.UpdatedAt = now
	if sess.ResultData == nil {
		sess.ResultData = map[string]string{}
	}
	for k, v := range results {
		sess.ResultData[k] = v
	}
	return sess, mu.PutSession(sess)
}

// transferHandler runs p2p_transfer ceremonies: move [amount] of an
// asset between two ledger identities, backed by inventory outputs and
// charged the fixed native fee.
type transferHandler struct{}

func (*transferHandler) SessionType() state.SessionType {
	return state.SessionP2PTransfer
}

func (h *transferHandler) params(sess *state.SigningSession) (*protocol.TransferParams, error) {
	p := &protocol.TransferParams{}
	if err := json.Unmarshal(sess.IntentData, p); err != nil {
		return nil, fmt.Errorf("decoding transfer params: %w", err)
	}
	if p.AssetID == "" {
		p.AssetID = assets.NativeAssetID
	}
	return p, nil
}

func (h *transferHandler) Validate(_ context.Context, o *Orchestrator, sess *state.SigningSession) error {
	p, err := h.params(sess)
	if err != nil {
		return err
	}
	if p.Amount == 0 {
		return errors.New("transfer amount must be positive")
	}
	if _, err := protocol.ParsePublicKey(p.RecipientPubKey); err != nil {
		return fmt.Errorf("%w: %v", errBadRecipient, err)
	}
	if p.RecipientPubKey == sess.UserPubKey {
		return fmt.Errorf("%w: cannot transfer to self", errBadRecipient)
	}

	asset, err := o.registry.Get(p.AssetID)
	if err != nil {
		return err
	}
	if !asset.IsActive {
		return fmt.Errorf("%w: %s", assets.ErrAssetInactive, p.AssetID)
	}
	if err := txs.ValidateFee(p.Fee); err != nil {
		return err
	}

	// The fee is always native; the amount moves in the asset.
	if p.AssetID == assets.NativeAssetID {
		if o.registry.Spendable(sess.UserPubKey, p.AssetID) < p.Amount+p.Fee {
			return fmt.Errorf("%w: need %d %s", assets.ErrInsufficientBalance, p.Amount+p.Fee, p.AssetID)
		}
		return nil
	}
	if o.registry.Spendable(sess.UserPubKey, p.AssetID) < p.Amount {
		return fmt.Errorf("%w: need %d %s", assets.ErrInsufficientBalance, p.Amount, p.AssetID)
	}
	if o.registry.Spendable(sess.UserPubKey, assets.NativeAssetID) < p.Fee {
		return fmt.Errorf("%w: need %d native for fees", assets.ErrInsufficientBalance, p.Fee)
	}
	return nil
}

func (h *transferHandler) Prepare(ctx context.Context, o *Orchestrator, sess *state.SigningSession) ([]byte, string, error) {
	p, err := h.params(sess)
	if err != nil {
		return nil, "", err
	}
	now := o.cfg.Clock.Time().Unix()

	reservedAsset := p.Amount
	reservedNative := p.Fee
	if p.AssetID == assets.NativeAssetID {
		reservedAsset = p.Amount + p.Fee
		reservedNative = 0
	}
	err = o.state.Transact(func(mu state.Mutable) error {
		if err := assets.Reserve(mu, sess.UserPubKey, p.AssetID, reservedAsset, now); err != nil {
			return err
		}
		if reservedNative > 0 {
			return assets.Reserve(mu, sess.UserPubKey, assets.NativeAssetID, reservedNative, now)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	// Record the reservation before anything else can fail, so Rollback
	// knows what to release.
	if _, err := o.markStep(sess.SessionID, sess.LastCompletedStep, map[string]string{
		"reserved_asset":  strconv.FormatUint(reservedAsset, 10),
		"reserved_native": strconv.FormatUint(reservedNative, 10),
	}); err != nil {
		return nil, "", err
	}

	// Native transfers spend concrete inventory outputs; permissionless
	// assets move on the ledger alone.
	var inputIDs []string
	if p.AssetID == assets.NativeAssetID {
		backing, err := o.vtxos.Assign(sess.SessionID, sess.UserPubKey, assets.NativeAssetID, p.Amount+p.Fee)
		if err != nil {
			return nil, "", err
		}
		for _, v := range backing {
			inputIDs = append(inputIDs, v.VtxoID)
		}
	}

	pkg, err := o.processor.Prepare(ctx, &daemons.SigningRequest{
		SessionID: sess.SessionID,
		InputIDs:  inputIDs,
		Outputs: []daemons.TxOutput{{
			RecipientPubKey: p.RecipientPubKey,
			AmountSats:      p.Amount,
			AssetID:         p.AssetID,
		}},
		FeeSats: p.Fee,
	})
	if err != nil {
		return nil, "", err
	}

	_, err = o.markStep(sess.SessionID, sess.LastCompletedStep, map[string]string{
		"unsigned_tx": pkg.UnsignedTx,
		"vtxo_ids":    strings.Join(inputIDs, ","),
	})
	if err != nil {
		return nil, "", err
	}

	signContext := fmt.Sprintf("transfer %d %s to %s (fee %d)",
		p.Amount, p.AssetID, p.RecipientPubKey, p.Fee)
	return []byte(pkg.UnsignedTx), signContext, nil
}

func (h *transferHandler) Execute(ctx context.Context, o *Orchestrator, sess *state.SigningSession, sigHex string) (map[string]string, bool, error) {
	p, err := h.params(sess)
	if err != nil {
		return nil, false, err
	}

	// A resumed session that already finalized must not re-submit
	// signatures; the finalized transaction lives in the step artifacts.
	finalTxid := sess.ResultData["final_txid"]
	finalRaw := sess.ResultData["final_raw_tx"]
	if sess.LastCompletedStep < StepFinalized || finalTxid == "" {
		checkpoint, err := o.ark.PrepareCheckpoint(ctx, &daemons.CheckpointRequest{
			SessionID:     sess.SessionID,
			UnsignedTx:    sess.ResultData["unsigned_tx"],
			UserSignature: sigHex,
		})
		if err != nil {
			return nil, false, err
		}
		finalized, err := o.processor.Finalize(ctx, sess.SessionID, checkpoint.CheckpointID, []string{sigHex})
		if err != nil {
			return nil, false, err
		}
		finalTxid, finalRaw = finalized.Txid, finalized.RawTx
		if sess, err = o.markStep(sess.SessionID, StepFinalized, map[string]string{
			"checkpoint_id": checkpoint.CheckpointID,
			"final_txid":    finalTxid,
			"final_raw_tx":  finalRaw,
		}); err != nil {
			return nil, false, err
		}
	}

	// Rebroadcasting the same raw transaction is harmless; the network
	// keys it by txid.
	if _, err := o.processor.Broadcast(ctx, finalRaw); err != nil {
		return nil, false, err
	}
	o.cfg.Observer.TxBroadcast()

	var vtxoIDs []string
	if csv := sess.ResultData["vtxo_ids"]; csv != "" {
		vtxoIDs = strings.Split(csv, ",")
	}
	reservedAsset, _ := strconv.ParseUint(sess.ResultData["reserved_asset"], 10, 64)
	reservedNative, _ := strconv.ParseUint(sess.ResultData["reserved_native"], 10, 64)

	results := map[string]string{
		"txid":      finalTxid,
		"amount":    strconv.FormatUint(p.Amount, 10),
		"asset_id":  p.AssetID,
		"recipient": p.RecipientPubKey,
	}
	finalized := &daemons.FinalizedTx{Txid: finalTxid, RawTx: finalRaw}
	now := o.cfg.Clock.Time().Unix()
	err = o.state.Transact(func(mu state.Mutable) error {
		if err := mu.PutTransaction(o.processor.Row(sess, finalized, "transfer", p.Amount, p.Fee, p.AssetID)); err != nil {
			return err
		}
		var inputTotal uint64
		var inputExpiry int64
		for _, id := range vtxoIDs {
			v, err := mu.GetVTXO(id)
			if err != nil {
				return err
			}
			inputTotal += v.AmountSats
			if v.ExpiresAt > inputExpiry {
				inputExpiry = v.ExpiresAt
			}
		}
		if err := vtxo.SpendIn(mu, vtxoIDs, finalTxid); err != nil {
			return err
		}
		// The spend produces the recipient's output and, when the inputs
		// overshoot, a change output back to the shared pool.
		if len(vtxoIDs) > 0 {
			if err := mu.PutVTXO(&state.VTXO{
				VtxoID:     fmt.Sprintf("%s:0", finalTxid),
				Txid:       finalTxid,
				Vout:       0,
				AmountSats: p.Amount,
				AssetID:    p.AssetID,
				UserPubKey: p.RecipientPubKey,
				Status:     state.VTXOAvailable,
				CreatedAt:  now,
				ExpiresAt:  inputExpiry,
			}); err != nil {
				return err
			}
			if change := inputTotal - p.Amount - p.Fee; change > 0 {
				if err := mu.PutVTXO(&state.VTXO{
					VtxoID:     fmt.Sprintf("%s:1", finalTxid),
					Txid:       finalTxid,
					Vout:       1,
					AmountSats: change,
					AssetID:    p.AssetID,
					Status:     state.VTXOAvailable,
					CreatedAt:  now,
					ExpiresAt:  inputExpiry,
				}); err != nil {
					return err
				}
			}
		}
		if err := assets.Release(mu, sess.UserPubKey, p.AssetID, reservedAsset, now); err != nil {
			return err
		}
		if err := assets.Debit(mu, sess.UserPubKey, p.AssetID, reservedAsset, now); err != nil {
			return err
		}
		if reservedNative > 0 {
			if err := assets.Release(mu, sess.UserPubKey, assets.NativeAssetID, reservedNative, now); err != nil {
				return err
			}
			if err := assets.Debit(mu, sess.UserPubKey, assets.NativeAssetID, reservedNative, now); err != nil {
				return err
			}
		}
		if err := assets.Credit(mu, p.RecipientPubKey, p.AssetID, p.Amount, now); err != nil {
			return err
		}
		completed, err := completeSession(mu, sess.SessionID, now, results)
		if err != nil {
			return err
		}
		completed.SignedTx = finalRaw
		return mu.PutSession(completed)
	})
	if err != nil {
		return nil, false, err
	}
	return results, true, nil
}

func (h *transferHandler) Rollback(o *Orchestrator, sess *state.SigningSession) error {
	current, err := o.state.GetSession(sess.SessionID)
	if err != nil {
		return err
	}
	p, err := h.params(current)
	if err != nil {
		return err
	}
	reservedAsset, _ := strconv.ParseUint(current.ResultData["reserved_asset"], 10, 64)
	reservedNative, _ := strconv.ParseUint(current.ResultData["reserved_native"], 10, 64)
	var vtxoIDs []string
	if csv := current.ResultData["vtxo_ids"]; csv != "" {
		vtxoIDs = strings.Split(csv, ",")
	}
	if reservedAsset == 0 && reservedNative == 0 && len(vtxoIDs) == 0 {
		return nil
	}

	now := o.cfg.Clock.Time().Unix()
	return o.state.Transact(func(mu state.Mutable) error {
		if reservedAsset > 0 {
			if err := assets.Release(mu, current.UserPubKey, p.AssetID, reservedAsset, now); err != nil {
				return err
			}
		}
		if reservedNative > 0 {
			if err := assets.Release(mu, current.UserPubKey, assets.NativeAssetID, reservedNative, now); err != nil {
				return err
			}
		}
		if err := vtxo.ReleaseIn(mu, vtxoIDs); err != nil {
			return err
		}
		// Zero the staging markers so a second rollback is a no-op.
		sess, err := mu.GetSession(current.SessionID)
		if err != nil {
			return err
		}
		delete(sess.ResultData, "reserved_asset")
		delete(sess.ResultData, "reserved_native")
		delete(sess.ResultData, "vtxo_ids")
		return mu.PutSession(sess)
	})
}

// liftHandler runs lightning:lift ceremonies: the user authorizes the
// lift by signature, pays the invoice, and the settlement watcher
// finishes the ceremony.
type liftHandler struct{}

func (*liftHandler) SessionType() state.SessionType {
	return state.SessionLightningLift
}

func (h *liftHandler) params(sess *state.SigningSession) (*protocol.LiftParams, error) {
	p := &protocol.LiftParams{}
	if err := json.Unmarshal(sess.IntentData, p); err != nil {
		return nil, fmt.Errorf("decoding lift params: %w", err)
	}
	if p.AssetID == "" {
		p.AssetID = assets.NativeAssetID
	}
	return p, nil
}

func (h *liftHandler) Validate(_ context.Context, o *Orchestrator, sess *state.SigningSession) error {
	p, err := h.params(sess)
	if err != nil {
		return err
	}
	if p.AmountSats == 0 {
		return errors.New("lift amount must be positive")
	}
	asset, err := o.registry.Get(p.AssetID)
	if err != nil {
		return err
	}
	if !asset.IsActive {
		return fmt.Errorf("%w: %s", assets.ErrAssetInactive, p.AssetID)
	}
	return nil
}

func (h *liftHandler) Prepare(ctx context.Context, o *Orchestrator, sess *state.SigningSession) ([]byte, string, error) {
	p, err := h.params(sess)
	if err != nil {
		return nil, "", err
	}
	inv, err := o.lift.CreateLiftInvoice(ctx, sess, p.AssetID, p.AmountSats)
	if err != nil {
		return nil, "", err
	}
	if _, err := o.markStep(sess.SessionID, sess.LastCompletedStep, map[string]string{
		"bolt11":       inv.Bolt11,
		"payment_hash": inv.PaymentHash,
	}); err != nil {
		return nil, "", err
	}

	signContext := fmt.Sprintf("lift %d %s: pay %s", p.AmountSats, p.AssetID, inv.Bolt11)
	return []byte(inv.Bolt11), signContext, nil
}

func (h *liftHandler) Execute(context.Context, *Orchestrator, *state.SigningSession, string) (map[string]string, bool, error) {
	// The signature only authorizes the lift. The ceremony completes
	// when the invoice settles, via the lightning watcher.
	return nil, false, nil
}

func (h *liftHandler) Rollback(*Orchestrator, *state.SigningSession) error {
	// The pending invoice expires on its own.
	return nil
}

// landHandler runs lightning:land ceremonies: debit the user and pay
// their invoice out over Lightning.
type landHandler struct{}

func (*landHandler) SessionType() state.SessionType {
	return state.SessionLightningLand
}

func (h *landHandler) params(sess *state.SigningSession) (*protocol.LandParams, error) {
	p := &protocol.LandParams{}
	if err := json.Unmarshal(sess.IntentData, p); err != nil {
		return nil, fmt.Errorf("decoding land params: %w", err)
	}
	if p.AssetID == "" {
		p.AssetID = assets.NativeAssetID
	}
	return p, nil
}

func (h *landHandler) Validate(_ context.Context, o *Orchestrator, sess *state.SigningSession) error {
	p, err := h.params(sess)
	if err != nil {
		return err
	}
	asset, err := o.registry.Get(p.AssetID)
	if err != nil {
		return err
	}
	if !asset.IsActive {
		return fmt.Errorf("%w: %s", assets.ErrAssetInactive, p.AssetID)
	}
	amount, err := lightning.ValidateLand(p.Invoice, p.Fee)
	if err != nil {
		return err
	}
	if o.registry.Spendable(sess.UserPubKey, p.AssetID) < amount+p.Fee {
		return fmt.Errorf("%w: need %d %s", assets.ErrInsufficientBalance, amount+p.Fee, p.AssetID)
	}
	return nil
}

func (h *landHandler) Prepare(_ context.Context, o *Orchestrator, sess *state.SigningSession) ([]byte, string, error) {
	p, err := h.params(sess)
	if err != nil {
		return nil, "", err
	}
	amount, err := lightning.ValidateLand(p.Invoice, p.Fee)
	if err != nil {
		return nil, "", err
	}

	now := o.cfg.Clock.Time().Unix()
	if err := o.state.Transact(func(mu state.Mutable) error {
		return assets.Reserve(mu, sess.UserPubKey, p.AssetID, amount+p.Fee, now)
	}); err != nil {
		return nil, "", err
	}
	if _, err := o.markStep(sess.SessionID, sess.LastCompletedStep, map[string]string{
		"amount":   strconv.FormatUint(amount, 10),
		"reserved": strconv.FormatUint(amount+p.Fee, 10),
	}); err != nil {
		return nil, "", err
	}

	signContext := fmt.Sprintf("land %d %s to invoice %s (fee %d)", amount, p.AssetID, p.Invoice, p.Fee)
	return []byte(p.Invoice), signContext, nil
}

func (h *landHandler) Execute(ctx context.Context, o *Orchestrator, sess *state.SigningSession, _ string) (map[string]string, bool, error) {
	p, err := h.params(sess)
	if err != nil {
		return nil, false, err
	}
	amount, _ := strconv.ParseUint(sess.ResultData["amount"], 10, 64)
	reserved, _ := strconv.ParseUint(sess.ResultData["reserved"], 10, 64)

	// A resumed session that already paid must not pay again; the
	// settlement proof lives in the step artifacts.
	paymentHash := sess.ResultData["payment_hash"]
	preimage := sess.ResultData["preimage"]
	if sess.LastCompletedStep < StepFinalized || paymentHash == "" {
		result, err := o.lift.PayLand(ctx, sess, p.AssetID, p.Invoice, amount)
		if err != nil {
			return nil, false, err
		}
		o.cfg.Observer.LandPaid()
		paymentHash, preimage = result.PaymentHash, result.Preimage
		if sess, err = o.markStep(sess.SessionID, StepFinalized, map[string]string{
			"payment_hash": paymentHash,
			"preimage":     preimage,
		}); err != nil {
			return nil, false, err
		}
	}

	results := map[string]string{
		"payment_hash": paymentHash,
		"preimage":     preimage,
		"amount":       strconv.FormatUint(amount, 10),
	}
	now := o.cfg.Clock.Time().Unix()
	err = o.state.Transact(func(mu state.Mutable) error {
		if err := assets.Release(mu, sess.UserPubKey, p.AssetID, reserved, now); err != nil {
			return err
		}
		if err := assets.Debit(mu, sess.UserPubKey, p.AssetID, reserved, now); err != nil {
			return err
		}
		_, err := completeSession(mu, sess.SessionID, now, results)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return results, true, nil
}

func (h *landHandler) Rollback(o *Orchestrator, sess *state.SigningSession) error {
	current, err := o.state.GetSession(sess.SessionID)
	if err != nil {
		return err
	}
	p, err := h.params(current)
	if err != nil {
		return err
	}
	reserved, _ := strconv.ParseUint(current.ResultData["reserved"], 10, 64)
	if reserved == 0 {
		return nil
	}
	now := o.cfg.Clock.Time().Unix()
	return o.state.Transact(func(mu state.Mutable) error {
		if err := assets.Release(mu, current.UserPubKey, p.AssetID, reserved, now); err != nil {
			return err
		}
		sess, err := mu.GetSession(current.SessionID)
		if err != nil {
			return err
		}
		delete(sess.ResultData, "reserved")
		return mu.PutSession(sess)
	})
}
