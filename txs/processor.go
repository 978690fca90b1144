// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txs turns signed ceremony artifacts into broadcast L2
// transactions and keeps their status current.
package txs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

// TransferFeeSats is the fixed per-transfer fee, denominated in the
// native unit no matter which asset moves.
const TransferFeeSats = 10

var (
	ErrFeeInvalid = errors.New("fee output missing or incorrect")
	ErrNotSigned  = errors.New("transaction has no signatures to submit")
)

type Processor struct {
	state *state.State
	ark   daemons.Ark
	clock *mockable.Clock
	log   *zap.Logger
}

func NewProcessor(st *state.State, ark daemons.Ark, clock *mockable.Clock, log *zap.Logger) *Processor {
	return &Processor{
		state: st,
		ark:   ark,
		clock: clock,
		log:   log,
	}
}

// ValidateFee checks an intent's declared fee against the fixed
// schedule before any backend work happens.
func ValidateFee(fee uint64) error {
	if fee != TransferFeeSats {
		return fmt.Errorf("%w: got %d, want %d", ErrFeeInvalid, fee, TransferFeeSats)
	}
	return nil
}

// Prepare asks arkd to build the unsigned transaction for a transfer.
func (p *Processor) Prepare(ctx context.Context, req *daemons.SigningRequest) (*daemons.SigningPackage, error) {
	pkg, err := p.ark.PrepareSigningRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("preparing signing request: %w", err)
	}
	return pkg, nil
}

// Finalize submits the collected signatures and returns the
// fully-signed transaction.
func (p *Processor) Finalize(ctx context.Context, sessionID, checkpointID string, signatures []string) (*daemons.FinalizedTx, error) {
	if len(signatures) == 0 {
		return nil, ErrNotSigned
	}
	finalized, err := p.ark.SubmitSignatures(ctx, &daemons.SubmitSignaturesRequest{
		SessionID:    sessionID,
		CheckpointID: checkpointID,
		Signatures:   signatures,
	})
	if err != nil {
		return nil, fmt.Errorf("submitting signatures: %w", err)
	}
	return finalized, nil
}

// Broadcast hands the raw transaction to arkd and returns the txid the
// network will know it by.
func (p *Processor) Broadcast(ctx context.Context, rawTx string) (string, error) {
	txid, err := p.ark.BroadcastTx(ctx, rawTx)
	if err != nil {
		return "", fmt.Errorf("broadcasting: %w", err)
	}
	p.log.Info("transaction broadcast", zap.String("txid", txid))
	return txid, nil
}

// Row builds the transaction record the ceremony commits alongside its
// balance and VTXO writes.
func (p *Processor) Row(sess *state.SigningSession, finalized *daemons.FinalizedTx, txType string, amount, fee uint64, assetID string) *state.Transaction {
	return &state.Transaction{
		Txid:       finalized.Txid,
		SessionID:  sess.SessionID,
		TxType:     txType,
		RawTx:      finalized.RawTx,
		Status:     state.TxBroadcast,
		AmountSats: amount,
		FeeSats:    fee,
		AssetID:    assetID,
		CreatedAt:  p.clock.Time().Unix(),
	}
}

// Status returns the recorded lifecycle status of [txid].
func (p *Processor) Status(txid string) (state.TxStatus, error) {
	tx, err := p.state.GetTransaction(txid)
	if err != nil {
		return "", err
	}
	return tx.Status, nil
}

// Confirm marks a broadcast transaction confirmed at [blockHeight].
func (p *Processor) Confirm(txid string, blockHeight uint64) error {
	return p.state.Transact(func(mu state.Mutable) error {
		tx, err := mu.GetTransaction(txid)
		if err != nil {
			return err
		}
		if tx.Status == state.TxConfirmed {
			return nil
		}
		tx.Status = state.TxConfirmed
		tx.ConfirmedAt = p.clock.Time().Unix()
		tx.BlockHeight = blockHeight
		return mu.PutTransaction(tx)
	})
}
