// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package txs

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

func newTestProcessor(t *testing.T, ark daemons.Ark) (*Processor, *state.State) {
	require := require.New(t)

	st, err := state.New(memdb.New())
	require.NoError(err)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(1_000_000, 0))

	return NewProcessor(st, ark, clock, zap.NewNop()), st
}

func TestValidateFee(t *testing.T) {
	require := require.New(t)

	require.NoError(ValidateFee(TransferFeeSats))
	require.ErrorIs(ValidateFee(0), ErrFeeInvalid)
	require.ErrorIs(ValidateFee(9), ErrFeeInvalid)
	require.ErrorIs(ValidateFee(11), ErrFeeInvalid)
}

func TestFinalizeRequiresSignatures(t *testing.T) {
	require := require.New(t)
	p, _ := newTestProcessor(t, &daemons.TestArk{})

	_, err := p.Finalize(context.Background(), "sess-1", "ckpt-1", nil)
	require.ErrorIs(err, ErrNotSigned)

	finalized, err := p.Finalize(context.Background(), "sess-1", "ckpt-1", []string{"sig"})
	require.NoError(err)
	require.NotNil(finalized)
}

func TestConfirmIsIdempotent(t *testing.T) {
	require := require.New(t)
	p, st := newTestProcessor(t, &daemons.TestArk{})

	require.NoError(st.Transact(func(mu state.Mutable) error {
		return mu.PutTransaction(&state.Transaction{
			Txid:   "tx-1",
			TxType: "transfer",
			Status: state.TxBroadcast,
		})
	}))

	status, err := p.Status("tx-1")
	require.NoError(err)
	require.Equal(state.TxBroadcast, status)

	require.NoError(p.Confirm("tx-1", 850_000))
	tx, err := st.GetTransaction("tx-1")
	require.NoError(err)
	require.Equal(state.TxConfirmed, tx.Status)
	require.Equal(uint64(850_000), tx.BlockHeight)

	// Confirming again must not disturb the record.
	require.NoError(p.Confirm("tx-1", 850_001))
	tx, err = st.GetTransaction("tx-1")
	require.NoError(err)
	require.Equal(uint64(850_000), tx.BlockHeight)
}
