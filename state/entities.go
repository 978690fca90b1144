// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"encoding/json"

	"github.com/arkrelay/gatewaygo/protocol"
)

type AssetType string

const (
	AssetNative         AssetType = "native"
	AssetPermissionless AssetType = "permissionless"
)

// Asset is a registry entry for a fungible unit.
type Asset struct {
	AssetID     string    `json:"asset_id"`
	Name        string    `json:"name"`
	Ticker      string    `json:"ticker"`
	Type        AssetType `json:"type"`
	Decimals    uint8     `json:"decimals"`
	TotalSupply uint64    `json:"total_supply"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   int64     `json:"created_at"`
}

// AssetBalance is a per-identity balance row. Spendable funds are
// Balance - Reserved.
type AssetBalance struct {
	UserPubKey string `json:"user_pubkey"`
	AssetID    string `json:"asset_id"`
	Balance    uint64 `json:"balance"`
	Reserved   uint64 `json:"reserved_balance"`
	UpdatedAt  int64  `json:"updated_at"`
}

func (b *AssetBalance) Spendable() uint64 {
	return b.Balance - b.Reserved
}

// VTXO is the gateway's accounting of a virtual unspent output.
type VTXO struct {
	VtxoID       string     `json:"vtxo_id"`
	Txid         string     `json:"txid"`
	Vout         uint32     `json:"vout"`
	AmountSats   uint64     `json:"amount_sats"`
	ScriptPubKey []byte     `json:"script_pubkey"`
	AssetID      string     `json:"asset_id"`
	UserPubKey   string     `json:"user_pubkey,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Status       VTXOStatus `json:"status"`
	CreatedAt    int64      `json:"created_at"`
	ExpiresAt    int64      `json:"expires_at"`
	SpendingTxid string     `json:"spending_txid,omitempty"`
}

type SessionType string

const (
	SessionP2PTransfer   SessionType = "p2p_transfer"
	SessionLightningLift SessionType = "lightning_lift"
	SessionLightningLand SessionType = "lightning_land"
	SessionProtocolOp    SessionType = "protocol_op"
)

// SigningSession is one intent's execution context. The gateway resumes a
// ceremony from LastCompletedStep after any suspension, so a crashed
// worker can pick any session back up by id.
type SigningSession struct {
	SessionID         string            `json:"session_id"`
	UserPubKey        string            `json:"user_pubkey"`
	ActionID          string            `json:"action_id"`
	Type              SessionType       `json:"session_type"`
	Status            SessionStatus     `json:"status"`
	IntentData        json.RawMessage   `json:"intent_data"`
	Context           string            `json:"context,omitempty"`
	CreatedAt         int64             `json:"created_at"`
	UpdatedAt         int64             `json:"updated_at"`
	ExpiresAt         int64             `json:"expires_at"`
	ResultData        map[string]string `json:"result_data,omitempty"`
	SignedTx          string            `json:"signed_tx,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	FailureCode       protocol.Code     `json:"failure_code,omitempty"`
	FailureNotified   bool              `json:"failure_notified,omitempty"`
	LastCompletedStep int               `json:"last_completed_step"`
	SignaturesWanted  int               `json:"signatures_wanted,omitempty"`
	SignaturesGot     int               `json:"signatures_got,omitempty"`
	CancelRequested   bool              `json:"cancel_requested,omitempty"`
}

// SigningChallenge is a single signature request within a session.
type SigningChallenge struct {
	ChallengeID   string `json:"challenge_id"`
	SessionID     string `json:"session_id"`
	ChallengeData []byte `json:"challenge_data"`
	PayloadRef    string `json:"payload_ref"`
	Context       string `json:"context"`
	StepIndex     int    `json:"step_index"`
	StepTotal     int    `json:"step_total"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
	IsUsed        bool   `json:"is_used"`
	Signature     []byte `json:"signature,omitempty"`
}

type TxStatus string

const (
	TxPrepared  TxStatus = "prepared"
	TxBroadcast TxStatus = "broadcast"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Transaction is a produced or broadcast transaction record.
type Transaction struct {
	Txid            string   `json:"txid"`
	SessionID       string   `json:"session_id"`
	TxType          string   `json:"tx_type"`
	RawTx           string   `json:"raw_tx,omitempty"`
	Status          TxStatus `json:"status"`
	AmountSats      uint64   `json:"amount_sats"`
	FeeSats         uint64   `json:"fee_sats"`
	AssetID         string   `json:"asset_id,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	ConfirmedAt     int64    `json:"confirmed_at,omitempty"`
	BlockHeight     uint64   `json:"block_height,omitempty"`
	SettlementBatch string   `json:"settlement_batch,omitempty"`
}

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoiceSettled InvoiceStatus = "settled"
	InvoiceFailed  InvoiceStatus = "failed"
	InvoiceExpired InvoiceStatus = "expired"
)

type InvoiceType string

const (
	InvoiceLift InvoiceType = "lift"
	InvoiceLand InvoiceType = "land"
)

// LightningInvoice is a Lightning-layer claim linked to a session.
type LightningInvoice struct {
	PaymentHash string        `json:"payment_hash"`
	Bolt11      string        `json:"bolt11_invoice"`
	SessionID   string        `json:"session_id"`
	AmountSats  uint64        `json:"amount_sats"`
	AssetID     string        `json:"asset_id"`
	Status      InvoiceStatus `json:"status"`
	Type        InvoiceType   `json:"invoice_type"`
	CreatedAt   int64         `json:"created_at"`
	ExpiresAt   int64         `json:"expires_at"`
	SettledAt   int64         `json:"settled_at,omitempty"`
	Preimage    string        `json:"preimage,omitempty"`
}
