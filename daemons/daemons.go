// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package daemons holds the gRPC clients for the three backend daemons:
// arkd (L2 transaction construction and L1 anchoring), tapd (asset
// issuance and proofs) and lnd (Lightning liquidity). All calls are
// unary JSON over gRPC behind a per-daemon circuit breaker.
package daemons

import "context"

// Ark is the arkd surface the gateway depends on.
type Ark interface {
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)
	CreateVtxoBatch(ctx context.Context, count int, amountSats uint64) ([]*VtxoOutput, error)
	GetVtxo(ctx context.Context, vtxoID string) (*VtxoOutput, error)
	PrepareSigningRequest(ctx context.Context, req *SigningRequest) (*SigningPackage, error)
	PrepareCheckpoint(ctx context.Context, req *CheckpointRequest) (*Checkpoint, error)
	SubmitSignatures(ctx context.Context, req *SubmitSignaturesRequest) (*FinalizedTx, error)
	CreateCommitment(ctx context.Context, req *CommitmentRequest) (*Commitment, error)
	BroadcastTx(ctx context.Context, rawTx string) (string, error)
}

// Tap is the tapd surface the gateway depends on.
type Tap interface {
	ListAssets(ctx context.Context) ([]*TapAsset, error)
	MintAsset(ctx context.Context, req *MintRequest) (*TapAsset, error)
	TransferAsset(ctx context.Context, req *AssetTransferRequest) (*AssetTransfer, error)
	FetchProof(ctx context.Context, assetID, scriptKey string) (*AssetProof, error)
	VerifyProof(ctx context.Context, proof string) (bool, error)
	CreateAssetInvoice(ctx context.Context, assetID string, amount uint64, memo string) (*AssetInvoice, error)
	PayAssetInvoice(ctx context.Context, bolt11 string) (*PaymentResult, error)
}

// Lightning is the lnd surface the gateway depends on.
type Lightning interface {
	GetBalances(ctx context.Context) (*LightningBalances, error)
	ListChannels(ctx context.Context) ([]*Channel, error)
	AddInvoice(ctx context.Context, amountSats uint64, memo string, expirySeconds int64) (*Invoice, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error)
	SendPayment(ctx context.Context, bolt11 string, maxFeeSats uint64) (*PaymentResult, error)
}

// NetworkInfo describes the arkd operator and its L1 anchoring cadence.
type NetworkInfo struct {
	Network         string `json:"network"`
	OperatorPubKey  string `json:"operator_pubkey"`
	RoundInterval   int64  `json:"round_interval"`
	BlockHeight     uint64 `json:"block_height"`
	MinRelayFeeRate uint64 `json:"min_relay_fee_rate"`
}

// VtxoOutput is one virtual output as arkd reports it.
type VtxoOutput struct {
	VtxoID       string `json:"vtxo_id"`
	Txid         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	AmountSats   uint64 `json:"amount_sats"`
	ScriptPubKey string `json:"script_pubkey"`
	ExpiresAt    int64  `json:"expires_at"`
}

// SigningRequest asks arkd to build the unsigned transaction for a set
// of inputs and outputs.
type SigningRequest struct {
	SessionID string       `json:"session_id"`
	InputIDs  []string     `json:"input_ids"`
	Outputs   []TxOutput   `json:"outputs"`
	FeeSats   uint64       `json:"fee_sats"`
}

type TxOutput struct {
	RecipientPubKey string `json:"recipient_pubkey"`
	AmountSats      uint64 `json:"amount_sats"`
	AssetID         string `json:"asset_id,omitempty"`
}

// SigningPackage is the unsigned payload the user must authorize.
type SigningPackage struct {
	SessionID     string `json:"session_id"`
	UnsignedTx    string `json:"unsigned_tx"`
	SighashHex    string `json:"sighash_hex"`
	SignatureAlgo string `json:"signature_algo"`
}

type CheckpointRequest struct {
	SessionID     string `json:"session_id"`
	UnsignedTx    string `json:"unsigned_tx"`
	UserSignature string `json:"user_signature"`
}

// Checkpoint is arkd's forfeit-path commitment for a pending spend.
type Checkpoint struct {
	CheckpointID string `json:"checkpoint_id"`
	CheckpointTx string `json:"checkpoint_tx"`
}

type SubmitSignaturesRequest struct {
	SessionID    string   `json:"session_id"`
	CheckpointID string   `json:"checkpoint_id"`
	Signatures   []string `json:"signatures"`
}

// FinalizedTx is the fully-signed transaction ready for broadcast.
type FinalizedTx struct {
	Txid  string `json:"txid"`
	RawTx string `json:"raw_tx"`
}

type CommitmentRequest struct {
	BatchID    string   `json:"batch_id"`
	MerkleRoot string   `json:"merkle_root"`
	Txids      []string `json:"txids"`
}

// Commitment is the L1 anchoring transaction for a settlement batch.
type Commitment struct {
	CommitmentTxid string `json:"commitment_txid"`
	RawTx          string `json:"raw_tx"`
	AnchorHeight   uint64 `json:"anchor_height"`
}

// TapAsset is one issued asset as tapd reports it.
type TapAsset struct {
	AssetID     string `json:"asset_id"`
	Name        string `json:"name"`
	Ticker      string `json:"ticker"`
	TotalSupply uint64 `json:"total_supply"`
	Decimals    uint8  `json:"decimals"`
	GenesisTxid string `json:"genesis_txid"`
}

type MintRequest struct {
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
	Amount   uint64 `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

type AssetTransferRequest struct {
	AssetID         string `json:"asset_id"`
	Amount          uint64 `json:"amount"`
	RecipientPubKey string `json:"recipient_pubkey"`
}

type AssetTransfer struct {
	TransferTxid string `json:"transfer_txid"`
	Proof        string `json:"proof"`
}

type AssetProof struct {
	AssetID   string `json:"asset_id"`
	ScriptKey string `json:"script_key"`
	Proof     string `json:"proof"`
}

// AssetInvoice is a Lightning invoice denominated in an issued asset.
type AssetInvoice struct {
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
	AssetID     string `json:"asset_id"`
	Amount      uint64 `json:"amount"`
	ExpiresAt   int64  `json:"expires_at"`
}

// LightningBalances is lnd's on-chain and channel liquidity summary.
type LightningBalances struct {
	OnchainSats       uint64 `json:"onchain_sats"`
	LocalChannelSats  uint64 `json:"local_channel_sats"`
	RemoteChannelSats uint64 `json:"remote_channel_sats"`
}

type Channel struct {
	ChannelID     string `json:"channel_id"`
	RemotePubKey  string `json:"remote_pubkey"`
	CapacitySats  uint64 `json:"capacity_sats"`
	LocalBalance  uint64 `json:"local_balance"`
	RemoteBalance uint64 `json:"remote_balance"`
	Active        bool   `json:"active"`
}

// Invoice is one lnd invoice, either generated by us (lift) or looked
// up by payment hash.
type Invoice struct {
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
	AmountSats  uint64 `json:"amount_sats"`
	Settled     bool   `json:"settled"`
	SettledAt   int64  `json:"settled_at,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	ExpiresAt   int64  `json:"expires_at"`
}

// PaymentResult is the outcome of an outbound payment.
type PaymentResult struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage"`
	FeeSats     uint64 `json:"fee_sats"`
	Succeeded   bool   `json:"succeeded"`
	FailureMsg  string `json:"failure_msg,omitempty"`
}
