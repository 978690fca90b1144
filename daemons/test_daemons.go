// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemons

import "context"

var (
	_ Ark       = (*TestArk)(nil)
	_ Tap       = (*TestTap)(nil)
	_ Lightning = (*TestLightning)(nil)
)

// TestArk is a fake arkd for tests. Set a func field to script a call;
// unset calls fail with Err, or succeed with zero-value responses when
// Err is nil.
type TestArk struct {
	Err error

	GetNetworkInfoF        func(ctx context.Context) (*NetworkInfo, error)
	CreateVtxoBatchF       func(ctx context.Context, count int, amountSats uint64) ([]*VtxoOutput, error)
	GetVtxoF               func(ctx context.Context, vtxoID string) (*VtxoOutput, error)
	PrepareSigningRequestF func(ctx context.Context, req *SigningRequest) (*SigningPackage, error)
	PrepareCheckpointF     func(ctx context.Context, req *CheckpointRequest) (*Checkpoint, error)
	SubmitSignaturesF      func(ctx context.Context, req *SubmitSignaturesRequest) (*FinalizedTx, error)
	CreateCommitmentF      func(ctx context.Context, req *CommitmentRequest) (*Commitment, error)
	BroadcastTxF           func(ctx context.Context, rawTx string) (string, error)
}

func (a *TestArk) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	if a.GetNetworkInfoF != nil {
		return a.GetNetworkInfoF(ctx)
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &NetworkInfo{}, nil
}

func (a *TestArk) CreateVtxoBatch(ctx context.Context, count int, amountSats uint64) ([]*VtxoOutput, error) {
	if a.CreateVtxoBatchF != nil {
		return a.CreateVtxoBatchF(ctx, count, amountSats)
	}
	return nil, a.Err
}

func (a *TestArk) GetVtxo(ctx context.Context, vtxoID string) (*VtxoOutput, error) {
	if a.GetVtxoF != nil {
		return a.GetVtxoF(ctx, vtxoID)
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &VtxoOutput{VtxoID: vtxoID}, nil
}

func (a *TestArk) PrepareSigningRequest(ctx context.Context, req *SigningRequest) (*SigningPackage, error) {
	if a.PrepareSigningRequestF != nil {
		return a.PrepareSigningRequestF(ctx, req)
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &SigningPackage{SessionID: req.SessionID}, nil
}

func (a *TestArk) PrepareCheckpoint(ctx context.Context, req *CheckpointRequest) (*Checkpoint, error) {
	if a.PrepareCheckpointF != nil {
		return a.PrepareCheckpointF(ctx, req)
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &Checkpoint{}, nil
}

func (a *TestArk) SubmitSignatures(ctx context.Context, req *SubmitSignaturesRequest) (*FinalizedTx, error) {
	if a.SubmitSignaturesF != nil {
		return a.SubmitSignaturesF(ctx, req)
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &FinalizedTx{}, nil
}

func (a *TestArk) CreateCommitment(ctx context.Context, req *CommitmentRequest) (*Commitment, error) {
	if a.CreateCommitmentF != nil {
		return a.CreateCommitmentF(ctx, req)
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &Commitment{}, nil
}

func (a *TestArk) BroadcastTx(ctx context.Context, rawTx string) (string, error) {
	if a.BroadcastTxF != nil {
		return a.BroadcastTxF(ctx, rawTx)
	}
	return "", a.Err
}

// TestTap is a fake tapd for tests.
type TestTap struct {
	Err error

	ListAssetsF         func(ctx context.Context) ([]*TapAsset, error)
	MintAssetF          func(ctx context.Context, req *MintRequest) (*TapAsset, error)
	TransferAssetF      func(ctx context.Context, req *AssetTransferRequest) (*AssetTransfer, error)
	FetchProofF         func(ctx context.Context, assetID, scriptKey string) (*AssetProof, error)
	VerifyProofF        func(ctx context.Context, proof string) (bool, error)
	CreateAssetInvoiceF func(ctx context.Context, assetID string, amount uint64, memo string) (*AssetInvoice, error)
	PayAssetInvoiceF    func(ctx context.Context, bolt11 string) (*PaymentResult, error)
}

func (t *TestTap) ListAssets(ctx context.Context) ([]*TapAsset, error) {
	if t.ListAssetsF != nil {
		return t.ListAssetsF(ctx)
	}
	return nil, t.Err
}

func (t *TestTap) MintAsset(ctx context.Context, req *MintRequest) (*TapAsset, error) {
	if t.MintAssetF != nil {
		return t.MintAssetF(ctx, req)
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return &TapAsset{Name: req.Name, Ticker: req.Ticker, TotalSupply: req.Amount}, nil
}

func (t *TestTap) TransferAsset(ctx context.Context, req *AssetTransferRequest) (*AssetTransfer, error) {
	if t.TransferAssetF != nil {
		return t.TransferAssetF(ctx, req)
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return &AssetTransfer{}, nil
}

func (t *TestTap) FetchProof(ctx context.Context, assetID, scriptKey string) (*AssetProof, error) {
	if t.FetchProofF != nil {
		return t.FetchProofF(ctx, assetID, scriptKey)
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return &AssetProof{AssetID: assetID, ScriptKey: scriptKey}, nil
}

func (t *TestTap) VerifyProof(ctx context.Context, proof string) (bool, error) {
	if t.VerifyProofF != nil {
		return t.VerifyProofF(ctx, proof)
	}
	if t.Err != nil {
		return false, t.Err
	}
	return true, nil
}

func (t *TestTap) CreateAssetInvoice(ctx context.Context, assetID string, amount uint64, memo string) (*AssetInvoice, error) {
	if t.CreateAssetInvoiceF != nil {
		return t.CreateAssetInvoiceF(ctx, assetID, amount, memo)
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return &AssetInvoice{AssetID: assetID, Amount: amount}, nil
}

func (t *TestTap) PayAssetInvoice(ctx context.Context, bolt11 string) (*PaymentResult, error) {
	if t.PayAssetInvoiceF != nil {
		return t.PayAssetInvoiceF(ctx, bolt11)
	}
	if t.Err != nil {
		return nil, t.Err
	}
	return &PaymentResult{Succeeded: true}, nil
}

// TestLightning is a fake lnd for tests.
type TestLightning struct {
	Err error

	GetBalancesF   func(ctx context.Context) (*LightningBalances, error)
	ListChannelsF  func(ctx context.Context) ([]*Channel, error)
	AddInvoiceF    func(ctx context.Context, amountSats uint64, memo string, expirySeconds int64) (*Invoice, error)
	LookupInvoiceF func(ctx context.Context, paymentHash string) (*Invoice, error)
	SendPaymentF   func(ctx context.Context, bolt11 string, maxFeeSats uint64) (*PaymentResult, error)
}

func (l *TestLightning) GetBalances(ctx context.Context) (*LightningBalances, error) {
	if l.GetBalancesF != nil {
		return l.GetBalancesF(ctx)
	}
	if l.Err != nil {
		return nil, l.Err
	}
	return &LightningBalances{}, nil
}

func (l *TestLightning) ListChannels(ctx context.Context) ([]*Channel, error) {
	if l.ListChannelsF != nil {
		return l.ListChannelsF(ctx)
	}
	return nil, l.Err
}

func (l *TestLightning) AddInvoice(ctx context.Context, amountSats uint64, memo string, expirySeconds int64) (*Invoice, error) {
	if l.AddInvoiceF != nil {
		return l.AddInvoiceF(ctx, amountSats, memo, expirySeconds)
	}
	if l.Err != nil {
		return nil, l.Err
	}
	return &Invoice{AmountSats: amountSats}, nil
}

func (l *TestLightning) LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error) {
	if l.LookupInvoiceF != nil {
		return l.LookupInvoiceF(ctx, paymentHash)
	}
	if l.Err != nil {
		return nil, l.Err
	}
	return &Invoice{PaymentHash: paymentHash}, nil
}

func (l *TestLightning) SendPayment(ctx context.Context, bolt11 string, maxFeeSats uint64) (*PaymentResult, error) {
	if l.SendPaymentF != nil {
		return l.SendPaymentF(ctx, bolt11, maxFeeSats)
	}
	if l.Err != nil {
		return nil, l.Err
	}
	return &PaymentResult{Succeeded: true}, nil
}
