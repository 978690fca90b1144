// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemons

import (
	"context"

	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const tapService = "/tap.v1.TapService/"

var _ Tap = (*TapClient)(nil)

// TapClient talks to tapd.
type TapClient struct {
	*Client
}

func NewTap(addr string, log *zap.Logger, clock *mockable.Clock) (*TapClient, error) {
	client, err := Dial("tapd", addr, log, clock)
	if err != nil {
		return nil, err
	}
	return &TapClient{Client: client}, nil
}

func (c *TapClient) ListAssets(ctx context.Context) ([]*TapAsset, error) {
	var resp struct {
		Assets []*TapAsset `json:"assets"`
	}
	if err := c.invoke(ctx, tapService+"ListAssets", &struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

func (c *TapClient) MintAsset(ctx context.Context, req *MintRequest) (*TapAsset, error) {
	var asset TapAsset
	if err := c.invoke(ctx, tapService+"MintAsset", req, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

func (c *TapClient) TransferAsset(ctx context.Context, req *AssetTransferRequest) (*AssetTransfer, error) {
	var transfer AssetTransfer
	if err := c.invoke(ctx, tapService+"TransferAsset", req, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (c *TapClient) FetchProof(ctx context.Context, assetID, scriptKey string) (*AssetProof, error) {
	req := struct {
		AssetID   string `json:"asset_id"`
		ScriptKey string `json:"script_key"`
	}{
		AssetID:   assetID,
		ScriptKey: scriptKey,
	}
	var proof AssetProof
	if err := c.invoke(ctx, tapService+"FetchProof", &req, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

func (c *TapClient) VerifyProof(ctx context.Context, proof string) (bool, error) {
	req := struct {
		Proof string `json:"proof"`
	}{Proof: proof}

	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := c.invoke(ctx, tapService+"VerifyProof", &req, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *TapClient) CreateAssetInvoice(ctx context.Context, assetID string, amount uint64, memo string) (*AssetInvoice, error) {
	req := struct {
		AssetID string `json:"asset_id"`
		Amount  uint64 `json:"amount"`
		Memo    string `json:"memo"`
	}{
		AssetID: assetID,
		Amount:  amount,
		Memo:    memo,
	}
	var invoice AssetInvoice
	if err := c.invoke(ctx, tapService+"CreateAssetInvoice", &req, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *TapClient) PayAssetInvoice(ctx context.Context, bolt11 string) (*PaymentResult, error) {
	req := struct {
		Bolt11 string `json:"bolt11"`
	}{Bolt11: bolt11}

	var result PaymentResult
	if err := c.invoke(ctx, tapService+"PayAssetInvoice", &req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
