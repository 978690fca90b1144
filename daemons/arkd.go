// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemons

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/cache"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const (
	arkService = "/ark.v1.ArkService/"

	networkInfoTTL = 30 * time.Second
)

var _ Ark = (*ArkClient)(nil)

// ArkClient talks to arkd. Network info is cached briefly because the
// inventory monitor and settlement loops both poll it.
type ArkClient struct {
	*Client

	clock     *mockable.Clock
	infoCache *cache.LRU[string, cachedNetworkInfo]
}

type cachedNetworkInfo struct {
	info      NetworkInfo
	fetchedAt time.Time
}

func NewArk(addr string, log *zap.Logger, clock *mockable.Clock) (*ArkClient, error) {
	client, err := Dial("arkd", addr, log, clock)
	if err != nil {
		return nil, err
	}
	return &ArkClient{
		Client:    client,
		clock:     clock,
		infoCache: &cache.LRU[string, cachedNetworkInfo]{Size: 1},
	}, nil
}

func (c *ArkClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	if cached, ok := c.infoCache.Get("info"); ok {
		if c.clock.Time().Sub(cached.fetchedAt) < networkInfoTTL {
			info := cached.info
			return &info, nil
		}
	}

	var info NetworkInfo
	if err := c.invoke(ctx, arkService+"GetNetworkInfo", &struct{}{}, &info); err != nil {
		return nil, err
	}
	c.infoCache.Put("info", cachedNetworkInfo{
		info:      info,
		fetchedAt: c.clock.Time(),
	})
	return &info, nil
}

func (c *ArkClient) CreateVtxoBatch(ctx context.Context, count int, amountSats uint64) ([]*VtxoOutput, error) {
	req := struct {
		Count      int    `json:"count"`
		AmountSats uint64 `json:"amount_sats"`
	}{
		Count:      count,
		AmountSats: amountSats,
	}
	var resp struct {
		Vtxos []*VtxoOutput `json:"vtxos"`
	}
	if err := c.invoke(ctx, arkService+"CreateVtxoBatch", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Vtxos, nil
}

func (c *ArkClient) GetVtxo(ctx context.Context, vtxoID string) (*VtxoOutput, error) {
	req := struct {
		VtxoID string `json:"vtxo_id"`
	}{VtxoID: vtxoID}

	var vtxo VtxoOutput
	if err := c.invoke(ctx, arkService+"GetVtxo", &req, &vtxo); err != nil {
		return nil, err
	}
	return &vtxo, nil
}

func (c *ArkClient) PrepareSigningRequest(ctx context.Context, req *SigningRequest) (*SigningPackage, error) {
	var pkg SigningPackage
	if err := c.invoke(ctx, arkService+"PrepareSigningRequest", req, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (c *ArkClient) PrepareCheckpoint(ctx context.Context, req *CheckpointRequest) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := c.invoke(ctx, arkService+"PrepareCheckpoint", req, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (c *ArkClient) SubmitSignatures(ctx context.Context, req *SubmitSignaturesRequest) (*FinalizedTx, error) {
	var finalized FinalizedTx
	if err := c.invoke(ctx, arkService+"SubmitSignatures", req, &finalized); err != nil {
		return nil, err
	}
	return &finalized, nil
}

func (c *ArkClient) CreateCommitment(ctx context.Context, req *CommitmentRequest) (*Commitment, error) {
	var commitment Commitment
	if err := c.invoke(ctx, arkService+"CreateCommitment", req, &commitment); err != nil {
		return nil, err
	}
	return &commitment, nil
}

func (c *ArkClient) BroadcastTx(ctx context.Context, rawTx string) (string, error) {
	req := struct {
		RawTx string `json:"raw_tx"`
	}{RawTx: rawTx}

	var resp struct {
		Txid string `json:"txid"`
	}
	if err := c.invoke(ctx, arkService+"BroadcastTx", &req, &resp); err != nil {
		return "", err
	}
	return resp.Txid, nil
}
