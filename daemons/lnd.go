// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemons

import (
	"context"

	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const lndService = "/lnrpc.Lightning/"

var _ Lightning = (*LndClient)(nil)

// LndClient talks to lnd.
type LndClient struct {
	*Client
}

func NewLnd(addr string, log *zap.Logger, clock *mockable.Clock) (*LndClient, error) {
	client, err := Dial("lnd", addr, log, clock)
	if err != nil {
		return nil, err
	}
	return &LndClient{Client: client}, nil
}

func (c *LndClient) GetBalances(ctx context.Context) (*LightningBalances, error) {
	var balances LightningBalances
	if err := c.invoke(ctx, lndService+"GetBalances", &struct{}{}, &balances); err != nil {
		return nil, err
	}
	return &balances, nil
}

func (c *LndClient) ListChannels(ctx context.Context) ([]*Channel, error) {
	var resp struct {
		Channels []*Channel `json:"channels"`
	}
	if err := c.invoke(ctx, lndService+"ListChannels", &struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *LndClient) AddInvoice(ctx context.Context, amountSats uint64, memo string, expirySeconds int64) (*Invoice, error) {
	req := struct {
		AmountSats uint64 `json:"amount_sats"`
		Memo       string `json:"memo"`
		Expiry     int64  `json:"expiry"`
	}{
		AmountSats: amountSats,
		Memo:       memo,
		Expiry:     expirySeconds,
	}
	var invoice Invoice
	if err := c.invoke(ctx, lndService+"AddInvoice", &req, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *LndClient) LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error) {
	req := struct {
		PaymentHash string `json:"payment_hash"`
	}{PaymentHash: paymentHash}

	var invoice Invoice
	if err := c.invoke(ctx, lndService+"LookupInvoice", &req, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (c *LndClient) SendPayment(ctx context.Context, bolt11 string, maxFeeSats uint64) (*PaymentResult, error) {
	req := struct {
		Bolt11     string `json:"bolt11"`
		MaxFeeSats uint64 `json:"max_fee_sats"`
	}{
		Bolt11:     bolt11,
		MaxFeeSats: maxFeeSats,
	}
	var result PaymentResult
	if err := c.invoke(ctx, lndService+"SendPayment", &req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
