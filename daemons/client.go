// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemons

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second

	retryBaseDelay   = time.Second
	retryMaxDelay    = 30 * time.Second
	retryMaxAttempts = 4
)

// Client is the shared transport under the three daemon clients: one
// gRPC connection, a circuit breaker, and bounded retry with exponential
// backoff for retryable failures.
type Client struct {
	name    string
	log     *zap.Logger
	conn    *grpc.ClientConn
	breaker *Breaker
	clock   *mockable.Clock
}

func Dial(name, addr string, log *zap.Logger, clock *mockable.Clock) (*Client, error) {
	conn, err := grpc.Dial(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, mapError(name, "dial", err)
	}
	return &Client{
		name:    name,
		log:     log,
		conn:    conn,
		breaker: NewBreaker(defaultFailureThreshold, defaultResetTimeout, clock),
		clock:   clock,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// BreakerState exposes the breaker for health reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// invoke performs one unary call. Retryable failures back off 1s, 2s,
// 4s... capped at 30s; anything else returns immediately. Every attempt
// checks the breaker first so a tripped daemon is skipped without
// waiting out the backoff schedule.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		if err := c.breaker.Allow(); err != nil {
			return fmt.Errorf("%w: %s %s", err, c.name, method)
		}

		err := c.conn.Invoke(ctx, method, req, resp)
		if err == nil {
			c.breaker.Success()
			return nil
		}

		lastErr = mapError(c.name, method, err)
		if !Retryable(lastErr) {
			// Rejections don't indict the daemon's health.
			c.breaker.Success()
			return lastErr
		}
		c.breaker.Failure()
		c.log.Warn("daemon call failed",
			zap.String("daemon", c.name),
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}
