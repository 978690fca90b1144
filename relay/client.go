// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package relay maintains websocket connections to a set of relays,
// publishes gateway events to all of them, and funnels deduplicated,
// signature-checked inbound events to a single handler.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/cache"
	"github.com/arkrelay/gatewaygo/cache/metercacher"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const (
	// sendQueueSize bounds the per-relay outbound queue. A relay that
	// can't drain it loses frames rather than stalling the publisher.
	sendQueueSize = 128

	// seenCacheSize bounds the event-id dedupe window across relays.
	seenCacheSize = 8192

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

var ErrNoRelays = errors.New("no relay connection available")

// Handler receives each verified inbound event exactly once, regardless
// of how many relays delivered it.
type Handler func(ev *protocol.Event)

type Config struct {
	URLs     []string
	Identity *protocol.Identity
	// Kinds filters the subscription to the event kinds the gateway
	// consumes.
	Kinds []int
	// Registerer, if set, exposes hit/miss counters for the dedupe
	// cache. The hit rate is the duplicate delivery rate across relays.
	Registerer prometheus.Registerer
	Log        *zap.Logger
	Clock      *mockable.Clock
}

// Client fans events out to every configured relay and merges their
// inbound streams.
type Client struct {
	cfg     Config
	handler Handler

	seen  cache.Cacher[string, struct{}]
	conns []*conn

	active atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(cfg Config, handler Handler) (*Client, error) {
	var seen cache.Cacher[string, struct{}] = &cache.LRU[string, struct{}]{Size: seenCacheSize}
	if cfg.Registerer != nil {
		metered, err := metercacher.New("relay_dedupe", cfg.Registerer, seen)
		if err != nil {
			return nil, err
		}
		seen = metered
	}

	c := &Client{
		cfg:     cfg,
		handler: handler,
		seen:    seen,
	}
	for _, url := range cfg.URLs {
		c.conns = append(c.conns, &conn{
			url:    url,
			client: c,
			send:   make(chan []byte, sendQueueSize),
		})
	}
	return c, nil
}

func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, n := range c.conns {
		c.wg.Add(1)
		go func(n *conn) {
			defer c.wg.Done()
			n.run(ctx)
		}(n)
	}
}

func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Healthy reports whether at least one relay connection is live.
func (c *Client) Healthy() bool {
	return c.active.Load() > 0
}

// ActiveRelays returns the number of live relay connections.
func (c *Client) ActiveRelays() int {
	return int(c.active.Load())
}

// Publish signs [ev] if needed and enqueues it to every connected
// relay. It fails only if no relay accepted the frame.
func (c *Client) Publish(ev *protocol.Event) error {
	if ev.Sig == "" {
		if err := ev.Sign(c.cfg.Identity); err != nil {
			return err
		}
	}
	frame, err := encodeEventFrame(ev)
	if err != nil {
		return err
	}

	accepted := 0
	for _, n := range c.conns {
		if n.enqueue(frame) {
			accepted++
		}
	}
	if accepted == 0 {
		return ErrNoRelays
	}
	return nil
}

// PublishEncrypted seals [payload] for [recipientPubKey] as a direct
// message event of [kind], tagged with the recipient, and publishes it.
func (c *Client) PublishEncrypted(kind int, recipientPubKey string, payload any, extraTags [][]string) (*protocol.Event, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	secret, err := c.cfg.Identity.SharedSecret(recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("deriving dm secret: %w", err)
	}
	content, err := Encrypt(secret, string(plaintext))
	if err != nil {
		return nil, err
	}

	ev := &protocol.Event{
		CreatedAt: c.cfg.Clock.Time().Unix(),
		Kind:      kind,
		Tags:      append([][]string{{"p", recipientPubKey}}, extraTags...),
		Content:   content,
	}
	if err := c.Publish(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// dispatch runs the dedupe and signature gate before handing an event
// to the handler.
func (c *Client) dispatch(url string, ev *protocol.Event) {
	if _, dup := c.seen.Get(ev.ID); dup {
		return
	}
	c.seen.Put(ev.ID, struct{}{})

	if err := ev.Verify(); err != nil {
		c.cfg.Log.Debug("dropping unverifiable event",
			zap.String("relay", url),
			zap.String("event", ev.ID),
			zap.Error(err),
		)
		return
	}
	c.handler(ev)
}

type conn struct {
	url    string
	client *Client
	send   chan []byte
}

func (n *conn) enqueue(frame []byte) bool {
	select {
	case n.send <- frame:
		return true
	default:
		n.client.cfg.Log.Warn("relay send queue full, dropping frame",
			zap.String("relay", n.url),
		)
		return false
	}
}

// run dials the relay in a loop, backing off exponentially on failure
// and resetting the backoff after a successful session.
func (n *conn) run(ctx context.Context) {
	log := n.client.cfg.Log
	delay := reconnectBaseDelay
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, n.url, nil)
		if err != nil {
			log.Warn("relay dial failed",
				zap.String("relay", n.url),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		delay = reconnectBaseDelay
		n.client.active.Add(1)
		log.Info("relay connected", zap.String("relay", n.url))

		n.session(ctx, ws)

		n.client.active.Add(-1)
		_ = ws.Close()
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// session subscribes and pumps frames both ways until the connection or
// the context dies.
func (n *conn) session(ctx context.Context, ws *websocket.Conn) {
	frame, err := encodeReqFrame(uuid.NewString(), &Filter{
		Kinds: n.client.cfg.Kinds,
		PTags: []string{n.client.cfg.Identity.PublicKeyHex()},
	})
	if err != nil {
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}

	// The writer owns the socket's lifetime: when it exits (context
	// cancelled, write error, or reader stop) it closes the socket,
	// which unblocks the reader.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = ws.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case frame := <-n.send:
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		frameType, ev, err := decodeFrame(data)
		if err != nil {
			n.client.cfg.Log.Debug("malformed relay frame",
				zap.String("relay", n.url),
			)
			continue
		}
		if frameType == "EVENT" && ev != nil {
			n.client.dispatch(n.url, ev)
		}
	}

	close(stop)
	<-done
}
