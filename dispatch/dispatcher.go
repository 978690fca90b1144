// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dispatch classifies verified relay events and feeds them to a
// fixed pool of workers. Relay delivery is at-least-once across relays,
// so the dispatcher also drops obvious replays before they reach the
// ceremony layer; the layers below enforce idempotency transactionally.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkrelay/gatewaygo/cache"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 8

	// maxEventAge rejects replayed events; maxClockSkew rejects events
	// stamped from the future.
	maxEventAge  = 10 * time.Minute
	maxClockSkew = 5 * time.Minute

	intentCacheSize = 4096
)

// Sink is where classified events land. Both calls must be safe for
// concurrent use.
type Sink interface {
	HandleIntent(ctx context.Context, ev *protocol.Event) error
	HandleResponse(ctx context.Context, ev *protocol.Event) error
}

// Observer receives dispatch telemetry. Methods must be safe for
// concurrent use. *metrics.Metrics satisfies it.
type Observer interface {
	IntentReceived()
	ResponseReceived()
	EventDropped()
}

type noopObserver struct{}

func (noopObserver) IntentReceived()   {}
func (noopObserver) ResponseReceived() {}
func (noopObserver) EventDropped()     {}

type Config struct {
	Workers   int
	QueueSize int
	Observer  Observer
	Log       *zap.Logger
	Clock     *mockable.Clock
}

type Dispatcher struct {
	cfg  Config
	sink Sink

	queue chan *protocol.Event
	// seenIntents is a fast path only: the session manager's uniqueness
	// check is the authority.
	seenIntents *cache.LRU[string, struct{}]
}

func New(cfg Config, sink Sink) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	return &Dispatcher{
		cfg:         cfg,
		sink:        sink,
		queue:       make(chan *protocol.Event, cfg.QueueSize),
		seenIntents: &cache.LRU[string, struct{}]{Size: intentCacheSize},
	}
}

// Enqueue accepts one verified event from the relay layer. A full queue
// sheds the event; the wallet will retry or time out.
func (d *Dispatcher) Enqueue(ev *protocol.Event) {
	select {
	case d.queue <- ev:
	default:
		d.cfg.Observer.EventDropped()
		d.cfg.Log.Warn("dispatch queue full, shedding event",
			zap.String("event", ev.ID),
			zap.Int("kind", ev.Kind),
		)
	}
}

// Run processes the queue with a fixed worker pool until the context is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev := <-d.queue:
					d.process(ctx, ev)
				}
			}
		})
	}
	return eg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, ev *protocol.Event) {
	if !d.fresh(ev) {
		d.cfg.Observer.EventDropped()
		d.cfg.Log.Debug("dropping stale event",
			zap.String("event", ev.ID),
			zap.Int64("created_at", ev.CreatedAt),
		)
		return
	}

	var err error
	switch ev.Kind {
	case protocol.KindIntent:
		if d.duplicateIntent(ev) {
			d.cfg.Observer.EventDropped()
			d.cfg.Log.Debug("dropping replayed intent",
				zap.String("event", ev.ID),
				zap.String("author", ev.PubKey),
			)
			return
		}
		d.cfg.Observer.IntentReceived()
		err = d.sink.HandleIntent(ctx, ev)
	case protocol.KindSigningResponse:
		d.cfg.Observer.ResponseReceived()
		err = d.sink.HandleResponse(ctx, ev)
	default:
		d.cfg.Log.Debug("ignoring event of unhandled kind",
			zap.String("event", ev.ID),
			zap.Int("kind", ev.Kind),
		)
		return
	}
	if err != nil {
		d.cfg.Log.Warn("event handling failed",
			zap.String("event", ev.ID),
			zap.Int("kind", ev.Kind),
			zap.String("author", ev.PubKey),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) fresh(ev *protocol.Event) bool {
	now := d.cfg.Clock.Time()
	createdAt := time.Unix(ev.CreatedAt, 0)
	return now.Sub(createdAt) <= maxEventAge && createdAt.Sub(now) <= maxClockSkew
}

// duplicateIntent drops intents whose (author, action_id) pair was seen
// recently. Unparseable intents pass through so the ceremony layer can
// emit a proper failure notice.
func (d *Dispatcher) duplicateIntent(ev *protocol.Event) bool {
	var intent struct {
		ActionID string `json:"action_id"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &intent); err != nil || intent.ActionID == "" {
		return false
	}
	key := ev.PubKey + "/" + intent.ActionID
	if _, seen := d.seenIntents.Get(key); seen {
		return true
	}
	d.seenIntents.Put(key, struct{}{})
	return false
}
