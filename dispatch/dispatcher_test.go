// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

type testSink struct {
	lock      sync.Mutex
	intents   []*protocol.Event
	responses []*protocol.Event
	notify    chan struct{}
}

func newTestSink() *testSink {
	return &testSink{notify: make(chan struct{}, 16)}
}

func (s *testSink) HandleIntent(_ context.Context, ev *protocol.Event) error {
	s.lock.Lock()
	s.intents = append(s.intents, ev)
	s.lock.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *testSink) HandleResponse(_ context.Context, ev *protocol.Event) error {
	s.lock.Lock()
	s.responses = append(s.responses, ev)
	s.lock.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *testSink) wait(t *testing.T) {
	select {
	case <-s.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("sink never called")
	}
}

func (s *testSink) counts() (int, int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.intents), len(s.responses)
}

func newTestDispatcher(t *testing.T, sink Sink, clock *mockable.Clock) (*Dispatcher, context.CancelFunc) {
	d := New(Config{
		Workers: 2,
		Log:     zap.NewNop(),
		Clock:   clock,
	}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = d.Run(ctx)
	}()
	t.Cleanup(cancel)
	return d, cancel
}

func TestDispatcherRoutesByKind(t *testing.T) {
	require := require.New(t)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(100_000, 0))
	sink := newTestSink()
	d, _ := newTestDispatcher(t, sink, clock)

	d.Enqueue(&protocol.Event{
		ID:        "ev-intent",
		PubKey:    "author-1",
		CreatedAt: 100_000,
		Kind:      protocol.KindIntent,
		Content:   `{"action_id":"a-1"}`,
	})
	sink.wait(t)

	d.Enqueue(&protocol.Event{
		ID:        "ev-resp",
		PubKey:    "author-1",
		CreatedAt: 100_000,
		Kind:      protocol.KindSigningResponse,
		Content:   `{"session_id":"s-1"}`,
	})
	sink.wait(t)

	intents, responses := sink.counts()
	require.Equal(1, intents)
	require.Equal(1, responses)
}

func TestDispatcherDropsReplayedIntents(t *testing.T) {
	require := require.New(t)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(100_000, 0))
	sink := newTestSink()
	d, _ := newTestDispatcher(t, sink, clock)

	d.Enqueue(&protocol.Event{
		ID:        "ev-1",
		PubKey:    "author-1",
		CreatedAt: 100_000,
		Kind:      protocol.KindIntent,
		Content:   `{"action_id":"a-1"}`,
	})
	sink.wait(t)

	// Same (author, action_id), different event id: a relay replay.
	d.Enqueue(&protocol.Event{
		ID:        "ev-2",
		PubKey:    "author-1",
		CreatedAt: 100_000,
		Kind:      protocol.KindIntent,
		Content:   `{"action_id":"a-1"}`,
	})

	// The same action id from another author is not a replay.
	d.Enqueue(&protocol.Event{
		ID:        "ev-3",
		PubKey:    "author-2",
		CreatedAt: 100_000,
		Kind:      protocol.KindIntent,
		Content:   `{"action_id":"a-1"}`,
	})
	sink.wait(t)

	time.Sleep(100 * time.Millisecond)
	intents, _ := sink.counts()
	require.Equal(2, intents)
}

func TestDispatcherDropsStaleEvents(t *testing.T) {
	require := require.New(t)

	clock := &mockable.Clock{}
	clock.Set(time.Unix(100_000, 0))
	sink := newTestSink()
	d, _ := newTestDispatcher(t, sink, clock)

	// Eleven minutes old.
	d.Enqueue(&protocol.Event{
		ID:        "ev-old",
		PubKey:    "author-1",
		CreatedAt: 100_000 - 660,
		Kind:      protocol.KindIntent,
		Content:   `{"action_id":"a-old"}`,
	})
	// Six minutes in the future.
	d.Enqueue(&protocol.Event{
		ID:        "ev-future",
		PubKey:    "author-1",
		CreatedAt: 100_000 + 360,
		Kind:      protocol.KindIntent,
		Content:   `{"action_id":"a-future"}`,
	})
	// In the freshness window.
	d.Enqueue(&protocol.Event{
		ID:        "ev-fresh",
		PubKey:    "author-1",
		CreatedAt: 100_000 - 60,
		Kind:      protocol.KindIntent,
		Content:   `{"action_id":"a-fresh"}`,
	})
	sink.wait(t)

	intents, _ := sink.counts()
	require.Equal(1, intents)
	require.Equal("ev-fresh", sink.intents[0].ID)
}
