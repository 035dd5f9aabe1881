package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

type cursorPayload struct {
	Line int `json:"line"`
}

func mustEvent(t *testing.T, documentID changes.DocumentID, eventType, origin string) Event {
	t.Helper()
	event, err := NewEvent(documentID, eventType, origin, cursorPayload{Line: 4}, time.Now().UTC())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return event
}

func receiveEvent(t *testing.T, stream <-chan Event) Event {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(time.Second):
		t.Fatal("expected event within deadline")
	}
	return Event{}
}

func expectSilence(t *testing.T, stream <-chan Event) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("did not expect event %+v", event)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestHubDeliversToOtherSessions(t *testing.T) {
	hub := NewHub(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authorStream, authorCleanup := hub.Subscribe(ctx, "doc-1", "session-a")
	defer authorCleanup()
	peerStream, peerCleanup := hub.Subscribe(ctx, "doc-1", "session-b")
	defer peerCleanup()
	otherDocStream, otherCleanup := hub.Subscribe(ctx, "doc-2", "session-c")
	defer otherCleanup()

	hub.Deliver(mustEvent(t, "doc-1", EventCursorBroadcast, "session-a"))

	received := receiveEvent(t, peerStream)
	if received.Type != EventCursorBroadcast || string(received.Payload) != `{"line":4}` {
		t.Fatalf("unexpected event %+v", received)
	}
	expectSilence(t, authorStream)
	expectSilence(t, otherDocStream)
}

func TestHubCleanupOnContextCancel(t *testing.T) {
	hub := NewHub(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	hub.Subscribe(ctx, "doc-1", "session-a")
	if hub.SessionCount("doc-1") != 1 {
		t.Fatalf("expected one session")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for hub.SessionCount("doc-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDropsBestEffortEventsForFullBuffer(t *testing.T) {
	hub := NewHub(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := hub.Subscribe(ctx, "doc-1", "session-b")
	defer cleanup()

	hub.Deliver(mustEvent(t, "doc-1", EventCursorBroadcast, "session-a"))
	hub.Deliver(mustEvent(t, "doc-1", EventPresenceLeft, "session-a"))

	if first := receiveEvent(t, stream); first.Type != EventCursorBroadcast {
		t.Fatalf("expected first event to be kept, got %s", first.Type)
	}
	expectSilence(t, stream)
	if hub.SessionCount("doc-1") != 1 {
		t.Fatalf("dropped cursor or presence traffic must not evict the session")
	}
}

func TestHubEvictsSessionThatMissesAChange(t *testing.T) {
	hub := NewHub(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slowStream, slowCleanup := hub.Subscribe(ctx, "doc-1", "session-slow")
	defer slowCleanup()
	peerStream, peerCleanup := hub.Subscribe(ctx, "doc-1", "session-peer")
	defer peerCleanup()

	hub.Deliver(mustEvent(t, "doc-1", EventChangeBroadcast, "session-a"))
	if event := receiveEvent(t, peerStream); event.Type != EventChangeBroadcast {
		t.Fatalf("unexpected peer event %+v", event)
	}
	hub.Deliver(mustEvent(t, "doc-1", EventChangeBroadcast, "session-a"))
	if event := receiveEvent(t, peerStream); event.Type != EventChangeBroadcast {
		t.Fatalf("unexpected peer event %+v", event)
	}

	if event, ok := <-slowStream; !ok || event.Type != EventChangeBroadcast {
		t.Fatalf("expected the buffered change before the stream closes, got %+v %v", event, ok)
	}
	select {
	case _, ok := <-slowStream:
		if ok {
			t.Fatal("expected the slow stream to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the slow stream to be closed")
	}
	if hub.SessionCount("doc-1") != 1 {
		t.Fatalf("expected only the peer to remain subscribed, got %d", hub.SessionCount("doc-1"))
	}

	hub.Deliver(mustEvent(t, "doc-1", EventChangeBroadcast, "session-a"))
	slowCleanup()
}

func TestLocalBusDeliversPublishedEvents(t *testing.T) {
	bus := NewLocalBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan Event, 1)
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, func(event Event) { delivered <- event }) }()

	if err := bus.Publish(context.Background(), mustEvent(t, "doc-1", EventPresenceJoined, "session-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if event := receiveEvent(t, delivered); event.Type != EventPresenceJoined {
		t.Fatalf("unexpected event %+v", event)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := bus.Publish(context.Background(), mustEvent(t, "doc-1", EventPresenceLeft, "")); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := NewRedisBus(client, nil)
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan Event, 4)
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, func(event Event) { delivered <- event }) }()

	select {
	case <-bus.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ready")
	}

	if err := bus.Publish(context.Background(), mustEvent(t, "doc-9", EventChangeBroadcast, "session-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := receiveEvent(t, delivered)
	if event.DocumentID != "doc-9" || event.Type != EventChangeBroadcast || event.OriginSession != "session-a" {
		t.Fatalf("unexpected event %+v", event)
	}

	server.Publish(ChannelFor("doc-9"), "not json")
	expectSilence(t, delivered)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
