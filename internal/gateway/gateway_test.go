package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changelog"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/MarcoPoloResearchLab/cowrite/internal/conflicts"
	"github.com/MarcoPoloResearchLab/cowrite/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/internal/presence"
	"github.com/MarcoPoloResearchLab/cowrite/internal/pubsub"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testDocumentID = changes.DocumentID("doc-1")
	aliceID        = changes.UserID("alice")
	bobID          = changes.UserID("bob")
	malloryID      = changes.UserID("mallory")
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu               sync.Mutex
	documents        map[changes.DocumentID]documents.Snapshot
	members          map[changes.DocumentID]map[changes.UserID]bool
	versionConflicts int
	blockReads       bool
	updates          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: map[changes.DocumentID]documents.Snapshot{},
		members:   map[changes.DocumentID]map[changes.UserID]bool{},
	}
}

func (s *fakeStore) put(documentID changes.DocumentID, content string, members ...changes.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[documentID] = documents.Snapshot{DocumentID: documentID.String(), Content: content, Version: 1}
	s.grantLocked(documentID, members...)
}

func (s *fakeStore) grant(documentID changes.DocumentID, members ...changes.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantLocked(documentID, members...)
}

func (s *fakeStore) grantLocked(documentID changes.DocumentID, members ...changes.UserID) {
	if s.members[documentID] == nil {
		s.members[documentID] = map[changes.UserID]bool{}
	}
	for _, member := range members {
		s.members[documentID][member] = true
	}
}

func (s *fakeStore) snapshot(documentID changes.DocumentID) documents.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documents[documentID]
}

func (s *fakeStore) Get(ctx context.Context, documentID changes.DocumentID) (documents.Snapshot, error) {
	s.mu.Lock()
	blocked := s.blockReads
	snapshot, ok := s.documents[documentID]
	s.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return documents.Snapshot{}, ctx.Err()
	}
	if !ok {
		return documents.Snapshot{}, documents.ErrDocumentNotFound
	}
	return snapshot, nil
}

func (s *fakeStore) Update(_ context.Context, documentID changes.DocumentID, content string, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.documents[documentID]
	if !ok {
		return 0, documents.ErrDocumentNotFound
	}
	if s.versionConflicts > 0 {
		s.versionConflicts--
		snapshot.Version++
		s.documents[documentID] = snapshot
		return 0, documents.ErrVersionConflict
	}
	if snapshot.Version != expectedVersion {
		return 0, documents.ErrVersionConflict
	}
	snapshot.Content = content
	snapshot.Version++
	s.documents[documentID] = snapshot
	s.updates++
	return snapshot.Version, nil
}

func (s *fakeStore) CanAccess(_ context.Context, userID changes.UserID, documentID changes.DocumentID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[documentID][userID] {
		return true, nil
	}
	if _, ok := s.documents[documentID]; !ok {
		return false, documents.ErrDocumentNotFound
	}
	return false, nil
}

type fakeTokens map[string]changes.UserID

func (tokens fakeTokens) ValidateToken(token string) (auth.SessionClaims, error) {
	userID, ok := tokens[token]
	if !ok {
		return auth.SessionClaims{}, errors.New("invalid token")
	}
	return auth.SessionClaims{UserID: userID.String(), UserDisplayName: "User " + userID.String()}, nil
}

var testTokens = fakeTokens{
	"alice-token":   aliceID,
	"bob-token":     bobID,
	"mallory-token": malloryID,
}

type harness struct {
	gateway  *Gateway
	store    *fakeStore
	log      *changelog.MemoryLog
	registry *presence.Registry
	pending  *conflicts.PendingSet
	logs     *observer.ObservedLogs
}

type harnessOptions struct {
	strategy     conflicts.Strategy
	storeTimeout time.Duration
	hubBuffer    int
	wrapLog      func(changelog.Log) changelog.Log
	wrapBus      func(pubsub.Bus) pubsub.Bus
}

func newHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()
	store := newFakeStore()
	store.put(testDocumentID, "Hello world", aliceID, bobID)

	log, err := changelog.NewMemoryLog(changelog.Retention{MaxEntries: 100, TTL: time.Hour})
	if err != nil {
		t.Fatalf("memory log: %v", err)
	}
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	registry := presence.NewRegistry()
	pending := conflicts.NewPendingSet()

	var gatewayLog changelog.Log = log
	if options.wrapLog != nil {
		gatewayLog = options.wrapLog(log)
	}
	var bus pubsub.Bus = pubsub.NewLocalBus(0)
	if options.wrapBus != nil {
		bus = options.wrapBus(bus)
	}
	hubBuffer := options.hubBuffer
	if hubBuffer == 0 {
		hubBuffer = 256
	}

	gateway, err := New(Config{
		Store:        store,
		Access:       store,
		Tokens:       testTokens,
		Log:          gatewayLog,
		Bus:          bus,
		Hub:          pubsub.NewHub(hubBuffer, logger),
		Registry:     registry,
		Pending:      pending,
		Strategy:     options.strategy,
		StoreTimeout: options.storeTimeout,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = gateway.Relay(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-relayDone
	})

	return &harness{gateway: gateway, store: store, log: log, registry: registry, pending: pending, logs: logs}
}

func (h *harness) join(t *testing.T, token string) (*Session, JoinResult) {
	t.Helper()
	session := NewSession()
	result, err := h.gateway.Join(context.Background(), session, testDocumentID.String(), token)
	if err != nil {
		t.Fatalf("join with %s: %v", token, err)
	}
	return session, result
}

func insertAt(position int, content string, timestamp time.Time) changes.DocumentChange {
	return changes.DocumentChange{Timestamp: timestamp, Op: changes.Insert{Position: position, Content: content}}
}

func deleteAt(position, length int, timestamp time.Time) changes.DocumentChange {
	return changes.DocumentChange{Timestamp: timestamp, Op: changes.Delete{Position: position, Length: length}}
}

func expectCode(t *testing.T, err error, want Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

// receiveType waits for the next event of eventType, skipping other types.
func receiveType(t *testing.T, stream <-chan pubsub.Event, eventType string) pubsub.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-stream:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("expected %s event within deadline", eventType)
			return pubsub.Event{}
		}
	}
}

func expectNoType(t *testing.T, stream <-chan pubsub.Event, eventType string) {
	t.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case event := <-stream:
			if event.Type == eventType {
				t.Fatalf("did not expect %s event, got %s", eventType, event.Payload)
			}
		case <-deadline:
			return
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
	store := newFakeStore()
	log, _ := changelog.NewMemoryLog(changelog.Retention{MaxEntries: 1, TTL: time.Minute})
	_, err := New(Config{Store: store, Access: store, Tokens: testTokens, Log: log, Bus: pubsub.NewLocalBus(0), Strategy: "first-writer-wins"})
	if !errors.Is(err, conflicts.ErrUnknownStrategy) {
		t.Fatalf("expected unknown strategy error, got %v", err)
	}
}

func TestJoinReturnsSnapshotAndAnnouncesPresence(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, aliceJoin := h.join(t, "alice-token")
	if aliceJoin.Snapshot.Content != "Hello world" || aliceJoin.Snapshot.Version != 1 {
		t.Fatalf("unexpected snapshot %+v", aliceJoin.Snapshot)
	}
	if aliceJoin.Self.Color != presence.ColorFor(aliceID) {
		t.Fatalf("expected deterministic colour, got %q", aliceJoin.Self.Color)
	}
	if alice.State() != StateJoined || alice.DocumentID() != testDocumentID {
		t.Fatalf("unexpected session state %s", alice.State())
	}

	_, bobJoin := h.join(t, "bob-token")
	if len(bobJoin.Presence) != 2 {
		t.Fatalf("expected two collaborators, got %+v", bobJoin.Presence)
	}

	event := receiveType(t, alice.Events(), MessagePresenceJoined)
	var message presenceJoinedMessage
	if err := json.Unmarshal(event.Payload, &message); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if message.Presence.UserID != bobID || message.Presence.DisplayName != "User bob" {
		t.Fatalf("unexpected presence payload %+v", message.Presence)
	}
}

func TestJoinRejectsUnauthorizedUser(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")

	mallory := NewSession()
	_, err := h.gateway.Join(context.Background(), mallory, testDocumentID.String(), "mallory-token")
	expectCode(t, err, CodeUnauthorized)

	if mallory.State() != StateUnauthenticated {
		t.Fatalf("rejected session must stay unauthenticated, got %s", mallory.State())
	}
	if mallory.Events() != nil {
		t.Fatalf("rejected session must not be subscribed")
	}
	if h.registry.IsPresent(testDocumentID, malloryID) {
		t.Fatalf("rejected user must not appear in presence")
	}
	expectNoType(t, alice.Events(), MessagePresenceJoined)
}

func TestJoinRejectsInvalidTokenAndMissingDocument(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.gateway.Join(context.Background(), NewSession(), testDocumentID.String(), "forged")
	expectCode(t, err, CodeUnauthorized)

	_, err = h.gateway.Join(context.Background(), NewSession(), "unknown", "alice-token")
	expectCode(t, err, CodeNotFound)

	h.store.grant("ghost", aliceID)
	_, err = h.gateway.Join(context.Background(), NewSession(), "ghost", "alice-token")
	expectCode(t, err, CodeNotFound)
	if h.registry.IsPresent("ghost", aliceID) {
		t.Fatalf("failed join must not register presence")
	}
}

func TestJoinTwiceIsInvalid(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")

	_, err := h.gateway.Join(context.Background(), alice, testDocumentID.String(), "alice-token")
	expectCode(t, err, CodeInvalidRequest)
	if alice.State() != StateJoined {
		t.Fatalf("second join must not disturb the joined session, got %s", alice.State())
	}
}

func TestApplyChangeRequiresJoinedSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.gateway.ApplyChange(context.Background(), NewSession(), insertAt(0, "x", baseTime))
	expectCode(t, err, CodeInvalidRequest)
}

func TestApplyChangeRejectsMalformedChange(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")

	_, err := h.gateway.ApplyChange(context.Background(), alice, deleteAt(0, 0, baseTime))
	expectCode(t, err, CodeInvalidRequest)

	foreign := insertAt(0, "x", baseTime)
	foreign.DocumentID = "doc-2"
	_, err = h.gateway.ApplyChange(context.Background(), alice, foreign)
	expectCode(t, err, CodeInvalidRequest)
}

func TestApplyChangeTransformsAgainstHistoryAndBroadcasts(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	first, err := h.gateway.ApplyChange(context.Background(), alice, insertAt(0, ">", baseTime))
	if err != nil {
		t.Fatalf("alice change: %v", err)
	}
	if first.Version != 2 || first.Change.Author != aliceID || first.Change.ID == "" {
		t.Fatalf("unexpected first result %+v", first)
	}

	// Bob authored against "Hello world" without seeing alice's insert.
	second, err := h.gateway.ApplyChange(context.Background(), bob, insertAt(5, ",", baseTime.Add(time.Second)))
	if err != nil {
		t.Fatalf("bob change: %v", err)
	}
	if second.Change.Position() != 6 || second.Version != 3 {
		t.Fatalf("expected transformed position 6 at version 3, got %d at %d", second.Change.Position(), second.Version)
	}
	if content := h.store.snapshot(testDocumentID).Content; content != ">Hello, world" {
		t.Fatalf("unexpected content %q", content)
	}

	event := receiveType(t, alice.Events(), MessageChangeBroadcast)
	var message changeBroadcastMessage
	if err := json.Unmarshal(event.Payload, &message); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if message.Change.ID != second.Change.ID || message.Change.Position() != 6 || message.Version != 3 {
		t.Fatalf("unexpected broadcast %+v", message)
	}

	// Bob only ever hears alice's change, never his own.
	bobEvent := receiveType(t, bob.Events(), MessageChangeBroadcast)
	if err := json.Unmarshal(bobEvent.Payload, &message); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if message.Change.ID != first.Change.ID {
		t.Fatalf("bob received unexpected change %+v", message.Change)
	}
	expectNoType(t, bob.Events(), MessageChangeBroadcast)

	history, err := h.log.Recent(context.Background(), testDocumentID)
	if err != nil || len(history) != 2 {
		t.Fatalf("expected two logged changes, got %d (%v)", len(history), err)
	}
}

func TestApplyChangeAcknowledgesDuplicates(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")

	change := insertAt(0, "x", baseTime)
	change.ID = "change-1"
	first, err := h.gateway.ApplyChange(context.Background(), alice, change)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := h.gateway.ApplyChange(context.Background(), alice, change)
	if err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	if !second.Duplicate || second.Version != first.Version {
		t.Fatalf("expected duplicate ack at version %d, got %+v", first.Version, second)
	}
	if content := h.store.snapshot(testDocumentID).Content; content != "xHello world" {
		t.Fatalf("duplicate must not be re-applied, got %q", content)
	}
}

// failingLog fails the next failures appends once armed.
type failingLog struct {
	changelog.Log
	mu       sync.Mutex
	failures int
}

func (l *failingLog) failNext(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = count
}

func (l *failingLog) Append(ctx context.Context, change changes.DocumentChange) error {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return errors.New("log unavailable")
	}
	l.mu.Unlock()
	return l.Log.Append(ctx, change)
}

// failingBus fails the next failures publishes once armed.
type failingBus struct {
	pubsub.Bus
	mu       sync.Mutex
	failures int
}

func (b *failingBus) failNext(count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = count
}

func (b *failingBus) Publish(ctx context.Context, event pubsub.Event) error {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.New("bus unavailable")
	}
	b.mu.Unlock()
	return b.Bus.Publish(ctx, event)
}

func decodeChangeBroadcast(t *testing.T, event pubsub.Event) changeBroadcastMessage {
	t.Helper()
	var message changeBroadcastMessage
	if err := json.Unmarshal(event.Payload, &message); err != nil {
		t.Fatalf("decode change broadcast: %v", err)
	}
	return message
}

func TestApplyChangeRollsBackWhenLogAppendFails(t *testing.T) {
	flaky := &failingLog{}
	h := newHarness(t, harnessOptions{wrapLog: func(log changelog.Log) changelog.Log {
		flaky.Log = log
		return flaky
	}})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	change := insertAt(0, "X", baseTime)
	change.ID = "c1"
	flaky.failNext(1)
	_, err := h.gateway.ApplyChange(context.Background(), alice, change)
	expectCode(t, err, CodeStoreUnavailable)
	if snapshot := h.store.snapshot(testDocumentID); snapshot.Content != "Hello world" {
		t.Fatalf("failed change must be rolled back, got %+v", snapshot)
	}
	expectNoType(t, bob.Events(), MessageChangeBroadcast)

	result, err := h.gateway.ApplyChange(context.Background(), alice, change)
	if err != nil {
		t.Fatalf("resubmitted change: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("resubmission after rollback must be applied, got duplicate ack")
	}
	snapshot := h.store.snapshot(testDocumentID)
	if snapshot.Content != "XHello world" || snapshot.Version != result.Version {
		t.Fatalf("expected change applied exactly once, got %+v (ack version %d)", snapshot, result.Version)
	}
	broadcast := decodeChangeBroadcast(t, receiveType(t, bob.Events(), MessageChangeBroadcast))
	if broadcast.Change.ID != "c1" || broadcast.Version != result.Version {
		t.Fatalf("unexpected broadcast %+v", broadcast)
	}
}

func TestApplyChangeRollsBackWhenBroadcastFails(t *testing.T) {
	flaky := &failingBus{}
	h := newHarness(t, harnessOptions{wrapBus: func(bus pubsub.Bus) pubsub.Bus {
		flaky.Bus = bus
		return flaky
	}})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	change := insertAt(0, "X", baseTime)
	change.ID = "c1"
	flaky.failNext(1)
	_, err := h.gateway.ApplyChange(context.Background(), alice, change)
	expectCode(t, err, CodeStoreUnavailable)
	history, err := h.log.Recent(context.Background(), testDocumentID)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("unbroadcast change must leave the log, got %+v", history)
	}
	if snapshot := h.store.snapshot(testDocumentID); snapshot.Content != "Hello world" {
		t.Fatalf("failed change must be rolled back, got %+v", snapshot)
	}

	result, err := h.gateway.ApplyChange(context.Background(), alice, change)
	if err != nil {
		t.Fatalf("resubmitted change: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("resubmission after rollback must be applied, got duplicate ack")
	}
	if content := h.store.snapshot(testDocumentID).Content; content != "XHello world" {
		t.Fatalf("expected change applied exactly once, got %q", content)
	}
	broadcast := decodeChangeBroadcast(t, receiveType(t, bob.Events(), MessageChangeBroadcast))
	if broadcast.Change.ID != "c1" {
		t.Fatalf("peer must receive the resubmitted change, got %+v", broadcast)
	}
}

func TestApplyChangeEvictsSessionThatCannotKeepUp(t *testing.T) {
	h := newHarness(t, harnessOptions{hubBuffer: 1})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	// bob joining fills alice's buffer with presence-joined.
	if _, err := h.gateway.ApplyChange(context.Background(), bob, insertAt(0, "a", baseTime)); err != nil {
		t.Fatalf("bob change: %v", err)
	}

	waitUntil := time.Now().Add(time.Second)
	for h.gateway.hub.SessionCount(testDocumentID) != 1 {
		if time.Now().After(waitUntil) {
			t.Fatal("expected the lagging session to be evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case event, ok := <-alice.Events():
			if !ok {
				h.gateway.Leave(context.Background(), alice)
				if h.registry.IsPresent(testDocumentID, aliceID) {
					t.Fatalf("evicted session must leave presence once released")
				}
				return
			}
			if event.Type == MessageChangeBroadcast {
				t.Fatalf("change must not fit a full buffer")
			}
		case <-deadline:
			t.Fatal("expected the lagging stream to be closed")
		}
	}
}

func TestApplyChangeRejectsOlderOverlappingEdit(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	if _, err := h.gateway.ApplyChange(context.Background(), alice, deleteAt(0, 5, baseTime.Add(500*time.Millisecond))); err != nil {
		t.Fatalf("alice delete: %v", err)
	}
	_, err := h.gateway.ApplyChange(context.Background(), bob, insertAt(2, "ab", baseTime))
	expectCode(t, err, CodeConflictRejected)
	var gatewayErr *Error
	if !errors.As(err, &gatewayErr) || gatewayErr.ConflictID() == "" {
		t.Fatalf("expected conflict id on rejection, got %v", err)
	}
	if snapshot := h.store.snapshot(testDocumentID); snapshot.Content != " world" || snapshot.Version != 2 {
		t.Fatalf("rejected change must not be applied, got %+v", snapshot)
	}
}

func TestApplyChangeAcceptsNewerOverlappingEdit(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	if _, err := h.gateway.ApplyChange(context.Background(), alice, deleteAt(6, 5, baseTime)); err != nil {
		t.Fatalf("alice delete: %v", err)
	}
	result, err := h.gateway.ApplyChange(context.Background(), bob, insertAt(6, "there", baseTime.Add(time.Second)))
	if err != nil {
		t.Fatalf("newer overlapping edit should win: %v", err)
	}
	if result.Version != 3 {
		t.Fatalf("unexpected version %d", result.Version)
	}
	if content := h.store.snapshot(testDocumentID).Content; content != "Hello there" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestApplyChangeIgnoresOwnAndDistantHistory(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	if _, err := h.gateway.ApplyChange(context.Background(), alice, deleteAt(0, 5, baseTime.Add(time.Hour))); err != nil {
		t.Fatalf("alice delete: %v", err)
	}
	if _, err := h.gateway.ApplyChange(context.Background(), alice, insertAt(0, "Hi", baseTime)); err != nil {
		t.Fatalf("own history must never conflict: %v", err)
	}
	if _, err := h.gateway.ApplyChange(context.Background(), bob, insertAt(3, "!", baseTime)); err != nil {
		t.Fatalf("edits outside the window must not conflict: %v", err)
	}
}

func TestManualStrategyParksAndResolvesConflict(t *testing.T) {
	h := newHarness(t, harnessOptions{strategy: conflicts.StrategyManual})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	if _, err := h.gateway.ApplyChange(context.Background(), alice, deleteAt(0, 5, baseTime)); err != nil {
		t.Fatalf("alice delete: %v", err)
	}
	_, err := h.gateway.ApplyChange(context.Background(), bob, insertAt(2, "ab", baseTime.Add(time.Second)))
	expectCode(t, err, CodeConflictPending)
	var gatewayErr *Error
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected gateway error, got %T", err)
	}

	pending, err := h.gateway.PendingConflicts(context.Background(), bobID, testDocumentID)
	if err != nil || len(pending) != 1 || pending[0].ID != gatewayErr.ConflictID() {
		t.Fatalf("expected the parked conflict, got %+v (%v)", pending, err)
	}
	if snapshot := h.store.snapshot(testDocumentID); snapshot.Version != 2 {
		t.Fatalf("pending change must not be applied, got version %d", snapshot.Version)
	}

	_, err = h.gateway.ResolvePending(context.Background(), bobID, testDocumentID, gatewayErr.ConflictID(), conflicts.Resolution{Strategy: conflicts.StrategyManual})
	expectCode(t, err, CodeInvalidRequest)
	if len(h.pending.List(testDocumentID)) != 1 {
		t.Fatalf("invalid resolution must leave the conflict pending")
	}

	results, err := h.gateway.ResolvePending(context.Background(), bobID, testDocumentID, gatewayErr.ConflictID(), conflicts.Resolution{
		Strategy:         conflicts.StrategyManual,
		ManualOperations: []changes.DocumentChange{insertAt(0, "Hey", baseTime.Add(2*time.Second))},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(results) != 1 || results[0].Version != 3 || results[0].Change.Author != bobID {
		t.Fatalf("unexpected resolution results %+v", results)
	}
	if content := h.store.snapshot(testDocumentID).Content; content != "Hey world" {
		t.Fatalf("unexpected content %q", content)
	}
	if len(h.pending.List(testDocumentID)) != 0 {
		t.Fatalf("resolved conflict must leave the pending set")
	}

	_, err = h.gateway.ResolvePending(context.Background(), bobID, testDocumentID, gatewayErr.ConflictID(), conflicts.Resolution{Strategy: conflicts.StrategyLastWriterWins})
	expectCode(t, err, CodeNotFound)
}

func TestResolvePendingLastWriterSkipsLoggedWinner(t *testing.T) {
	h := newHarness(t, harnessOptions{strategy: conflicts.StrategyManual})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	if _, err := h.gateway.ApplyChange(context.Background(), alice, deleteAt(0, 5, baseTime.Add(time.Second))); err != nil {
		t.Fatalf("alice delete: %v", err)
	}
	_, err := h.gateway.ApplyChange(context.Background(), bob, insertAt(2, "ab", baseTime))
	var gatewayErr *Error
	if !errors.As(err, &gatewayErr) || gatewayErr.Code() != CodeConflictPending {
		t.Fatalf("expected pending conflict, got %v", err)
	}

	results, err := h.gateway.ResolvePending(context.Background(), aliceID, testDocumentID, gatewayErr.ConflictID(), conflicts.Resolution{Strategy: conflicts.StrategyLastWriterWins})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("logged winner must not be re-applied, got %+v", results)
	}
	if snapshot := h.store.snapshot(testDocumentID); snapshot.Version != 2 {
		t.Fatalf("unexpected version %d", snapshot.Version)
	}
}

func TestApplyChangeConcurrentWritersIncrementVersion(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	const writers = 20

	sessions := make([]*Session, writers)
	for index := range sessions {
		sessions[index], _ = h.join(t, "alice-token")
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for index, session := range sessions {
		wg.Add(1)
		go func(index int, session *Session) {
			defer wg.Done()
			change := insertAt(0, "a", time.Time{})
			change.ID = fmt.Sprintf("change-%02d", index)
			if _, err := h.gateway.ApplyChange(context.Background(), session, change); err != nil {
				errs <- err
			}
		}(index, session)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent apply: %v", err)
	}

	snapshot := h.store.snapshot(testDocumentID)
	if snapshot.Version != 1+writers {
		t.Fatalf("expected version %d, got %d", 1+writers, snapshot.Version)
	}
	if len(snapshot.Content) != len("Hello world")+writers {
		t.Fatalf("expected %d inserted characters, got %q", writers, snapshot.Content)
	}
	if h.gateway.locks.size() != 0 {
		t.Fatalf("document locks must be released")
	}
}

func TestApplyChangeRetriesAfterVersionConflict(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")
	h.store.mu.Lock()
	h.store.versionConflicts = 2
	h.store.mu.Unlock()

	result, err := h.gateway.ApplyChange(context.Background(), alice, insertAt(0, "x", baseTime))
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if result.Version != 4 {
		t.Fatalf("expected version 4 after two lost races, got %d", result.Version)
	}

	h.store.mu.Lock()
	h.store.versionConflicts = maxPersistAttempts
	h.store.mu.Unlock()
	_, err = h.gateway.ApplyChange(context.Background(), alice, insertAt(0, "y", baseTime))
	expectCode(t, err, CodeStoreUnavailable)
}

func TestApplyChangeStoreTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{storeTimeout: 20 * time.Millisecond})
	alice, _ := h.join(t, "alice-token")

	h.store.mu.Lock()
	h.store.blockReads = true
	h.store.mu.Unlock()

	started := time.Now()
	_, err := h.gateway.ApplyChange(context.Background(), alice, insertAt(0, "x", baseTime))
	expectCode(t, err, CodeStoreUnavailable)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded cause, got %v", err)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("store timeout not enforced")
	}
	if h.logs.FilterMessage("gateway error").Len() == 0 {
		t.Fatalf("expected store failure to be logged")
	}
}

func TestLeaveKeepsUserWhileAnotherSessionRemains(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	observerSession, _ := h.join(t, "bob-token")
	firstTab, _ := h.join(t, "alice-token")
	secondTab, _ := h.join(t, "alice-token")

	h.gateway.Leave(context.Background(), firstTab)
	if !h.registry.IsPresent(testDocumentID, aliceID) {
		t.Fatalf("second tab must keep alice present")
	}
	expectNoType(t, observerSession.Events(), MessagePresenceLeft)

	h.gateway.Leave(context.Background(), secondTab)
	event := receiveType(t, observerSession.Events(), MessagePresenceLeft)
	var message presenceLeftMessage
	if err := json.Unmarshal(event.Payload, &message); err != nil || message.UserID != aliceID {
		t.Fatalf("unexpected presence-left payload %s (%v)", event.Payload, err)
	}
	if secondTab.State() != StateUnauthenticated {
		t.Fatalf("left session must reset, got %s", secondTab.State())
	}
}

func TestUpdateCursorBroadcastsToOthers(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")
	bob, _ := h.join(t, "bob-token")

	if err := h.gateway.UpdateCursor(context.Background(), alice, presence.CursorPosition{Line: 2, Character: 7}); err != nil {
		t.Fatalf("update cursor: %v", err)
	}
	event := receiveType(t, bob.Events(), MessageCursorBroadcast)
	var message cursorBroadcastMessage
	if err := json.Unmarshal(event.Payload, &message); err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if message.UserID != aliceID || message.Cursor.Line != 2 || message.Cursor.DocumentID != testDocumentID {
		t.Fatalf("unexpected cursor broadcast %+v", message)
	}
	expectNoType(t, alice.Events(), MessageCursorBroadcast)

	members, err := h.gateway.Presence(context.Background(), bobID, testDocumentID)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	for _, member := range members {
		if member.UserID == aliceID && (member.Cursor == nil || member.Cursor.Character != 7) {
			t.Fatalf("cursor not recorded: %+v", member)
		}
	}

	err = h.gateway.UpdateCursor(context.Background(), alice, presence.CursorPosition{Line: -1})
	expectCode(t, err, CodeInvalidRequest)
}

func TestReadOperationsRequireAccess(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice, _ := h.join(t, "alice-token")
	if _, err := h.gateway.ApplyChange(context.Background(), alice, insertAt(0, "x", baseTime)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, err := h.gateway.Snapshot(context.Background(), malloryID, testDocumentID)
	expectCode(t, err, CodeUnauthorized)
	_, err = h.gateway.ChangesSince(context.Background(), malloryID, testDocumentID, time.Time{})
	expectCode(t, err, CodeUnauthorized)

	entries, err := h.gateway.ChangesSince(context.Background(), bobID, testDocumentID, baseTime.Add(-time.Second))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one change since base time, got %d (%v)", len(entries), err)
	}
	entries, err = h.gateway.ChangesSince(context.Background(), bobID, testDocumentID, baseTime)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected no changes strictly after base time, got %d (%v)", len(entries), err)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	locks := newKeyedMutex()
	unlock := locks.Lock("a")

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("a")
		close(acquired)
		release()
	}()
	otherDone := make(chan struct{})
	go func() {
		release := locks.Lock("b")
		release()
		close(otherDone)
	}()

	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatalf("different keys must not block each other")
	}
	select {
	case <-acquired:
		t.Fatalf("same key acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("waiter not released")
	}
}
