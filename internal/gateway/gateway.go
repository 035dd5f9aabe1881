// Package gateway authorizes collaborators and drives every accepted edit
// through transformation, conflict detection, persistence, the change log and
// the per-document broadcast.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/audit"
	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changelog"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/MarcoPoloResearchLab/cowrite/internal/conflicts"
	"github.com/MarcoPoloResearchLab/cowrite/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/internal/ot"
	"github.com/MarcoPoloResearchLab/cowrite/internal/presence"
	"github.com/MarcoPoloResearchLab/cowrite/internal/pubsub"
	"github.com/MarcoPoloResearchLab/cowrite/internal/telemetry"
	"github.com/MarcoPoloResearchLab/cowrite/internal/users"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultStoreTimeout bounds every store, log and bus call.
	DefaultStoreTimeout = 5 * time.Second
	// DefaultConflictWindow is how close in time two edits by different
	// authors must be to count as concurrent.
	DefaultConflictWindow = 2 * time.Second

	maxPersistAttempts = 3
)

// DocumentStore reads and writes authoritative document content.
type DocumentStore interface {
	Get(ctx context.Context, documentID changes.DocumentID) (documents.Snapshot, error)
	Update(ctx context.Context, documentID changes.DocumentID, content string, expectedVersion int64) (int64, error)
}

// AccessChecker decides whether a user may collaborate on a document.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID changes.UserID, documentID changes.DocumentID) (bool, error)
}

// TokenValidator verifies session tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ProfileResolver maps session claims onto canonical user profiles.
type ProfileResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

// Config wires a Gateway. Store, Access, Tokens, Log and Bus are required.
type Config struct {
	Store          DocumentStore
	Access         AccessChecker
	Tokens         TokenValidator
	Profiles       ProfileResolver
	Log            changelog.Log
	Bus            pubsub.Bus
	Hub            *pubsub.Hub
	Registry       *presence.Registry
	Pending        *conflicts.PendingSet
	Audit          audit.Recorder
	Strategy       conflicts.Strategy
	ConflictWindow time.Duration
	StoreTimeout   time.Duration
	Clock          func() time.Time
	NewChangeID    func() string
	Logger         *zap.Logger
}

// Gateway coordinates collaborative editing sessions.
type Gateway struct {
	store          DocumentStore
	access         AccessChecker
	tokens         TokenValidator
	profiles       ProfileResolver
	log            changelog.Log
	bus            pubsub.Bus
	hub            *pubsub.Hub
	registry       *presence.Registry
	pending        *conflicts.PendingSet
	audit          audit.Recorder
	strategy       conflicts.Strategy
	conflictWindow time.Duration
	storeTimeout   time.Duration
	now            func() time.Time
	newChangeID    func() string
	locks          *keyedMutex
	tracer         trace.Tracer
	logger         *zap.Logger
}

// ChangeResult describes an accepted change.
type ChangeResult struct {
	Change    changes.DocumentChange
	Version   int64
	Duplicate bool
}

// JoinResult is what a newly joined session needs to start editing.
type JoinResult struct {
	Snapshot documents.Snapshot
	Presence []presence.UserPresence
	Self     presence.UserPresence
}

// New validates cfg and constructs a Gateway.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("gateway: document store required")
	case cfg.Access == nil:
		return nil, errors.New("gateway: access checker required")
	case cfg.Tokens == nil:
		return nil, errors.New("gateway: token validator required")
	case cfg.Log == nil:
		return nil, errors.New("gateway: change log required")
	case cfg.Bus == nil:
		return nil, errors.New("gateway: bus required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = conflicts.StrategyLastWriterWins
	}
	if _, err := conflicts.ParseStrategy(string(strategy)); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	hub := cfg.Hub
	if hub == nil {
		hub = pubsub.NewHub(0, logger)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = presence.NewRegistry()
	}
	pending := cfg.Pending
	if pending == nil {
		pending = conflicts.NewPendingSet()
	}
	recorder := cfg.Audit
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	window := cfg.ConflictWindow
	if window <= 0 {
		window = DefaultConflictWindow
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newChangeID := cfg.NewChangeID
	if newChangeID == nil {
		newChangeID = newUUIDv7
	}

	return &Gateway{
		store:          cfg.Store,
		access:         cfg.Access,
		tokens:         cfg.Tokens,
		profiles:       cfg.Profiles,
		log:            cfg.Log,
		bus:            cfg.Bus,
		hub:            hub,
		registry:       registry,
		pending:        pending,
		audit:          recorder,
		strategy:       strategy,
		conflictWindow: window,
		storeTimeout:   timeout,
		now:            clock,
		newChangeID:    newChangeID,
		locks:          newKeyedMutex(),
		tracer:         telemetry.Tracer(),
		logger:         logger,
	}, nil
}

// Relay feeds bus events to the local sessions until ctx is cancelled.
func (g *Gateway) Relay(ctx context.Context) error {
	return g.bus.Run(ctx, g.hub.Deliver)
}

// Join authenticates token, authorizes the user for documentID and subscribes
// session to the document broadcast. A rejected join leaves the session
// unauthenticated with no presence recorded and nothing broadcast.
func (g *Gateway) Join(ctx context.Context, session *Session, documentID, token string) (JoinResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.join", trace.WithAttributes(
		attribute.String("session.id", session.ID()),
		attribute.String("document.id", documentID),
	))
	defer span.End()

	if session.State() == StateJoined {
		err := newError(CodeInvalidRequest, "session already joined a document", nil)
		recordSpanError(span, err)
		return JoinResult{}, err
	}
	result, err := g.join(ctx, session, documentID, token)
	if err != nil {
		session.reset()
		recordSpanError(span, err)
		return JoinResult{}, err
	}
	return result, nil
}

func (g *Gateway) join(ctx context.Context, session *Session, rawDocumentID, token string) (JoinResult, error) {
	documentID, err := changes.NewDocumentID(rawDocumentID)
	if err != nil {
		return JoinResult{}, newError(CodeInvalidRequest, "invalid document id", err)
	}

	claims, err := g.tokens.ValidateToken(token)
	if err != nil {
		return JoinResult{}, newError(CodeUnauthorized, "invalid session token", err)
	}
	profile, userID, err := g.identify(ctx, claims)
	if err != nil {
		return JoinResult{}, err
	}
	session.authenticate(userID, profile.DisplayName)

	if err := g.authorize(ctx, userID, documentID); err != nil {
		return JoinResult{}, err
	}
	session.authorize(documentID)

	// Subscribe before reading the snapshot so no broadcast falls in between.
	subscriptionCtx, cancelSubscription := context.WithCancel(context.Background())
	events, release := g.hub.Subscribe(subscriptionCtx, documentID, session.ID())
	unsubscribe := func() {
		release()
		cancelSubscription()
	}
	snapshot, err := g.snapshot(ctx, documentID)
	if err != nil {
		unsubscribe()
		return JoinResult{}, err
	}

	self, isNew := g.registry.Join(documentID, userID, profile.DisplayName)
	session.join(events, unsubscribe)
	if isNew {
		g.publish(ctx, documentID, session.ID(), MessagePresenceJoined, presenceJoinedMessage{
			Type:     MessagePresenceJoined,
			Presence: self,
		})
	}

	g.logger.Info("session joined document",
		zap.String("session_id", session.ID()),
		zap.String("document_id", documentID.String()),
		zap.String("user_id", userID.String()),
	)
	return JoinResult{
		Snapshot: snapshot,
		Presence: g.registry.Members(documentID),
		Self:     self,
	}, nil
}

// Identify maps validated claims onto the user id used for access checks.
func (g *Gateway) Identify(ctx context.Context, claims auth.SessionClaims) (changes.UserID, error) {
	_, userID, err := g.identify(ctx, claims)
	return userID, err
}

func (g *Gateway) identify(ctx context.Context, claims auth.SessionClaims) (users.Profile, changes.UserID, error) {
	profile := g.resolveProfile(ctx, claims)
	userID, err := changes.NewUserID(profile.UserID)
	if err != nil {
		return users.Profile{}, "", newError(CodeUnauthorized, "invalid session subject", err)
	}
	return profile, userID, nil
}

// Leave detaches session from its document. The user disappears from
// presence once their last session leaves.
func (g *Gateway) Leave(ctx context.Context, session *Session) {
	userID, documentID, unsubscribe, wasJoined := session.leave()
	if !wasJoined {
		return
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if g.registry.Leave(documentID, userID) {
		g.publish(ctx, documentID, session.ID(), MessagePresenceLeft, presenceLeftMessage{
			Type:   MessagePresenceLeft,
			UserID: userID,
		})
	}
}

// UpdateCursor records the caret of a joined session and broadcasts it.
func (g *Gateway) UpdateCursor(ctx context.Context, session *Session, cursor presence.CursorPosition) error {
	userID, documentID, ok := session.joined()
	if !ok {
		return newError(CodeInvalidRequest, "join a document before sending cursor updates", nil)
	}
	if cursor.Line < 0 || cursor.Character < 0 {
		return newError(CodeInvalidRequest, "cursor coordinates must be non-negative", nil)
	}
	if cursor.DocumentID != "" && cursor.DocumentID != documentID {
		return newError(CodeInvalidRequest, "cursor targets another document", nil)
	}
	cursor.DocumentID = documentID
	if cursor.Timestamp.IsZero() {
		cursor.Timestamp = g.now().UTC()
	}
	if !g.registry.UpdateCursor(documentID, userID, cursor) {
		return newError(CodeInvalidRequest, "user is not present on the document", nil)
	}
	g.publish(ctx, documentID, session.ID(), MessageCursorBroadcast, cursorBroadcastMessage{
		Type:   MessageCursorBroadcast,
		UserID: userID,
		Cursor: cursor,
	})
	return nil
}

// ApplyChange runs change from a joined session through the editing pipeline.
func (g *Gateway) ApplyChange(ctx context.Context, session *Session, change changes.DocumentChange) (ChangeResult, error) {
	userID, documentID, ok := session.joined()
	if !ok {
		return ChangeResult{}, newError(CodeInvalidRequest, "join a document before sending changes", nil)
	}
	ctx, span := g.tracer.Start(ctx, "gateway.apply_change", trace.WithAttributes(
		attribute.String("session.id", session.ID()),
		attribute.String("document.id", documentID.String()),
		attribute.String("user.id", userID.String()),
		attribute.String("change.type", string(change.Type())),
	))
	defer span.End()

	result, err := g.applyChange(ctx, session.ID(), userID, documentID, change)
	if err != nil {
		recordSpanError(span, err)
		return ChangeResult{}, err
	}
	span.SetAttributes(attribute.Int64("document.version", result.Version))
	return result, nil
}

func (g *Gateway) applyChange(ctx context.Context, originSession string, userID changes.UserID, documentID changes.DocumentID, change changes.DocumentChange) (ChangeResult, error) {
	if change.DocumentID != "" && change.DocumentID != documentID {
		return ChangeResult{}, newError(CodeInvalidRequest, "change targets another document", nil)
	}
	change.DocumentID = documentID
	change.Author = userID
	change = g.stamp(change)
	if err := change.Validate(); err != nil {
		return ChangeResult{}, newError(CodeInvalidRequest, "invalid change", err)
	}
	if err := g.authorize(ctx, userID, documentID); err != nil {
		return ChangeResult{}, err
	}

	unlock := g.locks.Lock(documentID)
	defer unlock()

	for attempt := 1; attempt <= maxPersistAttempts; attempt++ {
		history, err := g.recent(ctx, documentID)
		if err != nil {
			return ChangeResult{}, err
		}
		if changelog.Contains(history, change.ID) {
			return g.duplicate(ctx, documentID, history, change.ID)
		}

		transformed := ot.TransformAgainst(history, change)
		if err := g.checkConflicts(history, transformed); err != nil {
			return ChangeResult{}, err
		}

		result, err := g.persist(ctx, originSession, transformed)
		if errors.Is(err, documents.ErrVersionConflict) {
			g.logger.Debug("retrying change after concurrent write",
				zap.String("document_id", documentID.String()),
				zap.String("change_id", change.ID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return ChangeResult{}, err
		}
		return result, nil
	}
	return ChangeResult{}, newError(CodeStoreUnavailable, "document kept changing; retry the change", documents.ErrVersionConflict)
}

// persist applies change to the stored content and, once the write lands,
// appends it to the log, broadcasts it and records it for audit. A failed
// append or broadcast rolls the write back.
func (g *Gateway) persist(ctx context.Context, originSession string, change changes.DocumentChange) (ChangeResult, error) {
	snapshot, err := g.snapshot(ctx, change.DocumentID)
	if err != nil {
		return ChangeResult{}, err
	}

	content := ot.Apply(snapshot.Content, change)
	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	version, err := g.store.Update(storeCtx, change.DocumentID, content, snapshot.Version)
	cancel()
	if err != nil {
		if errors.Is(err, documents.ErrVersionConflict) {
			return ChangeResult{}, err
		}
		return ChangeResult{}, g.storeFailure("documents.update", err, change.DocumentID)
	}

	logCtx, cancelLog := context.WithTimeout(ctx, g.storeTimeout)
	err = g.log.Append(logCtx, change)
	cancelLog()
	if err != nil {
		g.rollback(ctx, change, snapshot.Content, version, false)
		return ChangeResult{}, g.storeFailure("changelog.append", err, change.DocumentID)
	}

	event, err := pubsub.NewEvent(change.DocumentID, MessageChangeBroadcast, originSession, changeBroadcastMessage{
		Type:    MessageChangeBroadcast,
		Change:  change,
		Version: version,
	}, g.now().UTC())
	if err != nil {
		g.rollback(ctx, change, snapshot.Content, version, true)
		return ChangeResult{}, newError(CodeInvalidRequest, "change cannot be encoded", err)
	}
	busCtx, cancelBus := context.WithTimeout(ctx, g.storeTimeout)
	err = g.bus.Publish(busCtx, event)
	cancelBus()
	if err != nil {
		g.rollback(ctx, change, snapshot.Content, version, true)
		return ChangeResult{}, g.storeFailure("pubsub.publish", err, change.DocumentID)
	}

	auditCtx, cancelAudit := context.WithTimeout(ctx, g.storeTimeout)
	err = g.audit.Record(auditCtx, audit.Event{
		EventType:  audit.EventChangeApplied,
		DocumentID: change.DocumentID.String(),
		Version:    version,
		Change:     change,
		AppliedAt:  g.now().UTC(),
	})
	cancelAudit()
	if err != nil {
		g.logger.Warn("audit record failed",
			zap.String("document_id", change.DocumentID.String()),
			zap.String("change_id", change.ID),
			zap.Error(err),
		)
	}

	return ChangeResult{Change: change, Version: version}, nil
}

// rollback undoes a committed write whose log append or broadcast failed, so
// a resubmission of change is applied exactly once. The restore is itself a
// compare-and-swap on version; a concurrent writer wins and is logged.
func (g *Gateway) rollback(ctx context.Context, change changes.DocumentChange, previousContent string, version int64, logged bool) {
	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.storeTimeout)
	defer cancel()
	if logged {
		if err := g.log.Remove(rollbackCtx, change.DocumentID, change.ID); err != nil {
			g.logError("changelog.remove", "rollback", err,
				zap.String("document_id", change.DocumentID.String()),
				zap.String("change_id", change.ID),
			)
		}
	}
	if _, err := g.store.Update(rollbackCtx, change.DocumentID, previousContent, version); err != nil {
		g.logError("documents.update", "rollback", err,
			zap.String("document_id", change.DocumentID.String()),
			zap.String("change_id", change.ID),
			zap.Int64("version", version),
		)
		return
	}
	g.logger.Warn("change rolled back after partial failure",
		zap.String("document_id", change.DocumentID.String()),
		zap.String("change_id", change.ID),
	)
}

// checkConflicts compares the transformed change against recent entries by
// other authors inside the concurrency window.
func (g *Gateway) checkConflicts(history []changes.DocumentChange, incoming changes.DocumentChange) error {
	candidates := make([]changes.DocumentChange, 0, len(history)+1)
	for _, entry := range history {
		if entry.Author == incoming.Author {
			continue
		}
		if absDuration(entry.Timestamp.Sub(incoming.Timestamp)) > g.conflictWindow {
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil
	}

	for _, conflict := range conflicts.Detect(append(candidates, incoming)) {
		if !conflict.Includes(incoming.ID) {
			continue
		}
		if g.strategy == conflicts.StrategyManual {
			g.pending.Add(conflict)
			g.logger.Info("edit conflict parked for manual resolution",
				zap.String("document_id", conflict.DocumentID.String()),
				zap.String("conflict_id", conflict.ID),
			)
			gatewayErr := newError(CodeConflictPending, "conflicting edit awaits manual resolution", nil)
			gatewayErr.conflictID = conflict.ID
			return gatewayErr
		}
		winner, ok := conflicts.Winner(conflict.Operations)
		if ok && winner.ID != incoming.ID {
			gatewayErr := newError(CodeConflictRejected, "a newer overlapping edit won the conflict", nil)
			gatewayErr.conflictID = conflict.ID
			return gatewayErr
		}
	}
	return nil
}

// ResolvePending settles a parked conflict and applies the resulting changes
// that the log does not already hold.
func (g *Gateway) ResolvePending(ctx context.Context, userID changes.UserID, documentID changes.DocumentID, conflictID string, resolution conflicts.Resolution) ([]ChangeResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.resolve_conflict", trace.WithAttributes(
		attribute.String("document.id", documentID.String()),
		attribute.String("conflict.id", conflictID),
		attribute.String("conflict.strategy", string(resolution.Strategy)),
	))
	defer span.End()

	results, err := g.resolvePending(ctx, userID, documentID, conflictID, resolution)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return results, nil
}

func (g *Gateway) resolvePending(ctx context.Context, userID changes.UserID, documentID changes.DocumentID, conflictID string, resolution conflicts.Resolution) ([]ChangeResult, error) {
	if err := g.authorize(ctx, userID, documentID); err != nil {
		return nil, err
	}
	conflict, err := g.pending.Get(documentID, conflictID)
	if err != nil {
		return nil, newError(CodeNotFound, "conflict not found", err)
	}
	resolved, err := conflicts.Resolve(conflict, resolution)
	if err != nil {
		return nil, newError(CodeInvalidRequest, "invalid resolution", err)
	}

	prepared := make([]changes.DocumentChange, 0, len(resolved))
	for _, change := range resolved {
		if change.DocumentID != "" && change.DocumentID != documentID {
			return nil, newError(CodeInvalidRequest, "resolution targets another document", nil)
		}
		change.DocumentID = documentID
		if change.Author == "" {
			change.Author = userID
		}
		change = g.stamp(change)
		if err := change.Validate(); err != nil {
			return nil, newError(CodeInvalidRequest, "invalid resolution operation", err)
		}
		prepared = append(prepared, change)
	}
	if _, err := g.pending.Take(documentID, conflictID); err != nil {
		return nil, newError(CodeNotFound, "conflict already resolved", err)
	}

	unlock := g.locks.Lock(documentID)
	defer unlock()

	history, err := g.recent(ctx, documentID)
	if err != nil {
		return nil, err
	}
	results := make([]ChangeResult, 0, len(prepared))
	for _, change := range prepared {
		if changelog.Contains(history, change.ID) {
			continue
		}
		result, err := g.persistWithRetry(ctx, change)
		if err != nil {
			return results, err
		}
		history = append(history, result.Change)
		results = append(results, result)
	}
	g.logger.Info("edit conflict resolved",
		zap.String("document_id", documentID.String()),
		zap.String("conflict_id", conflictID),
		zap.String("strategy", string(resolution.Strategy)),
		zap.Int("applied", len(results)),
	)
	return results, nil
}

func (g *Gateway) persistWithRetry(ctx context.Context, change changes.DocumentChange) (ChangeResult, error) {
	for attempt := 0; attempt < maxPersistAttempts; attempt++ {
		result, err := g.persist(ctx, "", change)
		if errors.Is(err, documents.ErrVersionConflict) {
			continue
		}
		return result, err
	}
	return ChangeResult{}, newError(CodeStoreUnavailable, "document kept changing; retry the resolution", documents.ErrVersionConflict)
}

// Snapshot returns the current document for an authorized user.
func (g *Gateway) Snapshot(ctx context.Context, userID changes.UserID, documentID changes.DocumentID) (documents.Snapshot, error) {
	if err := g.authorize(ctx, userID, documentID); err != nil {
		return documents.Snapshot{}, err
	}
	return g.snapshot(ctx, documentID)
}

// ChangesSince returns the logged changes newer than since.
func (g *Gateway) ChangesSince(ctx context.Context, userID changes.UserID, documentID changes.DocumentID, since time.Time) ([]changes.DocumentChange, error) {
	if err := g.authorize(ctx, userID, documentID); err != nil {
		return nil, err
	}
	logCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	entries, err := g.log.Since(logCtx, documentID, since)
	if err != nil {
		return nil, g.storeFailure("changelog.since", err, documentID)
	}
	return entries, nil
}

// Presence lists the collaborators currently on the document.
func (g *Gateway) Presence(ctx context.Context, userID changes.UserID, documentID changes.DocumentID) ([]presence.UserPresence, error) {
	if err := g.authorize(ctx, userID, documentID); err != nil {
		return nil, err
	}
	return g.registry.Members(documentID), nil
}

// PendingConflicts lists the conflicts awaiting manual resolution.
func (g *Gateway) PendingConflicts(ctx context.Context, userID changes.UserID, documentID changes.DocumentID) ([]conflicts.EditConflict, error) {
	if err := g.authorize(ctx, userID, documentID); err != nil {
		return nil, err
	}
	return g.pending.List(documentID), nil
}

// Strategy returns the configured conflict strategy.
func (g *Gateway) Strategy() conflicts.Strategy {
	return g.strategy
}

func (g *Gateway) authorize(ctx context.Context, userID changes.UserID, documentID changes.DocumentID) error {
	accessCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	allowed, err := g.access.CanAccess(accessCtx, userID, documentID)
	if err != nil {
		return g.storeFailure("documents.can_access", err, documentID)
	}
	if !allowed {
		return newError(CodeUnauthorized, "access to document denied", nil)
	}
	return nil
}

func (g *Gateway) snapshot(ctx context.Context, documentID changes.DocumentID) (documents.Snapshot, error) {
	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	snapshot, err := g.store.Get(storeCtx, documentID)
	if err != nil {
		return documents.Snapshot{}, g.storeFailure("documents.get", err, documentID)
	}
	return snapshot, nil
}

func (g *Gateway) recent(ctx context.Context, documentID changes.DocumentID) ([]changes.DocumentChange, error) {
	logCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	history, err := g.log.Recent(logCtx, documentID)
	if err != nil {
		return nil, g.storeFailure("changelog.recent", err, documentID)
	}
	return history, nil
}

func (g *Gateway) duplicate(ctx context.Context, documentID changes.DocumentID, history []changes.DocumentChange, changeID string) (ChangeResult, error) {
	snapshot, err := g.snapshot(ctx, documentID)
	if err != nil {
		return ChangeResult{}, err
	}
	for _, entry := range history {
		if entry.ID == changeID {
			return ChangeResult{Change: entry, Version: snapshot.Version, Duplicate: true}, nil
		}
	}
	return ChangeResult{Version: snapshot.Version, Duplicate: true}, nil
}

// publish broadcasts message to the other sessions on documentID. Presence
// and cursor traffic is best effort.
func (g *Gateway) publish(ctx context.Context, documentID changes.DocumentID, originSession, eventType string, message any) {
	event, err := pubsub.NewEvent(documentID, eventType, originSession, message, g.now().UTC())
	if err != nil {
		g.logError("pubsub.publish", "encode", err, zap.String("document_id", documentID.String()))
		return
	}
	busCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	if err := g.bus.Publish(busCtx, event); err != nil {
		g.logError("pubsub.publish", eventType, err, zap.String("document_id", documentID.String()))
	}
}

func (g *Gateway) stamp(change changes.DocumentChange) changes.DocumentChange {
	if change.ID == "" {
		change.ID = g.newChangeID()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = g.now().UTC()
	}
	return change
}

func (g *Gateway) resolveProfile(ctx context.Context, claims auth.SessionClaims) users.Profile {
	fallback := users.Profile{UserID: claims.UserID, DisplayName: claims.UserDisplayName}
	if g.profiles == nil {
		return fallback
	}
	profile, err := g.profiles.Resolve(ctx, claims)
	if err != nil {
		g.logError("users.resolve", "profile", err, zap.String("user_id", claims.UserID))
		return fallback
	}
	return profile
}

func (g *Gateway) storeFailure(operation string, err error, documentID changes.DocumentID) error {
	if errors.Is(err, documents.ErrDocumentNotFound) {
		return newError(CodeNotFound, "document not found", err)
	}
	g.logError(operation, "store unavailable", err, zap.String("document_id", documentID.String()))
	return newError(CodeStoreUnavailable, "document store unavailable", err)
}

func (g *Gateway) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	g.logger.Error("gateway error", allFields...)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, string(CodeOf(err)))
}

func absDuration(value time.Duration) time.Duration {
	if value < 0 {
		return -value
	}
	return value
}

func newUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
