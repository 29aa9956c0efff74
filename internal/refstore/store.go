// Package refstore implements the reference and session context store:
// time-boxed snapshots of displayed lists, positional/descriptive reference
// resolution, and session boundary detection.
package refstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cartbot/internal/logging"
	"cartbot/internal/types"
)

// Store keeps the active reference contexts per conversation. Contexts are
// immutable snapshots: a new list supersedes the prior one of the same type,
// it never mutates it. Mutation happens only on the single per-conversation
// consumer, so the RWMutex here guards cross-conversation map access only.
type Store struct {
	mu sync.RWMutex

	// contexts maps conversation id -> list type -> latest context.
	// Older contexts are never consulted, so only the latest is retained.
	contexts map[string]map[types.ListType]*types.ReferenceContext

	referenceTTL  time.Duration
	idleThreshold time.Duration

	now func() time.Time // injectable clock for tests
}

// New creates a store with the given reference TTL (default 5m) and session
// idle threshold (default 24h).
func New(referenceTTL, idleThreshold time.Duration) *Store {
	if referenceTTL <= 0 {
		referenceTTL = 5 * time.Minute
	}
	if idleThreshold <= 0 {
		idleThreshold = 24 * time.Hour
	}
	return &Store{
		contexts:      make(map[string]map[types.ListType]*types.ReferenceContext),
		referenceTTL:  referenceTTL,
		idleThreshold: idleThreshold,
		now:           time.Now,
	}
}

// StoreList creates a new ReferenceContext for a rendered list and supersedes
// the prior one of the same type. Returns the new context id.
func (s *Store) StoreList(conversationID string, listType types.ListType, items []types.RefItem) (string, error) {
	now := s.now()
	ctx := &types.ReferenceContext{
		ContextID:      uuid.NewString(),
		ConversationID: conversationID,
		ListType:       listType,
		Items:          make([]types.RefItem, len(items)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.referenceTTL),
	}
	copy(ctx.Items, items)
	// Normalize positions to be 1-based and dense.
	for i := range ctx.Items {
		ctx.Items[i].Position = i + 1
	}

	s.mu.Lock()
	byType, ok := s.contexts[conversationID]
	if !ok {
		byType = make(map[types.ListType]*types.ReferenceContext)
		s.contexts[conversationID] = byType
	}
	byType[listType] = ctx
	s.mu.Unlock()

	logging.ConversationDebug("stored %s context %s (%d items) for %s",
		listType, ctx.ContextID, len(ctx.Items), conversationID)
	return ctx.ContextID, nil
}

// ActiveContext returns the most recently stored unexpired context of the
// given list type, if any.
func (s *Store) ActiveContext(conversationID string, listType types.ListType) (*types.ReferenceContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType, ok := s.contexts[conversationID]
	if !ok {
		return nil, false
	}
	ctx, ok := byType[listType]
	if !ok || ctx.Expired(s.now()) {
		return nil, false
	}
	return ctx, true
}

// latestActive returns the newest unexpired context across list types.
// Ties break by most-recent creation time.
func (s *Store) latestActive(conversationID string) (*types.ReferenceContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType, ok := s.contexts[conversationID]
	if !ok {
		return nil, false
	}
	now := s.now()
	var best *types.ReferenceContext
	for _, ctx := range byType {
		if ctx.Expired(now) {
			continue
		}
		if best == nil || ctx.CreatedAt.After(best.CreatedAt) {
			best = ctx
		}
	}
	return best, best != nil
}

// ResolveReference resolves a positional or descriptive reference against
// the newest unexpired context of any type. Failures are typed results,
// never errors.
func (s *Store) ResolveReference(conversationID, text string) types.Resolution {
	ctx, ok := s.latestActive(conversationID)
	if !ok {
		return types.Resolution{Status: types.ResolutionNotFound, Reason: "no active list"}
	}
	return resolveAgainst(ctx, text)
}

// ResolveIn resolves against the newest unexpired context of a specific
// list type (e.g. payment methods while awaiting a payment choice).
func (s *Store) ResolveIn(conversationID string, listType types.ListType, text string) types.Resolution {
	ctx, ok := s.ActiveContext(conversationID, listType)
	if !ok {
		return types.Resolution{Status: types.ResolutionNotFound, Reason: "no active list"}
	}
	return resolveAgainst(ctx, text)
}

// DetectSessionBoundary reports whether the gap since the conversation's last
// message exceeds the idle threshold.
func (s *Store) DetectSessionBoundary(conv *types.Conversation, now time.Time) bool {
	if conv.LastMessageAt.IsZero() {
		return false
	}
	return now.Sub(conv.LastMessageAt) > s.idleThreshold
}

// ApplySessionBoundary checks for a boundary and, when found, bumps the
// session epoch and clears the transient flow flags. Message history is
// never discarded; only which summary downstream components consume changes.
func (s *Store) ApplySessionBoundary(conv *types.Conversation, now time.Time) bool {
	if !s.DetectSessionBoundary(conv, now) {
		return false
	}
	conv.SessionEpoch++
	conv.AwaitingResponse = ""
	conv.CurrentFlow = ""
	s.Expire(conv.ID)
	logging.Conversation("session boundary for %s (epoch %d)", conv.ID, conv.SessionEpoch)
	return true
}

// Expire drops all contexts for a conversation. Called on session
// boundaries; lists from the previous session must not resolve.
func (s *Store) Expire(conversationID string) {
	s.mu.Lock()
	delete(s.contexts, conversationID)
	s.mu.Unlock()
}
