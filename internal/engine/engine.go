// Package engine is the orchestration core: it owns per-conversation
// mailboxes, the bounded worker pool, the idempotency ledger and the
// message pipeline from classification through rendering. All state for a
// conversation is mutated by exactly one worker at a time.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cartbot/internal/checkout"
	"cartbot/internal/config"
	"cartbot/internal/grounding"
	"cartbot/internal/intent"
	"cartbot/internal/logging"
	"cartbot/internal/refstore"
	"cartbot/internal/retrieval"
	"cartbot/internal/router"
	"cartbot/internal/store"
	"cartbot/internal/tenant"
	"cartbot/internal/types"
)

// Deps wires the engine's collaborators.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Refs       *refstore.Store
	Classifier *intent.Classifier
	Router     *router.Router
	FSM        *checkout.Machine
	Validator  *grounding.Validator
	Synth      *retrieval.Synthesizer
	Data       tenant.DataAccess
	Renderer   tenant.Renderer
	Audit      tenant.AuditSink
}

// envelope is one unit of mailbox work: an inbound message or a payment
// callback, never both.
type envelope struct {
	msg *types.InboundMessage
	cb  *types.PaymentCallback
}

// mailboxIdleTimeout is how long a conversation's mailbox may sit empty
// before its goroutine and channel are reclaimed. A later message simply
// spins up a fresh one.
const mailboxIdleTimeout = 15 * time.Minute

// Engine processes conversations.
type Engine struct {
	deps Deps

	mu        sync.Mutex
	mailboxes map[string]chan envelope

	// sem bounds how many conversations process simultaneously; ordering
	// within a conversation comes from its dedicated mailbox goroutine.
	sem chan struct{}

	mailboxIdle time.Duration

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	now func() time.Time
}

// New validates dependencies and creates an engine. Call Start before
// submitting work.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("engine requires a config")
	case deps.Store == nil:
		return nil, fmt.Errorf("engine requires a store")
	case deps.Refs == nil:
		return nil, fmt.Errorf("engine requires a reference store")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("engine requires a classifier")
	case deps.Router == nil:
		return nil, fmt.Errorf("engine requires a router")
	case deps.FSM == nil:
		return nil, fmt.Errorf("engine requires a checkout machine")
	case deps.Validator == nil:
		return nil, fmt.Errorf("engine requires a validator")
	case deps.Renderer == nil:
		return nil, fmt.Errorf("engine requires a renderer")
	}
	return &Engine{
		deps:        deps,
		mailboxes:   make(map[string]chan envelope),
		sem:         make(chan struct{}, deps.Config.Engine.Workers),
		mailboxIdle: mailboxIdleTimeout,
		now:         time.Now,
	}, nil
}

// Start spins up background maintenance. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(1)
	go e.janitor()
	logging.Boot("engine started: workers=%d mailbox_depth=%d",
		e.deps.Config.Engine.Workers, e.deps.Config.Engine.MailboxDepth)
}

// Stop cancels processing and waits for all goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	// Goroutines are gone; drop their mailboxes so a later Start begins
	// clean.
	e.mu.Lock()
	e.mailboxes = make(map[string]chan envelope)
	e.mu.Unlock()
	logging.Boot("engine stopped")
}

// Submit enqueues one inbound message on its conversation's mailbox.
// Returns an error when the mailbox is full (backpressure) rather than
// blocking the channel adapter.
func (e *Engine) Submit(msg types.InboundMessage) error {
	if msg.TenantID == "" {
		return types.ErrTenantScopeMissing
	}
	if msg.ConversationID == "" || msg.MessageID == "" {
		return fmt.Errorf("message requires conversation and message ids")
	}
	return e.enqueue(msg.ConversationID, envelope{msg: &msg})
}

// SubmitPaymentCallback enqueues a gateway callback. It rides the same
// mailbox as chat messages, so a callback and a message for one
// conversation never interleave.
func (e *Engine) SubmitPaymentCallback(cb types.PaymentCallback) error {
	if cb.TenantID == "" {
		return types.ErrTenantScopeMissing
	}
	if cb.ConversationID == "" || cb.PaymentRef == "" {
		return fmt.Errorf("callback requires conversation id and payment ref")
	}
	return e.enqueue(cb.ConversationID, envelope{cb: &cb})
}

func (e *Engine) enqueue(conversationID string, env envelope) error {
	// The send stays under the mutex so idle teardown, which checks the
	// channel is empty under the same lock, can never orphan a message.
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return fmt.Errorf("engine not started")
	}
	mb, ok := e.mailboxes[conversationID]
	if !ok {
		mb = make(chan envelope, e.deps.Config.Engine.MailboxDepth)
		e.mailboxes[conversationID] = mb
		e.wg.Add(1)
		go e.runMailbox(conversationID, mb)
	}

	select {
	case mb <- env:
		return nil
	default:
		return fmt.Errorf("conversation %s mailbox full", conversationID)
	}
}

// runMailbox serializes all work for one conversation: strict arrival
// order, one envelope at a time. The goroutine reclaims itself after the
// mailbox sits idle.
func (e *Engine) runMailbox(conversationID string, mb chan envelope) {
	defer e.wg.Done()
	idle := time.NewTimer(e.mailboxIdle)
	defer idle.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case env := <-mb:
			select {
			case e.sem <- struct{}{}:
			case <-e.ctx.Done():
				return
			}
			if env.msg != nil {
				e.process(e.ctx, *env.msg)
			} else if env.cb != nil {
				e.processCallback(e.ctx, *env.cb)
			}
			<-e.sem
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.mailboxIdle)
		case <-idle.C:
			e.mu.Lock()
			if len(mb) == 0 {
				delete(e.mailboxes, conversationID)
				e.mu.Unlock()
				logging.ConversationDebug("mailbox for %s reclaimed after idle", conversationID)
				return
			}
			e.mu.Unlock()
			idle.Reset(e.mailboxIdle)
		}
	}
}

// janitor purges expired idempotency keys on an interval.
func (e *Engine) janitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.deps.Store.PurgeExpiredKeys(e.now()); err != nil {
				logging.Store("idempotency purge failed: %v", err)
			} else if n > 0 {
				logging.StoreDebug("purged %d expired idempotency keys", n)
			}
		}
	}
}
