package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
)

// Gate coordinates the wait between a paused session and the operator.
// Only the session that submitted a request blocks on it; other sessions
// keep running.
type Gate struct {
	store *Store
	audit *audit.Store
	cfg   policy.ApprovalConfig

	mu      sync.Mutex
	waiters map[string]chan *Request

	sanitizer *bluemonday.Policy
}

// NewGate creates the approval gate. Operator-facing text is stripped of
// markup so a hostile page cannot inject content into the approval prompt.
func NewGate(store *Store, auditStore *audit.Store, cfg policy.ApprovalConfig) *Gate {
	return &Gate{
		store:     store,
		audit:     auditStore,
		cfg:       cfg,
		waiters:   make(map[string]chan *Request),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Submit persists a pending request, records it in the audit trail, and
// arms the deadline timer when auto-reject is enabled; otherwise the
// request waits on the operator indefinitely. The returned request
// carries the assigned ID; the caller then blocks on Await.
func (g *Gate) Submit(ctx context.Context, req *Request) (*Request, error) {
	req.Context.Description = g.sanitizer.Sanitize(req.Context.Description)
	req.Deadline = time.Now().UTC().Add(g.cfg.Timeout())

	if err := g.store.Create(ctx, req); err != nil {
		return nil, err
	}

	if err := g.recordEvent(ctx, req, audit.EventApprovalRequest); err != nil {
		return nil, err
	}

	ch := make(chan *Request, 1)
	g.mu.Lock()
	g.waiters[req.ID] = ch
	g.mu.Unlock()

	if g.cfg.AutoRejectOnTimeout {
		time.AfterFunc(g.cfg.Timeout(), func() { g.expire(req.ID) })
	}

	log.Info().
		Str("request_id", req.ID).
		Str("session_id", req.SessionID).
		Float64("risk_score", req.Context.RiskScore).
		Time("deadline", req.Deadline).
		Msg("approval_requested")

	return req, nil
}

// Await blocks until the request resolves or the context is cancelled.
// Resolution always comes through resolve, so the returned request is in
// a terminal status.
func (g *Gate) Await(ctx context.Context, requestID string) (*Request, error) {
	g.mu.Lock()
	ch, ok := g.waiters[requestID]
	g.mu.Unlock()
	if !ok {
		// Already resolved before the caller started waiting.
		req, err := g.store.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if !req.Resolved() {
			return nil, fmt.Errorf("request %s has no waiter and is still pending", requestID)
		}
		return req, nil
	}

	select {
	case req := <-ch:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Approve resolves a pending request in favor of execution.
func (g *Gate) Approve(ctx context.Context, requestID, operator, comment string) (*Request, error) {
	return g.resolve(ctx, requestID, StatusApproved, operator, comment)
}

// Reject resolves a pending request against execution.
func (g *Gate) Reject(ctx context.Context, requestID, operator, comment string) (*Request, error) {
	return g.resolve(ctx, requestID, StatusRejected, operator, comment)
}

func (g *Gate) resolve(ctx context.Context, requestID, status, operator, comment string) (*Request, error) {
	req, err := g.store.Resolve(ctx, requestID, status, operator, comment)
	if err != nil {
		return nil, err
	}

	event := audit.EventApprovalResolved
	if status == StatusTimedOut {
		event = audit.EventApprovalTimeout
	}
	if err := g.recordEvent(ctx, req, event); err != nil {
		return nil, err
	}

	g.notify(req)
	return req, nil
}

// expire times out a request at its deadline. It loses gracefully to any
// operator resolution that got there first.
func (g *Gate) expire(requestID string) {
	ctx := context.Background()
	req, err := g.resolve(ctx, requestID, StatusTimedOut, "system", "approval deadline passed")
	if err != nil {
		if !errors.Is(err, ErrAlreadyResolved) {
			log.Error().Err(err).Str("request_id", requestID).Msg("approval_expiry_failed")
		}
		return
	}
	log.Warn().
		Str("request_id", requestID).
		Str("session_id", req.SessionID).
		Msg("approval_timed_out")
}

func (g *Gate) notify(req *Request) {
	g.mu.Lock()
	ch, ok := g.waiters[req.ID]
	delete(g.waiters, req.ID)
	g.mu.Unlock()
	if ok {
		ch <- req
	}
}

func (g *Gate) recordEvent(ctx context.Context, req *Request, eventType string) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling approval event: %w", err)
	}
	entry := &audit.Entry{
		Actor:     req.ResolvedBy,
		EventType: eventType,
		SessionID: req.SessionID,
		Payload:   payload,
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("recording approval event: %w", err)
	}
	return nil
}
