package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moltisdev/moltis/internal/models"
)

// ErrApprovalTimeout is returned when an approval request is not resolved
// within its deadline.
var ErrApprovalTimeout = errors.New("sandbox: approval timed out")

// ErrApprovalDenied is returned when an operator denies the request.
var ErrApprovalDenied = errors.New("sandbox: approval denied")

// Resolution is the operator's decision on a pending approval.
type Resolution struct {
	Approved bool
	By       string // conn_id of the resolving operator, for Resolve's tie-break
}

// pendingApproval pairs the request metadata with its one-shot resolver.
type pendingApproval struct {
	request  models.ApprovalRequest
	resolved bool
	decided  Resolution
	ch       chan Resolution
}

// ApprovalManager tracks in-flight approval requests and the set of
// commands an operator has already approved for the lifetime of each
// session. One-shot channels keyed by request id avoid any polling loop.
// The first resolution of a request is the one its waiter receives; a
// later resolution of the same request never changes that outcome (see
// Resolve for how it is recorded).
type ApprovalManager struct {
	mu       sync.Mutex
	pending  map[string]*pendingApproval
	approved map[string]map[string]struct{} // session key -> approved commands

	// Broadcast, if set, is invoked with the newly-registered request so
	// the gateway can emit exec.approval.requested to operator clients.
	Broadcast func(req models.ApprovalRequest)
}

// NewApprovalManager constructs an empty ApprovalManager.
func NewApprovalManager() *ApprovalManager {
	return &ApprovalManager{
		pending:  make(map[string]*pendingApproval),
		approved: make(map[string]map[string]struct{}),
	}
}

// IsApproved reports whether command was already approved earlier in
// sessionKey's lifetime.
func (m *ApprovalManager) IsApproved(sessionKey, command string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.approved[sessionKey]
	if set == nil {
		return false
	}
	_, ok := set[command]
	return ok
}

// Request registers a new approval request and returns a function that
// blocks (respecting ctx and timeout) until the request resolves.
func (m *ApprovalManager) Request(ctx context.Context, sessionKey, command string, timeout time.Duration) (string, func() error) {
	req := models.ApprovalRequest{
		RequestID:  uuid.NewString(),
		Command:    command,
		SessionKey: sessionKey,
		CreatedAt:  time.Now(),
	}
	pa := &pendingApproval{request: req, ch: make(chan Resolution, 1)}

	m.mu.Lock()
	m.pending[req.RequestID] = pa
	m.mu.Unlock()

	if m.Broadcast != nil {
		m.Broadcast(req)
	}

	wait := func() error {
		defer func() {
			m.mu.Lock()
			delete(m.pending, req.RequestID)
			m.mu.Unlock()
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res := <-pa.ch:
			if !res.Approved {
				return ErrApprovalDenied
			}
			m.mu.Lock()
			set := m.approved[sessionKey]
			if set == nil {
				set = make(map[string]struct{})
				m.approved[sessionKey] = set
			}
			set[command] = struct{}{}
			m.mu.Unlock()
			return nil
		case <-timer.C:
			return ErrApprovalTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return req.RequestID, wait
}

// Resolve delivers an operator decision for a pending request id. The
// first resolution is the one delivered to the waiter. A later call for
// the same id, while the request is still pending, replaces the recorded
// decision only when its conn_id sorts lexicographically before the
// recorded one, and never changes what the waiter received. Once the
// waiter has returned the id is no longer pending and Resolve errors.
func (m *ApprovalManager) Resolve(requestID string, approved bool, by string) error {
	m.mu.Lock()
	pa, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return errNotPending
	}

	m.mu.Lock()
	if pa.resolved {
		// Deterministic tie-break for the recorded decision: the
		// lexicographically-least conn_id is kept. The decision already
		// delivered to the waiter is unaffected.
		if by < pa.decided.By {
			pa.decided = Resolution{Approved: approved, By: by}
		}
		m.mu.Unlock()
		return nil
	}
	pa.resolved = true
	pa.decided = Resolution{Approved: approved, By: by}
	m.mu.Unlock()

	select {
	case pa.ch <- pa.decided:
	default:
	}
	return nil
}

var errNotPending = errors.New("sandbox: approval request not pending")
