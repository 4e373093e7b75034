// Package registry tracks live WebSocket connections: who is attached,
// their role and scopes, and presence transitions. It also implements
// fan-out broadcast with scope/role/conn-id filtering and the monotonic
// sequence counters that back event ordering and the health snapshot's
// state_version epoch. Grounded on the in-memory online-set pattern in
// this codebase's node registry (mutex-guarded map + last-seen clock,
// connect/disconnect/heartbeat transitions, audit-style logging on
// state changes), adapted from node pairing state to live connections.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

// Conn is a registered connection: the live handle the registry holds
// plus the Client identity negotiated at connect time.
type Conn struct {
	Client     models.Client
	send       func(data []byte) error
	connectedAt time.Time
}

// Registry tracks every live connection and issues monotonic sequence
// numbers for broadcast events.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn // conn_id -> Conn
	seq     int64
	epoch   int64 // state_version, bumped on every presence transition
	logger  *slog.Logger
}

// New constructs an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger.With("component", "registry"),
	}
}

// Register adds a newly-handshaked connection and bumps the presence epoch.
func (r *Registry) Register(connID string, client models.Client, send func([]byte) error) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Conn{Client: client, send: send, connectedAt: time.Now()}
	r.conns[connID] = c
	r.epoch++
	r.logger.Info("connection registered", "conn_id", connID, "client_id", client.ClientID, "role", client.Role)
	return c
}

// Unregister removes a connection and bumps the presence epoch.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return
	}
	delete(r.conns, connID)
	r.epoch++
	r.logger.Info("connection unregistered", "conn_id", connID)
}

// Get returns the Conn for a conn_id, or nil if not present.
func (r *Registry) Get(connID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StateVersion returns the current presence epoch, bumped on every
// register/unregister so clients can detect they've missed a transition.
func (r *Registry) StateVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// NextSeq returns the next monotonic sequence number for an outbound event.
func (r *Registry) NextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// Snapshot lists every currently connected client, for health/presence payloads.
func (r *Registry) Snapshot() []models.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Client, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Client)
	}
	return out
}

// Filter narrows a broadcast to connections matching all of the given
// criteria. A zero-value field in Filter means "don't filter on this".
type Filter struct {
	Scope         string
	Role          models.ClientRole
	ConnID        string
	ExcludeConnID string
}

func (f Filter) matches(connID string, c *Conn) bool {
	if f.ConnID != "" && connID != f.ConnID {
		return false
	}
	if f.ExcludeConnID != "" && connID == f.ExcludeConnID {
		return false
	}
	if f.Role != "" && c.Client.Role != f.Role {
		return false
	}
	if f.Scope != "" && !c.Client.HasScope(f.Scope) {
		return false
	}
	return true
}

// Broadcast sends data to every connection matching filter, collecting
// send errors keyed by conn_id rather than aborting on the first failure
// so one stalled connection never blocks delivery to the rest.
func (r *Registry) Broadcast(data []byte, filter Filter) map[string]error {
	r.mu.RLock()
	targets := make(map[string]*Conn, len(r.conns))
	for id, c := range r.conns {
		if filter.matches(id, c) {
			targets[id] = c
		}
	}
	r.mu.RUnlock()

	errs := make(map[string]error)
	for id, c := range targets {
		if err := c.send(data); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Send delivers data to a single connection, returning false if it is not registered.
func (r *Registry) Send(connID string, data []byte) (bool, error) {
	r.mu.RLock()
	c := r.conns[connID]
	r.mu.RUnlock()
	if c == nil {
		return false, nil
	}
	return true, c.send(data)
}
