// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain.
//
// go-keychain is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package opmap implements the operation map of spec.md §4.5: a
// fixed-capacity, client-bound table of live cryptographic operations with
// priority-based pruning, keyed by an opaque token handed back to the
// caller. Grounded in original_source/keystore/key_store_service.cpp's
// pruneOperation/getOldestPruneableOperation and the teacher's
// google/uuid-keyed map-of-handles pattern in pkg/backend/software.
package opmap

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-keychain/internal/device"
)

// MaxOperations is the fixed capacity of spec.md §4.5.
const MaxOperations = 15

// ErrTooManyOperations is returned when the map is full and no pruneable
// operation exists to evict.
var ErrTooManyOperations = errors.New("opmap: too many operations")

// ErrInvalidToken is returned for an unknown or already-removed token.
var ErrInvalidToken = errors.New("opmap: invalid operation token")

// ClientRef is the opaque, possibly cross-process client identity of
// spec.md §9's design note: watch registers a callback fired exactly once
// when the client dies, and identity returns a stable numeric identity for
// logging/metrics.
type ClientRef interface {
	Watch(onDeath func())
	Identity() uint64
}

// Token is the opaque handle returned to the caller by begin, distinct
// from the device.OpHandle the secure device issues.
type Token uuid.UUID

func (t Token) String() string { return uuid.UUID(t).String() }

// Operation is the tuple of spec.md §3.
type Operation struct {
	mu sync.Mutex // at most one in-flight device call per handle

	Token           Token
	Handle          device.OpHandle
	Purpose         device.Purpose
	KeyID           string // fingerprint computed over the blob bytes
	Characteristics *device.KeyAuthorizations
	Fallback        bool // true if this operation is running against the fallback device
	Client          ClientRef
	Pruneable       bool
	AuthToken       *uint64 // bound auth-token challenge, if any
	createdAt       time.Time
	abortFn         func() error
}

// Lock serializes update/finish/abort calls against this operation's
// single in-flight device call.
func (o *Operation) Lock()   { o.mu.Lock() }
func (o *Operation) Unlock() { o.mu.Unlock() }

// Map is the operation map of spec.md §4.5.
type Map struct {
	mu       sync.Mutex
	ops      map[Token]*Operation
	byClient map[uint64][]Token
}

// New constructs an empty operation map.
func New() *Map {
	return &Map{ops: make(map[Token]*Operation), byClient: make(map[uint64][]Token)}
}

// Count returns the number of live operations.
func (m *Map) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// oldestPruneableLocked returns the oldest pruneable operation, or nil if
// none exists. Callers must hold m.mu.
func (m *Map) oldestPruneableLocked() *Operation {
	var oldest *Operation
	for _, op := range m.ops {
		if !op.Pruneable {
			continue
		}
		if oldest == nil || op.createdAt.Before(oldest.createdAt) {
			oldest = op
		}
	}
	return oldest
}

// HasPruneable reports whether any pruneable operation currently exists.
func (m *Map) HasPruneable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oldestPruneableLocked() != nil
}

// Prune aborts the oldest pruneable operation, driving its device abort via
// abortFn and releasing its slot. Returns false if there was nothing to
// prune or the abort did not actually shrink the map, mirroring
// pruneOperation()'s "ignore abort errors, check the count changed" logic.
func (m *Map) Prune() bool {
	m.mu.Lock()
	victim := m.oldestPruneableLocked()
	if victim == nil {
		m.mu.Unlock()
		return false
	}
	before := len(m.ops)
	m.mu.Unlock()

	_ = m.Abort(victim.Token) // errors ignored; only the count change matters

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops) < before
}

// Insert adds a new operation, evicting the oldest pruneable operation
// first if the map is at capacity. Returns ErrTooManyOperations if the map
// is full and nothing can be pruned.
func (m *Map) Insert(op *Operation) error {
	m.mu.Lock()
	if len(m.ops) >= MaxOperations {
		m.mu.Unlock()
		if !m.Prune() {
			return ErrTooManyOperations
		}
		m.mu.Lock()
		if len(m.ops) >= MaxOperations {
			m.mu.Unlock()
			return ErrTooManyOperations
		}
	}
	op.createdAt = time.Now()
	m.ops[op.Token] = op
	if op.Client != nil {
		id := op.Client.Identity()
		m.byClient[id] = append(m.byClient[id], op.Token)
		op.Client.Watch(func() { m.onClientDeath(id) })
	}
	m.mu.Unlock()
	return nil
}

// Get returns the live operation for token.
func (m *Map) Get(token Token) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return op, nil
}

// Remove deletes token from the map, e.g. after finish/abort has already
// driven the device call. Removing an absent token is a no-op, tolerating
// double-remove from concurrent abort/client-death races.
func (m *Map) Remove(token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[token]
	if !ok {
		return
	}
	delete(m.ops, token)
	if op.Client != nil {
		id := op.Client.Identity()
		tokens := m.byClient[id]
		for i, t := range tokens {
			if t == token {
				m.byClient[id] = append(tokens[:i], tokens[i+1:]...)
				break
			}
		}
	}
}

// Abort looks up token, removes it from the map, and runs its abortFn
// against the device. Tolerant of double-abort: aborting an unknown token
// is not an error.
func (m *Map) Abort(token Token) error {
	m.mu.Lock()
	op, ok := m.ops[token]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	op.Lock()
	var err error
	if op.abortFn != nil {
		err = op.abortFn()
	}
	op.Unlock()
	m.Remove(token)
	return err
}

// onClientDeath aborts every live operation owned by the client identified
// by id, as if the client had called Abort on each.
func (m *Map) onClientDeath(id uint64) {
	m.mu.Lock()
	tokens := append([]Token{}, m.byClient[id]...)
	m.mu.Unlock()
	for _, t := range tokens {
		_ = m.Abort(t)
	}
}

// NewToken generates a fresh opaque operation token.
func NewToken() Token {
	return Token(uuid.New())
}

// SetAbortFunc attaches the device-abort closure an operation runs when
// aborted, pruned, or orphaned by client death. Set once, at Insert time.
func (o *Operation) SetAbortFunc(fn func() error) {
	o.abortFn = fn
}
