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

// Package authtoken implements the authentication-token table: a
// time-aware cache of hardware authentication tokens that answers "does
// this operation have a valid, fresh token satisfying the key's
// authentication policy", per spec.md §4.4 and the AOSP AuthTokenTable
// this module is grounded on.
package authtoken

import (
	"sync"
	"time"

	"github.com/jeremyhahn/go-keychain/internal/device"
)

// AuthenticatorType is a bitmask of authenticator kinds a token may carry.
type AuthenticatorType uint32

const (
	AuthenticatorFingerprint AuthenticatorType = 1 << 0
	AuthenticatorPassword    AuthenticatorType = 1 << 1
	AuthenticatorWebAuthn    AuthenticatorType = 1 << 2
)

// Token is the fixed-layout authentication record of spec.md §3: a
// challenge, user-id, authenticator-id, authenticator-type bitmask, a
// monotonic timestamp, and an HMAC over the rest (verified by the caller
// that delivers it; this table trusts tokens it is handed).
type Token struct {
	Challenge       uint64
	UserSecureID    uint64
	AuthenticatorID uint64
	Type            AuthenticatorType
	Timestamp       time.Time
	HMAC            []byte
	// RequiresOnBody marks a token minted by an authenticator (e.g. a
	// fingerprint sensor with wear detection) that must be invalidated as
	// soon as the device leaves the body.
	RequiresOnBody bool
}

// Result is the five-way (plus NotRequired) outcome of FindAuthorization.
type Result int

const (
	ResultOk Result = iota + 1
	ResultNotRequired
	ResultNotFound
	ResultExpired
	ResultWrongSid
	ResultOpHandleRequired
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "OK"
	case ResultNotRequired:
		return "NOT_REQUIRED"
	case ResultNotFound:
		return "NOT_FOUND"
	case ResultExpired:
		return "EXPIRED"
	case ResultWrongSid:
		return "WRONG_SID"
	case ResultOpHandleRequired:
		return "OP_HANDLE_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Table is the bounded-size authentication-token cache of spec.md §4.4.
type Table struct {
	mu       sync.Mutex
	capacity int
	tokens   []Token           // most recently added last
	bound    map[uint64]uint64 // op handle -> bound token challenge, pending completion
	now      func() time.Time
}

// DefaultCapacity mirrors the AOSP table's small fixed-size ring.
const DefaultCapacity = 16

// New constructs a Table bounded to capacity recent tokens.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{capacity: capacity, bound: make(map[uint64]uint64), now: time.Now}
}

// AddAuthenticationToken inserts token, evicting the oldest token if the
// table is at capacity.
func (t *Table) AddAuthenticationToken(token Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, token)
	if len(t.tokens) > t.capacity {
		t.tokens = t.tokens[len(t.tokens)-t.capacity:]
	}
}

// Clear discards every token, called on password change.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = nil
	t.bound = make(map[uint64]uint64)
}

// OnDeviceOffBody invalidates every currently held token that requires
// on-body presence.
func (t *Table) OnDeviceOffBody() {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.tokens[:0]
	for _, tok := range t.tokens {
		if !tok.RequiresOnBody {
			kept = append(kept, tok)
		}
	}
	t.tokens = kept
}

// requiresPerOp reports whether keyAuths demand a per-operation token
// (challenge must equal the operation handle) rather than a standing
// session token.
func requiresPerOp(keyAuths device.ParamSet) bool {
	tag, ok := keyAuths.Find(device.TagAuthTimeout)
	return ok && tag.Int == 0
}

func noAuthRequired(keyAuths device.ParamSet) bool {
	return keyAuths.Has(device.TagNoAuthRequired)
}

func matches(tok Token, keyAuths device.ParamSet) bool {
	sidTag, hasSid := keyAuths.Find(device.TagUserSecureID)
	typeTag, hasType := keyAuths.Find(device.TagAuthenticatorType)
	if !hasSid || !hasType {
		return false
	}
	sidMatches := uint64(sidTag.Int) == tok.UserSecureID || uint64(sidTag.Int) == tok.AuthenticatorID
	typeMatches := uint32(typeTag.Int)&uint32(tok.Type) != 0
	return sidMatches && typeMatches
}

// FindAuthorization answers whether opHandle currently has a token
// satisfying keyAuths for purpose, per spec.md §4.4's exact rules.
func (t *Table) FindAuthorization(keyAuths device.ParamSet, purpose device.Purpose, opHandle device.OpHandle) (Result, *Token) {
	if noAuthRequired(keyAuths) {
		return ResultNotRequired, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	perOp := requiresPerOp(keyAuths)
	if perOp {
		if opHandle == 0 {
			for i := len(t.tokens) - 1; i >= 0; i-- {
				if t.tokens[i].Challenge == uint64(opHandle) && matches(t.tokens[i], keyAuths) {
					tok := t.tokens[i]
					return ResultOk, &tok
				}
			}
			return ResultOpHandleRequired, nil
		}
		for i := len(t.tokens) - 1; i >= 0; i-- {
			if t.tokens[i].Challenge == uint64(opHandle) {
				tok := t.tokens[i]
				if ok, res := t.checkFreshness(tok, keyAuths); !ok {
					return res, nil
				}
				return ResultOk, &tok
			}
		}
		return ResultOpHandleRequired, nil
	}

	var best *Token
	for i := len(t.tokens) - 1; i >= 0; i-- {
		if matches(t.tokens[i], keyAuths) {
			tok := t.tokens[i]
			best = &tok
			break
		}
	}
	if best == nil {
		return ResultNotFound, nil
	}
	if ok, res := t.checkFreshness(*best, keyAuths); !ok {
		return res, nil
	}
	return ResultOk, best
}

// checkFreshness applies the timeout and sid-mismatch rules of spec.md
// §4.4 to an already-matched token.
func (t *Table) checkFreshness(tok Token, keyAuths device.ParamSet) (bool, Result) {
	if timeoutTag, ok := keyAuths.Find(device.TagAuthTimeout); ok && timeoutTag.Int > 0 {
		if t.now().Sub(tok.Timestamp) > time.Duration(timeoutTag.Int)*time.Second {
			return false, ResultExpired
		}
	}
	if sidTag, ok := keyAuths.Find(device.TagUserSecureID); ok {
		if uint64(sidTag.Int) != tok.UserSecureID && uint64(sidTag.Int) != tok.AuthenticatorID {
			return false, ResultWrongSid
		}
	}
	return true, ResultOk
}

// BindOperation records that opHandle is relying on a token with the given
// challenge, so MarkCompleted can drop the binding later.
func (t *Table) BindOperation(opHandle device.OpHandle, challenge uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bound[uint64(opHandle)] = challenge
}

// MarkCompleted drops the binding recorded for opHandle by BindOperation;
// the token itself stays in the table. The dispatcher calls it when an
// operation finishes successfully or is aborted; pruning and client death
// do not call it.
func (t *Table) MarkCompleted(opHandle device.OpHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bound, uint64(opHandle))
}
