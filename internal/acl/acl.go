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

// Package acl resolves caller identity, checks permissions, and tracks
// cross-principal key grants. Every dispatcher entry point funnels through
// EffectivePrincipal and HasPermission (or IsGranted) before it touches the
// blob store or the secure device. Permissions are modeled as
// rbac.Permission{Resource: Resource, Action: <name>} and checked through
// the teacher's in-memory RBAC adapter.
package acl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-keychain/pkg/adapters/rbac"
)

// Principal is a signed caller identity: UID*AppIDModulus + AppID. UIDSelf
// is the sentinel a caller passes to mean "me", resolved by
// EffectivePrincipal before anything else sees it.
type Principal int64

// AppIDModulus is the divisor used to recover a principal's user-id,
// matching the AOSP keystore's multiuser encoding (uid = principal / 100000).
const AppIDModulus = 100000

// UIDSelf is the sentinel meaning "the calling principal itself".
const UIDSelf Principal = -1

// SystemPrincipal is the privileged principal allowed to bypass grant
// checks and create pinned operations.
const SystemPrincipal Principal = 1000

// UserID returns the user-id component of a principal.
func (p Principal) UserID() int64 {
	return int64(p) / AppIDModulus
}

// IsSystem reports whether p is the privileged system principal.
func (p Principal) IsSystem() bool {
	return p == SystemPrincipal
}

// Permission names the closed set of operation classes spec.md §4.1 ties
// ACL checks to.
type Permission string

const (
	PermGetState    Permission = "GetState"
	PermGet         Permission = "Get"
	PermInsert      Permission = "Insert"
	PermDelete      Permission = "Delete"
	PermExist       Permission = "Exist"
	PermList        Permission = "List"
	PermReset       Permission = "Reset"
	PermPassword    Permission = "Password"
	PermLock        Permission = "Lock"
	PermUnlock      Permission = "Unlock"
	PermIsEmpty     Permission = "IsEmpty"
	PermSign        Permission = "Sign"
	PermVerify      Permission = "Verify"
	PermGrant       Permission = "Grant"
	PermDuplicate   Permission = "Duplicate"
	PermClearUid    Permission = "ClearUid"
	PermAddAuth     Permission = "AddAuth"
	PermUserChanged Permission = "UserChanged"
	PermGenUniqueId Permission = "GenUniqueId"
)

// allPermissions is the closed set spec.md §4.1 enumerates.
var allPermissions = []Permission{
	PermGetState, PermGet, PermInsert, PermDelete, PermExist, PermList,
	PermReset, PermPassword, PermLock, PermUnlock, PermIsEmpty, PermSign,
	PermVerify, PermGrant, PermDuplicate, PermClearUid, PermAddAuth,
	PermUserChanged, PermGenUniqueId,
}

// callerGrantable is the subset of permissions an ordinary (non-system)
// caller role is seeded with; Reset, ClearUid, AddAuth, UserChanged and
// GenUniqueId are platform-only operations.
var callerGrantable = []Permission{
	PermGetState, PermGet, PermInsert, PermDelete, PermExist, PermList,
	PermPassword, PermLock, PermUnlock, PermIsEmpty, PermSign, PermVerify,
	PermGrant, PermDuplicate,
}

// Resource is the RBAC resource every keystore permission is scoped to.
const Resource = "keystore"

// ErrPermissionDenied is the ACL package's sentinel error. It is never
// recovered from inside a dispatcher method.
var ErrPermissionDenied = errors.New("acl: permission denied")

// RoleSystem and RoleCaller name the two seeded RBAC roles.
const (
	RoleSystem = "system"
	RoleCaller = "caller"
)

func permission(p Permission) rbac.Permission {
	return rbac.Permission{Resource: Resource, Action: string(p)}
}

func subject(p Principal) string {
	return fmt.Sprintf("%d", int64(p))
}

// Grant is a triple (owner, alias, grantee) producing an opaque, unforgeable
// grant alias usable only by the grantee.
type Grant struct {
	Owner      Principal
	Alias      string
	Grantee    Principal
	GrantAlias string
}

// ACL resolves principals, checks permissions, and owns the grant table. It
// is safe for concurrent use.
type ACL struct {
	rbac rbac.RBACAdapter

	mu     sync.RWMutex
	grants map[grantKey]Grant // by (grantee, grantAlias)
	byOwner map[ownerKey][]grantKey
}

type grantKey struct {
	grantee Principal
	alias   string
}

type ownerKey struct {
	owner Principal
	alias string
}

// New constructs an ACL backed by the teacher's in-memory RBAC adapter,
// seeded with a system role holding every permission and a caller role
// holding the caller-grantable subset.
func New() *ACL {
	adapter := rbac.NewMemoryRBACAdapter(false)
	systemRole := &rbac.Role{Name: RoleSystem, Description: "privileged platform caller"}
	for _, p := range allPermissions {
		systemRole.Permissions = append(systemRole.Permissions, permission(p))
	}
	callerRole := &rbac.Role{Name: RoleCaller, Description: "ordinary application caller"}
	for _, p := range callerGrantable {
		callerRole.Permissions = append(callerRole.Permissions, permission(p))
	}
	// Role/assignment failures here are programmer errors (duplicate
	// seeding), never a runtime condition; New never returns an error so
	// panicking on them fails fast during development.
	if err := adapter.CreateRole(context.Background(), systemRole); err != nil {
		panic(fmt.Sprintf("acl: seeding system role: %v", err))
	}
	if err := adapter.CreateRole(context.Background(), callerRole); err != nil {
		panic(fmt.Sprintf("acl: seeding caller role: %v", err))
	}
	return &ACL{
		rbac:    adapter,
		grants:  make(map[grantKey]Grant),
		byOwner: make(map[ownerKey][]grantKey),
	}
}

// Bind assigns a principal the system or caller role. Daemon startup binds
// the configured privileged UIDs to RoleSystem and everyone else defaults
// to RoleCaller on first permission check.
func (a *ACL) Bind(ctx context.Context, p Principal, role string) error {
	return a.rbac.AssignRole(ctx, subject(p), role)
}

// EffectivePrincipal replaces the UIDSelf sentinel with caller, matching
// spec.md §4.1's effective_principal.
func EffectivePrincipal(arg, caller Principal) Principal {
	if arg == UIDSelf {
		return caller
	}
	return arg
}

// HasPermission reports whether principal holds perm, defaulting unbound
// principals to RoleCaller. A denial always returns ErrPermissionDenied
// wrapped with the principal/permission; callers treat that as terminal.
func (a *ACL) HasPermission(ctx context.Context, principal Principal, perm Permission) error {
	subj := subject(principal)
	roles, err := a.rbac.GetUserRoles(ctx, subj)
	if err != nil {
		return fmt.Errorf("acl: resolving roles: %w", err)
	}
	if len(roles) == 0 {
		if err := a.rbac.AssignRole(ctx, subj, RoleCaller); err != nil {
			return fmt.Errorf("acl: default role assignment: %w", err)
		}
	}
	ok, err := a.rbac.CheckPermission(ctx, subj, permission(perm))
	if err != nil {
		return fmt.Errorf("acl: checking permission: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: principal %d lacks %s", ErrPermissionDenied, principal, perm)
	}
	return nil
}

// IsGranted reports whether caller may act as target: they are the same
// principal, caller is system, or an active grant from target to caller
// exists for the given alias.
func (a *ACL) IsGranted(caller, target Principal, alias string) bool {
	if caller == target || caller.IsSystem() {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, g := range a.grants {
		if g.Owner == target && g.Grantee == caller && g.Alias == alias {
			return true
		}
	}
	return false
}

// Grant records a new owner->grantee grant and returns the opaque grant
// alias the grantee must use to reach the owner's blob.
func (a *ACL) Grant(owner Principal, alias string, grantee Principal) string {
	grantAlias := fmt.Sprintf("grant.%d.%s.%d", int64(owner), alias, int64(grantee))
	a.mu.Lock()
	defer a.mu.Unlock()
	gk := grantKey{grantee: grantee, alias: grantAlias}
	a.grants[gk] = Grant{Owner: owner, Alias: alias, Grantee: grantee, GrantAlias: grantAlias}
	ok := ownerKey{owner: owner, alias: alias}
	a.byOwner[ok] = append(a.byOwner[ok], gk)
	return grantAlias
}

// Resolve looks up the owner-side (principal, alias) a grant alias refers
// to, for use by the dispatcher when a grantee calls get() with it.
func (a *ACL) Resolve(grantee Principal, grantAlias string) (Principal, string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.grants[grantKey{grantee: grantee, alias: grantAlias}]
	if !ok {
		return 0, "", false
	}
	return g.Owner, g.Alias, true
}

// Ungrant removes a single owner->grantee grant for alias.
func (a *ACL) Ungrant(owner Principal, alias string, grantee Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ok := ownerKey{owner: owner, alias: alias}
	keys := a.byOwner[ok]
	remaining := keys[:0]
	for _, gk := range keys {
		if gk.grantee == grantee {
			delete(a.grants, gk)
			continue
		}
		remaining = append(remaining, gk)
	}
	if len(remaining) == 0 {
		delete(a.byOwner, ok)
	} else {
		a.byOwner[ok] = remaining
	}
}

// ClearPrincipal removes every grant where principal is the owner or the
// grantee, as clear_uid does on either side of a grant relationship.
func (a *ACL) ClearPrincipal(principal Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for gk, g := range a.grants {
		if g.Owner == principal || g.Grantee == principal {
			delete(a.grants, gk)
		}
	}
	for ok := range a.byOwner {
		if ok.owner == principal {
			delete(a.byOwner, ok)
		}
	}
}
