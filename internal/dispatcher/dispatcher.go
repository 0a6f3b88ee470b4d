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

// Package dispatcher is the top-level Service of spec.md §4.7/§9: the single
// place every transport (gRPC, REST, local socket) calls into. It composes
// internal/acl, internal/blobstore, internal/masterkey, internal/authtoken,
// internal/opmap, internal/enforcement and internal/device, wrapping every
// call with the teacher's ambient stack: pkg/ratelimit, pkg/metrics and
// pkg/adapters/logger. Service holds no package-level state; spec.md §9's
// design note against ambient globals is why every dependency is threaded
// through New rather than reached for as a singleton.
package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keychain/internal/acl"
	"github.com/jeremyhahn/go-keychain/internal/authtoken"
	"github.com/jeremyhahn/go-keychain/internal/blobstore"
	"github.com/jeremyhahn/go-keychain/internal/device"
	"github.com/jeremyhahn/go-keychain/internal/enforcement"
	"github.com/jeremyhahn/go-keychain/internal/masterkey"
	"github.com/jeremyhahn/go-keychain/internal/opmap"
	"github.com/jeremyhahn/go-keychain/internal/status"
	"github.com/jeremyhahn/go-keychain/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keychain/pkg/metrics"
	"github.com/jeremyhahn/go-keychain/pkg/ratelimit"
)

// ErrRateLimited is returned when a caller exceeds its configured rate.
var ErrRateLimited = errors.New("dispatcher: rate limit exceeded")

// ErrStaleCharacteristics is returned by GetCharacteristics when the device
// reported the stored blob needed upgrading: the dispatcher runs the upgrade
// transparently and still returns the (now current) characteristics, but
// surfaces this distinct outcome rather than silently reporting success, per
// spec.md §9's open question on stale-characteristics result codes.
var ErrStaleCharacteristics = errors.New("dispatcher: key characteristics were stale; blob upgraded")

// Service is the composed keystore entry point.
type Service struct {
	acl     *acl.ACL
	blobs   *blobstore.Store
	master  *masterkey.Manager
	tokens  *authtoken.Table
	ops     *opmap.Map
	limiter *ratelimit.Limiter
	log     logger.Logger
}

// New constructs a Service. limiter may be nil to disable rate limiting; log
// may be nil to fall back to a default slog adapter.
func New(blobs *blobstore.Store, master *masterkey.Manager, aclStore *acl.ACL, limiter *ratelimit.Limiter, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewSlogAdapter(nil)
	}
	return &Service{
		acl:     aclStore,
		blobs:   blobs,
		master:  master,
		tokens:  authtoken.New(authtoken.DefaultCapacity),
		ops:     opmap.New(),
		limiter: limiter,
		log:     log,
	}
}

func clientIDOf(p acl.Principal) string { return fmt.Sprintf("%d", int64(p)) }

// call wraps fn with rate limiting, duration/error metrics, and structured
// logging, so every entry point below is instrumented identically.
func (s *Service) call(clientID, op string, fn func() error) error {
	if s.limiter != nil && !s.limiter.Allow(clientID) {
		metrics.RecordError(op, "dispatcher", "rate_limited")
		return ErrRateLimited
	}
	start := time.Now()
	err := fn()
	dur := time.Since(start).Seconds()
	st := metrics.StatusSuccess
	if err != nil {
		st = metrics.StatusError
	}
	metrics.RecordOperation(op, "dispatcher", st, dur)
	if err != nil {
		metrics.RecordError(op, "dispatcher", errorType(err))
		s.log.Error("operation failed", logger.String("op", op), logger.Error(err))
		return err
	}
	s.log.Debug("operation completed", logger.String("op", op))
	return nil
}

func errorType(err error) string {
	return strings.ToLower(status.FromError(err).String())
}

func translateBlobErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, blobstore.ErrKeyNotFound):
		return status.New(status.KeyNotFound)
	case errors.Is(err, blobstore.ErrLocked):
		return status.New(status.Locked)
	case errors.Is(err, blobstore.ErrUninitialized):
		return status.New(status.Uninitialized)
	default:
		return status.New(status.SystemError)
	}
}

// authorize checks perm for principal, falling back to the grant table when
// caller is acting on behalf of a different principal via alias.
func (s *Service) authorize(ctx context.Context, caller, principal acl.Principal, alias string, perm acl.Permission) error {
	if caller != principal && !caller.IsSystem() && !s.acl.IsGranted(caller, principal, alias) {
		return fmt.Errorf("%w: no grant for %s", acl.ErrPermissionDenied, alias)
	}
	return s.acl.HasPermission(ctx, caller, perm)
}

// authorizeUser checks perm for a user-level (non-key) operation, which only
// the user itself or the system principal may perform.
func (s *Service) authorizeUser(ctx context.Context, caller, target acl.Principal, perm acl.Permission) error {
	if caller != target && !caller.IsSystem() {
		return acl.ErrPermissionDenied
	}
	return s.acl.HasPermission(ctx, caller, perm)
}

func purposePermission(p device.Purpose) acl.Permission {
	switch p {
	case device.PurposeVerify, device.PurposeDecrypt:
		return acl.PermVerify
	default:
		return acl.PermSign
	}
}

func encodeAuthorizations(k device.KeyAuthorizations) ([]byte, error) {
	data, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding key authorizations: %v", blobstore.ErrSystemError, err)
	}
	return data, nil
}

func decodeAuthorizations(data []byte) (device.KeyAuthorizations, error) {
	var k device.KeyAuthorizations
	if err := json.Unmarshal(data, &k); err != nil {
		return device.KeyAuthorizations{}, fmt.Errorf("%w: decoding key authorizations: %v", blobstore.ErrSystemError, err)
	}
	return k, nil
}

// KeyFlags mirrors the insertion flags of spec.md §6 (ENCRYPTED=1,
// CRITICAL_TO_DEVICE_ENCRYPTION=8) that callers attach to generate_key and
// import_key.
type KeyFlags struct {
	Encrypted                  bool
	CriticalToDeviceEncryption bool
	IncludeUniqueId            bool
}

func (s *Service) persistKey(principal acl.Principal, alias string, blob *device.Blob, auths *device.KeyAuthorizations, fallback bool, flags KeyFlags) error {
	charBytes, err := encodeAuthorizations(*auths)
	if err != nil {
		return err
	}
	superEncrypted := auths.All().Has(device.TagUserSecureID) && !flags.CriticalToDeviceEncryption
	keyBlob := blobstore.Blob{Type: blobstore.TypeSecureKey, Bytes: blob.Bytes, Flags: blobstore.Flags{
		Encrypted:                  flags.Encrypted,
		SuperEncrypted:             superEncrypted,
		CriticalToDeviceEncryption: flags.CriticalToDeviceEncryption,
		Fallback:                   fallback,
	}}
	charBlob := blobstore.Blob{Type: blobstore.TypeKeyCharacteristics, Bytes: charBytes}
	return s.blobs.PutKeyWithCharacteristics(principal, alias, keyBlob, charBlob)
}

// checkAuthToken consults the auth-token table for an operation bound to a
// key requiring authentication, returning whether a satisfying token was
// found. A key with no TagUserSecureID constraint never needs one.
func (s *Service) checkAuthToken(op *opmap.Operation) (bool, error) {
	all := op.Characteristics.All()
	if !all.Has(device.TagUserSecureID) {
		return false, nil
	}
	res, tok := s.tokens.FindAuthorization(all, op.Purpose, op.Handle)
	metrics.RecordAuthTokenLookup(strings.ToLower(res.String()))
	switch res {
	case authtoken.ResultOk:
		if tok != nil {
			challenge := tok.Challenge
			op.AuthToken = &challenge
		}
		return true, nil
	case authtoken.ResultNotRequired:
		return true, nil
	case authtoken.ResultOpHandleRequired:
		return false, status.New(status.OpAuthNeeded)
	default:
		return false, device.ErrKeyUserNotAuthenticated
	}
}

// GetState reports the lock state of target's profile.
func (s *Service) GetState(ctx context.Context, caller, target acl.Principal) (blobstore.State, error) {
	var state blobstore.State
	err := s.call(clientIDOf(caller), metrics.OpGetState, func() error {
		if err := s.authorizeUser(ctx, caller, target, acl.PermGetState); err != nil {
			return err
		}
		state = s.master.State(target.UserID())
		return nil
	})
	return state, err
}

// resolveGrant rewrites (principal, alias) to the owner's (principal,
// alias) when alias is an opaque grant alias previously issued to caller,
// so a grantee's get(granted_alias) reaches the owner's underlying blob
// per spec.md §8 scenario 6 (grant round-trip). Returns the input
// unchanged when alias is not a known grant.
func (s *Service) resolveGrant(caller, principal acl.Principal, alias string) (acl.Principal, string) {
	if owner, ownerAlias, ok := s.acl.Resolve(caller, alias); ok {
		return owner, ownerAlias
	}
	return principal, alias
}

// Get returns a generic blob's contents.
func (s *Service) Get(ctx context.Context, caller, target acl.Principal, alias string) ([]byte, error) {
	var out []byte
	err := s.call(clientIDOf(caller), metrics.OpGet, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		principal, alias = s.resolveGrant(caller, principal, alias)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermGet); err != nil {
			return err
		}
		b, err := s.blobs.Get(principal, alias, blobstore.TypeGeneric)
		if err != nil {
			if errors.Is(err, blobstore.ErrUninitialized) {
				if ok, exErr := s.blobs.Exists(principal, alias); exErr == nil && !ok {
					return status.New(status.KeyNotFound)
				}
			}
			return translateBlobErr(err)
		}
		out = b.Bytes
		return nil
	})
	return out, err
}

// Insert stores a generic blob.
func (s *Service) Insert(ctx context.Context, caller, target acl.Principal, alias string, data []byte, encrypted bool) error {
	return s.call(clientIDOf(caller), metrics.OpStore, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermInsert); err != nil {
			return err
		}
		blob := blobstore.Blob{Type: blobstore.TypeGeneric, Bytes: data, Flags: blobstore.Flags{Encrypted: encrypted}}
		if err := s.blobs.Put(principal, alias, blobstore.TypeGeneric, blob); err != nil {
			return translateBlobErr(err)
		}
		return nil
	})
}

// Delete removes a generic blob.
func (s *Service) Delete(ctx context.Context, caller, target acl.Principal, alias string) error {
	return s.call(clientIDOf(caller), metrics.OpDelete, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermDelete); err != nil {
			return err
		}
		return translateBlobErr(s.blobs.Del(principal, alias, blobstore.TypeGeneric))
	})
}

// Exist reports whether alias is present under target, as seen by caller.
func (s *Service) Exist(ctx context.Context, caller, target acl.Principal, alias string) (bool, error) {
	var exists bool
	err := s.call(clientIDOf(caller), metrics.OpExist, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermExist); err != nil {
			return err
		}
		ok, err := s.blobs.Exists(principal, alias)
		exists = ok
		return translateBlobErr(err)
	})
	return exists, err
}

// List returns every alias under target matching prefix.
func (s *Service) List(ctx context.Context, caller, target acl.Principal, prefix string) ([]string, error) {
	var aliases []string
	err := s.call(clientIDOf(caller), metrics.OpList, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorizeUser(ctx, caller, principal, acl.PermList); err != nil {
			return err
		}
		a, err := s.blobs.List(principal, prefix)
		aliases = a
		return translateBlobErr(err)
	})
	return aliases, err
}

// IsEmpty reports whether target's profile holds no entries.
func (s *Service) IsEmpty(ctx context.Context, caller, target acl.Principal) (bool, error) {
	var empty bool
	err := s.call(clientIDOf(caller), metrics.OpIsEmpty, func() error {
		if err := s.authorizeUser(ctx, caller, target, acl.PermIsEmpty); err != nil {
			return err
		}
		aliases, err := s.blobs.List(target, "")
		if err != nil {
			return translateBlobErr(err)
		}
		empty = len(aliases) == 0
		return nil
	})
	return empty, err
}

// Reset discards every blob belonging to target and returns its profile to
// Uninitialized, as a full factory reset of that user.
func (s *Service) Reset(ctx context.Context, caller, target acl.Principal) error {
	return s.call(clientIDOf(caller), metrics.OpReset, func() error {
		if err := s.authorizeUser(ctx, caller, target, acl.PermReset); err != nil {
			return err
		}
		userID := target.UserID()
		if err := s.blobs.ResetUser(userID, false); err != nil {
			return translateBlobErr(err)
		}
		return s.master.Reset(userID)
	})
}

// Password sets or changes target's password, initializing its profile on
// first call.
func (s *Service) Password(ctx context.Context, caller, target acl.Principal, password []byte) error {
	return s.call(clientIDOf(caller), metrics.OpPassword, func() error {
		if err := s.authorizeUser(ctx, caller, target, acl.PermPassword); err != nil {
			return err
		}
		userID := target.UserID()
		if s.master.State(userID) == blobstore.StateUninitialized {
			return s.master.Initialize(userID, password)
		}
		return s.master.ChangePassword(userID, password, s.blobs)
	})
}

// Lock locks target's profile, dropping its in-memory master key.
func (s *Service) Lock(ctx context.Context, caller, target acl.Principal) error {
	return s.call(clientIDOf(caller), metrics.OpLock, func() error {
		if err := s.authorizeUser(ctx, caller, target, acl.PermLock); err != nil {
			return err
		}
		return s.master.Lock(target.UserID())
	})
}

// Unlock unlocks target's profile with password.
func (s *Service) Unlock(ctx context.Context, caller, target acl.Principal, password []byte) error {
	return s.call(clientIDOf(caller), metrics.OpUnlock, func() error {
		if err := s.authorizeUser(ctx, caller, target, acl.PermUnlock); err != nil {
			return err
		}
		return s.master.Unlock(target.UserID(), password)
	})
}

// OnUserAdded registers a new profile, copying parent's password state when
// parent is non-zero (the AOSP profile-copy behavior).
func (s *Service) OnUserAdded(ctx context.Context, caller, user, parent acl.Principal) error {
	return s.call(clientIDOf(caller), metrics.OpUserChanged, func() error {
		if err := s.acl.HasPermission(ctx, caller, acl.PermUserChanged); err != nil {
			return err
		}
		return s.master.AddUser(user.UserID(), parent.UserID())
	})
}

// GenerateKey creates a new key under alias, routed through the primary
// secure device with fallback-on-failure, and persists it with its
// characteristics companion.
func (s *Service) GenerateKey(ctx context.Context, caller, target acl.Principal, alias string, params device.ParamSet, entropy []byte, flags KeyFlags) (*device.KeyAuthorizations, error) {
	var result *device.KeyAuthorizations
	err := s.call(clientIDOf(caller), metrics.OpGenerate, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermInsert); err != nil {
			return err
		}
		if flags.CriticalToDeviceEncryption && !caller.IsSystem() {
			return acl.ErrPermissionDenied
		}
		if flags.IncludeUniqueId {
			if err := s.acl.HasPermission(ctx, caller, acl.PermGenUniqueId); err != nil {
				return err
			}
		}
		var blob *device.Blob
		var auths *device.KeyAuthorizations
		fellBack, err := s.master.WithPrimary(ctx, func(ctx context.Context, dev device.SecureDevice) error {
			if len(entropy) > 0 {
				_ = dev.AddRNGEntropy(ctx, entropy)
			}
			b, ka, err := dev.GenerateKey(ctx, params)
			blob, auths = b, ka
			return err
		})
		if err != nil {
			return err
		}
		if err := s.persistKey(principal, alias, blob, auths, fellBack, flags); err != nil {
			return err
		}
		result = auths
		return nil
	})
	return result, err
}

// ImportKey imports externally supplied key material under alias.
func (s *Service) ImportKey(ctx context.Context, caller, target acl.Principal, alias string, params device.ParamSet, format device.KeyFormat, data []byte, flags KeyFlags) (*device.KeyAuthorizations, error) {
	var result *device.KeyAuthorizations
	err := s.call(clientIDOf(caller), metrics.OpImport, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermInsert); err != nil {
			return err
		}
		if flags.CriticalToDeviceEncryption && !caller.IsSystem() {
			return acl.ErrPermissionDenied
		}
		if flags.IncludeUniqueId {
			if err := s.acl.HasPermission(ctx, caller, acl.PermGenUniqueId); err != nil {
				return err
			}
		}
		var blob *device.Blob
		var auths *device.KeyAuthorizations
		fellBack, err := s.master.WithPrimary(ctx, func(ctx context.Context, dev device.SecureDevice) error {
			b, ka, err := dev.ImportKey(ctx, params, format, data)
			blob, auths = b, ka
			return err
		})
		if err != nil {
			return err
		}
		if err := s.persistKey(principal, alias, blob, auths, fellBack, flags); err != nil {
			return err
		}
		result = auths
		return nil
	})
	return result, err
}

// GetCharacteristics returns the merged (live device + persisted) key
// authorizations for alias, transparently running the blob-upgrade protocol
// when the device reports the stored blob is stale.
func (s *Service) GetCharacteristics(ctx context.Context, caller, target acl.Principal, alias string, clientID, appID []byte) (*device.KeyAuthorizations, error) {
	var result *device.KeyAuthorizations
	err := s.call(clientIDOf(caller), metrics.OpGet, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermGet); err != nil {
			return err
		}
		keyBlob, err := s.blobs.Get(principal, alias, blobstore.TypeSecureKey)
		if err != nil {
			return translateBlobErr(err)
		}
		charBlob, err := s.blobs.Get(principal, alias, blobstore.TypeKeyCharacteristics)
		if err != nil {
			return translateBlobErr(err)
		}
		persisted, err := decodeAuthorizations(charBlob.Bytes)
		if err != nil {
			return err
		}
		dev := s.master.DeviceFor(keyBlob.Flags.Fallback)
		devBlob := &device.Blob{Bytes: keyBlob.Bytes, Fallback: keyBlob.Flags.Fallback}
		live, err := dev.GetCharacteristics(ctx, devBlob, clientID, appID)
		if errors.Is(err, device.ErrKeyRequiresUpgrade) {
			upgraded, uerr := dev.UpgradeKey(ctx, devBlob, persisted.All())
			if uerr != nil {
				return uerr
			}
			keyBlob.Bytes = upgraded.Bytes
			if perr := s.blobs.Put(principal, alias, blobstore.TypeSecureKey, keyBlob); perr != nil {
				return translateBlobErr(perr)
			}
			live, err = dev.GetCharacteristics(ctx, upgraded, clientID, appID)
			if err != nil {
				return err
			}
			merged := live.MergePersisted(persisted.SoftwareEnforced)
			result = &merged
			return ErrStaleCharacteristics
		}
		if err != nil {
			return err
		}
		merged := live.MergePersisted(persisted.SoftwareEnforced)
		result = &merged
		return nil
	})
	return result, err
}

// ExportKey exports alias's public or wrapped material in format.
func (s *Service) ExportKey(ctx context.Context, caller, target acl.Principal, alias string, format device.KeyFormat, clientID, appID []byte) ([]byte, error) {
	var out []byte
	err := s.call(clientIDOf(caller), metrics.OpExport, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermGet); err != nil {
			return err
		}
		keyBlob, err := s.blobs.Get(principal, alias, blobstore.TypeSecureKey)
		if err != nil {
			return translateBlobErr(err)
		}
		dev := s.master.DeviceFor(keyBlob.Flags.Fallback)
		devBlob := &device.Blob{Bytes: keyBlob.Bytes, Fallback: keyBlob.Flags.Fallback}
		data, err := dev.ExportKey(ctx, format, devBlob, clientID, appID)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// Begin starts a sign/verify/encrypt/decrypt operation against alias,
// returning an opaque token the caller passes to Update/Finish/Abort.
func (s *Service) Begin(ctx context.Context, caller, target acl.Principal, alias string, purpose device.Purpose, pruneable bool, params device.ParamSet, entropy []byte, client opmap.ClientRef) (opmap.Token, device.ParamSet, error) {
	var token opmap.Token
	var outParams device.ParamSet
	err := s.call(clientIDOf(caller), metrics.OpBegin, func() error {
		if !pruneable && !caller.IsSystem() {
			return acl.ErrPermissionDenied
		}
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, purposePermission(purpose)); err != nil {
			return err
		}
		keyBlob, err := s.blobs.Get(principal, alias, blobstore.TypeSecureKey)
		if err != nil {
			return translateBlobErr(err)
		}
		charBlob, err := s.blobs.Get(principal, alias, blobstore.TypeKeyCharacteristics)
		if err != nil {
			return translateBlobErr(err)
		}
		auths, err := decodeAuthorizations(charBlob.Bytes)
		if err != nil {
			return err
		}
		dev := s.master.DeviceFor(keyBlob.Flags.Fallback)
		devBlob := &device.Blob{Bytes: keyBlob.Bytes, Fallback: keyBlob.Flags.Fallback}
		keyID := enforcement.KeyID(devBlob)

		op := &opmap.Operation{
			Token:           opmap.NewToken(),
			Purpose:         purpose,
			KeyID:           keyID,
			Characteristics: &auths,
			Fallback:        keyBlob.Flags.Fallback,
			Client:          client,
			Pruneable:       pruneable,
		}
		bound, err := s.checkAuthToken(op)
		if err != nil {
			return err
		}
		if err := enforcement.AuthorizeOperation(purpose, keyID, auths.All(), params, 0, true, bound, time.Now()); err != nil {
			return err
		}
		if len(entropy) > 0 {
			_ = dev.AddRNGEntropy(ctx, entropy)
		}
		handle, out, err := dev.Begin(ctx, purpose, devBlob, params)
		if err != nil {
			return err
		}
		op.Handle = handle
		op.SetAbortFunc(func() error { return dev.Abort(context.Background(), handle) })
		full := s.ops.Count() >= opmap.MaxOperations
		if err := s.ops.Insert(op); err != nil {
			_ = dev.Abort(ctx, handle)
			return err
		}
		if full {
			metrics.RecordOperationMapPrune()
		}
		metrics.SetOperationMapActive(float64(s.ops.Count()))
		token = op.Token
		outParams = out
		return nil
	})
	return token, outParams, err
}

// Update feeds more input into an in-flight operation.
func (s *Service) Update(ctx context.Context, token opmap.Token, params device.ParamSet, data []byte) (*device.UpdateResult, error) {
	var result *device.UpdateResult
	err := s.call("", metrics.OpUpdate, func() error {
		op, err := s.ops.Get(token)
		if err != nil {
			return err
		}
		op.Lock()
		defer op.Unlock()
		bound, err := s.checkAuthToken(op)
		if err != nil {
			return err
		}
		if err := enforcement.AuthorizeOperation(op.Purpose, op.KeyID, op.Characteristics.All(), params, op.Handle, false, bound, time.Now()); err != nil {
			return err
		}
		dev := s.master.DeviceFor(op.Fallback)
		res, err := dev.Update(ctx, op.Handle, params, data)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// Finish completes an in-flight operation, releasing its slot in the
// operation map and retiring any bound auth token.
func (s *Service) Finish(ctx context.Context, token opmap.Token, params device.ParamSet, input, signature, entropy []byte) (*device.FinishResult, error) {
	var result *device.FinishResult
	err := s.call("", metrics.OpFinish, func() error {
		op, err := s.ops.Get(token)
		if err != nil {
			return err
		}
		op.Lock()
		bound, err := s.checkAuthToken(op)
		if err != nil {
			op.Unlock()
			return err
		}
		if err := enforcement.AuthorizeOperation(op.Purpose, op.KeyID, op.Characteristics.All(), params, op.Handle, false, bound, time.Now()); err != nil {
			op.Unlock()
			return err
		}
		dev := s.master.DeviceFor(op.Fallback)
		if len(entropy) > 0 {
			_ = dev.AddRNGEntropy(ctx, entropy)
		}
		res, err := dev.Finish(ctx, op.Handle, params, input, signature)
		handle := op.Handle
		op.Unlock()
		if err != nil {
			return err
		}
		s.ops.Remove(token)
		s.tokens.MarkCompleted(handle)
		metrics.SetOperationMapActive(float64(s.ops.Count()))
		result = res
		return nil
	})
	return result, err
}

// Abort cancels an in-flight operation.
func (s *Service) Abort(ctx context.Context, token opmap.Token) error {
	return s.call("", metrics.OpAbort, func() error {
		op, lookupErr := s.ops.Get(token)
		err := s.ops.Abort(token)
		if lookupErr == nil {
			s.tokens.MarkCompleted(op.Handle)
		}
		metrics.SetOperationMapActive(float64(s.ops.Count()))
		return err
	})
}

// AttestKey returns an attestation certificate chain for alias.
func (s *Service) AttestKey(ctx context.Context, caller, target acl.Principal, alias string, params device.ParamSet) ([][]byte, error) {
	var chain [][]byte
	err := s.call(clientIDOf(caller), metrics.OpAttest, func() error {
		principal := acl.EffectivePrincipal(target, caller)
		if err := s.authorize(ctx, caller, principal, alias, acl.PermGet); err != nil {
			return err
		}
		keyBlob, err := s.blobs.Get(principal, alias, blobstore.TypeSecureKey)
		if err != nil {
			return translateBlobErr(err)
		}
		dev := s.master.DeviceFor(keyBlob.Flags.Fallback)
		devBlob := &device.Blob{Bytes: keyBlob.Bytes, Fallback: keyBlob.Flags.Fallback}
		c, err := dev.AttestKey(ctx, devBlob, params)
		if err != nil {
			return err
		}
		chain = c
		return nil
	})
	return chain, err
}

// AttestDeviceIds returns an attestation chain binding permanent device
// identifiers, restricted to the system principal since it reveals
// identifiers ordinary callers must never see. Per spec.md §4.7 it
// generates an ephemeral key solely to carry the attestation, then deletes
// it whether or not the attestation succeeded.
func (s *Service) AttestDeviceIds(ctx context.Context, caller acl.Principal, params device.ParamSet) ([][]byte, error) {
	var chain [][]byte
	err := s.call(clientIDOf(caller), metrics.OpAttest, func() error {
		if !caller.IsSystem() {
			return acl.ErrPermissionDenied
		}
		dev := s.master.DeviceFor(false)
		idParams := params.Union(device.ParamSet{{Type: device.TagIncludeUniqueId, Bool: true}})
		blob, _, err := dev.GenerateKey(ctx, idParams)
		if err != nil {
			return err
		}
		c, attestErr := dev.AttestKey(ctx, blob, idParams)
		delErr := dev.DeleteKey(ctx, blob)
		if attestErr != nil {
			return attestErr
		}
		if delErr != nil {
			return delErr
		}
		chain = c
		return nil
	})
	return chain, err
}

// Duplicate copies alias from its source principal to a destination
// principal/alias pair, leaving the source untouched.
func (s *Service) Duplicate(ctx context.Context, caller, srcPrincipal acl.Principal, srcAlias string, destPrincipal acl.Principal, destAlias string) error {
	return s.call(clientIDOf(caller), metrics.OpDuplicate, func() error {
		if err := s.authorize(ctx, caller, srcPrincipal, srcAlias, acl.PermDuplicate); err != nil {
			return err
		}
		keyBlob, err := s.blobs.Get(srcPrincipal, srcAlias, blobstore.TypeSecureKey)
		if err != nil {
			return translateBlobErr(err)
		}
		charBlob, err := s.blobs.Get(srcPrincipal, srcAlias, blobstore.TypeKeyCharacteristics)
		if err != nil {
			return translateBlobErr(err)
		}
		return translateBlobErr(s.blobs.PutKeyWithCharacteristics(destPrincipal, destAlias, keyBlob, charBlob))
	})
}

// Grant lets grantee reach caller's alias, returning the opaque grant alias
// the grantee must present.
func (s *Service) Grant(ctx context.Context, caller acl.Principal, alias string, grantee acl.Principal) (string, error) {
	var grantAlias string
	err := s.call(clientIDOf(caller), metrics.OpGrant, func() error {
		if err := s.acl.HasPermission(ctx, caller, acl.PermGrant); err != nil {
			return err
		}
		exists, err := s.blobs.Exists(caller, alias)
		if err != nil {
			return translateBlobErr(err)
		}
		if !exists {
			return translateBlobErr(blobstore.ErrKeyNotFound)
		}
		grantAlias = s.acl.Grant(caller, alias, grantee)
		return nil
	})
	return grantAlias, err
}

// Ungrant revokes a previously issued grant.
func (s *Service) Ungrant(ctx context.Context, caller acl.Principal, alias string, grantee acl.Principal) error {
	return s.call(clientIDOf(caller), metrics.OpUngrant, func() error {
		if err := s.acl.HasPermission(ctx, caller, acl.PermGrant); err != nil {
			return err
		}
		s.acl.Ungrant(caller, alias, grantee)
		return nil
	})
}

// ClearUid removes every entry and grant belonging to target, as the
// platform does when an app is uninstalled. Per spec.md §4.7, blobs flagged
// CriticalToDeviceEncryption are preserved when target is the system
// principal.
func (s *Service) ClearUid(ctx context.Context, caller, target acl.Principal) error {
	return s.call(clientIDOf(caller), metrics.OpClearUid, func() error {
		if err := s.acl.HasPermission(ctx, caller, acl.PermClearUid); err != nil {
			return err
		}
		aliases, err := s.blobs.List(target, "")
		if err != nil {
			return translateBlobErr(err)
		}
		for _, alias := range aliases {
			if target.IsSystem() {
				if b, err := s.blobs.Get(target, alias, blobstore.TypeSecureKey); err == nil && b.Flags.CriticalToDeviceEncryption {
					continue
				}
			}
			_ = s.blobs.Del(target, alias, blobstore.TypeSecureKey)
			_ = s.blobs.Del(target, alias, blobstore.TypeGeneric)
		}
		s.acl.ClearPrincipal(target)
		return nil
	})
}

// AddAuthToken feeds a freshly minted hardware authentication token into the
// auth-token table, restricted to the system principal (keyguard/biometric
// daemons run as system).
func (s *Service) AddAuthToken(ctx context.Context, caller acl.Principal, token authtoken.Token) error {
	return s.call(clientIDOf(caller), metrics.OpAddAuthTok, func() error {
		if err := s.acl.HasPermission(ctx, caller, acl.PermAddAuth); err != nil {
			return err
		}
		s.tokens.AddAuthenticationToken(token)
		return nil
	})
}

// OnDeviceOffBody invalidates every held token requiring on-body presence.
func (s *Service) OnDeviceOffBody(ctx context.Context) {
	s.tokens.OnDeviceOffBody()
}

// GenerateUniqueID mints a random per-app unique identifier, restricted to
// the system principal.
func (s *Service) GenerateUniqueID(ctx context.Context, caller acl.Principal) (uint64, error) {
	var id uint64
	err := s.call(clientIDOf(caller), metrics.OpGenUniqueId, func() error {
		if err := s.acl.HasPermission(ctx, caller, acl.PermGenUniqueId); err != nil {
			return err
		}
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return fmt.Errorf("%w: %v", blobstore.ErrSystemError, err)
		}
		id = binary.BigEndian.Uint64(buf[:])
		return nil
	})
	return id, err
}
