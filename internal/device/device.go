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

// Package device defines the secure-device contract consumed by the
// dispatcher: the hardware-isolated key provider (or its software fallback)
// that performs the actual cryptography. The service treats implementations
// of SecureDevice as opaque; every call may return ErrKeyRequiresUpgrade,
// which the dispatcher handles by running the blob-upgrade protocol.
package device

import (
	"context"
	"errors"

	"github.com/jeremyhahn/go-keychain/internal/status"
)

// Purpose identifies what an operation intends to do with a key.
type Purpose int

const (
	PurposeSign Purpose = iota + 1
	PurposeVerify
	PurposeEncrypt
	PurposeDecrypt
	PurposeDerive
	PurposeWrapKey
)

func (p Purpose) String() string {
	switch p {
	case PurposeSign:
		return "SIGN"
	case PurposeVerify:
		return "VERIFY"
	case PurposeEncrypt:
		return "ENCRYPT"
	case PurposeDecrypt:
		return "DECRYPT"
	case PurposeDerive:
		return "DERIVE"
	case PurposeWrapKey:
		return "WRAP_KEY"
	default:
		return "UNKNOWN"
	}
}

// KeyFormat identifies the wire encoding of imported/exported key material.
type KeyFormat int

const (
	FormatX509 KeyFormat = iota + 1
	FormatPKCS8
	FormatRaw
)

// TagType names a single key-authorization or operation parameter.
type TagType int

const (
	TagAlgorithm TagType = iota + 1
	TagPurpose
	TagDigest
	TagPadding
	TagKeySize
	TagNoAuthRequired
	TagUserSecureID
	TagAuthenticatorType
	TagAuthTimeout
	TagRollbackResistance
	TagActiveDateTime
	TagOriginationExpireDateTime
	TagUsageExpireDateTime
	TagAuthToken
	TagAttestationApplicationId
	TagResetSinceIdRotation
	TagIncludeUniqueId
	TagCriticalToDeviceEncryption
)

// Tag is a single tagged parameter, either in a key's authorization set or
// in the per-call operation parameters.
type Tag struct {
	Type  TagType
	Bytes []byte
	Int   int64
	Bool  bool
}

// ParamSet is an ordered set of tags. Order is not semantically meaningful;
// it is kept stable for deterministic serialization of KeyCharacteristics.
type ParamSet []Tag

// Find returns the first tag of the given type, if present.
func (p ParamSet) Find(t TagType) (Tag, bool) {
	for _, tag := range p {
		if tag.Type == t {
			return tag, true
		}
	}
	return Tag{}, false
}

// Has reports whether a tag of the given type is present.
func (p ParamSet) Has(t TagType) bool {
	_, ok := p.Find(t)
	return ok
}

// Without returns a copy of p with every tag of the given types removed.
func (p ParamSet) Without(types ...TagType) ParamSet {
	out := make(ParamSet, 0, len(p))
	for _, tag := range p {
		skip := false
		for _, t := range types {
			if tag.Type == t {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, tag)
		}
	}
	return out
}

// contains reports whether ParamSet p already has an equivalent tag.
func (p ParamSet) contains(tag Tag) bool {
	for _, existing := range p {
		if existing.Type == tag.Type && existing.Int == tag.Int &&
			existing.Bool == tag.Bool && string(existing.Bytes) == string(tag.Bytes) {
			return true
		}
	}
	return false
}

// Union returns the set union of p and other, deduplicated.
func (p ParamSet) Union(other ParamSet) ParamSet {
	out := make(ParamSet, len(p), len(p)+len(other))
	copy(out, p)
	for _, tag := range other {
		if !out.contains(tag) {
			out = append(out, tag)
		}
	}
	return out
}

// Subtract removes from p every tag whose type also appears in other,
// mirroring the AOSP AuthorizationSet::Subtract behavior the enforcement
// policy relies on when merging persisted characteristics with live ones.
func (p ParamSet) Subtract(other ParamSet) ParamSet {
	out := make(ParamSet, 0, len(p))
	for _, tag := range p {
		if !other.Has(tag.Type) {
			out = append(out, tag)
		}
	}
	return out
}

// KeyAuthorizations is the authorization set describing what a key may do,
// partitioned by which side of the trust boundary enforces it.
type KeyAuthorizations struct {
	TeeEnforced      ParamSet
	SoftwareEnforced ParamSet
}

// All returns the union of both partitions, the view enforcement checks
// against.
func (k KeyAuthorizations) All() ParamSet {
	return k.TeeEnforced.Union(k.SoftwareEnforced)
}

// MergePersisted folds a persisted software-enforced set into k, following
// the AOSP begin() merge: union the persisted set into software_enforced,
// then subtract anything the device itself now claims as tee_enforced. This
// lets off-device policy (recorded at generation time) survive daemon
// restarts even though the live device characteristics say nothing about it.
func (k KeyAuthorizations) MergePersisted(persisted ParamSet) KeyAuthorizations {
	merged := k.SoftwareEnforced.Union(persisted)
	merged = merged.Subtract(k.TeeEnforced)
	return KeyAuthorizations{
		TeeEnforced:      k.TeeEnforced,
		SoftwareEnforced: merged,
	}
}

// Blob is an opaque, typed handle to key material as understood by a
// SecureDevice. The service never inspects Bytes; it only persists and
// replays them.
type Blob struct {
	Bytes    []byte
	Fallback bool
}

// OpHandle is the device-issued handle for an in-flight operation.
type OpHandle uint64

// UpdateResult carries the outcome of a single Update call.
type UpdateResult struct {
	InputConsumed int
	OutParams     ParamSet
	Output        []byte
}

// FinishResult carries the outcome of a Finish call.
type FinishResult struct {
	OutParams ParamSet
	Output    []byte
}

// Sentinel device errors. These map 1:1 onto the negative status.Code space;
// dispatcher code never inspects them beyond errors.Is.
var (
	ErrInvalidArgument         = status.New(status.InvalidArgument)
	ErrKeyUserNotAuthenticated = status.New(status.KeyUserNotAuthenticated)
	ErrKeyRequiresUpgrade      = status.New(status.KeyRequiresUpgrade)
	ErrCannotAttestIds         = status.New(status.CannotAttestIds)
	ErrTooManyOperations       = status.New(status.TooManyOperations)
	ErrInvalidOperationHandle  = status.New(status.InvalidOperationHandle)
	ErrUnknown                 = status.New(status.UnknownError)
	ErrDeviceBusy              = status.New(status.DeviceBusy)
	ErrUnsupported             = status.New(status.Unsupported)
	ErrSoftwareUnavailable     = status.New(status.SoftwareUnavailable)
)

// IsFallbackEligible reports whether err is one of the well-defined errors
// that should cause the master-key manager to retry the same logical
// request against the software fallback device, per the fallback-device
// selection rule.
func IsFallbackEligible(err error) bool {
	return errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrSoftwareUnavailable)
}

// SecureDevice is the contract consumed by the dispatcher. Implementations
// perform real cryptography; the service persists and routes blobs but
// never computes on them directly.
type SecureDevice interface {
	// Name identifies the device for logging and blob-to-device routing.
	Name() string

	AddRNGEntropy(ctx context.Context, entropy []byte) error

	GenerateKey(ctx context.Context, params ParamSet) (*Blob, *KeyAuthorizations, error)
	ImportKey(ctx context.Context, params ParamSet, format KeyFormat, data []byte) (*Blob, *KeyAuthorizations, error)
	GetCharacteristics(ctx context.Context, blob *Blob, clientID, appID []byte) (*KeyAuthorizations, error)
	ExportKey(ctx context.Context, format KeyFormat, blob *Blob, clientID, appID []byte) ([]byte, error)

	Begin(ctx context.Context, purpose Purpose, blob *Blob, params ParamSet) (OpHandle, ParamSet, error)
	Update(ctx context.Context, handle OpHandle, params ParamSet, data []byte) (*UpdateResult, error)
	Finish(ctx context.Context, handle OpHandle, params ParamSet, input, signature []byte) (*FinishResult, error)
	Abort(ctx context.Context, handle OpHandle) error

	AttestKey(ctx context.Context, blob *Blob, params ParamSet) ([][]byte, error)
	DeleteKey(ctx context.Context, blob *Blob) error
	UpgradeKey(ctx context.Context, blob *Blob, params ParamSet) (*Blob, error)
}
