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

// Package blobstore maps (principal, alias, type) to durable blobs over two
// github.com/jeremyhahn/go-keychain/pkg/storage backends: one for primary
// blobs, one for their KeyCharacteristics companions. It enforces the
// characteristics side-table invariant (every SecureKey has a companion;
// deleting the key deletes its companion) and consults an injected UserState
// provider so that super_encrypted blobs never surface while the owning
// user is Locked.
package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeremyhahn/go-keychain/internal/acl"
	"github.com/jeremyhahn/go-keychain/pkg/storage"
)

// Type discriminates the persisted blob variants of spec.md §3.
type Type int

const (
	TypeGeneric Type = iota + 1
	TypeSecureKey
	TypeKeyCharacteristics
	TypeMaster
)

func (t Type) String() string {
	switch t {
	case TypeGeneric:
		return "generic"
	case TypeSecureKey:
		return "secure_key"
	case TypeKeyCharacteristics:
		return "key_characteristics"
	case TypeMaster:
		return "master"
	default:
		return "unknown"
	}
}

// Flags are the persisted bit flags of spec.md §6 plus the two additional
// ones §3 describes (super_encrypted, fallback).
type Flags struct {
	Encrypted                  bool
	SuperEncrypted             bool
	CriticalToDeviceEncryption bool
	Fallback                   bool
}

// Blob is a typed persistent unit, per spec.md §3.
type Blob struct {
	Type  Type
	Bytes []byte
	Flags Flags
}

// State is a per-user lifecycle state, mirrored from internal/masterkey so
// blobstore can depend on it without importing masterkey (which itself
// depends on blobstore for persistence).
type State int

const (
	StateUninitialized State = iota + 1
	StateUnlocked
	StateLocked
)

// UserState is the subset of the master-key manager the blob store needs:
// enough to decide whether an encrypted/super_encrypted blob may be
// returned. Implemented by internal/masterkey.Manager.
type UserState interface {
	State(userID int64) State
}

// Sentinel errors returned by Store methods. These participate in
// errors.Is chains the dispatcher's translation boundary matches against.
var (
	ErrKeyNotFound     = errors.New("blobstore: key not found")
	ErrLocked          = errors.New("blobstore: user locked")
	ErrUninitialized   = errors.New("blobstore: user uninitialized")
	ErrSystemError     = errors.New("blobstore: system error")
)

// Store is the blob store of spec.md §4.2, backed by two storage.Backend
// instances.
type Store struct {
	primary         storage.Backend
	characteristics storage.Backend
	state           UserState

	mu sync.Mutex // serializes put/del pairs that touch both backends
}

// New constructs a Store. primary holds Generic/SecureKey/Master blobs;
// characteristics holds their KeyCharacteristics companions. Passing the
// same backend for both is valid (key namespacing via Type keeps them
// distinct); tests typically use two storage.NewMemory() backends.
func New(primary, characteristics storage.Backend, state UserState) *Store {
	return &Store{primary: primary, characteristics: characteristics, state: state}
}

func key(p acl.Principal, alias string, t Type) string {
	return fmt.Sprintf("%d/%s/%s", int64(p), t, alias)
}

func backendFor(t Type) func(*Store) storage.Backend {
	if t == TypeKeyCharacteristics {
		return func(s *Store) storage.Backend { return s.characteristics }
	}
	return func(s *Store) storage.Backend { return s.primary }
}

type wireBlob struct {
	Type  Type
	Bytes []byte
	Flags Flags
}

func encode(b Blob) ([]byte, error) {
	return json.Marshal(wireBlob{Type: b.Type, Bytes: b.Bytes, Flags: b.Flags})
}

func decode(data []byte) (Blob, error) {
	var w wireBlob
	if err := json.Unmarshal(data, &w); err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrSystemError, err)
	}
	return Blob{Type: w.Type, Bytes: w.Bytes, Flags: w.Flags}, nil
}

// Put atomically replaces the blob at (principal, alias, type). If the
// blob is Encrypted and the owning user is not Unlocked, it fails with
// ErrLocked rather than persisting ciphertext no one can currently unwrap
// consistently with in-memory master-key state.
func (s *Store) Put(principal acl.Principal, alias string, t Type, b Blob) error {
	if b.Flags.Encrypted && s.state.State(principal.UserID()) != StateUnlocked {
		return ErrLocked
	}
	data, err := encode(b)
	if err != nil {
		return err
	}
	backend := backendFor(t)(s)
	if err := backend.Put(key(principal, alias, t), data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("%w: %v", ErrSystemError, err)
	}
	return nil
}

// Get returns the blob at (principal, alias, type). A SuperEncrypted blob
// is refused with ErrLocked while the owning user is Locked, before any
// attempt is made to interpret its bytes.
func (s *Store) Get(principal acl.Principal, alias string, t Type) (Blob, error) {
	switch s.state.State(principal.UserID()) {
	case StateUninitialized:
		return Blob{}, ErrUninitialized
	}
	backend := backendFor(t)(s)
	data, err := backend.Get(key(principal, alias, t))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Blob{}, ErrKeyNotFound
		}
		return Blob{}, fmt.Errorf("%w: %v", ErrSystemError, err)
	}
	b, err := decode(data)
	if err != nil {
		return Blob{}, err
	}
	if b.Flags.SuperEncrypted && s.state.State(principal.UserID()) == StateLocked {
		return Blob{}, ErrLocked
	}
	return b, nil
}

// PutKeyWithCharacteristics writes a SecureKey blob and its
// KeyCharacteristics companion as a single unit, preserving the §4.2
// invariant that either both exist or a put is in progress: the companion
// is written first (harmless if orphaned), then the primary key, so a
// crash between the two leaves, at worst, an orphaned companion rather than
// a key with no characteristics.
func (s *Store) PutKeyWithCharacteristics(principal acl.Principal, alias string, keyBlob Blob, characteristics Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Put(principal, alias, TypeKeyCharacteristics, characteristics); err != nil {
		return err
	}
	if err := s.Put(principal, alias, TypeSecureKey, keyBlob); err != nil {
		return err
	}
	return nil
}

// Del removes the blob at (principal, alias, t). Deleting a SecureKey also
// deletes its characteristics companion. Deleting the characteristics
// side-table entry directly is idempotent and never returns ErrKeyNotFound
// (the side table is allowed to be absent); deleting a primary entry that
// does not exist returns ErrKeyNotFound.
func (s *Store) Del(principal acl.Principal, alias string, t Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == TypeKeyCharacteristics {
		if err := s.characteristics.Delete(key(principal, alias, t)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrSystemError, err)
		}
		return nil
	}
	if err := s.primary.Delete(key(principal, alias, t)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("%w: %v", ErrSystemError, err)
	}
	if t == TypeSecureKey {
		_ = s.characteristics.Delete(key(principal, alias, TypeKeyCharacteristics))
	}
	return nil
}

// List returns every alias under principal whose key starts with prefix,
// scanning the primary backend only (characteristics-only entries are not
// independently listable).
func (s *Store) List(principal acl.Principal, prefix string) ([]string, error) {
	scanPrefix := fmt.Sprintf("%d/", int64(principal))
	keys, err := s.primary.List(scanPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSystemError, err)
	}
	var aliases []string
	seen := make(map[string]bool)
	for _, k := range keys {
		parts := strings.SplitN(strings.TrimPrefix(k, scanPrefix), "/", 2)
		if len(parts) != 2 {
			continue
		}
		alias := parts[1]
		if prefix != "" && !strings.HasPrefix(alias, prefix) {
			continue
		}
		if !seen[alias] {
			seen[alias] = true
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	return aliases, nil
}

// Exists reports whether any primary blob exists at (principal, alias)
// regardless of type.
func (s *Store) Exists(principal acl.Principal, alias string) (bool, error) {
	for _, t := range []Type{TypeGeneric, TypeSecureKey, TypeMaster} {
		ok, err := s.primary.Exists(key(principal, alias, t))
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrSystemError, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// principalOf extracts the principal component of a storage key of the
// form "<principal>/<type>/<alias>".
func principalOf(k string) (acl.Principal, bool) {
	idx := strings.IndexByte(k, '/')
	if idx < 0 {
		return 0, false
	}
	var p int64
	if _, err := fmt.Sscanf(k[:idx], "%d", &p); err != nil {
		return 0, false
	}
	return acl.Principal(p), true
}

// ResetUser deletes blobs for every principal belonging to userID. If
// keepUnencryptedOnly is true, only Encrypted blobs (and the characteristics
// companions of removed SecureKeys) are removed; otherwise
// every blob belonging to the user is removed. Callers transition user
// state to Uninitialized separately (the master-key manager owns that
// transition).
func (s *Store) ResetUser(userID int64, keepUnencryptedOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.primary.List("")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSystemError, err)
	}
	removed := make(map[string]bool)
	for _, k := range keys {
		principal, ok := principalOf(k)
		if !ok || principal.UserID() != userID {
			continue
		}
		if keepUnencryptedOnly {
			data, err := s.primary.Get(k)
			if err != nil {
				continue
			}
			b, err := decode(data)
			if err != nil || !b.Flags.Encrypted {
				continue
			}
		}
		if err := s.primary.Delete(k); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrSystemError, err)
		}
		removed[strings.Replace(k, "/"+TypeSecureKey.String()+"/", "/"+TypeKeyCharacteristics.String()+"/", 1)] = true
	}
	cKeys, err := s.characteristics.List("")
	if err == nil {
		for _, k := range cKeys {
			principal, ok := principalOf(k)
			if !ok || principal.UserID() != userID {
				continue
			}
			if keepUnencryptedOnly && !removed[k] {
				continue
			}
			_ = s.characteristics.Delete(k)
		}
	}
	return nil
}
