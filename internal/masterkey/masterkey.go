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

// Package masterkey implements the per-user master-key / user-session
// manager: the lock/unlock state machine of spec.md §3/§4.3, wrapping of
// each user's master key with a password-derived key (via the teacher's
// pkg/adapters/kdf, Argon2id by default), profile copy on user_added, and
// fallback-device selection when the primary secure device refuses a
// request.
package masterkey

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jeremyhahn/go-keychain/internal/blobstore"
	"github.com/jeremyhahn/go-keychain/internal/device"
	"github.com/jeremyhahn/go-keychain/pkg/adapters/kdf"
	"github.com/jeremyhahn/go-keychain/pkg/storage"
)

const masterKeySize = 32 // AES-256

// Sentinel errors.
var (
	ErrWrongPassword  = errors.New("masterkey: incorrect password")
	ErrAlreadyLocked  = errors.New("masterkey: user already locked")
	ErrNotInitialized = errors.New("masterkey: user not initialized")
)

// wireMaster is the persisted representation of a user's wrapped master
// key: salt + KDF choice + AES-GCM-wrapped key bytes.
type wireMaster struct {
	Algorithm kdf.KDFAlgorithm
	Salt      []byte
	Nonce     []byte
	Wrapped   []byte
}

type userSlot struct {
	mu    sync.RWMutex // read = State lookup; write = state transition
	state blobstore.State
	key   []byte // master key material, present only while Unlocked
}

// Manager is the per-user master-key manager of spec.md §4.3. It is safe
// for concurrent use; state transitions for a given user are serialized
// with each other and with State lookups. A key-usage operation reads the
// state once, through State, and holds no lock of the user's afterwards, so
// a later transition does not wait for it.
type Manager struct {
	mu    sync.Mutex // guards the users map's shape (not its contents)
	users map[int64]*userSlot

	wrapped storage.Backend // one key per user: wireMaster encoding
	argon2  *kdf.Argon2Adapter
	pbkdf2  *kdf.PBKDF2Adapter

	primary  device.SecureDevice
	fallback device.SecureDevice
}

// New constructs a Manager. wrapped stores the per-user wireMaster
// records; primary/fallback are the process-wide secure-device singletons
// of spec.md §5.
func New(wrapped storage.Backend, primary, fallback device.SecureDevice) *Manager {
	return &Manager{
		users:    make(map[int64]*userSlot),
		wrapped:  wrapped,
		argon2:   kdf.NewArgon2idAdapter(),
		pbkdf2:   kdf.NewPBKDF2Adapter(),
		primary:  primary,
		fallback: fallback,
	}
}

func (m *Manager) slot(userID int64) *userSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.users[userID]
	if !ok {
		s = &userSlot{state: blobstore.StateUninitialized}
		m.users[userID] = s
	}
	return s
}

// State implements blobstore.UserState.
func (m *Manager) State(userID int64) blobstore.State {
	s := m.slot(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func wrapKey(password []byte, salt []byte, masterKey []byte) (nonce, ciphertext []byte, err error) {
	derived, err := kdf.NewArgon2idAdapter().DeriveKey(password, &kdf.KDFParams{
		Algorithm: kdf.AlgorithmArgon2id,
		Salt:      salt,
		Memory:    64 * 1024,
		Time:      3,
		Threads:   4,
		KeyLength: masterKeySize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("masterkey: deriving wrap key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, nil, fmt.Errorf("masterkey: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("masterkey: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("masterkey: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, masterKey, nil), nil
}

func unwrapKey(password []byte, w wireMaster) ([]byte, error) {
	derived, err := kdf.NewArgon2idAdapter().DeriveKey(password, &kdf.KDFParams{
		Algorithm: kdf.AlgorithmArgon2id,
		Salt:      w.Salt,
		Memory:    64 * 1024,
		Time:      3,
		Threads:   4,
		KeyLength: masterKeySize,
	})
	if err != nil {
		return nil, fmt.Errorf("masterkey: deriving unwrap key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("masterkey: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("masterkey: %w", err)
	}
	plain, err := aead.Open(nil, w.Nonce, w.Wrapped, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plain, nil
}

func userKey(userID int64) string { return fmt.Sprintf("master/%d", userID) }

func encodeWireMaster(w wireMaster) []byte {
	data, err := json.Marshal(w)
	if err != nil {
		// wireMaster only ever holds []byte/string fields; this cannot fail.
		panic(fmt.Sprintf("masterkey: encoding wrapped master: %v", err))
	}
	return data
}

func decodeWireMaster(data []byte) (wireMaster, error) {
	var w wireMaster
	if err := json.Unmarshal(data, &w); err != nil {
		return wireMaster{}, fmt.Errorf("masterkey: decoding wrapped master: %w", err)
	}
	return w, nil
}

func (m *Manager) putWireMaster(userID int64, w wireMaster) error {
	data := encodeWireMaster(w)
	return m.wrapped.Put(userKey(userID), data, storage.DefaultOptions())
}

func (m *Manager) getWireMaster(userID int64) (wireMaster, error) {
	data, err := m.wrapped.Get(userKey(userID))
	if err != nil {
		return wireMaster{}, err
	}
	return decodeWireMaster(data)
}

// Initialize transitions a user Uninitialized -> Unlocked on first password
// set, generating a fresh random master key and wrapping it with a key
// derived from password via Argon2id.
func (m *Manager) Initialize(userID int64, password []byte) error {
	s := m.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != blobstore.StateUninitialized {
		return fmt.Errorf("masterkey: user %d already initialized", userID)
	}
	masterKey := make([]byte, masterKeySize)
	if _, err := rand.Read(masterKey); err != nil {
		return fmt.Errorf("masterkey: %w", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("masterkey: %w", err)
	}
	nonce, wrapped, err := wrapKey(password, salt, masterKey)
	if err != nil {
		return err
	}
	if err := m.putWireMaster(userID, wireMaster{
		Algorithm: kdf.AlgorithmArgon2id, Salt: salt, Nonce: nonce, Wrapped: wrapped,
	}); err != nil {
		return fmt.Errorf("masterkey: persisting wrapped master: %w", err)
	}
	s.key = masterKey
	s.state = blobstore.StateUnlocked
	return nil
}

// AddUser implements user_added(user, parent): when parent is non-zero,
// the parent's wrapped master key is copied byte-for-byte into the new
// user's slot, so the new profile shares the parent's password forever.
// This is deliberate — the parent password is not available at add time.
func (m *Manager) AddUser(userID int64, parent int64) error {
	if parent == 0 {
		m.slot(userID) // just materialize an Uninitialized slot
		return nil
	}
	w, err := m.getWireMaster(parent)
	if err != nil {
		return fmt.Errorf("masterkey: reading parent %d wrapped master: %w", parent, err)
	}
	if err := m.putWireMaster(userID, w); err != nil {
		return fmt.Errorf("masterkey: copying profile: %w", err)
	}
	s := m.slot(userID)
	s.mu.Lock()
	s.state = blobstore.StateLocked
	s.mu.Unlock()
	return nil
}

// Lock transitions Unlocked -> Locked, dropping in-memory master key
// material.
func (m *Manager) Lock(userID int64) error {
	s := m.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == blobstore.StateUninitialized {
		return ErrNotInitialized
	}
	if s.state == blobstore.StateLocked {
		return ErrAlreadyLocked
	}
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	s.state = blobstore.StateLocked
	return nil
}

// Unlock transitions Locked -> Unlocked on successful password
// verification. On failure the state remains Locked; the caller is
// responsible for any externally managed retry counter.
func (m *Manager) Unlock(userID int64, password []byte) error {
	s := m.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == blobstore.StateUninitialized {
		return ErrNotInitialized
	}
	w, err := m.getWireMaster(userID)
	if err != nil {
		return fmt.Errorf("masterkey: reading wrapped master: %w", err)
	}
	key, err := unwrapKey(password, w)
	if err != nil {
		return err
	}
	s.key = key
	s.state = blobstore.StateUnlocked
	return nil
}

// ChangePassword rewraps the master key under a new password while
// Unlocked, or — while Locked — discards encrypted blobs and initializes a
// fresh master key, per spec.md §3 ("Password change in Locked: discard
// encrypted blobs, then initialize new master"). store is the blob store
// whose encrypted entries for userID must be dropped in the Locked path.
func (m *Manager) ChangePassword(userID int64, newPassword []byte, store *blobstore.Store) error {
	s := m.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case blobstore.StateUnlocked:
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("masterkey: %w", err)
		}
		nonce, wrapped, err := wrapKey(newPassword, salt, s.key)
		if err != nil {
			return err
		}
		return m.putWireMaster(userID, wireMaster{
			Algorithm: kdf.AlgorithmArgon2id, Salt: salt, Nonce: nonce, Wrapped: wrapped,
		})
	case blobstore.StateLocked:
		if store != nil {
			if err := store.ResetUser(userID, true); err != nil {
				return fmt.Errorf("masterkey: discarding encrypted blobs: %w", err)
			}
		}
		s.state = blobstore.StateUninitialized
		s.mu.Unlock()
		err := m.Initialize(userID, newPassword)
		s.mu.Lock()
		return err
	default:
		return ErrNotInitialized
	}
}

// Reset transitions userID to Uninitialized and drops its wrapped master
// key record, as onUserPasswordRemoved / reset do.
func (m *Manager) Reset(userID int64) error {
	s := m.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	s.state = blobstore.StateUninitialized
	if err := m.wrapped.Delete(userKey(userID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("masterkey: %w", err)
	}
	return nil
}

// WithPrimary runs fn against the primary secure device; if fn fails with
// an device.IsFallbackEligible error, it retries fn against the fallback
// device and reports fellBack = true on success, matching spec.md §4.3's
// fallback-device selection rule.
func (m *Manager) WithPrimary(ctx context.Context, fn func(context.Context, device.SecureDevice) error) (fellBack bool, err error) {
	err = fn(ctx, m.primary)
	if err == nil {
		return false, nil
	}
	if !device.IsFallbackEligible(err) {
		return false, err
	}
	err = fn(ctx, m.fallback)
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeviceFor routes a blob to the device that produced it, per spec.md
// §4.3: blob-to-device routing is a pure function of the blob flags.
func (m *Manager) DeviceFor(fallback bool) device.SecureDevice {
	if fallback {
		return m.fallback
	}
	return m.primary
}
