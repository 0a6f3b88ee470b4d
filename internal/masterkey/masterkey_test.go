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

package masterkey

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keychain/internal/blobstore"
	"github.com/jeremyhahn/go-keychain/internal/device"
	"github.com/jeremyhahn/go-keychain/internal/device/software"
	"github.com/jeremyhahn/go-keychain/pkg/storage"
)

func newTestManager() *Manager {
	return New(storage.NewMemory(), software.New(), software.New())
}

func TestState_UnknownUserIsUninitialized(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, blobstore.StateUninitialized, m.State(1))
}

func TestInitialize_TransitionsToUnlocked(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("password")))
	assert.Equal(t, blobstore.StateUnlocked, m.State(1))
}

func TestInitialize_RejectsDoubleInit(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("password")))
	err := m.Initialize(1, []byte("password"))
	assert.Error(t, err)
}

func TestLockUnlock_RoundTrip(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("password")))

	require.NoError(t, m.Lock(1))
	assert.Equal(t, blobstore.StateLocked, m.State(1))

	require.NoError(t, m.Unlock(1, []byte("password")))
	assert.Equal(t, blobstore.StateUnlocked, m.State(1))
}

func TestLock_AlreadyLocked(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("password")))
	require.NoError(t, m.Lock(1))

	err := m.Lock(1)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestLock_Uninitialized(t *testing.T) {
	m := newTestManager()
	err := m.Lock(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestUnlock_WrongPassword(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("password")))
	require.NoError(t, m.Lock(1))

	err := m.Unlock(1, []byte("wrong"))
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.Equal(t, blobstore.StateLocked, m.State(1))
}

func TestUnlock_Uninitialized(t *testing.T) {
	m := newTestManager()
	err := m.Unlock(1, []byte("password"))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestAddUser_NoParentMaterializesUninitializedSlot(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.AddUser(2, 0))
	assert.Equal(t, blobstore.StateUninitialized, m.State(2))
}

func TestAddUser_WithParentCopiesWrappedMasterAndLocks(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("parent-password")))

	require.NoError(t, m.AddUser(2, 1))
	assert.Equal(t, blobstore.StateLocked, m.State(2))

	require.NoError(t, m.Unlock(2, []byte("parent-password")))
	assert.Equal(t, blobstore.StateUnlocked, m.State(2))
}

func TestChangePassword_WhileUnlockedRewraps(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("old-password")))

	require.NoError(t, m.ChangePassword(1, []byte("new-password"), nil))
	assert.Equal(t, blobstore.StateUnlocked, m.State(1))

	require.NoError(t, m.Lock(1))
	err := m.Unlock(1, []byte("old-password"))
	assert.ErrorIs(t, err, ErrWrongPassword)

	require.NoError(t, m.Unlock(1, []byte("new-password")))
}

func TestChangePassword_WhileLockedReinitializes(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("old-password")))
	require.NoError(t, m.Lock(1))

	require.NoError(t, m.ChangePassword(1, []byte("new-password"), nil))
	assert.Equal(t, blobstore.StateUnlocked, m.State(1))

	require.NoError(t, m.Lock(1))
	require.NoError(t, m.Unlock(1, []byte("new-password")))
}

func TestReset_DropsWrappedMasterAndState(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Initialize(1, []byte("password")))

	require.NoError(t, m.Reset(1))
	assert.Equal(t, blobstore.StateUninitialized, m.State(1))

	err := m.Unlock(1, []byte("password"))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestDeviceFor(t *testing.T) {
	primary := software.New()
	fallback := software.New()
	m := New(storage.NewMemory(), primary, fallback)

	assert.Equal(t, primary, m.DeviceFor(false))
	assert.Equal(t, fallback, m.DeviceFor(true))
}

func TestWithPrimary_SucceedsOnPrimary(t *testing.T) {
	m := newTestManager()
	calledWith := make([]bool, 0, 1)

	fellBack, err := m.WithPrimary(context.Background(), func(_ context.Context, d device.SecureDevice) error {
		calledWith = append(calledWith, d == m.primary)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, fellBack)
	assert.Equal(t, []bool{true}, calledWith)
}

func TestWithPrimary_FallsBackOnEligibleError(t *testing.T) {
	m := newTestManager()
	attempt := 0

	fellBack, err := m.WithPrimary(context.Background(), func(_ context.Context, d device.SecureDevice) error {
		attempt++
		if d == m.primary {
			return device.ErrDeviceBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, fellBack)
	assert.Equal(t, 2, attempt)
}

func TestWithPrimary_DoesNotFallBackOnIneligibleError(t *testing.T) {
	m := newTestManager()
	sentinel := errors.New("boom")

	fellBack, err := m.WithPrimary(context.Background(), func(_ context.Context, d device.SecureDevice) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, fellBack)
}
