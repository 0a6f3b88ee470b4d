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

package enforcement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-keychain/internal/device"
)

func TestKeyID_StableOverSameBytes(t *testing.T) {
	b1 := &device.Blob{Bytes: []byte("same-bytes")}
	b2 := &device.Blob{Bytes: []byte("same-bytes")}
	assert.Equal(t, KeyID(b1), KeyID(b2))
}

func TestKeyID_NilBlob(t *testing.T) {
	assert.Equal(t, "", KeyID(nil))
}

func TestAuthorizeOperation_NoRestrictionsAllowsAnyPurpose(t *testing.T) {
	err := AuthorizeOperation(device.PurposeSign, "key", nil, nil, 0, true, false, time.Now())
	assert.NoError(t, err)
}

func TestAuthorizeOperation_PurposeNotAllowed(t *testing.T) {
	keyAuths := device.ParamSet{{Type: device.TagPurpose, Int: int64(device.PurposeVerify)}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, time.Now())
	assert.ErrorIs(t, err, ErrPurposeNotAllowed)
}

func TestAuthorizeOperation_PurposeAllowed(t *testing.T) {
	keyAuths := device.ParamSet{{Type: device.TagPurpose, Int: int64(device.PurposeSign)}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, time.Now())
	assert.NoError(t, err)
}

func TestAuthorizeOperation_PurposeOnlyCheckedOnBegin(t *testing.T) {
	keyAuths := device.ParamSet{{Type: device.TagPurpose, Int: int64(device.PurposeVerify)}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, false, false, time.Now())
	assert.NoError(t, err)
}

func TestAuthorizeOperation_DisallowedClientTag(t *testing.T) {
	opParams := device.ParamSet{{Type: device.TagAuthToken, Bytes: []byte("forged")}}
	err := AuthorizeOperation(device.PurposeSign, "key", nil, opParams, 0, true, false, time.Now())
	assert.ErrorIs(t, err, ErrDisallowedTag)
}

func TestAuthorizeOperation_RequiredParamMissing(t *testing.T) {
	keyAuths := device.ParamSet{{Type: device.TagDigest, Int: 1}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, time.Now())
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestAuthorizeOperation_RequiredParamPresent(t *testing.T) {
	keyAuths := device.ParamSet{{Type: device.TagDigest, Int: 1}}
	opParams := device.ParamSet{{Type: device.TagDigest, Int: 1}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, opParams, 0, true, false, time.Now())
	assert.NoError(t, err)
}

func TestAuthorizeOperation_ValidityWindowNotYetActive(t *testing.T) {
	now := time.Now()
	keyAuths := device.ParamSet{{Type: device.TagActiveDateTime, Int: now.Add(time.Hour).Unix()}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, now)
	assert.ErrorIs(t, err, ErrValidityWindow)
}

func TestAuthorizeOperation_ValidityWindowUsageExpired(t *testing.T) {
	now := time.Now()
	keyAuths := device.ParamSet{{Type: device.TagUsageExpireDateTime, Int: now.Add(-time.Hour).Unix()}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, now)
	assert.ErrorIs(t, err, ErrValidityWindow)
}

func TestAuthorizeOperation_ValidityWindowSkippedOnNonBegin(t *testing.T) {
	now := time.Now()
	keyAuths := device.ParamSet{{Type: device.TagUsageExpireDateTime, Int: now.Add(-time.Hour).Unix()}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, false, false, now)
	assert.NoError(t, err)
}

func TestAuthorizeOperation_NoAuthRequiredSkipsAuthCheck(t *testing.T) {
	keyAuths := device.ParamSet{
		{Type: device.TagNoAuthRequired, Bool: true},
		{Type: device.TagUserSecureID, Int: 42},
	}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, time.Now())
	assert.NoError(t, err)
}

func TestAuthorizeOperation_RequiresAuthTokenWhenSidPresent(t *testing.T) {
	keyAuths := device.ParamSet{{Type: device.TagUserSecureID, Int: 42}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, time.Now())
	assert.ErrorIs(t, err, ErrAuthenticationToken)

	err = AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, true, time.Now())
	assert.NoError(t, err)
}

func TestAuthorizeOperation_RollbackResistanceNeverFailsHere(t *testing.T) {
	keyAuths := device.ParamSet{{Type: device.TagRollbackResistance, Bool: true}}
	err := AuthorizeOperation(device.PurposeSign, "key", keyAuths, nil, 0, true, false, time.Now())
	assert.NoError(t, err)
}
