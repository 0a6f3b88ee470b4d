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

// Package enforcement implements the pure enforcement policy of spec.md
// §4.6: given a key's declared authorizations and the parameters of a
// begin/update/finish call, decide whether that call is consistent with
// policy. Grounded in original_source/keystore/key_store_service.cpp's
// enforcement_policy.AuthorizeOperation call sites, which check the union
// of tee_enforced and software_enforced tags against the requested purpose
// and operation parameters.
package enforcement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-keychain/internal/device"
)

// KeyID computes the fingerprint enforcement keys its decisions on, over
// the blob's own bytes, matching enforcement_policy.CreateKeyId's role as
// a stable identity for a blob independent of its storage location.
func KeyID(blob *device.Blob) string {
	if blob == nil {
		return ""
	}
	sum := sha256.Sum256(blob.Bytes)
	return hex.EncodeToString(sum[:])
}

// Sentinel errors. AuthorizeOperation wraps one of these with the specific
// tag/purpose that failed.
var (
	ErrPurposeNotAllowed   = errors.New("enforcement: purpose not authorized for key")
	ErrMissingParameter    = errors.New("enforcement: required parameter missing")
	ErrDisallowedTag       = errors.New("enforcement: client-supplied tag not allowed")
	ErrValidityWindow      = errors.New("enforcement: outside validity window")
	ErrAuthenticationToken = errors.New("enforcement: authentication tag not satisfied")
	ErrRollbackResistance  = errors.New("enforcement: rollback-resistance requirement not met")
)

// disallowedClientTags are tags a caller must never supply themselves; the
// service computes and attaches them (spec.md §4.7 begin/update).
var disallowedClientTags = []device.TagType{
	device.TagAttestationApplicationId,
	device.TagAuthToken,
	device.TagResetSinceIdRotation,
}

// requiredForPurpose names tags that must be present in the key's
// authorizations for a given purpose.
var requiredForPurpose = map[device.Purpose][]device.TagType{
	device.PurposeSign:    {device.TagDigest},
	device.PurposeVerify:  {device.TagDigest},
	device.PurposeEncrypt: {device.TagPadding},
	device.PurposeDecrypt: {device.TagPadding},
}

// AuthorizeOperation is the pure function of spec.md §4.6, taking
// (purpose, keyID, keyAuths, opParams, opHandle, isBegin). keyAuths is the
// union of tee_enforced and software_enforced, matching the call sites
// this is grounded on. boundAuthToken reports whether a valid auth-token
// has already been attached to opParams by the caller (the auth-token
// table's job, checked here only for presence).
func AuthorizeOperation(
	purpose device.Purpose,
	keyID string,
	keyAuths device.ParamSet,
	opParams device.ParamSet,
	opHandle device.OpHandle,
	isBegin bool,
	boundAuthToken bool,
	now time.Time,
) error {
	if isBegin {
		if err := checkPurpose(purpose, keyAuths); err != nil {
			return err
		}
	}
	if err := checkDisallowedTags(opParams); err != nil {
		return err
	}
	if err := checkRequiredParams(purpose, keyAuths, opParams); err != nil {
		return err
	}
	if isBegin {
		if err := checkValidityWindow(keyAuths, now); err != nil {
			return err
		}
	}
	if err := checkAuthentication(keyAuths, boundAuthToken); err != nil {
		return err
	}
	if err := checkRollbackResistance(keyAuths); err != nil {
		return err
	}
	return nil
}

func checkPurpose(purpose device.Purpose, keyAuths device.ParamSet) error {
	for _, tag := range keyAuths {
		if tag.Type == device.TagPurpose && device.Purpose(tag.Int) == purpose {
			return nil
		}
	}
	// A key with no TagPurpose entries at all declares no restriction;
	// only reject when purpose tags are present and none match.
	hasAny := false
	for _, tag := range keyAuths {
		if tag.Type == device.TagPurpose {
			hasAny = true
			break
		}
	}
	if !hasAny {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPurposeNotAllowed, purpose)
}

func checkDisallowedTags(opParams device.ParamSet) error {
	for _, t := range disallowedClientTags {
		if opParams.Has(t) {
			return fmt.Errorf("%w: tag %d", ErrDisallowedTag, t)
		}
	}
	return nil
}

func checkRequiredParams(purpose device.Purpose, keyAuths, opParams device.ParamSet) error {
	for _, required := range requiredForPurpose[purpose] {
		if !keyAuths.Has(required) {
			continue // the key itself does not constrain this tag
		}
		if !opParams.Has(required) {
			return fmt.Errorf("%w: tag %d required by key for %s", ErrMissingParameter, required, purpose)
		}
	}
	return nil
}

func checkValidityWindow(keyAuths device.ParamSet, now time.Time) error {
	nowUnix := now.Unix()
	if tag, ok := keyAuths.Find(device.TagActiveDateTime); ok && nowUnix < tag.Int {
		return fmt.Errorf("%w: not yet active", ErrValidityWindow)
	}
	if tag, ok := keyAuths.Find(device.TagOriginationExpireDateTime); ok && nowUnix > tag.Int {
		return fmt.Errorf("%w: origination expired", ErrValidityWindow)
	}
	if tag, ok := keyAuths.Find(device.TagUsageExpireDateTime); ok && nowUnix > tag.Int {
		return fmt.Errorf("%w: usage expired", ErrValidityWindow)
	}
	return nil
}

func checkAuthentication(keyAuths device.ParamSet, boundAuthToken bool) error {
	if keyAuths.Has(device.TagNoAuthRequired) {
		return nil
	}
	if !keyAuths.Has(device.TagUserSecureID) {
		return nil
	}
	if !boundAuthToken {
		return fmt.Errorf("%w: no auth token bound", ErrAuthenticationToken)
	}
	return nil
}

func checkRollbackResistance(keyAuths device.ParamSet) error {
	tag, ok := keyAuths.Find(device.TagRollbackResistance)
	if !ok || !tag.Bool {
		return nil
	}
	// Rollback-resistance enforcement is delegated entirely to the secure
	// device (it is the only party that can guarantee it); this policy
	// never itself fails a call on it and records nothing about it.
	return nil
}
