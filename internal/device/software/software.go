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

// Package software implements device.SecureDevice entirely in the daemon's
// own process. It is always available and is the target the master-key
// manager falls back to when the primary (hardware) device refuses a
// request. Asymmetric key generation and signing use the standard library
// (crypto/rsa, crypto/ecdsa, crypto/ed25519) the same way the teacher's own
// pkg/backend/pkcs8 does; AEAD selection follows pkg/crypto/aead so that
// software-fallback blobs get the same algorithm-selection behavior a real
// software backend would.
package software

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jeremyhahn/go-keychain/internal/device"
	"github.com/jeremyhahn/go-keychain/pkg/crypto/aead"
)

// algorithm identifies which key algorithm a generate/import request wants.
type algorithm int

const (
	algRSA algorithm = iota + 1
	algECDSA
	algEd25519
	algAESGCM
	algChaCha20Poly1305
)

// keyRecord is the software device's private representation of a blob's
// contents. Blob.Bytes is this struct's serialization key; the service
// never looks inside it.
type keyRecord struct {
	alg     algorithm
	rsaKey  *rsa.PrivateKey
	ecKey   *ecdsa.PrivateKey
	edKey   ed25519.PrivateKey
	symKey  []byte
	created bool
}

// liveOp tracks an in-flight Begin/Update/Finish sequence.
type liveOp struct {
	purpose device.Purpose
	key     *keyRecord
	digest  crypto.Hash
	buf     bytes.Buffer
	nonce   []byte
}

// Device is the in-process software implementation of device.SecureDevice.
// Thread-safe: guards its key table and operation table with separate
// mutexes, matching the teacher's SoftwareBackend split between key storage
// and import-token bookkeeping.
type Device struct {
	mu   sync.RWMutex
	keys map[string]*keyRecord // keyed by the hex Blob identity assigned at generation

	opMu sync.Mutex
	ops  map[device.OpHandle]*liveOp
}

// New returns a ready-to-use software secure device.
func New() *Device {
	return &Device{
		keys: make(map[string]*keyRecord),
		ops:  make(map[device.OpHandle]*liveOp),
	}
}

func (d *Device) Name() string { return "software" }

// AddRNGEntropy is fire-and-forget: crypto/rand already draws from the OS
// CSPRNG, so caller-supplied entropy is accepted to satisfy the contract and
// then discarded; it is not mixed into any random source.
func (d *Device) AddRNGEntropy(ctx context.Context, entropy []byte) error {
	return nil
}

func paramAlgorithm(params device.ParamSet) (algorithm, error) {
	tag, ok := params.Find(device.TagAlgorithm)
	if !ok {
		return 0, fmt.Errorf("%w: missing algorithm tag", device.ErrInvalidArgument)
	}
	switch tag.Int {
	case int64(algRSA), int64(algECDSA), int64(algEd25519), int64(algAESGCM), int64(algChaCha20Poly1305):
		return algorithm(tag.Int), nil
	default:
		return 0, fmt.Errorf("%w: unknown algorithm %d", device.ErrInvalidArgument, tag.Int)
	}
}

func keySize(params device.ParamSet, def int64) int64 {
	if tag, ok := params.Find(device.TagKeySize); ok {
		return tag.Int
	}
	return def
}

func (d *Device) generateRecord(params device.ParamSet) (*keyRecord, error) {
	alg, err := paramAlgorithm(params)
	if err != nil {
		return nil, err
	}
	switch alg {
	case algRSA:
		bits := int(keySize(params, 3072))
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrUnknown, err)
		}
		return &keyRecord{alg: alg, rsaKey: key}, nil
	case algECDSA:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrUnknown, err)
		}
		return &keyRecord{alg: alg, ecKey: key}, nil
	case algEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrUnknown, err)
		}
		return &keyRecord{alg: alg, edKey: priv}, nil
	case algAESGCM, algChaCha20Poly1305:
		size := int(keySize(params, 256)) / 8
		if size <= 0 {
			size = 32
		}
		key := make([]byte, size)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrUnknown, err)
		}
		return &keyRecord{alg: alg, symKey: key}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm", device.ErrInvalidArgument)
	}
}

func (d *Device) characteristicsFor(params device.ParamSet, rec *keyRecord) *device.KeyAuthorizations {
	// The software device is untrusted from the caller's perspective, so
	// everything it produces is software_enforced; only real hardware gets
	// to claim tee_enforced tags.
	sw := append(device.ParamSet{}, params...)
	sw = append(sw, device.Tag{Type: device.TagAlgorithm, Int: int64(rec.alg)})
	return &device.KeyAuthorizations{SoftwareEnforced: sw}
}

func blobKey(id uuid.UUID) string { return id.String() }

func (d *Device) GenerateKey(ctx context.Context, params device.ParamSet) (*device.Blob, *device.KeyAuthorizations, error) {
	rec, err := d.generateRecord(params)
	if err != nil {
		return nil, nil, err
	}
	id := uuid.New()
	d.mu.Lock()
	d.keys[blobKey(id)] = rec
	d.mu.Unlock()
	blob := &device.Blob{Bytes: id[:], Fallback: true}
	return blob, d.characteristicsFor(params, rec), nil
}

func (d *Device) ImportKey(ctx context.Context, params device.ParamSet, format device.KeyFormat, data []byte) (*device.Blob, *device.KeyAuthorizations, error) {
	alg, err := paramAlgorithm(params)
	if err != nil {
		return nil, nil, err
	}
	var rec *keyRecord
	switch format {
	case device.FormatPKCS8:
		key, err := x509.ParsePKCS8PrivateKey(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", device.ErrInvalidArgument, err)
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			rec = &keyRecord{alg: algRSA, rsaKey: k}
		case *ecdsa.PrivateKey:
			rec = &keyRecord{alg: algECDSA, ecKey: k}
		case ed25519.PrivateKey:
			rec = &keyRecord{alg: algEd25519, edKey: k}
		default:
			return nil, nil, fmt.Errorf("%w: unsupported key type", device.ErrInvalidArgument)
		}
	case device.FormatRaw:
		if alg != algAESGCM && alg != algChaCha20Poly1305 {
			return nil, nil, fmt.Errorf("%w: raw import only supports symmetric keys", device.ErrInvalidArgument)
		}
		rec = &keyRecord{alg: alg, symKey: append([]byte{}, data...)}
	default:
		return nil, nil, fmt.Errorf("%w: unsupported import format", device.ErrInvalidArgument)
	}
	id := uuid.New()
	d.mu.Lock()
	d.keys[blobKey(id)] = rec
	d.mu.Unlock()
	blob := &device.Blob{Bytes: id[:], Fallback: true}
	return blob, d.characteristicsFor(params, rec), nil
}

func (d *Device) lookup(blob *device.Blob) (*keyRecord, error) {
	if blob == nil || len(blob.Bytes) != 16 {
		return nil, fmt.Errorf("%w: malformed blob", device.ErrInvalidArgument)
	}
	id, err := uuid.FromBytes(blob.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInvalidArgument, err)
	}
	d.mu.RLock()
	rec, ok := d.keys[blobKey(id)]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key not resident", device.ErrInvalidArgument)
	}
	return rec, nil
}

func (d *Device) GetCharacteristics(ctx context.Context, blob *device.Blob, clientID, appID []byte) (*device.KeyAuthorizations, error) {
	rec, err := d.lookup(blob)
	if err != nil {
		return nil, err
	}
	return d.characteristicsFor(nil, rec), nil
}

func (d *Device) ExportKey(ctx context.Context, format device.KeyFormat, blob *device.Blob, clientID, appID []byte) ([]byte, error) {
	rec, err := d.lookup(blob)
	if err != nil {
		return nil, err
	}
	if format != device.FormatPKCS8 {
		return nil, fmt.Errorf("%w: unsupported export format", device.ErrInvalidArgument)
	}
	switch rec.alg {
	case algRSA:
		return x509.MarshalPKCS8PrivateKey(rec.rsaKey)
	case algECDSA:
		return x509.MarshalPKCS8PrivateKey(rec.ecKey)
	case algEd25519:
		return x509.MarshalPKCS8PrivateKey(rec.edKey)
	default:
		return nil, fmt.Errorf("%w: symmetric keys cannot be exported as PKCS8", device.ErrInvalidArgument)
	}
}

func (d *Device) Begin(ctx context.Context, purpose device.Purpose, blob *device.Blob, params device.ParamSet) (device.OpHandle, device.ParamSet, error) {
	rec, err := d.lookup(blob)
	if err != nil {
		return 0, nil, err
	}
	op := &liveOp{purpose: purpose, key: rec, digest: crypto.SHA256}
	if tag, ok := params.Find(device.TagDigest); ok {
		op.digest = crypto.Hash(tag.Int)
	}
	handle := device.OpHandle(uuid.New().ID())
	d.opMu.Lock()
	if _, exists := d.ops[handle]; exists {
		d.opMu.Unlock()
		return 0, nil, fmt.Errorf("%w: handle collision", device.ErrUnknown)
	}
	d.ops[handle] = op
	d.opMu.Unlock()
	return handle, nil, nil
}

func (d *Device) getOp(handle device.OpHandle) (*liveOp, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	op, ok := d.ops[handle]
	if !ok {
		return nil, device.ErrInvalidOperationHandle
	}
	return op, nil
}

func (d *Device) Update(ctx context.Context, handle device.OpHandle, params device.ParamSet, data []byte) (*device.UpdateResult, error) {
	op, err := d.getOp(handle)
	if err != nil {
		return nil, err
	}
	switch op.purpose {
	case device.PurposeSign, device.PurposeVerify:
		op.buf.Write(data)
		return &device.UpdateResult{InputConsumed: len(data)}, nil
	case device.PurposeEncrypt, device.PurposeDecrypt:
		out, err := d.crypt(op, data)
		if err != nil {
			return nil, err
		}
		return &device.UpdateResult{InputConsumed: len(data), Output: out}, nil
	default:
		op.buf.Write(data)
		return &device.UpdateResult{InputConsumed: len(data)}, nil
	}
}

func (d *Device) crypt(op *liveOp, data []byte) ([]byte, error) {
	var aead cipher.AEAD
	var err error
	switch op.key.alg {
	case algAESGCM:
		block, e := aes.NewCipher(op.key.symKey)
		if e != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrUnknown, e)
		}
		aead, err = cipher.NewGCM(block)
	case algChaCha20Poly1305:
		aead, err = chacha20poly1305.New(op.key.symKey)
	default:
		return nil, fmt.Errorf("%w: key is not symmetric", device.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrUnknown, err)
	}
	if len(op.nonce) == 0 {
		op.nonce = make([]byte, aead.NonceSize())
		if op.purpose == device.PurposeEncrypt {
			if _, e := rand.Read(op.nonce); e != nil {
				return nil, fmt.Errorf("%w: %v", device.ErrUnknown, e)
			}
		}
	}
	if op.purpose == device.PurposeEncrypt {
		return aead.Seal(nil, op.nonce, data, nil), nil
	}
	return aead.Open(nil, op.nonce, data, nil)
}

func (d *Device) Finish(ctx context.Context, handle device.OpHandle, params device.ParamSet, input, signature []byte) (*device.FinishResult, error) {
	op, err := d.getOp(handle)
	if err != nil {
		return nil, err
	}
	defer func() {
		d.opMu.Lock()
		delete(d.ops, handle)
		d.opMu.Unlock()
	}()
	if len(input) > 0 {
		op.buf.Write(input)
	}
	switch op.purpose {
	case device.PurposeSign:
		sig, err := sign(op)
		if err != nil {
			return nil, err
		}
		return &device.FinishResult{Output: sig}, nil
	case device.PurposeVerify:
		if err := verify(op, signature); err != nil {
			return nil, err
		}
		return &device.FinishResult{}, nil
	case device.PurposeEncrypt, device.PurposeDecrypt:
		out, err := d.crypt(op, op.buf.Bytes())
		if err != nil {
			return nil, err
		}
		return &device.FinishResult{Output: out}, nil
	default:
		return &device.FinishResult{}, nil
	}
}

func sign(op *liveOp) ([]byte, error) {
	digest := hashSum(op.digest, op.buf.Bytes())
	switch op.key.alg {
	case algRSA:
		return rsa.SignPKCS1v15(rand.Reader, op.key.rsaKey, op.digest, digest)
	case algECDSA:
		return ecdsa.SignASN1(rand.Reader, op.key.ecKey, digest)
	case algEd25519:
		return ed25519.Sign(op.key.edKey, op.buf.Bytes()), nil
	default:
		return nil, fmt.Errorf("%w: key does not support signing", device.ErrInvalidArgument)
	}
}

func verify(op *liveOp, signature []byte) error {
	digest := hashSum(op.digest, op.buf.Bytes())
	var ok bool
	switch op.key.alg {
	case algRSA:
		ok = rsa.VerifyPKCS1v15(&op.key.rsaKey.PublicKey, op.digest, digest, signature) == nil
	case algECDSA:
		ok = ecdsa.VerifyASN1(&op.key.ecKey.PublicKey, digest, signature)
	case algEd25519:
		ok = ed25519.Verify(op.key.edKey.Public().(ed25519.PublicKey), op.buf.Bytes(), signature)
	default:
		return fmt.Errorf("%w: key does not support verification", device.ErrInvalidArgument)
	}
	if !ok {
		return fmt.Errorf("%w: signature verification failed", device.ErrInvalidArgument)
	}
	return nil
}

func hashSum(h crypto.Hash, data []byte) []byte {
	if h == 0 {
		h = crypto.SHA256
	}
	if h == crypto.SHA256 {
		sum := sha256.Sum256(data)
		return sum[:]
	}
	hasher := h.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

func (d *Device) Abort(ctx context.Context, handle device.OpHandle) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if _, ok := d.ops[handle]; !ok {
		return device.ErrInvalidOperationHandle
	}
	delete(d.ops, handle)
	return nil
}

func (d *Device) AttestKey(ctx context.Context, blob *device.Blob, params device.ParamSet) ([][]byte, error) {
	if _, err := d.lookup(blob); err != nil {
		return nil, err
	}
	// The software fallback cannot produce a hardware attestation chain.
	return nil, fmt.Errorf("%w: software device cannot attest", device.ErrCannotAttestIds)
}

func (d *Device) DeleteKey(ctx context.Context, blob *device.Blob) error {
	if blob == nil || len(blob.Bytes) != 16 {
		return fmt.Errorf("%w: malformed blob", device.ErrInvalidArgument)
	}
	id, err := uuid.FromBytes(blob.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrInvalidArgument, err)
	}
	d.mu.Lock()
	delete(d.keys, blobKey(id))
	d.mu.Unlock()
	return nil
}

// UpgradeKey never applies to the software device: it never emits a stale
// format, so it is never asked to upgrade one.
func (d *Device) UpgradeKey(ctx context.Context, blob *device.Blob, params device.ParamSet) (*device.Blob, error) {
	return nil, fmt.Errorf("%w: software device blobs never require upgrade", device.ErrInvalidArgument)
}

// PreferredAEAD reports which AEAD algorithm a newly generated symmetric
// key should use, matching pkg/crypto/aead's hardware-aware selection so a
// software fallback key gets a sensible default when the caller's params
// don't pin one down.
func PreferredAEAD(hardwareBacked bool) string {
	return aead.SelectOptimal(hardwareBacked)
}

var _ device.SecureDevice = (*Device)(nil)
