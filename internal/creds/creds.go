// Package creds provides the credential primitives used across the server:
// a memory-hard token KDF, opaque secret generation, and MFA bootstrap codes.
package creds

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

// KDFParams tunes the argon2id hash. Zero values fall back to defaults.
type KDFParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

const (
	defaultMemoryKiB   = 64 * 1024
	defaultIterations  = 1
	defaultParallelism = 4

	saltBytes = 16
	keyBytes  = 32

	mfaCodeLen      = 6
	mfaCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ErrMalformedHash is returned when a stored hash cannot be parsed. Callers
// treat it as an invalid credential rather than an internal failure.
var ErrMalformedHash = errors.New("malformed token hash")

// Store hashes and verifies opaque bearer secrets.
type Store struct {
	params KDFParams
}

// New creates a Store with the given KDF tuning.
func New(params KDFParams) *Store {
	if params.MemoryKiB == 0 {
		params.MemoryKiB = defaultMemoryKiB
	}
	if params.Iterations == 0 {
		params.Iterations = defaultIterations
	}
	if params.Parallelism == 0 {
		params.Parallelism = defaultParallelism
	}
	return &Store{params: params}
}

// HashToken derives a salted argon2id hash of plain and encodes it in the
// PHC string format, so the parameters travel with the hash.
func (s *Store) HashToken(plain string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plain), salt, s.params.Iterations, s.params.MemoryKiB, s.params.Parallelism, keyBytes)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		s.params.MemoryKiB, s.params.Iterations, s.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyToken checks plain against an encoded hash in constant time.
// A hash that cannot be parsed verifies as false.
func (s *Store) VerifyToken(plain, encoded string) bool {
	salt, key, mem, iters, par, err := decodeHash(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(plain), salt, iters, mem, par, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1
}

// decodeHash splits a PHC-format argon2id string into its components.
func decodeHash(encoded string) (salt, key []byte, mem, iters uint32, par uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}
	return salt, key, mem, iters, par, nil
}

// GenerateSecret returns n random bytes hex-encoded.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateMFACode returns a 6-character code drawn uniformly from a fixed
// alphanumeric alphabet. Easily-confused characters (0/O, 1/I) are excluded.
func GenerateMFACode() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(mfaCodeAlphabet)))
	for i := 0; i < mfaCodeLen; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate MFA code: %w", err)
		}
		sb.WriteByte(mfaCodeAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}
