// Package auth hashes passwords, issues bearer tokens and resolves sessions.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrMalformedHash means a stored hash could not be parsed.
var ErrMalformedHash = errors.New("auth: malformed password hash")

// Params are the argon2id cost parameters.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams matches the argon2 crate defaults (m=19 MiB, t=2, p=1).
var DefaultParams = Params{
	Memory:      19 * 1024,
	Iterations:  2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

var b64 = base64.RawStdEncoding

// HashPassword hashes with DefaultParams.
func HashPassword(plaintext string) (string, error) {
	return DefaultParams.Hash(plaintext)
}

// Hash returns a PHC string ($argon2id$v=19$m=..,t=..,p=..$salt$hash) with a
// fresh random salt, so equal inputs give different outputs.
func (p Params) Hash(plaintext string) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: read salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// VerifyPassword reports whether plaintext matches hash. It fails closed:
// anything unparsable is a mismatch.
func VerifyPassword(plaintext, hash string) bool {
	ok, _ := CheckPassword(plaintext, hash)
	return ok
}

// CheckPassword is VerifyPassword that also reports ErrMalformedHash, for
// callers that log corrupted rows.
func CheckPassword(plaintext, hash string) (bool, error) {
	if isBcrypt(hash) {
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
		}
	}

	params, salt, key, err := decodeArgon2(hash)
	if err != nil {
		return false, err
	}

	derived := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(derived, key) == 1, nil
}

// NeedsRehash reports whether hash should be replaced by a fresh
// DefaultParams hash after a successful login.
func NeedsRehash(hash string) bool {
	return DefaultParams.NeedsRehash(hash)
}

// NeedsRehash reports whether hash is bcrypt or weaker than p.
func (p Params) NeedsRehash(hash string) bool {
	if isBcrypt(hash) {
		return true
	}
	got, _, _, err := decodeArgon2(hash)
	if err != nil {
		return true
	}
	return got.Memory < p.Memory ||
		got.Iterations < p.Iterations ||
		got.Parallelism < p.Parallelism
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

func decodeArgon2(hash string) (Params, []byte, []byte, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, parts[2])
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: bad parameters %q", ErrMalformedHash, parts[3])
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: zero parameter", ErrMalformedHash)
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}
