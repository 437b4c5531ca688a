package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

// cheap keeps the property tests fast; the format is identical.
var cheap = Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestHashPasswordFormat(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=19456,t=2,p=1$"), hash)
	parts := strings.Split(hash, "$")
	require.Len(t, parts, 6)
	assert.Len(t, parts[4], 22) // 16 bytes raw base64
	assert.Len(t, parts[5], 43) // 32 bytes raw base64

	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("hunter3", hash))
	assert.False(t, NeedsRehash(hash))
}

func TestHashRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pw := rapid.String().Draw(t, "password")
		other := rapid.String().Filter(func(s string) bool { return s != pw }).Draw(t, "other")

		h1, err := cheap.Hash(pw)
		if err != nil {
			t.Fatal(err)
		}
		h2, err := cheap.Hash(pw)
		if err != nil {
			t.Fatal(err)
		}
		if h1 == h2 {
			t.Fatalf("two hashes of %q are equal", pw)
		}
		if !VerifyPassword(pw, h1) || !VerifyPassword(pw, h2) {
			t.Fatalf("hash of %q does not verify", pw)
		}
		if VerifyPassword(other, h1) {
			t.Fatalf("%q verified against hash of %q", other, pw)
		}
	})
}

func TestMalformedHashes(t *testing.T) {
	good, err := cheap.Hash("pw")
	require.NoError(t, err)
	parts := strings.Split(good, "$")

	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"plaintext", "pw"},
		{"wrong algorithm", strings.Replace(good, "argon2id", "argon2i", 1)},
		{"wrong version", strings.Replace(good, "v=19", "v=16", 1)},
		{"bad params", strings.Join([]string{"", parts[1], parts[2], "m=x,t=1,p=1", parts[4], parts[5]}, "$")},
		{"zero memory", strings.Join([]string{"", parts[1], parts[2], "m=0,t=1,p=1", parts[4], parts[5]}, "$")},
		{"bad salt", strings.Join([]string{"", parts[1], parts[2], parts[3], "!!!", parts[5]}, "$")},
		{"empty key", strings.Join([]string{"", parts[1], parts[2], parts[3], parts[4], ""}, "$")},
		{"truncated", strings.Join(parts[:5], "$")},
		{"broken bcrypt", "$2a$10$short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, VerifyPassword("pw", tt.hash))
			ok, err := CheckPassword("pw", tt.hash)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrMalformedHash)
			assert.True(t, NeedsRehash(tt.hash))
		})
	}
}

func TestLegacyBcrypt(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("old-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, VerifyPassword("old-secret", string(legacy)))
	ok, err := CheckPassword("wrong", string(legacy))
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, NeedsRehash(string(legacy)))
}

func TestNeedsRehashWeakerParams(t *testing.T) {
	weak, err := cheap.Hash("pw")
	require.NoError(t, err)
	assert.True(t, NeedsRehash(weak))
	assert.False(t, cheap.NeedsRehash(weak))
}

func TestTokenParse(t *testing.T) {
	tok, err := GenerateToken()
	require.NoError(t, err)

	back, err := ParseToken(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, back)

	largest, err := ParseToken("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, Token(^uint64(0)), largest)

	for _, bad := range []string{"", "-1", "abc", "18446744073709551616", " 1"} {
		_, err := ParseToken(bad)
		assert.Error(t, err, bad)
	}
}
