package auth

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Token is the random bearer credential of a session. Uniqueness is enforced
// by the session store, not here.
type Token uint64

// GenerateToken draws 64 bits from crypto/rand.
func GenerateToken() (Token, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("auth: read token: %w", err)
	}
	return Token(binary.LittleEndian.Uint64(b[:])), nil
}

// ParseToken parses the decimal form carried in cookies and headers.
func ParseToken(s string) (Token, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("auth: invalid token: %w", err)
	}
	return Token(n), nil
}

func (t Token) String() string {
	return strconv.FormatUint(uint64(t), 10)
}
