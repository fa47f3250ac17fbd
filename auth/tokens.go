package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Subscription token verification errors
var (
	ErrTokenInvalid = errors.New("invalid subscription token")
	ErrTokenExpired = errors.New("subscription token expired")
)

var tokenEncoding = base64.RawURLEncoding

// TokenSigner issues and verifies time-limited capability tokens allowing
// clients to subscribe to a thread's live feed
type TokenSigner struct {
	key []byte
	now func() time.Time
}

// NewTokenSigner creates a TokenSigner keyed with secret. The secret must be
// at most 64 bytes long.
func NewTokenSigner(secret []byte) (*TokenSigner, error) {
	if len(secret) == 0 || len(secret) > blake2b.Size {
		return nil, errors.New("token secret must be between 1 and 64 bytes")
	}
	return &TokenSigner{
		key: append([]byte(nil), secret...),
		now: time.Now,
	}, nil
}

func (s *TokenSigner) mac(payload string) []byte {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// Key length is validated in NewTokenSigner
		panic(err)
	}
	h.Write([]byte(payload))
	return h.Sum(nil)
}

// Issue creates a token for subscribing to thread valid for maxAge
func (s *TokenSigner) Issue(thread string, maxAge time.Duration) string {
	exp := s.now().Add(maxAge).Unix()
	payload := thread + "|" + strconv.FormatInt(exp, 10)
	return tokenEncoding.EncodeToString([]byte(payload)) +
		"." +
		tokenEncoding.EncodeToString(s.mac(payload))
}

// Verify asserts token is authentic, not expired and grants access to thread
func (s *TokenSigner) Verify(token, thread string) error {
	i := strings.IndexByte(token, '.')
	if i == -1 {
		return ErrTokenInvalid
	}
	payload, err := tokenEncoding.DecodeString(token[:i])
	if err != nil {
		return ErrTokenInvalid
	}
	sig, err := tokenEncoding.DecodeString(token[i+1:])
	if err != nil {
		return ErrTokenInvalid
	}
	if subtle.ConstantTimeCompare(sig, s.mac(string(payload))) != 1 {
		return ErrTokenInvalid
	}

	j := strings.LastIndexByte(string(payload), '|')
	if j == -1 || string(payload[:j]) != thread {
		return ErrTokenInvalid
	}
	exp, err := strconv.ParseInt(string(payload[j+1:]), 10, 64)
	if err != nil {
		return ErrTokenInvalid
	}
	if s.now().Unix() > exp {
		return ErrTokenExpired
	}
	return nil
}
