// Package csrf issues and verifies anti-forgery tokens bound to an action
// name. Tokens are HMAC signed and carry their issue time, so no server side
// state is needed.
//
// Token format: hex(mac) "_" unix-seconds "_" hex(random), where the mac
// covers the action, the timestamp and the random data.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/handbuilt/gabridge/errors"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/codes"
)

// Expiration is how long a token stays valid.
const Expiration = time.Hour * 6

// ErrInvalidToken is returned for missing, malformed, expired or forged
// tokens.
var ErrInvalidToken = errors.NewC("csrf: invalid token", codes.FailedPrecondition).
	WithPublicMessage("You shouldn't be doing this, sorry.")

// Tokens issues and verifies tokens with a signing key.
type Tokens struct {
	signingKey []byte
	now        func() time.Time
}

// New returns Tokens whose signing key is derived from secret. An empty
// secret gets a random key, which means tokens do not survive a restart.
func New(secret []byte) *Tokens {
	if len(secret) == 0 {
		return &Tokens{signingKey: randomBytes(32), now: time.Now}
	}
	return &Tokens{signingKey: deriveKey(secret), now: time.Now}
}

// deriveKey stretches a configured passphrase into a 32 byte HMAC key.
func deriveKey(secret []byte) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte("gabridge csrf"))
	if _, err := io.ReadFull(r, key); err != nil {
		panic("csrf: key derivation failed: " + err.Error())
	}
	return key
}

// Issue returns a new token bound to action.
func (t *Tokens) Issue(action string) string {
	random := randomBytes(16)
	ts := strconv.FormatInt(t.now().Unix(), 10)
	mac := t.sign(action, ts, random)
	return hex.EncodeToString(mac) + "_" + ts + "_" + hex.EncodeToString(random)
}

// Verify checks that token was issued by t for action and has not expired.
func (t *Tokens) Verify(token, action string) error {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 {
		return errors.Mark(ErrInvalidToken, 0).Append("malformed")
	}

	actualMac, err := hex.DecodeString(parts[0])
	if err != nil {
		return errors.Mark(ErrInvalidToken, 0).Append("invalid signature")
	}
	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return errors.Mark(ErrInvalidToken, 0).Append("invalid timestamp")
	}
	random, err := hex.DecodeString(parts[2])
	if err != nil {
		return errors.Mark(ErrInvalidToken, 0).Append("invalid data")
	}

	if !hmac.Equal(actualMac, t.sign(action, parts[1], random)) {
		return errors.Mark(ErrInvalidToken, 0).Append("signature mismatch")
	}
	if t.now().Sub(time.Unix(issued, 0)) > Expiration {
		return errors.Mark(ErrInvalidToken, 0).Append("expired")
	}
	return nil
}

// Valid is Verify as a boolean.
func (t *Tokens) Valid(token, action string) bool {
	return t.Verify(token, action) == nil
}

func (t *Tokens) sign(action, ts string, random []byte) []byte {
	hasher := hmac.New(sha256.New, t.signingKey)
	hasher.Write([]byte(action))
	hasher.Write([]byte{0})
	hasher.Write([]byte(ts))
	hasher.Write([]byte{0})
	hasher.Write(random)
	return hasher.Sum(nil)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Errors should not occur under normal operation and are unlikely to be
		// recoverable. So let it fail hard.
		panic("csrf: random number generation failed: " + err.Error())
	}
	return b
}
