package sessioncrypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	infoEncryption = "tether/session/encryption"
	infoMAC        = "tether/session/mac"
	infoShared     = "tether/session/shared"

	keySize = 32
)

var errShortRead = errors.New("short read from entropy source")

// deriveMasterKey runs Argon2id over the caller secret with a per-session salt.
func deriveMasterKey(secret, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(secret, salt, p.Iterations, p.MemoryKiB, p.Threads, p.KeyLength)
}

// expand derives a sub-key from the master key, bound to label.
func expand(master []byte, info, label string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info+"|"+label))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func randomBytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errShortRead
	}
	return b, nil
}

// newEphemeralPair returns an X25519 private scalar and its public point.
func newEphemeralPair(r io.Reader) (private, public []byte, err error) {
	private, err = randomBytes(r, curve25519.ScalarSize)
	if err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		wipe(private)
		return nil, nil, err
	}
	return private, public, nil
}

// sharedKey combines the local private scalar with a peer's public point. Both
// sides derive the same key because the public keys are bound in sorted order.
func sharedKey(private, ownPublic, peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, err
	}
	defer wipe(secret)

	lo, hi := ownPublic, peerPublic
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	return expand(secret, infoShared, hex.EncodeToString(lo)+hex.EncodeToString(hi))
}

func sessionHash(salt []byte, sessionID string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(sessionID))
	return hex.EncodeToString(h.Sum(nil))
}

func newTokenID(r io.Reader) (string, error) {
	b, err := randomBytes(r, 32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func signToken(macKey []byte, t *AnonymousToken) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(t.ID))
	mac.Write([]byte{0})
	mac.Write([]byte(t.SessionHash))
	mac.Write([]byte{0})
	mac.Write([]byte(t.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000000000Z")))
	for _, p := range t.Permissions {
		mac.Write([]byte{0})
		mac.Write([]byte(p))
	}
	return mac.Sum(nil)
}

// wipe zeroes key material in place.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
