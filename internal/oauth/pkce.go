package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateVerifier mints a 128-character PKCE verifier drawn uniformly
// from [A-Za-z0-9].
func GenerateVerifier() (string, error) {
	buf := make([]byte, 128)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 128)
	for i, b := range buf {
		out[i] = verifierAlphabet[int(b)%len(verifierAlphabet)]
	}
	return string(out), nil
}

// ChallengeFromVerifier computes challenge = base64url-nopad(SHA-256(verifier)).
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState mints a random state nonce for CSRF protection on the
// callback.
func GenerateState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
