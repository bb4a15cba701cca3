// signer.go provides the signature primitives venue signers are built
// from. Each adapter composes these into its venue's exact scheme:
// Binance signs the query string with HMAC-SHA256 hex, Kraken signs
// path+nonce+POST data with HMAC-SHA512 over a SHA-256 digest, Coinbase
// signs timestamp+method+path+body with HMAC-SHA256 base64.
package exchange

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
)

// HMACSHA256Hex returns the hex-encoded HMAC-SHA256 of payload.
func HMACSHA256Hex(secret, payload []byte) string {
	return hex.EncodeToString(hmacSum(sha256.New, secret, payload))
}

// HMACSHA256Base64 returns the base64-encoded HMAC-SHA256 of payload.
func HMACSHA256Base64(secret, payload []byte) string {
	return base64.StdEncoding.EncodeToString(hmacSum(sha256.New, secret, payload))
}

// HMACSHA384Hex returns the hex-encoded HMAC-SHA384 of payload.
func HMACSHA384Hex(secret, payload []byte) string {
	return hex.EncodeToString(hmacSum(sha512.New384, secret, payload))
}

// HMACSHA512Base64 returns the base64-encoded HMAC-SHA512 of payload.
// Kraken-style signers pass a base64-decoded secret.
func HMACSHA512Base64(secret, payload []byte) string {
	return base64.StdEncoding.EncodeToString(hmacSum(sha512.New, secret, payload))
}

// SHA256Digest returns the raw SHA-256 digest of payload.
func SHA256Digest(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

// Ed25519Base64 signs payload with a base64-encoded ed25519 seed and
// returns the base64 signature.
func Ed25519Base64(seedB64 string, payload []byte) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return "", fmt.Errorf("decode ed25519 seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)), nil
}

func hmacSum(h func() hash.Hash, secret, payload []byte) []byte {
	mac := hmac.New(h, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
