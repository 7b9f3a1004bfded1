package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// DefaultSignatureAlgorithm is used when a registration names none.
const DefaultSignatureAlgorithm = "sha256"

func hashFor(algo string) (func() hash.Hash, bool) {
	switch algo {
	case "sha256":
		return sha256.New, true
	case "sha1":
		return sha1.New, true
	case "sha512":
		return sha512.New, true
	}
	return nil, false
}

// SupportedSignatureAlgorithm reports whether algo can be used for webhook HMACs.
func SupportedSignatureAlgorithm(algo string) bool {
	_, ok := hashFor(strings.ToLower(algo))
	return ok
}

// SignPayload returns the hex HMAC of body. Used by tests and tooling.
func SignPayload(body []byte, secret, algo string) string {
	newHash, ok := hashFor(strings.ToLower(algo))
	if !ok {
		return ""
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks header against an HMAC of the raw request
// body. The body must be the exact bytes received, never a re-encoded copy.
// An optional "<algo>=" prefix on the header is accepted.
func VerifyWebhookSignature(rawBody []byte, header, secret, algo string) bool {
	if algo == "" {
		algo = DefaultSignatureAlgorithm
	}
	algo = strings.ToLower(algo)
	if secret == "" || header == "" {
		return false
	}
	newHash, ok := hashFor(algo)
	if !ok {
		return false
	}

	provided := strings.TrimSpace(header)
	provided = strings.TrimPrefix(provided, algo+"=")
	got, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return false
	}

	mac := hmac.New(newHash, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}
