package chapa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader       = "x-chapa-signature"
	LegacySignatureHeader = "Chapa-Signature"

	signatureScheme = "sha256="
	signatureHexLen = sha256.Size * 2
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of the raw body.
// An optional "sha256=" scheme tag is accepted.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(header)
	if len(sig) >= len(signatureScheme) && strings.EqualFold(sig[:len(signatureScheme)], signatureScheme) {
		sig = sig[len(signatureScheme):]
	}
	if len(sig) != signatureHexLen {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyAny reports whether any of the given header values is a valid signature.
func VerifyAny(body []byte, secret string, headers ...string) bool {
	ok := false
	for _, h := range headers {
		if h == "" {
			continue
		}
		if VerifySignature(body, h, secret) {
			ok = true
		}
	}
	return ok
}
