package notifyworker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader carries the HMAC-SHA256 of the raw POST body under
// the service secret, base64url-encoded. Consumers recompute it to
// authenticate the payload.
const SignatureHeader = "X-Imapmux-Signature"

// Sign computes the body signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
