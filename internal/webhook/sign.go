package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign computes an HMAC-SHA256 signature of data using secret, returned as
// a lowercase hex string — the part of the X-Signature header value after
// its "sha256=" prefix (spec.md §4.8 "If
// webhookSecret is set ... the POST carries an HMAC-SHA256 signature").
func sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
