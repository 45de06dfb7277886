package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyHMACSHA256 compares a hex-encoded HMAC-SHA256 signature against
// body, keyed by secret. header is the raw header value, which may carry
// a "sha256=" prefix (GitHub-style) that is stripped before comparing.
func VerifyHMACSHA256(secret, body []byte, header string) bool {
	if header == "" || len(secret) == 0 {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(header))
}
