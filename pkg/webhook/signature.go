// Copyright 2024-2026 Aiku AI

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign returns the "v1=<hex>" HMAC-SHA256 signature of "{timestamp}.{body}".
func Sign(body []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.%s", timestamp, body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against the expected signature in constant time.
func Verify(body []byte, secret string, timestamp int64, sig string) bool {
	return hmac.Equal([]byte(Sign(body, secret, timestamp)), []byte(sig))
}
