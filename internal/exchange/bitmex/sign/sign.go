// Package sign builds BitMEX HMAC-SHA256 signatures for WebSocket authentication
// and REST request headers.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// Window is how far in the future a signature expires.
	Window = 60 * time.Second

	RealtimeVerb = "GET"
	RealtimePath = "/realtime"
)

// Sign returns hex(HMAC-SHA256(secret, verb + path + expires + body)).
func Sign(secret, verb, path string, expires int64, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(verb))
	mac.Write([]byte(path))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Expires считается заново при каждом вызове: биржа отвергает просроченные подписи.
func Expires(now time.Time) int64 {
	return now.Add(Window).Unix()
}

// Realtime returns the expiry and signature for an authKeyExpires action.
func Realtime(secret string, now time.Time) (int64, string) {
	expires := Expires(now)
	return expires, Sign(secret, RealtimeVerb, RealtimePath, expires, "")
}
