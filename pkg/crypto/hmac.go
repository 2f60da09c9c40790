package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"time"
)

// Sign computes the HMAC-SHA-256 of data under key.
func Sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether sig is the HMAC-SHA-256 of data under key.
// Comparison is constant time.
func Verify(key, data, sig []byte) bool {
	return hmac.Equal(sig, Sign(key, data))
}

// ValidFreshness reports whether a millisecond timestamp is acceptably
// fresh: not in the future and not older than maxAge.
func ValidFreshness(tsMillis int64, maxAge time.Duration) bool {
	return validFreshnessAt(tsMillis, maxAge, time.Now())
}

func validFreshnessAt(tsMillis int64, maxAge time.Duration, now time.Time) bool {
	age := now.UnixMilli() - tsMillis
	return age >= 0 && age <= maxAge.Milliseconds()
}
