package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// GenerateMessageID returns a compact unique identifier of the form
// base36(unixMillis) + "-" + hex(8 random bytes). It is cheaper than a
// UUID and sorts roughly by creation time, which makes it suitable for
// correlation ids and log references.
func GenerateMessageID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for id generation.
		panic("crypto: rand.Read failed: " + err.Error())
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(buf)
}
