package auth

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashAPIKey digests a partner API key for storage and lookup. Only the
// keccak digest is persisted.
func HashAPIKey(key string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(h.Sum(nil))
}
