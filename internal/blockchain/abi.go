package blockchain

import (
	"encoding/hex"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// EventTopic returns the keccak-256 topic hash of an event signature.
func EventTopic(signature string) string {
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write([]byte(signature))
	return "0x" + hex.EncodeToString(hash.Sum(nil))
}

// ABIWords splits unindexed log data into 32-byte hex words.
func ABIWords(dataHex string) []string {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(dataHex)), "0x")
	if len(clean)%64 != 0 {
		return nil
	}
	words := make([]string, 0, len(clean)/64)
	for i := 0; i+64 <= len(clean); i += 64 {
		words = append(words, clean[i:i+64])
	}
	return words
}

// WordToBig decodes one ABI word as an unsigned integer.
func WordToBig(word string) *big.Int {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(word, "0x"), 16)
	if !ok {
		return new(big.Int)
	}
	return n
}

// WordToUint64 decodes one ABI word, returning 0 on overflow.
func WordToUint64(word string) uint64 {
	n := WordToBig(word)
	if !n.IsUint64() {
		return 0
	}
	return n.Uint64()
}

// TopicToAddress extracts the 20-byte address packed into an indexed topic.
func TopicToAddress(topic string) string {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "0x")
	if len(clean) < 40 {
		return ""
	}
	return "0x" + clean[len(clean)-40:]
}

// NormalizeBytes32 left-pads or truncates a hex topic to 32 bytes.
func NormalizeBytes32(topic string) string {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "0x")
	if len(clean) < 64 {
		clean = strings.Repeat("0", 64-len(clean)) + clean
	}
	if len(clean) > 64 {
		clean = clean[len(clean)-64:]
	}
	return "0x" + clean
}
