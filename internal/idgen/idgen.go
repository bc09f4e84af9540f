// Package idgen generates short hash-based entity ids.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Entity id prefixes.
const (
	TaskPrefix    = "t"
	QAPrefix      = "qa"
	SessionPrefix = "s"
)

// DefaultLength is the base36 suffix length for generated ids.
const DefaultLength = 6

// EncodeBase36 converts a byte slice to a base36 string of the given length,
// zero-padded on the left and truncated to the least significant digits.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// New creates a hash-based id from the given content parts. The timestamp and
// nonce are folded in so identical content still produces distinct ids across
// retries after a collision.
func New(prefix string, timestamp time.Time, nonce int, parts ...string) string {
	content := fmt.Sprintf("%s|%d|%d", strings.Join(parts, "|"), timestamp.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))
	// 4 bytes = 32 bits, comfortably fills 6 base36 chars
	return fmt.Sprintf("%s-%s", prefix, EncodeBase36(hash[:4], DefaultLength))
}

// QAIDFor derives the deterministic QA brief id for a task. A brief is 1:1
// with its task, so no hashing is involved.
func QAIDFor(taskID string) string {
	return fmt.Sprintf("%s-%s", QAPrefix, taskID)
}
