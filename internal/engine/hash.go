package engine

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// RequestHash fingerprints one generation request as a 32-char hex string
// (BLAKE2b-128 over user id, prompt and the serialized parameters). Stored
// on the row for audit and duplicate-request investigation; write order is
// fixed so the hash is deterministic.
func RequestHash(userID int64, prompt, paramsJSON string) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create blake2b hasher: %w", err)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(userID))
	if _, err := h.Write(buf); err != nil {
		return "", fmt.Errorf("failed to hash user id: %w", err)
	}
	if _, err := h.Write([]byte(prompt)); err != nil {
		return "", fmt.Errorf("failed to hash prompt: %w", err)
	}
	if _, err := h.Write([]byte(paramsJSON)); err != nil {
		return "", fmt.Errorf("failed to hash parameters: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
