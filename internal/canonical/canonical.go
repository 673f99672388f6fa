// Package canonical produces deterministic JSON encodings for hashing.
// Semantically identical payloads must hash identically regardless of how
// their keys were ordered by the producer, so values are normalized before
// encoding: object keys sort lexically, arrays keep their order.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JSON returns the canonical JSON encoding of v.
// The value is round-tripped through encoding/json so structs, maps and
// primitives all normalize to the same representation; encoding/json emits
// map keys in sorted order, which gives the key-order independence.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}

	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshal normalized payload: %w", err)
	}
	return out, nil
}

// Hash returns the hex-encoded SHA-256 of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	data, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
