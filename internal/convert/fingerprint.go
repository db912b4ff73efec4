package convert

import (
	"crypto/sha1" // #nosec G505 -- cache key, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint returns the canonical hash of a resolved options set. The
// structure is marshalled, decoded into generic maps and re-encoded so
// that keys come out sorted regardless of field order, then hashed with
// SHA-1. Two resolved option sets that are semantically equal always
// produce the same fingerprint.
func Fingerprint(res Resolved) (string, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("marshal resolved options: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalize resolved options: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("re-marshal resolved options: %w", err)
	}

	sum := sha1.Sum(canonical) // #nosec G401
	return hex.EncodeToString(sum[:]), nil
}
