// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content hashing, used everywhere a stable,
// cross-process-comparable digest is required: plan hashes, audit entry
// hashes, and tool-argument digests.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JSON marshals v with the standard library, then runs the result through
// the JCS transform so map keys are sorted and numeric/string formatting
// is canonical per RFC 8785. Struct field order from json tags is
// preserved as input but has no bearing on the output, which is always
// key-sorted.
func JSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase-hex SHA-256 digest of v's canonical JSON form.
func Hash(v interface{}) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase-hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashFileBytes is an alias kept for call-site clarity at file-hashing
// sites (plan files); identical to HashBytes.
func HashFileBytes(data []byte) string {
	return HashBytes(data)
}
