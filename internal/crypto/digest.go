package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DigestHex returns the SHA-256 digest as lowercase hex.
func DigestHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestWithPrefix returns the SHA-256 digest with the "sha256:" prefix.
func DigestWithPrefix(data []byte) string {
	return "sha256:" + DigestHex(data)
}

// HashValue digests a field value for the audit trail. Raw values are
// never persisted, only this hash.
func HashValue(value string) string {
	return DigestHex([]byte(value))
}

// PayloadDigest computes a stable digest for a form snapshot. Canonical
// JSON keeps the digest independent of key order; if the payload cannot
// be canonicalized the digest falls back to the plain encoding.
func PayloadDigest(payload any) (string, error) {
	canonical, err := Canonicalize(payload)
	if err == nil {
		return DigestWithPrefix(canonical), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return DigestWithPrefix(raw), nil
}
