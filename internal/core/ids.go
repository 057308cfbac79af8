package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// DeterministicHash returns the lowercase hex SHA-256 digest of the
// concatenated parts, joined by a NUL separator so no ambiguity arises from
// concatenating variable-length fields (e.g. "ab"+"c" vs "a"+"bc").
func DeterministicHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ClientOrderID derives the stable, retry-safe client order id for an intent.
// It is engine-prefixed so the reconcile engine can scope ownership by prefix
// and is a pure function of (enginePrefix, intentID, runID): the same intent
// retried after a crash yields the same id.
func ClientOrderID(enginePrefix, intentID, runID string) string {
	return enginePrefix + DeterministicHash(intentID, runID)[:32]
}

// AuditEventID derives the content-addressed id for an audit event: a hash of
// the previous event's hash, the canonical payload, and the sequence number,
// so the id cannot be forged independently of the hash chain it belongs to.
func AuditEventID(hashPrev string, canonicalPayload string, sequence int64) string {
	return DeterministicHash(hashPrev, canonicalPayload, strconv.FormatInt(sequence, 10))
}
