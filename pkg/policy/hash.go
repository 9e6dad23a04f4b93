package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// idempotencyKeyLen is the hex-truncated width of derived idempotency keys.
const idempotencyKeyLen = 16

// canonicalHash returns the SHA-256 hex digest of the RFC 8785 canonical JSON
// form of v, so semantically identical bundles hash identically regardless of
// map ordering or whitespace.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("jcs transform: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// IdempotencyKey derives the key collapsing duplicate decision attempts for
// one (policy, prompt, session) triple. A policy reload changes the policy
// hash and therefore invalidates stale keys instead of colliding with them.
func IdempotencyKey(policyHash, promptID, sessionID string) string {
	sum := sha256.Sum256([]byte(policyHash + "\x00" + promptID + "\x00" + sessionID))
	return hex.EncodeToString(sum[:])[:idempotencyKeyLen]
}
