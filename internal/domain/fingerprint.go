package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// JobFingerprint derives the deduplication fingerprint for a submission.
//
// Params go through a decode/encode round trip so key order and whitespace
// do not change the fingerprint; encoding/json emits object keys sorted.
// Payloads that are not valid JSON hash as raw bytes.
func JobFingerprint(workflowID string, params []byte) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write(canonicalJSON(params))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}

	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
