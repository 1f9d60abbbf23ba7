package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomkit/loom/kernel/provider"
)

// Fingerprint computes a stable hash of the replay-relevant parts of a
// provider request: prompt, sampling options, output schema, and tool set.
// The hash is insensitive to line-ending style, JSON key order, and
// run-specific fields (session ids, recording ids, timestamps), so the same
// logical request always maps to the same recording.
func Fingerprint(req provider.Request) (string, error) {
	subject := map[string]any{
		"model":        req.Model,
		"prompt":       req.Prompt,
		"temperature":  req.Temperature,
		"maxTokens":    req.MaxTokens,
		"tools":        req.Tools,
		"outputSchema": req.OutputSchema,
		"thinking":     req.Thinking,
	}
	raw, err := json.Marshal(subject)
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal request: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("fingerprint: decode request: %w", err)
	}
	canon, err := json.Marshal(canonicalize(decoded))
	if err != nil {
		return "", fmt.Errorf("fingerprint: canonicalize request: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize normalizes a decoded JSON value for hashing: CRLF and CR line
// endings in strings become LF, and run-specific keys are dropped wherever
// they appear. Map key ordering is handled by json.Marshal, which sorts keys.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if excludedKey(k) {
				continue
			}
			out[k] = canonicalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	case string:
		return normalizeNewlines(val)
	default:
		return v
	}
}

// excludedKey reports whether the key carries wall-clock or per-run identity
// and must not affect the fingerprint.
func excludedKey(k string) bool {
	switch k {
	case "session_id", "sessionId", "recording_id", "recordingId", "timestamp":
		return true
	}
	return strings.HasSuffix(k, "_at") || strings.HasSuffix(k, "At")
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
