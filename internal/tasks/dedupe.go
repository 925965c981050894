package tasks

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// OwnerPayloadKey is the private payload key callers use to attach a task
// to a user when no explicit owner is given.
const OwnerPayloadKey = "__user_id"

// DedupeKey identifies equivalent requests: same job type, same owner and
// same payload once private "__" keys are removed. encoding/json sorts map
// keys, which makes the encoding canonical.
func DedupeKey(jobType, owner string, payload map[string]any) (string, error) {
	canonical, err := json.Marshal(struct {
		JobType string `json:"job_type"`
		Owner   string `json:"owner"`
		Payload any    `json:"payload"`
	}{jobType, owner, normalize(payload)})
	if err != nil {
		return "", fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			if strings.HasPrefix(k, "__") {
				continue
			}
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
