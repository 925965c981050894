package notify

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"taskcore/internal/domain"
)

const (
	msgTaskSucceeded = "Background task completed."
	msgTaskFailed    = "Background task failed."
	maxErrorRunes    = 500
)

// TaskEnvelope builds the notification for a task in a terminal state.
func TaskEnvelope(t domain.Task, now time.Time) domain.Envelope {
	env := domain.Envelope{
		Type:        domain.EnvelopeWorkerResult,
		Success:     t.Status == domain.StatusSuccess,
		JobType:     t.JobType,
		DeliveredAt: now.UTC(),
	}
	if env.Success {
		env.Message = msgTaskSucceeded
		env.ResultPreview = Preview(t.Result)
		return env
	}
	env.Message = msgTaskFailed
	msg := "task failed"
	if t.Error != nil && *t.Error != "" {
		msg = *t.Error
	}
	env.Error = &domain.EnvelopeError{Message: Redact(msg)}
	return env
}

// Preview strips private keys and inline file content from a result.
func Preview(result map[string]any) map[string]any {
	if result == nil {
		return nil
	}
	out := make(map[string]any, len(result))
	for k, v := range result {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	if _, ok := out["file_base64"]; ok {
		delete(out, "file_base64")
		out["artifact_ready"] = true
		out["artifact_note"] = "The result contains a file; request it through a chat tool call instead of the background queue."
	}
	return out
}

var (
	secretPattern   = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|password|passwd|authorization)(["']?\s*[:=]\s*["']?)([^\s"'&,;]+)`)
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	userinfoPattern = regexp.MustCompile(`://[^/\s:@]+:[^/\s@]+@`)
)

// Redact masks credentials and bounds the length of an error message
// before it leaves the process.
func Redact(msg string) string {
	msg = userinfoPattern.ReplaceAllString(msg, "://[REDACTED]@")
	msg = bearerPattern.ReplaceAllString(msg, "Bearer [REDACTED]")
	msg = secretPattern.ReplaceAllString(msg, "${1}${2}[REDACTED]")
	if utf8.RuneCountInString(msg) > maxErrorRunes {
		msg = string([]rune(msg)[:maxErrorRunes]) + "…"
	}
	return msg
}
