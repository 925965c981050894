package handlers

import (
	"fmt"
	"strconv"
	"strings"
)

// StringParam returns payload[key] rendered as a string, or "".
func StringParam(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// IntParam reads an integer that may have arrived as a JSON number or a
// numeric string. def is returned when the key is absent or unparsable.
func IntParam(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
