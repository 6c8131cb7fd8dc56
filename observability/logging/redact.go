package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Secret returns an attr whose value is masked unless it is empty. Startup
// code uses it when echoing configuration that may contain credentials such
// as ledger auth tokens.
func Secret(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, "")
	}
	return slog.String(key, RedactedValue)
}
