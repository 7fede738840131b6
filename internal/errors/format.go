package errors

import (
	"fmt"
	"log/slog"
	"strings"
)

// FormatForCLI formats an error for CLI output.
// Uses a concise format suitable for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	re := AsReviewError(err)
	if re == nil {
		re = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", re.Message))
	if re.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", re.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", re.Code))

	return sb.String()
}

// LogAttrs returns slog attributes describing the error for structured
// logging. Foreign errors get a single "error" attribute.
func LogAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}

	re := AsReviewError(err)
	if re == nil {
		return []slog.Attr{slog.String("error", err.Error())}
	}

	attrs := []slog.Attr{
		slog.String("error_code", re.Code),
		slog.String("message", re.Message),
		slog.String("category", string(re.Category)),
		slog.String("severity", string(re.Severity)),
		slog.Bool("retryable", re.Retryable),
	}
	if re.Cause != nil {
		attrs = append(attrs, slog.String("cause", re.Cause.Error()))
	}
	for k, v := range re.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}

	return attrs
}
