package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// FormatForCLI renders err for the terminal. Coded errors show their cause,
// suggestion and code on separate lines; other errors print as is.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	var ae *AppError
	if !errors.As(err, &ae) {
		return fmt.Sprintf("Error: %s\n", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", ae.Message)
	if ae.Cause != nil {
		fmt.Fprintf(&sb, "  Cause: %s\n", ae.Cause)
	}
	if ae.Suggestion != "" {
		fmt.Fprintf(&sb, "  Hint: %s\n", ae.Suggestion)
	}
	fmt.Fprintf(&sb, "  Code: %s\n", ae.Code)
	return sb.String()
}

// LogAttrs describes err as slog attributes: the code, severity and details
// of a coded error, just the message otherwise.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	var ae *AppError
	if !errors.As(err, &ae) {
		return []any{slog.String("error", err.Error())}
	}

	attrs := []any{
		slog.String("code", ae.Code),
		slog.String("error", ae.Message),
		slog.String("severity", string(ae.Severity)),
	}
	if ae.Cause != nil {
		attrs = append(attrs, slog.String("cause", ae.Cause.Error()))
	}
	if ae.Retryable {
		attrs = append(attrs, slog.Bool("retryable", true))
	}
	for k, v := range ae.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}
