package gitx

import "strings"

// Quote escapes a string for a POSIX shell using single quotes.
// Embedded single quotes are closed, escaped, and reopened, so a literal
// ' becomes '\'' inside the quoted string. An empty string quotes to ''.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !needsQuoting(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// needsQuoting reports whether the string contains characters a POSIX
// shell would interpret.
func needsQuoting(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ':' ||
			r == '@' || r == '=' || r == '+' || r == ',':
		default:
			return true
		}
	}
	return false
}

// CommandString renders a command and its arguments as a shell-safe
// string for logs and error messages.
func CommandString(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, Quote(name))
	for _, a := range args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}
