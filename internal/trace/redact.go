package trace

import "strings"

const redactedValue = "***"

// sensitiveKeySubstrings flags any map key that contains one of these
// (case-insensitive) as carrying a value to redact (spec §4.3).
var sensitiveKeySubstrings = []string{"token", "password", "secret", "apikey"}

// sensitiveCommandFlags flags CLI-flag-shaped tokens inside a `cmd`/`command`
// string value whose *following* token should be redacted.
var sensitiveCommandFlags = []string{"--token", "--password", "-p", "-H", "--header"}

// Redact walks a decoded trace record in place, replacing any value whose
// key looks like a credential with "***", and scrubbing flag-style secrets
// out of cmd/command strings (spec §4.3, Testable Property 6).
func Redact(obj map[string]any) {
	for key, value := range obj {
		lower := strings.ToLower(key)
		for _, needle := range sensitiveKeySubstrings {
			if strings.Contains(lower, needle) {
				obj[key] = redactedValue
				break
			}
		}
		if nested, ok := value.(map[string]any); ok {
			Redact(nested)
		}
	}

	for _, key := range []string{"cmd", "command"} {
		if s, ok := obj[key].(string); ok {
			obj[key] = redactCommandString(s)
		}
	}
}

// redactCommandString replaces the value following any recognized
// sensitive flag with "***", preserving the rest of the command line.
func redactCommandString(cmd string) string {
	tokens := strings.Fields(cmd)
	for i := 0; i < len(tokens); i++ {
		for _, flag := range sensitiveCommandFlags {
			if tokens[i] == flag && i+1 < len(tokens) {
				tokens[i+1] = redactedValue
			} else if strings.HasPrefix(tokens[i], flag+"=") {
				tokens[i] = flag + "=" + redactedValue
			}
		}
	}
	return strings.Join(tokens, " ")
}
