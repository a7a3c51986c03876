// Package masking redacts secrets from payloads before they reach the
// audit trail. Redaction combines a recognized-keys policy (map keys
// whose values are always replaced) with a regex sweep over string
// values.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Redacted is the replacement for values under recognized secret keys.
const Redacted = "__REDACTED__"

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// Service applies secret redaction. Created once at startup;
// thread-safe and stateless aside from compiled patterns.
type Service struct {
	patterns       []*CompiledPattern
	recognizedKeys map[string]bool
}

// Pattern is a raw regex pattern before compilation.
type Pattern struct {
	Pattern     string
	Replacement string
	Description string
}

// NewService compiles the built-in patterns plus any extras. Invalid
// patterns are logged and skipped.
func NewService(extra map[string]Pattern) *Service {
	s := &Service{
		recognizedKeys: recognizedSecretKeys(),
	}

	all := builtinPatterns()
	for name, p := range extra {
		all[name] = p
	}
	for name, p := range all {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}

	slog.Info("Masking service initialized",
		"compiled_patterns", len(s.patterns),
		"recognized_keys", len(s.recognizedKeys))
	return s
}

// RedactString applies the regex sweep to a string value.
// Fail-open: redaction never errors, the worst case is an unmasked value.
func (s *Service) RedactString(content string) string {
	if content == "" {
		return content
	}
	masked := content
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// RedactValue recursively redacts a payload value. Maps are walked
// key-by-key: values under recognized secret keys are replaced
// wholesale, other string values get the regex sweep. Sequences
// recurse element-wise. Scalars pass through.
func (s *Service) RedactValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if s.recognizedKeys[normalizeKey(k)] {
				out[k] = Redacted
				continue
			}
			out[k] = s.RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = s.RedactValue(val)
		}
		return out
	case string:
		return s.RedactString(x)
	default:
		return v
	}
}

// RedactMap is a convenience wrapper for map payloads.
func (s *Service) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	redacted, ok := s.RedactValue(m).(map[string]any)
	if !ok {
		// Cannot happen; RedactValue preserves the map shape.
		return map[string]any{"payload": fmt.Sprintf("%v", m)}
	}
	return redacted
}

// normalizeKey folds key spelling variants (apiKey, api-key, API_KEY)
// onto one form for the recognized-keys lookup.
func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "-", "_")
	return k
}

func recognizedSecretKeys() map[string]bool {
	keys := []string{
		"password", "passwd", "pwd",
		"secret", "secret_key", "client_secret",
		"token", "access_token", "refresh_token", "id_token",
		"api_key", "apikey",
		"authorization", "auth",
		"credential", "credentials",
		"private_key",
		"session_key", "cookie",
	}
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func builtinPatterns() map[string]Pattern {
	return map[string]Pattern{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
			Description: "API keys",
		},
		"password": {
			Pattern:     `(?i)(?:password|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "__MASKED_PASSWORD__"`,
			Description: "Passwords",
		},
		"token": {
			Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__MASKED_TOKEN__"`,
			Description: "Access tokens",
		},
		"certificate": {
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__MASKED_CERTIFICATE__`,
			Description: "SSL/TLS certificates",
		},
		"ssh_key": {
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `__MASKED_SSH_KEY__`,
			Description: "SSH public keys",
		},
		"aws_access_key": {
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: `__MASKED_AWS_KEY__`,
			Description: "AWS access key ids",
		},
		"slack_token": {
			Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
			Replacement: `__MASKED_SLACK_TOKEN__`,
			Description: "Slack tokens",
		},
	}
}
