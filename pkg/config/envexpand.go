package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. Uses {{.VAR_NAME}} syntax to avoid collision with $ in
// regex patterns and passwords that live in pack files.
//
// Examples:
//   - {{.DATABASE_URL}} → value of DATABASE_URL
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both expanded
//   - condition: "rawPayload.price == \"$12\"" → preserved literally
//
// Missing variables expand to empty string; validation catches
// required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Malformed template syntax passes through so the YAML parser
		// can produce the clearer error.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
