// Package config holds configuration helpers shared by the proxy and the CLI.
package config

import (
	"os"
	"regexp"
)

// envVarPattern matches ${VAR} or ${VAR:-default}
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} references with values from
// the environment. An unset or empty VAR without a default expands to "".
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(parts[1]); ok && value != "" {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		return ""
	})
}

// ExpandEnvBytes is ExpandEnv for file contents read before unmarshaling.
func ExpandEnvBytes(input []byte) []byte {
	return []byte(ExpandEnv(string(input)))
}

// MissingEnvVars lists referenced variables that have no default and are unset.
func MissingEnvVars(input string) []string {
	seen := make(map[string]bool)
	var missing []string
	for _, m := range envVarPattern.FindAllStringSubmatch(input, -1) {
		name := m[1]
		if seen[name] || m[2] != "" {
			continue
		}
		seen[name] = true
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
