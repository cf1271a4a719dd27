package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + strings.Join(secretKeys(), "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	secretFlagPattern  = regexp.MustCompile(`(?i)^(--?[a-z0-9_-]*(?:password|passwd|secret|token|api[-_]?key)[a-z0-9_-]*)(?:(=)(.*))?$`)
)

func secretKeys() []string {
	keys := []string{
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"AZURE_CLIENT_SECRET",
		"GCP_SERVICE_ACCOUNT_KEY",
		"DATABASE_PASSWORD",
		"DB_PASSWORD",
		"POSTGRES_PASSWORD",
		"REDIS_PASSWORD",
		"API_KEY",
		"ACCESS_TOKEN",
		"REFRESH_TOKEN",
		"CLIENT_SECRET",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// RedactSecrets masks common secret placeholders and sensitive key values from the
// supplied string. It replaces ${VAR} style template references and known secret
// key assignments with a generic [redacted] marker.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllStringFunc(message, func(match string) string {
		return "${" + redactedPlaceholder + "}"
	})
	return secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
}

// RedactArgs returns a copy of argv safe to log. Values of secret-looking
// flags are masked whether given as --flag=value or --flag value, and every
// argument is passed through RedactSecrets.
func RedactArgs(argv []string) []string {
	out := make([]string, len(argv))
	maskNext := false
	for i, arg := range argv {
		if maskNext {
			out[i] = redactedPlaceholder
			maskNext = false
			continue
		}
		if m := secretFlagPattern.FindStringSubmatch(arg); m != nil && i > 0 {
			if m[2] == "=" {
				out[i] = m[1] + "=" + redactedPlaceholder
			} else {
				out[i] = arg
				maskNext = true
			}
			continue
		}
		out[i] = RedactSecrets(arg)
	}
	return out
}
