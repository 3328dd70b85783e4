// Package redact replaces sensitive substrings (cloud credentials,
// bearer tokens, private keys, JWTs, emails, password/api-key
// assignments, DB connection URLs) in free text before it reaches an AI
// upstream or a log line. Grounded on the teacher's osc133_parser.go
// style of precompiled regexes held on a package-level slice.
package redact

import "regexp"

type pattern struct {
	name string
	re   *regexp.Regexp
	repl string
}

// patterns is the published set from spec §4.7; order matters only in
// that PEM blocks and JWTs are matched before looser patterns that might
// otherwise partially consume them.
var patterns = []pattern{
	{"pem_private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED_PRIVATE_KEY]"},
	{"aws_access_key", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`), "[REDACTED_AWS_KEY]"},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), "[REDACTED_JWT]"},
	{"bearer_token", regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/-]+=*`), "Bearer [REDACTED_TOKEN]"},
	{"db_url", regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|mongodb(\+srv)?|redis):\/\/[^\s"']+`), "[REDACTED_DB_URL]"},
	{"password_assignment", regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`), "password=[REDACTED]"},
	{"api_key_assignment", regexp.MustCompile(`(?i)\bapi[_-]?key\s*[:=]\s*\S+`), "api_key=[REDACTED]"},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[REDACTED_EMAIL]"},
}

// Redact applies every pattern once, in order. The result is idempotent:
// Redact(Redact(x)) == Redact(x), since every replacement text is itself
// immune to every pattern above.
func Redact(input string) string {
	out := input
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, p.repl)
	}
	return out
}

// criticalSecretPatterns detect occurrences serious enough to block
// outbound content entirely rather than merely mask, per spec §4.5/§4.7:
// a private key, an AWS access key, or a password assignment with an
// 8+ character value.
var criticalSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S{8,}`),
}

// HasCriticalSecret reports whether input contains any critical secret
// pattern, prior to redaction.
func HasCriticalSecret(input string) bool {
	for _, re := range criticalSecretPatterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}
