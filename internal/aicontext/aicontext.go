// Package aicontext builds the bounded, classified terminal-output
// context the AI Request Pipeline sends upstream: trims to size, detects
// OS/shell hints, classifies command type and risk level. Grounded on
// the teacher's osc133_parser.go regex-table style.
package aicontext

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	defaultMaxLines = 200
	defaultMaxBytes = 32 * 1024
)

// RiskLevel classifies how dangerous the terminal output/command looks.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// CommandType buckets the terminal output by the tooling it looks like
// it's driving, for prompt shaping upstream.
type CommandType string

const (
	CommandDocker   CommandType = "docker"
	CommandGit      CommandType = "git"
	CommandNodeJS   CommandType = "nodejs"
	CommandPython   CommandType = "python"
	CommandDatabase CommandType = "database"
	CommandNetwork  CommandType = "network"
	CommandSystem   CommandType = "system"
	CommandGeneral  CommandType = "general"
)

// Context is the built, classified payload ready for redaction and the
// upstream call.
type Context struct {
	TerminalOutput string
	OSHint         string
	ShellHint      string
	ErrorDetected  bool
	CommandType    CommandType
	RiskLevel      RiskLevel
}

// Options configures trim limits; zero values fall back to spec defaults.
type Options struct {
	MaxLines int
	MaxBytes int
}

var rmRfRootedPattern = regexp.MustCompile(`\brm\s+-rf\s+(/\S*)`)
var safeRmPrefixes = regexp.MustCompile(`^/(home|tmp|var/tmp)(/|$)`)

var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=.*\bof=/dev/[sh]d`),
	regexp.MustCompile(`\bshutdown\s+-[hr]\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\binit\s+[06]\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;\s*:`), // fork bomb
}

var mediumRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`\bchown\b`),
	regexp.MustCompile(`\biptables\b`),
	regexp.MustCompile(`\bfirewall`),
}

var errorPattern = regexp.MustCompile(`(?i)\b(error|exception|traceback|fatal|failed|panic)\b`)

var shellPromptSuffix = regexp.MustCompile(`[$%>]\s$`)

var commandTypePatterns = []struct {
	ct CommandType
	re *regexp.Regexp
}{
	{CommandDocker, regexp.MustCompile(`(?i)\bdocker(-compose)?\b`)},
	{CommandGit, regexp.MustCompile(`(?i)\bgit\b`)},
	{CommandNodeJS, regexp.MustCompile(`(?i)\b(npm|node|yarn|pnpm)\b`)},
	{CommandPython, regexp.MustCompile(`(?i)\b(python3?|pip3?)\b`)},
	{CommandDatabase, regexp.MustCompile(`(?i)\b(psql|mysql|mongo|redis-cli|sqlite3)\b`)},
	{CommandNetwork, regexp.MustCompile(`(?i)\b(curl|wget|ssh|netcat|nc|ping|traceroute)\b`)},
	{CommandSystem, regexp.MustCompile(`(?i)\b(systemctl|service|ps\s|top|df\s|du\s|kill)\b`)},
}

// Build trims terminalOutput, then classifies it.
func Build(terminalOutput string, opts Options) Context {
	maxLines, maxBytes := opts.MaxLines, opts.MaxBytes
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	trimmed := trimToLines(terminalOutput, maxLines)
	trimmed = trimToBytesUTF8Safe(trimmed, maxBytes)

	return Context{
		TerminalOutput: trimmed,
		OSHint:         detectOSHint(trimmed),
		ShellHint:      detectShellHint(trimmed),
		ErrorDetected:  errorPattern.MatchString(trimmed),
		CommandType:    detectCommandType(trimmed),
		RiskLevel:      detectRiskLevel(trimmed),
	}
}

func trimToLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}

// trimToBytesUTF8Safe keeps the last maxBytes bytes, then walks forward
// past any continuation bytes left dangling at the new start so the
// result begins on a rune boundary.
func trimToBytesUTF8Safe(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := len(s) - maxBytes
	for cut < len(s) && isUTF8Continuation(s[cut]) {
		cut++
	}
	return s[cut:]
}

func isUTF8Continuation(b byte) bool {
	return b&0xC0 == 0x80
}

func detectOSHint(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "darwin") || strings.Contains(lower, "mac os"):
		return "darwin"
	case strings.Contains(lower, "microsoft windows") || strings.Contains(lower, "powershell") || strings.Contains(s, "C:\\"):
		return "windows"
	case strings.Contains(lower, "linux") || strings.Contains(lower, "ubuntu") || strings.Contains(lower, "debian"):
		return "linux"
	default:
		return "unknown"
	}
}

func detectShellHint(s string) string {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(s, "PS C:\\") || strings.Contains(lower, "powershell"):
		return "powershell"
	case strings.HasPrefix(strings.TrimSpace(s), "#!/bin/zsh") || strings.Contains(lower, "zsh:"):
		return "zsh"
	case strings.HasPrefix(strings.TrimSpace(s), "#!/bin/fish"):
		return "fish"
	case strings.Contains(lower, "c:\\windows\\system32") || strings.Contains(lower, "microsoft windows"):
		return "cmd"
	case strings.HasPrefix(strings.TrimSpace(s), "#!/bin/bash") || strings.HasPrefix(strings.TrimSpace(s), "#!/bin/sh"):
		return "bash"
	default:
		if lines := strings.Split(s, "\n"); len(lines) > 0 {
			last := lines[len(lines)-1]
			if shellPromptSuffix.MatchString(last) {
				return "bash"
			}
		}
		return "unknown"
	}
}

func detectCommandType(s string) CommandType {
	for _, ctp := range commandTypePatterns {
		if ctp.re.MatchString(s) {
			return ctp.ct
		}
	}
	return CommandGeneral
}

func detectRiskLevel(s string) RiskLevel {
	if m := rmRfRootedPattern.FindStringSubmatch(s); m != nil && !safeRmPrefixes.MatchString(m[1]) {
		return RiskHigh
	}
	for _, re := range highRiskPatterns {
		if re.MatchString(s) {
			return RiskHigh
		}
	}
	for _, re := range mediumRiskPatterns {
		if re.MatchString(s) {
			return RiskMedium
		}
	}
	return RiskNone
}

// CacheKey computes the md5 digest of the AI pipeline's cacheable
// request shape, per spec §4.5: the first 1000 chars of terminalOutput,
// the current input, osHint, and shellHint.
func CacheKey(terminalOutput, currentInput, osHint, shellHint string) string {
	first := terminalOutput
	if len(first) > 1000 {
		first = first[:1000]
	}
	h := md5.Sum([]byte(first + "\x00" + currentInput + "\x00" + osHint + "\x00" + shellHint))
	return hex.EncodeToString(h[:])
}
