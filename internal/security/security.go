// Package security holds the daemon's two output-safety concerns:
// redacting likely secrets out of captured check/action output before it
// reaches a log file, and validating that the state directory kicker
// writes runtime_state.json, leader.json, and its logs into isn't
// world-writable. Adapted from colebrumley-srvrmgr/internal/security's
// scrubber.go and permissions.go.
package security

import (
	"fmt"
	"os"
	"regexp"
)

var (
	bearerPattern = regexp.MustCompile(`Bearer\s+\S{20,}`)
	hexKeyPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
	urlUserinfo   = regexp.MustCompile(`://[^/@\s:]+:[^/@\s]+@`)
)

// ScrubOutput redacts likely bearer tokens, long hex API keys, and
// userinfo-in-URL credentials from captured command output before it is
// written to a check/action log.
func ScrubOutput(output string) string {
	result := bearerPattern.ReplaceAllString(output, "Bearer [REDACTED]")
	result = hexKeyPattern.ReplaceAllString(result, "[REDACTED]")
	result = urlUserinfo.ReplaceAllString(result, "://[REDACTED]@")
	return result
}

// ValidateStateDirPermissions checks that the kicker state directory is
// not world-writable, grants its group nothing beyond read and execute,
// and grants others nothing at all. It
// is advisory: callers log a warning rather than refusing to run, since a
// misconfigured state directory is recoverable and shouldn't block the
// daemon from starting.
func ValidateStateDirPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking state directory permissions: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	mode := info.Mode().Perm()
	if mode&0o002 != 0 {
		return fmt.Errorf("state directory %s is world-writable (mode %04o), expected 0700 or 0750", path, mode)
	}
	if mode&0o027 != 0 {
		return fmt.Errorf("state directory %s has overly permissive mode %04o, expected 0700 or 0750", path, mode)
	}
	return nil
}
