// ABOUTME: Environment whitelisting and permission-mode normalization for
// ABOUTME: spawned agent subprocesses.

package proc

import (
	"log/slog"
	"strings"
)

// envWhitelist names the only parent variables a subprocess may inherit,
// besides anything prefixed CLAUDE_.
var envWhitelist = map[string]struct{}{
	"PATH":                    {},
	"HOME":                    {},
	"USER":                    {},
	"SHELL":                   {},
	"LANG":                    {},
	"LC_ALL":                  {},
	"LC_CTYPE":                {},
	"TERM":                    {},
	"TMPDIR":                  {},
	"XDG_CONFIG_HOME":         {},
	"XDG_DATA_HOME":           {},
	"ANTHROPIC_API_KEY":       {},
	"CLAUDE_CODE_USE_BEDROCK": {},
	"AWS_PROFILE":             {},
	"AWS_REGION":              {},
	"HTTP_PROXY":              {},
	"HTTPS_PROXY":             {},
	"NO_PROXY":                {},
}

// WhitelistEnv filters an os.Environ-shaped slice down to the allowed
// variables so secrets in the parent environment never leak into agent
// subprocesses.
func WhitelistEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, allowed := envWhitelist[name]; allowed || strings.HasPrefix(name, "CLAUDE_") {
			out = append(out, kv)
		}
	}
	return out
}

// validPermissionModes are the values the agent CLI accepts verbatim.
var validPermissionModes = []string{"acceptEdits", "bypassPermissions", "default", "dontAsk", "plan"}

// permissionModeAliases maps user-friendly spellings to CLI values.
var permissionModeAliases = map[string]string{
	"full-auto":          "bypassPermissions",
	"full_auto":          "bypassPermissions",
	"auto":               "bypassPermissions",
	"accept-edits":       "acceptEdits",
	"accept_edits":       "acceptEdits",
	"dont-ask":           "dontAsk",
	"dont_ask":           "dontAsk",
	"bypass":             "bypassPermissions",
	"bypass-permissions": "bypassPermissions",
	"bypass_permissions": "bypassPermissions",
}

// ResolvePermissionMode normalizes a permission mode string to a value the
// CLI accepts. Valid modes match case-insensitively; unknown values fall
// back to "default" with a warning.
func ResolvePermissionMode(mode string, logger *slog.Logger) string {
	lower := strings.ToLower(mode)
	for _, valid := range validPermissionModes {
		if lower == strings.ToLower(valid) {
			return valid
		}
	}
	if resolved, ok := permissionModeAliases[lower]; ok {
		return resolved
	}
	if logger != nil {
		logger.Warn("unknown permission mode, using default", "mode", mode)
	}
	return "default"
}
