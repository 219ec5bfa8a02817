package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
)

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// naming a command group ("transfer") allows every command below it.
// An empty allowlist allows everything.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// Mutating reports whether a command path changes vault state. Read-only
// agents are typically restricted to the non-mutating set.
func Mutating(commandPath string) bool {
	switch normalize(commandPath) {
	case "vault deposit", "vault withdraw", "vault recall", "vault accrue",
		"agent authorize", "agent revoke",
		"rebalance",
		"transfer send", "transfer batch", "transfer confirm", "transfer fail",
		"breaker set", "emergency on", "emergency off",
		"fees set", "swap", "monitor once", "monitor run":
		return true
	default:
		return false
	}
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
