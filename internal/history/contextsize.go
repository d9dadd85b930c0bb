package history

import (
	"os"
	"strconv"
	"strings"
)

// knownContextWindows is a per-model context-window table (in tokens). The
// config loader's history-budget defaults are fixed values and do not
// consult it.
var knownContextWindows = map[string]int{
	"claude-opus-4-5":   200_000,
	"claude-sonnet-4-5": 200_000,
	"gpt-4":             128_000,
	"gpt-4o":            128_000,
	"gpt-4o-mini":       128_000,
}

// ContextSize returns the known context window (in tokens) for model, and
// whether it is known. An env override `MODEL_<UPPER_SNAKE_NAME>_CONTEXT_TOKENS`
// takes precedence over the built-in table.
func ContextSize(model string) (int, bool) {
	envKey := "MODEL_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(model)) + "_CONTEXT_TOKENS"
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	if n, ok := knownContextWindows[model]; ok {
		return n, true
	}
	return 0, false
}
