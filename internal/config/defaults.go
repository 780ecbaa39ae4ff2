package config

import (
	"github.com/noory-code/evonest/internal/core"
)

// defaultMaxTurns is the per-phase turn cap when neither config nor level
// preset overrides it. Verify has no LM invocation and so no cap.
var defaultMaxTurns = map[string]int{
	"meta-observe": 20,
	"scout":        25,
	"observe":      20,
	"plan":         15,
	"execute":      50,
}

func knownPhaseKeys() []string {
	return []string{"meta-observe", "scout", "observe", "plan", "execute"}
}

// defaults returns every engine default as a dotted-key map, the lowest
// tier of resolution.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"active_level":       LevelStandard,
		"language":           "english",
		"code_output":        OutputCommit,
		"model":              "sonnet",
		"max_cycles_per_run": 5,

		"verify.build": nil,
		"verify.test":  nil,

		"observe_mode":              ObserveAuto,
		"deep_cycle_interval":       10,
		"observe_turns_min_quick":   15,
		"observe_turns_min_deep":    30,
		"observe_turns_quick_ratio": 0.10,
		"observe_turns_deep_ratio":  0.50,

		"adversarial_probability": 0.20,
		"active_groups":           []string{},

		"meta_cycle_interval":         5,
		"max_dynamic_personas":        5,
		"max_dynamic_adversarials":    3,
		"dynamic_mutation_ttl_cycles": 15,

		"scout_enabled":             true,
		"scout_cycle_interval":      10,
		"scout_min_relevance_score": 6,

		"lm.path":            "claude",
		"lm.timeout_minutes": 30,
		"lm.max_retries":     3,

		"git.pr_command": "gh pr create --fill",
		"git.author":     "evonest <evonest@localhost>",

		"history.backend": "json",
	}
}

// invalid builds the ConfigError every schema violation reports.
func invalid(key, value, expected string) error {
	msg := "invalid value for " + key
	if value != "" {
		msg += ": " + value
	}
	msg += " (expected " + expected + ")"
	return core.ErrConfig(core.CodeInvalidKey, msg)
}
