// Package config resolves engine configuration in three tiers: engine
// defaults, the project's .evonest/config.json, and runtime overrides.
// Merging is dotted-key deep merge: objects merge recursively, scalars
// and lists replace, and an explicit null unsets (distinct from missing,
// which inherits).
package config

import (
	"fmt"
	"strings"
)

// Level names the preset bundles.
const (
	LevelQuick    = "quick"
	LevelStandard = "standard"
	LevelDeep     = "deep"
)

// Delivery modes for successful changes.
const (
	OutputCommit = "commit"
	OutputPR     = "pr"
)

// Observe modes.
const (
	ObserveAuto  = "auto"
	ObserveQuick = "quick"
	ObserveDeep  = "deep"
)

// VerifyConfig holds the build/test gate commands. A nil command skips
// that gate; this is the "null = explicit unset" case.
type VerifyConfig struct {
	Build *string `mapstructure:"build" json:"build"`
	Test  *string `mapstructure:"test" json:"test"`
}

// LMConfig tunes the language-model subprocess.
type LMConfig struct {
	Path           string `mapstructure:"path" json:"path"`
	TimeoutMinutes int    `mapstructure:"timeout_minutes" json:"timeout_minutes"`
	MaxRetries     int    `mapstructure:"max_retries" json:"max_retries"`
}

// HistoryConfig selects the history backend.
type HistoryConfig struct {
	Backend string `mapstructure:"backend" json:"backend"` // json | sqlite
}

// GitConfig tunes delivery.
type GitConfig struct {
	PRCommand string `mapstructure:"pr_command" json:"pr_command"`
	Author    string `mapstructure:"author" json:"author"`
}

// Config is the resolved engine configuration. Immutable during a run.
type Config struct {
	ActiveLevel string `mapstructure:"active_level" json:"active_level"`
	Language    string `mapstructure:"language" json:"language"`
	CodeOutput  string `mapstructure:"code_output" json:"code_output"`
	Model       string `mapstructure:"model" json:"model"`

	MaxCyclesPerRun int `mapstructure:"max_cycles_per_run" json:"max_cycles_per_run"`

	Verify VerifyConfig `mapstructure:"verify" json:"verify"`

	ObserveMode            string  `mapstructure:"observe_mode" json:"observe_mode"`
	DeepCycleInterval      int     `mapstructure:"deep_cycle_interval" json:"deep_cycle_interval"`
	ObserveTurnsMinQuick   int     `mapstructure:"observe_turns_min_quick" json:"observe_turns_min_quick"`
	ObserveTurnsMinDeep    int     `mapstructure:"observe_turns_min_deep" json:"observe_turns_min_deep"`
	ObserveTurnsQuickRatio float64 `mapstructure:"observe_turns_quick_ratio" json:"observe_turns_quick_ratio"`
	ObserveTurnsDeepRatio  float64 `mapstructure:"observe_turns_deep_ratio" json:"observe_turns_deep_ratio"`

	MaxTurns map[string]int `mapstructure:"max_turns" json:"max_turns"`

	AdversarialProbability float64         `mapstructure:"adversarial_probability" json:"adversarial_probability"`
	ActiveGroups           []string        `mapstructure:"active_groups" json:"active_groups"`
	Personas               map[string]bool `mapstructure:"personas" json:"personas"`
	Adversarials           map[string]bool `mapstructure:"adversarials" json:"adversarials"`

	MetaCycleInterval        int `mapstructure:"meta_cycle_interval" json:"meta_cycle_interval"`
	MaxDynamicPersonas       int `mapstructure:"max_dynamic_personas" json:"max_dynamic_personas"`
	MaxDynamicAdversarials   int `mapstructure:"max_dynamic_adversarials" json:"max_dynamic_adversarials"`
	DynamicMutationTTLCycles int `mapstructure:"dynamic_mutation_ttl_cycles" json:"dynamic_mutation_ttl_cycles"`

	ScoutEnabled           bool `mapstructure:"scout_enabled" json:"scout_enabled"`
	ScoutCycleInterval     int  `mapstructure:"scout_cycle_interval" json:"scout_cycle_interval"`
	ScoutMinRelevanceScore int  `mapstructure:"scout_min_relevance_score" json:"scout_min_relevance_score"`

	LM      LMConfig      `mapstructure:"lm" json:"lm"`
	Git     GitConfig     `mapstructure:"git" json:"git"`
	History HistoryConfig `mapstructure:"history" json:"history"`

	// NoMeta / NoScout suppress the gate phases for a run. Set via
	// EVONEST_NO_META / EVONEST_NO_SCOUT, not persisted in the file.
	NoMeta  bool `mapstructure:"no_meta" json:"no_meta,omitempty"`
	NoScout bool `mapstructure:"no_scout" json:"no_scout,omitempty"`
}

// MaxTurnsFor returns the configured turn cap for a phase, falling back
// to the engine default when unset.
func (c *Config) MaxTurnsFor(phase string) int {
	if n, ok := c.MaxTurns[phase]; ok && n > 0 {
		return n
	}
	if n, ok := defaultMaxTurns[phase]; ok {
		return n
	}
	return 20
}

// Validate checks the resolved configuration against the schema.
// Violations abort before any cycle starts.
func (c *Config) Validate() error {
	if !oneOf(c.ActiveLevel, LevelQuick, LevelStandard, LevelDeep) {
		return invalid("active_level", c.ActiveLevel, "quick|standard|deep")
	}
	if !oneOf(c.CodeOutput, OutputCommit, OutputPR) {
		return invalid("code_output", c.CodeOutput, "commit|pr")
	}
	if !oneOf(c.Model, "haiku", "sonnet", "opus") {
		return invalid("model", c.Model, "haiku|sonnet|opus")
	}
	if !oneOf(c.ObserveMode, ObserveAuto, ObserveQuick, ObserveDeep) {
		return invalid("observe_mode", c.ObserveMode, "auto|quick|deep")
	}
	if c.MaxCyclesPerRun < 0 {
		return invalid("max_cycles_per_run", fmt.Sprint(c.MaxCyclesPerRun), ">= 0")
	}
	if c.AdversarialProbability < 0 || c.AdversarialProbability > 1 {
		return invalid("adversarial_probability", fmt.Sprint(c.AdversarialProbability), "[0,1]")
	}
	if c.ScoutMinRelevanceScore < 1 || c.ScoutMinRelevanceScore > 10 {
		return invalid("scout_min_relevance_score", fmt.Sprint(c.ScoutMinRelevanceScore), "1..10")
	}
	if c.MetaCycleInterval < 1 {
		return invalid("meta_cycle_interval", fmt.Sprint(c.MetaCycleInterval), ">= 1")
	}
	if c.ScoutCycleInterval < 1 {
		return invalid("scout_cycle_interval", fmt.Sprint(c.ScoutCycleInterval), ">= 1")
	}
	if c.DeepCycleInterval < 1 {
		return invalid("deep_cycle_interval", fmt.Sprint(c.DeepCycleInterval), ">= 1")
	}
	if !oneOf(c.History.Backend, "json", "sqlite") {
		return invalid("history.backend", c.History.Backend, "json|sqlite")
	}
	for _, g := range c.ActiveGroups {
		if !oneOf(g, "tech", "biz", "quality") {
			return invalid("active_groups", g, "tech|biz|quality")
		}
	}
	for phase := range c.MaxTurns {
		if _, ok := defaultMaxTurns[phase]; !ok {
			return invalid("max_turns."+phase, "", strings.Join(knownPhaseKeys(), "|"))
		}
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
