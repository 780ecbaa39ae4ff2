package config

import "github.com/noory-code/evonest/internal/core"

// levelPresets are the override bundles applied last during resolution.
// A level set in project config beats engine defaults, and a runtime
// --level beats both; the chosen level's bundle then overlays the merged
// view, except for keys the project or runtime set explicitly.
var levelPresets = map[string]map[string]interface{}{
	LevelQuick: {
		"model":             LevelQuickModel,
		"observe_mode":      ObserveQuick,
		"max_turns.observe": 12,
		"max_turns.plan":    10,
		"max_turns.execute": 30,
		"scout_enabled":     false,
	},
	LevelStandard: {
		// Standard is the default tier; no overrides.
	},
	LevelDeep: {
		"model":             LevelDeepModel,
		"observe_mode":      ObserveDeep,
		"max_turns.observe": 40,
		"max_turns.plan":    25,
		"max_turns.execute": 80,
	},
}

// Model hints bundled with the quick and deep presets.
const (
	LevelQuickModel = "haiku"
	LevelDeepModel  = "opus"
)

// presetFor returns the bundle for a level name.
func presetFor(level string) (map[string]interface{}, error) {
	preset, ok := levelPresets[level]
	if !ok {
		return nil, core.ErrConfig(core.CodeInvalidLevel, "unknown level: "+level)
	}
	return preset, nil
}
