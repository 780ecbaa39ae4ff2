package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/noory-code/evonest/internal/core"
)

// Source supplies the raw project config document. ProjectState
// implements it; the config package never touches .evonest/ paths itself.
type Source interface {
	ReadConfigRaw() ([]byte, error)
	WriteConfigRaw(data []byte) error
}

// Loader resolves configuration from the three tiers plus level presets
// and environment variables.
//
// Resolution order (lowest to highest):
//  1. engine defaults
//  2. project config file
//  3. level preset bundle (level chosen by runtime > file > default;
//     keys the file or runtime overrides set explicitly are skipped)
//  4. EVONEST_* environment variables
//  5. runtime dotted-key overrides
type Loader struct {
	source    Source
	overrides map[string]interface{}
	level     string // runtime --level, empty when unset
}

// NewLoader creates a loader over a config source.
func NewLoader(source Source) *Loader {
	return &Loader{
		source:    source,
		overrides: make(map[string]interface{}),
	}
}

// WithOverride records a runtime dotted-key override.
func (l *Loader) WithOverride(key string, value interface{}) *Loader {
	l.overrides[key] = value
	return l
}

// WithLevel records a runtime level selection.
func (l *Loader) WithLevel(level string) *Loader {
	l.level = level
	return l
}

// Load resolves the final configuration.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	fileMap, err := l.readProjectFile()
	if err != nil {
		return nil, err
	}
	if fileMap != nil {
		if err := v.MergeConfigMap(fileMap); err != nil {
			return nil, core.ErrConfig("MERGE_FAILED", "merging project config").WithCause(err)
		}
	}

	level, err := l.resolveLevel(v)
	if err != nil {
		return nil, err
	}
	preset, err := presetFor(level)
	if err != nil {
		return nil, err
	}
	// A preset key yields to the same key set explicitly in the project
	// file or as a runtime override; the bundle only fills what the
	// operator left to the level.
	for key, val := range preset {
		if hasDottedKey(fileMap, key) {
			continue
		}
		if _, explicit := l.overrides[key]; explicit {
			continue
		}
		v.Set(key, val)
	}
	v.Set("active_level", level)

	l.applyEnv(v)

	for key, val := range l.overrides {
		if !knownKey(key) {
			return nil, core.ErrConfig(core.CodeInvalidKey, "unknown config key: "+key)
		}
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, core.ErrConfig("UNMARSHAL_FAILED", "config does not match schema").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readProjectFile parses the comment-tolerant JSON config document into a
// nested map. Absent file means empty; a parse failure is a ConfigError.
func (l *Loader) readProjectFile() (map[string]interface{}, error) {
	if l.source == nil {
		return nil, nil
	}
	raw, err := l.source.ReadConfigRaw()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrConfig("READ_FAILED", "reading project config").WithCause(err)
	}
	stripped := stripComments(raw)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(stripped, &m); err != nil {
		return nil, core.ErrConfig("PARSE_FAILED", "project config is not valid JSON").WithCause(err)
	}
	return m, nil
}

// resolveLevel picks the active level: runtime flag beats the project
// file, which beats the engine default.
func (l *Loader) resolveLevel(v *viper.Viper) (string, error) {
	if l.level != "" {
		if _, ok := levelPresets[l.level]; !ok {
			return "", core.ErrConfig(core.CodeInvalidLevel, "unknown level: "+l.level)
		}
		return l.level, nil
	}
	return v.GetString("active_level"), nil
}

// applyEnv honors the EVONEST_* environment contract.
func (l *Loader) applyEnv(v *viper.Viper) {
	if model := os.Getenv("EVONEST_MODEL"); model != "" {
		v.Set("model", model)
	}
	if os.Getenv("EVONEST_NO_META") != "" {
		v.Set("no_meta", true)
	}
	if os.Getenv("EVONEST_NO_SCOUT") != "" {
		v.Set("no_scout", true)
	}
}

// hasDottedKey reports whether a dotted key is present in a nested
// config document.
func hasDottedKey(doc map[string]interface{}, key string) bool {
	if doc == nil {
		return false
	}
	var node interface{} = doc
	for _, part := range strings.Split(key, ".") {
		obj, ok := node.(map[string]interface{})
		if !ok {
			return false
		}
		node, ok = obj[part]
		if !ok {
			return false
		}
	}
	return true
}

// knownKey reports whether a dotted key names a schema field.
func knownKey(key string) bool {
	if _, ok := defaults()[key]; ok {
		return true
	}
	switch {
	case strings.HasPrefix(key, "max_turns."):
		_, ok := defaultMaxTurns[strings.TrimPrefix(key, "max_turns.")]
		return ok
	case strings.HasPrefix(key, "personas."), strings.HasPrefix(key, "adversarials."):
		return true
	case key == "active_level", key == "no_meta", key == "no_scout":
		return true
	}
	return false
}

// Set validates a dotted-key assignment against the schema and persists
// it into the project config document.
func Set(source Source, key string, value interface{}) error {
	if !knownKey(key) {
		return core.ErrConfig(core.CodeInvalidKey, "unknown config key: "+key)
	}

	// Prove the assignment resolves to a valid config before persisting.
	if _, err := NewLoader(source).WithOverride(key, value).Load(); err != nil {
		return err
	}

	raw, err := source.ReadConfigRaw()
	if err != nil && !os.IsNotExist(err) {
		return core.ErrConfig("READ_FAILED", "reading project config").WithCause(err)
	}
	doc := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(stripComments(raw), &doc); err != nil {
			return core.ErrConfig("PARSE_FAILED", "project config is not valid JSON").WithCause(err)
		}
	}

	setDotted(doc, key, value)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return source.WriteConfigRaw(append(data, '\n'))
}

// setDotted writes value at a dotted path, creating intermediate objects.
func setDotted(doc map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// Get returns the resolved value at a dotted key, for the config CLI.
func Get(source Source, key string) (interface{}, error) {
	if !knownKey(key) {
		return nil, core.ErrConfig(core.CodeInvalidKey, "unknown config key: "+key)
	}
	cfg, err := NewLoader(source).Load()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	var node interface{} = m
	for _, part := range strings.Split(key, ".") {
		obj, ok := node.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		node = obj[part]
	}
	return node, nil
}
