package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noory-code/evonest/internal/core"
)

// memSource is an in-memory config document.
type memSource struct {
	data []byte
}

func (m *memSource) ReadConfigRaw() ([]byte, error) {
	if m.data == nil {
		return nil, os.ErrNotExist
	}
	return m.data, nil
}

func (m *memSource) WriteConfigRaw(data []byte) error {
	m.data = data
	return nil
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader(&memSource{}).Load()
	require.NoError(t, err)

	assert.Equal(t, LevelStandard, cfg.ActiveLevel)
	assert.Equal(t, "sonnet", cfg.Model)
	assert.Equal(t, OutputCommit, cfg.CodeOutput)
	assert.Equal(t, 5, cfg.MaxCyclesPerRun)
	assert.Equal(t, 0.20, cfg.AdversarialProbability)
	assert.Equal(t, 5, cfg.MetaCycleInterval)
	assert.Equal(t, 6, cfg.ScoutMinRelevanceScore)
	assert.True(t, cfg.ScoutEnabled)
	assert.Nil(t, cfg.Verify.Build)
	assert.Nil(t, cfg.Verify.Test)
	assert.Equal(t, "json", cfg.History.Backend)
}

func TestLoad_ProjectFileMerges(t *testing.T) {
	src := &memSource{data: []byte(`{
		// comment-tolerant JSON
		"model": "opus",
		"verify": {"test": "go test ./..."},
		"max_turns": {"observe": 33}
	}`)}
	cfg, err := NewLoader(src).Load()
	require.NoError(t, err)

	assert.Equal(t, "opus", cfg.Model)
	require.NotNil(t, cfg.Verify.Test)
	assert.Equal(t, "go test ./...", *cfg.Verify.Test)
	// Sibling keys inherit defaults through the deep merge.
	assert.Nil(t, cfg.Verify.Build)
	assert.Equal(t, 33, cfg.MaxTurnsFor("observe"))
	assert.Equal(t, 15, cfg.MaxTurnsFor("plan"), "unset phases keep defaults")
}

func TestLoad_NullIsExplicitUnset(t *testing.T) {
	src := &memSource{data: []byte(`{"verify": {"test": null, "build": "make"}}`)}
	cfg, err := NewLoader(src).Load()
	require.NoError(t, err)

	assert.Nil(t, cfg.Verify.Test)
	require.NotNil(t, cfg.Verify.Build)
	assert.Equal(t, "make", *cfg.Verify.Build)
}

func TestLoad_LevelPresets(t *testing.T) {
	src := &memSource{data: []byte(`{"active_level": "quick"}`)}
	cfg, err := NewLoader(src).Load()
	require.NoError(t, err)

	assert.Equal(t, LevelQuick, cfg.ActiveLevel)
	assert.Equal(t, LevelQuickModel, cfg.Model)
	assert.Equal(t, ObserveQuick, cfg.ObserveMode)
	assert.False(t, cfg.ScoutEnabled)
	assert.Equal(t, 12, cfg.MaxTurnsFor("observe"))
}

func TestLoad_RuntimeLevelBeatsFile(t *testing.T) {
	src := &memSource{data: []byte(`{"active_level": "quick"}`)}
	cfg, err := NewLoader(src).WithLevel(LevelDeep).Load()
	require.NoError(t, err)

	assert.Equal(t, LevelDeep, cfg.ActiveLevel)
	assert.Equal(t, LevelDeepModel, cfg.Model)
	assert.Equal(t, ObserveDeep, cfg.ObserveMode)
}

func TestLoad_RuntimeOverrideBeatsPreset(t *testing.T) {
	src := &memSource{data: []byte(`{"active_level": "deep"}`)}
	cfg, err := NewLoader(src).WithOverride("model", "haiku").Load()
	require.NoError(t, err)

	assert.Equal(t, "haiku", cfg.Model)
}

func TestLoad_ExplicitProjectKeyBeatsPreset(t *testing.T) {
	src := &memSource{data: []byte(`{
		"active_level": "quick",
		"model": "opus",
		"max_turns": {"execute": 99}
	}`)}
	cfg, err := NewLoader(src).Load()
	require.NoError(t, err)

	// Explicit project keys survive the preset bundle...
	assert.Equal(t, "opus", cfg.Model)
	assert.Equal(t, 99, cfg.MaxTurnsFor("execute"))
	// ...while unset preset keys still apply.
	assert.Equal(t, ObserveQuick, cfg.ObserveMode)
	assert.Equal(t, 12, cfg.MaxTurnsFor("observe"))
	assert.False(t, cfg.ScoutEnabled)
}

func TestLoad_UnknownLevel(t *testing.T) {
	_, err := NewLoader(&memSource{}).WithLevel("turbo").Load()
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConfig))
}

func TestLoad_UnknownOverrideKey(t *testing.T) {
	_, err := NewLoader(&memSource{}).WithOverride("no_such_key", 1).Load()
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConfig))
}

func TestLoad_InvalidFileJSON(t *testing.T) {
	src := &memSource{data: []byte(`{broken`)}
	_, err := NewLoader(src).Load()
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConfig))
}

func TestLoad_ValidationViolations(t *testing.T) {
	cases := []string{
		`{"code_output": "email"}`,
		`{"model": "gpt"}`,
		`{"adversarial_probability": 1.5}`,
		`{"scout_min_relevance_score": 11}`,
		`{"active_groups": ["marketing"]}`,
		`{"max_turns": {"verify": 5}}`,
	}
	for _, doc := range cases {
		t.Run(doc, func(t *testing.T) {
			_, err := NewLoader(&memSource{data: []byte(doc)}).Load()
			require.Error(t, err)
			assert.True(t, core.IsCategory(err, core.ErrCatConfig))
		})
	}
}

func TestLoad_EnvModelOverride(t *testing.T) {
	t.Setenv("EVONEST_MODEL", "haiku")
	cfg, err := NewLoader(&memSource{}).Load()
	require.NoError(t, err)
	assert.Equal(t, "haiku", cfg.Model)
}

func TestLoad_EnvGateSuppression(t *testing.T) {
	t.Setenv("EVONEST_NO_META", "1")
	t.Setenv("EVONEST_NO_SCOUT", "1")
	cfg, err := NewLoader(&memSource{}).Load()
	require.NoError(t, err)
	assert.True(t, cfg.NoMeta)
	assert.True(t, cfg.NoScout)
}

func TestLoad_PersonaToggles(t *testing.T) {
	src := &memSource{data: []byte(`{"personas": {"maintainer": false}}`)}
	cfg, err := NewLoader(src).Load()
	require.NoError(t, err)
	assert.False(t, cfg.Personas["maintainer"])
}

func TestSet_PersistsAndValidates(t *testing.T) {
	src := &memSource{}

	require.NoError(t, Set(src, "verify.test", "go test ./..."))
	cfg, err := NewLoader(src).Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Verify.Test)
	assert.Equal(t, "go test ./...", *cfg.Verify.Test)

	// A type-invalid assignment is rejected and not persisted.
	err = Set(src, "model", "gpt")
	require.Error(t, err)
	cfg, err = NewLoader(src).Load()
	require.NoError(t, err)
	assert.Equal(t, "sonnet", cfg.Model)

	err = Set(src, "bogus.key", 1)
	require.Error(t, err)
}

func TestGet_ResolvedValue(t *testing.T) {
	src := &memSource{data: []byte(`{"max_cycles_per_run": 9}`)}
	value, err := Get(src, "max_cycles_per_run")
	require.NoError(t, err)
	assert.EqualValues(t, 9, value)
}

func TestStripComments(t *testing.T) {
	in := []byte(`{
	  // line comment
	  "a": "keep // this",
	  /* block
	     comment */
	  "b": 2
	}`)
	out := stripComments(in)
	assert.NotContains(t, string(out), "line comment")
	assert.NotContains(t, string(out), "block")
	assert.Contains(t, string(out), `"keep // this"`)
}
