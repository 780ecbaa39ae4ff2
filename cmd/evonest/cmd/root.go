package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/noory-code/evonest/internal/config"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/gitgw"
	"github.com/noory-code/evonest/internal/logging"
	"github.com/noory-code/evonest/internal/runner"
	"github.com/noory-code/evonest/internal/state"
)

var (
	projectDir string
	logLevel   string
	logFormat  string
	levelFlag  string
	setFlags   []string

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "evonest",
	Short: "Autonomous evolution engine for codebases",
	Long: `evonest drives a codebase through repeated Observe -> Plan -> Execute
-> Verify cycles, invoking a language model under guidance of an
adaptively scheduled persona, and applying or reverting changes via git
checkpoints.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build metadata.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".",
		"project directory to operate on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "level", "",
		"config level preset (quick, standard, deep)")
	rootCmd.PersistentFlags().StringArrayVar(&setFlags, "set", nil,
		"runtime config override as dotted key=value (repeatable)")
}

func newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:  logLevel,
		Format: logFormat,
	})
}

// engine is the wired collaborator set every command builds from flags.
type engine struct {
	ps     *state.ProjectState
	cfg    *config.Config
	run    *runner.Runner
	git    *gitgw.Gateway
	logger *logging.Logger
}

// buildEngine resolves state, config, runner, and git for the selected
// project. Commands that never touch git pass needGit=false so init and
// status work outside a repository.
func buildEngine(needGit bool) (*engine, error) {
	logger := newLogger()

	ps, err := state.New(projectDir, state.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(ps)
	if err != nil {
		return nil, err
	}

	if cfg.History.Backend == "sqlite" {
		store, err := state.NewSQLiteHistoryStore(filepath.Join(ps.Dir(), "history.db"))
		if err != nil {
			return nil, err
		}
		ps, err = state.New(projectDir, state.WithLogger(logger), state.WithHistoryStore(store))
		if err != nil {
			return nil, err
		}
	}

	eng := &engine{
		ps:     ps,
		cfg:    cfg,
		logger: logger,
		run: runner.New(runner.Options{
			Path:       cfg.LM.Path,
			Model:      cfg.Model,
			MaxRetries: cfg.LM.MaxRetries,
		}, logger),
	}

	if needGit {
		git, err := gitgw.New(ps.Root(),
			gitgw.WithLogger(logger),
			gitgw.WithPRCommand(cfg.Git.PRCommand),
			gitgw.WithAuthor(cfg.Git.Author),
		)
		if err != nil {
			return nil, err
		}
		eng.git = git
	}
	return eng, nil
}

// loadConfig applies the runtime tier: --level and --set overrides.
func loadConfig(ps *state.ProjectState) (*config.Config, error) {
	loader := config.NewLoader(ps)
	if levelFlag != "" {
		loader.WithLevel(levelFlag)
	}
	for _, kv := range setFlags {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return nil, core.ErrConfig(core.CodeInvalidKey,
				"--set expects key=value, got "+kv)
		}
		loader.WithOverride(key, coerceValue(value))
	}
	return loader.Load()
}

// coerceValue maps flag strings onto JSON-ish scalar types.
func coerceValue(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err == nil && fmt.Sprint(i) == s {
		return i
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
		return f
	}
	return s
}
