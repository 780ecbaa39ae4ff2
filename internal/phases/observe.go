package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/noory-code/evonest/internal/config"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/state"
)

// ImprovementEnvelope is one improvement the observe phase proposes.
type ImprovementEnvelope struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priority    string   `json:"priority"`
	Files       []string `json:"files,omitempty"`
}

func (i ImprovementEnvelope) valid() bool {
	return strings.TrimSpace(i.Title) != "" && strings.TrimSpace(i.Description) != ""
}

// observeEnvelope is the JSON contract of the observe phase.
type observeEnvelope struct {
	Improvements json.RawMessage `json:"improvements"`
	Observations string          `json:"observations"`
}

// ObserveResult is what the phase hands back to the orchestrator.
type ObserveResult struct {
	Improvements []ImprovementEnvelope
	Observations string
	TurnsUsed    int
	Deep         bool
}

// Observe inspects the project through the selected mutation's lens and
// proposes improvements.
func Observe(ctx context.Context, deps Deps, cc CycleContext) (*ObserveResult, error) {
	logger := deps.Logger.WithPhase(string(core.PhaseObserve)).WithCycle(cc.CycleNumber)

	deep := isDeepCycle(deps.Config, cc.CycleNumber)
	turns, err := observeTurnBudget(deps, deep)
	if err != nil {
		return nil, err
	}

	advice, err := deps.State.ReadAdvice()
	if err != nil {
		return nil, err
	}
	history, err := deps.State.ReadHistory(10)
	if err != nil {
		return nil, err
	}
	backlog, err := deps.State.LoadBacklog()
	if err != nil {
		return nil, err
	}
	env, err := deps.State.ReadEnvironment()
	if err != nil {
		return nil, err
	}

	p := newPrompt("You are observing a codebase to find concrete improvements.")
	p.Section("Project Identity", cc.Identity.Raw)
	mutationSections(p, cc.Persona, cc.Adversarial)
	if advice != nil {
		p.Section("Strategic Advice", advice.Direction)
	}
	p.Section("Recent Cycles", historySummary(history, 10))
	p.List("Areas To Avoid", cc.ConvergenceWarnings)
	if env != nil && env.Summary != "" {
		p.Section("Ecosystem Scan", env.Summary)
	}
	p.List("External Stimuli", cc.Stimuli)
	p.List("Overriding Decisions", cc.Decisions)
	p.Section("Existing Backlog", backlogSummary(backlog))
	languageSection(p, deps.Config)
	mode := "a quick pass"
	if deep {
		mode = "a deep pass: read broadly and question structure, not just surface issues"
	}
	p.Section("Task", fmt.Sprintf(
		`Explore the project (%s). Propose up to 5 improvements that one focused
change could deliver. Do not repeat existing backlog items.

Respond with a final JSON envelope:
{
  "improvements": [
    {"title": "...", "description": "...", "category": "test-coverage|bug|refactor|proposal|ecosystem",
     "priority": "high|medium|low", "files": ["path", ...]}
  ],
  "observations": "free-text notes about what you saw"
}`, mode))

	result, err := invoke(ctx, deps, p.String(), turns, observeTools)
	if err != nil {
		return nil, err
	}

	var envelope observeEnvelope
	if err := parseEnvelope(result.Output, &envelope); err != nil {
		return nil, err
	}
	improvements, dropped := decodeArray(envelope.Improvements, ImprovementEnvelope.valid)
	if dropped > 0 {
		logger.Warn("observe: dropped invalid improvement entries", "count", dropped)
	}

	if _, err := deps.State.WritePhaseArtifact(core.PhaseObserve, envelope.Observations); err != nil {
		return nil, err
	}
	logger.Info("observe: complete", "improvements", len(improvements), "deep", deep)

	return &ObserveResult{
		Improvements: improvements,
		Observations: envelope.Observations,
		TurnsUsed:    result.Turns,
		Deep:         deep,
	}, nil
}

// isDeepCycle decides the observe depth: explicit quick/deep config wins;
// auto mode goes deep every deep_cycle_interval cycles.
func isDeepCycle(cfg *config.Config, cycle int) bool {
	switch cfg.ObserveMode {
	case config.ObserveQuick:
		return false
	case config.ObserveDeep:
		return true
	default:
		return cfg.DeepCycleInterval > 0 && cycle%cfg.DeepCycleInterval == 0
	}
}

// observeTurnBudget scales the turn cap with project size: the
// configured max_turns.observe when set, otherwise
// max(floor, file_count * ratio) with the quick or deep coefficients.
func observeTurnBudget(deps Deps, deep bool) (int, error) {
	if n, ok := deps.Config.MaxTurns["observe"]; ok && n > 0 {
		return n, nil
	}
	fileCount, err := projectFileCount(deps)
	if err != nil {
		return 0, err
	}
	ratio := deps.Config.ObserveTurnsQuickRatio
	floor := deps.Config.ObserveTurnsMinQuick
	if deep {
		ratio = deps.Config.ObserveTurnsDeepRatio
		floor = deps.Config.ObserveTurnsMinDeep
	}
	turns := int(float64(fileCount) * ratio)
	if turns < floor {
		turns = floor
	}
	return turns, nil
}

// projectFileCount reads the cached environment scan, walking the tree
// only when no cache exists.
func projectFileCount(deps Deps) (int, error) {
	env, err := deps.State.ReadEnvironment()
	if err != nil {
		return 0, err
	}
	if env != nil && env.FileCount > 0 {
		return env.FileCount, nil
	}

	count := 0
	root := deps.State.Root()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == state.DirName || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}

	if werr := deps.State.WriteEnvironment(&state.Environment{FileCount: count}); werr != nil {
		return 0, werr
	}
	return count, nil
}

func backlogSummary(items []core.BacklogItem) string {
	var sb strings.Builder
	for _, item := range items {
		if item.Status != core.BacklogPending && item.Status != core.BacklogInProgress {
			continue
		}
		fmt.Fprintf(&sb, "- [%s/%s] %s\n", item.Priority, item.Status, item.Title)
	}
	return sb.String()
}
