// Package phases implements the cycle phases: the periodic gates
// (meta-observe, scout) and the per-cycle pipeline (observe, plan,
// execute, verify). Each phase assembles a prompt, invokes the LM,
// parses the phase's JSON envelope, and writes artifacts through
// ProjectState.
package phases

import (
	"context"
	"strings"
	"time"

	"github.com/noory-code/evonest/internal/config"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/gitgw"
	"github.com/noory-code/evonest/internal/logging"
	"github.com/noory-code/evonest/internal/runner"
	"github.com/noory-code/evonest/internal/state"
)

// Deps bundles what every phase needs.
type Deps struct {
	State  *state.ProjectState
	Config *config.Config
	Runner *runner.Runner
	Git    *gitgw.Gateway
	Logger *logging.Logger
}

// CycleContext is the per-cycle input shared by the pipeline phases.
type CycleContext struct {
	CycleNumber int
	Identity    *state.Identity
	Persona     core.Mutation
	Adversarial *core.Mutation
	// ConvergenceWarnings annotate Observe with areas to avoid.
	ConvergenceWarnings []string
	// Stimuli are the pending stimulus bodies, already consumed
	// (moved to .processed/) before Observe begins.
	Stimuli []string
	// Decisions are single-shot overriding guidance, already deleted.
	Decisions []string
}

// Tool allow-lists per phase. Execute's list may be narrowed further by
// the boundary advisory.
var (
	observeTools     = []string{"Read", "Glob", "Grep", "Bash"}
	planTools        = []string{"Read", "Glob", "Grep"}
	executeTools     = []string{"Read", "Glob", "Grep", "Bash", "Edit", "Write"}
	scoutTools       = []string{"WebFetch", "WebSearch", "Read"}
	metaObserveTools = []string{"Read"}
)

// invoke runs the LM with a phase's prompt, tool allow-list, and turn
// cap, using the project root as working directory.
func invoke(ctx context.Context, deps Deps, prompt string, maxTurns int, tools []string) (*runner.Result, error) {
	return deps.Runner.Invoke(ctx, runner.Request{
		Prompt:       prompt,
		AllowedTools: tools,
		Model:        deps.Config.Model,
		MaxTurns:     maxTurns,
		Timeout:      time.Duration(deps.Config.LM.TimeoutMinutes) * time.Minute,
		WorkDir:      deps.State.Root(),
	})
}

// promptBuilder assembles the sectioned prompts every phase sends.
type promptBuilder struct {
	sb strings.Builder
}

func newPrompt(role string) *promptBuilder {
	p := &promptBuilder{}
	p.sb.WriteString(role)
	p.sb.WriteString("\n")
	return p
}

// Section appends a titled block, skipping empty bodies.
func (p *promptBuilder) Section(title, body string) *promptBuilder {
	body = strings.TrimSpace(body)
	if body == "" {
		return p
	}
	p.sb.WriteString("\n## ")
	p.sb.WriteString(title)
	p.sb.WriteString("\n\n")
	p.sb.WriteString(body)
	p.sb.WriteString("\n")
	return p
}

// List appends a titled bullet list, skipping empty lists.
func (p *promptBuilder) List(title string, items []string) *promptBuilder {
	if len(items) == 0 {
		return p
	}
	var body strings.Builder
	for _, item := range items {
		body.WriteString("- ")
		body.WriteString(item)
		body.WriteString("\n")
	}
	return p.Section(title, body.String())
}

func (p *promptBuilder) String() string {
	return p.sb.String()
}

// mutationSections adds the persona perspective and optional adversarial
// challenge to a prompt.
func mutationSections(p *promptBuilder, persona core.Mutation, adversarial *core.Mutation) {
	p.Section("Your Perspective ("+persona.Name+")", persona.Perspective)
	if adversarial != nil {
		p.Section("Adversarial Challenge ("+adversarial.Name+")", adversarial.Challenge)
	}
}

// languageSection pins generated artifacts to the configured natural
// language.
func languageSection(p *promptBuilder, cfg *config.Config) {
	if cfg.Language != "" && cfg.Language != "english" {
		p.Section("Language", "Write all generated text in "+cfg.Language+".")
	}
}

// historySummary condenses recent cycle records for prompts.
func historySummary(records []core.CycleRecord, limit int) string {
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r.StatusLine())
		sb.WriteString("\n")
	}
	return sb.String()
}
