package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noory-code/evonest/internal/core"
)

// PlanEnvelope is the JSON contract of the plan phase. A null
// selected_improvement means nothing is worth doing and the run's
// remaining cycles are skipped.
type PlanEnvelope struct {
	SelectedImprovement *SelectedImprovement `json:"selected_improvement"`
	Steps               []string             `json:"steps,omitempty"`
	FilesToRead         []string             `json:"files_to_read,omitempty"`
	FilesToModify       []string             `json:"files_to_modify,omitempty"`
	FilesToCreate       []string             `json:"files_to_create,omitempty"`
	ExpectedOutcome     string               `json:"expected_outcome,omitempty"`
	RiskLevel           string               `json:"risk_level,omitempty"`
	CommitMessage       string               `json:"commit_message,omitempty"`
	// Notes carries free-form plan context. Improve mode places the
	// consumed proposal's body here so the proposal is the plan.
	Notes string `json:"notes,omitempty"`
}

// SelectedImprovement names the one backlog item the plan addresses.
type SelectedImprovement struct {
	ID string `json:"id"`
}

// TouchedFiles returns every path the plan intends to change.
func (p *PlanEnvelope) TouchedFiles() []string {
	files := make([]string, 0, len(p.FilesToModify)+len(p.FilesToCreate))
	files = append(files, p.FilesToModify...)
	files = append(files, p.FilesToCreate...)
	return files
}

// planDecisionOrder is the documented selection contract the prompt
// states verbatim.
const planDecisionOrder = `When choosing, prefer in this order:
1. fix failing tests
2. fix build errors
3. add missing test coverage
4. fix bugs
5. improve code quality
6. refactor
7. new features`

// Plan picks exactly one backlog item and produces an execution plan.
func Plan(ctx context.Context, deps Deps, cc CycleContext) (*PlanEnvelope, error) {
	logger := deps.Logger.WithPhase(string(core.PhasePlan)).WithCycle(cc.CycleNumber)

	backlog, err := deps.State.LoadBacklog()
	if err != nil {
		return nil, err
	}
	observations, err := deps.State.ReadPhaseArtifact(core.PhaseObserve)
	if err != nil {
		return nil, err
	}

	pending := make([]core.BacklogItem, 0, len(backlog))
	for _, item := range backlog {
		if item.Status == core.BacklogPending {
			pending = append(pending, item)
		}
	}
	if len(pending) == 0 {
		logger.Info("plan: backlog empty, nothing to do")
		return &PlanEnvelope{}, nil
	}

	p := newPrompt("You are planning one focused change to a codebase.")
	p.Section("Project Identity", cc.Identity.Raw)
	mutationSections(p, cc.Persona, cc.Adversarial)
	p.Section("Latest Observations", observations)
	p.List("Overriding Decisions", cc.Decisions)
	p.Section("Pending Backlog", pendingSummary(pending))
	p.Section("Selection Contract", planDecisionOrder)
	p.List("Protected Paths (never plan changes to these)", cc.Identity.Boundaries)
	languageSection(p, deps.Config)
	p.Section("Task", `Pick exactly ONE backlog item worth doing now and plan it. If no
item is worth doing, set selected_improvement to null.

Respond with a final JSON envelope:
{
  "selected_improvement": {"id": "..."} | null,
  "steps": ["...", ...],
  "files_to_read": ["path", ...],
  "files_to_modify": ["path", ...],
  "files_to_create": ["path", ...],
  "expected_outcome": "...",
  "risk_level": "low|medium|high",
  "commit_message": "..."
}`)

	result, err := invoke(ctx, deps, p.String(), deps.Config.MaxTurnsFor("plan"), planTools)
	if err != nil {
		return nil, err
	}

	var envelope PlanEnvelope
	if err := parseEnvelope(result.Output, &envelope); err != nil {
		return nil, err
	}

	if envelope.SelectedImprovement != nil {
		id := envelope.SelectedImprovement.ID
		if !containsItem(pending, id) {
			return nil, core.ErrLM(core.CodeEnvelopeInvalid,
				"plan selected unknown backlog item: "+id)
		}
		logger.Info("plan: selected", "item", id, "risk", envelope.RiskLevel)
	} else {
		logger.Info("plan: nothing worth doing")
	}

	if _, err := deps.State.WritePhaseArtifact(core.PhasePlan, planArtifact(&envelope)); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func containsItem(items []core.BacklogItem, id string) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}

func pendingSummary(items []core.BacklogItem) string {
	var sb strings.Builder
	for _, item := range items {
		fmt.Fprintf(&sb, "- id=%s [%s/%s, attempts=%d] %s: %s\n",
			item.ID, item.Category, item.Priority, item.Attempts, item.Title, item.Description)
		if len(item.Files) > 0 {
			fmt.Fprintf(&sb, "  files: %s\n", strings.Join(item.Files, ", "))
		}
	}
	return sb.String()
}

// planArtifact renders the plan envelope as the plan.txt artifact. The
// artifact round-trips: cautious resume re-parses it with ParsePlanArtifact.
func planArtifact(p *PlanEnvelope) string {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParsePlanArtifact loads a plan envelope back from its artifact text.
// Cautious resume uses this to continue at Execute after a restart.
func ParsePlanArtifact(text string) (*PlanEnvelope, error) {
	var envelope PlanEnvelope
	if err := parseEnvelope(text, &envelope); err != nil {
		return nil, core.ErrState(core.CodeNothingToResume,
			"plan artifact unreadable").WithCause(err)
	}
	return &envelope, nil
}
