package phases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/runner"
)

// ExecuteEnvelope is the JSON contract of the execute phase.
type ExecuteEnvelope struct {
	FilesModified []string `json:"files_modified"`
	FilesCreated  []string `json:"files_created"`
	Summary       string   `json:"summary"`
}

// ExecuteResult is what the phase hands back to the orchestrator.
type ExecuteResult struct {
	Envelope ExecuteEnvelope
	// StashLabel names the pre-Execute checkpoint; empty when nothing
	// was stashed.
	StashLabel string
	// ProposalFile is set when the plan was design-only advice and a
	// proposal file was written instead of invoking the LM on source.
	ProposalFile string
	TurnsUsed    int
}

// StashLabelFor names a cycle's checkpoint stash.
func StashLabelFor(cycle int) string {
	return fmt.Sprintf("evonest-cycle-%04d", cycle)
}

// Execute applies a plan to the working tree. The working tree is
// stashed first so any outcome is recoverable.
func Execute(ctx context.Context, deps Deps, cc CycleContext, plan *PlanEnvelope, item *core.BacklogItem) (*ExecuteResult, error) {
	logger := deps.Logger.WithPhase(string(core.PhaseExecute)).WithCycle(cc.CycleNumber)

	label := StashLabelFor(cc.CycleNumber)
	stashed, err := deps.Git.Stash(ctx, label)
	if err != nil {
		return nil, err
	}
	result := &ExecuteResult{}
	if stashed {
		result.StashLabel = label
	}

	// Design-level advice becomes a proposal file, not a source change.
	if item.Category == core.CategoryProposal {
		content := proposalDocument(plan, item)
		filename, err := deps.State.CreateProposal(item.Title, content)
		if err != nil {
			return nil, err
		}
		result.ProposalFile = filename
		result.Envelope.Summary = "proposal written: " + filename
		logger.Info("execute: proposal written instead of source change", "file", filename)
		if _, err := deps.State.WritePhaseArtifact(core.PhaseExecute, result.Envelope.Summary); err != nil {
			return nil, err
		}
		return result, nil
	}

	p := newPrompt("You are executing a prepared plan against a codebase.")
	p.Section("Project Identity", cc.Identity.Raw)
	mutationSections(p, cc.Persona, cc.Adversarial)
	p.List("Overriding Decisions", cc.Decisions)
	p.Section("Plan", planArtifact(plan))
	p.List("Only Touch These Files", plan.TouchedFiles())
	p.List("Protected Paths (do not modify under any circumstance)", cc.Identity.Boundaries)
	languageSection(p, deps.Config)
	p.Section("Task", `Apply the plan. Modify only the files the plan lists; never touch a
protected path. Keep the change minimal and coherent.

Respond with a final JSON envelope:
{
  "files_modified": ["path", ...],
  "files_created": ["path", ...],
  "summary": "what changed and why"
}`)

	req := runner.Request{
		Prompt:          p.String(),
		AllowedTools:    executeTools,
		DisallowedTools: boundaryToolDenials(cc.Identity.Boundaries),
		Model:           deps.Config.Model,
		MaxTurns:        deps.Config.MaxTurnsFor("execute"),
		Timeout:         time.Duration(deps.Config.LM.TimeoutMinutes) * time.Minute,
		WorkDir:         deps.State.Root(),
	}
	lmResult, err := deps.Runner.Invoke(ctx, req)
	if err != nil {
		return result, err
	}
	result.TurnsUsed = lmResult.Turns

	if err := parseEnvelope(lmResult.Output, &result.Envelope); err != nil {
		return result, err
	}
	if _, err := deps.State.WritePhaseArtifact(core.PhaseExecute, result.Envelope.Summary); err != nil {
		return result, err
	}
	logger.Info("execute: complete",
		"modified", len(result.Envelope.FilesModified),
		"created", len(result.Envelope.FilesCreated),
		"turns", result.TurnsUsed,
	)
	return result, nil
}

// boundaryToolDenials rewrites boundary patterns into scoped tool
// denials. This is advisory hardening; the post-execution boundary check
// remains the enforcement.
func boundaryToolDenials(boundaries []string) []string {
	var denials []string
	for _, b := range boundaries {
		pattern := strings.TrimSpace(b)
		if pattern == "" {
			continue
		}
		if strings.HasSuffix(pattern, "/") {
			pattern += "**"
		}
		denials = append(denials, "Edit("+pattern+")", "Write("+pattern+")")
	}
	return denials
}

// proposalDocument renders a design-only plan as a proposal markdown
// file.
func proposalDocument(plan *PlanEnvelope, item *core.BacklogItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", item.Title)
	fmt.Fprintf(&sb, "Priority: %s\n\n", item.Priority)
	fmt.Fprintf(&sb, "%s\n", item.Description)
	if plan.ExpectedOutcome != "" {
		fmt.Fprintf(&sb, "\n## Expected Outcome\n\n%s\n", plan.ExpectedOutcome)
	}
	if len(plan.Steps) > 0 {
		sb.WriteString("\n## Suggested Steps\n\n")
		for i, step := range plan.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
	}
	return sb.String()
}
