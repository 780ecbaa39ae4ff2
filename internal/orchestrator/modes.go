package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/noory-code/evonest/internal/catalog"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/phases"
	"github.com/noory-code/evonest/internal/scheduler"
)

// Analyze runs Observe only: once per enabled persona in an all-personas
// sweep, otherwise for weighted-sampled personas bounded by the cycle
// cap. Every improvement becomes a proposal file; nothing touches source.
func (o *Orchestrator) Analyze(ctx context.Context) (*RunSummary, error) {
	if err := o.acquireLock(); err != nil {
		return nil, err
	}
	defer o.releaseLock()

	if err := o.startupConsistencyCheck(); err != nil {
		return nil, err
	}

	cat, err := catalog.Load(o.ps, o.cfg, o.logger)
	if err != nil {
		return nil, err
	}
	personas := cat.EnabledPersonas()
	if len(personas) == 0 {
		return nil, core.ErrState(core.CodeNoMutations,
			"no mutations available: all personas disabled")
	}

	// An all-personas sweep visits every enabled persona once, in id
	// order; otherwise personas are weighted-sampled up to the cycle cap.
	runs := o.maxCycles()
	if o.opts.AllPersonas {
		runs = len(personas)
	}

	summary := &RunSummary{}
	for i := 0; i < runs; i++ {
		if stop, reason := o.shouldStop(ctx); stop {
			o.logger.Info("analyze stopping early", "reason", reason)
			break
		}

		lastCycle, err := o.ps.LastCycleNumber()
		if err != nil {
			return summary, err
		}
		cycle := lastCycle + 1

		progress, err := o.ps.ReadProgress()
		if err != nil {
			return summary, err
		}
		identity, err := o.ps.ReadIdentity()
		if err != nil {
			return summary, err
		}

		var persona core.Mutation
		if o.opts.AllPersonas {
			persona = personas[i]
		} else {
			persona, err = o.sched.SelectPersona(personas, progress)
			if err != nil {
				return summary, err
			}
		}
		sel := scheduler.Selection{
			Persona:     persona,
			Adversarial: o.sched.RollAdversarial(cat.EnabledAdversarials(), progress, o.cfg.AdversarialProbability),
		}
		cc, err := o.buildCycleContext(cycle, identity, sel, progress)
		if err != nil {
			return summary, err
		}

		rec := &core.CycleRecord{
			CycleNumber: cycle,
			StartedAt:   time.Now().UTC(),
			PersonaID:   persona.ID,
		}
		if sel.Adversarial != nil {
			rec.AdversarialID = sel.Adversarial.ID
		}

		start := time.Now()
		obs, err := phases.Observe(ctx, o.deps(), cc)
		if err != nil {
			if isFatal(err) {
				return summary, err
			}
			finished, _, ferr := o.finishFailedCycle(rec, sel, progress, core.PhaseObserve, start, err)
			if finished == nil {
				// Bookkeeping itself failed; the run cannot continue.
				return summary, ferr
			}
			summary.record(finished)
			continue
		}
		rec.Phases = append(rec.Phases, phaseOK(core.PhaseObserve, start, o.ps.PhaseArtifactPath(core.PhaseObserve)))

		for _, imp := range obs.Improvements {
			content := analysisProposal(persona, imp)
			if _, err := o.ps.CreateProposal(imp.Title, content); err != nil {
				return summary, err
			}
		}

		rec.Outcome = core.OutcomeSuccess
		rec.Reason = fmt.Sprintf("analyze: %d proposals", len(obs.Improvements))
		rec.EndedAt = time.Now().UTC()
		if err := o.finishCycle(rec, sel, progress, nil); err != nil {
			return summary, err
		}
		summary.record(rec)
		o.logger.Info(rec.StatusLine())
	}
	return summary, summary.Err()
}

// analysisProposal renders an observed improvement as a proposal file.
func analysisProposal(persona core.Mutation, imp phases.ImprovementEnvelope) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", imp.Title)
	fmt.Fprintf(&sb, "Priority: %s\n", imp.Priority)
	fmt.Fprintf(&sb, "Category: %s\n", imp.Category)
	fmt.Fprintf(&sb, "Observed by: %s\n\n", persona.Name)
	sb.WriteString(imp.Description)
	sb.WriteString("\n")
	if len(imp.Files) > 0 {
		sb.WriteString("\n## Files\n\n")
		for _, f := range imp.Files {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	return sb.String()
}

// Improve executes one pending proposal (or all of them with opts.All):
// the proposal is the plan; Observe and Plan are skipped.
func (o *Orchestrator) Improve(ctx context.Context) (*RunSummary, error) {
	if err := o.acquireLock(); err != nil {
		return nil, err
	}
	defer o.releaseLock()

	if err := o.startupConsistencyCheck(); err != nil {
		return nil, err
	}

	summary := &RunSummary{}
	for {
		if stop, reason := o.shouldStop(ctx); stop {
			o.logger.Info("improve stopping early", "reason", reason)
			break
		}

		filename, err := o.pickProposal()
		if err != nil {
			return summary, err
		}
		if filename == "" {
			if summary.Attempted == 0 && o.opts.ProposalID != "" {
				return summary, core.ErrState("PROPOSAL_NOT_FOUND",
					"proposal not found: "+o.opts.ProposalID)
			}
			break
		}

		rec, err := o.improveOne(ctx, filename)
		if rec != nil {
			summary.record(rec)
			if rec.Outcome == core.OutcomeFailure {
				summary.VerifyFailed = true
			}
		}
		if err != nil && isFatal(err) {
			return summary, err
		}

		if !o.opts.All {
			break
		}
	}
	return summary, summary.Err()
}

// pickProposal selects by explicit id, or auto-picks highest priority
// then oldest among pending proposals.
func (o *Orchestrator) pickProposal() (string, error) {
	proposals, err := o.ps.ListProposals()
	if err != nil {
		return "", err
	}
	if len(proposals) == 0 {
		return "", nil
	}
	if o.opts.ProposalID != "" {
		for _, p := range proposals {
			if p.Filename == o.opts.ProposalID || strings.HasPrefix(p.Filename, o.opts.ProposalID) {
				return p.Filename, nil
			}
		}
		return "", nil
	}

	best := ""
	bestRank := -1
	for _, p := range proposals {
		body, err := o.ps.ReadProposal(p.Filename)
		if err != nil {
			return "", err
		}
		rank := priorityRank(proposalPriority(body))
		// Proposals list oldest-first, so a strict > keeps the oldest
		// among equals.
		if rank > bestRank {
			bestRank = rank
			best = p.Filename
		}
	}
	return best, nil
}

var priorityLine = regexp.MustCompile(`(?mi)^priority:\s*(high|medium|low)\s*$`)

func proposalPriority(body string) core.Priority {
	if m := priorityLine.FindStringSubmatch(body); m != nil {
		return core.Priority(strings.ToLower(m[1]))
	}
	return core.PriorityMedium
}

func priorityRank(p core.Priority) int {
	switch p {
	case core.PriorityHigh:
		return 2
	case core.PriorityMedium:
		return 1
	default:
		return 0
	}
}

// improveOne runs Execute+Verify for a single proposal. The consumed
// proposal is archived to done/ regardless of outcome so design-only
// advice cannot jam the queue.
func (o *Orchestrator) improveOne(ctx context.Context, filename string) (*core.CycleRecord, error) {
	body, err := o.ps.ReadProposal(filename)
	if err != nil {
		return nil, err
	}

	lastCycle, err := o.ps.LastCycleNumber()
	if err != nil {
		return nil, err
	}
	cycle := lastCycle + 1

	identity, err := o.ps.ReadIdentity()
	if err != nil {
		return nil, err
	}
	progress, err := o.ps.ReadProgress()
	if err != nil {
		return nil, err
	}

	title := proposalTitleFromBody(body, filename)
	item := core.BacklogItem{
		ID:           "proposal:" + filename,
		Title:        title,
		Description:  body,
		Category:     core.CategoryRefactor,
		Priority:     proposalPriority(body),
		Status:       core.BacklogInProgress,
		CreatedCycle: cycle,
	}
	plan := &phases.PlanEnvelope{
		SelectedImprovement: &phases.SelectedImprovement{ID: item.ID},
		ExpectedOutcome:     title,
		CommitMessage:       "evonest: " + title,
		Notes:               body,
	}

	sel := scheduler.Selection{Persona: core.Mutation{
		ID:   "improve",
		Kind: core.MutationPersona,
		Name: "Proposal Executor",
	}}
	cc := phases.CycleContext{
		CycleNumber: cycle,
		Identity:    identity,
		Persona:     sel.Persona,
	}
	rec := &core.CycleRecord{
		CycleNumber: cycle,
		StartedAt:   time.Now().UTC(),
		PersonaID:   sel.Persona.ID,
	}

	execStart := time.Now()
	execResult, err := phases.Execute(ctx, o.deps(), cc, plan, &item)
	if err != nil {
		if execResult != nil && execResult.StashLabel != "" {
			if rerr := o.git.Revert(ctx, execResult.StashLabel); rerr != nil {
				return nil, rerr
			}
		}
		finished, _, ferr := o.finishFailedCycle(rec, sel, progress, core.PhaseExecute, execStart, err)
		if aerr := o.ps.MarkProposalDone(filename); aerr != nil {
			return finished, aerr
		}
		return finished, ferr
	}
	rec.Phases = append(rec.Phases, phaseOK(core.PhaseExecute, execStart, o.ps.PhaseArtifactPath(core.PhaseExecute)))

	verifyStart := time.Now()
	verdict, err := phases.Verify(ctx, o.deps(), cc, plan, execResult)
	if err != nil {
		return nil, err
	}
	status := core.PhaseStatusOK
	switch verdict.Outcome {
	case core.OutcomeFailure:
		status = core.PhaseStatusFailed
	case core.OutcomeSkipped:
		status = core.PhaseStatusSkipped
	}
	rec.Phases = append(rec.Phases, core.PhaseResult{
		Phase:      core.PhaseVerify,
		Status:     status,
		DurationMS: time.Since(verifyStart).Milliseconds(),
	})
	rec.Outcome = verdict.Outcome
	rec.CommitSHA = verdict.CommitSHA
	rec.PRURL = verdict.PRURL
	rec.FilesTouched = verdict.FilesTouched
	rec.Reason = verdict.Reason
	rec.EndedAt = time.Now().UTC()

	if err := o.finishCycle(rec, sel, progress, nil); err != nil {
		return rec, err
	}
	if err := o.ps.MarkProposalDone(filename); err != nil {
		return rec, err
	}
	o.logger.Info(rec.StatusLine())

	if verdict.Err != nil {
		return rec, verdict.Err
	}
	return rec, nil
}

// proposalTitleFromBody takes the first markdown heading, falling back
// to the filename.
func proposalTitleFromBody(body, filename string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		}
	}
	return strings.TrimSuffix(filename, ".md")
}
