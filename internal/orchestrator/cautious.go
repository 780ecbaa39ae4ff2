package orchestrator

import (
	"context"

	"github.com/noory-code/evonest/internal/catalog"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/phases"
	"github.com/noory-code/evonest/internal/scheduler"
	"github.com/noory-code/evonest/internal/state"
)

// suspendCautious externalizes the continuation after Plan: a minimal
// resume descriptor is written, the lock is released by the caller's
// deferred release, and the process exits. No in-process state survives.
func (o *Orchestrator) suspendCautious(cycle int, sel scheduler.Selection) error {
	token := &state.CautiousResume{
		CycleNumber:      cycle,
		PlanArtifactPath: o.ps.PhaseArtifactPath(core.PhasePlan),
		PersonaID:        sel.Persona.ID,
	}
	if sel.Adversarial != nil {
		token.AdversarialID = sel.Adversarial.ID
	}
	if err := o.ps.WriteCautiousResume(token); err != nil {
		return err
	}
	o.logger.Info("cautious pause: plan ready for review",
		"cycle", cycle,
		"plan", token.PlanArtifactPath,
		"resume", "evonest resume",
	)
	return nil
}

// Resume continues a cautiously-paused run: it reacquires the lock,
// loads the resume descriptor and plan artifact, and enters Execute.
// With no descriptor present it reports a structured "nothing to
// resume".
func (o *Orchestrator) Resume(ctx context.Context) (*RunSummary, error) {
	if err := o.acquireLock(); err != nil {
		return nil, err
	}
	defer o.releaseLock()

	token, err := o.ps.ReadCautiousResume()
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, core.ErrState(core.CodeNothingToResume, "no cautious pause to resume")
	}

	planText, err := o.ps.ReadPhaseArtifact(core.PhasePlan)
	if err != nil {
		return nil, err
	}
	plan, err := phases.ParsePlanArtifact(planText)
	if err != nil {
		return nil, err
	}
	if plan.SelectedImprovement == nil {
		if cerr := o.ps.ClearCautiousResume(); cerr != nil {
			return nil, cerr
		}
		return nil, core.ErrState(core.CodeNothingToResume, "paused plan selected nothing")
	}

	identity, err := o.ps.ReadIdentity()
	if err != nil {
		return nil, err
	}
	progress, err := o.ps.ReadProgress()
	if err != nil {
		return nil, err
	}
	backlog, err := o.ps.LoadBacklog()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(o.ps, o.cfg, o.logger)
	if err != nil {
		return nil, err
	}

	sel := scheduler.Selection{}
	if persona, ok := cat.PersonaByID(token.PersonaID); ok {
		sel.Persona = persona
	} else {
		// The persona may have expired between pause and resume; keep
		// its id for the record.
		sel.Persona = core.Mutation{ID: token.PersonaID, Kind: core.MutationPersona, Name: token.PersonaID}
	}
	if token.AdversarialID != "" {
		if adv, ok := cat.AdversarialByID(token.AdversarialID); ok {
			sel.Adversarial = &adv
		}
	}

	cc := phases.CycleContext{
		CycleNumber: token.CycleNumber,
		Identity:    identity,
		Persona:     sel.Persona,
		Adversarial: sel.Adversarial,
	}
	rec := &core.CycleRecord{
		CycleNumber:   token.CycleNumber,
		StartedAt:     token.CreatedAt,
		PersonaID:     sel.Persona.ID,
		AdversarialID: token.AdversarialID,
	}

	o.logger.Info("resuming cautious run", "cycle", token.CycleNumber)

	summary := &RunSummary{}
	finished, _, err := o.executeAndVerify(ctx, rec, cc, sel, plan, backlog, progress)
	if finished != nil {
		summary.record(finished)
		if finished.Outcome == core.OutcomeFailure {
			summary.VerifyFailed = true
		}
	}
	if err != nil && isFatal(err) {
		return summary, err
	}

	if cerr := o.ps.ClearCautiousResume(); cerr != nil {
		return summary, cerr
	}
	return summary, summary.Err()
}
