// Package orchestrator drives the evolution loop: gate phases, mutation
// selection, the Observe-Plan-Execute-Verify pipeline, progress
// accounting, and the cautious pause/resume protocol.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/noory-code/evonest/internal/catalog"
	"github.com/noory-code/evonest/internal/config"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/gitgw"
	"github.com/noory-code/evonest/internal/lock"
	"github.com/noory-code/evonest/internal/logging"
	"github.com/noory-code/evonest/internal/phases"
	"github.com/noory-code/evonest/internal/runner"
	"github.com/noory-code/evonest/internal/scheduler"
	"github.com/noory-code/evonest/internal/state"
)

// Options configures a run.
type Options struct {
	// Cautious suspends after Plan for human review.
	Cautious bool
	// AllPersonas sweeps personas deterministically instead of sampling.
	AllPersonas bool
	// MaxCycles overrides config.max_cycles_per_run when > 0.
	MaxCycles int
	// ProposalID selects the proposal for improve mode; empty auto-picks.
	ProposalID string
	// All loops improve mode until the pending proposal queue is empty.
	All bool
}

// Orchestrator runs cycles over one project.
type Orchestrator struct {
	ps     *state.ProjectState
	cfg    *config.Config
	run    *runner.Runner
	git    *gitgw.Gateway
	sched  *scheduler.Scheduler
	logger *logging.Logger
	opts   Options

	lk      *lock.Lock
	stopper *stopWatcher
	// sweepIdx walks the persona list in AllPersonas mode.
	sweepIdx int
}

// New wires an orchestrator from its collaborators.
func New(ps *state.ProjectState, cfg *config.Config, lm *runner.Runner, git *gitgw.Gateway,
	sched *scheduler.Scheduler, logger *logging.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if sched == nil {
		sched = scheduler.New(scheduler.WithLogger(logger))
	}
	return &Orchestrator{
		ps:     ps,
		cfg:    cfg,
		run:    lm,
		git:    git,
		sched:  sched,
		logger: logger,
		opts:   opts,
	}
}

// deps assembles the phase dependency bundle.
func (o *Orchestrator) deps() phases.Deps {
	return phases.Deps{
		State:  o.ps,
		Config: o.cfg,
		Runner: o.run,
		Git:    o.git,
		Logger: o.logger,
	}
}

// acquireLock takes the project lock and starts the stop watcher.
func (o *Orchestrator) acquireLock() error {
	lk, err := lock.Acquire(o.ps.LockPath(), lock.WithLogger(o.logger))
	if err != nil {
		return err
	}
	o.lk = lk
	o.stopper = newStopWatcher(o.ps.DecisionsDir(), o.logger)
	return nil
}

// releaseLock stops the watcher and releases the lock.
func (o *Orchestrator) releaseLock() {
	if o.stopper != nil {
		o.stopper.Close()
		o.stopper = nil
	}
	if o.lk != nil {
		_ = o.lk.Release()
		o.lk = nil
	}
}

// shouldStop checks every between-phase stop condition.
func (o *Orchestrator) shouldStop(ctx context.Context) (bool, string) {
	if ctx.Err() != nil {
		return true, "cancelled"
	}
	if o.lk != nil && !o.lk.Held() {
		return true, "lock lost"
	}
	if o.stopper != nil && o.stopper.StopRequested() {
		return true, "stop decision"
	}
	return false, ""
}

// maxCycles resolves the run's cycle bound.
func (o *Orchestrator) maxCycles() int {
	if o.opts.MaxCycles > 0 {
		return o.opts.MaxCycles
	}
	return o.cfg.MaxCyclesPerRun
}

// RunSummary aggregates a run for the CLI.
type RunSummary struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	// VerifyFailed is set when any cycle failed its gate; the run exits 4.
	VerifyFailed bool
	// Paused is set when a cautious run suspended after Plan.
	Paused bool
	Lines  []string
}

func (s *RunSummary) record(rec *core.CycleRecord) {
	s.Attempted++
	switch rec.Outcome {
	case core.OutcomeSuccess:
		s.Succeeded++
	case core.OutcomeFailure:
		s.Failed++
	case core.OutcomeSkipped:
		s.Skipped++
	}
	s.Lines = append(s.Lines, rec.StatusLine())
}

// Err maps the summary to the run-level error contract: any verify
// failure surfaces as exit 4.
func (s *RunSummary) Err() error {
	if s.VerifyFailed {
		return core.ErrVerifyFail("run", fmt.Sprintf("%d of %d cycles failed verification", s.Failed, s.Attempted))
	}
	return nil
}

// Evolve runs full cycles up to the configured bound.
func (o *Orchestrator) Evolve(ctx context.Context) (*RunSummary, error) {
	if err := o.acquireLock(); err != nil {
		return nil, err
	}
	defer o.releaseLock()

	if err := o.startupConsistencyCheck(); err != nil {
		return nil, err
	}

	summary := &RunSummary{}
	for i := 0; i < o.maxCycles(); i++ {
		if stop, reason := o.shouldStop(ctx); stop {
			o.logger.Info("run stopping early", "reason", reason)
			break
		}

		rec, paused, err := o.runCycle(ctx)
		if err != nil {
			// Per-cycle containment: phase errors are recorded and the
			// run continues. Lock loss, state corruption, revert
			// failures, and infrastructure errors that prevented even
			// recording the cycle abort the run.
			if isFatal(err) || rec == nil {
				return summary, err
			}
			o.logger.Error("cycle failed", "error", err.Error())
			summary.record(rec)
			if rec.Outcome == core.OutcomeFailure &&
				(core.IsCategory(err, core.ErrCatVerify) || core.IsCategory(err, core.ErrCatBoundary)) {
				summary.VerifyFailed = true
			}
			continue
		}
		if paused {
			summary.Paused = true
			break
		}
		if rec == nil {
			// Plan returned null: the remaining cycles are skipped.
			break
		}
		summary.record(rec)
		if rec.Outcome == core.OutcomeFailure {
			summary.VerifyFailed = true
		}
	}

	o.logger.Info("run complete",
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, summary.Err()
}

// isFatal reports whether an error must abort the whole run.
func isFatal(err error) bool {
	if core.IsCategory(err, core.ErrCatLock) {
		return true
	}
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		switch domErr.Code {
		case core.CodeStateCorrupt, core.CodeRevertFailed:
			return true
		}
	}
	return false
}

// runCycle executes one full cycle. Returns (nil, false, nil) when Plan
// found nothing worth doing.
func (o *Orchestrator) runCycle(ctx context.Context) (*core.CycleRecord, bool, error) {
	lastCycle, err := o.ps.LastCycleNumber()
	if err != nil {
		return nil, false, err
	}
	cycle := lastCycle + 1
	logger := o.logger.WithCycle(cycle)

	rec := &core.CycleRecord{
		CycleNumber: cycle,
		StartedAt:   time.Now().UTC(),
	}

	// Gate phases run on their periodic schedule before the pipeline.
	identity, err := o.ps.ReadIdentity()
	if err != nil {
		return nil, false, err
	}
	if err := o.runGates(ctx, cycle, identity); err != nil {
		// Gate failures degrade, they do not kill the cycle.
		if isFatal(err) {
			return nil, false, err
		}
		logger.Warn("gate phase failed, continuing", "error", err.Error())
	}

	// Select the cycle's mutation.
	progress, err := o.ps.ReadProgress()
	if err != nil {
		return nil, false, err
	}
	cat, err := catalog.Load(o.ps, o.cfg, o.logger)
	if err != nil {
		return nil, false, err
	}
	sel, err := o.selectMutation(cat, progress)
	if err != nil {
		return nil, false, err
	}
	rec.PersonaID = sel.Persona.ID
	if sel.Adversarial != nil {
		rec.AdversarialID = sel.Adversarial.ID
	}
	logger.Info("cycle starting", "persona", sel.Persona.ID, "adversarial", rec.AdversarialID)

	cc, err := o.buildCycleContext(cycle, identity, sel, progress)
	if err != nil {
		return nil, false, err
	}
	if o.stopper != nil && o.stopper.StopRequested() {
		return nil, false, nil
	}

	// Observe.
	observeStart := time.Now()
	obs, err := phases.Observe(ctx, o.deps(), cc)
	if err != nil {
		return o.finishFailedCycle(rec, sel, progress, core.PhaseObserve, observeStart, err)
	}
	rec.Phases = append(rec.Phases, phaseOK(core.PhaseObserve, observeStart, o.ps.PhaseArtifactPath(core.PhaseObserve)))

	backlog, err := o.ps.LoadBacklog()
	if err != nil {
		return nil, false, err
	}
	backlog, added := mergeImprovements(backlog, obs.Improvements, o.ps.Root(), cycle)
	if err := o.ps.SaveBacklog(backlog); err != nil {
		return nil, false, err
	}
	logger.Info("backlog updated", "added", added, "total", len(backlog))

	if stop, _ := o.shouldStop(ctx); stop {
		return nil, false, nil
	}

	// Plan.
	planStart := time.Now()
	plan, err := phases.Plan(ctx, o.deps(), cc)
	if err != nil {
		return o.finishFailedCycle(rec, sel, progress, core.PhasePlan, planStart, err)
	}
	rec.Phases = append(rec.Phases, phaseOK(core.PhasePlan, planStart, o.ps.PhaseArtifactPath(core.PhasePlan)))

	if plan.SelectedImprovement == nil {
		logger.Info("plan selected nothing, ending run")
		return nil, false, nil
	}

	// Cautious runs suspend here; resume continues at Execute.
	if o.opts.Cautious {
		if err := o.suspendCautious(cycle, sel); err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}

	return o.executeAndVerify(ctx, rec, cc, sel, plan, backlog, progress)
}

// executeAndVerify runs the back half of a cycle (shared with resume).
func (o *Orchestrator) executeAndVerify(ctx context.Context, rec *core.CycleRecord, cc phases.CycleContext,
	sel scheduler.Selection, plan *phases.PlanEnvelope, backlog []core.BacklogItem,
	progress *core.ProgressState) (*core.CycleRecord, bool, error) {

	cycle := rec.CycleNumber
	logger := o.logger.WithCycle(cycle)

	item := findItem(backlog, plan.SelectedImprovement.ID)
	if item == nil {
		return nil, false, core.ErrState("ITEM_MISSING",
			"planned backlog item disappeared: "+plan.SelectedImprovement.ID)
	}
	if err := item.Transition(core.BacklogInProgress, cycle); err != nil {
		return nil, false, err
	}
	item.Attempts++
	item.LastAttemptCycle = cycle
	if err := o.ps.SaveBacklog(backlog); err != nil {
		return nil, false, err
	}

	// Execute.
	execStart := time.Now()
	execResult, err := phases.Execute(ctx, o.deps(), cc, plan, item)
	if err != nil {
		// A failed execute leaves the tree dirty; revert to the stash.
		if execResult != nil && execResult.StashLabel != "" {
			if rerr := o.git.Revert(ctx, execResult.StashLabel); rerr != nil {
				return nil, false, rerr
			}
		}
		o.failItem(backlog, item, cycle)
		return o.finishFailedCycle(rec, sel, progress, core.PhaseExecute, execStart, err)
	}
	rec.Phases = append(rec.Phases, phaseOK(core.PhaseExecute, execStart, o.ps.PhaseArtifactPath(core.PhaseExecute)))

	// Verify.
	verifyStart := time.Now()
	verdict, err := phases.Verify(ctx, o.deps(), cc, plan, execResult)
	if err != nil {
		// Verify itself erroring (not gate failure) is a revert failure
		// or git problem; it aborts.
		return nil, false, err
	}
	status := core.PhaseStatusOK
	if verdict.Outcome == core.OutcomeFailure {
		status = core.PhaseStatusFailed
	} else if verdict.Outcome == core.OutcomeSkipped {
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

	// Backlog transition by outcome.
	switch verdict.Outcome {
	case core.OutcomeSuccess:
		if err := item.Transition(core.BacklogCompleted, cycle); err != nil {
			return nil, false, err
		}
	case core.OutcomeFailure:
		o.failItem(backlog, item, cycle)
	default:
		// Skipped: the item returns to pending without burning a status.
		if err := item.Transition(core.BacklogPending, cycle); err != nil {
			return nil, false, err
		}
	}

	if err := o.finishCycle(rec, sel, progress, backlog); err != nil {
		return nil, false, err
	}
	logger.Info(rec.StatusLine())

	if verdict.Err != nil {
		return rec, false, verdict.Err
	}
	return rec, false, nil
}

// failItem records an attempt failure, tolerating state-machine noise.
func (o *Orchestrator) failItem(backlog []core.BacklogItem, item *core.BacklogItem, cycle int) {
	if err := item.RecordFailure(cycle); err != nil {
		o.logger.Warn("backlog transition rejected", "item", item.ID, "error", err.Error())
	}
	if err := o.ps.SaveBacklog(backlog); err != nil {
		o.logger.Error("saving backlog after failure", "error", err.Error())
	}
}

// finishCycle applies the post-cycle bookkeeping shared by all
// outcomes: statistics, convergence, weights, pruning, history.
func (o *Orchestrator) finishCycle(rec *core.CycleRecord, sel scheduler.Selection,
	progress *core.ProgressState, backlog []core.BacklogItem) error {

	cycle := rec.CycleNumber
	scheduler.RecordOutcome(progress, sel, rec.Outcome, cycle)
	if len(rec.FilesTouched) > 0 {
		scheduler.RecordTouches(progress, o.ps.Root(), rec.FilesTouched, rec.Outcome == core.OutcomeSuccess)
	}
	scheduler.RecomputeWeights(progress, cycle)

	progress.TotalCycles++
	switch rec.Outcome {
	case core.OutcomeSuccess:
		progress.TotalSuccesses++
	case core.OutcomeFailure:
		progress.TotalFailures++
	case core.OutcomeSkipped:
		progress.TotalSkipped++
	}

	if backlog != nil {
		pruned, count := pruneBacklog(backlog, cycle)
		if count > 0 {
			o.logger.Info("backlog pruned", "removed", count)
		}
		if err := o.ps.SaveBacklog(pruned); err != nil {
			return err
		}
	}
	if err := o.ps.WriteProgress(progress); err != nil {
		return err
	}
	return o.ps.AppendHistory(rec)
}

// finishFailedCycle records a phase error as a failed cycle and
// continues the run.
func (o *Orchestrator) finishFailedCycle(rec *core.CycleRecord, sel scheduler.Selection,
	progress *core.ProgressState, phase core.Phase, start time.Time, cause error) (*core.CycleRecord, bool, error) {

	rec.Phases = append(rec.Phases, core.PhaseResult{
		Phase:      phase,
		Status:     core.PhaseStatusFailed,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      cause.Error(),
	})
	rec.Outcome = core.OutcomeFailure
	rec.Reason = cause.Error()
	rec.EndedAt = time.Now().UTC()

	if err := o.finishCycle(rec, sel, progress, nil); err != nil {
		return nil, false, err
	}
	return rec, false, cause
}

func phaseOK(phase core.Phase, start time.Time, artifact string) core.PhaseResult {
	return core.PhaseResult{
		Phase:        phase,
		Status:       core.PhaseStatusOK,
		DurationMS:   time.Since(start).Milliseconds(),
		ArtifactPath: artifact,
	}
}

// runGates fires meta-observe and scout on their schedules.
func (o *Orchestrator) runGates(ctx context.Context, cycle int, identity *state.Identity) error {
	if !o.cfg.NoMeta && o.cfg.MetaCycleInterval > 0 && cycle%o.cfg.MetaCycleInterval == 0 {
		if _, err := phases.MetaObserve(ctx, o.deps(), cycle, identity); err != nil {
			return err
		}
	}
	if o.cfg.ScoutEnabled && !o.cfg.NoScout && o.cfg.ScoutCycleInterval > 0 && cycle%o.cfg.ScoutCycleInterval == 0 {
		if _, err := phases.Scout(ctx, o.deps(), cycle, identity); err != nil {
			return err
		}
	}
	return nil
}

// selectMutation picks the cycle's persona (weighted, or deterministic
// sweep in AllPersonas mode) and rolls the adversarial. The adversarial
// roll is orthogonal and fires in both modes.
func (o *Orchestrator) selectMutation(cat *catalog.Catalog, progress *core.ProgressState) (scheduler.Selection, error) {
	personas := cat.EnabledPersonas()
	if len(personas) == 0 {
		return scheduler.Selection{}, core.ErrState(core.CodeNoMutations,
			"no mutations available: all personas disabled")
	}

	var persona core.Mutation
	if o.opts.AllPersonas {
		persona = personas[o.sweepIdx%len(personas)]
		o.sweepIdx++
	} else {
		var err error
		persona, err = o.sched.SelectPersona(personas, progress)
		if err != nil {
			return scheduler.Selection{}, err
		}
	}

	adversarial := o.sched.RollAdversarial(cat.EnabledAdversarials(), progress, o.cfg.AdversarialProbability)
	return scheduler.Selection{Persona: persona, Adversarial: adversarial}, nil
}

// buildCycleContext gathers identity, convergence warnings, and consumes
// pending stimuli and decisions. Stimuli move to .processed/ before
// Observe begins; decisions are deleted at consumption. A decision whose
// first non-empty, non-heading line is "stop" halts the run instead of
// feeding the cycle.
func (o *Orchestrator) buildCycleContext(cycle int, identity *state.Identity,
	sel scheduler.Selection, progress *core.ProgressState) (phases.CycleContext, error) {

	cc := phases.CycleContext{
		CycleNumber:         cycle,
		Identity:            identity,
		Persona:             sel.Persona,
		Adversarial:         sel.Adversarial,
		ConvergenceWarnings: scheduler.ConvergenceWarnings(progress),
	}

	stimuli, err := o.ps.ListStimuli()
	if err != nil {
		return cc, err
	}
	for _, name := range stimuli {
		body, err := o.ps.ReadStimulus(name)
		if err != nil {
			return cc, err
		}
		if err := o.ps.ConsumeStimulus(name); err != nil {
			return cc, err
		}
		cc.Stimuli = append(cc.Stimuli, strings.TrimSpace(body))
	}

	decisions, err := o.ps.ListDecisions()
	if err != nil {
		return cc, err
	}
	for _, name := range decisions {
		body, err := o.ps.ReadDecision(name)
		if err != nil {
			return cc, err
		}
		if err := o.ps.ConsumeDecision(name); err != nil {
			return cc, err
		}
		if isStopDirective(body) {
			o.logger.Info("stop decision consumed", "file", name)
			if o.stopper != nil {
				o.stopper.RequestStop()
			}
			continue
		}
		cc.Decisions = append(cc.Decisions, strings.TrimSpace(body))
	}

	return cc, nil
}

// isStopDirective recognizes a decision whose first non-empty line that
// is not a markdown heading is "stop" (case-insensitive).
func isStopDirective(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return trimmed == "stop"
	}
	return false
}

// startupConsistencyCheck recomputes progress counters from history and
// repairs drift. Progress is a pure function of history; divergence
// means a crash landed between the two writes.
func (o *Orchestrator) startupConsistencyCheck() error {
	progress, err := o.ps.ReadProgress()
	if err != nil {
		return err
	}
	records, err := o.ps.ReadHistory(0)
	if err != nil {
		return err
	}

	total, successes, failures, skipped := 0, 0, 0, 0
	for _, rec := range records {
		total++
		switch rec.Outcome {
		case core.OutcomeSuccess:
			successes++
		case core.OutcomeFailure:
			failures++
		case core.OutcomeSkipped:
			skipped++
		}
	}

	if progress.TotalCycles != total || progress.TotalSuccesses != successes ||
		progress.TotalFailures != failures || progress.TotalSkipped != skipped {
		o.logger.Warn("progress counters diverged from history, repairing",
			"recorded_cycles", progress.TotalCycles,
			"history_cycles", total,
		)
		progress.TotalCycles = total
		progress.TotalSuccesses = successes
		progress.TotalFailures = failures
		progress.TotalSkipped = skipped
		return o.ps.WriteProgress(progress)
	}
	return nil
}
