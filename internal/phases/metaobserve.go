package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/noory-code/evonest/internal/catalog"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/state"
)

// newPersonaEnvelope is a dynamic persona proposed by meta-observe.
type newPersonaEnvelope struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Group       string `json:"group"`
	Perspective string `json:"perspective"`
	TTLCycles   int    `json:"ttl_cycles,omitempty"`
}

func (e newPersonaEnvelope) valid() bool {
	return e.ID != "" && e.Name != "" && strings.TrimSpace(e.Perspective) != ""
}

// newAdversarialEnvelope is a dynamic adversarial proposed by
// meta-observe.
type newAdversarialEnvelope struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Challenge string `json:"challenge"`
	TTLCycles int    `json:"ttl_cycles,omitempty"`
}

func (e newAdversarialEnvelope) valid() bool {
	return e.ID != "" && e.Name != "" && strings.TrimSpace(e.Challenge) != ""
}

// autoStimulusEnvelope is guidance meta-observe injects for a later
// Observe.
type autoStimulusEnvelope struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (e autoStimulusEnvelope) valid() bool {
	return strings.TrimSpace(e.Title) != "" && strings.TrimSpace(e.Content) != ""
}

// metaEnvelope is the JSON contract of the meta-observe gate.
type metaEnvelope struct {
	NewPersonas     json.RawMessage `json:"new_personas"`
	NewAdversarials json.RawMessage `json:"new_adversarials"`
	AutoStimuli     json.RawMessage `json:"auto_stimuli"`
	Advice          *struct {
		Direction   string `json:"direction"`
		Focus       string `json:"focus,omitempty"`
		FocusCycles int    `json:"focus_cycles,omitempty"`
	} `json:"advice"`
}

// MetaObserveResult summarizes the gate's applied side effects.
type MetaObserveResult struct {
	PersonasAdded     int
	AdversarialsAdded int
	StimuliDropped    int
	AdviceWritten     bool
}

// MetaObserve is the periodic strategy gate: it reflects on history and
// progress, may add dynamic mutations (within caps), writes advice, and
// drops auto-stimuli. TTL-expired dynamic mutations are removed before
// the gate's additions apply.
func MetaObserve(ctx context.Context, deps Deps, cycle int, identity *state.Identity) (*MetaObserveResult, error) {
	logger := deps.Logger.WithPhase(string(core.PhaseMetaObserve)).WithCycle(cycle)

	if err := catalog.ExpireDynamic(deps.State, cycle, deps.Logger); err != nil {
		return nil, err
	}

	history, err := deps.State.ReadHistory(20)
	if err != nil {
		return nil, err
	}
	progress, err := deps.State.ReadProgress()
	if err != nil {
		return nil, err
	}
	backlog, err := deps.State.LoadBacklog()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(deps.State, deps.Config, deps.Logger)
	if err != nil {
		return nil, err
	}

	p := newPrompt("You are the strategy layer of an autonomous code evolution engine.")
	p.Section("Project Identity", identity.Raw)
	p.Section("Recent Cycles", historySummary(history, 20))
	p.Section("Mutation Performance", mutationPerformance(cat.Personas(), progress))
	p.Section("Backlog", backlogSummary(backlog))
	languageSection(p, deps.Config)
	p.Section("Task", `Judge how the engine is doing and steer it.
- Propose new personas or adversarial challenges only when the current
  set is clearly missing a productive angle.
- Inject stimuli when a concrete nudge would help the next observation.
- Always give strategic advice.

Respond with a final JSON envelope:
{
  "new_personas": [{"id": "kebab-case", "name": "...", "group": "tech|biz|quality", "perspective": "..."}],
  "new_adversarials": [{"id": "kebab-case", "name": "...", "challenge": "..."}],
  "auto_stimuli": [{"title": "...", "content": "..."}],
  "advice": {"direction": "...", "focus": "...", "focus_cycles": 5}
}`)

	lmResult, err := invoke(ctx, deps, p.String(), deps.Config.MaxTurnsFor("meta-observe"), metaObserveTools)
	if err != nil {
		return nil, err
	}

	var envelope metaEnvelope
	if err := parseEnvelope(lmResult.Output, &envelope); err != nil {
		return nil, err
	}

	result := &MetaObserveResult{}

	personas, droppedP := decodeArray(envelope.NewPersonas, newPersonaEnvelope.valid)
	adversarials, droppedA := decodeArray(envelope.NewAdversarials, newAdversarialEnvelope.valid)
	stimuli, droppedS := decodeArray(envelope.AutoStimuli, autoStimulusEnvelope.valid)
	if droppedP+droppedA+droppedS > 0 {
		logger.Warn("meta-observe: dropped invalid entries",
			"personas", droppedP, "adversarials", droppedA, "stimuli", droppedS)
	}

	if len(personas) > 0 {
		additions := make([]core.Mutation, 0, len(personas))
		for _, np := range personas {
			additions = append(additions, core.Mutation{
				ID:          state.Slugify(np.ID),
				Name:        np.Name,
				Group:       core.PersonaGroup(np.Group),
				Perspective: np.Perspective,
				TTLCycles:   np.TTLCycles,
			})
		}
		added, err := catalog.AddDynamic(deps.State, core.MutationPersona, additions,
			deps.Config.MaxDynamicPersonas, cycle, deps.Config.DynamicMutationTTLCycles, deps.Logger)
		if err != nil {
			return nil, err
		}
		result.PersonasAdded = added
	}
	if len(adversarials) > 0 {
		additions := make([]core.Mutation, 0, len(adversarials))
		for _, na := range adversarials {
			additions = append(additions, core.Mutation{
				ID:        state.Slugify(na.ID),
				Name:      na.Name,
				Challenge: na.Challenge,
				TTLCycles: na.TTLCycles,
			})
		}
		added, err := catalog.AddDynamic(deps.State, core.MutationAdversarial, additions,
			deps.Config.MaxDynamicAdversarials, cycle, deps.Config.DynamicMutationTTLCycles, deps.Logger)
		if err != nil {
			return nil, err
		}
		result.AdversarialsAdded = added
	}

	for _, st := range stimuli {
		if err := deps.State.CreateStimulus(st.Title, st.Content); err != nil {
			return nil, err
		}
		result.StimuliDropped++
	}

	if envelope.Advice != nil && strings.TrimSpace(envelope.Advice.Direction) != "" {
		advice := &core.AdviceRecord{
			Cycle:       cycle,
			Direction:   envelope.Advice.Direction,
			Focus:       envelope.Advice.Focus,
			FocusCycles: envelope.Advice.FocusCycles,
		}
		if err := deps.State.WriteAdvice(advice); err != nil {
			return nil, err
		}
		result.AdviceWritten = true
	}

	logger.Info("meta-observe: applied",
		"personas_added", result.PersonasAdded,
		"adversarials_added", result.AdversarialsAdded,
		"stimuli", result.StimuliDropped,
		"advice", result.AdviceWritten,
	)
	return result, nil
}

func mutationPerformance(personas []core.Mutation, progress *core.ProgressState) string {
	var sb strings.Builder
	for _, m := range personas {
		stats, ok := progress.Personas[m.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- %s: uses=%d successes=%d failures=%d\n",
			m.ID, stats.Uses, stats.Successes, stats.Failures)
	}
	return sb.String()
}
