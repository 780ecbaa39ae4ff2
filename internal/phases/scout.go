package phases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/state"
)

// scoutEnvelope is the JSON contract of the scout gate.
type scoutEnvelope struct {
	Findings json.RawMessage `json:"findings"`
}

func scoutFindingValid(f core.ScoutFinding) bool {
	return f.SourceURL != "" && f.Title != "" && f.Score >= 1 && f.Score <= 10
}

// ScoutResult summarizes the gate's effects.
type ScoutResult struct {
	Found    int
	Injected int
	Deduped  int
}

// Scout runs the external-search gate: extract keywords from identity,
// let the LM search the wider ecosystem, score findings for relevance,
// and inject sufficiently relevant ones as stimuli. Findings already in
// the scout cache (keyed by source_url plus title) are dropped.
func Scout(ctx context.Context, deps Deps, cycle int, identity *state.Identity) (*ScoutResult, error) {
	logger := deps.Logger.WithPhase(string(core.PhaseScout)).WithCycle(cycle)

	cache, err := deps.State.ReadScoutCache()
	if err != nil {
		return nil, err
	}
	seen := make(map[core.ScoutKey]bool, len(cache))
	for _, key := range cache {
		seen[key] = true
	}

	p := newPrompt("You are scouting the ecosystem around a software project.")
	p.Section("Project Identity", identity.Raw)
	p.Section("Focus", "Mission keywords: "+identity.Mission)
	languageSection(p, deps.Config)
	p.Section("Task", fmt.Sprintf(
		`Search the web for recent developments relevant to this project:
libraries, standards, competing tools, security advisories, notable
discussions. Score each finding 1-10 for how actionable it is for this
project. Report at most 8 findings.

Respond with a final JSON envelope:
{
  "findings": [
    {"source_url": "https://...", "title": "...", "summary": "...", "score": %d}
  ]
}`, deps.Config.ScoutMinRelevanceScore))

	lmResult, err := invoke(ctx, deps, p.String(), deps.Config.MaxTurnsFor("scout"), scoutTools)
	if err != nil {
		return nil, err
	}

	var envelope scoutEnvelope
	if err := parseEnvelope(lmResult.Output, &envelope); err != nil {
		return nil, err
	}
	findings, dropped := decodeArray(envelope.Findings, scoutFindingValid)
	if dropped > 0 {
		logger.Warn("scout: dropped invalid findings", "count", dropped)
	}

	result := &ScoutResult{Found: len(findings)}
	var newKeys []core.ScoutKey
	for _, finding := range findings {
		key := finding.Key()
		if seen[key] {
			result.Deduped++
			continue
		}
		seen[key] = true
		newKeys = append(newKeys, key)
		if finding.Score < deps.Config.ScoutMinRelevanceScore {
			continue
		}
		content := fmt.Sprintf("# %s\n\nSource: %s\nRelevance: %d/10\n\n%s\n",
			finding.Title, finding.SourceURL, finding.Score, finding.Summary)
		if err := deps.State.CreateStimulus("scout-"+finding.Title, content); err != nil {
			return nil, err
		}
		result.Injected++
	}

	// Every non-duplicate finding enters the cache, injected or not, so
	// low scorers are not re-reported next gate.
	if len(newKeys) > 0 {
		if err := deps.State.UpdateScoutCache(newKeys); err != nil {
			return nil, err
		}
	}

	logger.Info("scout: complete",
		"found", result.Found,
		"injected", result.Injected,
		"deduped", result.Deduped,
	)
	return result, nil
}
