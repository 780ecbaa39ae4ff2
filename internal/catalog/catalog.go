// Package catalog merges the packaged mutation set with a project's
// dynamic mutations and applies enablement filters and TTL expiry.
package catalog

import (
	"sort"

	"github.com/noory-code/evonest/internal/config"
	"github.com/noory-code/evonest/internal/core"
	"github.com/noory-code/evonest/internal/logging"
	"github.com/noory-code/evonest/internal/state"
)

// Catalog is the merged view of built-in and dynamic mutations.
type Catalog struct {
	personas     []core.Mutation
	adversarials []core.Mutation
	logger       *logging.Logger
}

// Load builds the merged catalog for a project. Built-ins come from the
// embedded set; dynamic entries from project state. Each entry's final
// enabled flag reflects the config toggle AND group membership in
// active_groups (empty list means all groups).
func Load(ps *state.ProjectState, cfg *config.Config, logger *logging.Logger) (*Catalog, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	personas, adversarials, err := loadBuiltins()
	if err != nil {
		return nil, err
	}

	dynPersonas, err := ps.ReadDynamicPersonas()
	if err != nil {
		return nil, err
	}
	dynAdversarials, err := ps.ReadDynamicAdversarials()
	if err != nil {
		return nil, err
	}
	personas = append(personas, dynPersonas...)
	adversarials = append(adversarials, dynAdversarials...)

	groups := make(map[core.PersonaGroup]bool, len(cfg.ActiveGroups))
	for _, g := range cfg.ActiveGroups {
		groups[core.PersonaGroup(g)] = true
	}

	for i := range personas {
		p := &personas[i]
		enabled := p.Enabled
		if toggle, ok := cfg.Personas[p.ID]; ok {
			enabled = enabled && toggle
		}
		if len(groups) > 0 && !groups[p.Group] {
			enabled = false
		}
		p.Enabled = enabled
	}
	for i := range adversarials {
		a := &adversarials[i]
		enabled := a.Enabled
		if toggle, ok := cfg.Adversarials[a.ID]; ok {
			enabled = enabled && toggle
		}
		a.Enabled = enabled
	}

	sort.Slice(personas, func(i, j int) bool { return personas[i].ID < personas[j].ID })
	sort.Slice(adversarials, func(i, j int) bool { return adversarials[i].ID < adversarials[j].ID })

	return &Catalog{
		personas:     personas,
		adversarials: adversarials,
		logger:       logger,
	}, nil
}

// Personas returns all personas, enabled or not, sorted by id.
func (c *Catalog) Personas() []core.Mutation { return c.personas }

// Adversarials returns all adversarials, sorted by id.
func (c *Catalog) Adversarials() []core.Mutation { return c.adversarials }

// EnabledPersonas returns the selectable personas.
func (c *Catalog) EnabledPersonas() []core.Mutation {
	return filterEnabled(c.personas)
}

// EnabledAdversarials returns the selectable adversarials.
func (c *Catalog) EnabledAdversarials() []core.Mutation {
	return filterEnabled(c.adversarials)
}

func filterEnabled(muts []core.Mutation) []core.Mutation {
	out := make([]core.Mutation, 0, len(muts))
	for _, m := range muts {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// PersonaByID looks up a persona.
func (c *Catalog) PersonaByID(id string) (core.Mutation, bool) {
	return byID(c.personas, id)
}

// AdversarialByID looks up an adversarial.
func (c *Catalog) AdversarialByID(id string) (core.Mutation, bool) {
	return byID(c.adversarials, id)
}

func byID(muts []core.Mutation, id string) (core.Mutation, bool) {
	for _, m := range muts {
		if m.ID == id {
			return m, true
		}
	}
	return core.Mutation{}, false
}

// ExpireDynamic removes dynamic entries whose TTL elapsed at the given
// cycle and persists the surviving sets. Runs at the start of every
// meta-observe gate.
func ExpireDynamic(ps *state.ProjectState, currentCycle int, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	personas, err := ps.ReadDynamicPersonas()
	if err != nil {
		return err
	}
	adversarials, err := ps.ReadDynamicAdversarials()
	if err != nil {
		return err
	}

	keptP, droppedP := splitExpired(personas, currentCycle)
	keptA, droppedA := splitExpired(adversarials, currentCycle)

	for _, m := range append(droppedP, droppedA...) {
		logger.Info("dynamic mutation expired", "id", m.ID, "kind", string(m.Kind))
	}
	if len(droppedP) > 0 {
		if err := ps.WriteDynamicPersonas(keptP); err != nil {
			return err
		}
	}
	if len(droppedA) > 0 {
		if err := ps.WriteDynamicAdversarials(keptA); err != nil {
			return err
		}
	}
	return nil
}

func splitExpired(muts []core.Mutation, currentCycle int) (kept, dropped []core.Mutation) {
	for _, m := range muts {
		if m.Expired(currentCycle) {
			dropped = append(dropped, m)
		} else {
			kept = append(kept, m)
		}
	}
	return kept, dropped
}

// AddDynamic appends new dynamic mutations of one kind, enforcing the
// configured cap. Additions are taken in order until the cap is reached
// and the rest are dropped; existing entries are never displaced.
func AddDynamic(ps *state.ProjectState, kind core.MutationKind, additions []core.Mutation,
	maxEntries int, currentCycle, ttlCycles int, logger *logging.Logger) (added int, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var existing []core.Mutation
	switch kind {
	case core.MutationPersona:
		existing, err = ps.ReadDynamicPersonas()
	case core.MutationAdversarial:
		existing, err = ps.ReadDynamicAdversarials()
	default:
		return 0, core.ErrValidation("BAD_KIND", "unknown mutation kind: "+string(kind))
	}
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(existing))
	for _, m := range existing {
		seen[m.ID] = true
	}

	for _, add := range additions {
		if len(existing) >= maxEntries {
			logger.Warn("dynamic mutation cap reached, dropping", "id", add.ID, "cap", maxEntries)
			continue
		}
		if add.ID == "" || seen[add.ID] {
			continue
		}
		add.Kind = kind
		add.Dynamic = true
		add.Enabled = true
		add.Weight = core.WeightNeutral
		add.CreatedCycle = currentCycle
		if add.TTLCycles == 0 {
			add.TTLCycles = ttlCycles
		}
		existing = append(existing, add)
		seen[add.ID] = true
		added++
	}

	switch kind {
	case core.MutationPersona:
		err = ps.WriteDynamicPersonas(existing)
	case core.MutationAdversarial:
		err = ps.WriteDynamicAdversarials(existing)
	}
	return added, err
}
