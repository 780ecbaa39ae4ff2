package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/noory-code/evonest/internal/core"
)

//go:embed builtin.yaml
var builtinData []byte

// builtinFile is the packaged mutation set. Built-ins are immutable at
// runtime; per-project tuning happens through config toggles and weights
// in progress state.
type builtinFile struct {
	Personas []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Group       string `yaml:"group"`
		Perspective string `yaml:"perspective"`
	} `yaml:"personas"`
	Adversarials []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		Challenge string `yaml:"challenge"`
	} `yaml:"adversarials"`
}

// loadBuiltins parses the embedded catalog.
func loadBuiltins() ([]core.Mutation, []core.Mutation, error) {
	var file builtinFile
	if err := yaml.Unmarshal(builtinData, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing builtin catalog: %w", err)
	}

	personas := make([]core.Mutation, 0, len(file.Personas))
	for _, p := range file.Personas {
		personas = append(personas, core.Mutation{
			ID:          p.ID,
			Kind:        core.MutationPersona,
			Name:        p.Name,
			Group:       core.PersonaGroup(p.Group),
			Perspective: p.Perspective,
			Enabled:     true,
			Weight:      core.WeightNeutral,
		})
	}

	adversarials := make([]core.Mutation, 0, len(file.Adversarials))
	for _, a := range file.Adversarials {
		adversarials = append(adversarials, core.Mutation{
			ID:        a.ID,
			Kind:      core.MutationAdversarial,
			Name:      a.Name,
			Challenge: a.Challenge,
			Enabled:   true,
			Weight:    core.WeightNeutral,
		})
	}

	return personas, adversarials, nil
}
