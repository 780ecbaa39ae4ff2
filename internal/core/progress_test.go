package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAreaStats_ConvergedAfterThreeUncommitted(t *testing.T) {
	a := &AreaStats{}
	a.RecordTouch(false)
	a.RecordTouch(false)
	assert.False(t, a.Converged())

	a.RecordTouch(false)
	assert.True(t, a.Converged())
}

func TestAreaStats_CleanCommitResetsWindow(t *testing.T) {
	a := &AreaStats{}
	a.RecordTouch(false)
	a.RecordTouch(false)
	a.RecordTouch(true)
	assert.False(t, a.Converged())

	// Window slides: three more dirty touches converge again.
	a.RecordTouch(false)
	a.RecordTouch(false)
	a.RecordTouch(false)
	assert.True(t, a.Converged())
}

func TestProgressRefreshConverged(t *testing.T) {
	p := NewProgressState()
	for i := 0; i < 3; i++ {
		p.AreaStatsFor("src/foo").RecordTouch(false)
		p.AreaStatsFor("src/bar").RecordTouch(true)
	}
	p.RefreshConverged()

	assert.True(t, p.IsConverged("src/foo"))
	assert.False(t, p.IsConverged("src/bar"))
}

func TestProgressStatsBuckets(t *testing.T) {
	p := NewProgressState()
	s := p.PersonaStats("x")
	assert.Equal(t, WeightNeutral, s.Weight)
	s.Uses = 3
	assert.Equal(t, 3, p.PersonaStats("x").Uses, "bucket is shared, not copied")
}

func TestProgressNormalize(t *testing.T) {
	p := &ProgressState{}
	p.Normalize()
	assert.NotNil(t, p.Personas)
	assert.NotNil(t, p.Adversarials)
	assert.NotNil(t, p.Areas)
}
