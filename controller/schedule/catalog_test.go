package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munbon/awd-control/controller/store"
)

func TestCatalogMethods(t *testing.T) {
	c := NewCatalog()

	tp, err := c.ForMethod(store.MethodTransplanted)
	require.NoError(t, err)
	assert.Equal(t, 14, tp.TotalWeeks)

	ds, err := c.ForMethod(store.MethodDirectSeeded)
	require.NoError(t, err)
	assert.Equal(t, 15, ds.TotalWeeks)

	_, err = c.ForMethod("broadcast")
	assert.Error(t, err)
}

func TestCalendarShape(t *testing.T) {
	c := NewCatalog()
	for _, method := range []store.PlantingMethod{store.MethodTransplanted, store.MethodDirectSeeded} {
		s, err := c.ForMethod(method)
		require.NoError(t, err)

		require.NotEmpty(t, s.Phases)
		assert.Equal(t, 0, s.Phases[0].Week, "week 0 must exist")
		assert.Equal(t, store.PhaseHarvest, s.Phases[len(s.Phases)-1].Phase, "last phase must be harvest")

		for i := 1; i < len(s.Phases); i++ {
			assert.Greater(t, s.Phases[i].Week, s.Phases[i-1].Week, "phases must be strictly ordered by week")
		}
	}
}

func TestPhaseAt(t *testing.T) {
	c := NewCatalog()
	s, err := c.ForMethod(store.MethodTransplanted)
	require.NoError(t, err)

	assert.Equal(t, store.PhasePreparation, s.PhaseAt(0).Phase)
	assert.Equal(t, store.PhaseWetting, s.PhaseAt(1).Phase)
	assert.Equal(t, store.PhaseWetting, s.PhaseAt(2).Phase)
	assert.Equal(t, store.PhaseDrying, s.PhaseAt(3).Phase)
	assert.Equal(t, store.PhaseHarvest, s.PhaseAt(13).Phase)

	// Past the calendar stays in harvest.
	assert.Equal(t, store.PhaseHarvest, s.PhaseAt(20).Phase)
	// Negative weeks clamp to week 0.
	assert.Equal(t, store.PhasePreparation, s.PhaseAt(-1).Phase)
}

func TestPhaseAtMonotonic(t *testing.T) {
	c := NewCatalog()
	s, err := c.ForMethod(store.MethodDirectSeeded)
	require.NoError(t, err)

	prevWeek := -1
	for week := 0; week <= 20; week++ {
		p := s.PhaseAt(week)
		assert.GreaterOrEqual(t, p.Week, prevWeek, "increasing week must never return an earlier phase")
		prevWeek = p.Week
	}
}

func TestNextPhaseDate(t *testing.T) {
	c := NewCatalog()
	s, err := c.ForMethod(store.MethodTransplanted)
	require.NoError(t, err)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// From week 0 the next phase begins at week 1.
	assert.Equal(t, start.AddDate(0, 0, 7), s.NextPhaseDate(start, 0))
	// From week 1 (wetting) the next phase begins at week 3.
	assert.Equal(t, start.AddDate(0, 0, 21), s.NextPhaseDate(start, 1))
	// In the last phase the calendar end is returned.
	assert.Equal(t, start.AddDate(0, 0, 7*s.TotalWeeks), s.NextPhaseDate(start, 13))
}
