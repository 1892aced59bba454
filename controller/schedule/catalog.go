package schedule

import (
	"fmt"
	"time"

	"github.com/munbon/awd-control/controller/store"
)

// PhaseSpec is one entry of an AWD calendar. Week is offset from the
// field's start date; an entry applies from its week until the next
// entry's week.
type PhaseSpec struct {
	Week               int         `json:"week"`
	Phase              store.Phase `json:"phase"`
	TargetWaterLevelCm float64     `json:"target_water_level_cm"`
	DurationDays       int         `json:"duration_days"`
	Description        string      `json:"description"`
	RequiresFertilizer bool        `json:"requires_fertilizer"`
}

// Schedule is an immutable phase calendar for one planting method.
// Phases are strictly ordered by week, week 0 exists, and the last
// phase is harvest.
type Schedule struct {
	PlantingMethod store.PlantingMethod `json:"planting_method"`
	TotalWeeks     int                  `json:"total_weeks"`
	Phases         []PhaseSpec          `json:"phases"`
}

// PhaseAt returns the phase in effect at the given week: the last entry
// whose week is <= week. Weeks past the calendar stay in harvest.
func (s *Schedule) PhaseAt(week int) PhaseSpec {
	if week < 0 {
		week = 0
	}
	current := s.Phases[0]
	for _, p := range s.Phases {
		if p.Week > week {
			break
		}
		current = p
	}
	return current
}

// NextPhaseAfter returns the first entry with week > week, or nil when
// the calendar is already in its last phase.
func (s *Schedule) NextPhaseAfter(week int) *PhaseSpec {
	for i := range s.Phases {
		if s.Phases[i].Week > week {
			return &s.Phases[i]
		}
	}
	return nil
}

// NextPhaseDate computes when the phase after the given week begins.
// In the last phase it returns the end of the calendar instead.
func (s *Schedule) NextPhaseDate(startDate time.Time, week int) time.Time {
	next := s.NextPhaseAfter(week)
	if next == nil {
		return startDate.AddDate(0, 0, 7*s.TotalWeeks)
	}
	return startDate.AddDate(0, 0, 7*next.Week)
}

// Catalog holds the built-in AWD calendars.
type Catalog struct {
	byMethod map[store.PlantingMethod]*Schedule
}

// NewCatalog builds the catalog with the two built-in calendars.
func NewCatalog() *Catalog {
	return &Catalog{
		byMethod: map[store.PlantingMethod]*Schedule{
			store.MethodTransplanted: transplanted(),
			store.MethodDirectSeeded: directSeeded(),
		},
	}
}

// ForMethod returns the calendar for a planting method.
func (c *Catalog) ForMethod(method store.PlantingMethod) (*Schedule, error) {
	s, ok := c.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("unknown planting method %q", method)
	}
	return s, nil
}

func transplanted() *Schedule {
	return &Schedule{
		PlantingMethod: store.MethodTransplanted,
		TotalWeeks:     14,
		Phases: []PhaseSpec{
			{Week: 0, Phase: store.PhasePreparation, TargetWaterLevelCm: 10, DurationDays: 7, Description: "Land soaking and puddling"},
			{Week: 1, Phase: store.PhaseWetting, TargetWaterLevelCm: 5, DurationDays: 14, Description: "Transplanting and establishment", RequiresFertilizer: true},
			{Week: 3, Phase: store.PhaseDrying, TargetWaterLevelCm: -15, DurationDays: 7, Description: "First drying cycle"},
			{Week: 4, Phase: store.PhaseWetting, TargetWaterLevelCm: 5, DurationDays: 14, Description: "Tillering", RequiresFertilizer: true},
			{Week: 6, Phase: store.PhaseDrying, TargetWaterLevelCm: -15, DurationDays: 7, Description: "Second drying cycle"},
			{Week: 7, Phase: store.PhaseWetting, TargetWaterLevelCm: 5, DurationDays: 21, Description: "Panicle initiation to flowering", RequiresFertilizer: true},
			{Week: 10, Phase: store.PhaseDrying, TargetWaterLevelCm: -15, DurationDays: 7, Description: "Third drying cycle"},
			{Week: 11, Phase: store.PhaseWetting, TargetWaterLevelCm: 5, DurationDays: 14, Description: "Grain filling"},
			{Week: 13, Phase: store.PhaseHarvest, TargetWaterLevelCm: 0, DurationDays: 7, Description: "Terminal drainage and harvest"},
		},
	}
}

func directSeeded() *Schedule {
	return &Schedule{
		PlantingMethod: store.MethodDirectSeeded,
		TotalWeeks:     15,
		Phases: []PhaseSpec{
			{Week: 0, Phase: store.PhasePreparation, TargetWaterLevelCm: 5, DurationDays: 14, Description: "Land preparation and seeding"},
			{Week: 2, Phase: store.PhaseWetting, TargetWaterLevelCm: 3, DurationDays: 14, Description: "Emergence", RequiresFertilizer: true},
			{Week: 4, Phase: store.PhaseDrying, TargetWaterLevelCm: -15, DurationDays: 7, Description: "First drying cycle"},
			{Week: 5, Phase: store.PhaseWetting, TargetWaterLevelCm: 5, DurationDays: 14, Description: "Tillering", RequiresFertilizer: true},
			{Week: 7, Phase: store.PhaseDrying, TargetWaterLevelCm: -15, DurationDays: 7, Description: "Second drying cycle"},
			{Week: 8, Phase: store.PhaseWetting, TargetWaterLevelCm: 5, DurationDays: 21, Description: "Panicle initiation to flowering", RequiresFertilizer: true},
			{Week: 11, Phase: store.PhaseDrying, TargetWaterLevelCm: -15, DurationDays: 7, Description: "Third drying cycle"},
			{Week: 12, Phase: store.PhaseWetting, TargetWaterLevelCm: 5, DurationDays: 14, Description: "Grain filling"},
			{Week: 14, Phase: store.PhaseHarvest, TargetWaterLevelCm: 0, DurationDays: 7, Description: "Terminal drainage and harvest"},
		},
	}
}
