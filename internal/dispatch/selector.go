package dispatch

import (
	"context"
	"math"
	"sort"

	"github.com/haulkind/dispatch-engine/internal/geo"
	"github.com/haulkind/dispatch-engine/internal/models"
)

// CandidateSelector orders the eligible, not yet offered drivers for a wave.
// It may drop drivers but must not add any.
type CandidateSelector interface {
	SelectCandidates(ctx context.Context, job *models.Job, eligible []*models.Driver) ([]*models.Driver, error)
}

// SourceOrder keeps the order the driver query returned.
type SourceOrder struct{}

func (SourceOrder) SelectCandidates(_ context.Context, _ *models.Job, eligible []*models.Driver) ([]*models.Driver, error) {
	return eligible, nil
}

// Proximity ranks drivers by straight-line miles to the pickup plus a rating penalty:
// cost = miles + RatingWeight*(5 - rating). Drivers without a known position go last in
// source order. Without pickup coordinates the source order is kept.
type Proximity struct {
	Locator      geo.Locator // optional; falls back to Driver.Loc
	RatingWeight float64
}

func (p Proximity) SelectCandidates(ctx context.Context, job *models.Job, eligible []*models.Driver) ([]*models.Driver, error) {
	if job.Pickup.Loc == nil || len(eligible) == 0 {
		return eligible, nil
	}
	positions := map[string]models.Coord{}
	if p.Locator != nil {
		ids := make([]string, len(eligible))
		for i, d := range eligible {
			ids[i] = d.ID
		}
		var err error
		if positions, err = p.Locator.Positions(ctx, ids); err != nil {
			return nil, err
		}
	}

	type scored struct {
		d    *models.Driver
		cost float64
	}
	list := make([]scored, 0, len(eligible))
	for _, d := range eligible {
		loc, ok := positions[d.ID]
		if !ok && d.Loc != nil {
			loc, ok = *d.Loc, true
		}
		cost := math.Inf(1)
		if ok {
			cost = geo.Miles(loc, *job.Pickup.Loc) + p.RatingWeight*(5.0-d.Rating)
		}
		list = append(list, scored{d, cost})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].cost < list[j].cost })

	out := make([]*models.Driver, len(list))
	for i, s := range list {
		out[i] = s.d
	}
	return out, nil
}
