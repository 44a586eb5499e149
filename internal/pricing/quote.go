package pricing

import (
	"context"
	"fmt"
	"math"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/observability"
)

const (
	// PlatformFeeRate is the marketplace cut of the service subtotal.
	PlatformFeeRate = 0.05
	// MinLaborHours is the labor-only booking minimum.
	MinLaborHours = 2.0
)

type tierBound struct {
	tier models.VolumeTier
	max  float64 // exclusive upper bound
}

var tierBounds = []tierBound{
	{models.TierEighth, 3},
	{models.TierQuarter, 6},
	{models.TierHalf, 12},
	{models.TierThreeQuarter, 18},
	{models.TierFull, math.Inf(1)},
}

// VolumeTierFor buckets a load in cubic yards. Anything from 18 yards up is a full truck.
func VolumeTierFor(cubicYards float64) (models.VolumeTier, error) {
	if math.IsNaN(cubicYards) || cubicYards < 0 {
		return "", apperr.New(apperr.KindBadRequest, "pricing.volume_tier", "volume %v cannot be bucketed", cubicYards)
	}
	for _, b := range tierBounds {
		if cubicYards < b.max {
			return b.tier, nil
		}
	}
	return models.TierFull, nil
}

// Round2 rounds to cents.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// Calculator turns a service request plus catalog data into a line-itemized quote.
// It never mutates the catalog.
type Calculator struct {
	Catalog Catalog
}

func NewCalculator(c Catalog) *Calculator { return &Calculator{Catalog: c} }

// QuoteRequest is the union of both service types' inputs.
type QuoteRequest struct {
	ServiceAreaID    string             `json:"service_area_id"`
	ServiceType      models.ServiceType `json:"service_type"`
	VolumeCubicYards float64            `json:"volume_cubic_yards,omitempty"`
	Hours            float64            `json:"hours,omitempty"`
	DistanceMiles    float64            `json:"distance_miles"`
	AddonIDs         []string           `json:"addon_ids,omitempty"`
}

// Quote dispatches on the request's service type.
func (c *Calculator) Quote(ctx context.Context, req QuoteRequest) (models.Quote, error) {
	switch req.ServiceType {
	case models.ServiceHaulAway:
		return c.HaulAway(ctx, req.ServiceAreaID, req.VolumeCubicYards, req.DistanceMiles, req.AddonIDs)
	case models.ServiceLaborOnly:
		return c.LaborOnly(ctx, req.ServiceAreaID, req.Hours, req.DistanceMiles)
	default:
		return models.Quote{}, apperr.New(apperr.KindBadRequest, "pricing.quote", "unknown service type %q", req.ServiceType)
	}
}

// HaulAway prices a junk-removal load. Unknown add-on ids are dropped, duplicates count once.
func (c *Calculator) HaulAway(ctx context.Context, areaID string, cubicYards, distanceMiles float64, addonIDs []string) (models.Quote, error) {
	const op = "pricing.haul_away"
	if math.IsNaN(cubicYards) || cubicYards <= 0 {
		return models.Quote{}, apperr.New(apperr.KindBadRequest, op, "volume_cubic_yards must be > 0")
	}
	if err := checkDistance(op, distanceMiles); err != nil {
		return models.Quote{}, err
	}
	tier, err := VolumeTierFor(cubicYards)
	if err != nil {
		return models.Quote{}, err
	}
	area, err := c.Catalog.Area(ctx, areaID)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%s: %w", op, err)
	}
	base, ok := area.VolumePrices[tier]
	if !ok {
		return models.Quote{}, apperr.New(apperr.KindNotFound, op, "area %s has no price for tier %s", areaID, tier)
	}

	items := []models.LineItem{{Code: "volume_" + string(tier), Label: "Load size " + tierLabel(tier), Amount: base}}
	items = appendDistance(items, area, distanceMiles)

	applied := make([]string, 0, len(addonIDs))
	seen := make(map[string]bool, len(addonIDs))
	for _, id := range addonIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ad, ok := area.addon(id)
		if !ok {
			continue
		}
		applied = append(applied, id)
		items = append(items, models.LineItem{Code: "addon_" + ad.ID, Label: ad.Name, Amount: ad.Price})
	}

	q := finish(models.Quote{
		ServiceAreaID: areaID,
		ServiceType:   models.ServiceHaulAway,
		VolumeTier:    tier,
		DistanceMiles: distanceMiles,
		AddonIDs:      applied,
		LineItems:     items,
	})
	if capAmt, ok := area.DisposalCaps[tier]; ok {
		q.DisposalCap = &capAmt
	}
	observability.QuotesTotal.WithLabelValues(string(models.ServiceHaulAway)).Inc()
	return q, nil
}

// LaborOnly prices hourly loading help: rate * hours + distance surcharge.
func (c *Calculator) LaborOnly(ctx context.Context, areaID string, hours, distanceMiles float64) (models.Quote, error) {
	const op = "pricing.labor_only"
	if math.IsNaN(hours) || hours < MinLaborHours {
		return models.Quote{}, apperr.New(apperr.KindBadRequest, op, "hours must be at least %.0f", MinLaborHours)
	}
	if err := checkDistance(op, distanceMiles); err != nil {
		return models.Quote{}, err
	}
	area, err := c.Catalog.Area(ctx, areaID)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%s: %w", op, err)
	}
	if area.LaborHourlyRate == nil {
		return models.Quote{}, apperr.New(apperr.KindNotFound, op, "area %s has no labor rate configured", areaID)
	}
	rate := *area.LaborHourlyRate

	items := []models.LineItem{{
		Code:   "labor",
		Label:  fmt.Sprintf("Labor %.1fh @ %.2f/h", hours, rate),
		Amount: rate * hours,
	}}
	items = appendDistance(items, area, distanceMiles)

	q := finish(models.Quote{
		ServiceAreaID: areaID,
		ServiceType:   models.ServiceLaborOnly,
		Hours:         hours,
		DistanceMiles: distanceMiles,
		LineItems:     items,
	})
	observability.QuotesTotal.WithLabelValues(string(models.ServiceLaborOnly)).Inc()
	return q, nil
}

func checkDistance(op string, miles float64) error {
	if math.IsNaN(miles) || math.IsInf(miles, 0) || miles < 0 {
		return apperr.New(apperr.KindBadRequest, op, "distance_miles must be >= 0")
	}
	return nil
}

func appendDistance(items []models.LineItem, area ServiceArea, miles float64) []models.LineItem {
	fee, ok := area.Surcharge(miles)
	if !ok || fee == 0 {
		return items
	}
	return append(items, models.LineItem{Code: "distance", Label: fmt.Sprintf("Distance surcharge (%.1f mi)", miles), Amount: fee})
}

// finish sums line items at full precision, then derives the fee and total from the
// rounded subtotal the customer sees.
func finish(q models.Quote) models.Quote {
	var subtotal float64
	for _, li := range q.LineItems {
		subtotal += li.Amount
	}
	q.Subtotal = Round2(subtotal)
	q.PlatformFee = Round2(q.Subtotal * PlatformFeeRate)
	q.Total = Round2(q.Subtotal + q.PlatformFee)
	return q
}

func tierLabel(t models.VolumeTier) string {
	switch t {
	case models.TierEighth:
		return "1/8 truck"
	case models.TierQuarter:
		return "1/4 truck"
	case models.TierHalf:
		return "1/2 truck"
	case models.TierThreeQuarter:
		return "3/4 truck"
	default:
		return "full truck"
	}
}
