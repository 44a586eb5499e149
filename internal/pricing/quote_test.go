package pricing

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/models"
)

func TestVolumeTierFor(t *testing.T) {
	cases := []struct {
		yards float64
		want  models.VolumeTier
	}{
		{0.5, models.TierEighth},
		{2.99, models.TierEighth},
		{3, models.TierQuarter},
		{4, models.TierQuarter},
		{6, models.TierHalf},
		{11.9, models.TierHalf},
		{12, models.TierThreeQuarter},
		{17.99, models.TierThreeQuarter},
		{18, models.TierFull},
		{400, models.TierFull},
		{math.Inf(1), models.TierFull},
	}
	for _, c := range cases {
		got, err := VolumeTierFor(c.yards)
		if err != nil {
			t.Fatalf("VolumeTierFor(%v): %v", c.yards, err)
		}
		if got != c.want {
			t.Errorf("VolumeTierFor(%v) = %s, want %s", c.yards, got, c.want)
		}
	}
}

func TestVolumeTierForRejectsNegative(t *testing.T) {
	for _, y := range []float64{-1, math.NaN()} {
		if _, err := VolumeTierFor(y); !errors.Is(err, apperr.BadRequest) {
			t.Errorf("VolumeTierFor(%v) err = %v, want BadRequest", y, err)
		}
	}
}

func TestHaulAwayPhiladelphiaQuarterTruck(t *testing.T) {
	calc := NewCalculator(DefaultCatalog())
	q, err := calc.HaulAway(context.Background(), "pa-philadelphia", 4, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if q.VolumeTier != models.TierQuarter {
		t.Fatalf("tier = %s, want 1_4", q.VolumeTier)
	}
	if q.Subtotal != 169 || q.PlatformFee != 8.45 || q.Total != 177.45 {
		t.Fatalf("got subtotal=%v fee=%v total=%v, want 169/8.45/177.45", q.Subtotal, q.PlatformFee, q.Total)
	}
	if q.DisposalCap == nil || *q.DisposalCap != 50 {
		t.Fatalf("expected disposal cap 50, got %v", q.DisposalCap)
	}
	if len(q.LineItems) != 1 {
		t.Fatalf("expected only the volume line item, got %+v", q.LineItems)
	}
}

func TestHaulAwayAddsSurchargeAndAddons(t *testing.T) {
	calc := NewCalculator(DefaultCatalog())
	q, err := calc.HaulAway(context.Background(), "pa-philadelphia", 10, 15, []string{"mattress", "ghost", "mattress", "stairs"})
	if err != nil {
		t.Fatal(err)
	}
	// 299 (1_2) + 25 (10-20 mi band) + 25 mattress + 30 stairs
	if q.Subtotal != 379 {
		t.Fatalf("subtotal = %v, want 379", q.Subtotal)
	}
	if strings.Join(q.AddonIDs, ",") != "mattress,stairs" {
		t.Fatalf("applied addons = %v", q.AddonIDs)
	}
	if q.PlatformFee != 18.95 || q.Total != 397.95 {
		t.Fatalf("fee=%v total=%v", q.PlatformFee, q.Total)
	}
}

func TestHaulAwayErrors(t *testing.T) {
	calc := NewCalculator(DefaultCatalog())
	ctx := context.Background()
	if _, err := calc.HaulAway(ctx, "nowhere", 4, 5, nil); !errors.Is(err, apperr.NotFound) {
		t.Errorf("unknown area err = %v, want NotFound", err)
	}
	if _, err := calc.HaulAway(ctx, "pa-philadelphia", 0, 5, nil); !errors.Is(err, apperr.BadRequest) {
		t.Errorf("zero volume err = %v, want BadRequest", err)
	}
	if _, err := calc.HaulAway(ctx, "pa-philadelphia", 4, -1, nil); !errors.Is(err, apperr.BadRequest) {
		t.Errorf("negative distance err = %v, want BadRequest", err)
	}
}

func TestLaborOnly(t *testing.T) {
	calc := NewCalculator(DefaultCatalog())
	ctx := context.Background()

	if _, err := calc.LaborOnly(ctx, "pa-philadelphia", 1.5, 5); !errors.Is(err, apperr.BadRequest) {
		t.Fatalf("sub-minimum hours err = %v, want BadRequest", err)
	}

	q, err := calc.LaborOnly(ctx, "pa-philadelphia", 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if q.Subtotal != 237 || q.Total != 248.85 {
		t.Fatalf("subtotal=%v total=%v, want 237/248.85", q.Subtotal, q.Total)
	}
	if q.DisposalCap != nil {
		t.Fatal("labor-only quotes carry no disposal cap")
	}
}

func TestLaborOnlyMissingRate(t *testing.T) {
	area := phillyArea()
	area.ID = "nj-camden"
	area.LaborHourlyRate = nil
	cat, err := NewMemoryCatalog(area)
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewCalculator(cat).LaborOnly(context.Background(), "nj-camden", 3, 0)
	if !errors.Is(err, apperr.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestFeeInvariantAcrossInputs(t *testing.T) {
	calc := NewCalculator(DefaultCatalog())
	ctx := context.Background()
	for _, yards := range []float64{1, 3.5, 7, 13, 25} {
		for _, miles := range []float64{0, 9.99, 10, 22.5, 80} {
			q, err := calc.HaulAway(ctx, "pa-philadelphia", yards, miles, []string{"appliance"})
			if err != nil {
				t.Fatal(err)
			}
			if q.PlatformFee != Round2(q.Subtotal*PlatformFeeRate) {
				t.Errorf("fee %v != round(%v*0.05)", q.PlatformFee, q.Subtotal)
			}
			if q.Total != Round2(q.Subtotal+q.PlatformFee) {
				t.Errorf("total %v != %v + %v", q.Total, q.Subtotal, q.PlatformFee)
			}
			for _, li := range q.LineItems {
				if li.Amount < 0 {
					t.Errorf("negative line item %+v", li)
				}
			}
		}
	}
}

func TestFeeInvariantWithFractionalLaborRates(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		area := phillyArea()
		rate := 40.0038 + float64(i)*0.01
		area.LaborHourlyRate = &rate
		cat, err := NewMemoryCatalog(area)
		if err != nil {
			t.Fatal(err)
		}
		calc := NewCalculator(cat)
		for _, hours := range []float64{2.25, 2.5, 3.75} {
			q, err := calc.LaborOnly(ctx, area.ID, hours, 0)
			if err != nil {
				t.Fatal(err)
			}
			if q.PlatformFee != Round2(q.Subtotal*PlatformFeeRate) {
				t.Errorf("rate=%v hours=%v: fee %v != round(%v*0.05)", rate, hours, q.PlatformFee, q.Subtotal)
			}
			if q.Total != Round2(q.Subtotal+q.PlatformFee) {
				t.Errorf("rate=%v hours=%v: total %v != %v + %v", rate, hours, q.Total, q.Subtotal, q.PlatformFee)
			}
		}
	}
}

func TestFirstMatchingBandWins(t *testing.T) {
	area := phillyArea()
	area.DistanceBands = []DistanceBand{
		{MinMiles: 5, MaxMiles: ptr(50), Surcharge: 99},
		{MinMiles: 0, MaxMiles: ptr(20), Surcharge: 10},
	}
	cat, err := NewMemoryCatalog(area)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := cat.Area(context.Background(), area.ID)
	got, ok := a.Surcharge(12)
	if !ok || got != 10 {
		t.Fatalf("surcharge = %v (matched %v), want 10 from the lowest-min band", got, ok)
	}
}

func TestLoadCatalogYAML(t *testing.T) {
	doc := `
service_areas:
  - id: tx-austin
    name: Austin, TX
    center: {lat: 30.2672, lon: -97.7431}
    radius_miles: 25
    volume_prices: {"1_8": 99, "1_4": 159, "1_2": 279, "3_4": 399, "full": 519}
    disposal_caps: {"1_8": 20, "full": 100}
    distance_bands:
      - {min_miles: 15, surcharge: 30}
      - {min_miles: 0, max_miles: 15, surcharge: 0}
    addons:
      - {id: hot_tub, name: Hot tub removal, price: 150}
    labor_hourly_rate: 69
`
	cat, err := LoadCatalogYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	calc := NewCalculator(cat)
	q, err := calc.HaulAway(context.Background(), "tx-austin", 20, 16, []string{"hot_tub"})
	if err != nil {
		t.Fatal(err)
	}
	if q.Subtotal != 519+30+150 {
		t.Fatalf("subtotal = %v", q.Subtotal)
	}

	area, err := Locate(context.Background(), cat, models.Coord{Lat: 30.3, Lon: -97.7})
	if err != nil || area.ID != "tx-austin" {
		t.Fatalf("locate = %v, %v", area.ID, err)
	}
}

func TestLoadCatalogYAMLRejectsIncompleteArea(t *testing.T) {
	doc := `
service_areas:
  - id: broken
    volume_prices: {"1_8": 99}
`
	if _, err := LoadCatalogYAML(strings.NewReader(doc)); err == nil {
		t.Fatal("expected validation error for missing tiers")
	}
}

func phillyArea() ServiceArea {
	a, err := DefaultCatalog().Area(context.Background(), "pa-philadelphia")
	if err != nil {
		panic(err)
	}
	return a
}
