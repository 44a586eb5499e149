package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/geo"
	"github.com/haulkind/dispatch-engine/internal/models"
)

// DistanceBand applies Surcharge to distances in [MinMiles, MaxMiles). A nil MaxMiles is unbounded.
type DistanceBand struct {
	MinMiles  float64  `yaml:"min_miles" json:"min_miles"`
	MaxMiles  *float64 `yaml:"max_miles,omitempty" json:"max_miles,omitempty"`
	Surcharge float64  `yaml:"surcharge" json:"surcharge"`
}

func (b DistanceBand) contains(miles float64) bool {
	if miles < b.MinMiles {
		return false
	}
	return b.MaxMiles == nil || miles < *b.MaxMiles
}

type Addon struct {
	ID    string  `yaml:"id" json:"id"`
	Name  string  `yaml:"name" json:"name"`
	Price float64 `yaml:"price" json:"price"`
}

// ServiceArea is a coverage region and the pricing catalog slice that applies inside it.
type ServiceArea struct {
	ID              string                        `yaml:"id" json:"id"`
	Name            string                        `yaml:"name" json:"name"`
	Center          models.Coord                  `yaml:"center" json:"center"`
	RadiusMiles     float64                       `yaml:"radius_miles,omitempty" json:"radius_miles,omitempty"`
	Polygon         []models.Coord                `yaml:"polygon,omitempty" json:"polygon,omitempty"`
	VolumePrices    map[models.VolumeTier]float64 `yaml:"volume_prices" json:"volume_prices"`
	DisposalCaps    map[models.VolumeTier]float64 `yaml:"disposal_caps" json:"disposal_caps"`
	DistanceBands   []DistanceBand                `yaml:"distance_bands" json:"distance_bands"`
	Addons          []Addon                       `yaml:"addons" json:"addons"`
	LaborHourlyRate *float64                      `yaml:"labor_hourly_rate,omitempty" json:"labor_hourly_rate,omitempty"`
}

// Covers reports whether p lies inside the area. Polygons take precedence over radius.
func (a ServiceArea) Covers(p models.Coord) bool {
	if len(a.Polygon) >= 3 {
		return geo.InPolygon(p, a.Polygon)
	}
	if a.RadiusMiles > 0 {
		return geo.Miles(a.Center, p) <= a.RadiusMiles
	}
	return false
}

// Surcharge returns the surcharge of the first band containing miles, and whether one matched.
// Bands are expected sorted by MinMiles; see Validate.
func (a ServiceArea) Surcharge(miles float64) (float64, bool) {
	for _, b := range a.DistanceBands {
		if b.contains(miles) {
			return b.Surcharge, true
		}
	}
	return 0, false
}

func (a ServiceArea) addon(id string) (Addon, bool) {
	for _, ad := range a.Addons {
		if ad.ID == id {
			return ad, true
		}
	}
	return Addon{}, false
}

// normalize sorts distance bands ascending by MinMiles. The sort is stable so authored order
// breaks ties, keeping first-match-wins predictable for overlapping bands.
func (a *ServiceArea) normalize() {
	sort.SliceStable(a.DistanceBands, func(i, j int) bool {
		return a.DistanceBands[i].MinMiles < a.DistanceBands[j].MinMiles
	})
}

// Validate checks the area is complete enough to quote against.
func (a ServiceArea) Validate() error {
	var errs []error
	if a.ID == "" {
		errs = append(errs, errors.New("service area id is required"))
	}
	for _, t := range models.VolumeTiers {
		p, ok := a.VolumePrices[t]
		if !ok {
			errs = append(errs, fmt.Errorf("area %s: missing volume price for tier %s", a.ID, t))
			continue
		}
		if p < 0 {
			errs = append(errs, fmt.Errorf("area %s: negative volume price for tier %s", a.ID, t))
		}
	}
	for i, b := range a.DistanceBands {
		if b.MinMiles < 0 || b.Surcharge < 0 {
			errs = append(errs, fmt.Errorf("area %s: band #%d has negative values", a.ID, i+1))
		}
		if b.MaxMiles != nil && *b.MaxMiles <= b.MinMiles {
			errs = append(errs, fmt.Errorf("area %s: band #%d max must exceed min", a.ID, i+1))
		}
	}
	for _, ad := range a.Addons {
		if ad.ID == "" || ad.Price < 0 {
			errs = append(errs, fmt.Errorf("area %s: invalid addon %q", a.ID, ad.ID))
		}
	}
	if a.LaborHourlyRate != nil && *a.LaborHourlyRate < 0 {
		errs = append(errs, fmt.Errorf("area %s: negative labor rate", a.ID))
	}
	return errors.Join(errs...)
}

// Catalog is read-only reference data for quoting.
type Catalog interface {
	Area(ctx context.Context, id string) (ServiceArea, error)
	Areas(ctx context.Context) ([]ServiceArea, error)
}

// MemoryCatalog holds service areas in memory. Updates replace an area wholesale so a quote
// in flight always sees one consistent snapshot.
type MemoryCatalog struct {
	mu    sync.RWMutex
	areas map[string]ServiceArea
	order []string
}

func NewMemoryCatalog(areas ...ServiceArea) (*MemoryCatalog, error) {
	c := &MemoryCatalog{areas: make(map[string]ServiceArea)}
	for _, a := range areas {
		if err := c.Put(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Put validates and stores an area, replacing any area with the same id.
func (c *MemoryCatalog) Put(a ServiceArea) error {
	if err := a.Validate(); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "catalog.put", err)
	}
	a.normalize()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.areas[a.ID]; !exists {
		c.order = append(c.order, a.ID)
	}
	c.areas[a.ID] = a
	return nil
}

func (c *MemoryCatalog) Area(_ context.Context, id string) (ServiceArea, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.areas[id]
	if !ok {
		return ServiceArea{}, apperr.New(apperr.KindNotFound, "catalog.area", "service area %q not found", id)
	}
	return a, nil
}

func (c *MemoryCatalog) Areas(_ context.Context) ([]ServiceArea, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServiceArea, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.areas[id])
	}
	return out, nil
}

// Locate returns the first area covering p.
func Locate(ctx context.Context, c Catalog, p models.Coord) (ServiceArea, error) {
	areas, err := c.Areas(ctx)
	if err != nil {
		return ServiceArea{}, err
	}
	for _, a := range areas {
		if a.Covers(p) {
			return a, nil
		}
	}
	return ServiceArea{}, apperr.New(apperr.KindNotFound, "catalog.locate", "no service area covers %.5f,%.5f", p.Lat, p.Lon)
}

type catalogFile struct {
	ServiceAreas []ServiceArea `yaml:"service_areas"`
}

// LoadCatalogYAML reads a catalog document of the form `service_areas: [...]`.
func LoadCatalogYAML(r io.Reader) (*MemoryCatalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(f.ServiceAreas) == 0 {
		return nil, errors.New("decode catalog: no service areas defined")
	}
	return NewMemoryCatalog(f.ServiceAreas...)
}

func ptr(v float64) *float64 { return &v }

// DefaultCatalog is the seed used when no catalog file is configured.
func DefaultCatalog() *MemoryCatalog {
	c, err := NewMemoryCatalog(ServiceArea{
		ID:          "pa-philadelphia",
		Name:        "Philadelphia, PA",
		Center:      models.Coord{Lat: 39.9526, Lon: -75.1652},
		RadiusMiles: 35,
		VolumePrices: map[models.VolumeTier]float64{
			models.TierEighth:       109,
			models.TierQuarter:      169,
			models.TierHalf:         299,
			models.TierThreeQuarter: 429,
			models.TierFull:         549,
		},
		DisposalCaps: map[models.VolumeTier]float64{
			models.TierEighth:       25,
			models.TierQuarter:      50,
			models.TierHalf:         75,
			models.TierThreeQuarter: 100,
			models.TierFull:         125,
		},
		DistanceBands: []DistanceBand{
			{MinMiles: 0, MaxMiles: ptr(10), Surcharge: 0},
			{MinMiles: 10, MaxMiles: ptr(20), Surcharge: 25},
			{MinMiles: 20, MaxMiles: ptr(30), Surcharge: 45},
			{MinMiles: 30, Surcharge: 75},
		},
		Addons: []Addon{
			{ID: "mattress", Name: "Mattress disposal", Price: 25},
			{ID: "stairs", Name: "Stairs (per flight)", Price: 30},
			{ID: "appliance", Name: "Appliance disposal", Price: 35},
			{ID: "same_day", Name: "Same-day service", Price: 49},
		},
		LaborHourlyRate: ptr(79),
	})
	if err != nil {
		panic(err)
	}
	return c
}
