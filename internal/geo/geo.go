package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/haulkind/dispatch-engine/internal/models"
)

const metersPerMile = 1609.344

// Locator stores the last known driver positions used for proximity ranking.
type Locator interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Positions(ctx context.Context, driverIDs []string) (map[string]models.Coord, error)
}

type fix struct {
	loc models.Coord
	at  time.Time
}

// Index is an in-memory Locator.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]fix
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]fix)}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	at := loc.At
	if at.IsZero() {
		at = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[loc.DriverID] = fix{loc: loc.Loc, at: at}
	return nil
}

// Positions returns the known positions of the requested drivers; unknown ids are omitted.
func (g *Index) Positions(_ context.Context, driverIDs []string) (map[string]models.Coord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]models.Coord, len(driverIDs))
	for _, id := range driverIDs {
		if f, ok := g.drivers[id]; ok {
			out[id] = f.loc
		}
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Miles is the great-circle distance between two points in statute miles.
func Miles(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / metersPerMile
}

// InPolygon reports whether p is inside the ring (ray casting; lon as x, lat as y).
// Points exactly on an edge may fall either way.
func InPolygon(p models.Coord, ring []models.Coord) bool {
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}
