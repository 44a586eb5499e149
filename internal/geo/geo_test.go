package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/haulkind/dispatch-engine/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestMilesPhiladelphiaToCamden(t *testing.T) {
	phl := models.Coord{Lat: 39.9526, Lon: -75.1652}
	camden := models.Coord{Lat: 39.9259, Lon: -75.1196}
	got := Miles(phl, camden)
	if math.Abs(got-3.0) > 0.5 {
		t.Fatalf("expected ~3 miles, got %.2f", got)
	}
}

func TestInPolygon(t *testing.T) {
	square := []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 10}, {Lat: 10, Lon: 10}, {Lat: 10, Lon: 0}}
	cases := []struct {
		p    models.Coord
		want bool
	}{
		{models.Coord{Lat: 5, Lon: 5}, true},
		{models.Coord{Lat: 11, Lon: 5}, false},
		{models.Coord{Lat: 5, Lon: -1}, false},
	}
	for _, c := range cases {
		if got := InPolygon(c.p, square); got != c.want {
			t.Errorf("InPolygon(%v) = %v, want %v", c.p, got, c.want)
		}
	}
}

func TestIndexPositionsOmitsUnknown(t *testing.T) {
	idx := NewIndex()
	ctx := context.Background()
	_ = idx.Upsert(ctx, models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}})
	pos, err := idx.Positions(ctx, []string{"d1", "d2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 1 || pos["d1"].Lat != 1 {
		t.Fatalf("unexpected positions %v", pos)
	}
}

func TestRedisGeoRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(mr.Addr(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	g := NewRedisGeo(client, "test_geo")
	ctx := context.Background()
	loc := models.DriverLocation{DriverID: "d1", Loc: models.Coord{Lat: 39.95, Lon: -75.16}, At: time.Now()}
	if err := g.Upsert(ctx, loc); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	pos, err := g.Positions(ctx, []string{"d1", "missing"})
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	got, ok := pos["d1"]
	if !ok {
		t.Fatalf("expected d1 position, got %v", pos)
	}
	if math.Abs(got.Lat-39.95) > 0.001 || math.Abs(got.Lon+75.16) > 0.001 {
		t.Fatalf("position drifted: %v", got)
	}
	if _, ok := pos["missing"]; ok {
		t.Fatal("missing driver should be omitted")
	}
}
