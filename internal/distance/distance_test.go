package distance

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haulkind/dispatch-engine/internal/models"
)

type failing struct{ calls int }

func (f *failing) Miles(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return 0, errors.New("routing down")
}

func TestOSRMClientParsesRouteDistance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":16093.44,"duration":900}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.Miles(context.Background(), models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-10) > 1e-9 {
		t.Fatalf("expected 10 miles, got %v", got)
	}
}

func TestResolverFallsBackToStraightLine(t *testing.T) {
	primary := &failing{}
	r := &Resolver{Primary: primary, Cache: NewCache(0)}
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 0, Lon: 1}
	got, err := r.Miles(context.Background(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected primary to be tried once, got %d", primary.calls)
	}
	// one degree of longitude at the equator is ~69.1 miles
	if math.Abs(got-69.1) > 0.5 {
		t.Fatalf("unexpected fallback distance %v", got)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(-1)
	a := models.Coord{Lat: 1, Lon: 1}
	c.Set(a, a, 3)
	if _, ok := c.Get(a, a); ok {
		t.Fatal("expired entry should not be returned")
	}
}
