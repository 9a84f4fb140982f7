package geo

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude on a 6371 km sphere
	d := Haversine(0, 0, 1, 0)
	if d < 111190 || d > 111200 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestNearestOrderAndLimit(t *testing.T) {
	g := NewIndex(0.01)
	g.Upsert("far", 12.9800, 77.5946)
	g.Upsert("near", 12.9743, 77.5946)
	g.Upsert("mid", 12.9770, 77.5946)
	g.Upsert("out", 13.5, 77.5946)

	got := g.Nearest(12.9716, 77.5946, 2, 5000)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].DistanceMeters > got[1].DistanceMeters {
		t.Fatalf("not ascending: %+v", got)
	}

	all := g.Nearest(12.9716, 77.5946, 10, 5000)
	if len(all) != 3 {
		t.Fatalf("expected out-of-radius driver excluded, got %+v", all)
	}
}

func TestNearestTieBreakByID(t *testing.T) {
	g := NewIndex(0)
	for _, id := range []string{"c", "a", "b"} {
		g.Upsert(id, 10, 10)
	}
	got := g.Nearest(10, 10, 3, 1000)
	if len(got) != 3 || got[0].DriverID != "a" || got[1].DriverID != "b" || got[2].DriverID != "c" {
		t.Fatalf("expected a,b,c got %+v", got)
	}
}

func TestUpsertMovesAndRemove(t *testing.T) {
	g := NewIndex(0.01)
	g.Upsert("d1", 0, 0)
	g.Upsert("d1", 1, 1)
	if g.Len() != 1 {
		t.Fatalf("expected 1 driver, got %d", g.Len())
	}
	if got := g.Nearest(0, 0, 5, 1000); len(got) != 0 {
		t.Fatalf("stale cell entry returned: %+v", got)
	}
	if got := g.Nearest(1, 1, 5, 1000); len(got) != 1 {
		t.Fatalf("expected moved driver, got %+v", got)
	}
	g.Remove("d1")
	g.Remove("d1")
	if g.Contains("d1") || g.Len() != 0 {
		t.Fatalf("expected driver removed")
	}
	if len(g.cells) != 0 {
		t.Fatalf("expected empty cells cleaned up, got %d", len(g.cells))
	}
}

func TestNearestZeroK(t *testing.T) {
	g := NewIndex(0)
	g.Upsert("d1", 0, 0)
	if got := g.Nearest(0, 0, 0, 1000); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestNearestAcrossAntimeridian(t *testing.T) {
	g := NewIndex(0.05)
	g.Upsert("east", 0, 179.999)
	g.Upsert("west", 0, -179.999)
	got := g.Nearest(0, 180, 5, 1000)
	if len(got) != 2 {
		t.Fatalf("expected both sides of the antimeridian, got %+v", got)
	}
}

func TestNearestMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	g := NewIndex(0.02)
	type pt struct{ lat, lng float64 }
	pts := map[string]pt{}
	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("d%04d", i)
		p := pt{12.8 + rng.Float64()*0.4, 77.4 + rng.Float64()*0.4}
		pts[id] = p
		g.Upsert(id, p.lat, p.lng)
	}
	for q := 0; q < 50; q++ {
		lat, lng := 12.8+rng.Float64()*0.4, 77.4+rng.Float64()*0.4
		radius := 500 + rng.Float64()*4000
		k := 1 + rng.Intn(10)

		type cand struct {
			id string
			d  float64
		}
		var want []cand
		for id, p := range pts {
			if d := Haversine(lat, lng, p.lat, p.lng); d <= radius {
				want = append(want, cand{id, d})
			}
		}
		sort.Slice(want, func(i, j int) bool {
			if want[i].d != want[j].d {
				return want[i].d < want[j].d
			}
			return want[i].id < want[j].id
		})
		if len(want) > k {
			want = want[:k]
		}

		got := g.Nearest(lat, lng, k, radius)
		if len(got) != len(want) {
			t.Fatalf("query %d: expected %d results, got %d", q, len(want), len(got))
		}
		for i := range got {
			if got[i].DriverID != want[i].id {
				t.Fatalf("query %d pos %d: expected %s got %s", q, i, want[i].id, got[i].DriverID)
			}
		}
	}
}
