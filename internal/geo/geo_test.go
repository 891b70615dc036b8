package geo

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/example/donor-matching/internal/models"
)

func north(c models.Coord, km float64) models.Coord {
	return models.Coord{Lat: c.Lat + km/kmPerDegree, Lng: c.Lng}
}

func TestHaversineZero(t *testing.T) {
	d := Haversine(models.Coord{}, models.Coord{})
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name string
		a, b models.Coord
		want float64
	}{
		{"one degree of longitude on the equator", models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 0, Lng: 1}, 111.2},
		{"one degree of latitude", models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 1, Lng: 0}, 111.2},
		{"kolkata to howrah station", models.Coord{Lat: 22.5726, Lng: 88.3639}, models.Coord{Lat: 22.5839, Lng: 88.3425}, 2.5},
		{"across the antimeridian", models.Coord{Lat: 0, Lng: 179.5}, models.Coord{Lat: 0, Lng: -179.5}, 111.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DistanceKm(tt.a, tt.b), 0.1)
		})
	}
}

func TestDistanceKmRoundsToOneDecimal(t *testing.T) {
	origin := models.Coord{Lat: 10, Lng: 10}
	d := DistanceKm(origin, north(origin, 8.54))
	assert.Equal(t, 8.5, d)
}

func TestBoundingBoxContainsRadius(t *testing.T) {
	origin := models.Coord{Lat: 22.5726, Lng: 88.3639}
	box := BoundingBox(origin, 10)
	assert.True(t, box.Contains(north(origin, 9.9)))
	assert.True(t, box.Contains(north(origin, 10.04)), "rounds to 10.0")
	assert.False(t, box.Contains(north(origin, 10.5)))

	east := models.Coord{Lat: origin.Lat, Lng: origin.Lng + 0.09}
	assert.Less(t, Haversine(origin, east), 10.0)
	assert.True(t, box.Contains(east))
}

func TestBoundingBoxWrapsAntimeridian(t *testing.T) {
	box := BoundingBox(models.Coord{Lat: 0, Lng: 179.95}, 20)
	assert.True(t, box.Contains(models.Coord{Lat: 0, Lng: -179.95}))
	assert.False(t, box.Contains(models.Coord{Lat: 0, Lng: -170}))
}

func TestBoundingBoxNearPole(t *testing.T) {
	box := BoundingBox(models.Coord{Lat: 89.99, Lng: 0}, 5)
	assert.True(t, box.Contains(models.Coord{Lat: 89.99, Lng: 180}))
}

func bt(b models.BloodType) *models.BloodType       { return &b }
func av(a models.Availability) *models.Availability { return &a }

func TestMemoryIndexQuery(t *testing.T) {
	origin := models.Coord{Lat: 22.5726, Lng: 88.3639}
	idx := NewMemoryIndex(0)
	idx.Upsert(models.DonorLocation{DonorID: "near-o", Coords: north(origin, 1), BloodType: models.OPos, Availability: models.Available})
	idx.Upsert(models.DonorLocation{DonorID: "near-a", Coords: north(origin, 2), BloodType: models.APos, Availability: models.Available})
	idx.Upsert(models.DonorLocation{DonorID: "near-busy", Coords: north(origin, 3), BloodType: models.OPos, Availability: models.Unavailable})
	idx.Upsert(models.DonorLocation{DonorID: "far", Coords: north(origin, 40), BloodType: models.OPos, Availability: models.Available})

	ctx := context.Background()

	all, err := idx.Query(ctx, origin, 10, models.Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	filtered, err := idx.Query(ctx, origin, 10, models.Filters{BloodType: bt(models.OPos), Availability: av(models.Available)})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "near-o", filtered[0].DonorID)

	none, err := idx.Query(ctx, models.Coord{Lat: -33.86, Lng: 151.2}, 10, models.Filters{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryIndexFilterPushdownMatchesPostFilter(t *testing.T) {
	origin := models.Coord{Lat: 1, Lng: 1}
	idx := NewMemoryIndex(100)
	for i := 0; i < 30; i++ {
		b := models.BloodTypes[i%len(models.BloodTypes)]
		idx.Upsert(models.DonorLocation{DonorID: fmt.Sprintf("d%02d", i), Coords: north(origin, float64(i)/10), BloodType: b, Availability: models.Available})
	}
	f := models.Filters{BloodType: bt(models.BNeg)}

	pushed, err := idx.Query(context.Background(), origin, 5, f)
	require.NoError(t, err)

	unfiltered, err := idx.Query(context.Background(), origin, 5, models.Filters{})
	require.NoError(t, err)
	var post []models.DonorLocation
	for _, d := range unfiltered {
		if f.Match(d.BloodType, d.Availability) {
			post = append(post, d)
		}
	}
	assert.ElementsMatch(t, post, pushed)
}

func TestMemoryIndexCandidateCap(t *testing.T) {
	origin := models.Coord{Lat: 1, Lng: 1}
	idx := NewMemoryIndex(5)
	for i := 0; i < 20; i++ {
		idx.Upsert(models.DonorLocation{DonorID: fmt.Sprintf("d%02d", i), Coords: north(origin, float64(i)/10), BloodType: models.OPos, Availability: models.Available})
	}
	got, err := idx.Query(context.Background(), origin, 10, models.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "d00", got[0].DonorID)
}

func TestMemoryIndexUpsertAndRemove(t *testing.T) {
	idx := NewMemoryIndex(0)
	idx.Upsert(models.DonorLocation{DonorID: "x", Coords: models.Coord{Lat: 1, Lng: 1}, BloodType: models.OPos})
	idx.Upsert(models.DonorLocation{DonorID: "x", Coords: models.Coord{Lat: 2, Lng: 2}, BloodType: models.OPos})
	assert.Equal(t, 1, idx.Len())
	idx.Remove("x")
	assert.Equal(t, 0, idx.Len())
}

func TestMemoryIndexCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryIndex(0).Query(ctx, models.Coord{}, 1, models.Filters{})
	assert.True(t, errors.Is(err, ErrIndexUnavailable))
}

func TestNearFilterPushesDownEqualityFilters(t *testing.T) {
	q := NearFilter(models.Coord{Lat: 22.5, Lng: 88.3}, 10, models.Filters{BloodType: bt(models.ABNeg), Availability: av(models.EmergencyOnly)})
	assert.Equal(t, "AB-", q["bloodType"])
	assert.Equal(t, "emergency-only", q["availability"])

	near := q["location"].(bson.M)["$nearSphere"].(bson.M)
	assert.InDelta(t, 10150.0, near["$maxDistance"], 1e-6)

	plain := NearFilter(models.Coord{}, 1, models.Filters{})
	assert.NotContains(t, plain, "bloodType")
	assert.NotContains(t, plain, "availability")
}
