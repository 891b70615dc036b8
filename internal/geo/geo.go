package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/example/donor-matching/internal/models"
)

const EarthRadiusKm = 6371.0

// DefaultCandidateCap bounds how many candidates a single index query returns.
const DefaultCandidateCap = 50

// ErrIndexUnavailable means the spatial query could not be answered: no
// spatial index, malformed stored geometry, backend down or timed out.
// Callers treat it as "no index results" and fall back.
var ErrIndexUnavailable = errors.New("geo index unavailable")

// Index is the minimal interface required by the matcher. Results are
// unordered and the boundary is approximate; distances must be recomputed.
type Index interface {
	Query(ctx context.Context, origin models.Coord, maxKm float64, f models.Filters) ([]models.DonorLocation, error)
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// DistanceKm is Haversine rounded to one decimal place.
func DistanceKm(a, b models.Coord) float64 {
	return math.Round(Haversine(a, b)*10) / 10
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Box is a planar lat/lng bounding box around a point.
type Box struct {
	Center   models.Coord
	LatDelta float64
	LngDelta float64
}

const kmPerDegree = EarthRadiusKm * math.Pi / 180

// searchRadiusKm pads a radius so backends with a different earth model, and
// points whose rounded distance equals the radius, are not cut off. Callers
// recompute exact distances.
func searchRadiusKm(radiusKm float64) float64 {
	return radiusKm*1.01 + 0.05
}

// BoundingBox returns a box that contains every point within radiusKm of
// origin.
func BoundingBox(origin models.Coord, radiusKm float64) Box {
	padded := searchRadiusKm(radiusKm)
	latDelta := padded / kmPerDegree
	lngDelta := 180.0
	if cos := math.Cos(toRad(origin.Lat)); cos > 1e-6 {
		lngDelta = math.Min(180, padded/(kmPerDegree*cos))
	}
	// near the poles every longitude is close
	if math.Abs(origin.Lat)+latDelta >= 90 {
		lngDelta = 180
	}
	return Box{Center: origin, LatDelta: latDelta, LngDelta: lngDelta}
}

func (b Box) Contains(c models.Coord) bool {
	if math.Abs(c.Lat-b.Center.Lat) > b.LatDelta {
		return false
	}
	dLng := math.Abs(c.Lng - b.Center.Lng)
	if dLng > 180 {
		dLng = 360 - dLng
	}
	return dLng <= b.LngDelta
}

// MemoryIndex keeps donor locations in memory. Its query is a bounding-box
// scan; the box is an approximation of the radius.
type MemoryIndex struct {
	mu     sync.RWMutex
	donors map[string]models.DonorLocation
	cap    int
}

func NewMemoryIndex(candidateCap int) *MemoryIndex {
	if candidateCap <= 0 {
		candidateCap = DefaultCandidateCap
	}
	return &MemoryIndex{donors: make(map[string]models.DonorLocation), cap: candidateCap}
}

func (g *MemoryIndex) Upsert(d models.DonorLocation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.donors[d.DonorID] = d
}

func (g *MemoryIndex) Remove(donorID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.donors, donorID)
}

func (g *MemoryIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.donors)
}

func (g *MemoryIndex) Query(ctx context.Context, origin models.Coord, maxKm float64, f models.Filters) ([]models.DonorLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrIndexUnavailable, err)
	}
	box := BoundingBox(origin, maxKm)

	g.mu.RLock()
	type pair struct {
		d    models.DonorLocation
		dist float64
	}
	arr := make([]pair, 0)
	for _, d := range g.donors {
		if !f.Match(d.BloodType, d.Availability) || !box.Contains(d.Coords) {
			continue
		}
		arr = append(arr, pair{d, planarDistance(origin, d.Coords)})
	}
	g.mu.RUnlock()

	// closest-first by the cheap metric so the cap keeps the likely winners
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.DonorID < arr[j].d.DonorID
	})
	n := len(arr)
	if n > g.cap {
		n = g.cap
	}
	out := make([]models.DonorLocation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

// planarDistance is an equirectangular approximation in degrees.
func planarDistance(a, b models.Coord) float64 {
	dLng := b.Lng - a.Lng
	if dLng > 180 {
		dLng -= 360
	} else if dLng < -180 {
		dLng += 360
	}
	x := dLng * math.Cos(toRad((a.Lat+b.Lat)/2))
	y := b.Lat - a.Lat
	return x*x + y*y
}
