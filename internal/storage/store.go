package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/donor-matching/internal/geo"
	"github.com/example/donor-matching/internal/models"
)

var ErrNotFound = errors.New("not found")

// centerSphereRadiusKm is the earth radius used when converting a radius to
// radians for $centerSphere request counts.
const centerSphereRadiusKm = 6378.1

// DonorStore defines the donor reads the matcher needs plus location writes.
type DonorStore interface {
	// TopAvailable lists donors matching f, most recent donation first.
	TopAvailable(ctx context.Context, f models.Filters, limit int) ([]models.Donor, error)
	// LocatedDonors is TopAvailable restricted to donors with a usable location.
	LocatedDonors(ctx context.Context, f models.Filters, limit int) ([]models.DonorLocation, error)
	Get(ctx context.Context, id string) (*models.Donor, error)
	UpsertLocation(ctx context.Context, ev models.LocationEvent) error
}

// RequestStore defines persistence operations for blood requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.BloodRequest) error
	ListOpenNearby(ctx context.Context, origin models.Coord, radiusKm float64, bt *models.BloodType, limit int) ([]models.BloodRequest, error)
	CountOpenNearby(ctx context.Context, bt models.BloodType, origin models.Coord, radiusKm float64) (int, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	donors   map[string]models.Donor
	requests map[string]models.BloodRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{donors: make(map[string]models.Donor), requests: make(map[string]models.BloodRequest)}
}

func (m *MemoryStore) PutDonor(d models.Donor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donors[d.ID] = d
}

func (m *MemoryStore) TopAvailable(ctx context.Context, f models.Filters, limit int) ([]models.Donor, error) {
	m.mu.RLock()
	out := make([]models.Donor, 0, len(m.donors))
	for _, d := range m.donors {
		if f.Match(d.BloodType, d.Availability) {
			out = append(out, d)
		}
	}
	m.mu.RUnlock()
	sortByRecency(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LocatedDonors(ctx context.Context, f models.Filters, limit int) ([]models.DonorLocation, error) {
	all, err := m.TopAvailable(ctx, f, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.DonorLocation, 0, len(all))
	for _, d := range all {
		if loc, ok := d.Searchable(); ok {
			out = append(out, loc)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) UpsertLocation(ctx context.Context, ev models.LocationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	d, ok := m.donors[ev.DonorID]
	if !ok {
		d = models.Donor{ID: ev.DonorID, CreatedAt: now}
	}
	d.Location = models.NewGeoPoint(ev.Coords)
	d.BloodType = ev.BloodType
	d.Availability = ev.Availability
	d.UpdatedAt = now
	m.donors[d.ID] = d
	return nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.BloodRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) ListOpenNearby(ctx context.Context, origin models.Coord, radiusKm float64, bt *models.BloodType, limit int) ([]models.BloodRequest, error) {
	type pair struct {
		r    models.BloodRequest
		dist float64
	}
	m.mu.RLock()
	arr := make([]pair, 0)
	for _, r := range m.requests {
		if r.Status != models.RequestOpen || (bt != nil && r.BloodType != *bt) {
			continue
		}
		c, ok := r.Location.Coord()
		if !ok {
			continue
		}
		if d := geo.Haversine(origin, c); d <= radiusKm {
			arr = append(arr, pair{r, d})
		}
	}
	m.mu.RUnlock()
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].r.ID < arr[j].r.ID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.BloodRequest, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.r)
	}
	return out, nil
}

func (m *MemoryStore) CountOpenNearby(ctx context.Context, bt models.BloodType, origin models.Coord, radiusKm float64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Status != models.RequestOpen || r.BloodType != bt {
			continue
		}
		c, ok := r.Location.Coord()
		if !ok {
			continue
		}
		// same sphere as $centerSphere
		if geo.Haversine(origin, c)/geo.EarthRadiusKm*centerSphereRadiusKm <= radiusKm {
			n++
		}
	}
	return n, nil
}

// sortByRecency orders by last donation (newest first, never-donated last),
// then creation time, then id.
func sortByRecency(ds []models.Donor) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i].LastDonationDate, ds[j].LastDonationDate
		switch {
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		}
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.After(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}
