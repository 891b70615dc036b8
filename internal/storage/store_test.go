package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/donor-matching/internal/models"
)

var kolkata = models.Coord{Lat: 22.5726, Lng: 88.3639}

func day(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

func seed(m *MemoryStore) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.PutDonor(models.Donor{ID: "old", BloodType: models.APos, Availability: models.Available, LastDonationDate: day("2023-02-01"), CreatedAt: base, Location: models.NewGeoPoint(kolkata)})
	m.PutDonor(models.Donor{ID: "recent", BloodType: models.APos, Availability: models.Available, LastDonationDate: day("2024-05-01"), CreatedAt: base})
	m.PutDonor(models.Donor{ID: "never-new", BloodType: models.APos, Availability: models.Available, CreatedAt: base.Add(time.Hour)})
	m.PutDonor(models.Donor{ID: "never-old", BloodType: models.APos, Availability: models.Available, CreatedAt: base, Location: models.NewGeoPoint(kolkata)})
	m.PutDonor(models.Donor{ID: "busy", BloodType: models.APos, Availability: models.Unavailable, LastDonationDate: day("2024-06-01")})
	m.PutDonor(models.Donor{ID: "o-type", BloodType: models.OPos, Availability: models.Available, LastDonationDate: day("2024-06-01")})
}

func TestTopAvailableOrdersByRecency(t *testing.T) {
	m := NewMemoryStore()
	seed(m)
	bt, av := models.APos, models.Available

	got, err := m.TopAvailable(context.Background(), models.Filters{BloodType: &bt, Availability: &av}, 10)
	require.NoError(t, err)
	var ids []string
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"recent", "old", "never-new", "never-old"}, ids)

	got, err = m.TopAvailable(context.Background(), models.Filters{BloodType: &bt, Availability: &av}, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestLocatedDonorsSkipsMissingLocation(t *testing.T) {
	m := NewMemoryStore()
	seed(m)

	got, err := m.LocatedDonors(context.Background(), models.Filters{}, 0)
	require.NoError(t, err)
	var ids []string
	for _, d := range got {
		ids = append(ids, d.DonorID)
		assert.Equal(t, kolkata, d.Coords)
	}
	assert.Equal(t, []string{"old", "never-old"}, ids)
}

func TestGetAndUpsertLocation(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_, err := m.Get(ctx, "d1")
	assert.True(t, errors.Is(err, ErrNotFound))

	ev := models.LocationEvent{DonorID: "d1", Coords: kolkata, BloodType: models.BNeg, Availability: models.EmergencyOnly}
	require.NoError(t, m.UpsertLocation(ctx, ev))

	d, err := m.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.BNeg, d.BloodType)
	assert.Equal(t, models.EmergencyOnly, d.Availability)
	c, ok := d.Location.Coord()
	require.True(t, ok)
	assert.Equal(t, kolkata, c)
	assert.False(t, d.CreatedAt.IsZero())
}

func TestOpenRequestsNearby(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	near := models.Coord{Lat: kolkata.Lat + 0.05, Lng: kolkata.Lng}
	far := models.Coord{Lat: kolkata.Lat + 1, Lng: kolkata.Lng}

	reqs := []models.BloodRequest{
		{ID: "r1", BloodType: models.OPos, Status: models.RequestOpen, Location: models.NewGeoPoint(near)},
		{ID: "r2", BloodType: models.OPos, Status: models.RequestOpen, Location: models.NewGeoPoint(kolkata)},
		{ID: "r3", BloodType: models.OPos, Status: models.RequestFulfilled, Location: models.NewGeoPoint(kolkata)},
		{ID: "r4", BloodType: models.OPos, Status: models.RequestOpen, Location: models.NewGeoPoint(far)},
		{ID: "r5", BloodType: models.ANeg, Status: models.RequestOpen, Location: models.NewGeoPoint(kolkata)},
		{ID: "r6", BloodType: models.OPos, Status: models.RequestOpen},
	}
	for i := range reqs {
		require.NoError(t, m.CreateRequest(ctx, &reqs[i]))
	}

	n, err := m.CountOpenNearby(ctx, models.OPos, kolkata, 25)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bt := models.OPos
	list, err := m.ListOpenNearby(ctx, kolkata, 25, &bt, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID)
	assert.Equal(t, "r1", list[1].ID)

	all, err := m.ListOpenNearby(ctx, kolkata, 25, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNopAudit(t *testing.T) {
	var a AuditStore = NopAudit{}
	assert.NoError(t, a.RecordSearch(context.Background(), SearchAudit{RequestID: "x"}))
}

type slowAudit struct {
	mu      sync.Mutex
	release chan struct{}
	rows    []SearchAudit
}

func (s *slowAudit) RecordSearch(ctx context.Context, a SearchAudit) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, a)
	return nil
}

func TestAsyncAuditDoesNotBlockCaller(t *testing.T) {
	slow := &slowAudit{release: make(chan struct{})}
	a := NewAsyncAudit(slow, 4, nil)

	start := time.Now()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, a.RecordSearch(context.Background(), SearchAudit{RequestID: id}))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(slow.release)
	require.NoError(t, a.Close())
	slow.mu.Lock()
	defer slow.mu.Unlock()
	require.Len(t, slow.rows, 3)
	assert.Equal(t, "r1", slow.rows[0].RequestID)
	assert.Equal(t, "r3", slow.rows[2].RequestID)
}

func TestAsyncAuditDropsWhenFull(t *testing.T) {
	slow := &slowAudit{release: make(chan struct{})}
	a := NewAsyncAudit(slow, 1, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.RecordSearch(context.Background(), SearchAudit{RequestID: "r"}))
	}
	close(slow.release)
	require.NoError(t, a.Close())
	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.LessOrEqual(t, len(slow.rows), 2, "one row in flight plus one queued")
	assert.NotEmpty(t, slow.rows)
}
