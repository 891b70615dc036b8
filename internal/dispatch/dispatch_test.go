package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/donor-matching/internal/matcher"
	"github.com/example/donor-matching/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	writes []interface{}
	err    error
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.writes = append(c.writes, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeSearcher struct {
	res matcher.SearchResult
	err error
	got models.SearchQuery
}

func (f *fakeSearcher) Search(ctx context.Context, q models.SearchQuery) (matcher.SearchResult, error) {
	f.got = q
	return f.res, f.err
}

type recordingNotifier struct{ donors []string }

func (n *recordingNotifier) Notify(ctx context.Context, donorID string, alert models.RequestAlert) error {
	n.donors = append(n.donors, donorID)
	return nil
}

func dist(v float64) *float64 { return &v }

func TestSessionRegistryReplaceAndRemove(t *testing.T) {
	r := NewSessionRegistry(nil)
	first, second := &fakeConn{}, &fakeConn{}

	r.Add("d1", first)
	r.Add("d1", second)
	assert.True(t, first.closed)
	assert.Equal(t, 1, r.Len())

	r.Remove("d1", first)
	assert.Equal(t, 1, r.Len(), "stale conn must not remove the live session")

	require.NoError(t, r.Send("d1", models.RequestAlert{RequestID: "r1"}))
	assert.Len(t, second.writes, 1)

	r.Remove("d1", second)
	assert.ErrorIs(t, r.Send("d1", models.RequestAlert{}), ErrNoSession)
}

func TestSessionRegistryDropsBrokenSession(t *testing.T) {
	r := NewSessionRegistry(nil)
	c := &fakeConn{err: errors.New("broken pipe")}
	r.Add("d1", c)

	assert.Error(t, r.Send("d1", models.RequestAlert{}))
	assert.Equal(t, 0, r.Len())
	assert.True(t, c.closed)
}

func TestAlertNearbyDonors(t *testing.T) {
	hospital := models.Coord{Lat: 22.5726, Lng: 88.3639}
	searcher := &fakeSearcher{res: matcher.SearchResult{Results: []models.MatchResult{
		{DonorID: "online", Availability: models.Available, DistanceKm: dist(1.2)},
		{DonorID: "offline", Availability: models.Available, DistanceKm: dist(2.5)},
	}}}
	reg := NewSessionRegistry(nil)
	conn := &fakeConn{}
	reg.Add("online", conn)
	fallback := &recordingNotifier{}
	a := &Alerter{Matcher: searcher, Sessions: reg, Fallback: fallback}

	req := models.BloodRequest{ID: "req-1", BloodType: models.ONeg, Urgency: models.UrgencyMedium, Hospital: "SSKM", Location: models.NewGeoPoint(hospital)}
	sent := a.AlertNearbyDonors(context.Background(), req)

	assert.Equal(t, 2, sent)
	require.Len(t, conn.writes, 1)
	alert := conn.writes[0].(models.RequestAlert)
	assert.Equal(t, "req-1", alert.RequestID)
	assert.Equal(t, 1.2, alert.DistanceKm)
	assert.Equal(t, []string{"offline"}, fallback.donors)

	assert.Equal(t, hospital, searcher.got.Origin)
	assert.Equal(t, DefaultAlertRadiusKm, searcher.got.RadiusKm)
	assert.Equal(t, models.ONeg, *searcher.got.Filters.BloodType)
	require.NotNil(t, searcher.got.Filters.Availability)
	assert.Equal(t, models.Available, *searcher.got.Filters.Availability)
}

func TestAlertNearbyDonorsHighUrgencyIncludesEmergencyOnly(t *testing.T) {
	searcher := &fakeSearcher{res: matcher.SearchResult{Results: []models.MatchResult{
		{DonorID: "e", Availability: models.EmergencyOnly, DistanceKm: dist(1)},
		{DonorID: "u", Availability: models.Unavailable, DistanceKm: dist(1)},
	}}}
	fallback := &recordingNotifier{}
	a := &Alerter{Matcher: searcher, Fallback: fallback, RadiusKm: 5}

	req := models.BloodRequest{ID: "r", BloodType: models.APos, Urgency: models.UrgencyHigh, Location: models.NewGeoPoint(models.Coord{Lat: 1, Lng: 1})}
	assert.Equal(t, 1, a.AlertNearbyDonors(context.Background(), req))
	assert.Nil(t, searcher.got.Filters.Availability)
	assert.Equal(t, []string{"e"}, fallback.donors)
}

func TestAlertNearbyDonorsWithoutLocation(t *testing.T) {
	searcher := &fakeSearcher{}
	a := &Alerter{Matcher: searcher}
	assert.Equal(t, 0, a.AlertNearbyDonors(context.Background(), models.BloodRequest{ID: "r"}))
	assert.Zero(t, searcher.got.RadiusKm)
}

func TestServeRegistersWebsocketSession(t *testing.T) {
	reg := NewSessionRegistry(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.Serve(w, r, "d1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, reg.Send("d1", models.RequestAlert{RequestID: "r9", BloodType: models.BPos}))

	var got models.RequestAlert
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "r9", got.RequestID)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebhookNotifier(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "d7", models.RequestAlert{RequestID: "r1"}))
	assert.Contains(t, body, `"donor_id":"d7"`)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	assert.Error(t, NewWebhookNotifier(bad.URL).Notify(context.Background(), "d7", models.RequestAlert{}))
}

// blockingNotifier holds every delivery until the context ends.
type blockingNotifier struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (n *blockingNotifier) Notify(ctx context.Context, donorID string, alert models.RequestAlert) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	<-ctx.Done()
	n.mu.Lock()
	n.errs = append(n.errs, ctx.Err())
	n.mu.Unlock()
	return ctx.Err()
}

func TestDispatchIsDetachedAndBounded(t *testing.T) {
	results := make([]models.MatchResult, 20)
	for i := range results {
		results[i] = models.MatchResult{DonorID: string(rune('a' + i)), Availability: models.Available, DistanceKm: dist(1)}
	}
	slow := &blockingNotifier{}
	a := &Alerter{
		Matcher:  &fakeSearcher{res: matcher.SearchResult{Results: results}},
		Fallback: slow,
		Timeout:  30 * time.Millisecond,
	}
	req := models.BloodRequest{ID: "r", BloodType: models.OPos, Location: models.NewGeoPoint(models.Coord{Lat: 1, Lng: 1})}

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	a.Dispatch(ctx, req)
	cancel()
	assert.Less(t, time.Since(start), 20*time.Millisecond, "dispatch must not wait for delivery")

	a.Wait()
	elapsed := time.Since(start)
	assert.Less(t, elapsed, time.Second, "the whole run is bounded by Timeout")

	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.Equal(t, 1, slow.calls, "delivery stops once the deadline passes")
	require.Len(t, slow.errs, 1)
	assert.ErrorIs(t, slow.errs[0], context.DeadlineExceeded, "caller cancellation must not reach the run")
}
