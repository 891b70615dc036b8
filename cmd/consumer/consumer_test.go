package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/storage"
)

// fakeSink fails the first fail calls, then succeeds.
type fakeSink struct {
	fail  int
	calls int
	last  models.LocationEvent
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Apply(ctx context.Context, ev models.LocationEvent) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("apply fail")
	}
	f.last = ev
	return nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func event(id string) models.LocationEvent {
	return models.LocationEvent{DonorID: id, Coords: models.Coord{Lat: 22.57, Lng: 88.36}, BloodType: models.APos, Availability: models.Available}
}

func TestApplyWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeSink{fail: 2}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, event("d1"), 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeSink{fail: 5}
	assert.Error(t, applyWithRetry(context.Background(), f, event("d1"), 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestApplyWithRetryStopsOnCancel(t *testing.T) {
	f := &fakeSink{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyWithRetry(ctx, f, event("d1"), 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func TestHandleMessageAppliesToEverySink(t *testing.T) {
	store := storage.NewMemoryStore()
	fake := &fakeSink{}
	b, err := json.Marshal(event("d7"))
	require.NoError(t, err)

	handleMessage(context.Background(), kafka.Message{Key: []byte("d7"), Value: b}, []LocationSink{storeSink{store: store}, fake}, discard)

	d, err := store.Get(context.Background(), "d7")
	require.NoError(t, err)
	assert.Equal(t, models.APos, d.BloodType)
	assert.Equal(t, "d7", fake.last.DonorID)
}

func TestHandleMessageSkipsInvalid(t *testing.T) {
	fake := &fakeSink{}
	handleMessage(context.Background(), kafka.Message{Value: []byte("not json")}, []LocationSink{fake}, discard)
	assert.Equal(t, 0, fake.calls)
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b1, _ := json.Marshal(event("a"))
	b2, _ := json.Marshal(event("b"))
	fake := &fakeSink{}

	consume(ctx, &scriptedReader{msgs: []kafka.Message{{Value: b1}, {Value: b2}}, cancel: cancel}, []LocationSink{fake}, discard)
	assert.Equal(t, 2, fake.calls)
	assert.Equal(t, "b", fake.last.DonorID)
}

func TestHandleMessageStoresCanonicalBloodType(t *testing.T) {
	store := storage.NewMemoryStore()
	msg := kafka.Message{Value: []byte(`{"donor_id":"d3","coords":{"lat":22.57,"lng":88.36},"blood_type":"o+"}`)}

	handleMessage(context.Background(), msg, []LocationSink{storeSink{store: store}}, discard)

	d, err := store.Get(context.Background(), "d3")
	require.NoError(t, err)
	assert.Equal(t, models.OPos, d.BloodType)
	assert.Equal(t, models.Available, d.Availability)
}
