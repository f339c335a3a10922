package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/repository"
	"ridewatch-console/internal/state"
	"ridewatch-console/internal/timeutil"
)

var epoch = time.Date(2025, 7, 25, 17, 0, 0, 0, time.UTC)

type fakeJournalStore struct {
	mu         sync.Mutex
	gate       chan struct{}
	points     []repository.GPSPoint
	violations []repository.Violation
	prefs      map[string][]byte
	loadErr    error
}

func newFakeJournalStore() *fakeJournalStore {
	return &fakeJournalStore{prefs: make(map[string][]byte)}
}

func (f *fakeJournalStore) wait() {
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeJournalStore) InsertGPSPoint(_ context.Context, row *repository.GPSPoint) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, *row)
	return nil
}

func (f *fakeJournalStore) InsertViolation(_ context.Context, row *repository.Violation) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, *row)
	return nil
}

func (f *fakeJournalStore) SavePreference(_ context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs[key] = b
	return nil
}

func (f *fakeJournalStore) LoadPreference(_ context.Context, key string, out any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return false, f.loadErr
	}
	b, ok := f.prefs[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (f *fakeJournalStore) ListTrack(_ context.Context, rideID int64) ([]repository.GPSPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.GPSPoint
	for _, p := range f.points {
		if p.RideID == rideID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeJournalStore) ListViolations(_ context.Context, rideID int64, limit int) ([]repository.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.Violation
	for _, v := range f.violations {
		if v.RideID == rideID {
			out = append(out, v)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestStore() *state.Store {
	return state.NewStore(timeutil.NewMockClock(epoch), ride.DefaultParams(), zerolog.Nop())
}

func point(lat, lng, speed float64) ride.GPSPoint {
	return ride.GPSPoint{Latitude: lat, Longitude: lng, Speed: speed, ObservedAt: epoch}
}

func TestJournal_RecordsNewTrackPointsAndViolations(t *testing.T) {
	repo := newFakeJournalStore()
	store := newTestStore()
	j := NewJournal(repo, 16, zerolog.Nop())
	j.Attach(store)

	store.SetRide(ride.Context{RideID: 7, BikerID: 3})
	store.SetActive(ride.CameraFront, true)
	store.ApplyGPS(ride.CameraFront, point(28.6139, 77.2090, 95))
	store.ApplyGPS(ride.CameraFront, point(28.61391, 77.20901, 96))
	store.ApplyGPS(ride.CameraFront, point(28.6200, 77.2100, 40))
	store.ApplyLane(ride.CameraFront, ride.LaneData{VehicleStatus: "moving"})
	v, ok := store.AddViolation(ride.Violation{
		Type:        ride.ViolationSpeed,
		Camera:      ride.CameraFront,
		Description: "Speed 95km/h exceeds limit 90km/h",
	})
	require.True(t, ok)

	j.Close()

	require.Len(t, repo.points, 2)
	assert.Equal(t, int64(7), repo.points[0].RideID)
	require.NotNil(t, repo.points[0].BikerID)
	assert.Equal(t, int64(3), *repo.points[0].BikerID)
	assert.True(t, repo.points[0].OverLimit)
	assert.False(t, repo.points[1].OverLimit)
	assert.Equal(t, "front", repo.points[0].CameraType)

	require.Len(t, repo.violations, 1)
	assert.Equal(t, v.ID, repo.violations[0].ID.String())
	assert.Equal(t, "speed_violation", repo.violations[0].ViolationType)
	assert.Equal(t, int64(0), j.Dropped())
}

func TestJournal_StoresParams(t *testing.T) {
	repo := newFakeJournalStore()
	store := newTestStore()
	j := NewJournal(repo, 4, zerolog.Nop())
	j.Attach(store)

	p := ride.DefaultParams()
	p.SpeedLimit = 60
	require.NoError(t, store.SetParams(p))
	j.Close()

	restored := newTestStore()
	j2 := NewJournal(repo, 4, zerolog.Nop())
	defer j2.Close()
	require.NoError(t, j2.RestoreParams(context.Background(), restored))
	assert.Equal(t, 60.0, restored.Params().SpeedLimit)
}

func TestJournal_RestoreParamsIgnoresMissingAndInvalid(t *testing.T) {
	repo := newFakeJournalStore()
	j := NewJournal(repo, 4, zerolog.Nop())
	defer j.Close()

	store := newTestStore()
	require.NoError(t, j.RestoreParams(context.Background(), store))
	assert.Equal(t, ride.DefaultParams(), store.Params())

	repo.prefs[paramsPreferenceKey] = []byte(`{"detect_mode":"sideways","lane_confidence":0.3,"smoothing":0.3,"speed_limit":90}`)
	require.NoError(t, j.RestoreParams(context.Background(), store))
	assert.Equal(t, ride.DefaultParams(), store.Params())

	repo.loadErr = errors.New("connection refused")
	assert.Error(t, j.RestoreParams(context.Background(), store))
}

func TestJournal_DropsWhenQueueIsFull(t *testing.T) {
	repo := newFakeJournalStore()
	repo.gate = make(chan struct{})
	store := newTestStore()
	j := NewJournal(repo, 1, zerolog.Nop())
	j.Attach(store)

	store.SetActive(ride.CameraFront, true)
	for i := 0; i < 5; i++ {
		store.ApplyGPS(ride.CameraFront, point(28.6+float64(i)*0.01, 77.2, 50))
	}

	// One entry can be held by the blocked worker and one by the queue.
	assert.GreaterOrEqual(t, j.Dropped(), int64(3))

	close(repo.gate)
	j.Close()
	assert.Equal(t, int64(5), int64(len(repo.points))+j.Dropped())
}

func TestJournal_CloseStopsRecording(t *testing.T) {
	repo := newFakeJournalStore()
	store := newTestStore()
	j := NewJournal(repo, 4, zerolog.Nop())
	j.Attach(store)
	j.Close()
	j.Close()

	store.SetActive(ride.CameraFront, true)
	store.ApplyGPS(ride.CameraFront, point(28.6, 77.2, 50))
	assert.Empty(t, repo.points)
}
