package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/router"
	"ridewatch-console/internal/state"
	"ridewatch-console/internal/stream"
	"ridewatch-console/internal/timeutil"
)

var epoch = time.Date(2025, 7, 25, 17, 0, 0, 0, time.UTC)

// fakeConnector records connects and lets the test play the transport.
type fakeConnector struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	handlers    map[ride.CameraType]stream.Handlers
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{handlers: make(map[ride.CameraType]stream.Handlers)}
}

func (f *fakeConnector) Connect(camera ride.CameraType, h stream.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.handlers[camera] = h
}

func (f *fakeConnector) Disconnect(camera ride.CameraType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	delete(f.handlers, camera)
}

func (f *fakeConnector) get(camera ride.CameraType) stream.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[camera]
}

func (f *fakeConnector) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *fakeConnector) status(camera ride.CameraType, state stream.ConnState, attempt int) {
	f.get(camera).OnStatus(stream.StatusEvent{Camera: camera, State: state, Attempt: attempt, RetryIn: 2 * time.Second})
}

func (f *fakeConnector) frame(camera ride.CameraType, data []byte) {
	f.get(camera).OnBinary(camera, data)
}

func (f *fakeConnector) text(t *testing.T, camera ride.CameraType, raw string) {
	t.Helper()
	env, err := stream.ParseEnvelope([]byte(raw))
	require.NoError(t, err)
	f.get(camera).OnMessage(camera, env)
}

type fixture struct {
	clock  *timeutil.MockClock
	store  *state.Store
	router *router.Router
	conns  *fakeConnector
	front  *Session
	back   *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	fx := &fixture{
		clock:  clock,
		store:  state.NewStore(clock, ride.DefaultParams(), zerolog.Nop()),
		router: router.NewRouter(clock, zerolog.Nop()),
		conns:  newFakeConnector(),
	}
	fx.front = New(ride.CameraFront, fx.conns, fx.router, fx.store, clock, DefaultOptions(), zerolog.Nop())
	fx.back = New(ride.CameraBack, fx.conns, fx.router, fx.store, clock, DefaultOptions(), zerolog.Nop())
	t.Cleanup(func() {
		fx.front.Close()
		fx.back.Close()
	})
	return fx
}

// open activates camera and completes its connection.
func (fx *fixture) open(camera ride.CameraType) {
	fx.store.SetActive(camera, true)
	fx.conns.status(camera, stream.StateOpen, 0)
}

func TestSession_ActivationDrivesConnection(t *testing.T) {
	fx := newFixture(t)
	assert.Equal(t, ride.StreamInactive, fx.front.State())

	fx.store.SetActive(ride.CameraFront, true)
	assert.Equal(t, ride.StreamConnecting, fx.front.State())
	assert.Equal(t, ride.StreamConnecting, fx.store.CameraStatus(ride.CameraFront).State)
	assert.Equal(t, ride.StreamInactive, fx.back.State())

	fx.conns.status(ride.CameraFront, stream.StateOpen, 0)
	assert.Equal(t, ride.StreamWaitingForFrames, fx.front.State())

	fx.store.SetActive(ride.CameraFront, false)
	assert.Equal(t, ride.StreamInactive, fx.front.State())
	connects, disconnects := fx.conns.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, ride.StreamInactive, fx.store.CameraStatus(ride.CameraFront).State)
}

func TestSession_StallsBetweenFiveAndSixSecondsAfterLastFrame(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)

	for i := 0; i < 3; i++ {
		if i > 0 {
			fx.clock.Advance(time.Second)
		}
		fx.conns.frame(ride.CameraFront, []byte{0xff, 0xd8, byte(i)})
		assert.Equal(t, ride.StreamStreaming, fx.front.State())
	}
	assert.Equal(t, 3, fx.front.Status().FrameCount)

	fx.clock.Advance(5*time.Second - time.Millisecond)
	assert.Equal(t, ride.StreamStreaming, fx.front.State())

	fx.clock.Advance(time.Millisecond)
	assert.Equal(t, ride.StreamStalled, fx.front.State())
	assert.Equal(t, NoticeStalled, fx.store.CameraStatus(ride.CameraFront).Notice)

	fx.clock.Advance(time.Second)
	assert.Equal(t, ride.StreamStalled, fx.front.State())

	data, _, ok := fx.front.Latest()
	require.True(t, ok, "stalling keeps the last frame on screen")
	assert.Equal(t, []byte{0xff, 0xd8, 2}, data)

	fx.conns.frame(ride.CameraFront, []byte{0xff, 0xd8, 3})
	assert.Equal(t, ride.StreamStreaming, fx.front.State(), "frames resuming recover the stream")
}

func TestSession_SingleFrameRetention(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)

	for i := 0; i < 10; i++ {
		fx.conns.frame(ride.CameraFront, []byte{byte(i)})
		assert.EqualValues(t, 1, fx.front.RetainedFrames())
	}
	data, at, ok := fx.front.Latest()
	require.True(t, ok)
	assert.Equal(t, []byte{9}, data)
	assert.Equal(t, epoch, at)

	data[0] = 42
	again, _, _ := fx.front.Latest()
	assert.Equal(t, []byte{9}, again, "Latest hands out a copy")

	fx.store.SetActive(ride.CameraFront, false)
	assert.EqualValues(t, 0, fx.front.RetainedFrames())
	_, _, ok = fx.front.Latest()
	assert.False(t, ok)
	assert.Empty(t, fx.clock.Pending(), "staleness timer cancelled")
}

func TestSession_LateFramesAfterStopAreDropped(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)
	fx.conns.frame(ride.CameraFront, []byte{1})
	late := fx.conns.get(ride.CameraFront)

	fx.store.SetActive(ride.CameraFront, false)

	var mu sync.Mutex
	var changes int
	sub := fx.store.Subscribe(func(c state.Change) {
		mu.Lock()
		defer mu.Unlock()
		changes++
	})
	defer sub.Unsubscribe()

	// the backend keeps pushing briefly after a stop command
	late.OnBinary(ride.CameraFront, []byte{2})
	late.OnMessage(ride.CameraFront, stream.Envelope{
		Type: "gps_update",
		Data: json.RawMessage(`{"latitude":25.1,"longitude":55.2,"speed":50}`),
	})

	mu.Lock()
	assert.Zero(t, changes)
	mu.Unlock()
	assert.Equal(t, ride.StreamInactive, fx.front.State())
	assert.Equal(t, 0, fx.store.CameraStatus(ride.CameraFront).FrameCount)
	_, _, ok := fx.front.Latest()
	assert.False(t, ok)
	assert.EqualValues(t, 0, fx.front.RetainedFrames())
}

// TestSession_AcceptFrameChecksActivation covers a frame that races the
// deactivation: the flag is already false but the session has not been torn
// down yet.
func TestSession_AcceptFrameChecksActivation(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)
	fx.conns.frame(ride.CameraFront, []byte{1})

	fx.front.mu.Lock()
	fx.front.storeSub.Unsubscribe()
	fx.front.mu.Unlock()
	fx.store.SetActive(ride.CameraFront, false)
	require.Equal(t, ride.StreamStreaming, fx.front.State(), "session not told yet")

	fx.conns.frame(ride.CameraFront, []byte{2})

	data, _, ok := fx.front.Latest()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, data, "retained frame unchanged")
	st := fx.front.Status()
	assert.Equal(t, ride.StreamStreaming, st.State)
	assert.Equal(t, 1, st.FrameCount)
	assert.Equal(t, NoticeInactive, st.Notice)
}

func TestSession_InactiveGPSAndLaneReportNotice(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)

	fx.front.mu.Lock()
	fx.front.storeSub.Unsubscribe()
	fx.front.mu.Unlock()
	fx.store.SetActive(ride.CameraFront, false)

	fx.conns.text(t, ride.CameraFront, `{"type":"gps_update","data":{"latitude":25.1,"longitude":55.2,"speed":50}}`)
	assert.Equal(t, NoticeInactive, fx.front.Status().Notice)
	assert.Empty(t, fx.store.Snapshot().Track)

	fx.front.setNotice("")
	fx.conns.text(t, ride.CameraFront, `{"type":"lane_update","data":{"vehicle_status":"moving"}}`)
	assert.Equal(t, NoticeInactive, fx.front.Status().Notice)
	assert.Empty(t, fx.store.Snapshot().Lane)
}

func TestSession_FailureAndManualRetry(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraBack)

	fx.conns.status(ride.CameraBack, stream.StateReconnecting, 1)
	st := fx.back.Status()
	assert.Equal(t, ride.StreamConnecting, st.State)
	assert.Equal(t, 1, st.Attempt)

	fx.conns.status(ride.CameraBack, stream.StateFailed, 5)
	st = fx.store.CameraStatus(ride.CameraBack)
	assert.Equal(t, ride.StreamError, st.State)
	assert.Contains(t, st.Notice, "5 reconnection attempts")

	require.NoError(t, fx.back.Retry())
	assert.Equal(t, ride.StreamConnecting, fx.back.State())
	connects, disconnects := fx.conns.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)

	fx.conns.status(ride.CameraBack, stream.StateOpen, 0)
	assert.Equal(t, ride.StreamWaitingForFrames, fx.back.State())
}

func TestSession_RetryRequiresActiveCamera(t *testing.T) {
	fx := newFixture(t)
	assert.ErrorIs(t, fx.front.Retry(), ErrInactive)
}

func TestSession_BackendErrorMovesToError(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)
	fx.conns.frame(ride.CameraFront, []byte{1})

	fx.conns.text(t, ride.CameraFront, `{"type":"error","data":{"message":"decoder crashed"}}`)
	st := fx.front.Status()
	assert.Equal(t, ride.StreamError, st.State)
	assert.Equal(t, "decoder crashed", st.Notice)
	assert.Empty(t, fx.clock.Pending())

	fx.conns.frame(ride.CameraFront, []byte{2})
	assert.Equal(t, ride.StreamError, fx.front.State(), "only a retry leaves the error state")
}

func TestSession_CleanServerCloseIsReported(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)
	fx.conns.status(ride.CameraFront, stream.StateClosed, 0)
	assert.Equal(t, ride.StreamError, fx.front.State())
	require.NoError(t, fx.front.Retry())
}

func TestSession_RoutesDataPerCamera(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)
	fx.open(ride.CameraBack)

	fx.conns.text(t, ride.CameraBack, `{"type":"gps_update","data":{"latitude":25.1,"longitude":55.2,"speed":50}}`)
	fx.conns.text(t, ride.CameraBack, `{"type":"violation_alert","data":{"violation_type":"speed_violation","description":"92km/h"}}`)
	fx.conns.text(t, ride.CameraFront, `{"type":"lane_update","data":{"vehicle_status":"moving"}}`)
	fx.conns.text(t, ride.CameraFront, `{"type":"system_status","data":{"error_message":"low light"}}`)
	fx.conns.text(t, ride.CameraFront, `{"type":"processing_started"}`)

	snap := fx.store.Snapshot()
	assert.Contains(t, snap.GPS, ride.CameraBack)
	assert.NotContains(t, snap.GPS, ride.CameraFront)
	assert.Equal(t, "moving", snap.Lane[ride.CameraFront].VehicleStatus)
	assert.NotContains(t, snap.Lane, ride.CameraBack)

	require.Len(t, snap.Violations, 1, "each violation is recorded once, by its own camera")
	assert.Equal(t, ride.CameraBack, snap.Violations[0].Camera)
	assert.Equal(t, ride.ViolationSpeed, snap.Violations[0].Type)
	assert.Equal(t, "92km/h", snap.Violations[0].Description)

	assert.Equal(t, "low light", snap.SystemStatus[ride.CameraFront].ErrorMessage)
	assert.Equal(t, "processing started", snap.Cameras[ride.CameraFront].Notice)
}

func TestSession_ResetDropsFrameState(t *testing.T) {
	fx := newFixture(t)
	fx.open(ride.CameraFront)
	fx.conns.frame(ride.CameraFront, []byte{1})

	fx.front.Reset()

	st := fx.front.Status()
	assert.Equal(t, ride.StreamWaitingForFrames, st.State)
	assert.Equal(t, 0, st.FrameCount)
	assert.Nil(t, st.LastFrameAt)
	assert.EqualValues(t, 0, fx.front.RetainedFrames())
	assert.Empty(t, fx.clock.Pending())
}

func TestSession_NoListenersLeakAcrossTeardown(t *testing.T) {
	fx := newFixture(t)
	assert.Equal(t, 0, fx.router.HandlerCount())

	for i := 0; i < 3; i++ {
		fx.open(ride.CameraFront)
		fx.open(ride.CameraBack)
		assert.Equal(t, 12, fx.router.HandlerCount())
		fx.store.SetActive(ride.CameraFront, false)
		assert.Equal(t, 6, fx.router.HandlerCount())
		fx.store.SetActive(ride.CameraBack, false)
		assert.Equal(t, 0, fx.router.HandlerCount())
	}

	fx.open(ride.CameraFront)
	fx.front.Close()
	assert.Equal(t, 0, fx.router.HandlerCount())
	assert.Equal(t, ride.StreamInactive, fx.front.State())

	fx.store.SetActive(ride.CameraFront, false)
	fx.store.SetActive(ride.CameraFront, true)
	assert.Equal(t, ride.StreamInactive, fx.front.State(), "closed sessions ignore activation")
}
