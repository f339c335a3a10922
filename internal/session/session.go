// Package session runs the per-camera stream state machine: it follows the
// camera's activation flag, owns the camera's connection and router
// registrations, retains the latest video frame and reports the camera's
// display status to the app state.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/pubsub"
	"ridewatch-console/internal/router"
	"ridewatch-console/internal/state"
	"ridewatch-console/internal/stream"
	"ridewatch-console/internal/timeutil"
)

var ErrInactive = errors.New("camera is not active")

const (
	NoticeInactive = "camera inactive"
	NoticeStalled  = "no frames received, waiting for stream"
)

// Connector opens and closes per-camera stream connections.
type Connector interface {
	Connect(camera ride.CameraType, h stream.Handlers)
	Disconnect(camera ride.CameraType)
}

type Options struct {
	StaleTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{StaleTimeout: 5 * time.Second}
}

// Session is the stream facade for one camera.
type Session struct {
	camera ride.CameraType
	conns  Connector
	router *router.Router
	store  *state.Store
	clock  timeutil.Clock
	opts   Options
	log    zerolog.Logger
	frames *framePool

	// statusMu serializes status writes to the store so the store always
	// ends up with the session's latest status.
	statusMu sync.Mutex

	mu          sync.Mutex
	state       ride.StreamState
	notice      string
	attempt     int
	frame       *Frame
	frameCount  int
	lastFrameAt time.Time
	staleTimer  timeutil.Timer
	staleGen    uint64
	handlers    []*pubsub.Subscription
	storeSub    *pubsub.Subscription
	closed      bool
}

// New creates the session for camera and starts following the camera's
// activation flag in store.
func New(
	camera ride.CameraType,
	conns Connector,
	rt *router.Router,
	store *state.Store,
	clock timeutil.Clock,
	opts Options,
	log zerolog.Logger,
) *Session {
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultOptions().StaleTimeout
	}
	s := &Session{
		camera: camera,
		conns:  conns,
		router: rt,
		store:  store,
		clock:  clock,
		opts:   opts,
		log:    log.With().Str("component", "camera_session").Str("camera", string(camera)).Logger(),
		frames: newFramePool(),
		state:  ride.StreamInactive,
	}
	sub := store.Subscribe(func(c state.Change) {
		if c.Kind == state.ChangeActivation && c.Camera == camera {
			s.follow()
		}
	})
	s.mu.Lock()
	s.storeSub = sub
	s.mu.Unlock()
	s.follow()
	return s
}

func (s *Session) Camera() ride.CameraType { return s.camera }

// follow brings the session in line with the activation flag.
func (s *Session) follow() {
	if s.store.IsActive(s.camera) {
		s.start()
	} else {
		s.stop()
	}
}

func (s *Session) start() {
	s.mu.Lock()
	if s.closed || s.state != ride.StreamInactive {
		s.mu.Unlock()
		return
	}
	s.state = ride.StreamConnecting
	s.notice = ""
	s.attempt = 0
	s.registerLocked()
	s.mu.Unlock()

	s.log.Info().Msg("starting stream")
	s.publishStatus()
	s.conns.Connect(s.camera, s.streamHandlers())
}

func (s *Session) stop() {
	s.mu.Lock()
	if s.state == ride.StreamInactive {
		s.mu.Unlock()
		return
	}
	s.state = ride.StreamInactive
	s.notice = ""
	s.attempt = 0
	s.frameCount = 0
	s.lastFrameAt = time.Time{}
	s.cancelStaleLocked()
	s.releaseFrameLocked()
	s.unregisterLocked()
	s.mu.Unlock()

	s.conns.Disconnect(s.camera)
	s.log.Info().Msg("stream stopped")
	s.publishStatus()
}

// Retry reconnects a camera whose stream failed or stalled. The reconnect
// budget starts over.
func (s *Session) Retry() error {
	s.mu.Lock()
	if s.closed || s.state == ride.StreamInactive {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInactive, s.camera)
	}
	s.state = ride.StreamConnecting
	s.notice = ""
	s.attempt = 0
	s.cancelStaleLocked()
	s.mu.Unlock()

	s.log.Info().Msg("manual retry")
	s.conns.Disconnect(s.camera)
	s.publishStatus()
	s.conns.Connect(s.camera, s.streamHandlers())
	return nil
}

// Reset drops the retained frame and frame statistics, as when the ride
// changes. The connection is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	s.cancelStaleLocked()
	s.releaseFrameLocked()
	s.frameCount = 0
	s.lastFrameAt = time.Time{}
	if s.state == ride.StreamStreaming || s.state == ride.StreamStalled {
		s.state = ride.StreamWaitingForFrames
		s.notice = ""
	}
	s.mu.Unlock()
	s.publishStatus()
}

// Close stops the session for good: it disconnects the camera, releases the
// retained frame and removes every registration the session holds.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	sub := s.storeSub
	s.storeSub = nil
	s.mu.Unlock()

	sub.Unsubscribe()
	s.stop()
}

func (s *Session) streamHandlers() stream.Handlers {
	return stream.Handlers{
		OnMessage: s.router.Route,
		OnBinary:  s.router.RouteBinary,
		OnStatus:  s.handleStatus,
	}
}

func (s *Session) registerLocked() {
	camera := s.camera
	s.handlers = []*pubsub.Subscription{
		s.router.OnVideoFrame(camera, s.acceptFrame),
		s.router.OnGPSUpdate(camera, func(u router.GPSUpdate) {
			if !s.store.ApplyGPS(camera, u.Point) {
				s.discard("gps update")
			}
		}),
		s.router.OnLaneUpdate(camera, func(u router.LaneUpdate) {
			if !s.store.ApplyLane(camera, u.Lane) {
				s.discard("lane update")
			}
		}),
		s.router.OnViolation(func(v router.ViolationAlert) {
			if v.CameraType != camera {
				return
			}
			s.store.AddViolation(ride.Violation{
				Type:        v.ViolationType,
				RawType:     v.RawType,
				Description: v.Description,
				Camera:      camera,
				DetectedAt:  v.DetectedAt,
				Raw:         v.Raw,
			})
		}),
		s.router.OnSystemStatus(func(st router.SystemStatus) {
			if st.CameraType != camera {
				return
			}
			if s.store.SetSystemStatus(st.Status) && st.Status.ErrorMessage != "" {
				s.setNotice(st.Status.ErrorMessage)
			}
		}),
		s.router.OnMessage(camera, s.handleLifecycle),
	}
}

func (s *Session) unregisterLocked() {
	for _, sub := range s.handlers {
		sub.Unsubscribe()
	}
	s.handlers = nil
}

func (s *Session) handleLifecycle(m router.Message) {
	switch msg := m.(type) {
	case router.ProcessingStarted:
		s.setNotice("processing started")
	case router.ProcessingStopped:
		s.setNotice("processing stopped")
	case router.CameraSwitched:
		s.setNotice("camera switched")
	case router.ErrorMessage:
		s.fail(msg.Message)
	}
}

func (s *Session) handleStatus(ev stream.StatusEvent) {
	s.mu.Lock()
	if s.state == ride.StreamInactive || s.closed {
		s.mu.Unlock()
		return
	}
	switch ev.State {
	case stream.StateConnecting:
		if s.state == ride.StreamError {
			s.mu.Unlock()
			return
		}
		s.state = ride.StreamConnecting
		s.attempt = ev.Attempt
	case stream.StateOpen:
		s.cancelStaleLocked()
		s.state = ride.StreamWaitingForFrames
		s.notice = ""
		s.attempt = 0
	case stream.StateReconnecting:
		s.cancelStaleLocked()
		s.state = ride.StreamConnecting
		s.attempt = ev.Attempt
		s.notice = fmt.Sprintf("connection lost, retrying in %s", ev.RetryIn)
	case stream.StateClosed:
		s.cancelStaleLocked()
		s.state = ride.StreamError
		s.notice = "stream closed by server"
	case stream.StateFailed:
		s.cancelStaleLocked()
		s.state = ride.StreamError
		s.attempt = ev.Attempt
		s.notice = fmt.Sprintf("disconnected after %d reconnection attempts", ev.Attempt)
	}
	st := s.state
	s.mu.Unlock()

	s.log.Debug().Str("conn_state", string(ev.State)).Str("state", string(st)).Msg("connection status changed")
	s.publishStatus()
}

// acceptFrame retains f as the latest frame. Frames for an inactive camera
// are discarded and leave the state untouched.
func (s *Session) acceptFrame(f router.VideoFrame) {
	if !s.store.IsActive(s.camera) {
		s.discardFrame()
		return
	}
	s.mu.Lock()
	switch s.state {
	case ride.StreamInactive:
		s.mu.Unlock()
		s.discardFrame()
		return
	case ride.StreamError:
		s.mu.Unlock()
		s.log.Debug().Msg("frame ignored while stream is in error")
		return
	}
	next := s.frames.acquire(s.camera, f.Data, f.ReceivedAt)
	s.releaseFrameLocked()
	s.frame = next
	s.frameCount++
	s.lastFrameAt = f.ReceivedAt
	transition := s.state != ride.StreamStreaming
	s.state = ride.StreamStreaming
	s.notice = ""
	s.armStaleLocked()
	count := s.frameCount
	s.mu.Unlock()

	if transition {
		s.log.Info().Int("frame_count", count).Msg("stream receiving frames")
	}
	s.publishStatus()
}

func (s *Session) discardFrame() {
	s.discard("frame")
}

// discard reports data that arrived for an inactive camera.
func (s *Session) discard(kind string) {
	s.log.Debug().Str("kind", kind).Msg("data discarded, camera inactive")
	s.setNotice(NoticeInactive)
}

func (s *Session) armStaleLocked() {
	if s.staleTimer != nil {
		s.staleTimer.Stop()
	}
	s.staleGen++
	gen := s.staleGen
	s.staleTimer = s.clock.AfterFunc(s.opts.StaleTimeout, func() { s.stale(gen) })
}

func (s *Session) cancelStaleLocked() {
	s.staleGen++
	if s.staleTimer != nil {
		s.staleTimer.Stop()
		s.staleTimer = nil
	}
}

func (s *Session) stale(gen uint64) {
	s.mu.Lock()
	if gen != s.staleGen || s.state != ride.StreamStreaming {
		s.mu.Unlock()
		return
	}
	s.staleTimer = nil
	s.state = ride.StreamStalled
	s.notice = NoticeStalled
	s.mu.Unlock()

	s.log.Warn().Dur("timeout", s.opts.StaleTimeout).Msg("stream stalled")
	s.publishStatus()
}

func (s *Session) releaseFrameLocked() {
	if s.frame != nil {
		s.frame.Release()
		s.frame = nil
	}
}

// fail moves the session to the error state after a processing failure
// reported by the backend.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	if s.state == ride.StreamInactive {
		s.mu.Unlock()
		return
	}
	s.cancelStaleLocked()
	s.state = ride.StreamError
	s.notice = reason
	s.mu.Unlock()

	s.log.Error().Str("reason", reason).Msg("stream processing failed")
	s.publishStatus()
}

func (s *Session) setNotice(notice string) {
	s.mu.Lock()
	if s.notice == notice {
		s.mu.Unlock()
		return
	}
	s.notice = notice
	s.mu.Unlock()
	s.publishStatus()
}

func (s *Session) publishStatus() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.store.SetCameraStatus(s.camera, s.Status())
}

// Status returns the camera's display status.
func (s *Session) Status() ride.CameraStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ride.CameraStatus{
		State:      s.state,
		Notice:     s.notice,
		Attempt:    s.attempt,
		FrameCount: s.frameCount,
		UpdatedAt:  s.clock.Now(),
	}
	if !s.lastFrameAt.IsZero() {
		at := s.lastFrameAt
		st.LastFrameAt = &at
	}
	return st
}

func (s *Session) State() ride.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Latest returns a copy of the retained frame.
func (s *Session) Latest() ([]byte, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, time.Time{}, false
	}
	return append([]byte(nil), s.frame.Data...), s.frame.ReceivedAt, true
}

// RetainedFrames reports how many frame buffers the session still holds.
func (s *Session) RetainedFrames() int64 {
	return s.frames.Outstanding()
}
