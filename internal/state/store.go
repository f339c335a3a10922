// Package state holds the console's single source of truth: camera
// activation, the latest per-camera readings, the ride's GPS track and
// violation history, the active ride and the detection parameters.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/pubsub"
	"ridewatch-console/internal/timeutil"
)

type ChangeKind string

const (
	ChangeActivation   ChangeKind = "activation"
	ChangeCameraStatus ChangeKind = "camera_status"
	ChangeGPS          ChangeKind = "gps"
	ChangeLane         ChangeKind = "lane"
	ChangeViolation    ChangeKind = "violation"
	ChangeSystemStatus ChangeKind = "system_status"
	ChangeRide         ChangeKind = "ride"
	ChangeFootage      ChangeKind = "footage"
	ChangeCleared      ChangeKind = "cleared"
	ChangeParams       ChangeKind = "params"
)

// Change describes one applied mutation. Only the fields relevant to Kind are
// set. GPS is only set when the point was new to the track.
type Change struct {
	Kind      ChangeKind
	Version   uint64
	Camera    ride.CameraType
	Ride      ride.Context
	GPS       *ride.GPSPoint
	Violation *ride.Violation
	Params    *ride.Params
}

// Snapshot is a deep copy of the store at one version.
type Snapshot struct {
	Version      uint64                                `json:"version"`
	Ride         ride.Context                          `json:"ride"`
	Activation   ride.Activation                       `json:"activation"`
	Cameras      map[ride.CameraType]ride.CameraStatus `json:"cameras"`
	GPS          map[ride.CameraType]ride.GPSPoint     `json:"gps"`
	Lane         map[ride.CameraType]ride.LaneData     `json:"lane"`
	SystemStatus map[ride.CameraType]ride.SystemStatus `json:"system_status"`
	Track        []ride.GPSPoint                       `json:"track"`
	Violations   []ride.Violation                      `json:"violations"`
	Params       ride.Params                           `json:"params"`
	Stats        ride.Stats                            `json:"stats"`
}

// Store is safe for concurrent use. Writes are serialized and applied
// last-write-wins per field; subscribers are notified after the write,
// outside the store's lock, so they may read or write the store.
type Store struct {
	clock timeutil.Clock
	log   zerolog.Logger
	subs  *pubsub.Set[Change]

	mu         sync.RWMutex
	version    uint64
	rideCtx    ride.Context
	activation ride.Activation
	cameras    map[ride.CameraType]ride.CameraStatus
	gps        map[ride.CameraType]ride.GPSPoint
	lane       map[ride.CameraType]ride.LaneData
	status     map[ride.CameraType]ride.SystemStatus
	track      []ride.GPSPoint
	trackKeys  map[string]struct{}
	violations []ride.Violation
	params     ride.Params
	startedAt  time.Time
	stoppedAt  time.Time
}

func NewStore(clock timeutil.Clock, params ride.Params, log zerolog.Logger) *Store {
	if err := params.Validate(); err != nil {
		log.Warn().Err(err).Msg("invalid detection parameters, using defaults")
		params = ride.DefaultParams()
	}
	s := &Store{
		clock:   clock,
		log:     log.With().Str("component", "app_state").Logger(),
		subs:    pubsub.NewSet[Change](),
		cameras: make(map[ride.CameraType]ride.CameraStatus),
		params:  params,
	}
	for _, camera := range ride.Cameras {
		s.cameras[camera] = ride.CameraStatus{State: ride.StreamInactive, UpdatedAt: clock.Now()}
	}
	s.resetLocked()
	return s
}

// resetLocked drops every piece of transient ride data. Activation, camera
// display status and parameters are kept.
func (s *Store) resetLocked() {
	s.gps = make(map[ride.CameraType]ride.GPSPoint)
	s.lane = make(map[ride.CameraType]ride.LaneData)
	s.status = make(map[ride.CameraType]ride.SystemStatus)
	s.track = nil
	s.trackKeys = make(map[string]struct{})
	s.violations = nil
	s.startedAt = time.Time{}
	s.stoppedAt = time.Time{}
	if s.activation.Any() {
		s.startedAt = s.clock.Now()
	}
}

func (s *Store) publish(c Change) {
	s.subs.Publish(c, func(rec any) {
		s.log.Error().Str("change", string(c.Kind)).Str("panic", fmt.Sprint(rec)).Msg("state subscriber failed")
	})
}

// Subscribe registers fn for every applied change.
func (s *Store) Subscribe(fn func(Change)) *pubsub.Subscription {
	return s.subs.Add(fn)
}

// SetActive flips camera's activation flag. Deactivating clears only that
// camera's latest readings; the other camera and the ride history are kept.
func (s *Store) SetActive(camera ride.CameraType, on bool) {
	s.mu.Lock()
	if s.activation.Get(camera) == on {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.activation.Set(camera, on)
	if on {
		if s.startedAt.IsZero() {
			s.startedAt = now
		}
		s.stoppedAt = time.Time{}
	} else {
		delete(s.gps, camera)
		delete(s.lane, camera)
		delete(s.status, camera)
		if !s.activation.Any() && !s.startedAt.IsZero() {
			s.stoppedAt = now
		}
	}
	s.version++
	c := Change{Kind: ChangeActivation, Version: s.version, Camera: camera}
	s.mu.Unlock()

	s.log.Info().Str("camera", string(camera)).Bool("active", on).Msg("camera activation changed")
	s.publish(c)
}

func (s *Store) IsActive(camera ride.CameraType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activation.Get(camera)
}

func (s *Store) Activation() ride.Activation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activation
}

// SetCameraStatus records camera's display status.
func (s *Store) SetCameraStatus(camera ride.CameraType, st ride.CameraStatus) {
	s.mu.Lock()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.clock.Now()
	}
	s.cameras[camera] = st
	s.version++
	c := Change{Kind: ChangeCameraStatus, Version: s.version, Camera: camera}
	s.mu.Unlock()
	s.publish(c)
}

func (s *Store) CameraStatus(camera ride.CameraType) ride.CameraStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cameras[camera]
}

// ApplyGPS records p as camera's latest position and appends it to the track
// unless a point with the same rounded coordinates is already there. It
// reports false when camera is inactive and p was discarded.
func (s *Store) ApplyGPS(camera ride.CameraType, p ride.GPSPoint) bool {
	s.mu.Lock()
	if !s.activation.Get(camera) {
		s.mu.Unlock()
		return false
	}
	p.OverLimit = p.Speed > s.params.SpeedLimit
	s.gps[camera] = p
	s.version++
	c := Change{Kind: ChangeGPS, Version: s.version, Camera: camera}
	key := p.TrackKey()
	if _, seen := s.trackKeys[key]; !seen {
		s.trackKeys[key] = struct{}{}
		s.track = append(s.track, p)
		added := p
		c.GPS = &added
		c.Ride = s.rideCtx
	}
	s.mu.Unlock()
	s.publish(c)
	return true
}

// ApplyLane records camera's latest lane reading. It reports false when
// camera is inactive.
func (s *Store) ApplyLane(camera ride.CameraType, l ride.LaneData) bool {
	s.mu.Lock()
	if !s.activation.Get(camera) {
		s.mu.Unlock()
		return false
	}
	s.lane[camera] = l
	s.version++
	c := Change{Kind: ChangeLane, Version: s.version, Camera: camera}
	s.mu.Unlock()
	s.publish(c)
	return true
}

// AddViolation prepends v to the violation history, assigning an id when v
// has none. It reports false when v's camera is inactive.
func (s *Store) AddViolation(v ride.Violation) (ride.Violation, bool) {
	s.mu.Lock()
	if !s.activation.Get(v.Camera) {
		s.mu.Unlock()
		return v, false
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.DetectedAt.IsZero() {
		v.DetectedAt = s.clock.Now()
	}
	s.violations = append([]ride.Violation{v}, s.violations...)
	s.version++
	added := v
	c := Change{Kind: ChangeViolation, Version: s.version, Camera: v.Camera, Violation: &added, Ride: s.rideCtx}
	s.mu.Unlock()

	s.log.Info().
		Str("camera", string(v.Camera)).
		Str("violation_type", string(v.Type)).
		Str("description", v.Description).
		Msg("violation recorded")
	s.publish(c)
	return v, true
}

// SetSystemStatus records the latest system status of st.Camera. It reports
// false when that camera is inactive.
func (s *Store) SetSystemStatus(st ride.SystemStatus) bool {
	s.mu.Lock()
	if !s.activation.Get(st.Camera) {
		s.mu.Unlock()
		return false
	}
	s.status[st.Camera] = st
	s.version++
	c := Change{Kind: ChangeSystemStatus, Version: s.version, Camera: st.Camera}
	s.mu.Unlock()
	s.publish(c)
	return true
}

// SetRide makes ctx the active ride and drops all transient data of the
// previous one. Selecting the same ride again yields the same cleared state.
func (s *Store) SetRide(ctx ride.Context) {
	s.mu.Lock()
	s.rideCtx = ctx
	s.resetLocked()
	s.version++
	c := Change{Kind: ChangeRide, Version: s.version, Ride: ctx}
	s.mu.Unlock()

	s.log.Info().Int64("ride_id", ctx.RideID).Int64("biker_id", ctx.BikerID).Msg("ride context switched")
	s.publish(c)
}

// SetFootage records the footage path of camera on the active ride without
// resetting ride data.
func (s *Store) SetFootage(camera ride.CameraType, path string) {
	s.mu.Lock()
	if camera == ride.CameraBack {
		s.rideCtx.BackFilePath = path
	} else {
		s.rideCtx.FrontFilePath = path
	}
	s.version++
	c := Change{Kind: ChangeFootage, Version: s.version, Camera: camera, Ride: s.rideCtx}
	s.mu.Unlock()
	s.publish(c)
}

func (s *Store) Ride() ride.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rideCtx
}

// ClearData drops the GPS track, violation history and latest readings while
// keeping the active ride.
func (s *Store) ClearData() {
	s.mu.Lock()
	s.resetLocked()
	s.version++
	c := Change{Kind: ChangeCleared, Version: s.version, Ride: s.rideCtx}
	s.mu.Unlock()

	s.log.Info().Msg("ride data cleared")
	s.publish(c)
}

// SetParams validates and stores the detection parameters. Points already on
// the track keep the over-limit flag they were recorded with.
func (s *Store) SetParams(p ride.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.params = p
	s.version++
	stored := p
	c := Change{Kind: ChangeParams, Version: s.version, Params: &stored}
	s.mu.Unlock()
	s.publish(c)
	return nil
}

func (s *Store) Params() ride.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:      s.version,
		Ride:         s.rideCtx,
		Activation:   s.activation,
		Cameras:      make(map[ride.CameraType]ride.CameraStatus, len(s.cameras)),
		GPS:          make(map[ride.CameraType]ride.GPSPoint, len(s.gps)),
		Lane:         make(map[ride.CameraType]ride.LaneData, len(s.lane)),
		SystemStatus: make(map[ride.CameraType]ride.SystemStatus, len(s.status)),
		Track:        make([]ride.GPSPoint, len(s.track)),
		Violations:   make([]ride.Violation, len(s.violations)),
		Params:       s.params,
		Stats:        s.statsLocked(),
	}
	for k, v := range s.cameras {
		if v.LastFrameAt != nil {
			at := *v.LastFrameAt
			v.LastFrameAt = &at
		}
		snap.Cameras[k] = v
	}
	for k, v := range s.gps {
		snap.GPS[k] = v
	}
	for k, v := range s.lane {
		snap.Lane[k] = v
	}
	for k, v := range s.status {
		snap.SystemStatus[k] = v
	}
	copy(snap.Track, s.track)
	copy(snap.Violations, s.violations)
	return snap
}

func (s *Store) Stats() ride.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() ride.Stats {
	st := ride.Stats{Violations: len(s.violations)}
	if !s.startedAt.IsZero() {
		end := s.stoppedAt
		if end.IsZero() {
			end = s.clock.Now()
		}
		st.ProcessingTime = end.Sub(s.startedAt)
	}
	if len(s.track) > 0 {
		var sum float64
		for _, p := range s.track {
			sum += p.Speed
		}
		avg := sum / float64(len(s.track))
		st.AvgSpeed = &avg
	}
	return st
}
