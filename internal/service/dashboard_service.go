package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ridewatch-console/internal/backend"
	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/pubsub"
	"ridewatch-console/internal/session"
	"ridewatch-console/internal/state"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrCameraActive = errors.New("camera already active")
	ErrBackend      = errors.New("backend unavailable")
)

const AdminRole = "admin"

// Backend is the processing backend as seen by the dashboard.
type Backend interface {
	Login(ctx context.Context, username, password string) (*backend.LoginResult, error)
	StartProcessing(ctx context.Context, req backend.StartRequest) error
	StopProcessing(ctx context.Context, camera ride.CameraType) error
	UploadVideo(ctx context.Context, camera ride.CameraType, filename string, r io.Reader) (string, error)
	ListBikers(ctx context.Context) ([]backend.Biker, error)
	ListRides(ctx context.Context, bikerID int64) ([]backend.Ride, error)
	ListViolations(ctx context.Context, rideID int64) ([]backend.ViolationRecord, error)
}

// StreamCloser tears down every stream connection and pending reconnect.
type StreamCloser interface {
	DisconnectAll()
}

type DashboardService struct {
	backend  Backend
	store    *state.Store
	sessions map[ride.CameraType]*session.Session
	streams  StreamCloser
	journal  *Journal
	log      zerolog.Logger
}

// NewDashboardService wires the dashboard operations. journal may be nil when
// the ride journal is disabled.
func NewDashboardService(
	be Backend,
	store *state.Store,
	sessions []*session.Session,
	streams StreamCloser,
	journal *Journal,
	log zerolog.Logger,
) *DashboardService {
	byCamera := make(map[ride.CameraType]*session.Session, len(sessions))
	for _, s := range sessions {
		byCamera[s.Camera()] = s
	}
	return &DashboardService{
		backend:  be,
		store:    store,
		sessions: byCamera,
		streams:  streams,
		journal:  journal,
		log:      log.With().Str("component", "dashboard_service").Logger(),
	}
}

// Login checks the operator's credentials against the backend. Only admins
// may use the console.
func (s *DashboardService) Login(ctx context.Context, username, password string) (*backend.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	res, err := s.backend.Login(ctx, username, password)
	if err != nil {
		if backend.IsStatus(err, http.StatusUnauthorized) || backend.IsStatus(err, http.StatusBadRequest) {
			return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
		}
		s.log.Error().Err(err).Str("username", username).Msg("backend login failed")
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if res.User.Role != AdminRole {
		s.log.Warn().Str("username", username).Str("role", res.User.Role).Msg("non-admin login rejected")
		return nil, fmt.Errorf("%w: only admin users can access the console", ErrForbidden)
	}
	return &res.User, nil
}

func (s *DashboardService) session(camera ride.CameraType) (*session.Session, error) {
	if !camera.Valid() {
		return nil, fmt.Errorf("%w: unknown camera %q", ErrInvalidInput, camera)
	}
	sess, ok := s.sessions[camera]
	if !ok {
		return nil, fmt.Errorf("%w: no session for camera %s", ErrNotFound, camera)
	}
	return sess, nil
}

// StartCamera activates camera and asks the backend to process its footage.
// The activation is optimistic and rolled back if the backend refuses.
// filePath overrides the footage recorded on the active ride.
func (s *DashboardService) StartCamera(ctx context.Context, camera ride.CameraType, filePath string) error {
	if _, err := s.session(camera); err != nil {
		return err
	}
	if s.store.IsActive(camera) {
		return fmt.Errorf("%w: %s", ErrCameraActive, camera)
	}
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		filePath = s.store.Ride().FilePath(camera)
	}
	if filePath == "" {
		return fmt.Errorf("%w: no footage selected for %s camera", ErrInvalidInput, camera)
	}
	if filePath != s.store.Ride().FilePath(camera) {
		s.store.SetFootage(camera, filePath)
	}

	params := s.store.Params()
	s.store.SetActive(camera, true)

	err := s.backend.StartProcessing(ctx, backend.StartRequest{
		FilePath:   filePath,
		Camera:     camera,
		DetectMode: params.DetectMode,
	})
	if err != nil {
		s.store.SetActive(camera, false)
		s.log.Error().Err(err).Str("camera", string(camera)).Str("file_path", filePath).Msg("failed to start processing")
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}

	s.log.Info().
		Str("camera", string(camera)).
		Str("file_path", filePath).
		Str("detect_mode", string(params.DetectMode)).
		Msg("processing started")
	return nil
}

// StopCamera deactivates camera and asks the backend to stop processing it.
// The camera stays stopped even if the backend call fails.
func (s *DashboardService) StopCamera(ctx context.Context, camera ride.CameraType) error {
	if _, err := s.session(camera); err != nil {
		return err
	}
	wasActive := s.store.IsActive(camera)
	s.store.SetActive(camera, false)
	if !wasActive {
		return nil
	}

	if err := s.backend.StopProcessing(ctx, camera); err != nil {
		s.log.Error().Err(err).Str("camera", string(camera)).Msg("failed to stop processing")
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	s.log.Info().Str("camera", string(camera)).Msg("processing stopped")
	return nil
}

// StopAll stops every active camera.
func (s *DashboardService) StopAll(ctx context.Context) error {
	var errs []error
	for _, camera := range ride.Cameras {
		if !s.store.IsActive(camera) {
			continue
		}
		if err := s.StopCamera(ctx, camera); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *DashboardService) Retry(camera ride.CameraType) error {
	sess, err := s.session(camera)
	if err != nil {
		return err
	}
	if err := sess.Retry(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// SwitchRide makes rc the active ride. Frames, histories and staleness
// timers of the previous ride are dropped.
func (s *DashboardService) SwitchRide(rc ride.Context) error {
	if rc.RideID < 0 || rc.BikerID < 0 {
		return fmt.Errorf("%w: ride_id and biker_id must not be negative", ErrInvalidInput)
	}
	s.store.SetRide(rc)
	// Frames accepted while the store switched belong to the old ride.
	for _, sess := range s.sessions {
		sess.Reset()
	}
	return nil
}

func (s *DashboardService) ClearData() {
	s.store.ClearData()
}

func (s *DashboardService) Params() ride.Params {
	return s.store.Params()
}

func (s *DashboardService) UpdateParams(p ride.Params) (ride.Params, error) {
	if err := s.store.SetParams(p); err != nil {
		return ride.Params{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s.log.Info().
		Str("detect_mode", string(p.DetectMode)).
		Float64("lane_confidence", p.LaneConfidence).
		Float64("smoothing", p.Smoothing).
		Float64("speed_limit", p.SpeedLimit).
		Msg("detection parameters updated")
	return s.store.Params(), nil
}

// UploadVideo sends footage for camera to the backend and records the stored
// path on the active ride.
func (s *DashboardService) UploadVideo(ctx context.Context, camera ride.CameraType, filename string, r io.Reader) (string, error) {
	if _, err := s.session(camera); err != nil {
		return "", err
	}
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	path, err := s.backend.UploadVideo(ctx, camera, filename, r)
	if err != nil {
		s.log.Error().Err(err).Str("camera", string(camera)).Str("filename", filename).Msg("upload failed")
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	s.store.SetFootage(camera, path)
	s.log.Info().Str("camera", string(camera)).Str("file_path", path).Msg("footage uploaded")
	return path, nil
}

// Frame returns the latest retained frame of camera.
func (s *DashboardService) Frame(camera ride.CameraType) ([]byte, time.Time, error) {
	sess, err := s.session(camera)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, at, ok := sess.Latest()
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: no frame for %s camera", ErrNotFound, camera)
	}
	return data, at, nil
}

func (s *DashboardService) Snapshot() state.Snapshot {
	return s.store.Snapshot()
}

func (s *DashboardService) Subscribe(fn func(state.Change)) *pubsub.Subscription {
	return s.store.Subscribe(fn)
}

func (s *DashboardService) Bikers(ctx context.Context) ([]backend.Biker, error) {
	bikers, err := s.backend.ListBikers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return bikers, nil
}

func (s *DashboardService) Rides(ctx context.Context, bikerID int64) ([]backend.Ride, error) {
	if bikerID <= 0 {
		return nil, fmt.Errorf("%w: biker_id is required", ErrInvalidInput)
	}
	rides, err := s.backend.ListRides(ctx, bikerID)
	if err != nil {
		if backend.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: biker %d", ErrNotFound, bikerID)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return rides, nil
}

func (s *DashboardService) RideViolations(ctx context.Context, rideID int64) ([]backend.ViolationRecord, error) {
	if rideID <= 0 {
		return nil, fmt.Errorf("%w: ride id must be positive", ErrInvalidInput)
	}
	vs, err := s.backend.ListViolations(ctx, rideID)
	if err != nil {
		if backend.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: ride %d", ErrNotFound, rideID)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return vs, nil
}

// JournalEntry is what the console recorded itself for one ride.
type JournalEntry struct {
	RideID     int64            `json:"ride_id"`
	Track      []ride.GPSPoint  `json:"track"`
	Violations []ride.Violation `json:"violations"`
}

func (s *DashboardService) RideJournal(ctx context.Context, rideID int64) (*JournalEntry, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("%w: ride journal is disabled", ErrNotFound)
	}
	if rideID < 0 {
		return nil, fmt.Errorf("%w: ride id must not be negative", ErrInvalidInput)
	}
	track, err := s.journal.Track(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("failed to load track: %w", err)
	}
	violations, err := s.journal.Violations(ctx, rideID, 500)
	if err != nil {
		return nil, fmt.Errorf("failed to load violations: %w", err)
	}

	entry := &JournalEntry{
		RideID:     rideID,
		Track:      make([]ride.GPSPoint, 0, len(track)),
		Violations: make([]ride.Violation, 0, len(violations)),
	}
	for _, p := range track {
		point := ride.GPSPoint{
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Speed:      p.Speed,
			Confidence: p.Confidence,
			ObservedAt: p.ObservedAt,
			OverLimit:  p.OverLimit,
		}
		if p.CoordinatesText != nil {
			point.CoordinatesText = *p.CoordinatesText
		}
		entry.Track = append(entry.Track, point)
	}
	for _, v := range violations {
		violation := ride.Violation{
			ID:         v.ID.String(),
			Type:       ride.ViolationType(v.ViolationType),
			Camera:     ride.CameraType(v.CameraType),
			DetectedAt: v.DetectedAt,
		}
		if v.RawType != nil {
			violation.RawType = *v.RawType
		}
		if v.Description != nil {
			violation.Description = *v.Description
		}
		entry.Violations = append(entry.Violations, violation)
	}
	return entry, nil
}

// Close disconnects every camera and cancels all reconnect, keep-alive and
// staleness timers, then flushes the journal.
func (s *DashboardService) Close() {
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.streams.DisconnectAll()
	if s.journal != nil {
		s.journal.Close()
	}
	s.log.Info().Msg("dashboard closed")
}
