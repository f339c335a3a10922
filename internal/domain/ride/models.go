package ride

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type CameraType string

const (
	CameraFront CameraType = "front"
	CameraBack  CameraType = "back"
)

// Cameras lists every camera a ride can carry.
var Cameras = []CameraType{CameraFront, CameraBack}

func (c CameraType) Valid() bool {
	return c == CameraFront || c == CameraBack
}

func ParseCameraType(s string) (CameraType, error) {
	c := CameraType(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown camera type %q", s)
	}
	return c, nil
}

type GPSPoint struct {
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Speed           float64   `json:"speed"`
	Confidence      *float64  `json:"confidence,omitempty"`
	CoordinatesText string    `json:"coordinates_text,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
	OverLimit       bool      `json:"over_limit"`
}

// TrackKey identifies a point on the GPS track. Points are compared at four
// decimal places (about 11 m), the precision the map view centres on.
func (p GPSPoint) TrackKey() string {
	return fmt.Sprintf("%.4f,%.4f", round4(p.Latitude), round4(p.Longitude))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

type LaneData struct {
	VehicleStatus        string    `json:"vehicle_status,omitempty"`
	CurrentLaneDuration  float64   `json:"current_lane_duration,omitempty"`
	MotionConfirmedState string    `json:"motion_confirmed_state,omitempty"`
	LeftClassName        string    `json:"left_class_name,omitempty"`
	RightClassName       string    `json:"right_class_name,omitempty"`
	ObservedAt           time.Time `json:"observed_at"`
}

type ViolationType string

const (
	ViolationFastLane   ViolationType = "fast_lane_violation"
	ViolationLaneSwitch ViolationType = "lane_switch_violation"
	ViolationSpeed      ViolationType = "speed_violation"
	ViolationOther      ViolationType = "other"
)

// NormalizeViolationType maps unrecognised backend values to ViolationOther.
func NormalizeViolationType(s string) ViolationType {
	switch v := ViolationType(s); v {
	case ViolationFastLane, ViolationLaneSwitch, ViolationSpeed:
		return v
	default:
		return ViolationOther
	}
}

type Violation struct {
	ID          string         `json:"id"`
	Type        ViolationType  `json:"violation_type"`
	RawType     string         `json:"raw_type,omitempty"`
	Description string         `json:"description"`
	Camera      CameraType     `json:"camera_type"`
	DetectedAt  time.Time      `json:"detected_at"`
	Raw         map[string]any `json:"raw,omitempty"`
}

type SystemStatus struct {
	Camera       CameraType     `json:"camera_type"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// NewRideID is the sentinel ride id used while a ride is being created.
const NewRideID int64 = 0

type Context struct {
	RideID        int64  `json:"ride_id"`
	BikerID       int64  `json:"biker_id"`
	FrontFilePath string `json:"front_file_path,omitempty"`
	BackFilePath  string `json:"back_file_path,omitempty"`
}

func (c Context) IsNew() bool { return c.RideID == NewRideID }

// FilePath returns the uploaded footage path for camera, if any.
func (c Context) FilePath(camera CameraType) string {
	if camera == CameraBack {
		return c.BackFilePath
	}
	return c.FrontFilePath
}

type Activation struct {
	Front bool `json:"front"`
	Back  bool `json:"back"`
}

func (a Activation) Get(camera CameraType) bool {
	if camera == CameraBack {
		return a.Back
	}
	return a.Front
}

func (a *Activation) Set(camera CameraType, on bool) {
	if camera == CameraBack {
		a.Back = on
		return
	}
	a.Front = on
}

func (a Activation) Any() bool { return a.Front || a.Back }

type StreamState string

const (
	StreamInactive         StreamState = "inactive"
	StreamConnecting       StreamState = "connecting"
	StreamWaitingForFrames StreamState = "waiting_for_frames"
	StreamStreaming        StreamState = "streaming"
	StreamStalled          StreamState = "stalled"
	StreamError            StreamState = "error"
)

// CameraStatus is the display status of one camera as shown to the operator.
type CameraStatus struct {
	State       StreamState `json:"state"`
	Notice      string      `json:"notice,omitempty"`
	Attempt     int         `json:"attempt,omitempty"`
	FrameCount  int         `json:"frame_count"`
	LastFrameAt *time.Time  `json:"last_frame_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type DetectMode string

const (
	DetectFirst DetectMode = "first"
	DetectLast  DetectMode = "last"
)

// Params are the operator-tunable detection parameters.
type Params struct {
	DetectMode     DetectMode `json:"detect_mode"`
	LaneConfidence float64    `json:"lane_confidence"`
	Smoothing      float64    `json:"smoothing"`
	SpeedLimit     float64    `json:"speed_limit"`
}

func DefaultParams() Params {
	return Params{
		DetectMode:     DetectLast,
		LaneConfidence: 0.3,
		Smoothing:      0.3,
		SpeedLimit:     90,
	}
}

func (p Params) Validate() error {
	if p.DetectMode != DetectFirst && p.DetectMode != DetectLast {
		return fmt.Errorf("detect_mode must be %q or %q, got %q", DetectFirst, DetectLast, p.DetectMode)
	}
	if p.LaneConfidence < 0.1 || p.LaneConfidence > 0.8 {
		return fmt.Errorf("lane_confidence must be between 0.1 and 0.8, got %.2f", p.LaneConfidence)
	}
	if p.Smoothing < 0 || p.Smoothing > 0.8 {
		return fmt.Errorf("smoothing must be between 0 and 0.8, got %.2f", p.Smoothing)
	}
	if p.SpeedLimit < 30 || p.SpeedLimit > 200 {
		return fmt.Errorf("speed_limit must be between 30 and 200, got %.0f", p.SpeedLimit)
	}
	return nil
}

type Stats struct {
	ProcessingTime time.Duration `json:"processing_time"`
	Violations     int           `json:"violations"`
	AvgSpeed       *float64      `json:"avg_speed,omitempty"`
}
