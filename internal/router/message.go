package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/stream"
)

type MessageType string

const (
	TypeGPSUpdate         MessageType = "gps_update"
	TypeLaneUpdate        MessageType = "lane_update"
	TypeViolationAlert    MessageType = "violation_alert"
	TypeVideoFrame        MessageType = "video_frame"
	TypeSystemStatus      MessageType = "system_status"
	TypeError             MessageType = "error"
	TypeProcessingStarted MessageType = "processing_started"
	TypeProcessingStopped MessageType = "processing_stopped"
	TypeCameraSwitched    MessageType = "camera_switched"
)

var ErrMalformed = errors.New("malformed message")

// Message is one decoded inbound message. The set of implementations is
// closed; Unknown carries types this build does not understand.
type Message interface {
	Type() MessageType
	Camera() ride.CameraType
	isMessage()
}

type GPSUpdate struct {
	CameraType ride.CameraType
	Point      ride.GPSPoint
}

type LaneUpdate struct {
	CameraType ride.CameraType
	Lane       ride.LaneData
}

type ViolationAlert struct {
	CameraType    ride.CameraType
	ViolationType ride.ViolationType
	RawType       string
	Description   string
	DetectedAt    time.Time
	Raw           map[string]any
}

// VideoFrame carries one encoded frame, either from a binary frame or from a
// video_frame message with a base64 payload.
type VideoFrame struct {
	CameraType ride.CameraType
	Data       []byte
	ReceivedAt time.Time
}

type SystemStatus struct {
	CameraType ride.CameraType
	Status     ride.SystemStatus
}

type ProcessingStarted struct {
	CameraType ride.CameraType
	At         time.Time
	Details    map[string]any
}

type ProcessingStopped struct {
	CameraType ride.CameraType
	At         time.Time
	Details    map[string]any
}

type CameraSwitched struct {
	CameraType ride.CameraType
	At         time.Time
	Details    map[string]any
}

type ErrorMessage struct {
	CameraType ride.CameraType
	Message    string
	At         time.Time
}

type Unknown struct {
	CameraType ride.CameraType
	RawType    string
}

func (GPSUpdate) Type() MessageType         { return TypeGPSUpdate }
func (LaneUpdate) Type() MessageType        { return TypeLaneUpdate }
func (ViolationAlert) Type() MessageType    { return TypeViolationAlert }
func (VideoFrame) Type() MessageType        { return TypeVideoFrame }
func (SystemStatus) Type() MessageType      { return TypeSystemStatus }
func (ProcessingStarted) Type() MessageType { return TypeProcessingStarted }
func (ProcessingStopped) Type() MessageType { return TypeProcessingStopped }
func (CameraSwitched) Type() MessageType    { return TypeCameraSwitched }
func (ErrorMessage) Type() MessageType      { return TypeError }
func (u Unknown) Type() MessageType         { return MessageType(u.RawType) }

func (m GPSUpdate) Camera() ride.CameraType         { return m.CameraType }
func (m LaneUpdate) Camera() ride.CameraType        { return m.CameraType }
func (m ViolationAlert) Camera() ride.CameraType    { return m.CameraType }
func (m VideoFrame) Camera() ride.CameraType        { return m.CameraType }
func (m SystemStatus) Camera() ride.CameraType      { return m.CameraType }
func (m ProcessingStarted) Camera() ride.CameraType { return m.CameraType }
func (m ProcessingStopped) Camera() ride.CameraType { return m.CameraType }
func (m CameraSwitched) Camera() ride.CameraType    { return m.CameraType }
func (m ErrorMessage) Camera() ride.CameraType      { return m.CameraType }
func (m Unknown) Camera() ride.CameraType           { return m.CameraType }

func (GPSUpdate) isMessage()         {}
func (LaneUpdate) isMessage()        {}
func (ViolationAlert) isMessage()    {}
func (VideoFrame) isMessage()        {}
func (SystemStatus) isMessage()      {}
func (ProcessingStarted) isMessage() {}
func (ProcessingStopped) isMessage() {}
func (CameraSwitched) isMessage()    {}
func (ErrorMessage) isMessage()      {}
func (Unknown) isMessage()           {}

type gpsPayload struct {
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	Speed           float64  `json:"speed"`
	Confidence      *float64 `json:"confidence"`
	CoordinatesText string   `json:"coordinates_text"`
}

type violationPayload struct {
	ViolationType string `json:"violation_type"`
	Description   string `json:"description"`
}

type framePayload struct {
	Frame []byte `json:"frame"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Decode turns an envelope received on camera's connection into a Message.
// now stamps messages that carry no timestamp of their own.
func Decode(camera ride.CameraType, env stream.Envelope, now time.Time) (Message, error) {
	at := envelopeTime(env.Timestamp, now)

	switch MessageType(env.Type) {
	case TypeGPSUpdate:
		var p gpsPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.Latitude == nil || p.Longitude == nil {
			return nil, fmt.Errorf("%w: gps_update without coordinates", ErrMalformed)
		}
		return GPSUpdate{CameraType: camera, Point: ride.GPSPoint{
			Latitude:        *p.Latitude,
			Longitude:       *p.Longitude,
			Speed:           p.Speed,
			Confidence:      p.Confidence,
			CoordinatesText: p.CoordinatesText,
			ObservedAt:      at,
		}}, nil

	case TypeLaneUpdate:
		var lane ride.LaneData
		if err := unmarshalData(env, &lane); err != nil {
			return nil, err
		}
		lane.ObservedAt = at
		return LaneUpdate{CameraType: camera, Lane: lane}, nil

	case TypeViolationAlert:
		var p violationPayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		raw, err := dataMap(env)
		if err != nil {
			return nil, err
		}
		return ViolationAlert{
			CameraType:    camera,
			ViolationType: ride.NormalizeViolationType(p.ViolationType),
			RawType:       p.ViolationType,
			Description:   p.Description,
			DetectedAt:    at,
			Raw:           raw,
		}, nil

	case TypeVideoFrame:
		var p framePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if len(p.Frame) == 0 {
			return nil, fmt.Errorf("%w: video_frame without frame data", ErrMalformed)
		}
		return VideoFrame{CameraType: camera, Data: p.Frame, ReceivedAt: now}, nil

	case TypeSystemStatus:
		details, err := dataMap(env)
		if err != nil {
			return nil, err
		}
		status := ride.SystemStatus{Camera: camera, Details: details, ReceivedAt: at}
		if msg, ok := details["error_message"].(string); ok {
			status.ErrorMessage = msg
		}
		return SystemStatus{CameraType: camera, Status: status}, nil

	case TypeProcessingStarted, TypeProcessingStopped, TypeCameraSwitched:
		details, err := dataMap(env)
		if err != nil {
			return nil, err
		}
		switch MessageType(env.Type) {
		case TypeProcessingStarted:
			return ProcessingStarted{CameraType: camera, At: at, Details: details}, nil
		case TypeProcessingStopped:
			return ProcessingStopped{CameraType: camera, At: at, Details: details}, nil
		default:
			return CameraSwitched{CameraType: camera, At: at, Details: details}, nil
		}

	case TypeError:
		var p errorPayload
		if !isEmpty(env.Data) {
			if err := unmarshalData(env, &p); err != nil {
				return nil, err
			}
		}
		if p.Message == "" {
			p.Message = "Unknown error"
		}
		return ErrorMessage{CameraType: camera, Message: p.Message, At: at}, nil

	default:
		return Unknown{CameraType: camera, RawType: env.Type}, nil
	}
}

func unmarshalData(env stream.Envelope, v any) error {
	if isEmpty(env.Data) {
		return fmt.Errorf("%w: %s without data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func dataMap(env stream.Envelope) (map[string]any, error) {
	m := map[string]any{}
	if isEmpty(env.Data) {
		return m, nil
	}
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return m, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// envelopeTime accepts unix seconds or unix milliseconds.
func envelopeTime(ts *float64, fallback time.Time) time.Time {
	if ts == nil || *ts <= 0 || math.IsNaN(*ts) || math.IsInf(*ts, 0) {
		return fallback
	}
	v := *ts
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
