package router

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/stream"
)

var epoch = time.Date(2025, 7, 25, 17, 0, 0, 0, time.UTC)

func envelope(t *testing.T, raw string) stream.Envelope {
	t.Helper()
	env, err := stream.ParseEnvelope([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestDecode_GPSUpdate(t *testing.T) {
	env := envelope(t, `{"type":"gps_update","data":{"latitude":25.0443,"longitude":55.2701,"speed":72.5,"confidence":0.9,"coordinates_text":"25.0443N 55.2701E"},"timestamp":1721926800}`)

	msg, err := Decode(ride.CameraFront, env, epoch)
	require.NoError(t, err)

	gps, ok := msg.(GPSUpdate)
	require.True(t, ok)
	assert.Equal(t, ride.CameraFront, gps.Camera())
	assert.Equal(t, TypeGPSUpdate, gps.Type())
	assert.InDelta(t, 25.0443, gps.Point.Latitude, 1e-9)
	assert.InDelta(t, 55.2701, gps.Point.Longitude, 1e-9)
	assert.InDelta(t, 72.5, gps.Point.Speed, 1e-9)
	require.NotNil(t, gps.Point.Confidence)
	assert.InDelta(t, 0.9, *gps.Point.Confidence, 1e-9)
	assert.Equal(t, time.Unix(1721926800, 0).UTC(), gps.Point.ObservedAt)
}

func TestDecode_GPSWithoutCoordinatesIsMalformed(t *testing.T) {
	env := envelope(t, `{"type":"gps_update","data":{"speed":40}}`)
	_, err := Decode(ride.CameraFront, env, epoch)
	assert.ErrorIs(t, err, ErrMalformed)

	env = envelope(t, `{"type":"gps_update"}`)
	_, err = Decode(ride.CameraFront, env, epoch)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_ViolationAlert(t *testing.T) {
	env := envelope(t, `{"type":"violation_alert","data":{"violation_type":"speed_violation","description":"92km/h"}}`)

	msg, err := Decode(ride.CameraBack, env, epoch)
	require.NoError(t, err)

	v, ok := msg.(ViolationAlert)
	require.True(t, ok)
	assert.Equal(t, ride.ViolationSpeed, v.ViolationType)
	assert.Equal(t, "92km/h", v.Description)
	assert.Equal(t, ride.CameraBack, v.CameraType)
	assert.Equal(t, epoch, v.DetectedAt, "no timestamp falls back to receive time")
	assert.Equal(t, "speed_violation", v.Raw["violation_type"])
}

func TestDecode_UnrecognisedViolationKeepsRawType(t *testing.T) {
	env := envelope(t, `{"type":"violation_alert","data":{"violation_type":"wrong_way","description":"against traffic"}}`)

	msg, err := Decode(ride.CameraFront, env, epoch)
	require.NoError(t, err)

	v := msg.(ViolationAlert)
	assert.Equal(t, ride.ViolationOther, v.ViolationType)
	assert.Equal(t, "wrong_way", v.RawType)
}

func TestDecode_VideoFrame(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
	env := envelope(t, `{"type":"video_frame","data":{"frame":"`+base64.StdEncoding.EncodeToString(jpeg)+`"}}`)

	msg, err := Decode(ride.CameraFront, env, epoch)
	require.NoError(t, err)
	frame := msg.(VideoFrame)
	assert.Equal(t, jpeg, frame.Data)
	assert.Equal(t, epoch, frame.ReceivedAt)

	_, err = Decode(ride.CameraFront, envelope(t, `{"type":"video_frame","data":{}}`), epoch)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_SystemStatusAndError(t *testing.T) {
	msg, err := Decode(ride.CameraBack, envelope(t, `{"type":"system_status","data":{"error_message":"video file not found","fps":0}}`), epoch)
	require.NoError(t, err)
	status := msg.(SystemStatus)
	assert.Equal(t, "video file not found", status.Status.ErrorMessage)
	assert.Equal(t, ride.CameraBack, status.Status.Camera)

	msg, err = Decode(ride.CameraBack, envelope(t, `{"type":"error"}`), epoch)
	require.NoError(t, err)
	assert.Equal(t, "Unknown error", msg.(ErrorMessage).Message)

	msg, err = Decode(ride.CameraBack, envelope(t, `{"type":"error","data":{"message":"decoder crashed"}}`), epoch)
	require.NoError(t, err)
	assert.Equal(t, "decoder crashed", msg.(ErrorMessage).Message)
}

func TestDecode_LifecycleAndUnknown(t *testing.T) {
	tests := []struct {
		raw  string
		want MessageType
	}{
		{`{"type":"processing_started","data":{"camera_type":"front"}}`, TypeProcessingStarted},
		{`{"type":"processing_stopped"}`, TypeProcessingStopped},
		{`{"type":"camera_switched","data":{"camera_type":"back"}}`, TypeCameraSwitched},
		{`{"type":"heartbeat_v2","data":{}}`, MessageType("heartbeat_v2")},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			msg, err := Decode(ride.CameraFront, envelope(t, tt.raw), epoch)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Type())
		})
	}
}

func TestEnvelopeTime(t *testing.T) {
	sec := 1721926800.5
	ms := 1721926800500.0
	zero := 0.0

	assert.Equal(t, time.Unix(1721926800, 5e8).UTC(), envelopeTime(&sec, epoch))
	assert.Equal(t, time.UnixMilli(1721926800500).UTC(), envelopeTime(&ms, epoch))
	assert.Equal(t, epoch, envelopeTime(&zero, epoch))
	assert.Equal(t, epoch, envelopeTime(nil, epoch))
}
