// Package router classifies inbound stream messages and fans them out to the
// handler sets registered for each message type.
package router

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/pubsub"
	"ridewatch-console/internal/stream"
	"ridewatch-console/internal/timeutil"
)

type videoHandler struct {
	id uint64
	fn func(VideoFrame)
}

// Router dispatches decoded messages. Video frames go to exactly one handler
// per camera; GPS and lane updates go to the handlers registered for the
// originating camera; violations, system status and lifecycle listeners are
// broadcast.
type Router struct {
	clock timeutil.Clock
	log   zerolog.Logger

	mu       sync.Mutex
	videoSeq uint64
	video    map[ride.CameraType]videoHandler

	gps       map[ride.CameraType]*pubsub.Set[GPSUpdate]
	lane      map[ride.CameraType]*pubsub.Set[LaneUpdate]
	listeners map[ride.CameraType]*pubsub.Set[Message]
	violation *pubsub.Set[ViolationAlert]
	status    *pubsub.Set[SystemStatus]
}

func NewRouter(clock timeutil.Clock, log zerolog.Logger) *Router {
	r := &Router{
		clock:     clock,
		log:       log.With().Str("component", "message_router").Logger(),
		video:     make(map[ride.CameraType]videoHandler),
		gps:       make(map[ride.CameraType]*pubsub.Set[GPSUpdate]),
		lane:      make(map[ride.CameraType]*pubsub.Set[LaneUpdate]),
		listeners: make(map[ride.CameraType]*pubsub.Set[Message]),
		violation: pubsub.NewSet[ViolationAlert](),
		status:    pubsub.NewSet[SystemStatus](),
	}
	for _, camera := range ride.Cameras {
		r.gps[camera] = pubsub.NewSet[GPSUpdate]()
		r.lane[camera] = pubsub.NewSet[LaneUpdate]()
		r.listeners[camera] = pubsub.NewSet[Message]()
	}
	return r
}

// Route decodes and dispatches a structured message from camera's
// connection. Malformed messages are logged and dropped.
func (r *Router) Route(camera ride.CameraType, env stream.Envelope) {
	if !camera.Valid() {
		r.log.Warn().Str("camera", string(camera)).Str("type", env.Type).Msg("message from unknown camera dropped")
		return
	}
	msg, err := Decode(camera, env, r.clock.Now())
	if err != nil {
		r.log.Warn().Err(err).Str("camera", string(camera)).Str("type", env.Type).Msg("dropping malformed message")
		return
	}
	r.Dispatch(msg)
}

// RouteBinary delivers a raw encoded frame to camera's video handler.
func (r *Router) RouteBinary(camera ride.CameraType, data []byte) {
	if !camera.Valid() {
		return
	}
	r.deliverFrame(VideoFrame{CameraType: camera, Data: data, ReceivedAt: r.clock.Now()})
}

func (r *Router) Dispatch(msg Message) {
	camera := msg.Camera()
	switch m := msg.(type) {
	case GPSUpdate:
		r.gps[camera].Publish(m, r.recovered("gps_update", camera))
	case LaneUpdate:
		r.lane[camera].Publish(m, r.recovered("lane_update", camera))
	case ViolationAlert:
		r.violation.Publish(m, r.recovered("violation_alert", camera))
	case SystemStatus:
		r.status.Publish(m, r.recovered("system_status", camera))
	case VideoFrame:
		r.deliverFrame(m)
	case Unknown:
		r.log.Info().Str("camera", string(camera)).Str("type", m.RawType).Msg("unknown message type ignored")
		return
	}
	r.listeners[camera].Publish(msg, r.recovered(string(msg.Type())+" listener", camera))
}

func (r *Router) deliverFrame(f VideoFrame) {
	r.mu.Lock()
	h, ok := r.video[f.CameraType]
	r.mu.Unlock()
	if !ok {
		r.log.Debug().Str("camera", string(f.CameraType)).Msg("no video handler registered")
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.recovered("video_frame", f.CameraType)(rec)
		}
	}()
	h.fn(f)
}

func (r *Router) recovered(kind string, camera ride.CameraType) func(any) {
	return func(rec any) {
		r.log.Error().
			Str("camera", string(camera)).
			Str("handler", kind).
			Str("panic", fmt.Sprint(rec)).
			Msg("handler failed")
	}
}

// OnVideoFrame makes fn the video handler for camera, replacing any previous
// one. Unsubscribing a replaced registration is a no-op.
func (r *Router) OnVideoFrame(camera ride.CameraType, fn func(VideoFrame)) *pubsub.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videoSeq++
	id := r.videoSeq
	r.video[camera] = videoHandler{id: id, fn: fn}
	return pubsub.NewSubscription(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.video[camera]; ok && cur.id == id {
			delete(r.video, camera)
		}
	})
}

func (r *Router) OnGPSUpdate(camera ride.CameraType, fn func(GPSUpdate)) *pubsub.Subscription {
	return r.gps[camera].Add(fn)
}

func (r *Router) OnLaneUpdate(camera ride.CameraType, fn func(LaneUpdate)) *pubsub.Subscription {
	return r.lane[camera].Add(fn)
}

func (r *Router) OnViolation(fn func(ViolationAlert)) *pubsub.Subscription {
	return r.violation.Add(fn)
}

func (r *Router) OnSystemStatus(fn func(SystemStatus)) *pubsub.Subscription {
	return r.status.Add(fn)
}

// OnMessage registers a listener for every recognised structured message
// from camera, after the type-specific handlers have run.
func (r *Router) OnMessage(camera ride.CameraType, fn func(Message)) *pubsub.Subscription {
	return r.listeners[camera].Add(fn)
}

// HandlerCount returns the number of registered handlers of every kind.
func (r *Router) HandlerCount() int {
	r.mu.Lock()
	n := len(r.video)
	r.mu.Unlock()
	for _, camera := range ride.Cameras {
		n += r.gps[camera].Len() + r.lane[camera].Len() + r.listeners[camera].Len()
	}
	return n + r.violation.Len() + r.status.Len()
}
