package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/timeutil"
)

type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
	StateFailed       ConnState = "failed"
)

// StatusEvent is delivered to Handlers.OnStatus on every lifecycle change.
// Open is the only "connected" state; Reconnecting means a retry is
// scheduled after RetryIn, Failed means the retry budget is spent.
type StatusEvent struct {
	Camera  ride.CameraType
	State   ConnState
	Attempt int
	RetryIn time.Duration
	Err     error
}

func (e StatusEvent) Connected() bool { return e.State == StateOpen }

// Handlers receive everything a camera connection delivers. Nil handlers are
// skipped.
type Handlers struct {
	OnMessage func(ride.CameraType, Envelope)
	OnBinary  func(ride.CameraType, []byte)
	OnStatus  func(StatusEvent)
}

func (h Handlers) status(ev StatusEvent) {
	if h.OnStatus != nil {
		h.OnStatus(ev)
	}
}

type Options struct {
	BaseURL              string
	MaxReconnectAttempts int
	KeepAliveInterval    time.Duration
	Backoff              Backoff
	WriteTimeout         time.Duration
}

func DefaultOptions() Options {
	return Options{
		BaseURL:              "http://localhost:5455",
		MaxReconnectAttempts: 5,
		KeepAliveInterval:    30 * time.Second,
		Backoff:              DefaultBackoff(),
		WriteTimeout:         5 * time.Second,
	}
}

// EndpointURL rewrites an http(s) base address to the websocket endpoint of
// camera.
func EndpointURL(base string, camera ride.CameraType) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid base url %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid base url %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + string(camera)
	return u.String(), nil
}

type connection struct {
	camera    ride.CameraType
	url       string
	handlers  Handlers
	state     ConnState
	conn      Conn
	cancel    context.CancelFunc
	keepalive timeutil.Timer
	closing   bool
}

type pendingRetry struct {
	id    uint64
	timer timeutil.Timer
}

// Registry maintains at most one live connection per camera.
type Registry struct {
	dialer Dialer
	clock  timeutil.Clock
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	retrySeq uint64
	conns    map[ride.CameraType]*connection
	attempts map[ride.CameraType]int
	retries  map[ride.CameraType]pendingRetry
}

func NewRegistry(dialer Dialer, clock timeutil.Clock, opts Options, log zerolog.Logger) (*Registry, error) {
	if _, err := EndpointURL(opts.BaseURL, ride.CameraFront); err != nil {
		return nil, err
	}
	defaults := DefaultOptions()
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.Backoff.Base <= 0 || opts.Backoff.Max <= 0 {
		opts.Backoff = defaults.Backoff
	}
	if opts.MaxReconnectAttempts < 0 {
		opts.MaxReconnectAttempts = 0
	}
	return &Registry{
		dialer:   dialer,
		clock:    clock,
		opts:     opts,
		log:      log.With().Str("component", "stream_registry").Logger(),
		conns:    make(map[ride.CameraType]*connection),
		attempts: make(map[ride.CameraType]int),
		retries:  make(map[ride.CameraType]pendingRetry),
	}, nil
}

// Connect opens the connection for camera. It is a no-op while a connection
// for camera exists, whatever its state.
func (r *Registry) Connect(camera ride.CameraType, h Handlers) {
	r.mu.Lock()
	if _, ok := r.conns[camera]; ok {
		r.mu.Unlock()
		r.log.Info().Str("camera", string(camera)).Msg("already connected, ignoring connect")
		return
	}
	if p, ok := r.retries[camera]; ok {
		p.timer.Stop()
		delete(r.retries, camera)
	}
	c, ctx := r.openLocked(camera, h)
	attempt := r.attempts[camera]
	r.mu.Unlock()

	if c == nil {
		return
	}
	r.log.Debug().Str("camera", string(camera)).Str("url", c.url).Msg("connecting")
	h.status(StatusEvent{Camera: camera, State: StateConnecting, Attempt: attempt})
	go r.run(ctx, c)
}

func (r *Registry) openLocked(camera ride.CameraType, h Handlers) (*connection, context.Context) {
	endpoint, err := EndpointURL(r.opts.BaseURL, camera)
	if err != nil {
		r.log.Error().Err(err).Str("camera", string(camera)).Msg("cannot build stream endpoint")
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		camera:   camera,
		url:      endpoint,
		handlers: h,
		state:    StateConnecting,
		cancel:   cancel,
	}
	r.conns[camera] = c
	return c, ctx
}

func (r *Registry) run(ctx context.Context, c *connection) {
	conn, err := r.dialer.Dial(ctx, c.url)
	if err != nil {
		r.handleDown(c, err)
		return
	}

	r.mu.Lock()
	if c.closing || r.conns[c.camera] != c {
		r.mu.Unlock()
		_ = conn.Close(CloseNormal, "")
		return
	}
	c.conn = conn
	c.state = StateOpen
	r.attempts[c.camera] = 0
	c.keepalive = r.clock.AfterFunc(r.opts.KeepAliveInterval, func() { r.keepAlive(c) })
	r.mu.Unlock()

	r.log.Info().Str("camera", string(c.camera)).Msg("stream connected")
	c.handlers.status(StatusEvent{Camera: c.camera, State: StateOpen})

	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			r.handleDown(c, err)
			return
		}
		r.deliver(c, kind, data)
	}
}

func (r *Registry) deliver(c *connection, kind FrameKind, data []byte) {
	r.mu.Lock()
	closing := c.closing
	r.mu.Unlock()
	if closing {
		return
	}

	log := r.log.With().Str("camera", string(c.camera)).Logger()
	switch kind {
	case BinaryFrame:
		log.Debug().Int("bytes", len(data)).Msg("binary frame received")
		if c.handlers.OnBinary != nil {
			c.handlers.OnBinary(c.camera, data)
		}
	default:
		if string(data) == PongToken {
			log.Debug().Msg("pong received")
			return
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed message")
			return
		}
		log.Debug().Str("type", env.Type).Msg("message received")
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(c.camera, env)
		}
	}
}

// handleDown runs once per connection when its dial or read loop ends.
func (r *Registry) handleDown(c *connection, cause error) {
	r.mu.Lock()
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
	c.state = StateClosed
	if r.conns[c.camera] == c {
		delete(r.conns, c.camera)
	}
	c.cancel()
	if c.closing {
		r.mu.Unlock()
		return
	}
	if isCleanClose(cause) {
		r.mu.Unlock()
		r.log.Info().Str("camera", string(c.camera)).Msg("stream closed by server")
		c.handlers.status(StatusEvent{Camera: c.camera, State: StateClosed, Err: cause})
		return
	}
	ev := r.scheduleReconnectLocked(c.camera, c.handlers, cause)
	r.mu.Unlock()

	if ev.State == StateFailed {
		r.log.Error().Err(cause).
			Str("camera", string(c.camera)).
			Int("attempts", ev.Attempt).
			Msg("max reconnection attempts reached, giving up")
	} else {
		r.log.Warn().Err(cause).
			Str("camera", string(c.camera)).
			Int("attempt", ev.Attempt).
			Int("max_attempts", r.opts.MaxReconnectAttempts).
			Dur("retry_in", ev.RetryIn).
			Msg("stream lost, reconnecting")
	}
	c.handlers.status(ev)
}

func (r *Registry) scheduleReconnectLocked(camera ride.CameraType, h Handlers, cause error) StatusEvent {
	attempts := r.attempts[camera]
	if attempts >= r.opts.MaxReconnectAttempts {
		return StatusEvent{Camera: camera, State: StateFailed, Attempt: attempts, Err: cause}
	}
	delay := r.opts.Backoff.Delay(attempts)
	r.attempts[camera] = attempts + 1

	if p, ok := r.retries[camera]; ok {
		p.timer.Stop()
	}
	r.retrySeq++
	id := r.retrySeq
	r.retries[camera] = pendingRetry{
		id:    id,
		timer: r.clock.AfterFunc(delay, func() { r.reconnect(camera, h, id) }),
	}
	return StatusEvent{Camera: camera, State: StateReconnecting, Attempt: attempts + 1, RetryIn: delay, Err: cause}
}

func (r *Registry) reconnect(camera ride.CameraType, h Handlers, id uint64) {
	r.mu.Lock()
	p, ok := r.retries[camera]
	if !ok || p.id != id {
		r.mu.Unlock()
		return
	}
	delete(r.retries, camera)
	if _, exists := r.conns[camera]; exists {
		r.mu.Unlock()
		return
	}
	c, ctx := r.openLocked(camera, h)
	attempt := r.attempts[camera]
	r.mu.Unlock()

	if c == nil {
		return
	}
	h.status(StatusEvent{Camera: camera, State: StateConnecting, Attempt: attempt})
	go r.run(ctx, c)
}

func (r *Registry) keepAlive(c *connection) {
	r.mu.Lock()
	if c.closing || c.state != StateOpen || r.conns[c.camera] != c {
		r.mu.Unlock()
		return
	}
	conn := c.conn
	c.keepalive = r.clock.AfterFunc(r.opts.KeepAliveInterval, func() { r.keepAlive(c) })
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, []byte(PingToken)); err != nil {
		r.log.Warn().Err(err).Str("camera", string(c.camera)).Msg("keep-alive ping failed")
		return
	}
	r.log.Debug().Str("camera", string(c.camera)).Msg("ping sent")
}

// Disconnect closes camera's connection cleanly and cancels its keep-alive
// and any pending reconnect. It never triggers a reconnect and emits no
// status event.
func (r *Registry) Disconnect(camera ride.CameraType) {
	r.mu.Lock()
	if p, ok := r.retries[camera]; ok {
		p.timer.Stop()
		delete(r.retries, camera)
	}
	delete(r.attempts, camera)
	c, ok := r.conns[camera]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, camera)
	c.closing = true
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
	conn := c.conn
	r.mu.Unlock()

	r.log.Info().Str("camera", string(camera)).Msg("disconnecting stream")
	if conn != nil {
		if err := conn.Close(CloseNormal, "client disconnect"); err != nil {
			r.log.Debug().Err(err).Str("camera", string(camera)).Msg("close handshake failed")
		}
	}
	c.cancel()
}

// DisconnectAll disconnects every camera and cancels every pending reconnect.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	cameras := make(map[ride.CameraType]struct{})
	for camera := range r.conns {
		cameras[camera] = struct{}{}
	}
	for camera := range r.retries {
		cameras[camera] = struct{}{}
	}
	r.mu.Unlock()

	for camera := range cameras {
		r.Disconnect(camera)
	}
}

// Send writes msg to camera's connection if it is open. Strings and byte
// slices are sent verbatim, anything else as JSON. Undeliverable messages are
// logged and dropped.
func (r *Registry) Send(camera ride.CameraType, msg any) {
	r.mu.Lock()
	var conn Conn
	if c, ok := r.conns[camera]; ok && c.state == StateOpen && !c.closing {
		conn = c.conn
	}
	r.mu.Unlock()

	if conn == nil {
		r.log.Warn().Str("camera", string(camera)).Msg("cannot send, stream not connected")
		return
	}

	var payload []byte
	switch m := msg.(type) {
	case string:
		payload = []byte(m)
	case []byte:
		payload = m
	default:
		b, err := json.Marshal(m)
		if err != nil {
			r.log.Warn().Err(err).Str("camera", string(camera)).Msg("cannot encode outbound message")
			return
		}
		payload = b
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, payload); err != nil {
		r.log.Warn().Err(err).Str("camera", string(camera)).Msg("send failed")
		return
	}
	r.log.Debug().Str("camera", string(camera)).Int("bytes", len(payload)).Msg("message sent")
}

func (r *Registry) IsConnected(camera ride.CameraType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[camera]
	return ok && c.state == StateOpen && !c.closing
}

// ConnectionStatus reports which cameras currently have an open connection.
func (r *Registry) ConnectionStatus() ride.Activation {
	var a ride.Activation
	for _, camera := range ride.Cameras {
		a.Set(camera, r.IsConnected(camera))
	}
	return a
}

// Attempts returns the reconnect counter for camera.
func (r *Registry) Attempts(camera ride.CameraType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[camera]
}

// ActiveConnections counts connection records, including ones still dialing.
func (r *Registry) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
