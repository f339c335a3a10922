package session

import (
	"sync"
	"sync/atomic"
	"time"

	"ridewatch-console/internal/domain/ride"
)

// Frame is a video frame retained by a session. Data is only valid until
// Release; a session releases its frame when a newer one supersedes it or
// when the session is stopped or reset.
type Frame struct {
	Camera     ride.CameraType
	Data       []byte
	ReceivedAt time.Time

	buf  *[]byte
	pool *framePool
	once sync.Once
}

// Release returns the frame's buffer to its pool. Only the first call has an
// effect.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.Data = nil
		f.pool.put(f.buf)
	})
}

// framePool recycles frame buffers and counts the ones still held.
type framePool struct {
	pool        sync.Pool
	outstanding atomic.Int64
}

func newFramePool() *framePool {
	p := &framePool{}
	p.pool.New = func() any {
		b := make([]byte, 0, 64<<10)
		return &b
	}
	return p
}

// acquire copies data into a pooled buffer.
func (p *framePool) acquire(camera ride.CameraType, data []byte, at time.Time) *Frame {
	buf := p.pool.Get().(*[]byte)
	*buf = append((*buf)[:0], data...)
	p.outstanding.Add(1)
	return &Frame{Camera: camera, Data: *buf, ReceivedAt: at, buf: buf, pool: p}
}

func (p *framePool) put(buf *[]byte) {
	p.outstanding.Add(-1)
	p.pool.Put(buf)
}

// Outstanding reports how many acquired frames have not been released.
func (p *framePool) Outstanding() int64 {
	return p.outstanding.Load()
}
