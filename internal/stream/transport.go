// Package stream owns the per-camera streaming connections to the processing
// backend: at most one connection per camera, keep-alive probes and the
// exponential-backoff reconnection policy.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Liveness tokens exchanged with the backend. Neither is a structured message.
const (
	PingToken = "ping"
	PongToken = "pong"
)

// Close codes used on the wire.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseInternalErr = 1011
)

type FrameKind int

const (
	TextFrame FrameKind = iota
	BinaryFrame
)

// Conn is a single streaming transport connection.
type Conn interface {
	// Read blocks until the next frame arrives or the connection ends.
	Read(ctx context.Context) (FrameKind, []byte, error)
	// Write sends a text frame.
	Write(ctx context.Context, p []byte) error
	// Close performs a close handshake with the given code.
	Close(code int, reason string) error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports that the peer closed the connection with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

func isCleanClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce) && ce.Code == CloseNormal
}

// Envelope is the structured text frame pushed by the backend.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *float64        `json:"timestamp,omitempty"`
}

// ParseEnvelope decodes a text frame.
func ParseEnvelope(p []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(p, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse message: %w", err)
	}
	return env, nil
}
