package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ridewatch-console/internal/domain/ride"
	"ridewatch-console/internal/pubsub"
	"ridewatch-console/internal/repository"
	"ridewatch-console/internal/state"
)

const paramsPreferenceKey = "detection_params"

// JournalStore persists ride data.
type JournalStore interface {
	InsertGPSPoint(ctx context.Context, row *repository.GPSPoint) error
	InsertViolation(ctx context.Context, row *repository.Violation) error
	SavePreference(ctx context.Context, key string, value any) error
	LoadPreference(ctx context.Context, key string, out any) (bool, error)
	ListTrack(ctx context.Context, rideID int64) ([]repository.GPSPoint, error)
	ListViolations(ctx context.Context, rideID int64, limit int) ([]repository.Violation, error)
}

type journalEntry struct {
	gps       *repository.GPSPoint
	violation *repository.Violation
	params    *ride.Params
}

// Journal writes accepted track points, violations and parameter changes to
// a JournalStore from a single background worker. Enqueueing never blocks:
// entries are dropped with a warning when the queue is full.
type Journal struct {
	repo    JournalStore
	log     zerolog.Logger
	timeout time.Duration
	queue   chan journalEntry
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	sub    *pubsub.Subscription
}

func NewJournal(repo JournalStore, queueSize int, log zerolog.Logger) *Journal {
	if queueSize <= 0 {
		queueSize = 256
	}
	j := &Journal{
		repo:    repo,
		log:     log.With().Str("component", "ride_journal").Logger(),
		timeout: 5 * time.Second,
		queue:   make(chan journalEntry, queueSize),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Attach starts recording the changes applied to store.
func (j *Journal) Attach(store *state.Store) {
	sub := store.Subscribe(j.record)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		sub.Unsubscribe()
		return
	}
	j.sub = sub
}

// RestoreParams loads the stored detection parameters into store.
func (j *Journal) RestoreParams(ctx context.Context, store *state.Store) error {
	var p ride.Params
	ok, err := j.repo.LoadPreference(ctx, paramsPreferenceKey, &p)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := store.SetParams(p); err != nil {
		j.log.Warn().Err(err).Msg("ignoring invalid stored detection parameters")
		return nil
	}
	j.log.Info().Str("detect_mode", string(p.DetectMode)).Float64("speed_limit", p.SpeedLimit).Msg("restored detection parameters")
	return nil
}

func (j *Journal) Track(ctx context.Context, rideID int64) ([]repository.GPSPoint, error) {
	return j.repo.ListTrack(ctx, rideID)
}

func (j *Journal) Violations(ctx context.Context, rideID int64, limit int) ([]repository.Violation, error) {
	return j.repo.ListViolations(ctx, rideID, limit)
}

// Dropped reports how many entries were discarded because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) record(c state.Change) {
	switch c.Kind {
	case state.ChangeGPS:
		if c.GPS == nil {
			return
		}
		row := repository.NewGPSPointRow(c.Ride, c.Camera, *c.GPS)
		j.enqueue(journalEntry{gps: &row})
	case state.ChangeViolation:
		if c.Violation == nil {
			return
		}
		row, err := repository.NewViolationRow(c.Ride, *c.Violation)
		if err != nil {
			j.log.Warn().Err(err).Str("violation_id", c.Violation.ID).Msg("cannot journal violation")
			return
		}
		j.enqueue(journalEntry{violation: &row})
	case state.ChangeParams:
		if c.Params != nil {
			p := *c.Params
			j.enqueue(journalEntry{params: &p})
		}
	}
}

func (j *Journal) enqueue(e journalEntry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		n := j.dropped.Add(1)
		j.log.Warn().Int64("dropped_total", n).Msg("journal queue full, dropping entry")
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.queue {
		j.write(e)
	}
}

func (j *Journal) write(e journalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	switch {
	case e.gps != nil:
		if err := j.repo.InsertGPSPoint(ctx, e.gps); err != nil {
			j.log.Error().Err(err).Int64("ride_id", e.gps.RideID).Msg("failed to journal gps point")
		}
	case e.violation != nil:
		if err := j.repo.InsertViolation(ctx, e.violation); err != nil {
			j.log.Error().
				Err(err).
				Int64("ride_id", e.violation.RideID).
				Str("violation_id", e.violation.ID.String()).
				Msg("failed to journal violation")
		}
	case e.params != nil:
		if err := j.repo.SavePreference(ctx, paramsPreferenceKey, e.params); err != nil {
			j.log.Error().Err(err).Msg("failed to store detection parameters")
		}
	}
}

// Close stops recording and waits for queued entries to be written.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	sub := j.sub
	j.sub = nil
	close(j.queue)
	j.mu.Unlock()

	sub.Unsubscribe()
	<-j.done
}
