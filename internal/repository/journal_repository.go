package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ridewatch-console/internal/domain/ride"
)

type JournalRepository struct {
	db *gorm.DB
}

func NewJournalRepository(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

type GPSPoint struct {
	ID              int64 `gorm:"primaryKey"`
	RideID          int64 `gorm:"not null"`
	BikerID         *int64
	CameraType      string  `gorm:"not null"`
	Latitude        float64 `gorm:"not null"`
	Longitude       float64 `gorm:"not null"`
	Speed           float64
	Confidence      *float64
	CoordinatesText *string
	OverLimit       bool
	ObservedAt      time.Time `gorm:"not null"`
	CreatedAt       time.Time
}

func (GPSPoint) TableName() string { return "ride_gps_points" }

type Violation struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	RideID        int64     `gorm:"not null"`
	BikerID       *int64
	CameraType    string `gorm:"not null"`
	ViolationType string `gorm:"not null"`
	RawType       *string
	Description   *string
	DetectedAt    time.Time      `gorm:"not null"`
	RawPayload    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time
}

func (Violation) TableName() string { return "ride_violations" }

type Preference struct {
	Key       string         `gorm:"primaryKey"`
	Value     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (Preference) TableName() string { return "console_preferences" }

// NewGPSPointRow maps a track point of rideCtx to its journal row.
func NewGPSPointRow(rideCtx ride.Context, camera ride.CameraType, p ride.GPSPoint) GPSPoint {
	row := GPSPoint{
		RideID:     rideCtx.RideID,
		CameraType: string(camera),
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Speed:      p.Speed,
		Confidence: p.Confidence,
		OverLimit:  p.OverLimit,
		ObservedAt: p.ObservedAt,
		CreatedAt:  time.Now(),
	}
	if rideCtx.BikerID != 0 {
		id := rideCtx.BikerID
		row.BikerID = &id
	}
	if p.CoordinatesText != "" {
		text := p.CoordinatesText
		row.CoordinatesText = &text
	}
	return row
}

// NewViolationRow maps a recorded violation of rideCtx to its journal row.
// Violations without a valid client id get a fresh one.
func NewViolationRow(rideCtx ride.Context, v ride.Violation) (Violation, error) {
	id, err := uuid.Parse(v.ID)
	if err != nil {
		id = uuid.New()
	}
	row := Violation{
		ID:            id,
		RideID:        rideCtx.RideID,
		CameraType:    string(v.Camera),
		ViolationType: string(v.Type),
		DetectedAt:    v.DetectedAt,
		CreatedAt:     time.Now(),
	}
	if rideCtx.BikerID != 0 {
		bikerID := rideCtx.BikerID
		row.BikerID = &bikerID
	}
	if v.RawType != "" {
		raw := v.RawType
		row.RawType = &raw
	}
	if v.Description != "" {
		desc := v.Description
		row.Description = &desc
	}
	if len(v.Raw) > 0 {
		payload, err := json.Marshal(v.Raw)
		if err != nil {
			return Violation{}, err
		}
		row.RawPayload = datatypes.JSON(payload)
	}
	return row, nil
}

func (r *JournalRepository) InsertGPSPoint(ctx context.Context, row *GPSPoint) error {
	return r.db.WithContext(ctx).Create(row).Error
}

// InsertViolation stores row once; replays of the same id are ignored.
func (r *JournalRepository) InsertViolation(ctx context.Context, row *Violation) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(row).Error
}

func (r *JournalRepository) ListViolations(ctx context.Context, rideID int64, limit int) ([]Violation, error) {
	query := r.db.WithContext(ctx).
		Where("ride_id = ?", rideID).
		Order("detected_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Violation
	err := query.Find(&rows).Error
	return rows, err
}

func (r *JournalRepository) ListTrack(ctx context.Context, rideID int64) ([]GPSPoint, error) {
	var rows []GPSPoint
	err := r.db.WithContext(ctx).
		Where("ride_id = ?", rideID).
		Order("observed_at ASC").
		Find(&rows).Error
	return rows, err
}

// SavePreference upserts value, encoded as JSON, under key.
func (r *JournalRepository) SavePreference(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	pref := Preference{Key: key, Value: datatypes.JSON(payload), UpdatedAt: time.Now()}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&pref).Error
}

// LoadPreference decodes the value stored under key into out. It reports
// false when no value is stored.
func (r *JournalRepository) LoadPreference(ctx context.Context, key string, out any) (bool, error) {
	var pref Preference
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(pref.Value, out); err != nil {
		return false, err
	}
	return true, nil
}
