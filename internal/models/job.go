package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is the durable queue row. Claims are conditional updates on state;
// expired leases make RUNNING jobs reclaimable.
type Job struct {
	BaseModel
	Type    string         `gorm:"size:64;not null;index:idx_jobs_claim,priority:4" json:"type"`
	Payload datatypes.JSON `json:"payload"`

	State       JobState  `gorm:"size:16;not null;index:idx_jobs_claim,priority:1" json:"state"`
	Attempts    int       `gorm:"default:0" json:"attempts"`
	MaxAttempts int       `gorm:"default:3" json:"max_attempts"`
	Priority    int       `gorm:"default:0;index:idx_jobs_claim,priority:2,sort:desc" json:"priority"`
	NotBefore   time.Time `gorm:"index:idx_jobs_claim,priority:3" json:"not_before"`

	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	SessionID   string    `gorm:"size:64;index" json:"session_id,omitempty"`

	// DedupKey collapses duplicate enqueues; unique when set.
	DedupKey string `gorm:"size:128;uniqueIndex:idx_jobs_dedup,where:dedup_key <> ''" json:"-"`

	LeaseUntil *time.Time `gorm:"index" json:"lease_until,omitempty"`
	WorkerID   string     `gorm:"size:64" json:"worker_id,omitempty"`

	CancelRequested bool `gorm:"default:false" json:"cancel_requested"`

	ProgressStage   int            `gorm:"default:0" json:"progress_stage"`
	ProgressTotal   int            `gorm:"default:0" json:"progress_total"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ProgressData    datatypes.JSON `json:"progress_data,omitempty"`

	Result    datatypes.JSON `json:"result,omitempty"`
	ErrorCode string         `gorm:"size:64" json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`

	// Reservation held by PolicyGate for this job, released on failure.
	ReservationID *uuid.UUID `gorm:"type:uuid" json:"-"`
}

// CharacterImageKind distinguishes rows produced by image jobs.
type CharacterImageKind string

const (
	ImageKindReference CharacterImageKind = "REFERENCE"
	ImageKindAvatar    CharacterImageKind = "AVATAR"
)

// CharacterImage records one stored image produced for a character.
type CharacterImage struct {
	BaseModel
	CharacterID uuid.UUID          `gorm:"type:uuid;not null;index" json:"character_id"`
	Kind        CharacterImageKind `gorm:"size:16;not null" json:"kind"`
	Stage       string             `gorm:"size:32" json:"stage,omitempty"`
	ObjectPath  string             `gorm:"not null" json:"object_path"`
	JobID       *uuid.UUID         `gorm:"type:uuid;index" json:"job_id,omitempty"`
}
