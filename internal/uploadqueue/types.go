// Package uploadqueue manages background photo uploads with bounded
// concurrency, linear retry backoff and restart-safe metadata.
package uploadqueue

import (
	"time"

	"github.com/patricksmith/highline-capture/internal/errors"
)

// Common errors returned by queue operations.
var (
	ErrQueueStopped   = errors.NewStd("upload queue has been stopped")
	ErrUploadNotFound = errors.NewStd("upload not found in queue")
	ErrAlreadyQueued  = errors.NewStd("photo already has a queued upload")
)

// Priority controls queue position. High-priority uploads go to the front of
// the pending line; low-priority uploads yield to everything else.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Status is the lifecycle state of one upload.
type Status int

const (
	// StatusPending indicates the upload is waiting for a worker slot.
	StatusPending Status = iota
	// StatusUploading indicates bytes are on the wire.
	StatusUploading
	// StatusRetrying indicates a failed attempt is waiting out its backoff.
	StatusRetrying
	// StatusCompleted indicates the server acknowledged the upload.
	StatusCompleted
	// StatusFailed indicates the retry budget is spent.
	StatusFailed
	// StatusCancelled indicates the upload was cancelled by the caller.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploading:
		return "uploading"
	case StatusRetrying:
		return "retrying"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Upload is the queue's record of one photo transfer. Only metadata lives
// here; payload bytes stay in the photo store until upload succeeds.
type Upload struct {
	ID        string
	PhotoID   string
	ItemID    string
	SessionID string
	Angle     string

	Priority   Priority
	Status     Status
	RetryCount int
	Progress   float64 // 0..1, byte-level during transfer
	LastError  string

	QueuedAt      time.Time
	LastAttemptAt time.Time
}

// snapshot returns a copy safe to hand to callers and subscribers.
func (u *Upload) snapshot() Upload {
	return *u
}

// ProgressFunc observes upload state changes. The Upload is a copy.
type ProgressFunc func(upload Upload)

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Pending   int
	InFlight  int
	Retrying  int
	Completed int
	Failed    int
	Cancelled int
}
