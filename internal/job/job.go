// Package job provides the Job aggregate for song processing jobs.
// It includes the Job entity with its enforced status state machine, the
// processing arguments clients submit, the existence cache used to answer
// status polls, and the repository and dispatch ports.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/songqueue/songapi/internal/job/id"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusWaiting indicates the job is waiting for an available worker.
	StatusWaiting Status = "waiting"
	// StatusProcessing indicates the job is currently being processed.
	StatusProcessing Status = "processing"
	// StatusRendering indicates the job is waiting for the MP3 render.
	StatusRendering Status = "rendering"
	// StatusFinished indicates the result is finished and available.
	StatusFinished Status = "finished"
	// StatusTimedOut indicates the job took too long and was canceled.
	StatusTimedOut Status = "timed_out"
	// StatusExpired indicates a finished result was removed to free up space.
	StatusExpired Status = "expired"
)

// IsValid returns true if the status is one of the known states.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusWaiting:    {StatusProcessing, StatusTimedOut},
	StatusProcessing: {StatusRendering, StatusTimedOut},
	StatusRendering:  {StatusFinished, StatusTimedOut},
	StatusFinished:   {StatusExpired},
	StatusTimedOut:   {},
	StatusExpired:    {},
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// SourceKind tells where the song audio of a job comes from.
type SourceKind string

const (
	// SourceFile is an uploaded audio file.
	SourceFile SourceKind = "file"
	// SourceURL is a remote song URL.
	SourceURL SourceKind = "url"
)

// Source describes the input audio of a job.
type Source struct {
	// Kind is the submission type.
	Kind SourceKind `json:"kind"`
	// URL is the remote song URL for url submissions, or the object
	// storage URL of an uploaded file when pushed to S3.
	URL string `json:"url,omitempty"`
	// Path is the local path of an uploaded file.
	Path string `json:"path,omitempty"`
	// Filename is the client-supplied upload name.
	Filename string `json:"filename,omitempty"`
}

// Job represents a song processing job aggregate.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Source is the input audio.
	Source Source
	// Args are the processing parameters.
	Args ProcessingArgs
	// Status is the current job state.
	Status Status
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// FinishedAt is when the job reached finished or timed_out.
	FinishedAt time.Time
}

// New creates a new Job with a generated ID and initial waiting status.
func New(source Source, args ProcessingArgs) *Job {
	j := NewWithID(id.Generate())
	j.Source = source
	j.Args = args
	return j
}

// NewWithID creates a new Job with the specified ID and initial waiting status.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(jobID string) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Status:    StatusWaiting,
		Args:      ProcessingArgs{Effects: []Effect{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !CanTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusProcessing:
		j.StartedAt = j.UpdatedAt
	case StatusFinished, StatusTimedOut:
		j.FinishedAt = j.UpdatedAt
	}

	return nil
}

// Start transitions the job from waiting to processing.
func (j *Job) Start() error {
	return j.TransitionTo(StatusProcessing)
}

// Render transitions the job from processing to rendering.
func (j *Job) Render() error {
	return j.TransitionTo(StatusRendering)
}

// Finish transitions the job from rendering to finished.
func (j *Job) Finish() error {
	return j.TransitionTo(StatusFinished)
}

// Timeout transitions an unfinished job to timed_out.
func (j *Job) Timeout() error {
	return j.TransitionTo(StatusTimedOut)
}

// Expire transitions a finished job to expired.
func (j *Job) Expire() error {
	return j.TransitionTo(StatusExpired)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if no further transition is possible.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(validTransitions[j.Status]) == 0
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:         j.ID,
		Source:     j.Source,
		Args:       j.Args.Clone(),
		Status:     j.Status,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}
