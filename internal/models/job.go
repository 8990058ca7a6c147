package models

import "time"

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the state machine allows moving from s to
// next. Valid moves are PENDING -> PROCESSING and PROCESSING -> {COMPLETED,
// FAILED}; nothing re-enters PENDING and nothing leaves a terminal state.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Valid reports whether s is one of the four known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// JobMetadata carries submission-time context. Exactly one of
// SourceURL/UploadRef identifies the input.
type JobMetadata struct {
	SourceURL string `json:"source_url,omitempty"`
	Filename  string `json:"filename,omitempty"`
	UploadRef string `json:"upload_ref,omitempty"`
}

// Job represents a tracked unit of work from submission to a terminal
// outcome. Blob fields (UploadRef, ResultRef, Visualizations values) are weak
// references into the blob store; the job record never holds blob bytes.
type Job struct {
	ID             string            `json:"id"`
	Status         JobStatus         `json:"status"`
	Version        int64             `json:"version"`
	Metadata       JobMetadata       `json:"metadata"`
	Error          string            `json:"error,omitempty"`
	ResultRef      string            `json:"result_ref,omitempty"`
	Visualizations map[string]string `json:"visualizations,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Visualizations != nil {
		cp.Visualizations = make(map[string]string, len(j.Visualizations))
		for k, v := range j.Visualizations {
			cp.Visualizations[k] = v
		}
	}
	return &cp
}

// SubmitRequest represents a request to submit a job. Exactly one of
// FileBytes or SourceURL must be set.
type SubmitRequest struct {
	FileBytes []byte
	Filename  string
	SourceURL string

	// JobID optionally fixes the id instead of generating one. Submitting an
	// id that already exists is rejected, never overwritten.
	JobID string
}
