package entity

import "time"

type JobKind string

const (
	JobSingleText JobKind = "single_text"
	JobFile       JobKind = "file"
	JobBatch      JobKind = "batch"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobSingleText, JobFile, JobBatch:
		return true
	}
	return false
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobPayload is the input of a job. Files arrive as already extracted segments.
type JobPayload struct {
	Text     string   `json:"text,omitempty"`
	Items    []string `json:"items,omitempty"`
	FileName string   `json:"file_name,omitempty"`
	Params   Params   `json:"params"`

	PreferredEngine string `json:"preferred_engine,omitempty"`
	AllowPremium    bool   `json:"allow_premium"`
}

// JobResult is persisted exactly once, on completion.
type JobResult struct {
	Text     string      `json:"text,omitempty"`
	Items    []string    `json:"items,omitempty"`
	Metadata JobMetadata `json:"metadata"`
}

type JobMetadata struct {
	DurationMsec   int64    `json:"duration_ms"`
	ChunkCount     int      `json:"chunk_count"`
	InputChars     int      `json:"input_chars"`
	OutputChars    int      `json:"output_chars"`
	DegradedChunks int      `json:"degraded_chunks"`
	Engines        []string `json:"engines"`
	Attempts       int      `json:"attempts"`
}

// JobCheckpoint lets a retried job resume at the chunk where it stopped.
type JobCheckpoint struct {
	NextChunk int      `json:"next_chunk"`
	Outputs   []string `json:"outputs"`
	Degraded  int      `json:"degraded"`
	Engines   []string `json:"engines"`
}

type Job struct {
	ID          string         `json:"id"`
	Kind        JobKind        `json:"kind"`
	UserID      string         `json:"user_id"`
	UserTier    string         `json:"user_tier,omitempty"`
	Payload     JobPayload     `json:"payload"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	Stage       string         `json:"stage,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Result      *JobResult     `json:"result,omitempty"`
	Error       *Error         `json:"error,omitempty"`
	Checkpoint  *JobCheckpoint `json:"checkpoint,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ProgressEvent is published on every progress change of a job.
type ProgressEvent struct {
	JobID    string    `json:"job_id"`
	Kind     JobKind   `json:"kind"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Stage    string    `json:"stage"`
	At       time.Time `json:"at"`
}

// JobOptions tune a single submission.
type JobOptions struct {
	MaxAttempts int
	Priority    bool // pushed to the head of the pending list
}
