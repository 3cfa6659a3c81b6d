package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// QueueName definition queue name
	QueueName = "video-processing"
)

// JobStatus definition job status
type JobStatus string

const (
	// JobQueued job is waiting in the queue
	JobQueued JobStatus = "queued"
	// JobProcessing job is being worked on
	JobProcessing JobStatus = "processing"
	// JobDone job finished, outputs recorded
	JobDone JobStatus = "done"
	// JobFailed job failed, error recorded
	JobFailed JobStatus = "failed"
)

// CanTransition reports whether the state machine allows moving to next.
// done is terminal; failed may re-enter queued on retry.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobProcessing
	case JobProcessing:
		return next == JobDone || next == JobFailed
	case JobFailed:
		return next == JobQueued
	default:
		return false
	}
}

// OptionKind definition the transformation an option requests
type OptionKind string

const (
	// OptionTranscode re-encode the source to a target codec/bitrate
	OptionTranscode OptionKind = "transcode"
	// OptionClip cut a time-bounded section out of the source
	OptionClip OptionKind = "clip"
	// OptionCaption burn caption text into the video
	OptionCaption OptionKind = "caption"
)

// OptionParams definition per-kind parameters. Only the fields matching the
// option kind are meaningful; the rest stay zero.
type OptionParams struct {
	// transcode
	Codec   string `json:"codec,omitempty"`
	Bitrate string `json:"bitrate,omitempty"`
	Height  int    `json:"height,omitempty"`

	// clip: [start, end) in seconds; a bare length means "split the whole
	// source into consecutive clips of that length"
	Start  float64 `json:"start,omitempty"`
	End    float64 `json:"end,omitempty"`
	Length float64 `json:"length,omitempty"`

	// caption
	Text string `json:"text,omitempty"`
}

// Option definition one independently producible output within a job
type Option struct {
	ID     string       `json:"id"`
	Kind   OptionKind   `json:"kind"`
	Params OptionParams `json:"params"`
}

// QueuePayload is the minimal dispatch token carried by a queue entry.
// The database record stays authoritative for status.
type QueuePayload struct {
	JobID     string   `json:"jobId"`
	VideoID   string   `json:"videoId"`
	SourceURL string   `json:"sourceUrl"`
	Options   []Option `json:"options"`
}

// OptionList stores the requested options as jsonb
type OptionList []Option

// Value implement driver.Valuer
func (l OptionList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implement sql.Scanner
func (l *OptionList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// OutputMap maps option id to artifact URL, stored as jsonb
type OutputMap map[string]string

// Value implement driver.Valuer
func (m OutputMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implement sql.Scanner
func (m *OutputMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

// Job definition the persisted job record
type Job struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	VideoID   string     `gorm:"index" json:"video_id"`
	SourceURL string     `json:"source_url"`
	Options   OptionList `gorm:"type:jsonb" json:"options"`
	Status    JobStatus  `gorm:"index" json:"status"`
	Attempt   int        `json:"attempt"`
	Outputs   OutputMap  `gorm:"type:jsonb" json:"outputs"`
	// Error is the last job-level failure reason, set only while failed.
	Error string `json:"error,omitempty"`
	// OptionErrors keeps per-option failure detail. A done job never carries
	// a job-level Error but may carry option-level detail here.
	OptionErrors OutputMap `gorm:"type:jsonb" json:"option_errors,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName gorm table name
func (Job) TableName() string { return "jobs" }

// OptionResult definition the per-option outcome of a pipeline run
type OptionResult struct {
	OptionID   string
	OutputPath string
	Err        error
}

// JobEvent definition the lifecycle event published after a job reaches a
// terminal state, consumed by the analytics side.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	VideoID      string    `json:"video_id"`
	Status       JobStatus `json:"status"`
	Attempt      int       `json:"attempt"`
	Outputs      OutputMap `json:"outputs,omitempty"`
	Error        string    `json:"error,omitempty"`
	OptionErrors OutputMap `json:"option_errors,omitempty"`
	At           time.Time `json:"at"`
}

// Progress checkpoints written to redis for external readers.
const (
	ProgressStarted    = 5
	ProgressDownloaded = 30
	ProgressProcessed  = 70
	ProgressUploaded   = 90
	ProgressFinished   = 100
)
