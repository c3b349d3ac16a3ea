package domain

import "time"

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Terminal reports whether a job in this status can never change again.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

type Priority string

const (
	Low    Priority = "low"
	Normal Priority = "normal"
	High   Priority = "high"
	Urgent Priority = "urgent"
)

// Rank orders priorities for claiming: higher rank is claimed first.
func (p Priority) Rank() int {
	switch p {
	case Urgent:
		return 3
	case High:
		return 2
	case Normal:
		return 1
	case Low:
		return 0
	}
	return 1
}

func (p Priority) Valid() bool {
	switch p {
	case Low, Normal, High, Urgent:
		return true
	}
	return false
}

// Kind discriminates job types sharing the queue. Each kind has its own
// downstream batch processor.
type Kind string

const (
	Grading    Kind = "grading"
	Extraction Kind = "extraction"
)

func (k Kind) Valid() bool { return k == Grading || k == Extraction }

// Job is the narrow lifecycle record. Bulky content lives in JobPayload so
// that progress ticks and status polls never touch large rows.
type Job struct {
	ID          string
	Kind        Kind
	Status      Status
	Priority    Priority
	Progress    int // 0-100, non-decreasing while processing
	ItemCount   int
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobPayload is the wide content record, one-to-one with a Job. InputItems
// are immutable after creation; Results and Errors are append-only.
type JobPayload struct {
	JobID      string
	InputItems []WorkItem
	Results    []Result
	Errors     []string
	Metadata   map[string]string
}

// WorkItem is one unit of submitted work, e.g. a student answer to grade or
// a document to extract.
type WorkItem struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the downstream API's output for one work item.
type Result struct {
	ItemID string            `json:"itemId"`
	Output string            `json:"output"`
	Scores map[string]string `json:"scores,omitempty"`
}
