package events

import (
	"time"

	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
)

// Event is anything published to a Sink. Lossy events return a non-empty
// CoalesceKey; a newer event with the same key replaces an undelivered older one.
// Lossless events return "" and are always delivered in publish order.
type Event interface {
	CoalesceKey() string
	// Subject is the job or batch the event belongs to.
	Subject() string
}

type JobProgress struct {
	JobID            string
	Phase            types.Status
	Percent          float64
	BytesTransferred int64
	BytesTotal       int64
	Speed            float64 // smoothed bytes per second
	ETA              time.Duration
	ETAKnown         bool
	SegmentsDone     int
	SegmentsTotal    int
}

func (e JobProgress) CoalesceKey() string { return "progress/" + e.JobID }
func (e JobProgress) Subject() string     { return e.JobID }

type JobStatus struct {
	JobID      string
	Platform   string
	SourceURL  string
	OutputPath string
	Status     types.Status
	Attempt    int
	Error      string
	Kind       dlerror.Kind
	At         time.Time
}

func (e JobStatus) CoalesceKey() string { return "" }
func (e JobStatus) Subject() string     { return e.JobID }
func (e JobStatus) Terminal() bool      { return e.Status.IsTerminal() }

// JobRetry announces a wait before the next attempt so it can be shown as a countdown.
type JobRetry struct {
	JobID      string
	Attempt    int // attempt that failed
	MaxRetries int
	Delay      time.Duration
	Kind       dlerror.Kind
	Rotate     bool
	Error      string
}

func (e JobRetry) CoalesceKey() string { return "" }
func (e JobRetry) Subject() string     { return e.JobID }

type JobPaused struct {
	JobID  string
	Paused bool
}

func (e JobPaused) CoalesceKey() string { return "" }
func (e JobPaused) Subject() string     { return e.JobID }

// JobLog is a free-form output line from a downloader, such as git progress.
type JobLog struct {
	JobID string
	Line  string
}

func (e JobLog) CoalesceKey() string { return "log/" + e.JobID }
func (e JobLog) Subject() string     { return e.JobID }

type BatchItem struct {
	BatchID string
	ItemID  string
	JobID   string
	Status  types.TaskStatus
	Percent float64
	Error   string
	// StatusChanged marks a status transition, which must not be coalesced away.
	StatusChanged bool
}

func (e BatchItem) CoalesceKey() string {
	if e.StatusChanged {
		return ""
	}
	return "batch/" + e.BatchID + "/" + e.ItemID
}
func (e BatchItem) Subject() string { return e.BatchID }

type BatchProgress struct {
	BatchID string
	Name    string
	Done    int
	Total   int
}

func (e BatchProgress) CoalesceKey() string { return "" }
func (e BatchProgress) Subject() string     { return e.BatchID }

type BatchFinished struct {
	BatchID   string
	Name      string
	Done      int
	Total     int
	Cancelled bool
}

func (e BatchFinished) CoalesceKey() string { return "" }
func (e BatchFinished) Subject() string     { return e.BatchID }
