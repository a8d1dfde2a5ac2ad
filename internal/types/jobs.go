package types

import (
	"context"
	"maps"
	"time"

	"github.com/tanq16/mediagrab/internal/dlerror"
)

// Status is the lifecycle state of a download job. The numeric order is the
// order a job moves through; only Failed may go back to Queued (manual retry).
type Status int

const (
	StatusQueued Status = iota
	StatusStarting
	StatusConnecting
	StatusTransferring
	StatusMerging
	StatusComplete
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusQueued:       "queued",
	StatusStarting:     "starting",
	StatusConnecting:   "connecting",
	StatusTransferring: "transferring",
	StatusMerging:      "merging",
	StatusComplete:     "complete",
	StatusFailed:       "failed",
	StatusCancelled:    "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

func (s Status) IsActive() bool {
	return s >= StatusStarting && s <= StatusMerging
}

// CanAdvance reports whether a job in state s may move to next.
func (s Status) CanAdvance(next Status) bool {
	if s == StatusFailed && next == StatusQueued {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next > s
}

type HTTPClientConfig struct {
	Timeout        time.Duration // connect + response header
	ReadTimeout    time.Duration // idle time allowed between two body reads
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	HighThreadMode bool // advanced socket options for high concurrency
}

// Hint carries per-attempt guidance from the retry policy to a downloader.
type Hint struct {
	Attempt int
	// Rotate asks the downloader to use an alternate client identity
	// (different user agent, no session cookie) for this attempt.
	Rotate bool
}

type Job struct {
	ID               string
	Platform         string
	SourceURL        string
	OutputPath       string
	Connections      int
	MaxRetries       int
	Metadata         map[string]any
	HTTPClientConfig HTTPClientConfig
	Hint             Hint

	Status           Status
	Percent          float64
	BytesTransferred int64
	BytesTotal       int64 // -1 when unknown
	Speed            float64
	AttemptCount     int
	LastError        string
	ErrorKind        dlerror.Kind
	Paused           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot returns a copy that shares nothing mutable with j.
func (j Job) Snapshot() Job {
	j.Metadata = maps.Clone(j.Metadata)
	j.HTTPClientConfig.Headers = maps.Clone(j.HTTPClientConfig.Headers)
	return j
}

// Request is what callers submit to the queue.
type Request struct {
	ID               string // optional, generated when empty
	URL              string
	OutputPath       string
	Platform         string // optional, skips URL resolution
	Connections      int
	MaxRetries       int // 0 uses the queue default
	Metadata         map[string]any
	HTTPClientConfig HTTPClientConfig
}

type Downloader interface {
	// ValidateJob checks the job before any network work. Errors are never retried.
	ValidateJob(job *Job) error
	// BuildJob resolves output paths and metadata. Runs once per job, retried until it succeeds.
	BuildJob(ctx context.Context, job *Job) error
	// Download performs one attempt, honoring ctx cancellation at every read.
	Download(ctx context.Context, job *Job, r Reporter) error
}

// Reporter receives progress from a running downloader. Implementations are safe
// for concurrent use and ignore values that would move progress backwards.
type Reporter interface {
	SetPhase(s Status)
	SetTotal(bytes int64)
	Add(bytes int64)
	SetSegments(done, total int)
	Stream(line string)
}

// Discard is a Reporter that drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) SetPhase(Status)      {}
func (discard) SetTotal(int64)       {}
func (discard) Add(int64)            {}
func (discard) SetSegments(int, int) {}
func (discard) Stream(string)        {}
