package types

import "time"

type TaskStatus int

const (
	TaskWaiting TaskStatus = iota
	TaskDownloading
	TaskDone
	TaskError
	TaskSkipped
	TaskCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case TaskWaiting:
		return "waiting"
	case TaskDownloading:
		return "downloading"
	case TaskDone:
		return "done"
	case TaskError:
		return "error"
	case TaskSkipped:
		return "skipped"
	case TaskCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Counted reports whether the status contributes to BatchJob.DoneCount.
func (s TaskStatus) Counted() bool {
	return s == TaskDone || s == TaskError || s == TaskSkipped
}

func (s TaskStatus) IsTerminal() bool {
	return s.Counted() || s == TaskCancelled
}

type FileTask struct {
	ItemID  string
	JobID   string
	URL     string
	Status  TaskStatus
	Percent float64
	Error   string
}

type BatchJob struct {
	ID        string
	Name      string
	Items     []FileTask
	Total     int
	DoneCount int
	Cancelled bool
	CreatedAt time.Time
}

func (b BatchJob) Finished() bool {
	return b.Cancelled || b.DoneCount == b.Total
}

// DownloadEntry is one line of a batch YAML file.
type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
	Type       string `yaml:"type"`
}
