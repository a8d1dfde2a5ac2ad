package output

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/progress"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

type JobOutput struct {
	ID          string
	URL         string
	Platform    string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       string
	Index       int
}

type ErrorReport struct {
	URL   string
	Error string
	Time  time.Time
}

type batchOutput struct {
	name      string
	done      int
	total     int
	finished  bool
	cancelled bool
	index     int
}

// Manager renders job events as a live terminal view. It is an events.Handler.
type Manager struct {
	out         io.Writer
	outputs     map[string]*JobOutput
	batches     map[string]*batchOutput
	mutex       sync.RWMutex
	numLines    int
	maxStreams  int // Max output stream lines per job
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	jobCount    int
	displayWg   sync.WaitGroup
}

func NewManager(out io.Writer) *Manager {
	if out == nil {
		out = os.Stdout
	}
	return &Manager{
		out:         out,
		outputs:     make(map[string]*JobOutput),
		batches:     make(map[string]*batchOutput),
		maxStreams:  5,
		doneCh:      make(chan struct{}),
		displayTick: 200 * time.Millisecond,
	}
}

func (m *Manager) Handle(ev events.Event) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	switch e := ev.(type) {
	case events.JobStatus:
		m.onStatus(e)
	case events.JobProgress:
		if info := m.outputs[e.JobID]; info != nil && !info.Complete {
			info.StreamLines = []string{progressLine(e)} // progress replaces older stream lines
			info.LastUpdated = time.Now()
		}
	case events.JobRetry:
		if info := m.outputs[e.JobID]; info != nil {
			info.Status = "warning"
			info.Message = fmt.Sprintf("Retrying %s in %s (attempt %d of %d failed: %s)",
				info.URL, e.Delay.Round(time.Millisecond), e.Attempt, e.MaxRetries+1, e.Kind)
			m.addStreamLine(info, e.Error)
		}
	case events.JobPaused:
		if info := m.outputs[e.JobID]; info != nil {
			if e.Paused {
				info.Status = "pending"
				info.Message = "Paused " + info.URL
			} else {
				info.Message = "Resuming " + info.URL
			}
		}
	case events.JobLog:
		if info := m.outputs[e.JobID]; info != nil {
			m.addStreamLine(info, e.Line)
		}
	case events.BatchProgress:
		b := m.batch(e.BatchID, e.Name)
		b.done, b.total = e.Done, e.Total
	case events.BatchFinished:
		b := m.batch(e.BatchID, e.Name)
		b.done, b.total = e.Done, e.Total
		b.finished, b.cancelled = true, e.Cancelled
	}
}

func (m *Manager) batch(id, name string) *batchOutput {
	b, ok := m.batches[id]
	if !ok {
		b = &batchOutput{name: name, index: len(m.batches)}
		m.batches[id] = b
	}
	return b
}

func (m *Manager) onStatus(e events.JobStatus) {
	info, ok := m.outputs[e.JobID]
	if !ok {
		m.jobCount++
		info = &JobOutput{
			ID:        e.JobID,
			URL:       e.SourceURL,
			Platform:  e.Platform,
			Status:    "pending",
			StartTime: time.Now(),
			Index:     m.jobCount,
		}
		m.outputs[e.JobID] = info
	}
	info.LastUpdated = time.Now()
	switch e.Status {
	case types.StatusQueued:
		info.Complete = false
		info.Status = "pending"
		info.Message = ""
	case types.StatusComplete:
		info.Complete = true
		info.Status = "success"
		info.StreamLines = nil
		target := e.OutputPath
		if target == "" {
			target = e.SourceURL
		}
		info.Message = fmt.Sprintf("Completed %s", target)
	case types.StatusFailed:
		info.Complete = true
		info.Status = "error"
		info.Error = e.Error
		info.Message = fmt.Sprintf("Failed %s", e.SourceURL)
		m.errors = append(m.errors, ErrorReport{URL: e.SourceURL, Error: e.Error, Time: time.Now()})
	case types.StatusCancelled:
		info.Complete = true
		info.Status = "warning"
		info.StreamLines = nil
		info.Message = fmt.Sprintf("Cancelled %s", e.SourceURL)
	default:
		info.Status = "active"
		info.Message = fmt.Sprintf("%s %s", phaseVerb(e.Status), e.SourceURL)
	}
}

func phaseVerb(s types.Status) string {
	switch s {
	case types.StatusStarting:
		return "Starting"
	case types.StatusConnecting:
		return "Connecting to"
	case types.StatusMerging:
		return "Merging"
	default:
		return "Downloading"
	}
}

func progressLine(e events.JobProgress) string {
	var text string
	switch {
	case e.SegmentsTotal > 0:
		text = fmt.Sprintf("%d/%d segments", e.SegmentsDone, e.SegmentsTotal)
	case e.BytesTotal > 0:
		text = fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(e.BytesTransferred)), utils.FormatBytes(uint64(e.BytesTotal)))
	default:
		text = utils.FormatBytes(uint64(max(e.BytesTransferred, 0)))
	}
	eta := progress.FormatETA(e.ETA, e.ETAKnown)
	return fmt.Sprintf("%s%s %s %s %s ETA %s", ProgressBar(e.Percent, 30), debugStyle.Render(text),
		StyleSymbols["bullet"], debugStyle.Render(progress.FormatSpeed(e.Speed)), StyleSymbols["bullet"], eta)
}

func (m *Manager) addStreamLine(info *JobOutput, line string) {
	info.StreamLines = append(info.StreamLines, wrapText(line, 2+4)...)
	if len(info.StreamLines) > m.maxStreams {
		info.StreamLines = info.StreamLines[len(info.StreamLines)-m.maxStreams:]
	}
	info.LastUpdated = time.Now()
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, msg string) string {
	switch status {
	case "success":
		return successStyle.Render(msg)
	case "error":
		return errorStyle.Render(msg)
	case "warning":
		return warningStyle.Render(msg)
	default:
		return pendingStyle.Render(msg)
	}
}

func (m *Manager) sortJobs() (active, pending, completed []*JobOutput) {
	all := make([]*JobOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	slices.SortFunc(all, func(a, b *JobOutput) int { return a.Index - b.Index })
	for _, f := range all {
		if f.Complete {
			completed = append(completed, f)
		} else if f.Status == "pending" && f.Message == "" {
			pending = append(pending, f)
		} else {
			active = append(active, f)
		}
	}
	return active, pending, completed
}

// render builds one frame of at most maxLines lines.
func (m *Manager) render(maxLines int) []string {
	var lines []string
	add := func(s string) bool {
		if len(lines) >= maxLines {
			return false
		}
		lines = append(lines, s)
		return true
	}
	indent := strings.Repeat(" ", 2)
	streamIndent := strings.Repeat(" ", 2+4)

	batchIDs := make([]string, 0, len(m.batches))
	for id := range m.batches {
		batchIDs = append(batchIDs, id)
	}
	slices.SortFunc(batchIDs, func(a, b string) int { return m.batches[a].index - m.batches[b].index })
	for _, id := range batchIDs {
		b := m.batches[id]
		state := ""
		if b.cancelled {
			state = " " + warningStyle.Render("(cancelled)")
		} else if b.finished {
			state = " " + successStyle.Render("(done)")
		}
		add(fmt.Sprintf("%s%s %d/%d%s", indent, headerStyle.Render(b.name), b.done, b.total, state))
	}

	active, pending, completed := m.sortJobs()
	needed := len(lines) + len(completed)
	for _, f := range append(slices.Clone(active), pending...) {
		needed += 1 + len(f.StreamLines)
	}
	if needed > maxLines {
		keep := max(maxLines-(needed-len(completed)), 0)
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}

	for _, f := range active {
		elapsed := time.Since(f.StartTime).Round(time.Second)
		if !add(fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(f.Status), debugStyle.Render(elapsed.String()), styleMessage(f.Status, f.Message))) {
			return lines
		}
		for _, line := range f.StreamLines {
			if !add(streamIndent + streamStyle.Render(line)) {
				return lines
			}
		}
	}
	for _, f := range pending {
		if !add(fmt.Sprintf("%s%s %s", indent, m.GetStatusIndicator(f.Status), pendingStyle.Render("Waiting "+f.URL))) {
			return lines
		}
	}
	if len(completed) > 10 {
		add(infoStyle.Render(fmt.Sprintf("%s%d jobs completed with varying hidden status ...", indent, len(completed)-8)))
		completed = completed[len(completed)-8:]
	}
	for _, f := range completed {
		total := f.LastUpdated.Sub(f.StartTime).Round(time.Second)
		if !add(fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(f.Status), debugStyle.Render(total.String()), styleMessage(f.Status, f.Message))) {
			return lines
		}
	}
	return lines
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.render(terminalHeight(m.out) - 3)
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

// Counts returns how many jobs completed and failed.
func (m *Manager) Counts() (success, failures, total int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "error":
			failures++
		}
	}
	return success, failures, len(m.outputs)
}

func (m *Manager) ShowSummary() {
	success, failures, total := m.Counts()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	indent := strings.Repeat(" ", 2)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, indent+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, total)))
	if failures > 0 {
		fmt.Fprintln(m.out, indent+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, total)))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(m.out)
		fmt.Fprintln(m.out, indent+errorStyle.Bold(true).Render("Errors:"))
		for i, err := range m.errors {
			fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 2+2),
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
				errorStyle.Render(err.URL))
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render("Error: "+err.Error))
		}
	}
	fmt.Fprintln(m.out)
}
