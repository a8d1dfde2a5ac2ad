package progress

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// Alpha is the weight of the newest instantaneous sample in the smoothed speed.
	Alpha = 0.3
	// MinSampleInterval drops samples taken too close together to be meaningful.
	MinSampleInterval = 100 * time.Millisecond
	// MinETAElapsed is how long a job must run before an ETA is reported.
	MinETAElapsed = 2 * time.Second
)

// Meter turns cumulative byte counts into a smoothed speed and an ETA.
// It is not safe for concurrent use; callers serialize access.
type Meter struct {
	now       func() time.Time
	start     time.Time
	lastTime  time.Time
	lastBytes int64
	speed     float64
	hasSpeed  bool
}

func NewMeter(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Meter{now: now, start: t, lastTime: t}
}

// Reset restarts the sample window, e.g. when a new attempt starts from a fresh byte count.
// The smoothed speed and elapsed time are kept.
func (m *Meter) Reset(bytes int64) {
	m.lastTime = m.now()
	m.lastBytes = bytes
}

// Sample records the cumulative byte count and returns the smoothed speed in bytes/s.
func (m *Meter) Sample(bytes int64) float64 {
	t := m.now()
	dt := t.Sub(m.lastTime)
	if dt < MinSampleInterval {
		return m.speed
	}
	instant := float64(bytes-m.lastBytes) / dt.Seconds()
	if instant < 0 {
		instant = 0
	}
	if m.hasSpeed {
		m.speed = Alpha*instant + (1-Alpha)*m.speed
	} else {
		m.speed = instant
		m.hasSpeed = true
	}
	m.lastTime = t
	m.lastBytes = bytes
	return m.speed
}

func (m *Meter) Speed() float64 {
	return m.speed
}

func (m *Meter) Elapsed() time.Duration {
	return m.now().Sub(m.start)
}

// ETA estimates the remaining time from elapsed time and percent complete.
// ok is false while the estimate would be noise.
func (m *Meter) ETA(percent float64) (eta time.Duration, ok bool) {
	elapsed := m.Elapsed()
	if percent <= 0 || elapsed < MinETAElapsed {
		return 0, false
	}
	if percent >= 100 {
		return 0, true
	}
	return time.Duration(float64(elapsed) * (100 - percent) / percent), true
}

func FormatETA(eta time.Duration, ok bool) string {
	if !ok {
		return "calculating"
	}
	return eta.Round(time.Second).String()
}

func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return fmt.Sprintf("%s/s", humanize.IBytes(uint64(bytesPerSecond)))
}
