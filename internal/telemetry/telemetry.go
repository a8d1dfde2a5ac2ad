package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const ScopeName = "github.com/tanq16/mediagrab"

type jobState struct {
	platform string
	started  time.Time
	bytes    int64
}

// Metrics turns bus events into OpenTelemetry instruments.
type Metrics struct {
	jobsFinished    metric.Int64Counter
	jobsActive      metric.Int64UpDownCounter
	jobDuration     metric.Float64Histogram
	retries         metric.Int64Counter
	bytesTotal      metric.Int64Counter
	batchesFinished metric.Int64Counter

	mu   sync.Mutex
	jobs map[string]*jobState
}

func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(ScopeName)
	m := &Metrics{jobs: make(map[string]*jobState)}
	var err error
	if m.jobsFinished, err = meter.Int64Counter("mediagrab.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}
	if m.jobsActive, err = meter.Int64UpDownCounter("mediagrab.jobs.active",
		metric.WithDescription("Jobs currently running")); err != nil {
		return nil, fmt.Errorf("failed to create active jobs counter: %w", err)
	}
	if m.jobDuration, err = meter.Float64Histogram("mediagrab.job.duration",
		metric.WithDescription("Time from job start to terminal status"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if m.retries, err = meter.Int64Counter("mediagrab.job.retries",
		metric.WithDescription("Retries scheduled by the retry policy")); err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}
	if m.bytesTotal, err = meter.Int64Counter("mediagrab.bytes.transferred",
		metric.WithDescription("Bytes written by completed jobs"), metric.WithUnit("By")); err != nil {
		return nil, fmt.Errorf("failed to create bytes counter: %w", err)
	}
	if m.batchesFinished, err = meter.Int64Counter("mediagrab.batches.finished"); err != nil {
		return nil, fmt.Errorf("failed to create batches counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) Handle(ev events.Event) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e := ev.(type) {
	case events.JobStatus:
		st := m.jobs[e.JobID]
		if e.Status.IsActive() && st == nil {
			m.jobs[e.JobID] = &jobState{platform: e.Platform, started: e.At}
			m.jobsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", e.Platform)))
			return
		}
		if !e.Terminal() {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("platform", e.Platform),
			attribute.String("status", e.Status.String()),
			attribute.String("kind", e.Kind.String()),
		)
		m.jobsFinished.Add(ctx, 1, attrs)
		if st != nil {
			m.jobsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("platform", st.platform)))
			m.jobDuration.Record(ctx, e.At.Sub(st.started).Seconds(), attrs)
			if e.Status == types.StatusComplete && st.bytes > 0 {
				m.bytesTotal.Add(ctx, st.bytes, metric.WithAttributes(attribute.String("platform", st.platform)))
			}
			delete(m.jobs, e.JobID)
		}
	case events.JobProgress:
		if st := m.jobs[e.JobID]; st != nil && e.BytesTransferred > st.bytes {
			st.bytes = e.BytesTransferred
		}
	case events.JobRetry:
		m.retries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", e.Kind.String()),
			attribute.Bool("rotate", e.Rotate),
		))
	case events.BatchFinished:
		m.batchesFinished.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cancelled", e.Cancelled)))
	}
}

// LogSummary collects reader once and logs every sum at debug level.
func LogSummary(ctx context.Context, reader sdkmetric.Reader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			sum, ok := mt.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			log.Debug().Str("op", "telemetry/summary").Int64("value", total).Msgf("%s", mt.Name)
		}
	}
	return nil
}
