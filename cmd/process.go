package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/batch"
	"github.com/tanq16/mediagrab/internal/downloaders"
	"github.com/tanq16/mediagrab/internal/events"
	"github.com/tanq16/mediagrab/internal/history"
	"github.com/tanq16/mediagrab/internal/output"
	"github.com/tanq16/mediagrab/internal/scheduler"
	"github.com/tanq16/mediagrab/internal/telemetry"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const cancelGrace = 30 * time.Second

// newRequest builds a queue request from the loaded config. An empty platform
// lets the registry resolve the URL.
func newRequest(platform, link, outputPath string) types.Request {
	if outputPath != "" && !filepath.IsAbs(outputPath) && cfg.OutputDir != "" {
		outputPath = filepath.Join(cfg.OutputDir, outputPath)
	}
	return types.Request{
		URL:              link,
		OutputPath:       outputPath,
		Platform:         platform,
		Connections:      cfg.Connections,
		MaxRetries:       cfg.MaxRetries,
		Metadata:         make(map[string]any),
		HTTPClientConfig: cfg.HTTPClientConfig(),
	}
}

// session wires the queue, the batch coordinator and every event handler for
// one command invocation.
type session struct {
	bus      *events.Bus
	queue    *scheduler.Queue
	batches  *batch.Coordinator
	display  *output.Manager
	history  *history.Store
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

func newSession() (*session, error) {
	reg, err := downloaders.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("error building platform registry: %w", err)
	}
	s := &session{display: output.NewManager(os.Stdout)}
	handlers := []events.Handler{s.display}
	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			log.Warn().Str("op", "cmd/session").Err(err).Msg("Download history disabled")
		} else {
			s.history = store
			handlers = append(handlers, store)
		}
	}
	s.reader = sdkmetric.NewManualReader()
	s.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(s.reader))
	metrics, err := telemetry.New(s.provider)
	if err != nil {
		return nil, err
	}
	handlers = append(handlers, metrics)

	s.bus = events.NewBus(0, handlers...)
	s.queue = scheduler.New(scheduler.Options{
		MaxConcurrent:         cfg.MaxConcurrentDownloads,
		StaggerDelay:          cfg.StaggerDelay,
		MaxRetries:            cfg.MaxRetries,
		Policy:                cfg.Policy(),
		RemovePartialOnCancel: cfg.RemovePartialOnCancel,
		Registry:              reg,
		Sink:                  s.bus,
	})
	var opts []batch.Option
	if s.history != nil {
		opts = append(opts, batch.WithSkip(s.skipCompleted))
	}
	s.batches = batch.New(s.queue, s.bus, opts...)
	return s, nil
}

// skipCompleted skips items whose last successful download is still on disk.
func (s *session) skipCompleted(item batch.Item) (bool, string) {
	path, ok, err := s.history.Completed(item.Request.URL)
	if err != nil {
		log.Debug().Str("op", "cmd/session").Err(err).Msg("History lookup failed")
		return false, ""
	}
	if !ok || path == "" {
		return false, ""
	}
	if _, err := os.Stat(path); err != nil {
		return false, ""
	}
	return true, "already downloaded to " + path
}

func (s *session) close() {
	s.queue.Shutdown()
	s.bus.Close()
	s.display.StopDisplay()
	if err := telemetry.LogSummary(context.Background(), s.reader); err != nil {
		log.Debug().Str("op", "cmd/session").Err(err).Msg("Failed to collect metrics")
	}
	s.provider.Shutdown(context.Background())
	if s.history != nil {
		s.history.Close()
	}
}

// run submits reqs as one batch and blocks until it finishes or the process
// is interrupted, in which case the batch is cancelled.
func run(name string, reqs []types.Request) error {
	if len(reqs) == 0 {
		return errors.New("nothing to download")
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if output.IsTerminal(os.Stdout) {
		if f, err := utils.OpenLogFile(cfg.LogFile); err == nil {
			utils.SetLogOutput(f)
			defer func() {
				utils.InitLogger(cfg.Debug)
				f.Close()
			}()
		}
	}
	s.display.StartDisplay()

	items := make([]batch.Item, len(reqs))
	for i, req := range reqs {
		items[i] = batch.Item{Request: req}
	}
	id, err := s.batches.SubmitBatch(name, items)
	if err != nil {
		s.close()
		return err
	}
	job, err := s.batches.Wait(ctx, id)
	if err != nil {
		log.Warn().Str("op", "cmd/run").Msg("Interrupted, cancelling remaining downloads")
		if err := s.batches.CancelBatch(id); err != nil {
			log.Error().Str("op", "cmd/run").Err(err).Msg("Failed to cancel batch")
		}
		graceCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		job, _ = s.batches.Wait(graceCtx, id)
		cancel()
	}
	s.close()

	failed := 0
	for _, task := range job.Items {
		if task.Status == types.TaskError {
			failed++
		}
	}
	switch {
	case job.Cancelled:
		return fmt.Errorf("cancelled after %d of %d downloads", job.DoneCount, job.Total)
	case failed > 0:
		return fmt.Errorf("%d of %d downloads failed", failed, job.Total)
	}
	return nil
}

func exitOnFailure(err error) {
	if err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}
