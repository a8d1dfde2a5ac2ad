package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/retry"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	ManifestPending State = iota
	SegmentsScheduled
	Merging
	Complete
	Failed
)

func (s State) String() string {
	return [...]string{"manifest-pending", "segments-scheduled", "merging", "complete", "failed"}[s]
}

// Fetcher transfers one locator into w. It must honor ctx and return
// classified errors so the retry policy can act on them.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, w io.Writer, hint types.Hint) (int64, error)
}

// ManifestFunc produces the ordered segment locators of an asset.
type ManifestFunc func(ctx context.Context, hint types.Hint) ([]string, error)

type Config struct {
	MaxConcurrent int
	MaxRetries    int
	Policy        retry.Policy
}

type Engine struct {
	cfg     Config
	fetcher Fetcher
}

type Result struct {
	State    State
	Segments []types.Segment
	Bytes    int64
}

func NewEngine(cfg Config, fetcher Fetcher) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Engine{cfg: cfg, fetcher: fetcher}
}

// Run fetches the manifest, downloads every segment with at most MaxConcurrent
// in flight and concatenates them by index into output.
func (e *Engine) Run(ctx context.Context, manifest ManifestFunc, output string, r types.Reporter) (Result, error) {
	res := Result{State: ManifestPending}
	r.SetPhase(types.StatusConnecting)

	var locators []string
	err := e.cfg.Policy.Run(ctx, e.cfg.MaxRetries, func(ctx context.Context, a retry.Attempt) error {
		var err error
		locators, err = manifest(ctx, types.Hint{Attempt: a.Number, Rotate: a.Rotate})
		return err
	}, func(failed int, d retry.Decision, err error) {
		log.Warn().Str("op", "segment/engine").Err(err).Msgf("Manifest attempt %d failed, retrying in %s", failed, d.Delay)
	})
	if err != nil {
		res.State = Failed
		return res, fmt.Errorf("manifest: %w", err)
	}
	if len(locators) == 0 {
		res.State = Failed
		return res, dlerror.New(dlerror.FormatUnavailable, "segment/engine", "manifest lists no segments")
	}

	res.Segments = make([]types.Segment, len(locators))
	for i, loc := range locators {
		res.Segments[i] = types.Segment{Index: i, Locator: loc, Status: types.SegmentPending, ByteSize: -1}
	}

	dir := utils.SegmentDir(output)
	if err := os.MkdirAll(dir, 0755); err != nil {
		res.State = Failed
		return res, dlerror.Wrap(dlerror.DiskIO, "segment/engine", err)
	}

	res.State = SegmentsScheduled
	r.SetPhase(types.StatusTransferring)
	r.SetSegments(0, len(locators))
	log.Debug().Str("op", "segment/engine").Msgf("Scheduling %d segments with %d workers", len(locators), e.cfg.MaxConcurrent)

	var mu sync.Mutex
	done := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for i := range res.Segments {
		seg := &res.Segments[i]
		g.Go(func() error {
			n, err := e.fetchSegment(gctx, dir, seg)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			mu.Lock()
			done++
			res.Bytes += n
			r.Add(n)
			r.SetSegments(done, len(locators))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		res.State = Failed
		if ctx.Err() == nil {
			// a segment exhausted its retries; partial data is useless
			os.RemoveAll(dir)
		}
		return res, err
	}

	res.State = Merging
	r.SetPhase(types.StatusMerging)
	if err := merge(res.Segments, dir, output); err != nil {
		res.State = Failed
		return res, err
	}
	os.RemoveAll(dir)
	utils.CleanFunction(output)
	res.State = Complete
	return res, nil
}

func (e *Engine) fetchSegment(ctx context.Context, dir string, seg *types.Segment) (int64, error) {
	seg.Status = types.SegmentInFlight
	var written int64
	err := e.cfg.Policy.Run(ctx, e.cfg.MaxRetries, func(ctx context.Context, a retry.Attempt) error {
		seg.AttemptCount = a.Number
		f, err := os.Create(segmentPath(dir, seg.Index))
		if err != nil {
			return dlerror.Wrap(dlerror.DiskIO, "segment/fetch", err)
		}
		defer f.Close()
		written, err = e.fetcher.Fetch(ctx, seg.Locator, f, types.Hint{Attempt: a.Number, Rotate: a.Rotate})
		return err
	}, func(failed int, d retry.Decision, err error) {
		log.Debug().Str("op", "segment/engine").Err(err).Msgf("Segment %d attempt %d failed, retrying in %s", seg.Index, failed, d.Delay)
	})
	if err != nil {
		seg.Status = types.SegmentFailed
		return 0, err
	}
	seg.Status = types.SegmentDone
	seg.ByteSize = written
	return written, nil
}

func merge(segments []types.Segment, dir, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "segment/merge", err)
	}
	out, err := os.Create(output)
	if err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "segment/merge", err)
	}
	defer out.Close()
	for _, seg := range segments {
		if seg.Status != types.SegmentDone {
			return errors.New("merge called with unfinished segments")
		}
		if err := appendFile(out, segmentPath(dir, seg.Index)); err != nil {
			return dlerror.Wrap(dlerror.DiskIO, "segment/merge", err)
		}
	}
	return dlerror.Wrap(dlerror.DiskIO, "segment/merge", out.Sync())
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%05d.part", index))
}
