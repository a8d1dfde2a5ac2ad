package m3u8

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/segment"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

func (d *M3U8Downloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	link, _ := job.Metadata["manifestURL"].(string)
	if link == "" {
		return dlerror.New(dlerror.FormatUnavailable, "m3u8/download", "job was not built")
	}
	remux, _ := job.Metadata["remux"].(bool)

	fragments := job.Connections
	if d.MaxFragments > 0 && (fragments <= 0 || fragments > d.MaxFragments) {
		fragments = d.MaxFragments
	}
	client := utils.NewHTTPClient(job.HTTPClientConfig)
	fetcher := &segment.HTTPFetcher{Client: client}
	engine := segment.NewEngine(segment.Config{
		MaxConcurrent: fragments,
		MaxRetries:    d.SegmentRetries,
		Policy:        d.Policy,
	}, fetcher)

	target := job.OutputPath
	if remux {
		target = job.OutputPath + ".ts"
	}
	r.SetTotal(-1)
	r.Stream("Fetching manifest " + link)
	res, err := engine.Run(ctx, segment.HLSManifest(fetcher, link), target, r)
	if err != nil {
		return err
	}
	r.Stream(fmt.Sprintf("Joined %d segments (%s)", len(res.Segments), utils.FormatBytes(uint64(res.Bytes))))
	if !remux {
		return nil
	}

	r.SetPhase(types.StatusMerging)
	r.Stream("Remuxing into " + job.OutputPath)
	if err := d.FFmpeg.Remux(ctx, target, job.OutputPath); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		log.Warn().Str("op", "m3u8/download").Err(err).Msgf("Could not remove %s", target)
	}
	return nil
}
