package m3u8

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/convert"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/retry"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

const schemePrefix = "m3u8://"

// M3U8Downloader fetches HLS streams segment by segment and optionally remuxes
// the joined transport stream into the container named by the output extension.
type M3U8Downloader struct {
	Policy         retry.Policy
	SegmentRetries int
	// MaxFragments caps the segments fetched at once, whatever the job asks for.
	MaxFragments int
	FFmpeg       convert.FFmpeg
}

// manifestURL accepts both "m3u8://https://host/x.m3u8" and plain playlist URLs.
func manifestURL(raw string) (string, error) {
	link := strings.TrimPrefix(raw, schemePrefix)
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid manifest URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported manifest scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %s", link)
	}
	return link, nil
}

func (d *M3U8Downloader) ValidateJob(job *types.Job) error {
	if _, err := manifestURL(job.SourceURL); err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "m3u8/validate", err)
	}
	return nil
}

func (d *M3U8Downloader) BuildJob(ctx context.Context, job *types.Job) error {
	link, _ := manifestURL(job.SourceURL)
	job.Metadata["manifestURL"] = link

	if job.OutputPath == "" {
		job.OutputPath = fmt.Sprintf("stream_%s.mp4", time.Now().Format("2006-01-02_15-04"))
	}
	ext := strings.ToLower(filepath.Ext(job.OutputPath))
	remux := ext != ".ts"
	if remux && !d.FFmpeg.Available() {
		log.Warn().Str("op", "m3u8/initial").Msgf("ffmpeg not found, saving %s as a transport stream", job.OutputPath)
		job.OutputPath = strings.TrimSuffix(job.OutputPath, filepath.Ext(job.OutputPath)) + ".ts"
		remux = false
	}
	job.Metadata["remux"] = remux

	if _, err := os.Stat(job.OutputPath); err == nil {
		job.OutputPath = utils.RenewOutputPath(job.OutputPath)
	}
	job.BytesTotal = -1
	return nil
}
