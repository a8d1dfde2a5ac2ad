package grabhttp

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

// performSimpleDownload streams link into a .part file, resuming it when the
// server honors ranges, and renames it into place once complete.
func performSimpleDownload(ctx context.Context, link, outputPath string, fileSize int64, rangeSupported bool, client *utils.HTTPClient, hint types.Hint, r types.Reporter) error {
	if err := os.MkdirAll(utils.TempDir(outputPath), 0755); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "http/simple", err)
	}
	partPath := utils.PartPath(outputPath)

	var resumeOffset int64
	if fi, err := os.Stat(partPath); err == nil && rangeSupported {
		resumeOffset = fi.Size()
	}
	if fileSize > 0 && resumeOffset == fileSize {
		r.Add(resumeOffset)
		return finalize(partPath, outputPath)
	}
	if fileSize > 0 && resumeOffset > fileSize {
		resumeOffset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "http/simple", err)
	}
	if resumeOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeOffset))
		log.Debug().Str("op", "http/simple-downloader").Msgf("Resuming %s from offset %d", outputPath, resumeOffset)
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := client.DoHint(req, hint)
	if err != nil {
		return dlerror.Classify("http/simple", err)
	}
	defer resp.Body.Close()

	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	switch {
	case resumeOffset > 0 && resp.StatusCode == http.StatusPartialContent:
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		r.Add(resumeOffset)
	case resp.StatusCode == http.StatusOK:
		if resumeOffset > 0 {
			log.Warn().Str("op", "http/simple-downloader").Msgf("Server ignored resume for %s, restarting", outputPath)
			resumeOffset = 0
		}
	default:
		return dlerror.FromResponse("http/simple", resp)
	}
	if fileSize <= 0 && resp.ContentLength > 0 {
		r.SetTotal(resumeOffset + resp.ContentLength)
	}

	outFile, err := os.OpenFile(partPath, flag, 0644)
	if err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "http/simple", err)
	}
	body := utils.NewIdleReader(resp.Body, client.ReadTimeout())
	written, copyErr := utils.CopyWithProgress(ctx, outFile, body, r.Add)
	if err := outFile.Close(); err != nil && copyErr == nil {
		copyErr = dlerror.Wrap(dlerror.DiskIO, "http/simple", err)
	}
	if copyErr != nil {
		return copyErr
	}
	if fileSize > 0 && resumeOffset+written != fileSize {
		return sizeMismatch("http/simple", fileSize, resumeOffset+written)
	}
	return finalize(partPath, outputPath)
}

func finalize(partPath, outputPath string) error {
	if err := os.Rename(partPath, outputPath); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "http/finalize", err)
	}
	if err := utils.CleanFunction(outputPath); err != nil {
		log.Debug().Str("op", "http/finalize").Err(err).Msg("Failed to clean temp directory")
	}
	log.Info().Str("op", "http/simple-downloader").Msgf("Download successful for %s", outputPath)
	return nil
}

// DownloadFile streams link into outputPath through a resumable .part file.
// It serves platforms that resolve their own direct links.
func DownloadFile(ctx context.Context, link, outputPath string, fileSize int64, client *utils.HTTPClient, hint types.Hint, r types.Reporter) error {
	return performSimpleDownload(ctx, link, outputPath, fileSize, true, client, hint, r)
}
