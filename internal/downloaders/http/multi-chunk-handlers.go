package grabhttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
	"golang.org/x/sync/errgroup"
)

type chunk struct {
	id        int
	startByte int64
	endByte   int64
	path      string
}

func (c chunk) size() int64 { return c.endByte - c.startByte + 1 }

func planChunks(outputPath string, fileSize int64, connections int) []chunk {
	chunkSize := fileSize / int64(connections)
	base := filepath.Join(utils.TempDir(outputPath), filepath.Base(outputPath))
	chunks := make([]chunk, connections)
	for i := range chunks {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if i == connections-1 {
			end = fileSize - 1
		}
		chunks[i] = chunk{id: i, startByte: start, endByte: end, path: fmt.Sprintf("%s.part%d", base, i)}
	}
	return chunks
}

// performMultiDownload fetches fixed byte ranges over parallel connections.
// Chunk files survive a failed attempt, so the next attempt resumes each range.
func performMultiDownload(ctx context.Context, link, outputPath string, fileSize int64, connections int, client *utils.HTTPClient, hint types.Hint, r types.Reporter) error {
	if err := os.MkdirAll(utils.TempDir(outputPath), 0755); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "http/multi", err)
	}
	chunks := planChunks(outputPath, fileSize, connections)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		g.Go(func() error {
			return downloadChunk(gctx, link, c, client, hint, r)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return dlerror.Wrap(dlerror.Cancelled, "http/multi", ctx.Err())
		}
		return err
	}
	r.SetPhase(types.StatusMerging)
	return assembleFile(chunks, outputPath, fileSize)
}

func downloadChunk(ctx context.Context, link string, c chunk, client *utils.HTTPClient, hint types.Hint, r types.Reporter) error {
	var resumeOffset int64
	if fi, err := os.Stat(c.path); err == nil {
		resumeOffset = fi.Size()
		if resumeOffset > c.size() {
			resumeOffset = 0
		}
	}
	if resumeOffset > 0 {
		r.Add(resumeOffset)
	}
	if resumeOffset == c.size() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "http/chunk", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.startByte+resumeOffset, c.endByte))
	req.Header.Set("Connection", "keep-alive")
	resp, err := client.DoHint(req, hint)
	if err != nil {
		return dlerror.Classify("http/chunk", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		if resp.StatusCode == http.StatusOK {
			return dlerror.New(dlerror.FormatUnavailable, "http/chunk", "server ignored range request for chunk %d", c.id)
		}
		return dlerror.FromResponse("http/chunk", resp)
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resumeOffset > 0 {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	tempFile, err := os.OpenFile(c.path, flag, 0644)
	if err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "http/chunk", err)
	}
	body := utils.NewIdleReader(resp.Body, client.ReadTimeout())
	written, copyErr := utils.CopyWithProgress(ctx, tempFile, io.LimitReader(body, c.size()-resumeOffset), r.Add)
	if err := tempFile.Close(); err != nil && copyErr == nil {
		copyErr = dlerror.Wrap(dlerror.DiskIO, "http/chunk", err)
	}
	if copyErr != nil {
		return copyErr
	}
	if resumeOffset+written != c.size() {
		return sizeMismatch(fmt.Sprintf("http/chunk %d", c.id), c.size(), resumeOffset+written)
	}
	return nil
}

func assembleFile(chunks []chunk, outputPath string, fileSize int64) error {
	partPath := utils.PartPath(outputPath)
	destFile, err := os.Create(partPath)
	if err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "http/assemble", err)
	}
	var totalWritten int64
	for _, c := range chunks {
		src, err := os.Open(c.path)
		if err != nil {
			destFile.Close()
			return dlerror.Wrap(dlerror.DiskIO, "http/assemble", err)
		}
		written, err := io.Copy(destFile, src)
		src.Close()
		if err != nil {
			destFile.Close()
			return dlerror.Wrap(dlerror.DiskIO, "http/assemble", err)
		}
		totalWritten += written
	}
	if err := destFile.Close(); err != nil {
		return dlerror.Wrap(dlerror.DiskIO, "http/assemble", err)
	}
	if totalWritten != fileSize {
		os.Remove(partPath)
		for _, c := range chunks {
			os.Remove(c.path)
		}
		return sizeMismatch("http/assemble", fileSize, totalWritten)
	}
	for _, c := range chunks {
		os.Remove(c.path)
	}
	log.Debug().Str("op", "http/multi-chunk").Msgf("Assembled %d chunks into %s", len(chunks), outputPath)
	return finalize(partPath, outputPath)
}
