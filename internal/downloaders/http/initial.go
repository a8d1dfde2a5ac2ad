package grabhttp

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

// minChunkSize is the smallest range worth its own connection.
var minChunkSize = 2 * int64(utils.DefaultBufferSize)

type HTTPDownloader struct{}

func (d *HTTPDownloader) ValidateJob(job *types.Job) error {
	parsedURL, err := url.Parse(job.SourceURL)
	if err != nil {
		return dlerror.New(dlerror.FormatUnavailable, "http/validate", "invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return dlerror.New(dlerror.FormatUnavailable, "http/validate", "unsupported scheme: %s", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return dlerror.New(dlerror.FormatUnavailable, "http/validate", "missing host in %s", job.SourceURL)
	}
	return nil
}

func (d *HTTPDownloader) BuildJob(ctx context.Context, job *types.Job) error {
	job.HTTPClientConfig.HighThreadMode = job.Connections > 5
	client := utils.NewHTTPClient(job.HTTPClientConfig)

	info, err := getFileInfo(ctx, job.SourceURL, client, job.Hint)
	if err != nil {
		return err
	}
	if job.OutputPath == "" {
		job.OutputPath = info.name
		if job.OutputPath == "" {
			job.OutputPath = utils.FileNameFromURL(info.finalURL, "download")
		}
	}

	if existing, err := os.Stat(job.OutputPath); err == nil {
		if info.size > 0 && existing.Size() == info.size {
			log.Info().Str("op", "http/initial").Msgf("%s already exists with the same size", job.OutputPath)
			job.Metadata["alreadyComplete"] = true
		} else {
			job.OutputPath = utils.RenewOutputPath(job.OutputPath)
		}
	}

	job.BytesTotal = info.size
	job.Metadata["fileSize"] = info.size
	job.Metadata["rangeSupported"] = info.rangeSupported
	job.Metadata["finalURL"] = info.finalURL
	return nil
}

func (d *HTTPDownloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	client := utils.NewHTTPClient(job.HTTPClientConfig)
	fileSize, _ := job.Metadata["fileSize"].(int64)
	rangeSupported, _ := job.Metadata["rangeSupported"].(bool)
	link, _ := job.Metadata["finalURL"].(string)
	if link == "" {
		link = job.SourceURL
	}
	if fileSize > 0 {
		r.SetTotal(fileSize)
	} else {
		r.SetTotal(-1)
	}
	if done, _ := job.Metadata["alreadyComplete"].(bool); done {
		r.Add(fileSize)
		return nil
	}

	if !rangeSupported || job.Connections <= 1 || fileSize/int64(job.Connections) < minChunkSize {
		return performSimpleDownload(ctx, link, job.OutputPath, fileSize, rangeSupported, client, job.Hint, r)
	}
	return performMultiDownload(ctx, link, job.OutputPath, fileSize, job.Connections, client, job.Hint, r)
}

type fileInfo struct {
	size           int64
	name           string
	rangeSupported bool
	finalURL       string
}

func getFileInfo(ctx context.Context, link string, client *utils.HTTPClient, hint types.Hint) (fileInfo, error) {
	info := fileInfo{finalURL: link}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return info, dlerror.Wrap(dlerror.FormatUnavailable, "http/head", err)
	}
	resp, err := client.DoHint(req, hint)
	if err != nil {
		return info, dlerror.Classify("http/head", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		// no HEAD support; learn what we can from the GET later
		return info, nil
	case resp.StatusCode >= 400:
		return info, dlerror.FromResponse("http/head", resp)
	}
	info.finalURL = resp.Request.URL.String()
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename"]; fn != "" {
				info.name = utils.SanitizeFileName(fn)
			} else if fn := params["filename*"]; strings.HasPrefix(fn, "UTF-8''") {
				unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
				info.name = utils.SanitizeFileName(unescaped)
			}
		}
	}
	info.rangeSupported = resp.Header.Get("Accept-Ranges") == "bytes"
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil && size > 0 {
			info.size = size
		}
	}
	if info.size == 0 {
		info.rangeSupported = false
	}
	log.Debug().Str("op", "http/initial").Msgf("HEAD %s: size=%d ranges=%t name=%q", link, info.size, info.rangeSupported, info.name)
	return info, nil
}

func sizeMismatch(op string, want, got int64) error {
	return dlerror.New(dlerror.Transport, op, "expected %d bytes, got %d", want, got)
}
