package ghrelease

import (
	"context"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	grabhttp "github.com/tanq16/mediagrab/internal/downloaders/http"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

// GitReleaseDownloader resolves a GitHub release to the asset built for this
// machine and downloads it over HTTP. Jobs may set "asset" metadata to pick an
// asset by name instead.
type GitReleaseDownloader struct {
	Token   string
	APIBase string
	GOOS    string
	GOARCH  string

	http grabhttp.HTTPDownloader
}

func (d *GitReleaseDownloader) ValidateJob(job *types.Job) error {
	owner, repo, tag, err := parseReleaseURL(job.SourceURL)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "ghrelease/validate", err)
	}
	job.Metadata["owner"] = owner
	job.Metadata["repo"] = repo
	job.Metadata["tag"] = tag
	return nil
}

func (d *GitReleaseDownloader) apiClient(job *types.Job) *utils.HTTPClient {
	client := utils.NewHTTPClient(job.HTTPClientConfig)
	token, _ := job.Metadata["token"].(string)
	if token == "" {
		token = d.Token
	}
	if token != "" {
		client.SetHeader("Authorization", "Bearer "+token)
	}
	return client
}

func (d *GitReleaseDownloader) BuildJob(ctx context.Context, job *types.Job) error {
	owner, _ := job.Metadata["owner"].(string)
	repo, _ := job.Metadata["repo"].(string)
	tag, _ := job.Metadata["tag"].(string)
	pattern, _ := job.Metadata["asset"].(string)

	rel, err := d.getRelease(ctx, d.apiClient(job), owner, repo, tag, job.Hint)
	if err != nil {
		return err
	}
	goos, goarch := d.GOOS, d.GOARCH
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	selected, ok := selectAsset(rel.Assets, goos, goarch, pattern)
	if !ok {
		return dlerror.New(dlerror.FormatUnavailable, "ghrelease/initial",
			"no asset of %s/%s %s matches %s/%s, pick one by name", owner, repo, rel.TagName, goos, goarch)
	}
	log.Info().Str("op", "ghrelease/initial").Msgf("Selected %s from %s/%s %s", selected.Name, owner, repo, rel.TagName)

	job.Metadata["tagName"] = rel.TagName
	job.Metadata["downloadURL"] = selected.DownloadURL
	if job.OutputPath == "" {
		job.OutputPath = utils.SanitizeFileName(selected.Name)
	}
	// the asset itself is probed and named like any direct link
	asset := job.Snapshot()
	asset.SourceURL = selected.DownloadURL
	if err := d.http.BuildJob(ctx, &asset); err != nil {
		return err
	}
	job.OutputPath = asset.OutputPath
	job.Metadata = asset.Metadata
	job.HTTPClientConfig.HighThreadMode = asset.HTTPClientConfig.HighThreadMode
	job.BytesTotal = asset.BytesTotal
	if job.BytesTotal <= 0 {
		job.BytesTotal = selected.Size
	}
	return nil
}

func (d *GitReleaseDownloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	asset := *job
	asset.SourceURL, _ = job.Metadata["downloadURL"].(string)
	return d.http.Download(ctx, &asset, r)
}
