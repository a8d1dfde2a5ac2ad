// Package downloaders wires every platform downloader into a registry.
package downloaders

import (
	"net/url"
	"strings"

	"github.com/tanq16/mediagrab/internal/config"
	"github.com/tanq16/mediagrab/internal/convert"
	"github.com/tanq16/mediagrab/internal/downloaders/gdrive"
	"github.com/tanq16/mediagrab/internal/downloaders/ghrelease"
	"github.com/tanq16/mediagrab/internal/downloaders/gitclone"
	grabhttp "github.com/tanq16/mediagrab/internal/downloaders/http"
	"github.com/tanq16/mediagrab/internal/downloaders/m3u8"
	"github.com/tanq16/mediagrab/internal/downloaders/s3"
	"github.com/tanq16/mediagrab/internal/downloaders/youtube"
	"github.com/tanq16/mediagrab/internal/registry"
)

// Platform names, also used as batch file keys and CLI subcommands.
const (
	HTTP      = "http"
	M3U8      = "m3u8"
	S3        = "s3"
	GDrive    = "gdrive"
	GHRelease = "ghrelease"
	GitClone  = "gitclone"
	YouTube   = "youtube"
)

// gitRepoMatcher accepts git:// URLs and https URLs ending in .git.
func gitRepoMatcher(u *url.URL) bool {
	if u.Scheme == "git" {
		return u.Host != ""
	}
	return registry.HostMatcher("github.com", "gitlab.com", "bitbucket.org")(u) && strings.HasSuffix(u.Path, ".git")
}

// releaseMatcher accepts ghrelease:// references and github.com release pages.
func releaseMatcher(u *url.URL) bool {
	if u.Scheme == "ghrelease" {
		return true
	}
	if !registry.HostMatcher("github.com")(u) {
		return false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return len(parts) >= 3 && parts[2] == "releases" && (len(parts) == 3 || parts[3] == "tag")
}

// Descriptors returns the platform descriptors in resolution order and the
// generic HTTP fallback.
func Descriptors(cfg config.Config) ([]registry.Descriptor, *registry.Descriptor) {
	policy := cfg.Policy()
	descs := []registry.Descriptor{
		{
			Name:         M3U8,
			Match:        registry.Any(registry.SchemeMatcher("m3u8"), registry.PathSuffixMatcher(".m3u8")),
			Capabilities: []registry.Capability{registry.Segmented},
			Downloader: &m3u8.M3U8Downloader{
				Policy:         policy,
				SegmentRetries: cfg.MaxRetries,
				MaxFragments:   cfg.MaxConcurrentFragments,
				FFmpeg:         convert.FFmpeg{Path: cfg.FFmpegPath},
			},
		},
		{
			Name:         S3,
			Match:        registry.SchemeMatcher("s3"),
			Capabilities: []registry.Capability{registry.RequiresAuth},
			Downloader:   &s3.S3Downloader{},
		},
		{
			Name:         GDrive,
			Match:        registry.HostMatcher("drive.google.com"),
			Capabilities: []registry.Capability{registry.RequiresAuth, registry.Resumable},
			Downloader: &gdrive.GDriveDownloader{
				APIKey:          cfg.GDriveAPIKey,
				CredentialsFile: cfg.GDriveCredentials,
			},
		},
		{
			Name:         YouTube,
			Match:        registry.HostMatcher("youtube.com", "youtu.be"),
			Capabilities: []registry.Capability{registry.SupportsFormats, registry.Resumable},
			Downloader:   &youtube.YouTubeDownloader{YtdlpPath: cfg.YtdlpPath, FFmpegPath: cfg.FFmpegPath},
		},
		{
			Name:         GHRelease,
			Match:        releaseMatcher,
			Capabilities: []registry.Capability{registry.Resumable},
			Downloader:   &ghrelease.GitReleaseDownloader{Token: cfg.GitHubToken},
		},
		{
			Name:       GitClone,
			Match:      gitRepoMatcher,
			Downloader: &gitclone.GitCloneDownloader{Token: cfg.GitHubToken},
		},
	}
	fallback := &registry.Descriptor{
		Name:         HTTP,
		Capabilities: []registry.Capability{registry.Resumable},
		Downloader:   &grabhttp.HTTPDownloader{},
	}
	return descs, fallback
}

func NewRegistry(cfg config.Config) (*registry.Registry, error) {
	descs, fallback := Descriptors(cfg)
	return registry.New(descs, fallback)
}
