package youtube

import (
	"context"
	"net/url"
	"os/exec"
	"slices"
	"strings"

	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
)

// YouTubeDownloader hands videos to an external yt-dlp binary and turns its
// progress output into job progress.
type YouTubeDownloader struct {
	YtdlpPath  string
	FFmpegPath string
}

var ytdlpFormats = map[string]string{
	"best":     "bestvideo+bestaudio/best",
	"best60":   "bestvideo[fps<=60]+bestaudio/best",
	"bestmp4":  "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]",
	"decent":   "bestvideo[height<=1080]+bestaudio/best",
	"decent60": "bestvideo[height<=1080][fps<=60]+bestaudio/best",
	"cheap":    "bestvideo[height<=720]+bestaudio/best",
	"1080p":    "bestvideo[height=1080][ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]",
	"1080p60":  "bestvideo[height=1080][fps<=60][ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]",
	"720p":     "bestvideo[height=720][ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]",
	"480p":     "bestvideo[height=480][ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]",
	"audio":    "bestaudio[ext=m4a]/bestaudio",
}

// Formats lists the accepted format presets.
func Formats() []string {
	names := make([]string, 0, len(ytdlpFormats))
	for name := range ytdlpFormats {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (d *YouTubeDownloader) ValidateJob(job *types.Job) error {
	u, err := url.Parse(job.SourceURL)
	if err != nil {
		return dlerror.Wrap(dlerror.FormatUnavailable, "youtube/validate", err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtu.be" && len(u.Path) > 1:
	case strings.HasSuffix(host, "youtube.com") && (u.Path == "/watch" || strings.HasPrefix(u.Path, "/shorts/") || strings.HasPrefix(u.Path, "/live/")):
	default:
		return dlerror.New(dlerror.FormatUnavailable, "youtube/validate", "not a YouTube video URL: %s", job.SourceURL)
	}
	if format, ok := job.Metadata["format"].(string); ok && format != "" {
		if _, exists := ytdlpFormats[format]; !exists {
			return dlerror.New(dlerror.FormatUnavailable, "youtube/validate", "unsupported format: %s", format)
		}
	}
	return nil
}

func (d *YouTubeDownloader) BuildJob(ctx context.Context, job *types.Job) error {
	format, _ := job.Metadata["format"].(string)
	if format == "" {
		format = "best"
		job.Metadata["format"] = format
	}
	job.Metadata["ytdlpFormat"] = ytdlpFormats[format]

	ytdlp, err := lookPath(d.YtdlpPath, "yt-dlp")
	if err != nil {
		return err
	}
	job.Metadata["ytdlpPath"] = ytdlp
	if ffmpeg, err := lookPath(d.FFmpegPath, "ffmpeg"); err == nil {
		job.Metadata["ffmpegPath"] = ffmpeg
	}
	if job.OutputPath == "" {
		job.OutputPath = "%(title)s.%(ext)s"
	}
	job.BytesTotal = -1
	return nil
}

func lookPath(configured, name string) (string, error) {
	if configured == "" {
		configured = name
	}
	path, err := exec.LookPath(configured)
	if err != nil {
		return "", dlerror.New(dlerror.FormatUnavailable, "youtube/initial", "%s not found, please install it or set its path", name)
	}
	return path, nil
}
