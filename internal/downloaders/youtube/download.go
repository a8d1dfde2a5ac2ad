package youtube

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

var progressLine = regexp.MustCompile(`^\[download\]\s+([\d.]+)% of\s+~?\s*([\d.]+\s*[KMGT]?i?B)`)

func (d *YouTubeDownloader) Download(ctx context.Context, job *types.Job, r types.Reporter) error {
	ytdlpPath, _ := job.Metadata["ytdlpPath"].(string)
	ytdlpFormat, _ := job.Metadata["ytdlpFormat"].(string)
	args := []string{
		"--progress",
		"--newline",
		"--no-warnings",
		"--continue",
		"-f", ytdlpFormat,
		"-o", job.OutputPath,
		"--no-playlist",
	}
	if ffmpegPath, _ := job.Metadata["ffmpegPath"].(string); ffmpegPath != "" {
		args = append(args, "--ffmpeg-location", ffmpegPath)
	}
	if job.Hint.Rotate {
		args = append(args, "--user-agent", utils.GetRandomUserAgent())
	}
	args = append(args, job.SourceURL)

	cmd := exec.CommandContext(ctx, ytdlpPath, args...)
	log.Debug().Str("op", "youtube/download").Msgf("Executing yt-dlp command: %s", cmd.String())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return dlerror.Wrap(dlerror.Unknown, "youtube/download", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return dlerror.Wrap(dlerror.Unknown, "youtube/download", err)
	}
	if err := cmd.Start(); err != nil {
		return dlerror.New(dlerror.FormatUnavailable, "youtube/download", "error starting yt-dlp: %v", err)
	}

	p := &progressParser{r: r}
	var errLines []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processStream(stdout, p.line)
	}()
	go func() {
		defer wg.Done()
		processStream(stderr, func(line string) {
			errLines = append(errLines, line)
			r.Stream(line)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return dlerror.Wrap(dlerror.Cancelled, "youtube/download", ctx.Err())
		}
		return classify(errLines, err)
	}
	log.Info().Str("op", "youtube/download").Msgf("yt-dlp download completed for %s", job.SourceURL)
	return nil
}

func processStream(reader io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			fn(line)
		}
	}
}

// progressParser converts yt-dlp's per-file percentages into byte counts.
// Formats merged from several streams are downloaded one file after another,
// so finished files are carried in base.
type progressParser struct {
	r       types.Reporter
	base    int64
	total   int64
	current int64
}

func (p *progressParser) line(line string) {
	if strings.HasPrefix(line, "[download] Destination:") {
		p.base += p.total
		p.total, p.current = 0, 0
		p.r.Stream(line)
		return
	}
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		p.r.Stream(line)
		return
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return
	}
	size, err := humanize.ParseBytes(strings.ReplaceAll(m[2], " ", ""))
	if err != nil {
		return
	}
	if int64(size) != p.total {
		p.total = int64(size)
		p.r.SetTotal(p.base + p.total)
	}
	now := int64(percent / 100 * float64(size))
	if now > p.current {
		p.r.Add(now - p.current)
		p.current = now
	}
}

func classify(errLines []string, err error) error {
	msg := strings.Join(errLines, "\n")
	kind := dlerror.Unknown
	switch {
	case strings.Contains(msg, "HTTP Error 429"), strings.Contains(msg, "rate-limited"):
		kind = dlerror.RateLimited
	case strings.Contains(msg, "Sign in to confirm"), strings.Contains(msg, "Private video"), strings.Contains(msg, "members-only"):
		kind = dlerror.AuthRequired
	case strings.Contains(msg, "Video unavailable"), strings.Contains(msg, "has been removed"), strings.Contains(msg, "HTTP Error 404"):
		kind = dlerror.ContentGone
	case strings.Contains(msg, "Requested format is not available"):
		kind = dlerror.FormatUnavailable
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "Connection reset"), strings.Contains(msg, "HTTP Error 5"):
		kind = dlerror.Transport
	}
	detail := "yt-dlp failed"
	if len(errLines) > 0 {
		detail = errLines[len(errLines)-1]
	}
	return &dlerror.Error{Kind: kind, Op: "youtube/download", Detail: detail, Err: err}
}
