package convert

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediagrab/internal/dlerror"
)

// FFmpeg runs an external ffmpeg binary for container conversion.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) binary() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

// Available reports whether the binary can be found.
func (f FFmpeg) Available() bool {
	_, err := exec.LookPath(f.binary())
	return err == nil
}

// Remux copies the streams of input into output without re-encoding. The
// container is picked by ffmpeg from output's extension.
func (f FFmpeg) Remux(ctx context.Context, input, output string) error {
	cmd := exec.CommandContext(ctx, f.binary(),
		"-hide_banner", "-loglevel", "error",
		"-i", input,
		"-c", "copy",
		"-y",
		output,
	)
	out, err := cmd.CombinedOutput()
	if err == nil {
		log.Debug().Str("op", "convert/ffmpeg").Msgf("Remuxed %s into %s", input, output)
		return nil
	}
	if ctx.Err() != nil {
		os.Remove(output)
		return dlerror.Wrap(dlerror.Cancelled, "convert/ffmpeg", ctx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) {
		return dlerror.New(dlerror.FormatUnavailable, "convert/ffmpeg", "%s not found in PATH", f.binary())
	}
	os.Remove(output)
	return &dlerror.Error{
		Kind:   dlerror.FormatUnavailable,
		Op:     "convert/ffmpeg",
		Detail: lastLine(string(out)),
		Err:    err,
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
