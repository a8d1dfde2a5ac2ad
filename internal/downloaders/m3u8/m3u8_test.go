package m3u8

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/mediagrab/internal/convert"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/retry"
	"github.com/tanq16/mediagrab/internal/types"
)

type segReporter struct {
	mu       sync.Mutex
	phases   []types.Status
	lastDone int
	total    int
	lines    []string
	bytes    int64
}

func (r *segReporter) SetPhase(s types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, s)
}
func (r *segReporter) SetTotal(int64) {}
func (r *segReporter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytes += n
}
func (r *segReporter) SetSegments(done, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDone, r.total = done, total
}
func (r *segReporter) Stream(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

// hlsServer serves a master playlist, a four-segment media playlist and the
// segments. Segment 2 fails with a 503 on its first request.
func hlsServer(t *testing.T) *httptest.Server {
	t.Helper()
	var flaky atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/live/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\nlow.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=5000\nhigh.m3u8\n")
	})
	mux.HandleFunc("/live/high.m3u8", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:4\n")
		for i := range 4 {
			fmt.Fprintf(&b, "#EXTINF:4.0,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		fmt.Fprint(w, b.String())
	})
	mux.HandleFunc("/live/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/live/")
		if name == "seg2.ts" && flaky.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if !strings.HasPrefix(name, "seg") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "[%s]", name)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newDownloader(ffmpeg string) *M3U8Downloader {
	return &M3U8Downloader{
		Policy:         retry.Policy{TransportDelay: time.Millisecond, RateLimitBase: time.Millisecond},
		SegmentRetries: 2,
		FFmpeg:         convert.FFmpeg{Path: ffmpeg},
	}
}

func runJob(t *testing.T, d *M3U8Downloader, job *types.Job) (*segReporter, error) {
	t.Helper()
	if err := d.ValidateJob(job); err != nil {
		return nil, err
	}
	require.NoError(t, d.BuildJob(context.Background(), job))
	r := &segReporter{}
	return r, d.Download(context.Background(), job, r)
}

func TestValidateJob(t *testing.T) {
	d := newDownloader("")
	assert.NoError(t, d.ValidateJob(&types.Job{SourceURL: "m3u8://https://example.com/a.m3u8"}))
	assert.NoError(t, d.ValidateJob(&types.Job{SourceURL: "https://example.com/a.m3u8"}))
	err := d.ValidateJob(&types.Job{SourceURL: "m3u8://ftp://example.com/a.m3u8"})
	assert.Equal(t, dlerror.FormatUnavailable, dlerror.KindOf(err))
}

func TestDownloadTransportStream(t *testing.T) {
	server := hlsServer(t)
	out := filepath.Join(t.TempDir(), "show.ts")
	job := &types.Job{
		SourceURL:   "m3u8://" + server.URL + "/live/master.m3u8",
		OutputPath:  out,
		Connections: 2,
		Metadata:    map[string]any{},
	}
	r, err := runJob(t, newDownloader("/nonexistent/ffmpeg"), job)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "[seg0.ts][seg1.ts][seg2.ts][seg3.ts]", string(got))
	assert.Equal(t, 4, r.lastDone)
	assert.Equal(t, 4, r.total)
	assert.Equal(t, int64(len(got)), r.bytes)
	assert.Contains(t, r.phases, types.StatusMerging)
}

func TestMissingFFmpegFallsBackToTS(t *testing.T) {
	d := newDownloader("/nonexistent/ffmpeg")
	job := &types.Job{SourceURL: "https://example.com/a.m3u8", OutputPath: filepath.Join(t.TempDir(), "show.mp4"), Metadata: map[string]any{}}
	require.NoError(t, d.BuildJob(context.Background(), job))
	assert.Equal(t, ".ts", filepath.Ext(job.OutputPath))
	assert.Equal(t, false, job.Metadata["remux"])
}

func TestDownloadRemuxesWithFFmpeg(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := filepath.Join(dir, "ffmpeg")
	// copies the input named after -i to the last argument
	script := "#!/bin/sh\nin=\"\"\nprev=\"\"\nfor a in \"$@\"; do\n  if [ \"$prev\" = \"-i\" ]; then in=\"$a\"; fi\n  prev=\"$a\"\ndone\ncp \"$in\" \"$prev\"\n"
	require.NoError(t, os.WriteFile(ffmpeg, []byte(script), 0755))

	server := hlsServer(t)
	out := filepath.Join(dir, "show.mp4")
	job := &types.Job{SourceURL: server.URL + "/live/high.m3u8", OutputPath: out, Connections: 4, Metadata: map[string]any{}}
	_, err := runJob(t, newDownloader(ffmpeg), job)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "[seg0.ts][seg1.ts][seg2.ts][seg3.ts]", string(got))
	assert.NoFileExists(t, out+".ts")
}

func TestManifestNotFound(t *testing.T) {
	server := hlsServer(t)
	job := &types.Job{SourceURL: server.URL + "/missing.m3u8", OutputPath: filepath.Join(t.TempDir(), "x.ts"), Metadata: map[string]any{}}
	_, err := runJob(t, newDownloader(""), job)
	assert.Equal(t, dlerror.ContentGone, dlerror.KindOf(err))
}
