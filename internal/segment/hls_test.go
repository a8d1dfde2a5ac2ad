package segment

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720
high/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=960x540
mid/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:10.0,
seg0.ts
#EXTINF:10.0,
seg1.ts
#EXTINF:4.5,
https://cdn.example.com/abs/seg2.ts
#EXT-X-ENDLIST
`

const encryptedPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-KEY:METHOD=AES-128,URI="key.bin"
#EXTINF:10.0,
seg0.ts
#EXT-X-ENDLIST
`

func TestParseHLSMasterPicksHighestBandwidth(t *testing.T) {
	base, _ := url.Parse("https://example.com/show/master.m3u8")
	pl, err := ParseHLS(strings.NewReader(masterPlaylist), base)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/show/high/index.m3u8", pl.Variant)
	assert.Empty(t, pl.Segments)
}

func TestParseHLSMedia(t *testing.T) {
	base, _ := url.Parse("https://example.com/show/high/index.m3u8")
	pl, err := ParseHLS(strings.NewReader(mediaPlaylist), base)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/show/high/seg0.ts",
		"https://example.com/show/high/seg1.ts",
		"https://cdn.example.com/abs/seg2.ts",
	}, pl.Segments)
}

func TestParseHLSRejectsEncryptedAndGarbage(t *testing.T) {
	_, err := ParseHLS(strings.NewReader(encryptedPlaylist), nil)
	assert.Equal(t, dlerror.FormatUnavailable, dlerror.KindOf(err))

	_, err = ParseHLS(strings.NewReader("<html>not a playlist</html>"), nil)
	assert.Equal(t, dlerror.FormatUnavailable, dlerror.KindOf(err))
}

func TestHTTPFetcherEndToEnd(t *testing.T) {
	var segHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(masterPlaylist))
	})
	mux.HandleFunc("/high/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Replace(mediaPlaylist, "https://cdn.example.com/abs/seg2.ts", "seg2.ts", 1)))
	})
	mux.HandleFunc("/high/", func(w http.ResponseWriter, r *http.Request) {
		// first request for seg1 fails with a server error
		if strings.HasSuffix(r.URL.Path, "seg1.ts") && segHits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(filepath.Base(r.URL.Path) + ";"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := &HTTPFetcher{Client: utils.NewHTTPClient(types.HTTPClientConfig{})}
	engine := NewEngine(Config{MaxConcurrent: 2, MaxRetries: 2, Policy: testPolicy}, fetcher)
	out := filepath.Join(t.TempDir(), "video.ts")

	res, err := engine.Run(context.Background(), HLSManifest(fetcher, server.URL+"/master.m3u8"), out, types.Discard)
	require.NoError(t, err)
	assert.Len(t, res.Segments, 3)
	assert.Equal(t, 2, res.Segments[1].AttemptCount)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "seg0.ts;seg1.ts;seg2.ts;", string(data))
}

func TestHTTPFetcherClassifiesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fetcher := &HTTPFetcher{Client: utils.NewHTTPClient(types.HTTPClientConfig{})}
	var buf bytes.Buffer
	_, err := fetcher.Fetch(context.Background(), server.URL+"/gone.ts", &buf, types.Hint{Attempt: 1})
	assert.Equal(t, dlerror.ContentGone, dlerror.KindOf(err))
}
