package segment

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

// HTTPFetcher fetches segments and manifests over HTTP.
type HTTPFetcher struct {
	Client *utils.HTTPClient
}

func (f *HTTPFetcher) Fetch(ctx context.Context, locator string, w io.Writer, hint types.Hint) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return 0, dlerror.Wrap(dlerror.FormatUnavailable, "segment/fetch", err)
	}
	resp, err := f.Client.DoHint(req, hint)
	if err != nil {
		return 0, dlerror.Classify("segment/fetch", err)
	}
	body := utils.NewIdleReader(resp.Body, f.Client.ReadTimeout())
	defer body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, dlerror.FromResponse("segment/fetch", resp)
	}
	n, err := utils.CopyWithProgress(ctx, w, body, nil)
	if err != nil {
		return n, err
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, dlerror.New(dlerror.Transport, "segment/fetch", "short body: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}

// maxNestedPlaylists bounds master playlist indirection.
const maxNestedPlaylists = 3

// HLSManifest resolves manifestURL (following master playlists to their best
// variant) into segment locators.
func HLSManifest(f Fetcher, manifestURL string) ManifestFunc {
	return func(ctx context.Context, hint types.Hint) ([]string, error) {
		current := manifestURL
		for range maxNestedPlaylists {
			base, err := url.Parse(current)
			if err != nil {
				return nil, dlerror.Wrap(dlerror.FormatUnavailable, "segment/manifest", err)
			}
			var buf bytes.Buffer
			if _, err := f.Fetch(ctx, current, &buf, hint); err != nil {
				return nil, err
			}
			playlist, err := ParseHLS(&buf, base)
			if err != nil {
				return nil, err
			}
			if playlist.Variant == "" {
				return playlist.Segments, nil
			}
			current = playlist.Variant
		}
		return nil, dlerror.New(dlerror.FormatUnavailable, "segment/manifest", "too many nested master playlists")
	}
}
