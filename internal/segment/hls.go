package segment

import (
	"io"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/tanq16/mediagrab/internal/dlerror"
)

// Playlist is a decoded HLS manifest. Exactly one of Variant and Segments is set.
type Playlist struct {
	Variant  string   // best variant of a master playlist
	Segments []string // init section (if any) followed by media segments
}

// ParseHLS decodes an HLS playlist, resolving relative URIs against base.
func ParseHLS(r io.Reader, base *url.URL) (Playlist, error) {
	p, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return Playlist{}, dlerror.Wrap(dlerror.FormatUnavailable, "segment/hls", err)
	}
	switch listType {
	case m3u8.MASTER:
		master := p.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil || v.Iframe {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil {
			return Playlist{}, dlerror.New(dlerror.FormatUnavailable, "segment/hls", "master playlist has no playable variants")
		}
		variant, err := resolve(base, best.URI)
		if err != nil {
			return Playlist{}, err
		}
		return Playlist{Variant: variant}, nil
	case m3u8.MEDIA:
		media := p.(*m3u8.MediaPlaylist)
		if encrypted(media.Key) {
			return Playlist{}, dlerror.New(dlerror.FormatUnavailable, "segment/hls", "encrypted streams are not supported")
		}
		var out []string
		if media.Map != nil && media.Map.URI != "" {
			init, err := resolve(base, media.Map.URI)
			if err != nil {
				return Playlist{}, err
			}
			out = append(out, init)
		}
		for _, seg := range media.Segments {
			if seg == nil {
				break
			}
			if encrypted(seg.Key) {
				return Playlist{}, dlerror.New(dlerror.FormatUnavailable, "segment/hls", "encrypted streams are not supported")
			}
			loc, err := resolve(base, seg.URI)
			if err != nil {
				return Playlist{}, err
			}
			out = append(out, loc)
		}
		return Playlist{Segments: out}, nil
	}
	return Playlist{}, dlerror.New(dlerror.FormatUnavailable, "segment/hls", "unknown playlist type")
}

func encrypted(k *m3u8.Key) bool {
	return k != nil && k.Method != "" && !strings.EqualFold(k.Method, "NONE")
}

func resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", dlerror.Wrap(dlerror.FormatUnavailable, "segment/hls", err)
	}
	if base == nil {
		return u.String(), nil
	}
	return base.ResolveReference(u).String(), nil
}
