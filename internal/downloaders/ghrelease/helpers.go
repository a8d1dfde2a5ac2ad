package ghrelease

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tanq16/mediagrab/internal/dlerror"
	"github.com/tanq16/mediagrab/internal/types"
	"github.com/tanq16/mediagrab/internal/utils"
)

var assetSelectMap = map[string][]string{
	"linuxamd64":   {"linux-amd64", "linux_amd64", "linux-x86_64", "linux-x86-64", "linux_x86_64", "linux_x86-64", "amd64-linux", "x86_64-linux", "x86-64-linux", "amd64_linux", "x86_64_linux", "x86-64_linux"},
	"linuxarm64":   {"linux-arm64", "linux_arm64", "linux-aarch64", "linux_aarch64", "arm64-linux", "aarch64-linux", "arm64_linux", "aarch64_linux"},
	"windowsamd64": {"windows-amd64", "windows_amd64", "windows-x86_64", "windows-x86-64", "windows_x86_64", "windows_x86-64", "amd64-windows", "x86_64-windows", "x86-64-windows", "amd64_windows", "x86_64_windows", "x86-64_windows"},
	"windowsarm64": {"windows-arm64", "windows_arm64", "windows-aarch64", "windows_aarch64", "arm64-windows", "aarch64-windows", "arm64_windows", "aarch64_windows"},
	"darwinamd64":  {"darwin-amd64", "darwin_amd64", "darwin-x86_64", "darwin-x86-64", "darwin_x86_64", "darwin_x86-64", "amd64-darwin", "x86_64-darwin", "x86-64-darwin", "amd64_darwin", "x86_64_darwin", "x86-64_darwin"},
	"darwinarm64":  {"darwin-arm64", "darwin_arm64", "darwin-aarch64", "darwin_aarch64", "arm64-darwin", "aarch64-darwin", "arm64_darwin", "aarch64_darwin"},
}

// assetKeywords scores assets whose names do not follow an os-arch pattern,
// e.g. "tool-x86_64-unknown-linux-gnu.tar.gz" or "tool-apple-arm64.zip".
var assetKeywords = map[string]struct{ os, arch []string }{
	"linuxamd64":   {[]string{"linux", "gnu", "musl"}, []string{"x86_64", "x86-64", "amd64", "x64"}},
	"linuxarm64":   {[]string{"linux", "gnu", "musl"}, []string{"aarch64", "arm64"}},
	"windowsamd64": {[]string{"windows", ".exe", "msvc", "mingw"}, []string{"x86_64", "x86-64", "amd64", "x64"}},
	"windowsarm64": {[]string{"windows", ".exe", "msvc", "mingw"}, []string{"aarch64", "arm64"}},
	"darwinamd64":  {[]string{"darwin", "apple", "macos", "osx"}, []string{"x86_64", "x86-64", "amd64", "x64"}},
	"darwinarm64":  {[]string{"darwin", "apple", "macos", "osx"}, []string{"aarch64", "arm64"}},
}

var ignoredAssets = []string{
	"license", "readme", "changelog", "checksums", "sha256checksum", ".sha256", ".sig", ".asc", ".sbom", ".pem",
}

var repoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^ghrelease://([^/]+)/([^/@]+)(?:@(.+))?$`),
	regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/releases(?:/tag/([^/]+))?/?$`),
}

type asset struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"browser_download_url"`
}

type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

// parseReleaseURL returns owner, repo and an optional tag.
func parseReleaseURL(raw string) (string, string, string, error) {
	raw = strings.TrimSpace(raw)
	for _, pattern := range repoPatterns {
		if m := pattern.FindStringSubmatch(raw); m != nil {
			return m[1], m[2], m[3], nil
		}
	}
	return "", "", "", fmt.Errorf("invalid GitHub release reference: %s", raw)
}

func (d *GitReleaseDownloader) getRelease(ctx context.Context, client *utils.HTTPClient, owner, repo, tag string, hint types.Hint) (release, error) {
	base := d.APIBase
	if base == "" {
		base = "https://api.github.com"
	}
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases/latest", base, url.PathEscape(owner), url.PathEscape(repo))
	if tag != "" {
		apiURL = fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", base, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(tag))
	}
	var rel release
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return rel, dlerror.Wrap(dlerror.FormatUnavailable, "ghrelease/api", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.DoHint(req, hint)
	if err != nil {
		return rel, dlerror.Classify("ghrelease/api", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return rel, dlerror.FromResponse("ghrelease/api", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return rel, dlerror.Wrap(dlerror.Transport, "ghrelease/api", err)
	}
	if len(rel.Assets) == 0 {
		return rel, dlerror.New(dlerror.FormatUnavailable, "ghrelease/api", "release %s has no assets", rel.TagName)
	}
	return rel, nil
}

func ignored(name string) bool {
	for _, s := range ignoredAssets {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// selectAsset picks the asset for goos/goarch. A non-empty pattern overrides
// platform matching with a case-insensitive substring match.
func selectAsset(assets []asset, goos, goarch, pattern string) (asset, bool) {
	if pattern != "" {
		pattern = strings.ToLower(pattern)
		for _, a := range assets {
			if strings.Contains(strings.ToLower(a.Name), pattern) {
				return a, true
			}
		}
		return asset{}, false
	}

	platformKey := goos + goarch
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if ignored(name) {
			continue
		}
		for _, key := range assetSelectMap[platformKey] {
			if strings.Contains(name, key) {
				return a, true
			}
		}
	}

	kw, ok := assetKeywords[platformKey]
	if !ok {
		return asset{}, false
	}
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if !ignored(name) && containsAny(name, kw.os) && containsAny(name, kw.arch) {
			return a, true
		}
	}
	return asset{}, false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
