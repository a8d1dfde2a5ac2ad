package registry

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/tanq16/mediagrab/internal/types"
)

type Capability string

const (
	RequiresAuth    Capability = "requires-auth"
	SupportsFormats Capability = "supports-formats"
	Resumable       Capability = "resumable"
	Segmented       Capability = "segmented"
)

var (
	ErrUnsupported      = errors.New("unsupported url")
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrAlreadyInstalled = errors.New("registry already installed")
)

// Matcher decides whether a descriptor owns a parsed URL.
type Matcher func(u *url.URL) bool

type Descriptor struct {
	Name         string
	Match        Matcher
	Capabilities []Capability
	Downloader   types.Downloader
}

func (d Descriptor) Has(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// Registry resolves URLs to descriptors. It is immutable after New.
type Registry struct {
	descriptors []Descriptor
	fallback    *Descriptor
	byName      map[string]Descriptor
}

// New builds a registry that tries descriptors in order and uses fallback (if
// non-nil) for any remaining http(s) URL. The fallback's Match is ignored.
func New(descriptors []Descriptor, fallback *Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor)}
	all := descriptors
	if fallback != nil {
		all = append(slices.Clone(descriptors), *fallback)
	}
	for i, d := range all {
		if d.Name == "" || d.Downloader == nil {
			return nil, fmt.Errorf("descriptor %d: name and downloader are required", i)
		}
		if d.Match == nil && (fallback == nil || i < len(descriptors)) {
			return nil, fmt.Errorf("descriptor %s: matcher is required", d.Name)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("descriptor %s: duplicate name", d.Name)
		}
		r.byName[d.Name] = d
	}
	r.descriptors = slices.Clone(descriptors)
	if fallback != nil {
		fb := *fallback
		r.fallback = &fb
	}
	return r, nil
}

// Resolve returns the first descriptor whose matcher accepts rawURL.
func (r *Registry) Resolve(rawURL string) (Descriptor, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupported, rawURL)
	}
	for _, d := range r.descriptors {
		if d.Match(u) {
			return d, nil
		}
	}
	if r.fallback != nil && isWebURL(u) {
		return *r.fallback, nil
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupported, rawURL)
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, name)
	}
	return d, nil
}

// Names lists platforms in resolution order, fallback last.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors)+1)
	for _, d := range r.descriptors {
		names = append(names, d.Name)
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name)
	}
	return names
}

func isWebURL(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

var global atomic.Pointer[Registry]

// Install sets the process-wide registry. Only the first call succeeds.
func Install(r *Registry) error {
	if r == nil || !global.CompareAndSwap(nil, r) {
		return ErrAlreadyInstalled
	}
	return nil
}

// Global returns the installed registry, or nil before Install.
func Global() *Registry {
	return global.Load()
}

// HostMatcher accepts http(s) URLs whose host is one of hosts or a subdomain of one.
func HostMatcher(hosts ...string) Matcher {
	return func(u *url.URL) bool {
		if !isWebURL(u) {
			return false
		}
		host := strings.ToLower(u.Hostname())
		for _, h := range hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return true
			}
		}
		return false
	}
}

// SchemeMatcher accepts URLs with one of the given schemes.
func SchemeMatcher(schemes ...string) Matcher {
	return func(u *url.URL) bool {
		return slices.Contains(schemes, strings.ToLower(u.Scheme))
	}
}

// PathSuffixMatcher accepts http(s) URLs whose path ends with one of suffixes.
func PathSuffixMatcher(suffixes ...string) Matcher {
	return func(u *url.URL) bool {
		if !isWebURL(u) {
			return false
		}
		p := strings.ToLower(u.Path)
		for _, s := range suffixes {
			if strings.HasSuffix(p, s) {
				return true
			}
		}
		return false
	}
}

// Any accepts a URL when any of matchers does.
func Any(matchers ...Matcher) Matcher {
	return func(u *url.URL) bool {
		for _, m := range matchers {
			if m(u) {
				return true
			}
		}
		return false
	}
}
