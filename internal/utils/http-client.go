package utils

import (
	"maps"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/tanq16/mediagrab/internal/types"
)

type HTTPClient struct {
	client *http.Client
	config types.HTTPClientConfig
}

func NewHTTPClient(cfg types.HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		DisableCompression:    true,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	cfg.Headers = maps.Clone(cfg.Headers)
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	// No overall client timeout: long bodies are bounded by the per-read idle timeout.
	return &HTTPClient{
		client: &http.Client{Transport: transport},
		config: cfg,
	}
}

func (c *HTTPClient) ReadTimeout() time.Duration {
	return c.config.ReadTimeout
}

func (c *HTTPClient) SetHeader(key, value string) {
	c.config.Headers[key] = value
}

func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.DoHint(req, types.Hint{})
}

// DoHint sends req with the configured identity, or a rotated one when the hint
// asks for it: random user agent and no session cookie.
func (c *HTTPClient) DoHint(req *http.Request, hint types.Hint) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	if hint.Rotate {
		req.Header.Set("User-Agent", GetRandomUserAgent())
		req.Header.Del("Cookie")
	}
	return c.client.Do(req)
}
