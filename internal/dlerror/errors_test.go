package dlerror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		header http.Header
		want   Kind
	}{
		{"too many requests", 429, http.Header{}, RateLimited},
		{"unauthorized", 401, http.Header{}, AuthRequired},
		{"forbidden", 403, http.Header{}, AuthExpired},
		{"forbidden quota", 403, http.Header{"X-Ratelimit-Remaining": {"0"}}, RateLimited},
		{"not found", 404, http.Header{}, ContentGone},
		{"gone", 410, http.Header{}, ContentGone},
		{"request timeout", 408, http.Header{}, Transport},
		{"bad gateway", 502, http.Header{}, Transport},
		{"unavailable", 503, http.Header{}, Transport},
		{"range not satisfiable", 416, http.Header{}, FormatUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus("test", tt.code, tt.header)
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.code, err.StatusCode)
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := FromStatus("api", 429, http.Header{"Retry-After": {"7"}})
	assert.Equal(t, 7*time.Second, err.RetryAfter)
	assert.Equal(t, 7*time.Second, RetryAfterOf(fmt.Errorf("wrapped: %w", err)))

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	date := now.Add(30 * time.Second).Format(http.TimeFormat)
	assert.Equal(t, 30*time.Second, parseRetryAfter(date, now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("-4", now))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"cancelled", context.Canceled, Cancelled},
		{"wrapped cancel", &url.Error{Op: "Get", URL: "http://x", Err: context.Canceled}, Cancelled},
		{"deadline", context.DeadlineExceeded, Transport},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), Transport},
		{"short body", io.ErrUnexpectedEOF, Transport},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("dial failed")}, Transport},
		{"disk full", &os.PathError{Op: "write", Path: "/tmp/x", Err: syscall.ENOSPC}, DiskIO},
		{"classified", New(ContentGone, "op", "removed"), ContentGone},
		{"wrapped classified", fmt.Errorf("outer: %w", New(AuthRequired, "op", "login")), AuthRequired},
		{"plain", errors.New("something"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	orig := New(FormatUnavailable, "m3u8", "encrypted stream")
	assert.Same(t, orig, Classify("other", orig))
	assert.Nil(t, Classify("op", nil))

	err := Classify("http/download", io.ErrUnexpectedEOF)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, Transport, e.Kind)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: Transport, Op: "segment/fetch", StatusCode: 503, Detail: "Service Unavailable"}
	assert.Equal(t, "segment/fetch: transport (HTTP 503): Service Unavailable", err.Error())

	wrapped := Wrap(DiskIO, "merge", errors.New("no space left"))
	assert.Equal(t, "merge: disk-io: no space left", wrapped.Error())
	assert.Nil(t, Wrap(DiskIO, "merge", nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Transport.Retryable())
	assert.True(t, RateLimited.Retryable())
	for _, k := range []Kind{Unknown, AuthRequired, AuthExpired, FormatUnavailable, ContentGone, DiskIO, Cancelled} {
		assert.False(t, k.Retryable(), k.String())
	}
}
