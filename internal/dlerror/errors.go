package dlerror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failure so the retry policy can decide what to do with it.
type Kind int

const (
	Unknown Kind = iota
	Transport
	RateLimited
	AuthRequired
	AuthExpired
	FormatUnavailable
	ContentGone
	DiskIO
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case RateLimited:
		return "rate-limited"
	case AuthRequired:
		return "auth-required"
	case AuthExpired:
		return "auth-expired"
	case FormatUnavailable:
		return "format-unavailable"
	case ContentGone:
		return "content-gone"
	case DiskIO:
		return "disk-io"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Retryable reports whether failures of this kind are worth another attempt.
func (k Kind) Retryable() bool {
	return k == Transport || k == RateLimited
}

// Error is a classified download failure.
type Error struct {
	Kind       Kind
	Op         string        // operation that failed, e.g. "http/download"
	Detail     string        // human readable explanation
	StatusCode int           // HTTP status, 0 for non-HTTP failures
	RetryAfter time.Duration // server provided wait hint for RateLimited
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify inspects a raw error and wraps it with the detected kind.
// Errors that are already classified are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: detect(err), Op: op, Err: err}
}

// KindOf returns the kind of err, detecting it for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return detect(err)
}

// RetryAfterOf returns the server provided wait hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func detect(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transport
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, fs.ErrPermission) {
		return DiskIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transport
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transport
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Transport
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return DiskIO
	}
	return Unknown
}

// FromResponse classifies a non-success HTTP response.
func FromResponse(op string, resp *http.Response) *Error {
	return FromStatus(op, resp.StatusCode, resp.Header)
}

func FromStatus(op string, code int, header http.Header) *Error {
	e := &Error{Op: op, StatusCode: code, Detail: http.StatusText(code)}
	switch {
	case code == http.StatusTooManyRequests:
		e.Kind = RateLimited
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	case code == http.StatusUnauthorized:
		e.Kind = AuthRequired
	case code == http.StatusForbidden:
		// GitHub and similar APIs signal quota exhaustion with a 403
		if header.Get("X-RateLimit-Remaining") == "0" {
			e.Kind = RateLimited
			e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
		} else {
			e.Kind = AuthExpired
		}
	case code == http.StatusNotFound || code == http.StatusGone:
		e.Kind = ContentGone
	case code == http.StatusRequestTimeout || code >= 500:
		e.Kind = Transport
	case code >= 400:
		e.Kind = FormatUnavailable
	default:
		e.Kind = Unknown
		e.Detail = fmt.Sprintf("unexpected status %d", code)
	}
	return e
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
