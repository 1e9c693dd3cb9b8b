package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

var (
	// ErrUnknownSource means no adapter is registered for the source key.
	ErrUnknownSource = errors.New("unknown source")
	// ErrInvalidTarget means the adapter rejected the target key.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrUnsupportedTargetType means the adapter has no such target type.
	ErrUnsupportedTargetType = errors.New("unsupported target type")

	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamConnect     = errors.New("upstream connect failure")
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	ErrUpstreamHTTP        = errors.New("upstream http error")
)

// UpstreamError is a failure talking to a platform API. Kind is one of the
// ErrUpstream* sentinels; StatusCode is set for HTTP-level failures.
type UpstreamError struct {
	Kind       error
	StatusCode int
	URL        string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsClientError reports whether err was caused by bad caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrUnsupportedTargetType)
}

// IsUpstream reports whether err came from a platform API.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// classifyTransportError turns an http.Client.Do error into an
// UpstreamError. Caller cancellation is returned unchanged.
func classifyTransportError(ctx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	kind := ErrUpstreamConnect
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrUpstreamTimeout
	}
	return &UpstreamError{Kind: kind, URL: redactURL(rawURL), Err: unwrapURLError(err)}
}

func statusError(status int, rawURL string) error {
	kind := ErrUpstreamHTTP
	if status == 429 {
		kind = ErrUpstreamRateLimited
	}
	return &UpstreamError{Kind: kind, StatusCode: status, URL: redactURL(rawURL)}
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func invalidTarget(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTarget, fmt.Sprintf(format, args...))
}

func unsupportedTargetType(source, targetType string) error {
	return fmt.Errorf("%w: %s does not support %q", ErrUnsupportedTargetType, source, targetType)
}
