package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/google/go-github/v57/github"
)

// ErrorKind classifies remote failures
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindHTTP
	KindDecode
	KindQuotaExhausted
	// KindConflictUnresolved is reported as KindDecode; it is kept so that
	// callers can name it.
	KindConflictUnresolved
)

func (k ErrorKind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindDecode, KindConflictUnresolved:
		return "decode"
	case KindQuotaExhausted:
		return "quota_exhausted"
	default:
		return "network"
	}
}

// FetchError is a failed remote call
type FetchError struct {
	Kind   ErrorKind
	Status int
	Path   string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error fetching %s (status %d): %v", e.Kind, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("%s error fetching %s: %v", e.Kind, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the kind of a remote failure; unknown errors are network errors.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetwork
}

// StatusOf returns the HTTP status of a remote failure, or 0.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// decodeError reports a payload that cannot be reconciled.
func decodeError(path string, format string, args ...any) *FetchError {
	return &FetchError{Kind: KindDecode, Path: path, Err: fmt.Errorf(format, args...)}
}

func classify(path string, resp *github.Response, err error) *FetchError {
	fe := &FetchError{Kind: KindNetwork, Path: path, Err: err}
	if resp != nil && resp.Response != nil {
		fe.Status = resp.StatusCode
	}

	var (
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
		respErr  *github.ErrorResponse
		urlErr   *url.Error
		netErr   net.Error
		synErr   *json.SyntaxError
		typeErr  *json.UnmarshalTypeError
	)
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		fe.Kind = KindQuotaExhausted
	case errors.As(err, &respErr):
		fe.Kind = KindHTTP
		if respErr.Response != nil {
			fe.Status = respErr.Response.StatusCode
		}
	case errors.As(err, &synErr), errors.As(err, &typeErr):
		fe.Kind = KindDecode
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.As(err, &urlErr), errors.As(err, &netErr):
		fe.Kind = KindNetwork
	case fe.Status >= 400:
		fe.Kind = KindHTTP
	}
	return fe
}
