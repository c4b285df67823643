package entur

import (
	"fmt"
	"net/http"

	"sxwatch.onebusaway.org/internal/poller"
)

// ErrRateLimited is the poller's throttle sentinel. A 429 response wraps it.
var ErrRateLimited = poller.ErrRateLimited

// StatusError is a non-200 response from an Entur endpoint.
type StatusError struct {
	Code   int
	Status string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %s", e.URL, e.Status)
}

func (e *StatusError) StatusCode() int { return e.Code }

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	e := &StatusError{Code: resp.StatusCode, Status: status}
	if resp.Request != nil && resp.Request.URL != nil {
		e.URL = resp.Request.URL.Redacted()
	}
	return e
}
