package restsource

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnexpectedPayload is returned when a response body is not a list of JSON objects.
var ErrUnexpectedPayload = errors.New("unexpected response payload")

// ErrTooManyPages is returned when a paginated resource without max_pages
// walks past DefaultMaxPages.
var ErrTooManyPages = errors.New("pagination did not end")

const maxErrorBody = 512

// StatusError reports a non-2xx response from the source API.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// Temporary reports whether retrying later could succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
