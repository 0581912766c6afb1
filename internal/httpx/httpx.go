// Package httpx holds the small HTTP helpers shared by the repository and
// storage clients.
package httpx

import (
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Doer executes HTTP requests. *http.Client and *gcp.Session satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPStatusError is returned for any non-success response.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

// CheckResponse returns an *HTTPStatusError when resp does not carry a 2xx
// status. The response body is consumed and closed in that case.
func CheckResponse(resp *http.Response) error {
	err := googleapi.CheckResponse(resp)
	if err == nil {
		return nil
	}
	defer resp.Body.Close()
	statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Err: err}
	if resp.Request != nil {
		statusErr.Method = resp.Request.Method
		statusErr.URL = resp.Request.URL.Redacted()
	}
	return statusErr
}

// Drain discards the rest of a response body and closes it so the connection
// can be reused.
func Drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
