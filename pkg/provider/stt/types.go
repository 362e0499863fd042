package stt

import "fmt"

// APIError is returned by providers when the backend responds with a non-2xx
// HTTP status. It carries the status code so retry logic can tell a transient
// server failure from a permanent client error.
type APIError struct {
	// Status is the HTTP status code of the failed response.
	Status int

	// Body is a truncated excerpt of the response body, for logging.
	Body string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stt: backend returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("stt: backend returned HTTP %d: %s", e.Status, e.Body)
}

// HTTPStatus returns the status code of the failed response. The resilience
// layer uses this to refuse retries on client errors such as 400 and 401.
func (e *APIError) HTTPStatus() int { return e.Status }

// maxErrorBodyLen bounds the response excerpt stored in an APIError.
const maxErrorBodyLen = 200

// NewAPIError builds an APIError from a status code and raw response body,
// truncating the body excerpt.
func NewAPIError(status int, body []byte) *APIError {
	excerpt := string(body)
	if len(excerpt) > maxErrorBodyLen {
		excerpt = excerpt[:maxErrorBodyLen]
	}
	return &APIError{Status: status, Body: excerpt}
}
