package rest

import (
	"fmt"
)

// RawResponseError is returned when the exchange answers with something that is
// not JSON, usually an HTML error page from a proxy.
type RawResponseError struct {
	Status int
	Body   string
}

func (e *RawResponseError) Error() string {
	return fmt.Sprintf("bitmex rest: non-JSON response (status=%d): %s", e.Status, e.Body)
}

// APIError is a JSON error reply with an HTTP status of 400 or above.
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitmex rest: %s: %s (status=%d)", e.Name, e.Message, e.Status)
}
