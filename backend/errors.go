package backend

import (
	"errors"
	"fmt"
)

// RequestError is any failed backend call: the network failed, the
// status was not 2xx, or the body did not decode.
type RequestError struct {
	Op         string
	Status     int
	StatusText string
	Detail     string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.StatusText)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsRequestError reports whether err came from a backend call.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

func errEmptyField(name string) error {
	return fmt.Errorf("response has empty %s", name)
}
