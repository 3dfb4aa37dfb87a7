package jobclient

import (
	"errors"
	"fmt"
)

// Static errors.
var (
	ErrTextEmpty     = errors.New("text cannot be empty")
	ErrVoiceIDEmpty  = errors.New("voice id cannot be empty")
	ErrTaskIDEmpty   = errors.New("task id cannot be empty")
	ErrFileEmpty     = errors.New("voice sample file cannot be empty")
	ErrNameEmpty     = errors.New("voice name cannot be empty")
	ErrLocatorEmpty  = errors.New("asset locator cannot be empty")
	ErrEmptyResponse = errors.New("response is missing required fields")
)

// NetworkError reports a request that never reached the backend or whose
// response could not be read.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError reports a non-2xx response. Message carries the backend's
// `detail` field when the body had one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// UserMessage returns the text shown to the user.
func (e *APIError) UserMessage() string {
	return e.Message
}

// userMessager is implemented by errors that carry presentation copy.
type userMessager interface {
	UserMessage() string
}

// UserMessage extracts the human-readable message for an error. Errors that
// do not carry presentation copy fall back to their Error text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var um userMessager
	if errors.As(err, &um) {
		return um.UserMessage()
	}

	return err.Error()
}
