package interfaces

import "fmt"

// FailureType classifies a connection failure reported through StatusListener or
// ConnectionInformation.
type FailureType string

const (
	// FailureInvalidResponseBody means a response body received through polling or streaming
	// could not be parsed.
	FailureInvalidResponseBody FailureType = "INVALID_RESPONSE_BODY"

	// FailureNetworkFailure means a polling request or the stream connection failed at the
	// network level.
	FailureNetworkFailure FailureType = "NETWORK_FAILURE"

	// FailureUnexpectedStreamElementType means a stream message arrived with an unknown event
	// name. This can indicate that a newer SDK version understands message kinds this one does
	// not.
	FailureUnexpectedStreamElementType FailureType = "UNEXPECTED_STREAM_ELEMENT_TYPE"

	// FailureUnexpectedResponseCode means a request returned a non-2xx HTTP status; the
	// failure is an *InvalidResponseCodeFailure carrying the code.
	FailureUnexpectedResponseCode FailureType = "UNEXPECTED_RESPONSE_CODE"

	// FailureUnknownError is the catch-all for any other problem.
	FailureUnknownError FailureType = "UNKNOWN_ERROR"
)

// LDFailure is a typed description of a communication failure. It implements error. Failures
// are persisted (without the underlying cause) so that the most recent one survives a process
// restart.
type LDFailure struct {
	// Message is a human-readable description of the failure.
	Message string `json:"message"`

	// Type is the failure classification.
	Type FailureType `json:"failureType"`

	// Cause is the underlying error, if any. Not persisted.
	Cause error `json:"-"`
}

// NewFailure creates an LDFailure wrapping an optional cause.
func NewFailure(message string, failureType FailureType, cause error) *LDFailure {
	return &LDFailure{Message: message, Type: failureType, Cause: cause}
}

// Error implements the error interface.
func (f *LDFailure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s", f.Message, f.Cause)
	}
	return f.Message
}

// Unwrap returns the underlying cause, if any.
func (f *LDFailure) Unwrap() error {
	return f.Cause
}

// InvalidResponseCodeFailure is an LDFailure for a non-2xx HTTP response. Retryable reflects
// the standard classification: 400, 408, 429 and all non-4xx statuses are retryable; any other
// 4xx is permanent.
type InvalidResponseCodeFailure struct {
	LDFailure

	// Code is the HTTP status code.
	Code int `json:"responseCode"`

	// Retryable is true if the same request may succeed later.
	Retryable bool `json:"retryable"`
}

// NewInvalidResponseCodeFailure creates an InvalidResponseCodeFailure for a status code,
// applying the standard retryability classification.
func NewInvalidResponseCodeFailure(message string, cause error, code int) *InvalidResponseCodeFailure {
	return &InvalidResponseCodeFailure{
		LDFailure: LDFailure{Message: message, Type: FailureUnexpectedResponseCode, Cause: cause},
		Code:      code,
		Retryable: IsHTTPErrorRecoverable(code),
	}
}

// Error implements the error interface.
func (f *InvalidResponseCodeFailure) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", f.LDFailure.Error(), f.Code)
}

// IsHTTPErrorRecoverable returns true if a request that failed with this status code may
// succeed if retried. Client errors other than 400, 408 and 429 indicate a problem with the
// request or credential that will not fix itself.
func IsHTTPErrorRecoverable(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case 400, 408, 429:
			return true
		}
		return false
	}
	return true
}
