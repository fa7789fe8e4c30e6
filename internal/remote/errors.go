package remote

import "errors"

var (
	// ErrTimeout means the worker did not answer within the call timeout.
	ErrTimeout = errors.New("remote call timed out")
	// ErrTransport covers a missing, broken or closed session.
	ErrTransport = errors.New("remote transport failure")
	// ErrMalformedPayload means the answer could not be parsed.
	ErrMalformedPayload = errors.New("malformed remote payload")
	// ErrRemoteFailure means the worker answered with an error result.
	ErrRemoteFailure = errors.New("remote worker reported failure")
)
