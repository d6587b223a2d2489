package flow

import "errors"

// Errors returned by Engine. The HTTP layer maps each one to a status code;
// anything else is reported as an internal error.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session is already closed")
	ErrFormNotFound        = errors.New("form not found")
	ErrInvalidSubmission   = errors.New("invalid submission")
	ErrDuplicateSubmission = errors.New("submission already received")
	ErrTryAgain            = errors.New("temporarily unable to save, please try again")
	ErrNotRecoverable      = errors.New("session cannot be resumed")
)
