package messaging

import "errors"

var (
	// ErrThreadNotFound covers both missing threads and threads the viewer may not see.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrNotParticipant is returned when a participant row does not belong to the viewer.
	ErrNotParticipant = errors.New("participant not found")
	// ErrEmptyBody rejects messages whose body is blank.
	ErrEmptyBody = errors.New("message body must not be empty")
	// ErrNoThreadOpen is returned by send operations while no thread is open.
	ErrNoThreadOpen = errors.New("no thread open")
	// ErrMalformedEvent marks realtime frames that do not match the event envelope.
	ErrMalformedEvent = errors.New("malformed realtime event")
	// ErrRetryExhausted is returned once a failed message has used its single retry.
	ErrRetryExhausted = errors.New("message retry exhausted")
	// ErrNoFailedMessage is returned by Retry when nothing is waiting to be resent.
	ErrNoFailedMessage = errors.New("no failed message to retry")
	// ErrPartialRoster signals that some relationships could not be resolved.
	ErrPartialRoster = errors.New("some relationships could not be loaded")
	// ErrNotSubscribed is returned by Run before a subscription exists.
	ErrNotSubscribed = errors.New("realtime subscription not established")
)
