package connector

import (
	"context"
	"net/http"

	"github.com/teranos/sluice/errors"
)

// Error classes. Adapters mark their errors with Transient, Permanent or
// Auth; the coordinator only retries transient ones.
var (
	ErrTransient = errors.New("transient connector error")
	ErrPermanent = errors.New("permanent connector error")
	ErrAuth      = errors.New("connector authentication error")
)

// Class is the retry classification of a connector error.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuth:
		return "auth"
	}
	return "unknown"
}

// Transient marks err as retryable (network failures, timeouts, throttling).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Permanent marks err as not retryable until the next seeding pass
// (malformed data, unsupported content).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// Auth marks err as a credentials problem. The job is paused.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrAuth)
}

// Classify returns the class of err. Unmarked errors and context deadlines
// are transient, so a misbehaving adapter is bounded by the retry ceiling
// rather than failing documents on the first hiccup.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrPermanent):
		return ClassPermanent
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassTransient
}

// ClassifyHTTPStatus maps an HTTP-style status code to a class. ok is false
// for codes that are not errors (2xx, 304, and 404/410 which mean Gone).
// 403 is per-resource and classed Permanent; connectors that know their
// credentials are rejected outright may raise it to Auth.
func ClassifyHTTPStatus(code int) (class Class, ok bool) {
	switch {
	case code < 400, code == http.StatusNotFound, code == http.StatusGone:
		return 0, false
	case code == http.StatusUnauthorized:
		return ClassAuth, true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ClassTransient, true
	}
	return ClassPermanent, true
}

// Mark applies class to err.
func (c Class) Mark(err error) error {
	switch c {
	case ClassAuth:
		return Auth(err)
	case ClassPermanent:
		return Permanent(err)
	}
	return Transient(err)
}
