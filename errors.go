package ctorz

import "errors"

// Registration Errors
//
// These errors are returned when managing hook registrations.

// ErrRegistryMisuse is returned when Register or Unregister is called
// with an empty type identifier or a nil hook. The call is rejected
// and the registry is left untouched.
var ErrRegistryMisuse = errors.New("registry misuse")

// ErrAlreadyRemoved is returned when a Registration handle is removed
// a second time, or after the registry was cleared.
var ErrAlreadyRemoved = errors.New("registration already removed")

// Capability Errors
//
// These errors describe the host capability that enables interception.

// ErrCapabilityUnavailable is returned by Broker.Handle when no capability
// was acquired. The subsystem keeps running in pass-through mode.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// ErrAlreadyInstalled is returned when Install is called on an interceptor
// that is already armed or active.
var ErrAlreadyInstalled = errors.New("interceptor already installed")

// ErrInterceptorClosed is returned when operating on a closed interceptor.
var ErrInterceptorClosed = errors.New("interceptor is closed")

// Rewrite Errors
//
// These errors are produced by Rewriter implementations. They never reach
// the host loader: the interceptor records them and returns the original form.

// ErrUnsupportedConstruct is returned when a constructor has a shape the
// rewriter cannot model. The whole type is left unmodified.
var ErrUnsupportedConstruct = errors.New("unsupported construct")

// ErrMalformedForm is returned when the raw compiled form cannot be parsed.
var ErrMalformedForm = errors.New("malformed compiled form")

// ErrAlreadyInstrumented is returned when the raw form was produced by a
// previous rewrite. The form is passed through as-is.
var ErrAlreadyInstrumented = errors.New("type already instrumented")

// Delivery Errors
//
// These errors are produced by asynchronous record delivery.

// ErrQueueFull is returned when the record delivery queue cannot accept
// another record. The record stays in the interceptor's audit book.
var ErrQueueFull = errors.New("record queue is full")

// ErrSinkPanicked is used internally to count sinks that panicked.
var ErrSinkPanicked = errors.New("record sink panicked")
