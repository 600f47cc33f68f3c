// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archerr implements the archiver client's error taxonomy: a
// closed set of kinds, each carrying a chain of component/operation
// context frames and a trace id, assigned when the error is created and
// kept by every Wrap on its way up.
package archerr

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of error classes the client can surface.
type Kind int

const (
	Connection Kind = iota
	Server
	Decode
	InvalidRequest
	Cache
	HealthCheck
	Initialization
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "Connection"
	case Server:
		return "Server"
	case Decode:
		return "Decode"
	case InvalidRequest:
		return "InvalidRequest"
	case Cache:
		return "Cache"
	case HealthCheck:
		return "HealthCheck"
	case Initialization:
		return "Initialization"
	default:
		return "Unknown"
	}
}

// retryableByDefault reports whether the Governor should ever retry an
// error of this kind. Server is only conditionally retryable (502/503/504); that
// finer check lives on Error.Retryable, not here.
func (k Kind) retryableByDefault() bool {
	switch k {
	case Connection, HealthCheck:
		return true
	default:
		return false
	}
}

// Frame is one layer's contribution to an error's context chain. Frames
// are appended to a flat slice, never linked by shared mutable
// pointers, so a chain can never become a cycle.
type Frame struct {
	Component string
	Operation string
	At        time.Time
}

// Error is the archiver client's concrete error type. Status and
// RetryAfter are only meaningful for Kind == Server.
type Error struct {
	Kind       Kind
	Message    string
	TraceID    uuid.UUID
	RetryCount int
	Status     int
	RetryAfter time.Duration
	Frames     []Frame
	// ValidationErrors holds every message aggregated by the Validator;
	// only populated for Kind == InvalidRequest.
	ValidationErrors []string
	cause            error
}

// New creates a fresh error with a newly assigned trace id. Use New at
// the point an error is first detected (Validator, Transport, Codec);
// use Wrap to propagate an existing error up through a layer boundary.
func New(kind Kind, component, operation, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		TraceID: uuid.New(),
		Frames:  []Frame{{Component: component, Operation: operation, At: time.Now()}},
	}
}

// Wrap attaches a new context frame to an existing archiver error,
// preserving its kind, trace id and retry count. If err is not an
// *Error, it is wrapped as a fresh Connection-kind error (the common
// case: a transport-level Go error reaching the boundary for the first
// time).
func Wrap(err error, component, operation string) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		frames := make([]Frame, len(ae.Frames), len(ae.Frames)+1)
		copy(frames, ae.Frames)
		frames = append(frames, Frame{Component: component, Operation: operation, At: time.Now()})
		wrapped := *ae
		wrapped.Frames = frames
		return &wrapped
	}
	return &Error{
		Kind:    Connection,
		Message: err.Error(),
		TraceID: uuid.New(),
		Frames:  []Frame{{Component: component, Operation: operation, At: time.Now()}},
		cause:   err,
	}
}

func (e *Error) Error() string {
	component, operation := "?", "?"
	if len(e.Frames) > 0 {
		last := e.Frames[len(e.Frames)-1]
		component, operation = last.Component, last.Operation
	}
	return fmt.Sprintf("%s: %s (%s/%s trace=%s)", e.Kind, e.Message, component, operation, e.TraceID)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the Governor may retry the operation that
// produced this error.
func (e *Error) Retryable() bool {
	if e.Kind == Server {
		return e.Status == 502 || e.Status == 503 || e.Status == 504
	}
	return e.Kind.retryableByDefault()
}

// IncrementRetry records one more retry attempt in the error's
// RetryCount, mirroring the original implementation's
// increment_retry.
func (e *Error) IncrementRetry() {
	e.RetryCount++
}

// AsError reports whether err is an *archerr.Error and returns it.
func AsError(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}

// Aggregate combines multiple validation messages into a single
// InvalidRequest error, matching the Validator's "errors aggregate"
// contract.
func Aggregate(component, operation string, messages []string) *Error {
	msg := messages[0]
	if len(messages) > 1 {
		joined := messages[0]
		for _, m := range messages[1:] {
			joined += "; " + m
		}
		msg = joined
	}
	e := New(InvalidRequest, component, operation, msg)
	e.ValidationErrors = messages
	return e
}
