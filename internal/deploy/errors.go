// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"errors"
	"strings"
)

// Class buckets a reconciliation failure for retry policy purposes.
type Class string

const (
	// ClassTransient covers network faults and remote flakiness. Retried
	// with exponential backoff up to the retry ceiling.
	ClassTransient Class = "transient"
	// ClassConfig covers authentication and host trust problems. Retrying
	// cannot succeed until an operator fixes the configuration.
	ClassConfig Class = "config"
	// ClassInvariant covers internal bugs such as generation conflicts.
	ClassInvariant Class = "invariant"
	// ClassData covers references to rows that no longer exist, typically
	// a mapping deleted while its job sat in the queue.
	ClassData Class = "data"
)

// ClassifiedError wraps a failure with its retry class.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string { return string(e.Class) + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// WrapClass attaches a class to an error.
func WrapClass(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Classify returns the retry class of an error. Explicitly classified
// errors keep their class; everything else is bucketed by inspecting the
// error text, defaulting to transient so unknown failures get retried.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	le := strings.ToLower(err.Error())
	switch {
	case strings.Contains(le, "unable to authenticate"),
		strings.Contains(le, "permission denied"),
		strings.Contains(le, "host key mismatch"),
		strings.Contains(le, "unknown host key"),
		strings.Contains(le, "unable to parse private key"),
		strings.Contains(le, "no authentication method"):
		return ClassConfig
	case strings.Contains(le, "generation conflict"):
		return ClassInvariant
	default:
		return ClassTransient
	}
}
