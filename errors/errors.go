// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package errors provides categorized error wrapping for the control plane.
// Only configuration errors are fatal; everything else is caught at the task
// boundary, converted to a bus event, and counted.
package errors

import (
	"errors"
	"fmt"
)

// Error categories
const (
	CategoryConfig      = "config"       // invalid or missing configuration; fatal at init
	CategoryTransientIO = "transient_io" // broker or effector I/O failure; retried locally
	CategorySourceStall = "source_stall" // a sample source produced no data for N ticks
	CategoryPolicy      = "policy"       // cooldown/retry gate refused an action
	CategoryWorkflow    = "workflow"     // workflow terminal failure or timeout
	CategoryInvariant   = "invariant"    // data-model invariant violation; sample dropped
	CategoryInternal    = "internal"
)

// ControlError is a structured error with category and operation context
type ControlError struct {
	Category string
	Op       string
	Err      error
	Message  string
}

func (e *ControlError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }

// Is matches on category and, when set on the target, operation
func (e *ControlError) Is(target error) bool {
	t, ok := target.(*ControlError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Op == "" || e.Op == t.Op)
}

// Wrap wraps an error with category and operation context
func Wrap(err error, category, op, message string) error {
	if err == nil {
		return nil
	}
	return &ControlError{Category: category, Op: op, Err: err, Message: message}
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, category, op, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ControlError{Category: category, Op: op, Err: err, Message: fmt.Sprintf(format, args...)}
}

// New creates a categorized error without an underlying cause
func New(category, op, message string) error {
	return &ControlError{Category: category, Op: op, Err: errors.New(message)}
}

// Newf creates a categorized error with a formatted message
func Newf(category, op, format string, args ...interface{}) error {
	return &ControlError{Category: category, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsCategory reports whether err belongs to the given category
func IsCategory(err error, category string) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Category == category
	}
	return false
}

// IsFatal reports whether err should abort startup
func IsFatal(err error) bool {
	return IsCategory(err, CategoryConfig)
}
