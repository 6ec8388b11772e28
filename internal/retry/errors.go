package retry

import (
	"context"
	"errors"
	"fmt"
)

// Class tags an execution error so the policy can decide between retry and
// terminal failure.
type Class string

const (
	ClassTimeout           Class = "timeout"
	ClassUpstreamThrottled Class = "upstream_throttled"
	ClassWorkerCrash       Class = "worker_crash"
	ClassResourceExhausted Class = "resource_exhausted"
	ClassMalformedInput    Class = "malformed_input"
	ClassAuthFailure       Class = "auth_failure"
	ClassValidation        Class = "validation"
	ClassUnknown           Class = "unknown"
)

// Retryable reports whether the class is worth another attempt. Unknown errors
// are treated as transient so a flaky collaborator does not dead-letter jobs
// on its first bad day.
func (c Class) Retryable() bool {
	switch c {
	case ClassMalformedInput, ClassAuthFailure, ClassValidation:
		return false
	default:
		return true
	}
}

// Classified wraps an execution error with its class and the stage it
// surfaced in.
type Classified struct {
	Class Class
	Stage string
	Err   error
}

func (e *Classified) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// WrapClass tags err with a class, preserving an existing classification.
func WrapClass(class Class, stage string, err error) error {
	if err == nil {
		return nil
	}
	var c *Classified
	if errors.As(err, &c) {
		if c.Stage == "" {
			c.Stage = stage
		}
		return err
	}
	return &Classified{Class: class, Stage: stage, Err: err}
}

// Classify extracts the class from err, mapping context deadline expiry to a
// timeout and anything untagged to unknown.
func Classify(err error) Class {
	var c *Classified
	if errors.As(err, &c) {
		return c.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassUnknown
}

// StageOf returns the stage recorded on a classified error, if any.
func StageOf(err error) string {
	var c *Classified
	if errors.As(err, &c) {
		return c.Stage
	}
	return ""
}
