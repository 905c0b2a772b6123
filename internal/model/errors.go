package model

import (
	"errors"
	"fmt"
)

// ErrUnrecoverable marks source failures that must halt scheduling (bad credentials, bad config).
var ErrUnrecoverable = errors.New("unrecoverable source error")

// ErrNothingToCancel is reported for a cancellation of a key that was never seen.
var ErrNothingToCancel = errors.New("cancellation without prior sighting")

// ValidationError 原始事件缺少字段或字段类型不合法
type ValidationError struct {
	Field string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Cause)
}

// TransitionError is an illegal state transition for an existing row.
type TransitionError struct {
	Key  Key
	From ExecStatus
	To   ExecStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for %s", e.From, e.To, e.Key)
}

// IntegrityAnomaly is a FilledQty regression outside cancellation.
type IntegrityAnomaly struct {
	Key               Key
	PreviousFilledQty int64
	FilledQty         int64
}

func (e *IntegrityAnomaly) Error() string {
	return fmt.Sprintf("filled qty regression %d -> %d for %s", e.PreviousFilledQty, e.FilledQty, e.Key)
}

type SourceError struct {
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Rejection is one event the engine refused, with its key and reason.
type Rejection struct {
	Key    Key
	Reason string
	Err    error
}

func (r Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Key, r.Reason)
}

func (r Rejection) Unwrap() error { return r.Err }
