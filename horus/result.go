// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

// ResultState classifies the outcome of a remote service call.
type ResultState int

const (
	StateSuccess ResultState = iota
	StateFailure
	StateNotAuthorized
)

// Unit is the empty payload for calls that return no data.
type Unit = struct{}

// Result is the tri-state outcome of a remote call: Success carries
// data, Failure carries the causing error, NotAuthorized carries
// neither. Remote failures never escape as naked errors from the
// service layer; they are always folded into a Result.
type Result[T any] struct {
	State ResultState
	Data  T
	Err   error
}

// Success wraps data in a successful result.
func Success[T any](data T) Result[T] {
	return Result[T]{State: StateSuccess, Data: data}
}

// Failure wraps an error in a failed result.
func Failure[T any](err error) Result[T] {
	return Result[T]{State: StateFailure, Err: err}
}

// NotAuthorized reports a rejected session.
func NotAuthorized[T any]() Result[T] {
	return Result[T]{State: StateNotAuthorized}
}

func (r Result[T]) IsSuccess() bool       { return r.State == StateSuccess }
func (r Result[T]) IsFailure() bool       { return r.State == StateFailure }
func (r Result[T]) IsNotAuthorized() bool { return r.State == StateNotAuthorized }
