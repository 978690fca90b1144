// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemons

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Daemon failures collapse into a small set of kinds so callers can map
// them onto user-visible failure codes without inspecting transport
// details.
var (
	ErrUnavailable    = errors.New("daemon unavailable")
	ErrTimeout        = errors.New("daemon timed out")
	ErrConflict       = errors.New("daemon reported conflict")
	ErrInvalidRequest = errors.New("daemon rejected request")
	ErrNotFound       = errors.New("daemon has no such resource")
	ErrInternal       = errors.New("daemon internal error")

	ErrBreakerOpen = errors.New("circuit breaker open")
)

// Retryable reports whether a call failing with [err] may be retried
// without risking a duplicate side effect.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// mapError folds a transport error into one of the daemon error kinds,
// keeping the original message.
func mapError(name, method string, err error) error {
	if err == nil {
		return nil
	}

	kind := ErrInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.Is(err, context.Canceled):
		return err
	default:
		if st, ok := status.FromError(err); ok {
			switch st.Code() {
			case codes.Unavailable:
				kind = ErrUnavailable
			case codes.DeadlineExceeded:
				kind = ErrTimeout
			case codes.Aborted, codes.AlreadyExists, codes.FailedPrecondition:
				kind = ErrConflict
			case codes.InvalidArgument:
				kind = ErrInvalidRequest
			case codes.NotFound:
				kind = ErrNotFound
			}
		}
	}
	return fmt.Errorf("%w: %s %s: %s", kind, name, method, err)
}
