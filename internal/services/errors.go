// Package services defines the business logic of the verification gate:
// code issuance, identity binding, the membership state machine, and the
// watchdog. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import (
	"errors"

	"github.com/paoluz/authgate/internal/repo"
)

var (
	// ErrCodeExpired indicates the presented verification code is unknown,
	// already consumed, or past its TTL.
	ErrCodeExpired = repo.ErrBindCodeExpired

	// ErrUIDAlreadyBound indicates the external identity is already bound to
	// a different chat identity.
	ErrUIDAlreadyBound = repo.ErrBindUIDTaken

	// ErrChatAlreadyBound indicates the chat identity resolved by the code
	// already holds a different external identity.
	ErrChatAlreadyBound = repo.ErrBindChatTaken

	// ErrMemberNotFound indicates an operation referenced a member record
	// that does not exist (e.g. already swept).
	ErrMemberNotFound = errors.New("member not found")
)
