// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery posts signed activities to remote inboxes and
// classifies the outcome for the federation workers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrGone means the destination answered 410 Gone. The instance should
	// be marked dead instead of retried.
	ErrGone = errors.New("destination is gone")

	// ErrPermanent means the destination rejected this activity for good.
	// Retrying the same payload cannot succeed, so it is skipped.
	ErrPermanent = errors.New("destination rejected activity")
)

// Request is one signed POST of an activity to an inbox.
type Request struct {
	Inbox         string
	KeyID         string
	PrivateKeyPEM string
	Body          []byte
}

// Sender delivers activities to remote inboxes.
type Sender interface {
	// Send posts the request. A nil error means the inbox accepted it.
	// Errors wrapping ErrGone or ErrPermanent are final; anything else is
	// transient and may be retried.
	Send(ctx context.Context, req Request) error
}

// StatusError carries the HTTP status of a failed delivery.
type StatusError struct {
	Inbox string
	Code  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Inbox, e.Code)
}

// Unwrap maps the status onto ErrGone or ErrPermanent; transient
// statuses unwrap to nothing.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusGone:
		return ErrGone
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return nil
	case e.Code >= 400 && e.Code < 500:
		return ErrPermanent
	default:
		return nil
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrGone) && !errors.Is(err, ErrPermanent)
}
