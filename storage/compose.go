// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

// Composite overrides the activity log and cursor store of a base Store,
// e.g. to keep them in a shared relational database while everything else
// stays in the embedded store.
type Composite struct {
	Store
	Log     ActivityLog
	Cursors CursorStore
	closers []func() error
}

var _ Store = (*Composite)(nil)

// Compose returns base with the non-nil overrides applied. extraClose is
// called on Close after the base store is closed.
func Compose(base Store, log ActivityLog, cursors CursorStore, extraClose ...func() error) *Composite {
	return &Composite{
		Store:   base,
		Log:     log,
		Cursors: cursors,
		closers: extraClose,
	}
}

// Activities returns the overriding log if set.
func (c *Composite) Activities() ActivityLog {
	if c.Log != nil {
		return c.Log
	}
	return c.Store.Activities()
}

// QueueStates returns the overriding cursor store if set.
func (c *Composite) QueueStates() CursorStore {
	if c.Cursors != nil {
		return c.Cursors
	}
	return c.Store.QueueStates()
}

// Close closes the base store and every extra closer.
func (c *Composite) Close() error {
	errs := []error{c.Store.Close()}
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
