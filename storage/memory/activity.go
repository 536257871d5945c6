// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

var _ storage.ActivityLog = (*ActivityLog)(nil)

// ActivityLog is an in-memory implementation of storage.ActivityLog.
type ActivityLog struct {
	mu     sync.RWMutex
	lastID types.ActivityID
	ids    []types.ActivityID // ascending
	data   map[types.ActivityID]*types.SentActivity
}

// NewActivityLog creates a new in-memory activity log.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{
		data: make(map[types.ActivityID]*types.SentActivity),
	}
}

// Append stores a copy of the activity under the next id.
func (l *ActivityLog) Append(_ context.Context, activity *types.SentActivity) (types.ActivityID, error) {
	if activity == nil {
		return 0, storage.ErrInvalidActivity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastID++
	cp := copyActivity(activity)
	cp.ID = l.lastID
	if cp.PublishedAt.IsZero() {
		cp.PublishedAt = time.Now().UTC()
	}
	l.data[cp.ID] = cp
	l.ids = append(l.ids, cp.ID)
	return cp.ID, nil
}

// Read returns the activity with the given id.
func (l *ActivityLog) Read(_ context.Context, id types.ActivityID) (*types.SentActivity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyActivity(a), nil
}

// ReadBatch returns up to limit activities after afterID in id order.
func (l *ActivityLog) ReadBatch(_ context.Context, afterID types.ActivityID, limit int) ([]*types.SentActivity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := sort.Search(len(l.ids), func(i int) bool { return l.ids[i] > afterID })
	var out []*types.SentActivity
	for i := start; i < len(l.ids) && (limit <= 0 || len(out) < limit); i++ {
		out = append(out, copyActivity(l.data[l.ids[i]]))
	}
	return out, nil
}

// LatestID returns the highest id ever assigned.
func (l *ActivityLog) LatestID(_ context.Context) (types.ActivityID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastID, nil
}

// PruneBefore removes the oldest activities published before cutoff.
func (l *ActivityLog) PruneBefore(_ context.Context, cutoff time.Time, limit int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.ids[:0]
	removed := 0
	for _, id := range l.ids {
		a := l.data[id]
		if a.PublishedAt.Before(cutoff) && (limit <= 0 || removed < limit) {
			delete(l.data, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	l.ids = kept
	return removed, nil
}

func copyActivity(a *types.SentActivity) *types.SentActivity {
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	cp.Targets.Inboxes = append([]string(nil), a.Targets.Inboxes...)
	return &cp
}
