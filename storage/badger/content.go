// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.ContentStore = (*ContentStore)(nil)

// ContentStore implements storage.ContentStore using BadgerDB.
// Rows are keyed by ActivityPub id; ids are assigned from counters.
type ContentStore struct {
	db *badger.DB
	mu sync.Mutex
}

// NewContentStore creates a new BadgerDB content store.
func NewContentStore(db *badger.DB) *ContentStore {
	return &ContentStore{db: db}
}

func (s *ContentStore) GetCommunity(_ context.Context, apID string) (*types.Community, error) {
	var c types.Community
	if err := s.view(prefixCommunity+apID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ContentStore) GetCommunityByID(_ context.Context, id types.CommunityID) (*types.Community, error) {
	var c types.Community
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(prefixCommunityID, int64(id)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		apID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, []byte(prefixCommunity+string(apID)), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ContentStore) SaveCommunity(_ context.Context, community *types.Community) error {
	return s.save(prefixCommunity+community.APID, seqCommunity, (*int64)(&community.ID), community, func(txn *badger.Txn) error {
		return txn.Set(idKey(prefixCommunityID, int64(community.ID)), []byte(community.APID))
	})
}

func (s *ContentStore) GetPerson(_ context.Context, apID string) (*types.Person, error) {
	var p types.Person
	if err := s.view(prefixPerson+apID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ContentStore) SavePerson(_ context.Context, person *types.Person) error {
	return s.save(prefixPerson+person.APID, seqPerson, (*int64)(&person.ID), person, nil)
}

func (s *ContentStore) GetPost(_ context.Context, apID string) (*types.Post, error) {
	var p types.Post
	if err := s.view(prefixPost+apID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ContentStore) SavePost(_ context.Context, post *types.Post) error {
	return s.save(prefixPost+post.APID, seqPost, (*int64)(&post.ID), post, nil)
}

func (s *ContentStore) GetComment(_ context.Context, apID string) (*types.Comment, error) {
	var c types.Comment
	if err := s.view(prefixComment+apID, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ContentStore) SaveComment(_ context.Context, comment *types.Comment) error {
	return s.save(prefixComment+comment.APID, seqComment, (*int64)(&comment.ID), comment, nil)
}

func (s *ContentStore) IsModerator(_ context.Context, communityID types.CommunityID, personID types.PersonID) (bool, error) {
	return s.has(pairKey(prefixModerator, int64(communityID), int64(personID)))
}

func (s *ContentStore) AddModerator(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pairKey(prefixModerator, int64(communityID), int64(personID)), nil)
	})
}

func (s *ContentStore) RemoveModerator(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pairKey(prefixModerator, int64(communityID), int64(personID)))
	})
}

func (s *ContentStore) BanFromCommunity(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pairKey(prefixBan, int64(communityID), int64(personID)), nil)
	})
}

func (s *ContentStore) IsBannedFromCommunity(_ context.Context, communityID types.CommunityID, personID types.PersonID) (bool, error) {
	return s.has(pairKey(prefixBan, int64(communityID), int64(personID)))
}

// AppendModLog appends the entry unless (ActivityAPID, Kind) was seen.
func (s *ContentStore) AppendModLog(_ context.Context, entry types.ModLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dedupe := []byte(prefixModLogKey + string(entry.Kind) + "\x00" + entry.ActivityAPID)
	inserted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, dedupe)
		if err != nil || ok {
			return err
		}
		seq, err := nextSeq(txn, seqModLog)
		if err != nil {
			return err
		}
		if err := txn.Set(dedupe, nil); err != nil {
			return err
		}
		inserted = true
		return setJSON(txn, idKey(prefixModLog, seq), entry)
	})
	return inserted, err
}

// ModLog returns the mod log in insertion order.
func (s *ContentStore) ModLog(_ context.Context) ([]types.ModLogEntry, error) {
	var out []types.ModLogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return iterateJSON(txn, prefixModLog, func() any { return &types.ModLogEntry{} }, func(v any) {
			out = append(out, *v.(*types.ModLogEntry))
		})
	})
	return out, err
}

func (s *ContentStore) ReceivedActivity(_ context.Context, apID string) (bool, error) {
	return s.has([]byte(prefixReceived + apID))
}

func (s *ContentStore) MarkReceived(_ context.Context, apID string, at time.Time) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(at.UnixNano()))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixReceived+apID), buf)
	})
}

func (s *ContentStore) view(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(key), v)
	})
}

func (s *ContentStore) has(key []byte) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = exists(txn, key)
		return err
	})
	return ok, err
}

// save writes a row, keeping the existing id for a known ActivityPub id
// and drawing a new one from seq otherwise. extra runs in the same txn
// after the id is settled.
func (s *ContentStore) save(key, seq string, id *int64, row any, extra func(*badger.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		if *id == 0 {
			var cur struct {
				ID int64 `json:"id"`
			}
			err := getJSON(txn, []byte(key), &cur)
			switch {
			case err == nil:
				*id = cur.ID
			case errors.Is(err, storage.ErrNotFound):
				next, err := nextSeq(txn, seq)
				if err != nil {
					return err
				}
				*id = next
			default:
				return err
			}
		} else if err := bumpSeq(txn, seq, *id); err != nil {
			return err
		}
		if err := setJSON(txn, []byte(key), row); err != nil {
			return err
		}
		if extra != nil {
			return extra(txn)
		}
		return nil
	})
}
