// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

var _ storage.ContentStore = (*ContentStore)(nil)

type memberKey struct {
	community types.CommunityID
	person    types.PersonID
}

type modLogKey struct {
	activity string
	kind     types.ModLogKind
}

// ContentStore is an in-memory implementation of storage.ContentStore.
type ContentStore struct {
	mu sync.RWMutex

	nextCommunity types.CommunityID
	nextPerson    types.PersonID
	nextPost      types.PostID
	nextComment   types.CommentID

	communities     map[string]types.Community
	communitiesByID map[types.CommunityID]string
	persons         map[string]types.Person
	posts           map[string]types.Post
	comments        map[string]types.Comment

	moderators map[memberKey]struct{}
	bans       map[memberKey]struct{}

	modLog     []types.ModLogEntry
	modLogKeys map[modLogKey]struct{}
	received   map[string]time.Time
}

// NewContentStore creates a new in-memory content store.
func NewContentStore() *ContentStore {
	return &ContentStore{
		communities:     make(map[string]types.Community),
		communitiesByID: make(map[types.CommunityID]string),
		persons:         make(map[string]types.Person),
		posts:           make(map[string]types.Post),
		comments:        make(map[string]types.Comment),
		moderators:      make(map[memberKey]struct{}),
		bans:            make(map[memberKey]struct{}),
		modLogKeys:      make(map[modLogKey]struct{}),
		received:        make(map[string]time.Time),
	}
}

func (s *ContentStore) GetCommunity(_ context.Context, apID string) (*types.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.communities[apID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *ContentStore) GetCommunityByID(_ context.Context, id types.CommunityID) (*types.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	apID, ok := s.communitiesByID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := s.communities[apID]
	return &c, nil
}

// SaveCommunity stores the community, assigning an id to new rows.
func (s *ContentStore) SaveCommunity(_ context.Context, community *types.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if community.ID == 0 {
		if cur, ok := s.communities[community.APID]; ok {
			community.ID = cur.ID
		} else {
			s.nextCommunity++
			community.ID = s.nextCommunity
		}
	} else if community.ID > s.nextCommunity {
		s.nextCommunity = community.ID
	}
	s.communities[community.APID] = *community
	s.communitiesByID[community.ID] = community.APID
	return nil
}

func (s *ContentStore) GetPerson(_ context.Context, apID string) (*types.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.persons[apID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *ContentStore) SavePerson(_ context.Context, person *types.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if person.ID == 0 {
		if cur, ok := s.persons[person.APID]; ok {
			person.ID = cur.ID
		} else {
			s.nextPerson++
			person.ID = s.nextPerson
		}
	} else if person.ID > s.nextPerson {
		s.nextPerson = person.ID
	}
	s.persons[person.APID] = *person
	return nil
}

func (s *ContentStore) GetPost(_ context.Context, apID string) (*types.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[apID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *ContentStore) SavePost(_ context.Context, post *types.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if post.ID == 0 {
		if cur, ok := s.posts[post.APID]; ok {
			post.ID = cur.ID
		} else {
			s.nextPost++
			post.ID = s.nextPost
		}
	} else if post.ID > s.nextPost {
		s.nextPost = post.ID
	}
	s.posts[post.APID] = *post
	return nil
}

func (s *ContentStore) GetComment(_ context.Context, apID string) (*types.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[apID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *ContentStore) SaveComment(_ context.Context, comment *types.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if comment.ID == 0 {
		if cur, ok := s.comments[comment.APID]; ok {
			comment.ID = cur.ID
		} else {
			s.nextComment++
			comment.ID = s.nextComment
		}
	} else if comment.ID > s.nextComment {
		s.nextComment = comment.ID
	}
	s.comments[comment.APID] = *comment
	return nil
}

func (s *ContentStore) IsModerator(_ context.Context, communityID types.CommunityID, personID types.PersonID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.moderators[memberKey{communityID, personID}]
	return ok, nil
}

func (s *ContentStore) AddModerator(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.moderators[memberKey{communityID, personID}] = struct{}{}
	return nil
}

func (s *ContentStore) RemoveModerator(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.moderators, memberKey{communityID, personID})
	return nil
}

func (s *ContentStore) BanFromCommunity(_ context.Context, communityID types.CommunityID, personID types.PersonID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bans[memberKey{communityID, personID}] = struct{}{}
	return nil
}

func (s *ContentStore) IsBannedFromCommunity(_ context.Context, communityID types.CommunityID, personID types.PersonID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.bans[memberKey{communityID, personID}]
	return ok, nil
}

// AppendModLog appends the entry unless (ActivityAPID, Kind) was seen.
func (s *ContentStore) AppendModLog(_ context.Context, entry types.ModLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := modLogKey{entry.ActivityAPID, entry.Kind}
	if _, ok := s.modLogKeys[key]; ok {
		return false, nil
	}
	s.modLogKeys[key] = struct{}{}
	s.modLog = append(s.modLog, entry)
	return true, nil
}

// ModLog returns the mod log in insertion order.
func (s *ContentStore) ModLog(_ context.Context) ([]types.ModLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]types.ModLogEntry(nil), s.modLog...), nil
}

func (s *ContentStore) ReceivedActivity(_ context.Context, apID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.received[apID]
	return ok, nil
}

func (s *ContentStore) MarkReceived(_ context.Context, apID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received[apID] = at
	return nil
}
