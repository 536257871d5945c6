// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// Addresses is a to/cc list. On the wire it may be a single string.
type Addresses []string

// UnmarshalJSON accepts a string or an array of strings.
func (a *Addresses) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Addresses{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*a = list
	return nil
}

// Contains reports whether id is addressed.
func (a Addresses) Contains(id string) bool {
	for _, v := range a {
		if v == id {
			return true
		}
	}
	return false
}

// envelope is the wire form shared by every activity.
type envelope struct {
	Context   any             `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	To        Addresses       `json:"to,omitempty"`
	Cc        Addresses       `json:"cc,omitempty"`
	Object    json.RawMessage `json:"object"`
	Target    string          `json:"target,omitempty"`
	Summary   *string         `json:"summary,omitempty"`
	Published *time.Time      `json:"published,omitempty"`
}

// objectHeader is what every nested object carries.
type objectHeader struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// objectRef reads an object that is either an id string or a nested
// object with an id.
func objectRef(raw json.RawMessage) (objectHeader, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return objectHeader{}, fmt.Errorf("%w: missing object", ErrInvalidActivity)
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return objectHeader{}, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
		}
		return objectHeader{ID: id}, nil
	}
	var h objectHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return objectHeader{}, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	if h.ID == "" {
		return objectHeader{}, fmt.Errorf("%w: object without id", ErrInvalidActivity)
	}
	return h, nil
}

func idRef(id string) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}

// Note is a comment.
type Note struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo string     `json:"attributedTo"`
	To           Addresses  `json:"to"`
	Cc           Addresses  `json:"cc,omitempty"`
	Content      string     `json:"content"`
	InReplyTo    string     `json:"inReplyTo"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
}

// actorObject is the subset of an actor document needed for signing.
type actorObject struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Inbox     string `json:"inbox"`
	Endpoints *struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints,omitempty"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPEM string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// base carries the envelope of an activity and marshals it back.
type base struct {
	env envelope
}

func (b *base) ID() string {
	return b.env.ID
}

func (b *base) Actor() string {
	return b.env.Actor
}

// MarshalJSON returns the wire form of the activity.
func (b *base) MarshalJSON() ([]byte, error) {
	env := b.env
	if env.Context == nil {
		env.Context = activityStreamsContext
	}
	return json.Marshal(env)
}

func newEnvelope(id, typ, actor string, to, cc []string, object json.RawMessage) envelope {
	return envelope{
		ID:     id,
		Type:   typ,
		Actor:  actor,
		To:     to,
		Cc:     cc,
		Object: object,
	}
}
