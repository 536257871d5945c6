// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"encoding/json"
	"fmt"
)

// Parse decodes a wire activity into its variant. Types outside the
// supported set fail with ErrUnknownActivity; they are never dropped
// silently.
func Parse(raw []byte) (Activity, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	return parseEnvelope(env)
}

func parseEnvelope(env envelope) (Activity, error) {
	if env.ID == "" || env.Actor == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: id, type and actor are required", ErrInvalidActivity)
	}

	switch env.Type {
	case "Lock":
		return parseLockPage(env)
	case "Delete":
		return parseDelete(env)
	case "Remove":
		return parseCollectionRemove(env)
	case "Follow":
		return parseFollow(env)
	case "Create", "Update":
		obj, err := objectRef(env.Object)
		if err != nil {
			return nil, err
		}
		switch {
		case obj.Type == "Note":
			return parseNote(env)
		case env.Type == "Update" && actorTypes[obj.Type] != "":
			return parseUpdateActor(env)
		}
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownActivity, env.Type, obj.Type)
	case "Undo":
		return parseUndo(env)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, env.Type)
}

func parseUndo(env envelope) (Activity, error) {
	var inner envelope
	if err := json.Unmarshal(env.Object, &inner); err != nil {
		return nil, fmt.Errorf("%w: undo needs an embedded activity: %v", ErrInvalidActivity, err)
	}
	undone, err := parseEnvelope(inner)
	if err != nil {
		return nil, err
	}

	switch v := undone.(type) {
	case *LockPage:
		return &UndoLockPage{base: base{env: env}, Lock: v}, nil
	case *Delete:
		return &UndoDelete{base: base{env: env}, Delete: v}, nil
	case *Follow:
		return &UndoFollow{base: base{env: env}, Follow: v}, nil
	}
	return nil, fmt.Errorf("%w: Undo %s", ErrUnknownActivity, inner.Type)
}
