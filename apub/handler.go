// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package apub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
	"github.com/google/uuid"
)

// Handler is the single entry point for applying activities, inbound
// and outbound alike.
type Handler struct {
	c      *Context
	log    storage.ActivityLog
	logger *slog.Logger
}

// NewHandler creates a handler. log receives locally originated activities.
func NewHandler(c *Context, log storage.ActivityLog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{c: c, log: log, logger: logger}
}

// NewID returns a fresh activity id on the local domain.
func (h *Handler) NewID(kind string) string {
	return fmt.Sprintf("https://%s/activities/%s/%s", h.c.LocalDomain, strings.ToLower(kind), uuid.NewString())
}

// Receive parses and applies an inbound activity.
func (h *Handler) Receive(ctx context.Context, raw []byte) (Activity, error) {
	a, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return a, h.Apply(ctx, a)
}

// Apply verifies and applies a parsed inbound activity. Activities that
// were already applied are acknowledged without being applied again. A
// failed verification returns a *VerifyError and changes nothing.
func (h *Handler) Apply(ctx context.Context, a Activity) error {
	seen, err := h.c.Content.ReceivedActivity(ctx, a.ID())
	if err != nil {
		return err
	}
	if seen {
		h.logger.Debug("duplicate activity ignored", slog.String("activity", a.ID()), slog.String("kind", string(a.Kind())))
		return nil
	}

	if err := h.verify(ctx, a); err != nil {
		return err
	}
	if err := a.Receive(ctx, h.c); err != nil {
		return fmt.Errorf("failed to apply %s %s: %w", a.Kind(), a.ID(), err)
	}
	if err := h.c.Content.MarkReceived(ctx, a.ID(), h.c.now()); err != nil {
		return err
	}

	h.logger.Debug("activity applied",
		slog.String("activity", a.ID()),
		slog.String("kind", string(a.Kind())),
		slog.String("actor", a.Actor()))
	return nil
}

// Send applies a locally originated activity and appends it to the
// activity log for delivery. Activities scoped to a local community are
// also addressed to its followers; those in a remote community to the
// community inbox.
func (h *Handler) Send(ctx context.Context, a Activity, targets types.SendTargets) (types.ActivityID, error) {
	if err := h.verify(ctx, a); err != nil {
		return 0, err
	}
	if err := a.Receive(ctx, h.c); err != nil {
		return 0, fmt.Errorf("failed to apply %s %s: %w", a.Kind(), a.ID(), err)
	}

	if ic, ok := a.(inCommunity); ok {
		community, err := ic.Community(ctx, h.c)
		if err != nil {
			return 0, err
		}
		if community.Local {
			if targets.CommunityFollowersOf == 0 {
				targets.CommunityFollowersOf = community.ID
			}
		} else if actor, err := h.c.Actors.Actor(ctx, community.APID); err == nil {
			targets.AddInbox(actor.Inbox)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
	}

	actor, err := h.c.Actors.Actor(ctx, a.Actor())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve sending actor %s: %w", a.Actor(), err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", a.ID(), err)
	}

	id, err := h.log.Append(ctx, &types.SentActivity{
		APID:        a.ID(),
		ActorAPID:   actor.APID,
		ActorType:   actor.Type,
		Data:        data,
		Targets:     targets,
		PublishedAt: h.c.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to queue %s: %w", a.ID(), err)
	}
	if err := h.c.Content.MarkReceived(ctx, a.ID(), h.c.now()); err != nil {
		return 0, err
	}

	h.logger.Debug("activity queued",
		slog.Int64("activity_id", int64(id)),
		slog.String("activity", a.ID()),
		slog.String("kind", string(a.Kind())))
	return id, nil
}

func (h *Handler) verify(ctx context.Context, a Activity) error {
	err := a.Verify(ctx, h.c)
	if err == nil {
		return nil
	}
	var ve *VerifyError
	if errors.As(err, &ve) {
		ve.ActivityID = a.ID()
		ve.Kind = a.Kind()
		h.logger.Info("activity rejected",
			slog.String("activity", a.ID()),
			slog.String("kind", string(a.Kind())),
			slog.String("actor", a.Actor()),
			slog.String("error", ve.Err.Error()))
		return ve
	}
	return err
}
