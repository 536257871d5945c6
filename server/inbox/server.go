// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inbox serves the ActivityPub shared inbox. Requests are rate
// limited, signature checked against the sending actor and then handed
// to the activity handler.
package inbox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/fluxfed/apub"
	"github.com/absmach/fluxfed/delivery"
	"github.com/absmach/fluxfed/ratelimit"
	"github.com/absmach/fluxfed/server/otel"
	"github.com/absmach/fluxfed/storage"
	"github.com/absmach/fluxfed/types"
)

// Rejection reasons reported in metrics and logs.
const (
	reasonRateLimited  = "rate_limited"
	reasonTooLarge     = "too_large"
	reasonInvalid      = "invalid"
	reasonUnknownType  = "unknown_type"
	reasonSignature    = "signature"
	reasonBlocked      = "blocked"
	reasonRejected     = "rejected"
	reasonInternal     = "internal"
	defaultMaxBodySize = 256 * 1024
)

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
	MaxBodySize     int64
}

// Receiver applies parsed activities.
type Receiver interface {
	Apply(ctx context.Context, a apub.Activity) error
}

// ActorResolver resolves the sending actor of a request.
type ActorResolver interface {
	Actor(ctx context.Context, apID string) (*types.Actor, error)
}

// actorInvalidator is implemented by caching resolvers.
type actorInvalidator interface {
	InvalidateActor(apID string)
}

// Deps are the collaborators of the inbox server. Everything except
// Receiver and Actors is optional.
type Deps struct {
	Receiver  Receiver
	Actors    ActorResolver
	Verifier  *delivery.Verifier
	Instances storage.InstanceStore
	Limiter   *ratelimit.Manager
	Metrics   *otel.Metrics

	// OnRevive is called after a dead instance was marked alive.
	OnRevive func()
}

type Server struct {
	config Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if deps.Verifier == nil {
		deps.Verifier = delivery.NewVerifier(0)
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the inbox.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/inbox", s.handleInbox)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("inbox_server_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("inbox_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("inbox_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("inbox_server_stopped")
		return nil
	}
}

type response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.deps.Limiter.AllowRequest(r) {
		s.reject(w, http.StatusTooManyRequests, reasonRateLimited, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, http.StatusRequestEntityTooLarge, reasonTooLarge, "body too large")
			return
		}
		s.reject(w, http.StatusBadRequest, reasonInvalid, "failed to read body")
		return
	}

	activity, err := apub.Parse(body)
	if err != nil {
		reason := reasonInvalid
		if errors.Is(err, apub.ErrUnknownActivity) {
			reason = reasonUnknownType
		}
		s.logger.Debug("inbox_parse_failed", slog.String("error", err.Error()))
		s.reject(w, http.StatusBadRequest, reason, err.Error())
		return
	}

	if err := s.verifySignature(r, body, activity.Actor()); err != nil {
		s.logger.Info("inbox_signature_rejected",
			slog.String("activity", activity.ID()),
			slog.String("actor", activity.Actor()),
			slog.String("error", err.Error()))
		s.reject(w, http.StatusUnauthorized, reasonSignature, "signature verification failed")
		return
	}

	domain := types.HostOf(activity.Actor())
	blocked, err := s.checkInstance(r.Context(), domain)
	if err != nil {
		s.logger.Error("inbox_instance_lookup_failed", slog.String("domain", domain), slog.String("error", err.Error()))
		s.reject(w, http.StatusInternalServerError, reasonInternal, "internal error")
		return
	}
	if blocked {
		s.reject(w, http.StatusForbidden, reasonBlocked, "instance is blocked")
		return
	}
	if !s.deps.Limiter.AllowDomain(domain) {
		s.reject(w, http.StatusTooManyRequests, reasonRateLimited, "rate limit exceeded")
		return
	}

	if err := s.deps.Receiver.Apply(r.Context(), activity); err != nil {
		var ve *apub.VerifyError
		if errors.As(err, &ve) {
			s.reject(w, http.StatusForbidden, reasonRejected, ve.Err.Error())
			return
		}
		s.logger.Error("inbox_apply_failed",
			slog.String("activity", activity.ID()),
			slog.String("kind", string(activity.Kind())),
			slog.String("error", err.Error()))
		s.reject(w, http.StatusInternalServerError, reasonInternal, "internal error")
		return
	}

	s.deps.Metrics.RecordInbox(true, string(activity.Kind()))
	writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
}

// verifySignature checks that the request is signed by actor. The key
// must belong to the actor. When the cached key does not verify, the
// cache entry is dropped and the check retried once with the stored key.
func (s *Server) verifySignature(r *http.Request, body []byte, actor string) error {
	params, err := delivery.ParseSignature(r)
	if err != nil {
		return err
	}
	owner, _, _ := strings.Cut(params.KeyID, "#")
	if owner != actor {
		return errors.New("key does not belong to the activity actor")
	}

	a, err := s.deps.Actors.Actor(r.Context(), actor)
	if err != nil {
		return err
	}
	err = s.deps.Verifier.Verify(r, body, a.PublicKeyPEM)
	if err == nil {
		return nil
	}

	inv, ok := s.deps.Actors.(actorInvalidator)
	if !ok {
		return err
	}
	inv.InvalidateActor(actor)
	fresh, ferr := s.deps.Actors.Actor(r.Context(), actor)
	if ferr != nil || fresh.PublicKeyPEM == a.PublicKeyPEM {
		return err
	}
	return s.deps.Verifier.Verify(r, body, fresh.PublicKeyPEM)
}

// checkInstance reports whether domain is blocked. A dead instance that
// sends us activities is alive again; it is revived so deliveries resume.
func (s *Server) checkInstance(ctx context.Context, domain string) (bool, error) {
	if s.deps.Instances == nil {
		return false, nil
	}
	inst, err := s.deps.Instances.GetByDomain(ctx, domain)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if inst.Blocked && (inst.BlockExpiresAt == nil || inst.BlockExpiresAt.After(time.Now())) {
		return true, nil
	}
	if inst.Dead {
		if err := s.deps.Instances.SetDead(ctx, inst.ID, false); err != nil {
			return false, err
		}
		s.logger.Info("inbox_instance_revived", slog.String("domain", domain))
		if s.deps.OnRevive != nil {
			s.deps.OnRevive()
		}
	}
	return false, nil
}

func (s *Server) reject(w http.ResponseWriter, status int, reason, msg string) {
	s.deps.Metrics.RecordInbox(false, reason)
	writeJSON(w, status, response{Status: "rejected", Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
