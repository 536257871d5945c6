// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	contentType      = "application/activity+json"
	defaultUserAgent = "fluxfed/1.0"
)

var _ Sender = (*HTTPSender)(nil)

// HTTPSender implements Sender with signed HTTP POSTs.
type HTTPSender struct {
	client    *http.Client
	signer    *Signer
	userAgent string
	timeout   time.Duration
}

// NewHTTPSender creates a new HTTP sender. timeout bounds each request.
func NewHTTPSender(signer *Signer, userAgent string, timeout time.Duration) *HTTPSender {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if signer == nil {
		signer = NewSigner()
	}
	return &HTTPSender{
		client: &http.Client{
			Timeout: timeout,
		},
		signer:    signer,
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// Send signs the request and posts it to the inbox.
func (s *HTTPSender) Send(ctx context.Context, r Request) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Inbox, bytes.NewReader(r.Body))
	if err != nil {
		return fmt.Errorf("%w: invalid inbox %q: %v", ErrPermanent, r.Inbox, err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", s.userAgent)

	if err := s.signer.Sign(req, r.KeyID, r.PrivateKeyPEM, r.Body); err != nil {
		// A key that cannot be parsed will not parse next time either.
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Inbox: r.Inbox, Code: resp.StatusCode}
	}

	return nil
}
