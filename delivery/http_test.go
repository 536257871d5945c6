// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce             sync.Once
	testPriv, testPub   string
	testKeyErr          error
	otherPriv, otherPub string
)

func testKeys(t *testing.T) (string, string) {
	t.Helper()
	keyOnce.Do(func() {
		testPriv, testPub, testKeyErr = GenerateKeyPair(2048)
		if testKeyErr == nil {
			otherPriv, otherPub, testKeyErr = GenerateKeyPair(2048)
		}
	})
	require.NoError(t, testKeyErr)
	return testPriv, testPub
}

func TestHTTPSender_Send(t *testing.T) {
	priv, pub := testKeys(t)

	tests := []struct {
		name          string
		status        int
		delay         time.Duration
		wantErr       bool
		wantGone      bool
		wantPermanent bool
	}{
		{name: "accepted", status: http.StatusAccepted},
		{name: "ok", status: http.StatusOK},
		{name: "gone", status: http.StatusGone, wantErr: true, wantGone: true},
		{name: "bad request is permanent", status: http.StatusBadRequest, wantErr: true, wantPermanent: true},
		{name: "forbidden is permanent", status: http.StatusForbidden, wantErr: true, wantPermanent: true},
		{name: "too many requests is transient", status: http.StatusTooManyRequests, wantErr: true},
		{name: "request timeout is transient", status: http.StatusRequestTimeout, wantErr: true},
		{name: "server error is transient", status: http.StatusInternalServerError, wantErr: true},
		{name: "bad gateway is transient", status: http.StatusBadGateway, wantErr: true},
		{name: "timeout is transient", status: http.StatusOK, delay: time.Second, wantErr: true},
	}

	verifier := NewVerifier(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/activity+json", r.Header.Get("Content-Type"))
				assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
				assert.NoError(t, verifier.Verify(r, body, pub))
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
					}
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender := NewHTTPSender(NewSigner(), "test-agent", 200*time.Millisecond)
			err := sender.Send(context.Background(), Request{
				Inbox:         server.URL + "/inbox",
				KeyID:         "https://local.example/u/alice#main-key",
				PrivateKeyPEM: priv,
				Body:          []byte(`{"type":"Create"}`),
			})

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantGone, errors.Is(err, ErrGone))
			assert.Equal(t, tt.wantPermanent, errors.Is(err, ErrPermanent))
			assert.Equal(t, !tt.wantGone && !tt.wantPermanent, IsTransient(err))
		})
	}
}

func TestHTTPSender_NetworkErrorIsTransient(t *testing.T) {
	priv, _ := testKeys(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewHTTPSender(nil, "", time.Second).Send(context.Background(), Request{Inbox: url + "/inbox", KeyID: "k", PrivateKeyPEM: priv})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPSender_BadKeyIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent")
	}))
	defer server.Close()

	err := NewHTTPSender(nil, "", time.Second).Send(context.Background(), Request{Inbox: server.URL, KeyID: "k", PrivateKeyPEM: "not a key"})
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Inbox: "https://x.example/inbox", Code: 503}
	assert.Contains(t, err.Error(), "503")
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(nil))
}
