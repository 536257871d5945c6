// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(t *testing.T, priv string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
	require.NoError(t, NewSigner().Sign(req, "https://local.example/u/alice#main-key", priv, body))
	return req
}

func TestSignVerify(t *testing.T) {
	priv, pub := testKeys(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, priv, body)

	params, err := ParseSignature(req)
	require.NoError(t, err)
	assert.Equal(t, "https://local.example/u/alice#main-key", params.KeyID)
	assert.Equal(t, "rsa-sha256", params.Algorithm)
	assert.Equal(t, []string{"(request-target)", "host", "date", "digest"}, params.Headers)

	assert.NoError(t, NewVerifier(0).Verify(req, body, pub))
}

func TestVerify_Rejects(t *testing.T) {
	priv, pub := testKeys(t)
	body := []byte(`{"type":"Follow"}`)
	v := NewVerifier(time.Minute)

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "https://remote.example/inbox", nil)
		assert.ErrorIs(t, v.Verify(req, nil, pub), ErrMissingSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		req := signedRequest(t, priv, body)
		assert.ErrorIs(t, v.Verify(req, []byte(`{"type":"Delete"}`), pub), ErrInvalidSignature)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := signedRequest(t, priv, body)
		assert.ErrorIs(t, v.Verify(req, body, otherPub), ErrInvalidSignature)
	})

	t.Run("tampered path", func(t *testing.T) {
		req := signedRequest(t, priv, body)
		req.URL.Path = "/u/bob/inbox"
		assert.ErrorIs(t, v.Verify(req, body, pub), ErrInvalidSignature)
	})

	t.Run("stale date", func(t *testing.T) {
		s := NewSigner()
		s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		req := httptest.NewRequest(http.MethodPost, "https://remote.example/inbox", bytes.NewReader(body))
		require.NoError(t, s.Sign(req, "k", priv, body))
		assert.ErrorIs(t, v.Verify(req, body, pub), ErrInvalidSignature)
	})

	t.Run("bad public key", func(t *testing.T) {
		req := signedRequest(t, priv, body)
		assert.ErrorIs(t, v.Verify(req, body, "garbage"), ErrInvalidKey)
	})
}

func TestParseKeys(t *testing.T) {
	priv, pub := testKeys(t)

	_, err := ParsePrivateKey(priv)
	assert.NoError(t, err)
	_, err = ParsePublicKey(pub)
	assert.NoError(t, err)

	_, err = ParsePrivateKey(pub)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParsePublicKey("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
