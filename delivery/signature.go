// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/fluxfed/cache"
)

// Signature errors.
var (
	ErrMissingSignature = errors.New("missing http signature")
	ErrInvalidSignature = errors.New("invalid http signature")
	ErrInvalidKey       = errors.New("invalid key")
)

// signedHeaders are covered by every outgoing signature.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

const (
	keyCacheSize   = 1000
	defaultMaxSkew = time.Hour
)

// Signer adds draft-cavage HTTP Signatures (rsa-sha256) to requests.
// Parsed private keys are cached by PEM.
type Signer struct {
	keys *cache.Cache[string, *rsa.PrivateKey]
	now  func() time.Time
}

// NewSigner creates a signer.
func NewSigner() *Signer {
	return &Signer{
		keys: cache.New[string, *rsa.PrivateKey](keyCacheSize, 0, func(_ context.Context, p string) (*rsa.PrivateKey, error) {
			return ParsePrivateKey(p)
		}),
		now: time.Now,
	}
}

// Sign sets Date, Digest and Signature headers on req.
func (s *Signer) Sign(req *http.Request, keyID, privateKeyPEM string, body []byte) error {
	key, err := s.keys.Get(req.Context(), privateKeyPEM)
	if err != nil {
		return err
	}

	req.Header.Set("Date", s.now().UTC().Format(http.TimeFormat))
	req.Header.Set("Digest", digest(body))

	signing := signingString(req.Method, req.URL.RequestURI(), req.URL.Host, req.Header, signedHeaders)
	sum := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID, strings.Join(signedHeaders, " "), base64.StdEncoding.EncodeToString(sig)))
	return nil
}

// Verifier checks HTTP Signatures on inbound requests.
type Verifier struct {
	keys    *cache.Cache[string, *rsa.PublicKey]
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier that rejects requests whose Date is more
// than maxSkew away from now (0 selects one hour).
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = defaultMaxSkew
	}
	return &Verifier{
		keys: cache.New[string, *rsa.PublicKey](keyCacheSize, 0, func(_ context.Context, p string) (*rsa.PublicKey, error) {
			return ParsePublicKey(p)
		}),
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// SignatureParams is the parsed Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseSignature parses the Signature header of r.
func ParseSignature(r *http.Request) (SignatureParams, error) {
	var p SignatureParams
	raw := r.Header.Get("Signature")
	if raw == "" {
		return p, ErrMissingSignature
	}

	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		switch k {
		case "keyId":
			p.KeyID = v
		case "algorithm":
			p.Algorithm = v
		case "headers":
			p.Headers = strings.Fields(strings.ToLower(v))
		case "signature":
			sig, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return p, fmt.Errorf("%w: bad signature encoding", ErrInvalidSignature)
			}
			p.Signature = sig
		}
	}
	if p.KeyID == "" || len(p.Signature) == 0 {
		return p, fmt.Errorf("%w: keyId and signature are required", ErrInvalidSignature)
	}
	if len(p.Headers) == 0 {
		p.Headers = []string{"date"}
	}
	return p, nil
}

// Verify checks the signature of r against the given public key and the
// body digest. The signature must cover (request-target), host, date and,
// when there is a body, digest.
func (v *Verifier) Verify(r *http.Request, body []byte, publicKeyPEM string) error {
	p, err := ParseSignature(r)
	if err != nil {
		return err
	}
	if p.Algorithm != "" && p.Algorithm != "rsa-sha256" && p.Algorithm != "hs2019" {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, p.Algorithm)
	}

	required := []string{"(request-target)", "host", "date"}
	if len(body) > 0 {
		required = append(required, "digest")
	}
	for _, h := range required {
		if !contains(p.Headers, h) {
			return fmt.Errorf("%w: %s is not signed", ErrInvalidSignature, h)
		}
	}

	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return fmt.Errorf("%w: bad date", ErrInvalidSignature)
	}
	if skew := v.now().Sub(date); skew > v.maxSkew || skew < -v.maxSkew {
		return fmt.Errorf("%w: date outside allowed skew", ErrInvalidSignature)
	}
	if len(body) > 0 && r.Header.Get("Digest") != digest(body) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}

	key, err := v.keys.Get(r.Context(), publicKeyPEM)
	if err != nil {
		return err
	}
	signing := signingString(r.Method, r.URL.RequestURI(), r.Host, r.Header, p.Headers)
	sum := sha256.Sum256([]byte(signing))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], p.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func signingString(method, uri, host string, h http.Header, headers []string) string {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		switch name {
		case "(request-target)":
			lines = append(lines, "(request-target): "+strings.ToLower(method)+" "+uri)
		case "host":
			lines = append(lines, "host: "+host)
		default:
			lines = append(lines, name+": "+h.Get(name))
		}
	}
	return strings.Join(lines, "\n")
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParsePrivateKey parses a PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKey(p string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(p))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return rsaKey, nil
}

// ParsePublicKey parses a PKIX or PKCS#1 RSA public key.
func ParsePublicKey(p string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(p))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return rsaKey, nil
}

// GenerateKeyPair returns a new RSA key pair as PKCS#8 / PKIX PEM.
func GenerateKeyPair(bits int) (privatePEM, publicPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", err
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: priv}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))
	return privatePEM, publicPEM, nil
}
