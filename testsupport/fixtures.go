// Package testsupport provides shared fixtures for package tests: a
// throwaway pool root, a fake upstream HTTP(S) mirror, and a signed
// InRelease/Release pair built from an ephemeral OpenPGP key.
//
// Grounded on the host repo's devtools/tutils fixture helpers (a shared
// temp-dir + test-server package used by every package's own tests rather
// than each reinventing one).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package testsupport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

// TempPoolRoot creates a throwaway directory for a pool.New(...) call,
// registering cleanup with t.
func TempPoolRoot(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// SigningIdentity is an ephemeral OpenPGP entity used to sign fixture
// Release documents, plus its exported public key for loading into a
// sigverify.KeyRing.
type SigningIdentity struct {
	Entity    *openpgp.Entity
	PublicKey []byte
}

// NewSigningIdentity generates a fresh Ed25519/RSA test signing key. It is
// never reused across real mirrors; it exists purely to exercise the
// verification path in tests.
func NewSigningIdentity(t *testing.T) *SigningIdentity {
	t.Helper()
	entity, err := openpgp.NewEntity("apt vault test mirror", "", "mirror@example.invalid", nil)
	if err != nil {
		t.Fatalf("generating test signing key: %v", err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armoring test public key: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serializing test public key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing armor writer: %v", err)
	}
	return &SigningIdentity{Entity: entity, PublicKey: buf.Bytes()}
}

// ClearSign wraps body in a clear-signed armor block signed by id.
func (id *SigningIdentity) ClearSign(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, id.Entity.PrivateKey, nil)
	if err != nil {
		t.Fatalf("clearsign.Encode: %v", err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatalf("writing clearsign body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing clearsign writer: %v", err)
	}
	return buf.Bytes()
}

// DetachSign produces a detached signature over body.
func (id *SigningIdentity) DetachSign(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := openpgp.DetachSign(&buf, id.Entity, bytes.NewReader(body), nil); err != nil {
		t.Fatalf("openpgp.DetachSign: %v", err)
	}
	return buf.Bytes()
}

// FakeUpstream serves a fixed set of named byte payloads at "/<suite
// root>/<relpath>", mirroring how a Materializer joins a mirror URL with
// a relative repository path.
type FakeUpstream struct {
	*httptest.Server
	files map[string][]byte
}

// NewFakeUpstream starts an httptest server serving files from the given
// path->content map.
func NewFakeUpstream(t *testing.T, files map[string][]byte) *FakeUpstream {
	t.Helper()
	fu := &FakeUpstream{files: files}
	fu.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := fu.files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(fu.Server.Close)
	return fu
}

// Sha256Hex returns the lowercase hex SHA-256 of data, as used throughout
// Release/index fixtures.
func Sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
