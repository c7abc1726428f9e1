package tlsio

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/cyberinferno/go-netcore/cacher"
)

func writeStaple(t *testing.T, dir string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, "staple.der")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestStapling_File(t *testing.T) {
	dir := t.TempDir()
	root := newCA(t, "root", nil)
	leaf := root.issue(t, dir, "server", "")

	t.Run("good staple reaches the client", func(t *testing.T) {
		staple := root.ocspResponse(t, leaf.cert, ocsp.Good)
		srvOpts := serverOptions(leaf.certFile, leaf.keyFile)
		srvOpts.Stapling = true
		srvOpts.StaplingVerify = true
		srvOpts.StaplingFile = writeStaple(t, t.TempDir(), staple)

		cliOpts := DefaultOptions()
		cliOpts.CAFile = root.writeFile(t, dir)
		cliOpts.VerifyPeer = true

		srv, cli := sessionPair(t,
			mustContext(t, srvOpts, RoleServer),
			mustContext(t, cliOpts, RoleClient))
		mustHandshake(t, srv, cli)

		assert.Equal(t, staple, cli.ConnectionState().OCSPResponse)
	})

	t.Run("revoked staple fails client verification", func(t *testing.T) {
		srvOpts := serverOptions(leaf.certFile, leaf.keyFile)
		srvOpts.Stapling = true
		srvOpts.StaplingFile = writeStaple(t, t.TempDir(), root.ocspResponse(t, leaf.cert, ocsp.Revoked))

		cliOpts := DefaultOptions()
		cliOpts.CAFile = root.writeFile(t, dir)
		cliOpts.VerifyPeer = true

		srv, cli := sessionPair(t,
			mustContext(t, srvOpts, RoleServer),
			mustContext(t, cliOpts, RoleClient))

		_, cliErr := runHandshake(t, srv, cli)
		assert.ErrorIs(t, cliErr, ErrCertificateRevoked)
	})

	t.Run("unverifiable staple is rejected", func(t *testing.T) {
		srvOpts := serverOptions(leaf.certFile, leaf.keyFile)
		srvOpts.Stapling = true
		srvOpts.StaplingVerify = true
		srvOpts.StaplingFile = writeStaple(t, t.TempDir(), []byte("garbage"))

		_, err := NewContext(srvOpts, RoleServer, nil)
		assert.Error(t, err)
	})

	t.Run("missing staple file is fatal", func(t *testing.T) {
		srvOpts := serverOptions(leaf.certFile, leaf.keyFile)
		srvOpts.Stapling = true
		srvOpts.StaplingFile = filepath.Join(dir, "missing.der")

		_, err := NewContext(srvOpts, RoleServer, nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestStapling_Responder(t *testing.T) {
	dir := t.TempDir()
	root := newCA(t, "root", nil)

	var status atomic.Int32
	var hits atomic.Int32
	var leaf leafCert

	responder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := ocsp.ParseRequest(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(root.ocspResponse(t, leaf.cert, int(status.Load())))
	}))
	t.Cleanup(responder.Close)

	leaf = root.issue(t, dir, "server", responder.URL)

	t.Run("fetched once through the staple cache", func(t *testing.T) {
		hits.Store(0)
		status.Store(int32(ocsp.Good))

		srvOpts := serverOptions(leaf.certFile, leaf.keyFile)
		srvOpts.Stapling = true
		srvOpts.StapleCache = cacher.NewMemoryCacher[[]byte](0, 0)

		first := mustContext(t, srvOpts, RoleServer)
		second := mustContext(t, srvOpts, RoleServer)

		assert.Equal(t, int32(1), hits.Load())
		assert.NotEmpty(t, first.Config().Certificates[0].OCSPStaple)
		assert.Equal(t, first.Config().Certificates[0].OCSPStaple, second.Config().Certificates[0].OCSPStaple)
	})

	t.Run("explicit responder overrides the certificate", func(t *testing.T) {
		hits.Store(0)
		status.Store(int32(ocsp.Good))

		other := root.issue(t, t.TempDir(), "other", "http://127.0.0.1:1/unused")
		srvOpts := serverOptions(other.certFile, other.keyFile)
		srvOpts.Stapling = true
		srvOpts.StaplingResponder = responder.URL

		// The responder answers for leaf, so the response does not match.
		ctx := mustContext(t, srvOpts, RoleServer)
		assert.Equal(t, int32(1), hits.Load())
		assert.Empty(t, ctx.Config().Certificates[0].OCSPStaple)
	})

	t.Run("revoked status is not stapled", func(t *testing.T) {
		hits.Store(0)
		status.Store(int32(ocsp.Revoked))

		srvOpts := serverOptions(leaf.certFile, leaf.keyFile)
		srvOpts.Stapling = true
		srvOpts.StapleCache = cacher.NewMemoryCacher[[]byte](0, 0)

		ctx := mustContext(t, srvOpts, RoleServer)
		assert.Empty(t, ctx.Config().Certificates[0].OCSPStaple)

		// Failures are not cached.
		mustContext(t, srvOpts, RoleServer)
		assert.Equal(t, int32(2), hits.Load())
	})
}

func TestStapling_SelfSignedHasNoIssuer(t *testing.T) {
	certFile, keyFile := selfSignedPair(t, t.TempDir())
	srvOpts := serverOptions(certFile, keyFile)
	srvOpts.Stapling = true

	ctx := mustContext(t, srvOpts, RoleServer)
	assert.Empty(t, ctx.Config().Certificates[0].OCSPStaple)

	_, _, err := leafAndIssuer(ctx.Config().Certificates[0])
	assert.ErrorIs(t, err, ErrNoIssuer)
}
