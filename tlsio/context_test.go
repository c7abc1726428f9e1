package tlsio

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := selfSignedPair(t, dir)

	t.Run("server config", func(t *testing.T) {
		opts := serverOptions(certFile, keyFile)
		opts.Method = MethodTLSv1_2Server
		opts.Ciphers = "ECDHE-ECDSA-AES128-GCM-SHA256"
		opts.ECDHCurve = "prime256v1"

		ctx := mustContext(t, opts, RoleServer)
		cfg := ctx.Config()

		assert.Equal(t, RoleServer, ctx.Role())
		assert.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MaxVersion)
		assert.Equal(t, []uint16{tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}, cfg.CipherSuites)
		assert.Equal(t, []tls.CurveID{tls.CurveP256}, cfg.CurvePreferences)
		assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
		assert.False(t, cfg.SessionTicketsDisabled)
	})

	t.Run("client config", func(t *testing.T) {
		opts := DefaultOptions()
		opts.TLSHostName = "example.internal"

		cfg := mustContext(t, opts, RoleClient).Config()
		assert.True(t, cfg.InsecureSkipVerify)
		assert.Equal(t, "example.internal", cfg.ServerName)
		assert.NotNil(t, cfg.ClientSessionCache)
	})

	t.Run("builtin cache keeps tickets", func(t *testing.T) {
		opts := serverOptions(certFile, keyFile)
		opts.SessionCache = SessionCacheBuiltin
		opts.SessionTickets = false
		assert.False(t, mustContext(t, opts, RoleServer).Config().SessionTicketsDisabled)
	})

	t.Run("session cache off", func(t *testing.T) {
		opts := serverOptions(certFile, keyFile)
		opts.SessionCache = SessionCacheOff
		assert.True(t, mustContext(t, opts, RoleServer).Config().SessionTicketsDisabled)

		opts.SessionTickets = true
		assert.False(t, mustContext(t, opts, RoleServer).Config().SessionTicketsDisabled)

		cliOpts := DefaultOptions()
		cliOpts.SessionCache = SessionCacheOff
		assert.Nil(t, mustContext(t, cliOpts, RoleClient).Config().ClientSessionCache)
	})

	t.Run("client certificates", func(t *testing.T) {
		ca := newCA(t, "clients", nil)

		opts := serverOptions(certFile, keyFile)
		opts.ClientCertFile = ca.writeFile(t, dir)
		cfg := mustContext(t, opts, RoleServer).Config()
		assert.Equal(t, tls.RequireAnyClientCert, cfg.ClientAuth)
		assert.NotNil(t, cfg.ClientCAs)

		opts.ClientCertFile = ""
		opts.VerifyPeer = true
		assert.Equal(t, tls.RequestClientCert, mustContext(t, opts, RoleServer).Config().ClientAuth)
	})

	t.Run("invalid options are rejected", func(t *testing.T) {
		_, err := NewContext(DefaultOptions(), RoleServer, nil)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	})

	t.Run("missing files", func(t *testing.T) {
		_, err := NewContext(serverOptions(filepath.Join(dir, "nope.crt"), keyFile), RoleServer, nil)
		assert.ErrorIs(t, err, os.ErrNotExist)

		opts := DefaultOptions()
		opts.CAFile = filepath.Join(dir, "nope.pem")
		_, err = NewContext(opts, RoleClient, nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("ca file without certificates", func(t *testing.T) {
		empty := filepath.Join(dir, "empty.pem")
		require.NoError(t, os.WriteFile(empty, []byte("not a cert"), 0o600))

		opts := DefaultOptions()
		opts.CAFile = empty
		_, err := NewContext(opts, RoleClient, nil)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	})
}

func TestNewContext_EncryptedKey(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := selfSignedPair(t, dir)

	plain, err := os.ReadFile(keyFile)
	require.NoError(t, err)
	block, _ := pem.Decode(plain)
	require.NotNil(t, block)

	enc, err := x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, []byte("secret"), x509.PEMCipherAES256)
	require.NoError(t, err)
	encFile := filepath.Join(dir, "enc.key")
	require.NoError(t, os.WriteFile(encFile, pem.EncodeToMemory(enc), 0o600))

	t.Run("right passphrase", func(t *testing.T) {
		opts := serverOptions(certFile, encFile)
		opts.Passphrase = "secret"
		_, err := NewContext(opts, RoleServer, nil)
		assert.NoError(t, err)
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		opts := serverOptions(certFile, encFile)
		opts.Passphrase = "wrong"
		_, err := NewContext(opts, RoleServer, nil)
		assert.Error(t, err)
	})

	t.Run("no passphrase", func(t *testing.T) {
		_, err := NewContext(serverOptions(certFile, encFile), RoleServer, nil)
		assert.Error(t, err)
	})
}

func TestClientSessionCache(t *testing.T) {
	c := NewClientSessionCache(DefaultSessionCacheTTL)

	_, ok := c.Get("localhost")
	assert.False(t, ok)

	state := &tls.ClientSessionState{}
	c.Put("localhost", state)
	got, ok := c.Get("localhost")
	require.True(t, ok)
	assert.Same(t, state, got)

	c.Put("localhost", nil)
	_, ok = c.Get("localhost")
	assert.False(t, ok)
}
