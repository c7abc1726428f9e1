package tlsio

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/cyberinferno/go-netcore/connio"
)

type certAuthority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	parent *certAuthority
}

type leafCert struct {
	cert     *x509.Certificate
	certFile string
	keyFile  string
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func newSerial(t *testing.T) *big.Int {
	t.Helper()

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	return serial
}

// newCA creates a CA certificate, self-signed when parent is nil.
func newCA(t *testing.T, name string, parent *certAuthority) *certAuthority {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          newSerial(t),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
	}

	signer, signerKey := tmpl, crypto.Signer(key)
	if parent != nil {
		signer, signerKey = parent.cert, parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &certAuthority{cert: cert, key: key, parent: parent}
}

// writeFile writes cert as PEM and returns its path.
func (ca *certAuthority) writeFile(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, ca.cert.Subject.CommonName+".pem")
	require.NoError(t, os.WriteFile(path, pemCert(ca.cert.Raw), 0o600))
	return path
}

// issue signs a localhost leaf and writes the chain (leaf first, then every
// CA up to the root) and the key into dir.
func (ca *certAuthority) issue(t *testing.T, dir, name string, ocspURL string) leafCert {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: newSerial(t),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	if ocspURL != "" {
		tmpl.OCSPServer = []string{ocspURL}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	chain := pemCert(der)
	for c := ca; c != nil; c = c.parent {
		chain = append(chain, pemCert(c.cert.Raw)...)
	}

	certFile := filepath.Join(dir, name+".crt")
	keyFile := filepath.Join(dir, name+".key")
	require.NoError(t, os.WriteFile(certFile, chain, 0o600))
	require.NoError(t, os.WriteFile(keyFile, pemECKey(t, key), 0o600))

	return leafCert{cert: cert, certFile: certFile, keyFile: keyFile}
}

// ocspResponse signs a response for leaf with the given status.
func (ca *certAuthority) ocspResponse(t *testing.T, leaf *x509.Certificate, status int) []byte {
	t.Helper()

	resp, err := ocsp.CreateResponse(ca.cert, ca.cert, ocsp.Response{
		Status:       status,
		SerialNumber: leaf.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
		RevokedAt:    time.Now().Add(-time.Minute),
	}, ca.key)
	require.NoError(t, err)
	return resp
}

// selfSignedPair writes a self-signed localhost certificate and key.
func selfSignedPair(t *testing.T, dir string) (string, string) {
	t.Helper()

	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: newSerial(t),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, "self.crt")
	keyFile := filepath.Join(dir, "self.key")
	require.NoError(t, os.WriteFile(certFile, pemCert(der), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pemECKey(t, key), 0o600))

	return certFile, keyFile
}

func pemCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func pemECKey(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()

	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func serverOptions(certFile, keyFile string) Options {
	opts := DefaultOptions()
	opts.CertFile = certFile
	opts.KeyFile = keyFile
	return opts
}

func mustContext(t *testing.T, opts Options, role Role) *Context {
	t.Helper()

	ctx, err := NewContext(opts, role, nil)
	require.NoError(t, err)
	return ctx
}

// handlePair returns two connected blocking handles, closed at cleanup.
func handlePair(t *testing.T) (*connio.Handle, *connio.Handle) {
	t.Helper()

	a, b, err := connio.Socketpair()
	require.NoError(t, err)

	srv, err := connio.NewHandle(a)
	require.NoError(t, err)
	cli, err := connio.NewHandle(b)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = srv.Close()
		_ = cli.Close()
	})

	return srv, cli
}

// sessionPair attaches server and client sessions to a fresh handle pair.
func sessionPair(t *testing.T, srvCtx, cliCtx *Context) (*Session, *Session) {
	t.Helper()

	sh, ch := handlePair(t)
	srv, err := CreateSession(sh, srvCtx, FlagServer)
	require.NoError(t, err)
	cli, err := CreateSession(ch, cliCtx, FlagClient)
	require.NoError(t, err)

	return srv, cli
}

// runHandshake steps both sides until each is ready or failed.
func runHandshake(t *testing.T, srv, cli *Session) (srvErr error, cliErr error) {
	t.Helper()

	srvDone, cliDone := false, false
	deadline := time.Now().Add(5 * time.Second)
	for !srvDone || !cliDone {
		require.True(t, time.Now().Before(deadline), "handshake timed out")

		if !srvDone {
			st, err := srv.DriveHandshake()
			srvErr, srvDone = err, err != nil || st == HandshakeReady
		}
		if !cliDone {
			st, err := cli.ConnectHandshake()
			cliErr, cliDone = err, err != nil || st == HandshakeReady
		}

		time.Sleep(time.Millisecond)
	}

	return srvErr, cliErr
}

func mustHandshake(t *testing.T, srv, cli *Session) {
	t.Helper()

	srvErr, cliErr := runHandshake(t, srv, cli)
	require.NoError(t, srvErr)
	require.NoError(t, cliErr)
}
