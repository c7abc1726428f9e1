package tlsio

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/go-netcore/cacher"
	"github.com/cyberinferno/go-netcore/logger"
)

// Role says which side of the handshake a context serves.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}

	return "server"
}

const (
	alpnHTTP2 = "h2"

	// sessionIDLen is the size of the random handle placed in tickets when
	// server state lives in a shared store.
	sessionIDLen = 32
)

// Context is an immutable TLS configuration shared by every session created
// from it.
type Context struct {
	opts      Options
	role      Role
	config    *tls.Config
	roots     *x509.CertPool
	clientCAs *x509.CertPool
	log       logger.Logger
}

// NewContext validates opts and builds the TLS configuration for role.
//
// Parameters:
//   - opts: TLS options
//   - role: RoleServer or RoleClient
//   - log: Logger for configuration and handshake events; nil selects a nop
//     logger
//
// Returns:
//   - The new Context
//   - An error for invalid options or unreadable key material
func NewContext(opts Options, role Role, log logger.Logger) (*Context, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := opts.Validate(role); err != nil {
		return nil, err
	}

	c := &Context{
		opts: opts,
		role: role,
		log:  log.With(logger.F("tls_role", role.String())),
	}

	minVer, maxVer, _ := opts.Method.versions()
	ciphers, err := parseCiphers(opts.Ciphers)
	if err != nil {
		return nil, err
	}
	curves, err := parseCurves(opts.ECDHCurve)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:       minVer,
		MaxVersion:       maxVer,
		CipherSuites:     ciphers,
		CurvePreferences: curves,
		NextProtos:       opts.alpn(),
	}

	if c.roots, err = loadRoots(opts.CAFile, opts.CAPath); err != nil {
		return nil, err
	}

	if opts.CertFile != "" {
		cert, err := loadKeyPair(opts.CertFile, opts.KeyFile, opts.Passphrase)
		if err != nil {
			return nil, err
		}

		if role == RoleServer && opts.Stapling {
			staple, err := c.staple(cert)
			switch {
			case err != nil && opts.StaplingFile != "":
				return nil, err
			case err != nil:
				c.log.Warn("ocsp stapling unavailable", logger.F("error", err))
			default:
				cert.OCSPStaple = staple
			}
		}

		cfg.Certificates = []tls.Certificate{cert}
	}

	switch role {
	case RoleServer:
		if err := c.configureServer(cfg); err != nil {
			return nil, err
		}
	case RoleClient:
		c.configureClient(cfg)
	}

	c.config = cfg
	c.log.Debug("tls context ready",
		logger.F("min_version", tls.VersionName(minVer)),
		logger.F("max_version", tls.VersionName(maxVer)),
		logger.F("session_cache", opts.SessionCache),
		logger.F("alpn", cfg.NextProtos))

	return c, nil
}

func (c *Context) configureServer(cfg *tls.Config) error {
	opts := &c.opts

	if opts.ClientCertFile != "" {
		pool, err := loadPool(opts.ClientCertFile)
		if err != nil {
			return err
		}

		c.clientCAs = pool
		cfg.ClientCAs = pool
		// Chains are checked by VerifyPeer so the self-signed and depth
		// policies apply.
		cfg.ClientAuth = tls.RequireAnyClientCert
	} else if opts.VerifyPeer {
		cfg.ClientAuth = tls.RequestClientCert
	}

	// crypto/tls resumes only through tickets; the builtin cache is the
	// ticket itself.
	switch opts.SessionCache {
	case SessionCacheShared:
		c.wireSharedStore(cfg)
	case SessionCacheBuiltin:
		cfg.SessionTicketsDisabled = false
	default:
		cfg.SessionTicketsDisabled = !opts.SessionTickets
	}

	return nil
}

func (c *Context) configureClient(cfg *tls.Config) {
	// Peer checks run in VerifyPeer, after the handshake, so that the
	// self-signed and depth policies can be applied.
	cfg.InsecureSkipVerify = true
	cfg.ServerName = c.opts.TLSHostName
	cfg.RootCAs = c.roots

	if c.opts.SessionCache != SessionCacheOff {
		cfg.ClientSessionCache = NewClientSessionCache(c.sessionTTL())
	}
}

// wireSharedStore keeps session state in the shared store; the ticket only
// carries a random id.
func (c *Context) wireSharedStore(cfg *tls.Config) {
	store := c.opts.SessionStore
	ttl := c.sessionTTL()

	cfg.WrapSession = func(_ tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
		state, err := ss.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encode session state: %w", err)
		}

		id := make([]byte, sessionIDLen)
		if _, err := rand.Read(id); err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}

		if err := store.Set(context.Background(), hex.EncodeToString(id), state, ttl); err != nil {
			return nil, fmt.Errorf("store session: %w", err)
		}

		return id, nil
	}

	cfg.UnwrapSession = func(identity []byte, _ tls.ConnectionState) (*tls.SessionState, error) {
		state, err := store.Get(context.Background(), hex.EncodeToString(identity))
		if err != nil {
			if !errors.Is(err, cacher.ErrNotFound) {
				c.log.Warn("session store lookup failed", logger.F("error", err))
			}
			// Unknown or unreadable ids fall back to a full handshake.
			return nil, nil
		}

		ss, err := tls.ParseSessionState(state)
		if err != nil {
			c.log.Warn("discarding corrupt session state", logger.F("error", err))
			return nil, nil
		}

		return ss, nil
	}
}

func (c *Context) sessionTTL() time.Duration {
	if c.opts.SessionCacheTTL > 0 {
		return c.opts.SessionCacheTTL
	}

	return DefaultSessionCacheTTL
}

// Role returns the role the context was built for.
func (c *Context) Role() Role {
	return c.role
}

// Options returns the options the context was built from.
func (c *Context) Options() Options {
	return c.opts
}

// Config returns a copy of the underlying TLS configuration.
func (c *Context) Config() *tls.Config {
	return c.config.Clone()
}

// loadKeyPair reads the certificate chain and key, decrypting a legacy
// encrypted PEM key with passphrase.
func loadKeyPair(certFile, keyFile, passphrase string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read cert_file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read key_file: %w", err)
	}

	if passphrase != "" {
		if keyPEM, err = decryptKey(keyPEM, passphrase); err != nil {
			return tls.Certificate{}, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
		}
	}

	return cert, nil
}

func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("key_file: no PEM block")
	}
	if !x509.IsEncryptedPEMBlock(block) {
		return keyPEM, nil
	}

	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// loadRoots builds the trust pool from caFile and caPath; nil means the
// system pool.
func loadRoots(caFile, caPath string) (*x509.CertPool, error) {
	if caFile == "" && caPath == "" {
		return nil, nil
	}

	pool := x509.NewCertPool()
	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%w: ca_file %s holds no certificate", ErrInvalidOptions, caFile)
		}
	}

	if caPath != "" {
		entries, err := os.ReadDir(caPath)
		if err != nil {
			return nil, fmt.Errorf("read ca_path: %w", err)
		}

		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}

			data, err := os.ReadFile(filepath.Join(caPath, e.Name()))
			if err != nil {
				continue
			}
			pool.AppendCertsFromPEM(data)
		}
	}

	return pool, nil
}

func loadPool(file string) (*x509.CertPool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read client_cert_file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %s holds no certificate", ErrInvalidOptions, file)
	}

	return pool, nil
}

// NewClientSessionCache returns a tls.ClientSessionCache whose entries expire
// after ttl.
func NewClientSessionCache(ttl time.Duration) tls.ClientSessionCache {
	return &clientSessionCache{cache: cache.New(ttl, 2*ttl)}
}

type clientSessionCache struct {
	cache *cache.Cache
}

func (c *clientSessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}

	cs, ok := v.(*tls.ClientSessionState)
	return cs, ok
}

func (c *clientSessionCache) Put(key string, cs *tls.ClientSessionState) {
	if cs == nil {
		c.cache.Delete(key)
		return
	}

	c.cache.SetDefault(key, cs)
}
