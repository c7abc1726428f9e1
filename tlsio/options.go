package tlsio

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyberinferno/go-netcore/cacher"
)

// Method selects the protocol versions a context accepts. The names follow
// the classic OpenSSL method selectors; server and client variants also pin
// the role.
type Method int

const (
	MethodSSLv23 Method = iota
	MethodSSLv3
	MethodSSLv3Server
	MethodSSLv3Client
	MethodSSLv23Server
	MethodSSLv23Client
	MethodTLSv1
	MethodTLSv1Server
	MethodTLSv1Client
	MethodTLSv1_1
	MethodTLSv1_1Server
	MethodTLSv1_1Client
	MethodTLSv1_2
	MethodTLSv1_2Server
	MethodTLSv1_2Client
	MethodDTLSv1
	MethodDTLSv1Server
	MethodDTLSv1Client
	MethodTLSv1_3
	MethodTLSv1_3Server
	MethodTLSv1_3Client
)

// Session cache modes.
const (
	SessionCacheOff     = "off"
	SessionCacheBuiltin = "builtin"
	SessionCacheShared  = "shared"
)

// Defaults used by DefaultOptions.
const (
	DefaultVerifyDepth     = 5
	DefaultSessionCacheTTL = 5 * time.Minute
	DefaultOCSPTimeout     = 5 * time.Second
)

var (
	ErrUnsupportedMethod = errors.New("tlsio: unsupported method")
	ErrInvalidOptions    = errors.New("tlsio: invalid options")
)

// Options is the configuration surface of a Context. It is applied once when
// the context is created and never per call.
type Options struct {
	// CertFile and KeyFile hold the PEM certificate chain and private key.
	CertFile string
	KeyFile  string
	// Passphrase decrypts a legacy encrypted PEM private key.
	Passphrase string

	// ClientCertFile is a CA bundle for client certificates. Setting it makes
	// a server require a client certificate.
	ClientCertFile string
	// VerifyPeer runs peer verification when the handshake completes.
	VerifyPeer bool
	// AllowSelfSigned accepts a self-signed peer during verification.
	AllowSelfSigned bool
	// CAFile and CAPath supply trusted roots; without them the system pool
	// is used.
	CAFile string
	CAPath string
	// VerifyDepth limits the length of the verified chain above the peer
	// certificate; zero disables the limit.
	VerifyDepth int

	Method Method
	// Ciphers is a colon-separated cipher list. IANA and OpenSSL names are
	// accepted; OpenSSL keywords (ALL, HIGH, !aNULL ...) are ignored.
	Ciphers string
	// ECDHCurve is "auto" or a colon-separated list of curve names.
	ECDHCurve string

	// SessionCache is SessionCacheOff, SessionCacheBuiltin or
	// SessionCacheShared. Shared mode keeps server session state in
	// SessionStore so cooperating processes resume each other's sessions.
	SessionCache    string
	SessionCacheTTL time.Duration
	SessionStore    cacher.Cacher[[]byte]

	// SessionTickets enables tickets when SessionCache is SessionCacheOff.
	// The builtin and shared caches resume sessions through tickets, so
	// servers using them always issue tickets and ignore this field.
	SessionTickets bool

	// Stapling attaches an OCSP response to the server certificate, read
	// from StaplingFile or fetched from the responder named in the
	// certificate (or StaplingResponder). Fetched responses are memoized in
	// StapleCache when it is set.
	Stapling          bool
	StaplingFile      string
	StaplingResponder string
	StaplingVerify    bool
	StapleCache       cacher.Cacher[[]byte]
	OCSPTimeout       time.Duration

	// DisableCompression and PreferServerCiphers are accepted for
	// compatibility; crypto/tls never compresses and orders suites itself.
	DisableCompression  bool
	PreferServerCiphers bool

	// TLSHostName is sent as SNI by clients and checked against the peer
	// certificate when VerifyPeer is set.
	TLSHostName string

	// ALPN lists application protocols in preference order. HTTP2 adds "h2"
	// in front of them.
	ALPN  []string
	HTTP2 bool
}

// DefaultOptions returns options with the default method, verify depth,
// curve selection and session cache.
//
// Returns:
//   - Options ready to be completed with certificate paths
func DefaultOptions() Options {
	return Options{
		Method:             MethodSSLv23,
		VerifyDepth:        DefaultVerifyDepth,
		ECDHCurve:          "auto",
		SessionCache:       SessionCacheBuiltin,
		SessionCacheTTL:    DefaultSessionCacheTTL,
		OCSPTimeout:        DefaultOCSPTimeout,
		DisableCompression: true,
	}
}

// Validate checks the options for the given role.
//
// Parameters:
//   - role: RoleServer or RoleClient
//
// Returns:
//   - nil, or an error wrapping ErrInvalidOptions or ErrUnsupportedMethod
func (o *Options) Validate(role Role) error {
	if (o.CertFile == "") != (o.KeyFile == "") {
		return fmt.Errorf("%w: cert_file and key_file must be set together", ErrInvalidOptions)
	}
	if role == RoleServer && o.CertFile == "" {
		return fmt.Errorf("%w: server requires cert_file", ErrInvalidOptions)
	}
	if o.Passphrase != "" && o.KeyFile == "" {
		return fmt.Errorf("%w: passphrase without key_file", ErrInvalidOptions)
	}
	if o.VerifyDepth < 0 {
		return fmt.Errorf("%w: negative verify_depth", ErrInvalidOptions)
	}

	switch o.SessionCache {
	case "", SessionCacheOff, SessionCacheBuiltin:
	case SessionCacheShared:
		if role == RoleServer && o.SessionStore == nil {
			return fmt.Errorf("%w: shared session cache requires a session store", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown session_cache %q", ErrInvalidOptions, o.SessionCache)
	}

	if o.StaplingFile != "" && !o.Stapling {
		return fmt.Errorf("%w: stapling_file without stapling", ErrInvalidOptions)
	}

	if _, _, err := o.Method.versions(); err != nil {
		return err
	}
	if r, pinned := o.Method.role(); pinned && r != role {
		return fmt.Errorf("%w: method pins the %s role", ErrInvalidOptions, r)
	}

	return nil
}

// versions returns the accepted protocol version range.
func (m Method) versions() (uint16, uint16, error) {
	switch m {
	case MethodSSLv23, MethodSSLv23Server, MethodSSLv23Client:
		return tls.VersionTLS10, tls.VersionTLS13, nil
	case MethodTLSv1, MethodTLSv1Server, MethodTLSv1Client:
		return tls.VersionTLS10, tls.VersionTLS10, nil
	case MethodTLSv1_1, MethodTLSv1_1Server, MethodTLSv1_1Client:
		return tls.VersionTLS11, tls.VersionTLS11, nil
	case MethodTLSv1_2, MethodTLSv1_2Server, MethodTLSv1_2Client:
		return tls.VersionTLS12, tls.VersionTLS12, nil
	case MethodTLSv1_3, MethodTLSv1_3Server, MethodTLSv1_3Client:
		return tls.VersionTLS13, tls.VersionTLS13, nil
	case MethodSSLv3, MethodSSLv3Server, MethodSSLv3Client:
		return 0, 0, fmt.Errorf("%w: SSLv3", ErrUnsupportedMethod)
	case MethodDTLSv1, MethodDTLSv1Server, MethodDTLSv1Client:
		return 0, 0, fmt.Errorf("%w: DTLS", ErrUnsupportedMethod)
	default:
		return 0, 0, fmt.Errorf("%w: %d", ErrUnsupportedMethod, int(m))
	}
}

// role reports the role a server or client variant pins.
func (m Method) role() (Role, bool) {
	switch m {
	case MethodSSLv3Server, MethodSSLv23Server, MethodTLSv1Server, MethodTLSv1_1Server,
		MethodTLSv1_2Server, MethodDTLSv1Server, MethodTLSv1_3Server:
		return RoleServer, true
	case MethodSSLv3Client, MethodSSLv23Client, MethodTLSv1Client, MethodTLSv1_1Client,
		MethodTLSv1_2Client, MethodDTLSv1Client, MethodTLSv1_3Client:
		return RoleClient, true
	default:
		return RoleServer, false
	}
}

// openSSLCiphers maps common OpenSSL cipher names onto crypto/tls suites.
var openSSLCiphers = map[string]uint16{
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-AES128-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES128-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-ECDSA-AES256-SHA":        tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":          tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
}

// parseCiphers resolves a cipher list. A nil result means crypto/tls
// defaults.
func parseCiphers(list string) ([]uint16, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}

	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		byName[s.Name] = s.ID
	}

	var ids []uint16
	keywords := 0
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' || r == ' ' }) {
		if id, ok := byName[name]; ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := openSSLCiphers[name]; ok {
			ids = append(ids, id)
			continue
		}

		keywords++
	}

	if len(ids) == 0 && keywords == 0 {
		return nil, fmt.Errorf("%w: no usable cipher in %q", ErrInvalidOptions, list)
	}

	return ids, nil
}

var curveNames = map[string]tls.CurveID{
	"prime256v1":     tls.CurveP256,
	"secp256r1":      tls.CurveP256,
	"P-256":          tls.CurveP256,
	"secp384r1":      tls.CurveP384,
	"P-384":          tls.CurveP384,
	"secp521r1":      tls.CurveP521,
	"P-521":          tls.CurveP521,
	"X25519":         tls.X25519,
	"x25519":         tls.X25519,
	"X25519MLKEM768": tls.X25519MLKEM768,
}

// parseCurves resolves the curve selection; "auto" and "" mean defaults.
func parseCurves(spec string) ([]tls.CurveID, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "auto" {
		return nil, nil
	}

	var curves []tls.CurveID
	for _, name := range strings.Split(spec, ":") {
		id, ok := curveNames[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown curve %q", ErrInvalidOptions, name)
		}

		curves = append(curves, id)
	}

	return curves, nil
}

func (o *Options) alpn() []string {
	if !o.HTTP2 {
		return o.ALPN
	}

	protos := []string{alpnHTTP2}
	for _, p := range o.ALPN {
		if p != alpnHTTP2 {
			protos = append(protos, p)
		}
	}

	return protos
}
