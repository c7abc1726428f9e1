package tlsio

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/ocsp"

	"github.com/cyberinferno/go-netcore/logger"
)

var (
	ErrNoPeerCertificate  = errors.New("tlsio: peer sent no certificate")
	ErrVerifyFailed       = errors.New("tlsio: peer certificate verification failed")
	ErrVerifyDepth        = errors.New("tlsio: peer certificate chain too deep")
	ErrHostMismatch       = errors.New("tlsio: peer certificate does not match host")
	ErrCertificateRevoked = errors.New("tlsio: peer certificate revoked")
)

// VerifyPeer checks the peer certificate chain against the context's trust
// pool (the client CA bundle on servers that have one). When allowSelfSigned
// is set a self-signed peer certificate is accepted as well.
//
// Parameters:
//   - allowSelfSigned: Accept a peer certificate that signs itself
//
// Returns:
//   - nil when the peer is trusted
//   - ErrNoPeerCertificate, ErrVerifyFailed, ErrVerifyDepth or
//     ErrCertificateRevoked otherwise
func (s *Session) VerifyPeer(allowSelfSigned bool) error {
	if s.State() == StateHandshake {
		return ErrHandshakeInProgress
	}

	return s.verifyPeer(allowSelfSigned)
}

func (s *Session) verifyPeer(allowSelfSigned bool) error {
	cs := s.conn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return ErrNoPeerCertificate
	}

	leaf := cs.PeerCertificates[0]
	intermediates := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}

	roots := s.ctx.roots
	usage := x509.ExtKeyUsageServerAuth
	if s.server {
		usage = x509.ExtKeyUsageClientAuth
		if s.ctx.clientCAs != nil {
			roots = s.ctx.clientCAs
		}
	}

	chains, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{usage},
	})
	if err != nil {
		var unknown x509.UnknownAuthorityError
		if allowSelfSigned && errors.As(err, &unknown) && selfSigned(leaf) {
			s.log.Debug("accepting self-signed peer", logger.F("subject", leaf.Subject.String()))
			return nil
		}

		return fmt.Errorf("%w: %w", ErrVerifyFailed, err)
	}

	shortest := chains[0]
	for _, chain := range chains[1:] {
		if len(chain) < len(shortest) {
			shortest = chain
		}
	}
	if depth := s.ctx.opts.VerifyDepth; depth > 0 && len(shortest)-1 > depth {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrVerifyDepth, len(shortest)-1, depth)
	}

	if len(cs.OCSPResponse) > 0 && len(shortest) > 1 {
		resp, err := ocsp.ParseResponseForCert(cs.OCSPResponse, leaf, shortest[1])
		if err != nil {
			return fmt.Errorf("%w: stapled ocsp response: %w", ErrVerifyFailed, err)
		}
		if resp.Status == ocsp.Revoked {
			return ErrCertificateRevoked
		}
	}

	return nil
}

// CheckHost reports whether the peer certificate is valid for name.
func (s *Session) CheckHost(name string) error {
	if s.State() == StateHandshake {
		return ErrHandshakeInProgress
	}

	return s.checkHost(name)
}

func (s *Session) checkHost(name string) error {
	certs := s.conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ErrNoPeerCertificate
	}

	if err := certs[0].VerifyHostname(name); err != nil {
		return fmt.Errorf("%w: %w", ErrHostMismatch, err)
	}

	return nil
}

func selfSigned(c *x509.Certificate) bool {
	if !bytes.Equal(c.RawIssuer, c.RawSubject) {
		return false
	}

	return c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}
