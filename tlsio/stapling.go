package tlsio

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/cyberinferno/go-netcore/logger"
)

const (
	maxOCSPResponse = 1 << 20
	stapleCacheTTL  = time.Hour
)

var (
	ErrNoIssuer    = errors.New("tlsio: certificate chain has no issuer")
	ErrNoResponder = errors.New("tlsio: no ocsp responder")
)

// staple returns the OCSP response to attach to cert.
func (c *Context) staple(cert tls.Certificate) ([]byte, error) {
	if c.opts.StaplingFile != "" {
		data, err := os.ReadFile(c.opts.StaplingFile)
		if err != nil {
			return nil, fmt.Errorf("read stapling_file: %w", err)
		}
		if c.opts.StaplingVerify {
			if err := checkStaple(data, cert); err != nil {
				return nil, err
			}
		}

		return data, nil
	}

	timeout := c.opts.OCSPTimeout
	if timeout <= 0 {
		timeout = DefaultOCSPTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fetch := func(ctx context.Context) ([]byte, error) {
		return c.fetchStaple(ctx, cert)
	}
	if c.opts.StapleCache == nil {
		return fetch(ctx)
	}

	key := "ocsp:" + cert.Leaf.SerialNumber.Text(16)
	return c.opts.StapleCache.GetOrFetch(ctx, key, stapleCacheTTL, fetch)
}

// fetchStaple asks the responder for the status of the leaf certificate.
func (c *Context) fetchStaple(ctx context.Context, cert tls.Certificate) ([]byte, error) {
	leaf, issuer, err := leafAndIssuer(cert)
	if err != nil {
		return nil, err
	}

	url := c.opts.StaplingResponder
	if url == "" {
		if len(leaf.OCSPServer) == 0 {
			return nil, ErrNoResponder
		}
		url = leaf.OCSPServer[0]
	}

	req, err := ocsp.CreateRequest(leaf, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return nil, fmt.Errorf("ocsp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("ocsp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ocsp fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocsp fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOCSPResponse))
	if err != nil {
		return nil, fmt.Errorf("ocsp fetch %s: %w", url, err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, leaf, issuer)
	if err != nil {
		return nil, fmt.Errorf("ocsp response: %w", err)
	}
	if parsed.Status != ocsp.Good {
		return nil, fmt.Errorf("%w: ocsp status %d", ErrCertificateRevoked, parsed.Status)
	}

	c.log.Info("ocsp response stapled",
		logger.F("responder", url),
		logger.F("next_update", parsed.NextUpdate))

	return body, nil
}

// checkStaple verifies a stapled response against the certificate chain.
func checkStaple(data []byte, cert tls.Certificate) error {
	leaf, issuer, err := leafAndIssuer(cert)
	if err != nil {
		return err
	}

	if _, err := ocsp.ParseResponseForCert(data, leaf, issuer); err != nil {
		return fmt.Errorf("ocsp response: %w", err)
	}

	return nil
}

func leafAndIssuer(cert tls.Certificate) (*x509.Certificate, *x509.Certificate, error) {
	if len(cert.Certificate) < 2 {
		return nil, nil, ErrNoIssuer
	}

	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, nil, fmt.Errorf("parse certificate: %w", err)
		}
	}

	issuer, err := x509.ParseCertificate(cert.Certificate[1])
	if err != nil {
		return nil, nil, fmt.Errorf("parse issuer: %w", err)
	}

	return leaf, issuer, nil
}
