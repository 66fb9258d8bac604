// Package tlsutil turns security settings into crypto/tls configurations.
// Disabled settings yield a nil config, which callers treat as plaintext.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/pkg/security"
)

var minVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// minVersion maps "1.2" and "1.3"; anything else gets TLS 1.2.
func minVersion(v string) uint16 {
	if mv, ok := minVersions[v]; ok {
		return mv
	}
	return tls.VersionTLS12
}

// ServerConfig builds the listener config, with client certificate checks
// when MTLS is enabled.
func ServerConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ServerConfig", "load key pair "+cfg.CertFile)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   minVersion(cfg.MinVersion),
	}

	m := cfg.MTLS
	if !m.Enabled {
		return out, nil
	}
	if out.ClientCAs, err = appendPEMFiles(x509.NewCertPool(), m.ClientCAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ServerConfig", "load client CAs")
	}
	out.ClientAuth = tls.VerifyClientCertIfGiven
	if m.RequireClientCert {
		out.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if len(m.AllowedClientCNs) > 0 {
		allowed := slices.Clone(m.AllowedClientCNs)
		out.VerifyConnection = func(cs tls.ConnectionState) error {
			return checkClientCN(cs.VerifiedChains, allowed)
		}
	}
	return out, nil
}

// checkClientCN accepts connections without a verified chain, which only
// happens when a client certificate was optional and not sent.
func checkClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil
	}
	cn := chains[0][0].Subject.CommonName
	if slices.Contains(allowed, cn) {
		return nil
	}
	return fmt.Errorf("client certificate CN %q not in allowed list", cn)
}

// ClientConfig builds the config used to dial the message bus. CAFiles are
// trusted on top of the system pool.
func ClientConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if roots, err = appendPEMFiles(roots, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ClientConfig", "load CAs")
	}

	out := &tls.Config{
		RootCAs:            roots,
		ServerName:         cfg.ServerName,
		MinVersion:         minVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if cfg.CertFile == "" && cfg.KeyFile == "" {
		return out, nil
	}

	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ClientConfig", "load client key pair")
	}
	out.Certificates = []tls.Certificate{pair}
	return out, nil
}

func appendPEMFiles(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%s: invalid PEM data", f)
		}
	}
	return pool, nil
}
