package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerTLSConfig returns the HTTPS server configuration.
// certFile/keyFile: server certificate and private key.
// caFile: CA certificate. If non-empty, client certificates signed by this CA
// are verified when presented, which lets the sync endpoint require mTLS
// while browsers connect without one.
func ServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caFile != "" {
		caPool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		tlsCfg.ClientCAs = caPool
	}

	return tlsCfg, nil
}

// ClientTLSConfig returns the configuration for calling another replica.
// caFile: CA certificate to verify the server against; empty uses system roots.
// certFile/keyFile: client certificate for mTLS (leave empty for one-way TLS).
func ClientTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		caPool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = caPool
	}

	if certFile != "" && keyFile != "" {
		// mTLS: attach client certificate
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

func loadPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return caPool, nil
}
