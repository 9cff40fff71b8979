// Package certgen generates the self-signed TLS certificate used by any
// TLS-enabled logical socket. There is no idiomatic third-party
// replacement for this in the Go ecosystem; crypto/x509, crypto/rsa, and
// crypto/tls are the standard way every Go codebase does this.
package certgen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

const (
	keyBits    = 2048
	commonName = "socialnode"
	validFor   = 365 * 24 * time.Hour
)

// Generate produces a self-signed RSA-2048/SHA-256 certificate valid for
// one year from now, mirroring the original's x509::Generate(): serial
// number 1, NotBefore now, NotAfter one year out, CN "socialnode",
// self-issued and self-signed.
func Generate() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate rsa key: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		Issuer:       pkix.Name{CommonName: commonName},
		NotBefore:    now,
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return cert, nil
}

// Config builds a *tls.Config serving a freshly generated self-signed
// certificate, one per TLS-enabled socket as required by §5 (one
// reactor-global tls.Config per TLS socket).
func Config() (*tls.Config, error) {
	cert, err := Generate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
