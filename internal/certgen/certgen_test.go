package certgen

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateProducesValidCertificate(t *testing.T) {
	cert, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("Certificate chain length = %d, want 1", len(cert.Certificate))
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse generated certificate: %v", err)
	}
	if parsed.Subject.CommonName != commonName {
		t.Fatalf("CommonName = %q, want %q", parsed.Subject.CommonName, commonName)
	}
	if parsed.PublicKeyAlgorithm != x509.RSA {
		t.Fatalf("PublicKeyAlgorithm = %v, want RSA", parsed.PublicKeyAlgorithm)
	}

	wantNotAfter := parsed.NotBefore.Add(validFor)
	if diff := parsed.NotAfter.Sub(wantNotAfter); diff > time.Minute || diff < -time.Minute {
		t.Fatalf("NotAfter = %v, want ~%v", parsed.NotAfter, wantNotAfter)
	}
}

func TestConfigSetsMinTLSVersion(t *testing.T) {
	cfg, err := Config()
	if err != nil {
		t.Fatalf("Config() error: %v", err)
	}
	if cfg.MinVersion != 0x0303 { // tls.VersionTLS12
		t.Fatalf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates length = %d, want 1", len(cfg.Certificates))
	}
}
