package certs

import (
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/proxyja4/proxyja4/support/fsutil"
)

// CertInfo summarizes a validated certificate for reporting.
type CertInfo struct {
	Subject  string
	NotAfter time.Time
	IsCA     bool

	cert *x509.Certificate
}

// Check compares the certificate against the CA cfg describes.
func (i *CertInfo) Check(cfg *CertCfg, minimumRemainingValidity time.Duration) error {
	return CheckCA(i.cert, cfg, minimumRemainingValidity)
}

// ReconcileSelfSignedCAFiles makes sure a CA key and certificate exist at the given paths.
// It is a oneshot: an existing pair is never regenerated, only a missing file triggers generation.
func ReconcileSelfSignedCAFiles(keyPath, certPath string, cfg *CertCfg) (bool, error) {
	if fsutil.IsFile(keyPath) && fsutil.IsFile(certPath) {
		return false, nil
	}
	key, crt, err := GenerateSelfSignedCertificate(cfg)
	if err != nil {
		return false, fmt.Errorf("failed to generate CA (cn=%s): %w", cfg.Subject.CommonName, err)
	}
	if err := fsutil.WriteAtomic(keyPath, PrivateKeyToPem(key), 0o600); err != nil {
		return false, fmt.Errorf("failed to write CA key %s: %w", keyPath, err)
	}
	if err := fsutil.WriteAtomic(certPath, CertToPem(crt), 0o644); err != nil {
		return false, fmt.Errorf("failed to write CA certificate %s: %w", certPath, err)
	}
	return true, nil
}

// ValidateCAFiles checks the certificate is a non-empty PEM x509 certificate that matches the key.
func ValidateCAFiles(keyPath, certPath string) (*CertInfo, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	if len(certPEM) == 0 {
		return nil, fmt.Errorf("CA certificate %s is empty", certPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	_, crt, err := parsePemKeypair(keyPEM, certPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid CA keypair: %w", err)
	}
	return &CertInfo{
		Subject:  crt.Subject.String(),
		NotAfter: crt.NotAfter,
		IsCA:     crt.IsCA,
		cert:     crt,
	}, nil
}
