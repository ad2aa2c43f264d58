package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math"
	"math/big"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
)

const (
	// DefaultKeySize is used for CA keys. Interception CAs are long-lived so they get the larger size.
	DefaultKeySize = 4096

	ValidityOneDay   = 24 * time.Hour
	ValidityOneYear  = 365 * ValidityOneDay
	ValidityTenYears = 10 * ValidityOneYear

	// CAKeyUsages are the key usages of a CA that signs interception leaf certificates.
	CAKeyUsages = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
)

// Reader is the source of randomness for key and serial generation.
func Reader() io.Reader {
	return rand.Reader
}

// CertCfg contains all needed fields to configure a new certificate
type CertCfg struct {
	KeyUsages x509.KeyUsage
	Subject   pkix.Name
	Validity  time.Duration
	IsCA      bool
	// KeySize defaults to DefaultKeySize.
	KeySize int
}

// CACfg returns the configuration of a self-signed interception CA.
func CACfg(commonName string) *CertCfg {
	return &CertCfg{
		Subject:   pkix.Name{CommonName: commonName},
		KeyUsages: CAKeyUsages,
		Validity:  ValidityTenYears,
		IsCA:      true,
		KeySize:   DefaultKeySize,
	}
}

// GenerateSelfSignedCertificate generates a key/cert pair defined by CertCfg.
func GenerateSelfSignedCertificate(cfg *CertCfg) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := PrivateKey(cfg.KeySize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate private key")
	}

	crt, err := SelfSignedCertificate(cfg, key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create self-signed certificate")
	}
	return key, crt, nil
}

// PrivateKey generates an RSA Private key of the given size, DefaultKeySize when zero.
func PrivateKey(size int) (*rsa.PrivateKey, error) {
	if size == 0 {
		size = DefaultKeySize
	}
	rsaKey, err := rsa.GenerateKey(Reader(), size)
	if err != nil {
		return nil, errors.Wrap(err, "error generating RSA private key")
	}

	return rsaKey, nil
}

// SelfSignedCertificate creates a self-signed certificate
func SelfSignedCertificate(cfg *CertCfg, key *rsa.PrivateKey) (*x509.Certificate, error) {
	// verifies that the CN for the cert is set
	if len(cfg.Subject.CommonName) == 0 {
		return nil, errors.Errorf("certificate subject is not set, or invalid")
	}

	serial, err := rand.Int(Reader(), new(big.Int).SetInt64(math.MaxInt64))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cert := x509.Certificate{
		BasicConstraintsValid: true,
		IsCA:                  cfg.IsCA,
		KeyUsage:              cfg.KeyUsages,
		NotAfter:              now.Add(cfg.Validity),
		NotBefore:             now,
		SerialNumber:          serial,
		Subject:               cfg.Subject,
	}

	cert.SubjectKeyId, err = rsaPubKeySHA512Hash(&key.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set subject key identifier")
	}

	certBytes, err := x509.CreateCertificate(Reader(), &cert, &cert, key.Public(), key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate")
	}
	return x509.ParseCertificate(certBytes)
}

func rsaPubKeySHA512Hash(pub *rsa.PublicKey) ([]byte, error) {
	hash := sha512.New()
	if _, err := hash.Write(pub.N.Bytes()); err != nil {
		return nil, err
	}
	// SubjectKeyId is conventionally 20 bytes.
	return hash.Sum(nil)[:20], nil
}

// PrivateKeyToPem converts a rsa.PrivateKey object to pem string
func PrivateKeyToPem(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)
}

// CertToPem converts an x509.Certificate object to a pem string
func CertToPem(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(
		&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: cert.Raw,
		},
	)
}

// PemToPrivateKey converts a data block to rsa.PrivateKey.
func PemToPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("could not find a PEM block in the private key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// PemToCertificate converts a data block to x509.Certificate.
func PemToCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("could not find a PEM block in the certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, errors.Errorf("unexpected PEM block type %q in the certificate", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

func parsePemKeypair(key, certificate []byte) (*rsa.PrivateKey, *x509.Certificate, error) {
	privKey, err := PemToPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := PemToCertificate(certificate)
	if err != nil {
		return nil, nil, err
	}
	rsaPublicKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("certificate does not have a RSA public key but a %T, not supported", cert.PublicKey)
	}

	if rsaPublicKey.N.Cmp(privKey.N) != 0 {
		return nil, nil, errors.New("private key does not match certificate")
	}

	return privKey, cert, nil
}

// CheckCA reports every way cert differs from the CA cfg describes. Key usages beyond cfg's are accepted.
func CheckCA(cert *x509.Certificate, cfg *CertCfg, minimumRemainingValidity time.Duration) error {
	var errs []error
	if !cert.IsCA {
		errs = append(errs, fmt.Errorf("certificate is not a CA"))
	}
	if missing := cfg.KeyUsages &^ cert.KeyUsage; missing != 0 {
		errs = append(errs, fmt.Errorf("certificate key usage %d lacks %d", cert.KeyUsage, missing))
	}

	// Names holds the parsed attributes and is ignored when marshalling.
	if diff := cmp.Diff(cfg.Subject, cert.Subject, cmpopts.IgnoreFields(pkix.Name{}, "Names"), cmpopts.EquateEmpty()); diff != "" {
		errs = append(errs, fmt.Errorf("subject differs from expected (-want +got):\n%s", diff))
	}

	if remaining := time.Until(cert.NotAfter); remaining < minimumRemainingValidity {
		errs = append(errs, fmt.Errorf("remaining validity %s is below %s", remaining.Round(time.Second), minimumRemainingValidity))
	}
	return utilerrors.NewAggregate(errs)
}
