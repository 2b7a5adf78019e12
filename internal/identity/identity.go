// Package identity manages the relay's self-signed TLS identity and its
// SPKI fingerprint. Clients pin the fingerprint on first use (TOFU), so
// regenerating the identity invalidates every existing pairing.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	keyBits  = 2048
	validity = 10 * 365 * 24 * time.Hour

	keyFile  = "identity.key"
	certFile = "identity.crt"
)

// Identity is a loaded keypair plus certificate.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	// Fingerprint is the lowercase hex SHA-256 of the certificate's
	// SubjectPublicKeyInfo. This is the value clients pin.
	Fingerprint string
}

// LoadOrGenerate returns the stored identity from dir, generating and
// persisting a fresh one on first use. Generation failures leave no
// partial identity on disk.
func LoadOrGenerate(dir, commonName string) (*Identity, error) {
	id, err := load(dir)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return generate(dir, commonName)
}

// Regenerate deletes any stored identity and creates a new one. This is a
// trust reset: every fingerprint pinned by a client stops matching.
func Regenerate(dir, commonName string) (*Identity, error) {
	if err := os.Remove(filepath.Join(dir, keyFile)); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.Remove(filepath.Join(dir, certFile)); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return generate(dir, commonName)
}

// Fingerprint computes the hex SPKI SHA-256 for a parsed certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}

func generate(dir, commonName string) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	// Write the key first so a crash between writes never leaves a cert
	// without its key.
	keyPath := filepath.Join(dir, keyFile)
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, certFile), certPEM, 0o644); err != nil {
		_ = os.Remove(keyPath)
		return nil, err
	}

	return &Identity{
		Certificate: cert,
		PrivateKey:  key,
		Fingerprint: Fingerprint(cert),
	}, nil
}

func load(dir string) (*Identity, error) {
	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(filepath.Join(dir, certFile))
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("identity key is not PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("identity certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity certificate: %w", err)
	}

	return &Identity{
		Certificate: cert,
		PrivateKey:  key,
		Fingerprint: Fingerprint(cert),
	}, nil
}
