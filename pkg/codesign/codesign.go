package codesign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningIdentity represents a code signing identity (certificate + private key)
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	TeamID      string
}

// LoadSigningIdentity loads a signing identity from a PKCS#12 file
func LoadSigningIdentity(p12Data []byte, password string) (*SigningIdentity, error) {
	if block, _ := pem.Decode(p12Data); block != nil {
		return nil, fmt.Errorf("got a PEM %s block, a PKCS#12 identity is required", block.Type)
	}

	privateKey, cert, caCerts, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}

	chain := []*x509.Certificate{cert}
	chain = append(chain, caCerts...)

	return &SigningIdentity{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertChain:   chain,
		TeamID:      ExtractTeamID(cert),
	}, nil
}

// EncodeP12 serializes a certificate and private key into a PKCS#12 blob
func EncodeP12(cert *x509.Certificate, key crypto.PrivateKey, password string) ([]byte, error) {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", key)
	}
	data, err := gop12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode P12: %w", err)
	}
	return data, nil
}

// KeyMatchesCert checks if a private key matches a certificate's public key
func KeyMatchesCert(privateKey crypto.PrivateKey, cert *x509.Certificate) bool {
	switch priv := privateKey.(type) {
	case *rsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return priv.N.Cmp(pub.N) == 0 && priv.E == pub.E
		}
	case *ecdsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
			return priv.PublicKey.Equal(pub)
		}
	}
	return false
}

// ExtractTeamID returns the team ID carried in the certificate subject
func ExtractTeamID(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	// Team ID is typically in the Organizational Unit field
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 { // Apple Team IDs are 10 characters
			return ou
		}
	}
	return ""
}

// ExportSigningFiles writes everything an external signer needs into dir:
// the identity as identity.p12 and one entitlements plist per bundle, named
// after the bundle directory.
func ExportSigningFiles(dir string, cert *x509.Certificate, key crypto.PrivateKey, password string, entitlements map[string]map[string]interface{}) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	p12, err := EncodeP12(cert, key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "identity.p12"), p12, 0600); err != nil {
		return fmt.Errorf("failed to write identity.p12: %w", err)
	}

	for bundlePath, ents := range entitlements {
		xml, err := EntitlementsToXML(ents)
		if err != nil {
			return err
		}
		name := filepath.Base(bundlePath) + ".entitlements"
		if err := os.WriteFile(filepath.Join(dir, name), xml, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return nil
}
