// Package profiletest builds signed provisioning profiles and developer
// certificates for tests.
package profiletest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
)

// Key returns a process-wide RSA key; generating one per test is slow.
func Key(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("failed to generate RSA key: %v", keyErr)
	}
	return key
}

// Certificate creates a self-signed development certificate with the given
// serial (hex) and team ID, valid until notAfter.
func Certificate(t testing.TB, serialHex, teamID string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	serial, ok := new(big.Int).SetString(serialHex, 16)
	if !ok {
		t.Fatalf("invalid hex serial %q", serialHex)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         "Apple Development: Test (" + teamID + ")",
			OrganizationalUnit: []string{teamID},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	k := Key(t)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &k.PublicKey, k)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

// Template describes the payload of a test profile.
type Template struct {
	Name         string
	TeamID       string
	Expiration   time.Time
	Certificates []*x509.Certificate
	Devices      []string
	Entitlements map[string]interface{}
}

type payload struct {
	Name                  string                 `plist:"Name"`
	TeamIdentifier        []string               `plist:"TeamIdentifier"`
	Entitlements          map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices    []string               `plist:"ProvisionedDevices,omitempty"`
	CreationDate          time.Time              `plist:"CreationDate"`
	ExpirationDate        time.Time              `plist:"ExpirationDate"`
	UUID                  string                 `plist:"UUID"`
}

// Profile returns a DER encoded PKCS#7 container wrapping the plist payload.
func Profile(t testing.TB, s Template) []byte {
	t.Helper()
	p := payload{
		Name:           s.Name,
		TeamIdentifier: []string{s.TeamID},
		Entitlements:   s.Entitlements,
		CreationDate:   time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		ExpirationDate: s.Expiration.UTC().Truncate(time.Second),
		UUID:           "00000000-0000-0000-0000-000000000000",
	}
	if p.Entitlements == nil {
		p.Entitlements = map[string]interface{}{}
	}
	for _, c := range s.Certificates {
		p.DeveloperCertificates = append(p.DeveloperCertificates, c.Raw)
	}
	p.ProvisionedDevices = s.Devices

	content, err := plist.Marshal(p, plist.XMLFormat)
	if err != nil {
		t.Fatalf("failed to marshal profile payload: %v", err)
	}

	signer := Certificate(t, "01", s.TeamID, time.Now().Add(24*time.Hour))
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("failed to create signed data: %v", err)
	}
	if err := sd.AddSigner(signer, Key(t), pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("failed to add signer: %v", err)
	}
	der, err := sd.Finish()
	if err != nil {
		t.Fatalf("failed to finish signed data: %v", err)
	}
	return der
}
