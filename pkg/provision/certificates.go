package provision

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/aluedeke/go-provision/pkg/codesign"
)

const defaultKeyBits = 2048

// ConfirmFunc asks the caller whether the listed certificates may be
// revoked. Returning false cancels the run.
type ConfirmFunc func(ctx context.Context, certificates []Certificate) bool

// CertificateManager resolves the signing identity for an account. It reuses
// the cached identity, recovers one from the keystore, or mints a new
// certificate, in that order.
type CertificateManager struct {
	API        DeveloperServices
	Keystore   Keystore
	Identities *IdentityCache

	// KeyBits is the RSA size of minted keys, 2048 by default.
	KeyBits int
	Now     func() time.Time
}

func (m *CertificateManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Resolve returns a signing identity whose certificate is active remotely.
func (m *CertificateManager) Resolve(ctx context.Context, account Account, confirm ConfirmFunc) (*SigningIdentity, error) {
	lg := log.WithField("account", account.ID)

	certs, err := listCertificates(ctx, m.API)
	if err != nil {
		return nil, err
	}
	now := m.now()

	if cached := m.Identities.Get(account); cached != nil {
		if c, ok := findActive(certs, cached.Serial(), now, false); ok {
			lg.Debug("reusing cached signing identity")
			cached.Certificate = c
			return cached, nil
		}
		lg.Info("cached signing identity is no longer active")
		m.Identities.Invalidate(account)
	}

	if id, err := m.fromKeystore(ctx, certs, now); err != nil {
		return nil, err
	} else if id != nil {
		lg.WithField("serial", id.Serial()).Info("using signing identity from keystore")
		m.Identities.Put(account, id)
		return id, nil
	}

	for _, c := range certs {
		if c.IsActive(now) && c.IsDevelopment() {
			return nil, fmt.Errorf("certificate %s: %w", NormalizeSerial(c.SerialNumber), ErrRequiresPrivateKey)
		}
	}

	id, err := m.mint(ctx, account, confirm)
	if err != nil {
		return nil, err
	}
	m.Identities.Put(account, id)
	return id, nil
}

// fromKeystore pairs a local key with an active development certificate.
func (m *CertificateManager) fromKeystore(ctx context.Context, certs []Certificate, now time.Time) (*SigningIdentity, error) {
	if m.Keystore == nil {
		return nil, nil
	}
	pairs, err := m.Keystore.Identities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	for _, pair := range pairs {
		if pair.Certificate == nil || pair.PrivateKey == nil {
			continue
		}
		serial := NormalizeSerial(codesign.SerialHex(pair.Certificate))
		if c, ok := findActive(certs, serial, now, true); ok {
			return &SigningIdentity{Certificate: c, X509: pair.Certificate, PrivateKey: pair.PrivateKey}, nil
		}
	}
	return nil, nil
}

func findActive(certs []Certificate, serial string, now time.Time, development bool) (Certificate, bool) {
	for _, c := range certs {
		if NormalizeSerial(c.SerialNumber) != serial || !c.IsActive(now) {
			continue
		}
		if development && !c.IsDevelopment() {
			continue
		}
		return c, true
	}
	return Certificate{}, false
}

func (m *CertificateManager) mint(ctx context.Context, account Account, confirm ConfirmFunc) (*SigningIdentity, error) {
	bits := m.KeyBits
	if bits == 0 {
		bits = defaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         "go-provision",
			OrganizationalUnit: []string{account.team()},
		},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	log.WithField("account", account.ID).Info("creating development certificate")
	id, status, err := m.create(ctx, csr, key)
	if err != nil || status != http.StatusConflict {
		return id, err
	}
	if !account.Limited {
		return nil, ErrRequiresPrivateKey
	}

	if err := m.revokeConflicting(ctx, confirm); err != nil {
		return nil, err
	}

	id, status, err = m.create(ctx, csr, key)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return nil, ErrRequiresPrivateKey
	}
	return id, nil
}

// create submits the CSR. A 409 is returned as a status with no identity.
func (m *CertificateManager) create(ctx context.Context, csr []byte, key *rsa.PrivateKey) (*SigningIdentity, int, error) {
	cert, status, err := m.API.CreateCertificate(ctx, "DEVELOPMENT", csr)
	if err != nil {
		return nil, status, fmt.Errorf("failed to create certificate: %w", err)
	}
	switch status {
	case http.StatusConflict:
		return nil, status, nil
	case http.StatusCreated:
	default:
		return nil, status, &UnexpectedStatusError{Operation: "create certificate", StatusCode: status}
	}
	if cert == nil || len(cert.Content) == 0 {
		return nil, status, fmt.Errorf("certificate response has no content: %w", ErrMalformedResponse)
	}

	x, err := x509.ParseCertificate(cert.Content)
	if err != nil {
		return nil, status, fmt.Errorf("failed to parse certificate content: %v: %w", err, ErrMalformedResponse)
	}
	if !codesign.KeyMatchesCert(key, x) {
		return nil, status, fmt.Errorf("issued certificate does not match the request key: %w", ErrMalformedResponse)
	}
	if cert.SerialNumber == "" {
		cert.SerialNumber = codesign.SerialHex(x)
	}
	return &SigningIdentity{Certificate: *cert, X509: x, PrivateKey: key}, status, nil
}

// revokeConflicting asks the caller, then revokes every active development
// certificate concurrently. Distribution certificates are left alone. The first failure cancels the rest.
func (m *CertificateManager) revokeConflicting(ctx context.Context, confirm ConfirmFunc) error {
	certs, err := listCertificates(ctx, m.API)
	if err != nil {
		return err
	}
	now := m.now()
	var conflicting []Certificate
	for _, c := range certs {
		if c.IsActive(now) && c.IsDevelopment() {
			conflicting = append(conflicting, c)
		}
	}
	if len(conflicting) == 0 {
		return ErrRequiresPrivateKey
	}
	if confirm == nil || !confirm(ctx, conflicting) {
		return ErrUserCancelled
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conflicting {
		c := c
		g.Go(func() error {
			log.WithField("serial", c.SerialNumber).Info("revoking certificate")
			if err := m.API.RevokeCertificate(gctx, c.ID); err != nil {
				return fmt.Errorf("failed to revoke certificate %s: %w", c.SerialNumber, err)
			}
			return nil
		})
	}
	return g.Wait()
}
