package provision

import (
	"crypto"
	"crypto/x509"
	"strings"
	"time"

	"github.com/aluedeke/go-provision/pkg/codesign"
)

// Development certificate types accepted for signing.
var developmentCertificateTypes = map[string]bool{
	"DEVELOPMENT":         true,
	"IOS_DEVELOPMENT":     true,
	"MAC_APP_DEVELOPMENT": true,
}

// Certificate is a signing certificate as listed by the developer services.
type Certificate struct {
	ID              string
	Name            string
	SerialNumber    string
	ExpirationDate  *time.Time
	CertificateType string
	TeamID          string
	// Content is the DER certificate, present on create responses.
	Content []byte
}

// IsActive reports whether c can still sign at now. A certificate without
// an expiration date never expires.
func (c Certificate) IsActive(now time.Time) bool {
	if c.ExpirationDate == nil {
		return true
	}
	return now.Before(*c.ExpirationDate)
}

// IsDevelopment reports whether c is a development signing certificate.
func (c Certificate) IsDevelopment() bool {
	return developmentCertificateTypes[strings.ToUpper(c.CertificateType)]
}

// NormalizeSerial uppercases a hex serial and strips leading zeros.
// An all-zero serial normalizes to "0".
func NormalizeSerial(s string) string {
	s = strings.TrimLeft(strings.ToUpper(strings.TrimSpace(s)), "0")
	if s == "" {
		return "0"
	}
	return s
}

// Device is a registered device. Status, Platform and DeviceClass are
// optional in API responses and stay nil when absent.
type Device struct {
	ID          string
	UDID        string
	Name        string
	Status      *string
	Platform    *string
	DeviceClass *string
}

// Device status values.
const (
	DeviceEnabled  = "ENABLED"
	DeviceDisabled = "DISABLED"
)

func (d Device) hasStatus(status string) bool {
	return d.Status != nil && strings.EqualFold(*d.Status, status)
}

// Enabled reports whether the device is usable for provisioning.
func (d Device) Enabled() bool { return d.hasStatus(DeviceEnabled) }

// Disabled reports whether the device is explicitly disabled. A device
// without a status is neither enabled nor disabled.
func (d Device) Disabled() bool { return d.hasStatus(DeviceDisabled) }

// BundleID is a registered app id.
type BundleID struct {
	ID         string
	Identifier string
	Name       string
	Platform   *string
	ProfileIDs []string
}

// Profile is a provisioning profile resource as returned on creation.
type Profile struct {
	ID   string
	Name string
	// Content is the base64 encoded profile.
	Content string
}

// ProfileRequest describes a development profile to mint.
type ProfileRequest struct {
	Name           string
	Platform       Platform
	BundleIDID     string
	DeviceIDs      []string
	CertificateIDs []string
}

// Account identifies the developer team provisioning is scoped to.
type Account struct {
	// ID keys the identity cache and the provisioning cache.
	ID string
	// TeamID prefixes app ids and keychain groups.
	TeamID string
	// Limited marks accounts with a small certificate quota, where a
	// creation conflict may be resolved by revoking existing certificates.
	Limited bool
}

func (a Account) team() string {
	if a.TeamID != "" {
		return a.TeamID
	}
	return a.ID
}

// TargetDevice is the device an app is provisioned for.
type TargetDevice struct {
	UDID     string
	Name     string
	Platform Platform
}

// NewTargetDevice returns a target with its UDID normalized to uppercase.
func NewTargetDevice(udid, name string, platform Platform) TargetDevice {
	return TargetDevice{UDID: strings.ToUpper(strings.TrimSpace(udid)), Name: name, Platform: platform}
}

// KeyPair is a certificate and private key found in a credential store.
type KeyPair struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
}

// SigningIdentity is a remote certificate with the local key that signs for it.
type SigningIdentity struct {
	Certificate Certificate
	X509        *x509.Certificate
	PrivateKey  crypto.PrivateKey
}

// Serial returns the normalized serial of the identity's certificate.
func (id *SigningIdentity) Serial() string {
	if id.Certificate.SerialNumber != "" {
		return NormalizeSerial(id.Certificate.SerialNumber)
	}
	return NormalizeSerial(codesign.SerialHex(id.X509))
}

// Entitlements is a property tree of capability declarations.
type Entitlements map[string]interface{}

// Clone returns a shallow copy.
func (e Entitlements) Clone() Entitlements {
	out := make(Entitlements, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// ProvisioningInfo is the resolved output for one bundle.
type ProvisioningInfo struct {
	Bundle       *Bundle
	NewBundleID  string
	Entitlements Entitlements
	Profile      *Mobileprovision
}
