package codesign

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ProvisioningProfile represents a parsed .mobileprovision / .provisionprofile file
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile parses a provisioning profile.
// The file is a CMS (PKCS#7) signed container with a plist payload
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}
	if len(p7.Content) == 0 {
		return nil, fmt.Errorf("PKCS#7 container has no content")
	}

	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}

	return &profile, nil
}

// GetTeamID returns the team identifier from the profile
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements.
// macOS profiles use the com.apple. prefixed key.
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	for _, key := range []string{"application-identifier", "com.apple.application-identifier"} {
		if appID, ok := p.Entitlements[key].(string); ok {
			return appID
		}
	}
	return ""
}

// IsExpiredAt reports whether the profile has expired at the given instant
func (p *ProvisioningProfile) IsExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpirationDate)
}

// IsExpired checks if the provisioning profile has expired
func (p *ProvisioningProfile) IsExpired() bool {
	return p.IsExpiredAt(time.Now())
}

// IsDeviceAllowed checks if a specific device UDID is allowed by this profile.
// UDIDs are compared case-insensitively.
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	// Enterprise/distribution profiles provision all devices
	if p.ProvisionsAllDevices {
		return true
	}

	for _, device := range p.ProvisionedDevices {
		if strings.EqualFold(device, udid) {
			return true
		}
	}
	return false
}

// GetCertificates parses and returns the developer certificates from the profile
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// CertificateSerials returns the hex serial numbers of every developer
// certificate that parses. Unparseable entries are skipped.
func (p *ProvisioningProfile) CertificateSerials() []string {
	serials := make([]string, 0, len(p.DeveloperCertificates))
	for _, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		serials = append(serials, SerialHex(cert))
	}
	return serials
}

// SerialHex formats a certificate serial number the way the developer
// services API reports it: uppercase hexadecimal.
func SerialHex(cert *x509.Certificate) string {
	if cert == nil || cert.SerialNumber == nil {
		return ""
	}
	return fmt.Sprintf("%X", cert.SerialNumber)
}
