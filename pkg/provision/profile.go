package provision

import (
	"fmt"
	"time"

	"github.com/aluedeke/go-provision/pkg/codesign"
)

// Mobileprovision is the checked digest of a signed provisioning profile.
type Mobileprovision struct {
	Name               string
	UUID               string
	TeamID             string
	ExpirationDate     time.Time
	CertificateSerials map[string]bool
	Entitlements       Entitlements
	// Profile is the decoded plist payload.
	Profile *codesign.ProvisioningProfile
	// Raw is the profile as it was read, written back verbatim.
	Raw []byte
}

// ParseMobileprovision decodes a profile into its digest. Serials are
// normalized.
func ParseMobileprovision(data []byte) (*Mobileprovision, error) {
	p, err := codesign.ParseProvisioningProfile(data)
	if err != nil {
		return nil, err
	}

	m := &Mobileprovision{
		Name:               p.Name,
		UUID:               p.UUID,
		TeamID:             p.GetTeamID(),
		ExpirationDate:     p.ExpirationDate,
		CertificateSerials: make(map[string]bool),
		Entitlements:       Entitlements(p.Entitlements),
		Profile:            p,
		Raw:                append([]byte(nil), data...),
	}
	if m.Entitlements == nil {
		m.Entitlements = Entitlements{}
	}
	for _, serial := range p.CertificateSerials() {
		m.CertificateSerials[NormalizeSerial(serial)] = true
	}
	return m, nil
}

// Expired reports whether the profile is past its expiration date at now.
func (m *Mobileprovision) Expired(now time.Time) bool {
	return m.Profile.IsExpiredAt(now)
}

// AllowsDevice reports whether udid may run apps signed with the profile.
func (m *Mobileprovision) AllowsDevice(udid string) bool {
	return m.Profile.IsDeviceAllowed(udid)
}

// usable checks every condition a profile must meet for reuse. An empty
// udid means no specific device is required.
func (m *Mobileprovision) usable(now time.Time, serial, udid string, required Entitlements) error {
	if m.Expired(now) {
		return fmt.Errorf("profile expired at %s", m.ExpirationDate.Format(time.RFC3339))
	}
	if !m.CertificateSerials[NormalizeSerial(serial)] {
		return fmt.Errorf("profile does not include certificate %s", serial)
	}
	if udid != "" && !m.AllowsDevice(udid) {
		return fmt.Errorf("profile does not include device %s", udid)
	}
	if !Covers(required, m.Entitlements) {
		return fmt.Errorf("profile entitlements do not cover required entitlements")
	}
	return nil
}
