package codesign

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

var (
	plistStartMarker = []byte("<?xml")
	plistEndMarker   = []byte("</plist>")
)

// ProvisioningProfile represents a parsed .mobileprovision file
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

	// Raw is the container exactly as supplied. It becomes the bundle's
	// embedded.mobileprovision.
	Raw []byte `plist:"-"`
}

// LoadProvisioningProfileFile reads and parses a profile from disk.
func LoadProvisioningProfileFile(path string) (*ProvisioningProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindProfile, err, "failed to read provisioning profile")
	}
	return ParseProvisioningProfile(data)
}

// ParseProvisioningProfile extracts the property list between the first
// "<?xml" and the last "</plist>" of the container. The envelope signature is
// not checked here; see Verify.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	payload, err := profilePayload(data)
	if err != nil {
		return nil, err
	}

	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(payload, &profile); err != nil {
		return nil, newError(KindProfile, err, "failed to parse provisioning profile plist")
	}
	profile.Raw = data
	return &profile, nil
}

func profilePayload(data []byte) ([]byte, error) {
	start := bytes.Index(data, plistStartMarker)
	if start < 0 {
		return nil, newError(KindProfile, nil, "provisioning profile has no %q marker", plistStartMarker)
	}
	end := bytes.LastIndex(data, plistEndMarker)
	if end < start {
		return nil, newError(KindProfile, nil, "provisioning profile has no %q marker", plistEndMarker)
	}
	return data[start : end+len(plistEndMarker)], nil
}

// Verify checks the CMS envelope's signature over the embedded plist.
func (p *ProvisioningProfile) Verify() error {
	p7, err := pkcs7.Parse(p.Raw)
	if err != nil {
		return newError(KindProfile, err, "failed to parse profile envelope")
	}
	if err := p7.Verify(); err != nil {
		return newError(KindProfile, err, "profile envelope signature is invalid")
	}
	return nil
}

// TeamID returns the team identifier from the profile
func (p *ProvisioningProfile) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the team-qualified application-identifier entitlement.
func (p *ProvisioningProfile) ApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// BundleIDFromAppID strips the team prefix from the application identifier,
// so "ABCDE12345.com.example.app" yields "com.example.app". A wildcard
// identifier yields "*" or a "prefix.*" pattern.
func (p *ProvisioningProfile) BundleIDFromAppID() string {
	appID := p.ApplicationIdentifier()
	if appID == "" {
		return ""
	}
	if team := p.TeamID(); team != "" && strings.HasPrefix(appID, team+".") {
		return strings.TrimPrefix(appID, team+".")
	}
	if i := strings.Index(appID, "."); i >= 0 {
		return appID[i+1:]
	}
	return appID
}

// CoversBundleID reports whether the application identifier admits
// bundleID. "*" admits any identifier and "prefix.*" any under the prefix.
func (p *ProvisioningProfile) CoversBundleID(bundleID string) bool {
	pattern := p.BundleIDFromAppID()
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(bundleID, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == bundleID
}

// IsExpired reports whether now is at or past the expiration date.
func (p *ProvisioningProfile) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpirationDate)
}

// IsValid is true only while the profile is unexpired and grants entitlements.
func (p *ProvisioningProfile) IsValid(now time.Time) bool {
	return !p.IsExpired(now) && len(p.Entitlements) > 0
}

// Validate is IsValid with a reason.
func (p *ProvisioningProfile) Validate(now time.Time) error {
	if p.IsExpired(now) {
		return newError(KindProfile, nil, "provisioning profile expired on %s", p.ExpirationDate.UTC().Format(time.RFC3339))
	}
	if len(p.Entitlements) == 0 {
		return newError(KindProfile, nil, "provisioning profile has no entitlements")
	}
	return nil
}

// IsDeviceAllowed checks if a specific device UDID is allowed by this profile
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// Certificates parses and returns the developer certificates from the profile
func (p *ProvisioningProfile) Certificates() ([]*x509.Certificate, error) {
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

// MatchesCertificate checks if the given certificate is one of the profile's
// developer certificates.
func (p *ProvisioningProfile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, certData := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(certData)
		if err != nil {
			continue
		}
		if sameCertificate(cert, profileCert) {
			return true
		}
	}
	return false
}
