package codesign

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Apple Root CA certificate (DER-encoded, base64)
const appleRootCABase64 = `MIIEuzCCA6OgAwIBAgIBAjANBgkqhkiG9w0BAQUFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMDYwNDI1MjE0MDM2WhcNMzUwMjA5MjE0MDM2WjBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwggEiMA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQDkkakJH5HbHkdQ6wXtXnmELes2oldMVeyLGYne+Uts9QerIjAC6Bg++FAJ039BqJj50cpmnCRrEdCju+QbKsMflZ56DKRHi1vUFjczy8QPTc4UadHJGXL1XQ7Vf1+b8iUDulWPTV0N8WQ1IxVLFVkds5T39pyez1C6wVhQZ48ItCD3y6wsIG9wtj8BMIy3Q88PnT3zK0koGsj+zrW5DtleHNbLPbU6rfQPDgCSC7EhFi501TwN22IWq6NxkkdTVcGvL0Gz+PvjcM3mo0xFfh9Ma1CWQYnEdGILEINBhzOKgbEwWOxaBDKMaLOPHd5lc/9nXmW8Sdh2nzMUZaF3lMktAgMBAAGjggF6MIIBdjAOBgNVHQ8BAf8EBAMCAQYwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUK9BpR5R2Cf70a40uQKb3R01/CF4wHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wggERBgNVHSAEggEIMIIBBDCCAQAGCSqGSIb3Y2QFATCB8jAqBggrBgEFBQcCARYeaHR0cHM6Ly93d3cuYXBwbGUuY29tL2FwcGxlY2EvMIHDBggrBgEFBQcCAjCBthqBs1JlbGlhbmNlIG9uIHRoaXMgY2VydGlmaWNhdGUgYnkgYW55IHBhcnR5IGFzc3VtZXMgYWNjZXB0YW5jZSBvZiB0aGUgdGhlbiBhcHBsaWNhYmxlIHN0YW5kYXJkIHRlcm1zIGFuZCBjb25kaXRpb25zIG9mIHVzZSwgY2VydGlmaWNhdGUgcG9saWN5IGFuZCBjZXJ0aWZpY2F0aW9uIHByYWN0aWNlIHN0YXRlbWVudHMuMA0GCSqGSIb3DQEBBQUAA4IBAQBcNplMLXi37Yyb3PN3m/J20ncwT8EfhYOFG5k9RzfyqZtAjizUsZAS2L70c5vu0mQPy3lPNNiiPvl4/2vIB+x9OYOLUyDTOMSxv5pPCmv/K/xZpwUJfBdAVhEedNO3iyM7R6PVbyTi69G3cN8PReEnyvFteO3ntRcXqNx+IjXKJdXZD9Zr1KIkIxH3oayPc4FgxhtbCS+SsvhESPBgOJ4V9T0mZyCKM2r3DYLP3uujL/lTaltkwGMzd/c6ByxW69oPIQ7aunMZT7XZNn/Bh1XZp5m5MkL72NVxnn6hUrcbvZNCJBIqxw8dtk2cXmPIS4AXUKqK1drk/NAJBzewdXUh`

// Apple Worldwide Developer Relations Certification Authority - G3 (DER-encoded, base64)
const appleWWDRG3Base64 = `MIIEUTCCAzmgAwIBAgIQfK9pCiW3Of57m0R6wXjF7jANBgkqhkiG9w0BAQsFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMjAwMjE5MTgxMzQ3WhcNMzAwMjIwMDAwMDAwWjB1MUQwQgYDVQQDDDtBcHBsZSBXb3JsZHdpZGUgRGV2ZWxvcGVyIFJlbGF0aW9ucyBDZXJ0aWZpY2F0aW9uIEF1dGhvcml0eTELMAkGA1UECwwCRzMxEzARBgNVBAoMCkFwcGxlIEluYy4xCzAJBgNVBAYTAlVTMIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA2PWJ/KhZC4fHTJEuLVaQ03gdpDDppUjvC0O/LYT7JF1FG+XrWTYSXFRknmxiLbTGl8rMPPbWBpH85QKmHGq0edVny6zpPwcR4YS8Rx1mjjmi6LRJ7TrS4RBgeo6TjMrA2gzAg9Dj+ZHWp4zIwXPirkbRYp2SqJBgN31ols2N4Pyb+ni743uvLRfdW/6AWSN1F7gSwe0b5TTO/iK1nkmw5VW/j4SiPKi6xYaVFuQAyZ8D0MyzOhZ71gVcnetHrg21LYwOaU1A0EtMOwSejSGxrC5DVDDOwYqGlJhL32oNP/77HK6XF8J4CjDgXx9UO0m3JQAaN4LSVpelUkl8YDib7wIDAQABo4HvMIHsMBIGA1UdEwEB/wQIMAYBAf8CAQAwHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wRAYIKwYBBQUHAQEEODA2MDQGCCsGAQUFBzABhihodHRwOi8vb2NzcC5hcHBsZS5jb20vb2NzcDAzLWFwcGxlcm9vdGNhMC4GA1UdHwQnMCUwI6AhoB+GHWh0dHA6Ly9jcmwuYXBwbGUuY29tL3Jvb3QuY3JsMB0GA1UdDgQWBBQJ/sAVkPmvZAqSErkmKGMMl+ynsjAOBgNVHQ8BAf8EBAMCAQYwEAYKKoZIhvdjZAYCAQQCBQAwDQYJKoZIhvcNAQELBQADggEBAK1lE+j24IF3RAJHQr5fpTkg6mKp/cWQyXMT1Z6b0KoPjY3L7QHPbChAW8dVJEH4/M/BtSPp3Ozxb8qAHXfCxGFJJWevD8o5Ja3T43rMMygNDi6hV0Bz+uZcrgZRKe3jhQxPYdwyFot30ETKXXIDMUacrptAGvr04NM++i+MZp+XxFRZ79JI9AeZSWBZGcfdlNHAwWx/eCHvDOs7bJmCS1JgOLU5gm3sUjFTvg+RTElJdI+mUcuER04ddSduvfnSXPN/wmwLCTbiZOTCNwMUGdXqapSqqdv+9poIZ4vvK7iqF0mDr8/LvOnP6pVxsLRFoszlh6oKw0E6eVzaUDSdlTs=`

// appleCACertificates returns WWDR G3 followed by the Apple Root CA.
func appleCACertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, enc := range []string{appleWWDRG3Base64, appleRootCABase64} {
		der, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode Apple CA: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Apple CA: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// SigningIdentity is an RSA private key and the certificate it signs for.
// The key is owned exclusively by the identity and destroyed by Close.
type SigningIdentity struct {
	Certificate *x509.Certificate
	CertChain   []*x509.Certificate
	TeamID      string

	key *rsa.PrivateKey
}

// CertificateInfo is the printable summary of a signing certificate.
type CertificateInfo struct {
	CommonName   string    `yaml:"common_name" json:"common_name"`
	Organization string    `yaml:"organization" json:"organization"`
	TeamID       string    `yaml:"team_id" json:"team_id"`
	Serial       string    `yaml:"serial" json:"serial"`
	NotAfter     time.Time `yaml:"not_after" json:"not_after"`
}

// LoadSigningIdentityFile reads a PKCS#12 container from disk. The container
// bytes are wiped once decoded.
func LoadSigningIdentityFile(path, password string) (*SigningIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(KindCertificate, err, "failed to read certificate container")
	}
	defer wipe(data)
	return LoadSigningIdentity(data, password)
}

// LoadSigningIdentity decodes a PKCS#12 container. Only RSA keys are accepted.
func LoadSigningIdentity(p12Data []byte, password string) (*SigningIdentity, error) {
	if len(p12Data) == 0 {
		return nil, newError(KindCertificate, nil, "certificate container is empty")
	}

	privateKey, cert, caCerts, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		if errors.Is(err, gop12.ErrIncorrectPassword) {
			return nil, newError(KindCertificate, err, "incorrect certificate password")
		}
		return nil, newError(KindCertificate, err, "failed to decode PKCS#12 container")
	}

	rsaKey, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, newError(KindCertificate, nil, "unsupported private key type %T: only RSA keys are supported", privateKey)
	}

	identity := &SigningIdentity{
		Certificate: cert,
		CertChain:   append([]*x509.Certificate{cert}, caCerts...),
		TeamID:      extractTeamID(cert),
		key:         rsaKey,
	}

	if err := identity.checkKeyMatchesCertificate(); err != nil {
		identity.Close()
		return nil, err
	}

	// Complete the chain for the CMS signature when the container only
	// carries the leaf.
	if len(identity.CertChain) < 3 {
		appleCerts, err := appleCACertificates()
		if err != nil {
			identity.Close()
			return nil, newError(KindCertificate, err, "failed to build certificate chain")
		}
		identity.CertChain = append([]*x509.Certificate{cert}, appleCerts...)
	}

	return identity, nil
}

func (s *SigningIdentity) checkKeyMatchesCertificate() error {
	pub, ok := s.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return newError(KindCertificate, nil, "certificate public key is %T, expected RSA", s.Certificate.PublicKey)
	}
	sample := []byte("signing identity check")
	sig, err := s.Sign(sample)
	if err != nil {
		return newError(KindCertificate, err, "private key cannot sign")
	}
	digest := sha256.Sum256(sample)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return newError(KindCertificate, err, "private key does not match certificate")
	}
	return nil
}

// Sign returns an RSA PKCS#1 v1.5 signature over the SHA-256 digest of data.
func (s *SigningIdentity) Sign(data []byte) ([]byte, error) {
	if s.key == nil {
		return nil, newError(KindCertificate, nil, "signing identity is closed")
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}

// privateKey hands the key to the CMS builder, which needs the concrete type.
func (s *SigningIdentity) privateKey() (*rsa.PrivateKey, error) {
	if s.key == nil {
		return nil, newError(KindCertificate, nil, "signing identity is closed")
	}
	return s.key, nil
}

// Closed reports whether Close has destroyed the key.
func (s *SigningIdentity) Closed() bool {
	return s.key == nil
}

// Close zeroes the private key material. It is safe to call more than once.
func (s *SigningIdentity) Close() {
	if s == nil || s.key == nil {
		return
	}
	zeroInt(s.key.D)
	for _, p := range s.key.Primes {
		zeroInt(p)
	}
	zeroInt(s.key.Precomputed.Dp)
	zeroInt(s.key.Precomputed.Dq)
	zeroInt(s.key.Precomputed.Qinv)
	for _, crt := range s.key.Precomputed.CRTValues {
		zeroInt(crt.Exp)
		zeroInt(crt.Coeff)
		zeroInt(crt.R)
	}
	s.key = nil
}

// Info summarizes the leaf certificate.
func (s *SigningIdentity) Info() CertificateInfo {
	info := CertificateInfo{
		CommonName: s.Certificate.Subject.CommonName,
		TeamID:     s.TeamID,
		Serial:     s.Certificate.SerialNumber.String(),
		NotAfter:   s.Certificate.NotAfter,
	}
	if len(s.Certificate.Subject.Organization) > 0 {
		info.Organization = s.Certificate.Subject.Organization[0]
	}
	return info
}

func zeroInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func extractTeamID(cert *x509.Certificate) string {
	// Apple team ids are the 10 character OU
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}

// sameCertificate compares DER bytes.
func sameCertificate(a, b *x509.Certificate) bool {
	return a != nil && b != nil && bytes.Equal(a.Raw, b.Raw)
}
