// Package testutil builds synthetic signing inputs for tests: identities,
// provisioning profiles, Mach-O images and IPA archives. Nothing here
// touches the network or needs real Apple credentials.
package testutil

import (
	"archive/zip"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"howett.net/plist"
	"software.sslmate.com/src/go-pkcs12"
)

const (
	DefaultTeamID     = "ABCDE12345"
	DefaultCommonName = "Apple Development: Test Signer (ABCDE12345)"
	DefaultPassword   = "secret"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
	rsaKeyErr  error
)

// sharedRSAKey keeps the suite fast; every identity in a test binary shares
// one 2048 bit key.
func sharedRSAKey() (*rsa.PrivateKey, error) {
	rsaKeyOnce.Do(func() {
		rsaKey, rsaKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	return rsaKey, rsaKeyErr
}

// IdentityOptions configures NewIdentity. Zero values pick the defaults.
type IdentityOptions struct {
	CommonName string
	TeamID     string
	Password   string
	ECDSA      bool
	NotAfter   time.Time
}

// Identity is a generated certificate with its PKCS#12 encoding.
type Identity struct {
	P12         []byte
	Password    string
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// NewIdentity generates a self-signed code signing certificate.
func NewIdentity(t testing.TB, opts IdentityOptions) *Identity {
	t.Helper()
	if opts.CommonName == "" {
		opts.CommonName = DefaultCommonName
	}
	if opts.TeamID == "" {
		opts.TeamID = DefaultTeamID
	}
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	var key crypto.Signer
	if opts.ECDSA {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("generate ECDSA key: %v", err)
		}
		key = k
	} else {
		k, err := sharedRSAKey()
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		key = k
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         opts.CommonName,
			Organization:       []string{"Test Org"},
			OrganizationalUnit: []string{opts.TeamID},
			Country:            []string{"US"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    opts.NotAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	p12, err := pkcs12.Modern.Encode(key, cert, nil, opts.Password)
	if err != nil {
		t.Fatalf("encode PKCS#12: %v", err)
	}
	return &Identity{P12: p12, Password: opts.Password, Certificate: cert, Key: key}
}

// WriteP12 stores the container under dir and returns its path.
func (id *Identity) WriteP12(t testing.TB, dir string) string {
	t.Helper()
	return WriteFile(t, filepath.Join(dir, "cert.p12"), id.P12)
}

// ProfileOptions configures Profile.
type ProfileOptions struct {
	Name   string
	TeamID string
	// AppID is the application identifier without the team prefix, for
	// example "com.example.app" or "*".
	AppID      string
	Expiration time.Time
	// Entitlements replace the generated set when non-nil.
	Entitlements map[string]interface{}
	Certificates []*x509.Certificate
}

// Profile returns a provisioning profile: an XML plist between binary junk
// standing in for the CMS envelope.
func Profile(t testing.TB, opts ProfileOptions) []byte {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "Test Profile"
	}
	if opts.TeamID == "" {
		opts.TeamID = DefaultTeamID
	}
	if opts.AppID == "" {
		opts.AppID = "com.example.resigned"
	}
	if opts.Expiration.IsZero() {
		opts.Expiration = time.Now().Add(30 * 24 * time.Hour)
	}
	appID := opts.TeamID + "." + opts.AppID

	ents := opts.Entitlements
	if ents == nil {
		ents = map[string]interface{}{
			"application-identifier":              appID,
			"com.apple.developer.team-identifier": opts.TeamID,
			"get-task-allow":                      true,
			"keychain-access-groups":              []interface{}{opts.TeamID + ".*"},
		}
	}

	devCerts := make([][]byte, 0, len(opts.Certificates))
	for _, c := range opts.Certificates {
		devCerts = append(devCerts, c.Raw)
	}

	payload := map[string]interface{}{
		"Name":                        opts.Name,
		"TeamName":                    "Test Team",
		"TeamIdentifier":              []string{opts.TeamID},
		"AppIDName":                   "Resign Test",
		"ApplicationIdentifierPrefix": []string{opts.TeamID},
		"Entitlements":                ents,
		"DeveloperCertificates":       devCerts,
		"CreationDate":                opts.Expiration.Add(-365 * 24 * time.Hour).UTC(),
		"ExpirationDate":              opts.Expiration.UTC(),
		"UUID":                        "9F5D8C4A-2B1E-4E7F-8A3C-6D0B1E2F3A4B",
		"Platform":                    []string{"iOS"},
		"ProvisionsAllDevices":        false,
		"ProvisionedDevices":          []string{"00008030-000000000000001E"},
	}
	xml, err := plist.MarshalIndent(payload, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}

	out := []byte{0x30, 0x82, 0x1f, 0x00, 0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x02}
	out = append(out, xml...)
	out = append(out, 0xa0, 0x82, 0x0b, 0x3c, 0x30, 0x82, 0x04, 0x22, 0x00, 0x01)
	return out
}

// WriteProfile stores a profile under dir and returns its path.
func WriteProfile(t testing.TB, dir string, data []byte) string {
	t.Helper()
	return WriteFile(t, filepath.Join(dir, "profile.mobileprovision"), data)
}

// MachOOptions configures MachO.
type MachOOptions struct {
	// CPU defaults to arm64.
	CPU uint32
	// FileType defaults to MH_EXECUTE; use MH_DYLIB (6) for libraries.
	FileType uint32
	// TextSize is the size of the __text section, default 0x2400.
	TextSize int
	// Signed adds a stale LC_CODE_SIGNATURE and blob at the end of the file.
	Signed bool
	// NoRoom makes section data start right after the load commands.
	NoRoom bool
	// Seed varies the code bytes between otherwise identical images.
	Seed byte
}

const (
	cpuArm64     = 0x0100000c
	mhMagic64    = 0xfeedfacf
	mhExecute    = 2
	lcSegment64  = 0x19
	lcCodeSig    = 0x1d
	segCmdSize   = 72
	sectSize     = 80
	textVMAddr   = 0x100000000
	linkeditSize = 0x230
	staleSigSize = 0x120
)

// Layout describes where MachO placed things.
type Layout struct {
	TextFileSize  uint64
	LinkeditOff   uint64
	SectionOffset uint64
	// UnsignedSize is the file length before any signature.
	UnsignedSize uint64
}

// MachO builds a little-endian 64-bit image with a __TEXT segment holding
// one section and a __LINKEDIT segment.
func MachO(opts MachOOptions) ([]byte, Layout) {
	if opts.CPU == 0 {
		opts.CPU = cpuArm64
	}
	if opts.FileType == 0 {
		opts.FileType = mhExecute
	}
	if opts.TextSize == 0 {
		opts.TextSize = 0x2400
	}

	ncmds := uint32(2)
	sizeofcmds := uint32(segCmdSize + sectSize + segCmdSize)
	if opts.Signed {
		ncmds++
		sizeofcmds += 16
	}
	cmdsEnd := uint64(32 + sizeofcmds)

	sectOff := uint64(0x400)
	if opts.NoRoom {
		sectOff = cmdsEnd
	}
	textSeg := alignUp(sectOff+uint64(opts.TextSize), 0x1000)
	linkOff := textSeg
	unsigned := linkOff + linkeditSize

	total := unsigned
	sigOff := uint64(0)
	if opts.Signed {
		sigOff = alignUp(unsigned, 16)
		total = sigOff + staleSigSize
	}

	le := binary.LittleEndian
	buf := make([]byte, total)
	le.PutUint32(buf[0:], mhMagic64)
	le.PutUint32(buf[4:], opts.CPU)
	le.PutUint32(buf[8:], 0)
	le.PutUint32(buf[12:], opts.FileType)
	le.PutUint32(buf[16:], ncmds)
	le.PutUint32(buf[20:], sizeofcmds)
	le.PutUint32(buf[24:], 0x00200085)

	off := uint64(32)
	// __TEXT
	putSegment(buf[off:], "__TEXT", textVMAddr, textSeg, 0, textSeg, 5, 1)
	s := buf[off+segCmdSize:]
	copy(s[0:16], "__text")
	copy(s[16:32], "__TEXT")
	le.PutUint64(s[32:], textVMAddr+sectOff)
	le.PutUint64(s[40:], uint64(opts.TextSize))
	le.PutUint32(s[48:], uint32(sectOff))
	le.PutUint32(s[52:], 2)
	le.PutUint32(s[64:], 0x80000400)
	off += segCmdSize + sectSize

	// __LINKEDIT
	linkFile := total - linkOff
	putSegment(buf[off:], "__LINKEDIT", textVMAddr+textSeg, alignUp(linkFile, 0x1000), linkOff, linkFile, 1, 0)
	off += segCmdSize

	if opts.Signed {
		le.PutUint32(buf[off:], lcCodeSig)
		le.PutUint32(buf[off+4:], 16)
		le.PutUint32(buf[off+8:], uint32(sigOff))
		le.PutUint32(buf[off+12:], staleSigSize)
		// an empty SuperBlob standing in for the old signature
		binary.BigEndian.PutUint32(buf[sigOff:], 0xfade0cc0)
		binary.BigEndian.PutUint32(buf[sigOff+4:], 12)
	}

	for i := sectOff; i < sectOff+uint64(opts.TextSize); i++ {
		buf[i] = byte(i*7) ^ opts.Seed ^ 0x5a
	}
	for i := linkOff; i < unsigned; i++ {
		buf[i] = byte(i * 13)
	}

	return buf, Layout{
		TextFileSize:  textSeg,
		LinkeditOff:   linkOff,
		SectionOffset: sectOff,
		UnsignedSize:  unsigned,
	}
}

func putSegment(b []byte, name string, vmaddr, vmsize, fileoff, filesize uint64, prot uint32, nsects uint32) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], lcSegment64)
	le.PutUint32(b[4:], segCmdSize+nsects*sectSize)
	copy(b[8:24], name)
	le.PutUint64(b[24:], vmaddr)
	le.PutUint64(b[32:], vmsize)
	le.PutUint64(b[40:], fileoff)
	le.PutUint64(b[48:], filesize)
	le.PutUint32(b[56:], prot)
	le.PutUint32(b[60:], prot)
	le.PutUint32(b[64:], nsects)
}

// Fat wraps thin little-endian images in a big-endian fat header with
// 0x4000 aligned slices.
func Fat(slices ...[]byte) []byte {
	const align = 0x4000
	header := 8 + 20*len(slices)
	offsets := make([]uint64, len(slices))
	cur := uint64(header)
	for i, s := range slices {
		cur = alignUp(cur, align)
		offsets[i] = cur
		cur += uint64(len(s))
	}

	be := binary.BigEndian
	out := make([]byte, cur)
	be.PutUint32(out[0:], 0xcafebabe)
	be.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		e := out[8+20*i:]
		be.PutUint32(e[0:], binary.LittleEndian.Uint32(s[4:]))
		be.PutUint32(e[4:], binary.LittleEndian.Uint32(s[8:]))
		be.PutUint32(e[8:], uint32(offsets[i]))
		be.PutUint32(e[12:], uint32(len(s)))
		be.PutUint32(e[16:], 14)
		copy(out[offsets[i]:], s)
	}
	return out
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// InfoPlist returns an XML Info.plist for a bundle.
func InfoPlist(t testing.TB, bundleID, executable string) []byte {
	t.Helper()
	data, err := plist.MarshalIndent(map[string]interface{}{
		"CFBundleIdentifier":         bundleID,
		"CFBundleExecutable":         executable,
		"CFBundleName":               executable,
		"CFBundlePackageType":        "APPL",
		"CFBundleShortVersionString": "1.0",
	}, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("marshal Info.plist: %v", err)
	}
	return data
}

// ZipEntry is one member of a generated archive. A zero Mode means 0644.
type ZipEntry struct {
	Name string
	Data []byte
	Mode fs.FileMode
}

// AppEntries returns the entries of Payload/<name>.app with an Info.plist, a
// main executable and one resource.
func AppEntries(t testing.TB, name, bundleID string, executable []byte) []ZipEntry {
	t.Helper()
	dir := "Payload/" + name + ".app/"
	return []ZipEntry{
		{Name: dir + "Info.plist", Data: InfoPlist(t, bundleID, name)},
		{Name: dir + name, Data: executable, Mode: 0755},
		{Name: dir + "Assets.car", Data: []byte("compiled assets")},
		{Name: dir + "en.lproj/Localizable.strings", Data: []byte(`"hello" = "Hello";`)},
	}
}

// WriteZip writes entries, sorted by name, to path.
func WriteZip(t testing.TB, path string, entries []ZipEntry) string {
	t.Helper()
	sorted := append([]ZipEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for _, e := range sorted {
		h := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
		mode := e.Mode
		if mode == 0 {
			mode = 0644
		}
		h.SetMode(mode)
		fw, err := w.CreateHeader(h)
		if err != nil {
			t.Fatalf("add %s: %v", e.Name, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			t.Fatalf("write %s: %v", e.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(t testing.TB, path string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
