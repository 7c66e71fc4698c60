package codesign

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"howett.net/plist"

	"github.com/remoDevv/Smdnnmsmsm/internal/testutil"
)

// writeApp lays out an extracted archive with Payload/Runner.app and returns
// the extraction root.
func writeApp(t *testing.T, bundleID string) string {
	t.Helper()
	root := t.TempDir()
	app := filepath.Join(root, "Payload", "Runner.app")
	exe, _ := testutil.MachO(testutil.MachOOptions{})
	fw, _ := testutil.MachO(testutil.MachOOptions{FileType: 6, Seed: 1})
	lib, _ := testutil.MachO(testutil.MachOOptions{FileType: 6, Seed: 2})

	testutil.WriteFile(t, filepath.Join(app, "Info.plist"), testutil.InfoPlist(t, bundleID, "Runner"))
	testutil.WriteFile(t, filepath.Join(app, "Runner"), exe)
	testutil.WriteFile(t, filepath.Join(app, "Assets.car"), []byte("assets"))
	testutil.WriteFile(t, filepath.Join(app, "Frameworks/Foo.framework/Info.plist"), testutil.InfoPlist(t, "com.example.Foo", "Foo"))
	testutil.WriteFile(t, filepath.Join(app, "Frameworks/Foo.framework/Foo"), fw)
	testutil.WriteFile(t, filepath.Join(app, "Frameworks/libswiftCore.dylib"), lib)
	return root
}

func readBundleID(t *testing.T, app string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(app, "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	id, _ := info["CFBundleIdentifier"].(string)
	return id
}

func TestOpenAppBundle(t *testing.T) {
	root := writeApp(t, "com.example.original")

	b, err := OpenAppBundle(root)
	if err != nil {
		t.Fatalf("OpenAppBundle failed: %v", err)
	}
	if b.BundleID != "com.example.original" {
		t.Errorf("BundleID = %q", b.BundleID)
	}
	if b.Executable != "Runner" {
		t.Errorf("Executable = %q", b.Executable)
	}
	if b.Path != filepath.Join(root, "Payload", "Runner.app") {
		t.Errorf("Path = %q", b.Path)
	}
}

func TestOpenAppBundle_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, root string)
	}{
		{"no payload", func(t *testing.T, root string) {}},
		{"no app", func(t *testing.T, root string) {
			testutil.WriteFile(t, filepath.Join(root, "Payload/readme.txt"), []byte("x"))
		}},
		{"two apps", func(t *testing.T, root string) {
			testutil.WriteFile(t, filepath.Join(root, "Payload/A.app/Info.plist"), testutil.InfoPlist(t, "a", "A"))
			testutil.WriteFile(t, filepath.Join(root, "Payload/B.app/Info.plist"), testutil.InfoPlist(t, "b", "B"))
		}},
		{"no Info.plist", func(t *testing.T, root string) {
			testutil.WriteFile(t, filepath.Join(root, "Payload/A.app/A"), []byte("x"))
		}},
		{"no bundle id", func(t *testing.T, root string) {
			testutil.WriteFile(t, filepath.Join(root, "Payload/A.app/Info.plist"), testutil.InfoPlist(t, "", "A"))
		}},
		{"no executable", func(t *testing.T, root string) {
			testutil.WriteFile(t, filepath.Join(root, "Payload/A.app/Info.plist"), testutil.InfoPlist(t, "a", ""))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.setup(t, root)
			if _, err := OpenAppBundle(root); KindOf(err) != KindBundle {
				t.Errorf("expected BundleError, got %v", err)
			}
		})
	}
}

func openTestBundle(t *testing.T, bundleID string) *AppBundle {
	t.Helper()
	b, err := OpenAppBundle(writeApp(t, bundleID))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func parseProfile(t *testing.T, opts testutil.ProfileOptions) *ProvisioningProfile {
	t.Helper()
	p, err := ParseProvisioningProfile(testutil.Profile(t, opts))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRewriteBundleID(t *testing.T) {
	tests := []struct {
		name  string
		appID string
		want  string
	}{
		{"explicit", "com.example.new", "com.example.new"},
		{"same", "com.example.original", "com.example.original"},
		{"wildcard", "*", "com.example.original"},
		{"prefix wildcard", "com.example.*", "com.example.original"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := openTestBundle(t, "com.example.original")
			got, err := b.RewriteBundleID(parseProfile(t, testutil.ProfileOptions{AppID: tt.appID}))
			if err != nil {
				t.Fatalf("RewriteBundleID failed: %v", err)
			}
			if got != tt.want || b.BundleID != tt.want {
				t.Errorf("RewriteBundleID() = %q (BundleID %q), want %q", got, b.BundleID, tt.want)
			}
			if onDisk := readBundleID(t, b.Path); onDisk != tt.want {
				t.Errorf("Info.plist holds %q, want %q", onDisk, tt.want)
			}
		})
	}
}

func TestRewriteBundleID_OutsideWildcard(t *testing.T) {
	b := openTestBundle(t, "org.other.app")
	_, err := b.RewriteBundleID(parseProfile(t, testutil.ProfileOptions{AppID: "com.example.*"}))
	if KindOf(err) != KindBundle {
		t.Fatalf("expected BundleError, got %v", err)
	}
	if !strings.Contains(err.Error(), "bundle id mismatch") {
		t.Errorf("unexpected message: %v", err)
	}
	if onDisk := readBundleID(t, b.Path); onDisk != "org.other.app" {
		t.Errorf("Info.plist rewritten to %q", onDisk)
	}
}

func TestRewriteBundleID_KeepsMode(t *testing.T) {
	b := openTestBundle(t, "com.example.original")
	plistPath := filepath.Join(b.Path, "Info.plist")
	if err := os.Chmod(plistPath, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := b.RewriteBundleID(parseProfile(t, testutil.ProfileOptions{AppID: "com.example.new"})); err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(plistPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("Info.plist mode = %o, want 600", st.Mode().Perm())
	}
}

func TestRewriteBundleID_KeepsOtherKeys(t *testing.T) {
	b := openTestBundle(t, "com.example.original")
	if _, err := b.RewriteBundleID(parseProfile(t, testutil.ProfileOptions{AppID: "com.example.new"})); err != nil {
		t.Fatal(err)
	}
	info, _, err := readInfoPlist(b.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info["CFBundleExecutable"] != "Runner" || info["CFBundleShortVersionString"] != "1.0" {
		t.Errorf("other keys lost: %v", info)
	}
}

func TestEmbedProfile(t *testing.T) {
	b := openTestBundle(t, "com.example.original")
	raw := testutil.Profile(t, testutil.ProfileOptions{})
	if err := b.EmbedProfile(raw); err != nil {
		t.Fatalf("EmbedProfile failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(b.Path, "embedded.mobileprovision"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("embedded profile differs from the supplied bytes")
	}
}

func TestLocateBinaries(t *testing.T) {
	b := openTestBundle(t, "com.example.original")
	bins, err := b.LocateBinaries()
	if err != nil {
		t.Fatalf("LocateBinaries failed: %v", err)
	}
	want := []string{"Frameworks/Foo.framework/Foo", "Frameworks/libswiftCore.dylib", "Runner"}
	if !reflect.DeepEqual(bins, want) || !reflect.DeepEqual(b.Binaries, want) {
		t.Errorf("LocateBinaries() = %v, want %v", bins, want)
	}

	empty := t.TempDir()
	testutil.WriteFile(t, filepath.Join(empty, "Payload/A.app/Info.plist"), testutil.InfoPlist(t, "a", "A"))
	testutil.WriteFile(t, filepath.Join(empty, "Payload/A.app/A"), []byte("#!/bin/sh\n"))
	eb, err := OpenAppBundle(empty)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eb.LocateBinaries(); KindOf(err) != KindBinary {
		t.Errorf("expected BinaryError for a bundle without Mach-O files, got %v", err)
	}
}

func TestNestedBundles(t *testing.T) {
	b := openTestBundle(t, "com.example.original")
	for _, dir := range []string{
		"PlugIns/Share.appex/Frameworks/Bar.framework",
		"Watch/Watch.app",
		"PlugIns/Tests.xctest",
		"Resources.bundle",
	} {
		if err := os.MkdirAll(filepath.Join(b.Path, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}

	got, err := b.NestedBundles()
	if err != nil {
		t.Fatalf("NestedBundles failed: %v", err)
	}
	want := []string{
		"PlugIns/Share.appex/Frameworks/Bar.framework",
		"Frameworks/Foo.framework",
		"PlugIns/Share.appex",
		"PlugIns/Tests.xctest",
		"Watch/Watch.app",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NestedBundles() = %v, want %v", got, want)
	}
}

func TestOwnerBundle(t *testing.T) {
	nested := []string{"PlugIns/Share.appex/Frameworks/Bar.framework", "PlugIns/Share.appex"}
	tests := []struct {
		bin  string
		want string
	}{
		{"Runner", ""},
		{"PlugIns/Share.appex/Share", "PlugIns/Share.appex"},
		{"PlugIns/Share.appex/Frameworks/Bar.framework/Bar", "PlugIns/Share.appex/Frameworks/Bar.framework"},
		{"PlugIns/Share.appexx/Other", ""},
	}
	for _, tt := range tests {
		if got := ownerBundle(tt.bin, nested); got != tt.want {
			t.Errorf("ownerBundle(%q) = %q, want %q", tt.bin, got, tt.want)
		}
	}
}

func TestAppBundleSign(t *testing.T) {
	identity := loadTestIdentity(t)
	b := openTestBundle(t, "com.example.resigned")
	if _, err := b.LocateBinaries(); err != nil {
		t.Fatal(err)
	}
	ents := testEntitlements(t)

	var order []string
	err := b.Sign(context.Background(), BundleSignOptions{
		Identity:     identity,
		Entitlements: ents,
		TeamID:       "PROFILE123",
		OnBinary:     func(rel string) { order = append(order, rel) },
	})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	wantOrder := []string{"Frameworks/Foo.framework/Foo", "Frameworks/libswiftCore.dylib", "Runner"}
	if !reflect.DeepEqual(order, wantOrder) {
		t.Errorf("signing order = %v, want %v", order, wantOrder)
	}

	tests := []struct {
		rel        string
		identifier string
		slots      uint32
		resources  string
	}{
		{"Runner", "com.example.resigned", 7, "_CodeSignature/CodeResources"},
		{"Frameworks/Foo.framework/Foo", "com.example.Foo", 5, "Frameworks/Foo.framework/_CodeSignature/CodeResources"},
		{"Frameworks/libswiftCore.dylib", "libswiftCore", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			infos, err := ParseSignature(filepath.Join(b.Path, filepath.FromSlash(tt.rel)))
			if err != nil {
				t.Fatalf("ParseSignature failed: %v", err)
			}
			info := infos[0]
			cd := primaryCD(t, info)
			if cd.Identifier != tt.identifier {
				t.Errorf("identifier = %q, want %q", cd.Identifier, tt.identifier)
			}
			if cd.NSpecialSlots != tt.slots {
				t.Errorf("special slots = %d, want %d", cd.NSpecialSlots, tt.slots)
			}
			if cd.TeamID != "PROFILE123" {
				t.Errorf("team = %q, want the one passed in", cd.TeamID)
			}
			if err := info.VerifyCMS(); err != nil {
				t.Errorf("VerifyCMS failed: %v", err)
			}
			if tt.resources == "" {
				return
			}
			data, err := os.ReadFile(filepath.Join(b.Path, filepath.FromSlash(tt.resources)))
			if err != nil {
				t.Fatalf("CodeResources missing: %v", err)
			}
			sum := sha256.Sum256(data)
			if !bytes.Equal(cd.SpecialHashes[CSSLOT_RESOURCEDIR], sum[:]) {
				t.Error("CodeResources slot does not match the file on disk")
			}
		})
	}

	// The framework is sealed before the app, so the app's seal covers the
	// framework's final bytes.
	var appResources map[string]interface{}
	if _, err := plist.Unmarshal(mustRead(t, filepath.Join(b.Path, "_CodeSignature/CodeResources")), &appResources); err != nil {
		t.Fatal(err)
	}
	files2, _ := appResources["files2"].(map[string]interface{})
	entry, _ := files2["Frameworks/Foo.framework/Foo"].(map[string]interface{})
	hash2, _ := entry["hash2"].([]byte)
	signedFw := sha256.Sum256(mustRead(t, filepath.Join(b.Path, "Frameworks/Foo.framework/Foo")))
	if !bytes.Equal(hash2, signedFw[:]) {
		t.Error("app seal does not cover the signed framework binary")
	}
}

func TestAppBundleSign_MainExecutableNotMachO(t *testing.T) {
	identity := loadTestIdentity(t)
	b := openTestBundle(t, "com.example.resigned")
	testutil.WriteFile(t, filepath.Join(b.Path, "Runner"), []byte("#!/bin/sh\n"))

	err := b.Sign(context.Background(), BundleSignOptions{Identity: identity, Entitlements: testEntitlements(t)})
	if KindOf(err) != KindBinary {
		t.Errorf("expected BinaryError, got %v", err)
	}
}

func TestAppBundleSign_Cancelled(t *testing.T) {
	identity := loadTestIdentity(t)
	b := openTestBundle(t, "com.example.resigned")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Sign(ctx, BundleSignOptions{Identity: identity, Entitlements: testEntitlements(t)}); err == nil {
		t.Error("expected signing to stop on a cancelled context")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
