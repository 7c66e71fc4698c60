package codesign

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"
)

const (
	infoPlistName       = "Info.plist"
	embeddedProfileName = "embedded.mobileprovision"
	codeSignatureDir    = "_CodeSignature"
)

// AppBundle is the application inside an extracted IPA.
type AppBundle struct {
	// Root is the extraction directory holding Payload/.
	Root string
	// Path is the .app directory.
	Path string

	BundleID   string
	Executable string

	// Binaries are Mach-O files relative to Path, slash separated and sorted.
	Binaries []string
}

// OpenAppBundle finds Payload/*.app under root and reads its Info.plist.
func OpenAppBundle(root string) (*AppBundle, error) {
	payload := filepath.Join(root, "Payload")
	entries, err := os.ReadDir(payload)
	if err != nil {
		return nil, newError(KindBundle, err, "archive has no Payload directory")
	}

	var apps []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".app") {
			apps = append(apps, e.Name())
		}
	}
	switch len(apps) {
	case 0:
		return nil, newError(KindBundle, nil, "no .app bundle found in Payload directory")
	case 1:
	default:
		return nil, newError(KindBundle, nil, "Payload holds %d app bundles: %s", len(apps), strings.Join(apps, ", "))
	}

	b := &AppBundle{Root: root, Path: filepath.Join(payload, apps[0])}
	info, _, err := readInfoPlist(b.Path)
	if err != nil {
		return nil, err
	}
	b.BundleID, _ = info["CFBundleIdentifier"].(string)
	b.Executable, _ = info["CFBundleExecutable"].(string)
	if b.BundleID == "" {
		return nil, newError(KindBundle, nil, "Info.plist has no CFBundleIdentifier")
	}
	if b.Executable == "" {
		return nil, newError(KindBundle, nil, "Info.plist has no CFBundleExecutable")
	}
	return b, nil
}

// RewriteBundleID points CFBundleIdentifier at the profile's application
// identifier. Wildcard profiles keep the existing identifier when it falls
// under the wildcard. The new identifier is returned.
func (b *AppBundle) RewriteBundleID(profile *ProvisioningProfile) (string, error) {
	target := profile.BundleIDFromAppID()
	if strings.Contains(target, "*") {
		if !profile.CoversBundleID(b.BundleID) {
			return "", newError(KindBundle, nil, "bundle id mismatch: %s is outside %s", b.BundleID, target)
		}
		return b.BundleID, nil
	}
	if target == "" || target == b.BundleID {
		return b.BundleID, nil
	}

	plistPath := filepath.Join(b.Path, infoPlistName)
	st, err := os.Stat(plistPath)
	if err != nil {
		return "", newError(KindBundle, err, "failed to stat %s", infoPlistName)
	}
	info, format, err := readInfoPlist(b.Path)
	if err != nil {
		return "", err
	}
	info["CFBundleIdentifier"] = target

	var data []byte
	if format == plist.XMLFormat {
		data, err = plist.MarshalIndent(info, format, "\t")
	} else {
		data, err = plist.Marshal(info, format)
	}
	if err != nil {
		return "", newError(KindBundle, err, "failed to encode Info.plist")
	}
	if err := writeFileAtomic(plistPath, data, st.Mode().Perm()); err != nil {
		return "", newError(KindBundle, err, "failed to write Info.plist")
	}

	b.BundleID = target
	return target, nil
}

// EmbedProfile writes raw as the bundle's embedded.mobileprovision.
func (b *AppBundle) EmbedProfile(raw []byte) error {
	if err := os.WriteFile(filepath.Join(b.Path, embeddedProfileName), raw, 0644); err != nil {
		return newError(KindBundle, err, "failed to write %s", embeddedProfileName)
	}
	return nil
}

// LocateBinaries fills Binaries. A bundle without any Mach-O file is a
// BinaryError.
func (b *AppBundle) LocateBinaries() ([]string, error) {
	bins, err := FindMachOBinaries(b.Path)
	if err != nil {
		return nil, err
	}
	if len(bins) == 0 {
		return nil, newError(KindBinary, nil, "no Mach-O binaries found in %s", filepath.Base(b.Path))
	}
	b.Binaries = bins
	return bins, nil
}

// NestedBundles returns every separately signed bundle directory below the
// app (frameworks, extensions, test bundles, watch apps), relative and
// deepest first.
func (b *AppBundle) NestedBundles() ([]string, error) {
	var bundles []string
	err := filepath.WalkDir(b.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || p == b.Path {
			return nil
		}
		if isNestedBundle(d.Name()) {
			rel, err := filepath.Rel(b.Path, p)
			if err != nil {
				return err
			}
			bundles = append(bundles, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, newError(KindBundle, err, "failed to scan for nested bundles")
	}

	sort.Slice(bundles, func(i, j int) bool {
		di, dj := strings.Count(bundles[i], "/"), strings.Count(bundles[j], "/")
		if di != dj {
			return di > dj
		}
		return bundles[i] < bundles[j]
	})
	return bundles, nil
}

// BundleSignOptions configures AppBundle.Sign.
type BundleSignOptions struct {
	Identity *SigningIdentity
	// Entitlements are applied to the main executable only. Nested bundle
	// executables get an empty dictionary and loose binaries none.
	Entitlements []byte
	// TeamID is written into every CodeDirectory. Empty means the team of
	// the signing certificate.
	TeamID string
	// OnBinary, when set, is called before each binary is signed.
	OnBinary func(rel string)
}

// Sign signs every located binary. Nested bundles go first, deepest first,
// each with its loose binaries, then its CodeResources, then its executable.
// The app's own executable is signed last.
func (b *AppBundle) Sign(ctx context.Context, opts BundleSignOptions) error {
	if b.Binaries == nil {
		if _, err := b.LocateBinaries(); err != nil {
			return err
		}
	}
	nested, err := b.NestedBundles()
	if err != nil {
		return err
	}

	owned := make(map[string][]string)
	for _, bin := range b.Binaries {
		owner := ownerBundle(bin, nested)
		owned[owner] = append(owned[owner], bin)
	}

	for _, dir := range nested {
		if err := b.signBundleDir(ctx, dir, owned[dir], EmptyEntitlements(), opts); err != nil {
			return err
		}
	}
	return b.signBundleDir(ctx, "", owned[""], opts.Entitlements, opts)
}

// signBundleDir signs the binaries owned by the bundle at rel ("" for the
// app itself).
func (b *AppBundle) signBundleDir(ctx context.Context, rel string, bins []string, entitlements []byte, opts BundleSignOptions) error {
	dir := b.Path
	if rel != "" {
		dir = filepath.Join(b.Path, filepath.FromSlash(rel))
	}
	isMain := rel == ""

	info, _, err := readInfoPlist(dir)
	if err != nil && isMain {
		return err
	}
	execName, _ := info["CFBundleExecutable"].(string)
	if execName == "" && !isMain {
		execName = strings.TrimSuffix(path.Base(rel), path.Ext(rel))
	}
	identifier, _ := info["CFBundleIdentifier"].(string)
	if identifier == "" {
		identifier = execName
	}

	execRel := execName
	if rel != "" {
		execRel = rel + "/" + execName
	}

	hasExec := false
	for _, bin := range bins {
		if bin == execRel {
			hasExec = true
			continue
		}
		if err := b.signLoose(ctx, bin, opts); err != nil {
			return err
		}
	}

	if !hasExec {
		if isMain {
			return newError(KindBinary, nil, "main executable %s is missing or not a Mach-O file", execName)
		}
		// resource-only bundle
		return nil
	}

	if err := os.RemoveAll(filepath.Join(dir, codeSignatureDir)); err != nil {
		return newError(KindBundle, err, "failed to remove old signature of %s", filepath.Base(dir))
	}
	resources, err := WriteCodeResources(dir)
	if err != nil {
		return err
	}
	infoData, _ := os.ReadFile(filepath.Join(dir, infoPlistName))

	if opts.OnBinary != nil {
		opts.OnBinary(execRel)
	}
	return SignFile(ctx, filepath.Join(b.Path, filepath.FromSlash(execRel)), SignOptions{
		Identity:      opts.Identity,
		Identifier:    identifier,
		TeamID:        opts.TeamID,
		Entitlements:  entitlements,
		InfoPlist:     infoData,
		CodeResources: resources,
	})
}

// signLoose signs a binary that is not a bundle executable, such as a
// standalone dylib, under its file name.
func (b *AppBundle) signLoose(ctx context.Context, rel string, opts BundleSignOptions) error {
	if opts.OnBinary != nil {
		opts.OnBinary(rel)
	}
	base := path.Base(rel)
	identifier := strings.TrimSuffix(base, path.Ext(base))
	if identifier == "" {
		identifier = base
	}
	return SignFile(ctx, filepath.Join(b.Path, filepath.FromSlash(rel)), SignOptions{
		Identity:   opts.Identity,
		Identifier: identifier,
		TeamID:     opts.TeamID,
	})
}

// ownerBundle returns the deepest nested bundle containing bin, or "".
func ownerBundle(bin string, nested []string) string {
	owner := ""
	for _, dir := range nested {
		if strings.HasPrefix(bin, dir+"/") && len(dir) > len(owner) {
			owner = dir
		}
	}
	return owner
}

// bundleExecutable returns CFBundleExecutable of the bundle at dir, or "".
func bundleExecutable(dir string) string {
	info, _, err := readInfoPlist(dir)
	if err != nil {
		return ""
	}
	name, _ := info["CFBundleExecutable"].(string)
	return name
}

func readInfoPlist(dir string) (map[string]interface{}, int, error) {
	data, err := os.ReadFile(filepath.Join(dir, infoPlistName))
	if err != nil {
		return nil, 0, newError(KindBundle, err, "failed to read %s", infoPlistName)
	}
	var info map[string]interface{}
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		return nil, 0, newError(KindBundle, err, "failed to parse %s", infoPlistName)
	}
	return info, format, nil
}
