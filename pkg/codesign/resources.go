package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

const codeResourcesPath = "_CodeSignature/CodeResources"

// GenerateCodeResources builds the _CodeSignature/CodeResources plist for the
// bundle at bundleDir. Every file is hashed, nested bundle contents included,
// except the bundle's own executable and CodeResources.
func GenerateCodeResources(bundleDir string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	execName := bundleExecutable(bundleDir)

	err := filepath.WalkDir(bundleDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(bundleDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel == codeResourcesPath || (execName != "" && rel == execName) || shouldOmit(rel) {
			return nil
		}

		hash, hash2, err := hashFileBoth(p)
		if err != nil {
			return err
		}

		optional := isOptional(rel)
		if optional {
			files[rel] = map[string]interface{}{
				"hash":     hash,
				"optional": true,
			}
		} else {
			files[rel] = hash
		}

		if !shouldOmitFromFiles2(rel) {
			entry := map[string]interface{}{
				"hash":  hash,
				"hash2": hash2,
			}
			if optional {
				entry["optional"] = true
			}
			files2[rel] = entry
		}
		return nil
	})
	if err != nil {
		return nil, newError(KindBundle, err, "failed to hash bundle resources")
	}

	codeResources := map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  defaultRules(),
		"rules2": defaultRules2(),
	}

	data, err := plist.MarshalIndent(codeResources, plist.XMLFormat, "\t")
	if err != nil {
		return nil, newError(KindBundle, err, "failed to marshal CodeResources")
	}
	return data, nil
}

// WriteCodeResources generates CodeResources, writes it into the bundle and
// returns the bytes so they can be hashed into the executable's signature.
func WriteCodeResources(bundleDir string) ([]byte, error) {
	data, err := GenerateCodeResources(bundleDir)
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(bundleDir, filepath.FromSlash(codeResourcesPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, newError(KindBundle, err, "failed to create _CodeSignature directory")
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return nil, newError(KindBundle, err, "failed to write CodeResources")
	}
	return data, nil
}

// hashFileBoth returns the SHA-1 and SHA-256 of a file in one read.
func hashFileBoth(p string) ([]byte, []byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	h1 := sha1.New()
	h2 := sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h2), f); err != nil {
		return nil, nil, err
	}
	return h1.Sum(nil), h2.Sum(nil), nil
}

// isNestedBundle reports whether a directory name is a separately signed bundle.
func isNestedBundle(name string) bool {
	switch path.Ext(name) {
	case ".framework", ".xctest", ".appex", ".app":
		return true
	}
	return false
}

func shouldOmit(rel string) bool {
	base := path.Base(rel)
	switch {
	case base == ".DS_Store":
		return true
	case strings.HasPrefix(base, "._"):
		return true
	case rel == ".git" || strings.HasPrefix(rel, ".git/") || strings.Contains(rel, "/.git/"):
		return true
	case strings.HasSuffix(rel, ".lproj/locversion.plist"):
		return true
	}
	return false
}

func isOptional(rel string) bool {
	return strings.Contains(rel, ".lproj/")
}

// shouldOmitFromFiles2 matches the omit rules2 carries for Info.plist and PkgInfo.
func shouldOmitFromFiles2(rel string) bool {
	return rel == "Info.plist" || rel == "PkgInfo"
}

// Weights are float64 so they serialize as <real>.
func defaultRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func defaultRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
