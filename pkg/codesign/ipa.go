package codesign

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/flate"
)

// ExtractLimits bound what ExtractIPA will unpack. Zero means unlimited.
type ExtractLimits struct {
	MaxBytes   int64
	MaxEntries int
}

// archiveModTime is stamped on every repackaged entry so identical bundles
// produce identical archives.
var archiveModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

var errArchiveTooLarge = errors.New("archive exceeds the uncompressed size limit")

// ExtractIPA unpacks ipaPath into a fresh directory under scratchDir and
// returns that directory.
func ExtractIPA(ctx context.Context, ipaPath, scratchDir string, limits ExtractLimits) (string, error) {
	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		return "", newError(KindBundle, err, "failed to open IPA")
	}
	defer r.Close()

	if limits.MaxEntries > 0 && len(r.File) > limits.MaxEntries {
		return "", newError(KindBundle, nil, "archive has %d entries, limit is %d", len(r.File), limits.MaxEntries)
	}
	var declared uint64
	for _, f := range r.File {
		declared += f.UncompressedSize64
	}
	if limits.MaxBytes > 0 && declared > uint64(limits.MaxBytes) {
		return "", newError(KindBundle, errArchiveTooLarge, "%d bytes declared, limit is %d", declared, limits.MaxBytes)
	}

	root, err := os.MkdirTemp(scratchDir, "ipa-*")
	if err != nil {
		return "", newError(KindBundle, err, "failed to create extraction directory")
	}

	budget := limits.MaxBytes
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(root)
			return "", newError(KindBundle, err, "extraction interrupted")
		}
		n, err := extractZipFile(f, root, budget, limits.MaxBytes > 0)
		if err != nil {
			os.RemoveAll(root)
			return "", newError(KindBundle, err, "failed to extract %s", f.Name)
		}
		budget -= n
	}

	return root, nil
}

// extractZipFile writes one entry below destDir and returns the bytes written.
// The copy is capped at budget when limited, since headers can understate.
func extractZipFile(f *zip.File, destDir string, budget int64, limited bool) (int64, error) {
	name := filepath.FromSlash(f.Name)
	if !filepath.IsLocal(name) {
		return 0, fmt.Errorf("invalid file path: %s", f.Name)
	}
	destPath := filepath.Join(destDir, name)

	mode := f.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		return 0, fmt.Errorf("symbolic links are not allowed")
	case mode.IsDir():
		return 0, os.MkdirAll(destPath, 0755)
	case !mode.IsRegular():
		return 0, fmt.Errorf("unsupported entry type %s", mode.Type())
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, err
	}

	srcFile, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0600)
	if err != nil {
		return 0, err
	}
	defer destFile.Close()

	var src io.Reader = srcFile
	if limited {
		src = io.LimitReader(srcFile, budget+1)
	}
	n, err := io.Copy(destFile, src)
	if err != nil {
		return n, err
	}
	if limited && n > budget {
		return n, errArchiveTooLarge
	}
	return n, destFile.Close()
}

// RepackageIPA zips root into outputPath. Entries are sorted and carry a
// fixed modification time. The archive appears at outputPath only once
// complete.
func RepackageIPA(ctx context.Context, root, outputPath string, level int) error {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return newError(KindPackaging, nil, "invalid compression level %d", level)
	}

	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return newError(KindPackaging, err, "failed to scan bundle")
	}
	sort.Strings(paths)

	out, err := os.CreateTemp(filepath.Dir(outputPath), ".ipa-*")
	if err != nil {
		return newError(KindPackaging, err, "failed to create output file")
	}
	tmpName := out.Name()
	defer func() {
		if tmpName != "" {
			out.Close()
			os.Remove(tmpName)
		}
	}()

	w := zip.NewWriter(out)
	w.RegisterCompressor(zip.Deflate, func(dst io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(dst, level)
	})

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return newError(KindPackaging, err, "packaging interrupted")
		}
		if err := addZipEntry(w, root, p); err != nil {
			return newError(KindPackaging, err, "failed to add %s", p)
		}
	}

	if err := w.Close(); err != nil {
		return newError(KindPackaging, err, "failed to finish archive")
	}
	if err := out.Sync(); err != nil {
		return newError(KindPackaging, err, "failed to sync archive")
	}
	if err := out.Close(); err != nil {
		return newError(KindPackaging, err, "failed to close archive")
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return newError(KindPackaging, err, "failed to move archive into place")
	}
	tmpName = ""
	return nil
}

func addZipEntry(w *zip.Writer, root, p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return err
	}

	header := &zip.FileHeader{
		Name:     filepath.ToSlash(rel),
		Modified: archiveModTime,
	}
	header.SetMode(info.Mode())

	if info.IsDir() {
		header.Name += "/"
		header.Method = zip.Store
		_, err := w.CreateHeader(header)
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("unsupported file type %s", info.Mode().Type())
	}

	header.Method = zip.Deflate
	writer, err := w.CreateHeader(header)
	if err != nil {
		return err
	}

	file, err := os.Open(p)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(writer, file)
	return err
}

// IsZipArchive reports whether path opens as a zip archive.
func IsZipArchive(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	r.Close()
	return true
}
