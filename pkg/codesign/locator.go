package codesign

import (
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/blacktop/go-macho/types"
)

const magicFat64 uint32 = 0xcafebabf

// machOMagics are the first four bytes, read big-endian, of every thin and
// universal Mach-O layout. Thin images come in either byte order; fat headers
// are always big-endian.
var machOMagics = map[uint32]bool{
	uint32(types.Magic32):         true,
	uint32(types.Magic64):         true,
	swap32(uint32(types.Magic32)): true,
	swap32(uint32(types.Magic64)): true,
	uint32(types.MagicFat):        true,
	magicFat64:                    true,
}

func swap32(v uint32) uint32 {
	return v>>24 | (v>>8)&0xff00 | (v<<8)&0xff0000 | v<<24
}

// IsMachO reports whether the file at path starts with a Mach-O magic number.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return machOMagics[binary.BigEndian.Uint32(magic[:])]
}

// FindMachOBinaries returns the slash separated, root relative paths of every
// Mach-O file under root, sorted. File extensions are ignored.
func FindMachOBinaries(root string) ([]string, error) {
	var binaries []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !IsMachO(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		binaries = append(binaries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, newError(KindBundle, err, "failed to scan bundle for binaries")
	}

	sort.Strings(binaries)
	return binaries, nil
}
