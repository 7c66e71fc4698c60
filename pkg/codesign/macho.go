package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

const (
	fatSliceAlign   = 0x4000
	maxFatArches    = 32
	codeSigCmdSize  = 16
	segmentNameText = "__TEXT"
	segmentNameLink = "__LINKEDIT"
)

// imageKind is the header shape of a Mach-O file.
type imageKind int

const (
	imageThin32 imageKind = iota
	imageThin64
	imageFat
)

func (k imageKind) String() string {
	switch k {
	case imageThin32:
		return "thin32"
	case imageThin64:
		return "thin64"
	default:
		return "fat"
	}
}

// sliceView locates one architecture inside a file. Thin files have a single
// view covering the whole file.
type sliceView struct {
	Offset uint64
	Size   uint64
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Align  uint32
}

// image is a parsed Mach-O container.
type image struct {
	kind   imageKind
	fat64  bool
	slices []sliceView
}

// parseImage classifies data and normalizes it into slice views.
func parseImage(data []byte) (*image, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("file too short for a Mach-O header")
	}
	switch binary.BigEndian.Uint32(data) {
	case uint32(types.MagicFat):
		return parseFat(data)
	case magicFat64:
		return parseFat64(data)
	}

	layout, err := parseThin(data)
	if err != nil {
		return nil, err
	}
	kind := imageThin32
	if layout.is64 {
		kind = imageThin64
	}
	return &image{
		kind: kind,
		slices: []sliceView{{
			Offset: 0,
			Size:   uint64(len(data)),
			CPU:    layout.header.CPU,
			SubCPU: layout.header.SubCPU,
		}},
	}, nil
}

// fatArch64 is a fat_arch_64 entry. go-macho only reads the 32-bit table.
type fatArch64 struct {
	CPU      types.CPU
	SubCPU   types.CPUSubtype
	Offset   uint64
	Size     uint64
	Align    uint32
	Reserved uint32
}

// readFatArches reads the architecture table and checks that every slice
// lies inside data.
func readFatArches(data []byte, fat64 bool) ([]sliceView, error) {
	r := bytes.NewReader(data)
	var hdr struct {
		Magic uint32
		NArch uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("fat header truncated")
	}
	if hdr.NArch == 0 || hdr.NArch > maxFatArches {
		return nil, fmt.Errorf("implausible fat architecture count %d", hdr.NArch)
	}

	views := make([]sliceView, 0, hdr.NArch)
	for i := uint32(0); i < hdr.NArch; i++ {
		var s sliceView
		if fat64 {
			var a fatArch64
			if err := binary.Read(r, binary.BigEndian, &a); err != nil {
				return nil, fmt.Errorf("fat architecture table truncated")
			}
			s = sliceView{Offset: a.Offset, Size: a.Size, CPU: a.CPU, SubCPU: a.SubCPU, Align: a.Align}
		} else {
			var a macho.FatArchHeader
			if err := binary.Read(r, binary.BigEndian, &a); err != nil {
				return nil, fmt.Errorf("fat architecture table truncated")
			}
			s = sliceView{Offset: uint64(a.Offset), Size: uint64(a.Size), CPU: a.CPU, SubCPU: a.SubCPU, Align: a.Align}
		}
		if s.Size == 0 || s.Offset > uint64(len(data)) || s.Size > uint64(len(data))-s.Offset {
			return nil, fmt.Errorf("architecture %d (%s) lies outside the file", i, s.CPU)
		}
		views = append(views, s)
	}
	return views, nil
}

// parseFat reads a universal image through go-macho. The library parses every
// embedded signature it finds, so it is handed a copy with the old
// signatures blanked.
func parseFat(data []byte) (*image, error) {
	views, err := readFatArches(data, false)
	if err != nil {
		return nil, err
	}

	scrubbed := bytes.Clone(data)
	for i, s := range views {
		if err := scrubSignature(scrubbed[s.Offset : s.Offset+s.Size]); err != nil {
			return nil, fmt.Errorf("architecture %d (%s): %w", i, s.CPU, err)
		}
	}

	fat, err := macho.NewFatFile(bytes.NewReader(scrubbed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse fat binary: %w", err)
	}
	defer fat.Close()

	img := &image{kind: imageFat}
	for i, arch := range fat.Arches {
		s := views[i]
		if _, err := newThinLayout(arch.File, data[s.Offset:s.Offset+s.Size]); err != nil {
			return nil, fmt.Errorf("architecture %d (%s): %w", i, arch.CPU, err)
		}
		img.slices = append(img.slices, s)
	}
	return img, nil
}

func parseFat64(data []byte) (*image, error) {
	views, err := readFatArches(data, true)
	if err != nil {
		return nil, err
	}
	img := &image{kind: imageFat, fat64: true}
	for i, s := range views {
		if _, err := parseThin(data[s.Offset : s.Offset+s.Size]); err != nil {
			return nil, fmt.Errorf("architecture %d (%s): %w", i, s.CPU, err)
		}
		img.slices = append(img.slices, s)
	}
	return img, nil
}

// buildFat lays signed slices out behind a fresh fat header of the source's
// flavor.
func buildFat(src *image, slices [][]byte) []byte {
	entrySize := binary.Size(macho.FatArchHeader{})
	if src.fat64 {
		entrySize = binary.Size(fatArch64{})
	}
	headerSize := 8 + len(slices)*entrySize
	offsets := make([]uint64, len(slices))
	cur := uint64(headerSize)
	for i, s := range slices {
		align := uint64(fatSliceAlign)
		if a := src.slices[i].Align; a > 0 && a < 32 && uint64(1)<<a > align {
			align = uint64(1) << a
		}
		cur = alignUp(cur, align)
		offsets[i] = cur
		cur += uint64(len(s))
	}

	out := make([]byte, cur)
	bo := binary.BigEndian
	magic := uint32(types.MagicFat)
	if src.fat64 {
		magic = magicFat64
	}
	bo.PutUint32(out[0:], magic)
	bo.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		e := out[8+i*entrySize:]
		view := src.slices[i]
		bo.PutUint32(e[0:], uint32(view.CPU))
		bo.PutUint32(e[4:], uint32(view.SubCPU))
		if src.fat64 {
			bo.PutUint64(e[8:], offsets[i])
			bo.PutUint64(e[16:], uint64(len(s)))
			bo.PutUint32(e[24:], view.Align)
		} else {
			bo.PutUint32(e[8:], uint32(offsets[i]))
			bo.PutUint32(e[12:], uint32(len(s)))
			bo.PutUint32(e[16:], view.Align)
		}
		copy(out[offsets[i]:], s)
	}
	return out
}

// segmentInfo records a segment command and where it sits in the file.
type segmentInfo struct {
	name      string
	cmdOffset uint32
	fileOff   uint64
	fileSize  uint64
	vmSize    uint64
}

// thinLayout is everything the signer needs to know about one thin image.
type thinLayout struct {
	bo         binary.ByteOrder
	is64       bool
	header     types.FileHeader
	headerSize uint32

	text        segmentInfo
	hasText     bool
	linkedit    segmentInfo
	hasLinkedit bool
	segments    []segmentInfo

	// firstSectionOffset is the lowest file offset of any section's data,
	// bounding the space available for load commands.
	firstSectionOffset uint64

	sigCmdOffset uint32
	sigOffset    uint32
	sigSize      uint32
	hasSignature bool
}

func (l *thinLayout) commandsEnd() uint32 {
	return l.headerSize + l.header.SizeCommands
}

// codeLimit is the length of the unsigned region.
func (l *thinLayout) codeLimit(fileSize int) uint64 {
	if l.hasSignature {
		return uint64(l.sigOffset)
	}
	return uint64(fileSize)
}

// parseThin parses a single-architecture image with go-macho.
func parseThin(data []byte) (*thinLayout, error) {
	off, size, found, err := findSignature(data)
	if err != nil {
		return nil, err
	}
	parsed := data
	if found {
		parsed = bytes.Clone(data)
		clear(parsed[off : off+size])
	}

	m, err := macho.NewFile(bytes.NewReader(parsed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	return newThinLayout(m, data)
}

// newThinLayout records the load commands of m and checks them against the
// raw bytes they were parsed from.
func newThinLayout(m *macho.File, data []byte) (*thinLayout, error) {
	l := &thinLayout{
		bo:         m.ByteOrder,
		is64:       m.Magic == types.Magic64,
		header:     m.FileHeader,
		headerSize: types.FileHeaderSize32,
	}
	if l.is64 {
		l.headerSize = types.FileHeaderSize64
	}

	off := l.headerSize
	for _, load := range m.Loads {
		if uint64(off)+8 > uint64(l.commandsEnd()) || types.LoadCmd(l.bo.Uint32(data[off:])) != load.Command() {
			return nil, fmt.Errorf("load command table is inconsistent at 0x%x", off)
		}
		switch cmd := load.(type) {
		case *macho.Segment:
			info := segmentInfo{
				name:      cmd.Name,
				cmdOffset: off,
				fileOff:   cmd.Offset,
				fileSize:  cmd.Filesz,
				vmSize:    cmd.Memsz,
			}
			l.segments = append(l.segments, info)
			switch cmd.Name {
			case segmentNameText:
				l.text, l.hasText = info, true
			case segmentNameLink:
				l.linkedit, l.hasLinkedit = info, true
			}
		case *macho.CodeSignature:
			l.sigCmdOffset = off
			l.sigOffset = cmd.Offset
			l.sigSize = cmd.Size
			l.hasSignature = true
		}
		off += uint32(len(load.Raw()))
	}

	for _, sect := range m.Sections {
		// zerofill sections have no file data
		if sect.Offset == 0 || sect.Size == 0 {
			continue
		}
		if l.firstSectionOffset == 0 || uint64(sect.Offset) < l.firstSectionOffset {
			l.firstSectionOffset = uint64(sect.Offset)
		}
	}

	if err := l.checkBounds(len(data)); err != nil {
		return nil, err
	}
	return l, nil
}

// checkBounds rejects layouts whose patching would run outside the file.
// __LINKEDIT owns the signature, so only it may extend past the code limit.
func (l *thinLayout) checkBounds(fileSize int) error {
	if l.hasSignature && l.sigOffset < l.commandsEnd() {
		return fmt.Errorf("code signature at 0x%x overlaps the load commands", l.sigOffset)
	}
	limit := l.codeLimit(fileSize)
	for _, s := range l.segments {
		bound := limit
		if s.name == segmentNameLink {
			bound = uint64(fileSize)
		}
		if s.fileSize > 0 && (s.fileOff > bound || s.fileSize > bound-s.fileOff) {
			return fmt.Errorf("segment %s (0x%x+0x%x) extends past 0x%x", s.name, s.fileOff, s.fileSize, bound)
		}
	}
	if l.hasLinkedit && l.linkedit.fileOff > limit {
		return fmt.Errorf("%s starts at 0x%x, past the end of code at 0x%x", segmentNameLink, l.linkedit.fileOff, limit)
	}
	return nil
}

// thinHeader returns the byte order and header size of a thin image.
func thinHeader(data []byte) (binary.ByteOrder, uint32, error) {
	if len(data) < types.FileHeaderSize32 {
		return nil, 0, fmt.Errorf("file too short for a Mach-O header")
	}
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch types.Magic(bo.Uint32(data)) {
		case types.Magic32:
			return bo, types.FileHeaderSize32, nil
		case types.Magic64:
			if len(data) < types.FileHeaderSize64 {
				return nil, 0, fmt.Errorf("file too short for a 64-bit Mach-O header")
			}
			return bo, types.FileHeaderSize64, nil
		}
	}
	return nil, 0, fmt.Errorf("unknown magic 0x%08x", binary.BigEndian.Uint32(data))
}

// findSignature locates the LC_CODE_SIGNATURE payload. It runs ahead of
// go-macho, which allocates and reads whatever the command points at.
func findSignature(data []byte) (off, size uint32, found bool, err error) {
	bo, headerSize, err := thinHeader(data)
	if err != nil {
		return 0, 0, false, err
	}
	ncmds := bo.Uint32(data[16:])
	end := uint64(headerSize) + uint64(bo.Uint32(data[20:]))
	if end > uint64(len(data)) {
		return 0, 0, false, fmt.Errorf("load commands (%d bytes) extend past end of file", end-uint64(headerSize))
	}

	cur := uint64(headerSize)
	for i := uint32(0); i < ncmds && cur+8 <= end; i++ {
		cmd := types.LoadCmd(bo.Uint32(data[cur:]))
		n := uint64(bo.Uint32(data[cur+4:]))
		if n < 8 || cur+n > end {
			return 0, 0, false, fmt.Errorf("load command %d has invalid size %d", i, n)
		}
		if cmd == types.LC_CODE_SIGNATURE && n >= codeSigCmdSize {
			off, size = bo.Uint32(data[cur+8:]), bo.Uint32(data[cur+12:])
			if uint64(off) < end {
				return 0, 0, false, fmt.Errorf("code signature at 0x%x overlaps the load commands", off)
			}
			if uint64(off)+uint64(size) > uint64(len(data)) {
				return 0, 0, false, fmt.Errorf("code signature 0x%x+0x%x beyond end of file", off, size)
			}
			return off, size, true, nil
		}
		cur += n
	}
	return 0, 0, false, nil
}

// scrubSignature zeroes the signature payload of a thin image in place.
func scrubSignature(data []byte) error {
	off, size, found, err := findSignature(data)
	if err != nil || !found {
		return err
	}
	clear(data[off : off+size])
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
