package codesign

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/go-macho/types"
)

// Code signature constants from Apple's cs_blobs.h
const (
	pageSizeBits = 12
	pageSize     = 1 << pageSizeBits

	CSMAGIC_REQUIREMENT               = 0xfade0c00
	CSMAGIC_REQUIREMENTS              = 0xfade0c01
	CSMAGIC_CODEDIRECTORY             = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE        = 0xfade0cc0
	CSMAGIC_EMBEDDED_ENTITLEMENTS     = 0xfade7171
	CSMAGIC_EMBEDDED_ENTITLEMENTS_DER = 0xfade7172
	CSMAGIC_BLOBWRAPPER               = 0xfade0b01

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_INFOSLOT                  = 1
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_RESOURCEDIR               = 3
	CSSLOT_APPLICATION               = 4
	CSSLOT_ENTITLEMENTS              = 5
	CSSLOT_ENTITLEMENTS_DER          = 7
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_CMS_SIGNATURE             = 0x10000

	CS_HASHTYPE_SHA1   = 1
	CS_HASHTYPE_SHA256 = 2

	CS_EXECSEG_MAIN_BINARY    = 0x1
	CS_EXECSEG_ALLOW_UNSIGNED = 0x10

	codeDirectoryVersion    = 0x20400
	codeDirectoryHeaderSize = 88

	// cmsReserve is the room left for the CMS blob, which is only known
	// after the CodeDirectory has been hashed into place.
	cmsReserve = 16384

	// hashCheckInterval is how many pages are hashed between context checks.
	hashCheckInterval = 64
)

// SignOptions carries everything needed to sign one binary.
type SignOptions struct {
	Identity *SigningIdentity

	// Identifier is the CodeDirectory identifier, usually the bundle id.
	Identifier string
	// TeamID defaults to the identity's team.
	TeamID string

	// Entitlements is an XML plist. Nil means no entitlement blobs at all,
	// which is what loose dylibs get.
	Entitlements []byte

	// InfoPlist and CodeResources are hashed into special slots 1 and 3.
	InfoPlist     []byte
	CodeResources []byte
}

func (o *SignOptions) teamID() string {
	if o.TeamID != "" {
		return o.TeamID
	}
	if o.Identity != nil {
		return o.Identity.TeamID
	}
	return ""
}

// SignFile signs the Mach-O at path in place. The file is replaced through a
// rename, so a failure leaves the original untouched.
func SignFile(ctx context.Context, path string, opts SignOptions) error {
	st, err := os.Stat(path)
	if err != nil {
		return &Error{Kind: KindBinary, Stage: StageParse, Detail: filepath.Base(path), Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Kind: KindBinary, Stage: StageParse, Detail: filepath.Base(path), Err: err}
	}

	signed, err := SignData(ctx, data, opts)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Detail = filepath.Base(path) + ": " + e.Detail
		}
		return err
	}

	if err := writeFileAtomic(path, signed, st.Mode().Perm()); err != nil {
		return signingError(StageWrite, err, "%s", filepath.Base(path))
	}
	return nil
}

// SignData returns a signed copy of a thin or universal Mach-O image. Every
// slice of a universal image is signed independently.
func SignData(ctx context.Context, data []byte, opts SignOptions) ([]byte, error) {
	if opts.Identity == nil || opts.Identity.Closed() {
		return nil, signingError(StageCMS, nil, "no usable signing identity")
	}
	if opts.Identifier == "" {
		return nil, signingError(StageAssemble, nil, "empty code identifier")
	}

	img, err := parseImage(data)
	if err != nil {
		return nil, &Error{Kind: KindBinary, Stage: StageParse, Detail: "not a signable Mach-O image", Err: err}
	}

	if img.kind != imageFat {
		return signThin(ctx, data, opts)
	}

	slices := make([][]byte, len(img.slices))
	for i, s := range img.slices {
		signed, err := signThin(ctx, data[s.Offset:s.Offset+s.Size], opts)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Detail = fmt.Sprintf("%s slice: %s", s.CPU, e.Detail)
			}
			return nil, err
		}
		slices[i] = signed
	}
	return buildFat(img, slices), nil
}

// signThin embeds a fresh signature into a single-architecture image.
func signThin(ctx context.Context, data []byte, opts SignOptions) ([]byte, error) {
	layout, err := parseThin(data)
	if err != nil {
		return nil, &Error{Kind: KindBinary, Stage: StageParse, Detail: "malformed Mach-O", Err: err}
	}
	if !layout.hasLinkedit {
		return nil, signingError(StageAttach, nil, "image has no %s segment", segmentNameLink)
	}

	bo := layout.bo
	sigCmdOffset := layout.sigCmdOffset
	codeLimit := layout.codeLimit(len(data))
	if !layout.hasSignature {
		codeLimit = alignUp(codeLimit, 16)
		sigCmdOffset = layout.commandsEnd()
		room := layout.firstSectionOffset
		if room == 0 {
			room = codeLimit
		}
		if uint64(sigCmdOffset)+codeSigCmdSize > room {
			return nil, signingError(StageAttach, nil,
				"no room for LC_CODE_SIGNATURE: load commands end at 0x%x, section data starts at 0x%x",
				sigCmdOffset, room)
		}
	}
	if codeLimit > 0xffffffff {
		return nil, signingError(StageAttach, nil, "image too large to sign (%d bytes)", codeLimit)
	}

	blobs, err := newSignatureBlobs(layout, opts)
	if err != nil {
		return nil, err
	}
	nPages := (codeLimit + pageSize - 1) / pageSize
	cdSize := blobs.codeDirectorySize(nPages)
	sigSize := alignUp(uint64(blobs.superBlobSize(cdSize))+cmsReserve, pageSize)

	// Patch every byte the CodeDirectory covers before any of it is hashed.
	code := make([]byte, codeLimit)
	copy(code, data[:min(uint64(len(data)), codeLimit)])

	if !layout.hasSignature {
		bo.PutUint32(code[16:], layout.header.NCommands+1)
		bo.PutUint32(code[20:], layout.header.SizeCommands+codeSigCmdSize)
		bo.PutUint32(code[sigCmdOffset:], uint32(types.LC_CODE_SIGNATURE))
		bo.PutUint32(code[sigCmdOffset+4:], codeSigCmdSize)
	}
	bo.PutUint32(code[sigCmdOffset+8:], uint32(codeLimit))
	bo.PutUint32(code[sigCmdOffset+12:], uint32(sigSize))

	linkFileSize := codeLimit + sigSize - layout.linkedit.fileOff
	linkVMSize := alignUp(linkFileSize, pageSize)
	seg := layout.linkedit.cmdOffset
	if layout.is64 {
		bo.PutUint64(code[seg+32:], linkVMSize)
		bo.PutUint64(code[seg+48:], linkFileSize)
	} else {
		bo.PutUint32(code[seg+28:], uint32(linkVMSize))
		bo.PutUint32(code[seg+36:], uint32(linkFileSize))
	}

	pageHashes, err := hashPages(ctx, code)
	if err != nil {
		return nil, err
	}

	cd := blobs.buildCodeDirectory(layout, codeLimit, pageHashes)
	if uint32(len(cd)) != cdSize {
		return nil, signingError(StageAssemble, nil, "code directory is %d bytes, expected %d", len(cd), cdSize)
	}

	cms, err := buildCMSSignature(cd, opts.Identity)
	if err != nil {
		return nil, signingError(StageCMS, err, "failed to sign code directory")
	}

	super := blobs.buildSuperBlob(cd, cms)
	if uint64(len(super)) > sigSize {
		return nil, signingError(StageAttach, nil, "signature is %d bytes, reserved %d", len(super), sigSize)
	}

	out := make([]byte, codeLimit+sigSize)
	copy(out, code)
	copy(out[codeLimit:], super)
	return out, nil
}

// hashPages returns the SHA-256 of every 4 KiB page of code, the last page
// possibly short.
func hashPages(ctx context.Context, code []byte) ([][]byte, error) {
	n := (len(code) + pageSize - 1) / pageSize
	hashes := make([][]byte, 0, n)
	for p := 0; p < len(code); p += pageSize {
		if len(hashes)%hashCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, signingError(StageHash, err, "hashing interrupted")
			}
		}
		end := min(p+pageSize, len(code))
		sum := sha256.Sum256(code[p:end])
		hashes = append(hashes, sum[:])
	}
	return hashes, nil
}

// signatureBlobs are the parts of a signature that do not depend on the
// page hashes.
type signatureBlobs struct {
	identifier string
	teamID     string

	requirements []byte
	entitlements []byte
	entDER       []byte

	infoPlist     []byte
	codeResources []byte

	nSpecialSlots uint32
	execSegFlags  uint64
}

func newSignatureBlobs(layout *thinLayout, opts SignOptions) (*signatureBlobs, error) {
	b := &signatureBlobs{
		identifier:    opts.Identifier,
		teamID:        opts.teamID(),
		infoPlist:     opts.InfoPlist,
		codeResources: opts.CodeResources,
	}

	signerCN := ""
	if opts.Identity.Certificate != nil {
		signerCN = opts.Identity.Certificate.Subject.CommonName
	}
	b.requirements = buildRequirementsBlob(opts.Identifier, signerCN)

	b.nSpecialSlots = CSSLOT_REQUIREMENTS
	if len(opts.CodeResources) > 0 {
		b.nSpecialSlots = CSSLOT_RESOURCEDIR
	}

	if opts.Entitlements != nil {
		ents, err := ParseEntitlementsXML(opts.Entitlements)
		if err != nil {
			return nil, signingError(StageAssemble, err, "invalid entitlements")
		}
		b.entitlements = buildEntitlementsBlob(opts.Entitlements)
		b.nSpecialSlots = CSSLOT_ENTITLEMENTS

		if len(ents) > 0 {
			der, err := buildEntitlementsDERBlob(opts.Entitlements)
			if err != nil {
				return nil, signingError(StageAssemble, err, "failed to encode DER entitlements")
			}
			b.entDER = der
			b.nSpecialSlots = CSSLOT_ENTITLEMENTS_DER
		}

		if allow, _ := ents["get-task-allow"].(bool); allow && layout.header.Type == types.MH_EXECUTE {
			b.execSegFlags = CS_EXECSEG_MAIN_BINARY | CS_EXECSEG_ALLOW_UNSIGNED
		}
	}
	return b, nil
}

func (b *signatureBlobs) hashOffset() uint32 {
	off := uint32(codeDirectoryHeaderSize) + uint32(len(b.identifier)+1)
	if b.teamID != "" {
		off += uint32(len(b.teamID) + 1)
	}
	return off + b.nSpecialSlots*sha256.Size
}

func (b *signatureBlobs) codeDirectorySize(nPages uint64) uint32 {
	return b.hashOffset() + uint32(nPages)*sha256.Size
}

// entries lists the non-CMS blobs in SuperBlob order.
func (b *signatureBlobs) entries(cd []byte) []blobEntry {
	e := []blobEntry{
		{CSSLOT_CODEDIRECTORY, cd},
		{CSSLOT_REQUIREMENTS, b.requirements},
	}
	if b.entitlements != nil {
		e = append(e, blobEntry{CSSLOT_ENTITLEMENTS, b.entitlements})
	}
	if b.entDER != nil {
		e = append(e, blobEntry{CSSLOT_ENTITLEMENTS_DER, b.entDER})
	}
	return e
}

// superBlobSize is the SuperBlob size without the CMS payload.
func (b *signatureBlobs) superBlobSize(cdSize uint32) uint32 {
	entries := b.entries(nil)
	size := uint32(12 + 8*(len(entries)+1))
	size += cdSize
	for _, e := range entries[1:] {
		size += uint32(len(e.data))
	}
	return size
}

type blobEntry struct {
	slot uint32
	data []byte
}

func (b *signatureBlobs) buildCodeDirectory(layout *thinLayout, codeLimit uint64, pageHashes [][]byte) []byte {
	identOff := uint32(codeDirectoryHeaderSize)
	teamOff := uint32(0)
	if b.teamID != "" {
		teamOff = identOff + uint32(len(b.identifier)+1)
	}
	hashOff := b.hashOffset()
	cdLen := hashOff + uint32(len(pageHashes))*sha256.Size

	var execBase, execLimit uint64
	if layout.hasText {
		execBase, execLimit = layout.text.fileOff, layout.text.fileSize
	}

	cd := make([]byte, cdLen)
	outp := cd
	outp = put32be(outp, CSMAGIC_CODEDIRECTORY)
	outp = put32be(outp, cdLen)
	outp = put32be(outp, codeDirectoryVersion)
	outp = put32be(outp, 0) // flags
	outp = put32be(outp, hashOff)
	outp = put32be(outp, identOff)
	outp = put32be(outp, b.nSpecialSlots)
	outp = put32be(outp, uint32(len(pageHashes)))
	outp = put32be(outp, uint32(codeLimit))
	outp = put8(outp, sha256.Size)
	outp = put8(outp, CS_HASHTYPE_SHA256)
	outp = put8(outp, 0) // platform
	outp = put8(outp, pageSizeBits)
	outp = put32be(outp, 0) // spare2
	outp = put32be(outp, 0) // scatterOffset
	outp = put32be(outp, teamOff)
	outp = put32be(outp, 0) // spare3
	outp = put64be(outp, 0) // codeLimit64
	outp = put64be(outp, execBase)
	outp = put64be(outp, execLimit)
	outp = put64be(outp, b.execSegFlags)

	outp = puts(outp, []byte(b.identifier+"\x00"))
	if b.teamID != "" {
		outp = puts(outp, []byte(b.teamID+"\x00"))
	}

	// Special slots are stored in reverse, highest slot first.
	for slot := b.nSpecialSlots; slot >= 1; slot-- {
		outp = puts(outp, b.specialSlotHash(slot))
	}
	for _, h := range pageHashes {
		outp = puts(outp, h)
	}
	return cd
}

func (b *signatureBlobs) specialSlotHash(slot uint32) []byte {
	switch slot {
	case CSSLOT_INFOSLOT:
		return computeHash(b.infoPlist)
	case CSSLOT_REQUIREMENTS:
		return computeHash(b.requirements)
	case CSSLOT_RESOURCEDIR:
		return computeHash(b.codeResources)
	case CSSLOT_ENTITLEMENTS:
		return computeHash(b.entitlements)
	case CSSLOT_ENTITLEMENTS_DER:
		return computeHash(b.entDER)
	default:
		return make([]byte, sha256.Size)
	}
}

func (b *signatureBlobs) buildSuperBlob(cd, cms []byte) []byte {
	entries := append(b.entries(cd), blobEntry{CSSLOT_CMS_SIGNATURE, cms})

	size := 12 + 8*len(entries)
	for _, e := range entries {
		size += len(e.data)
	}

	super := make([]byte, size)
	outp := super
	outp = put32be(outp, CSMAGIC_EMBEDDED_SIGNATURE)
	outp = put32be(outp, uint32(size))
	outp = put32be(outp, uint32(len(entries)))

	off := 12 + 8*len(entries)
	for _, e := range entries {
		outp = put32be(outp, e.slot)
		outp = put32be(outp, uint32(off))
		off += len(e.data)
	}
	for _, e := range entries {
		outp = puts(outp, e.data)
	}
	return super
}

// computeHash is the SHA-256 of data. Absent data hashes to zeros.
func computeHash(data []byte) []byte {
	if len(data) == 0 {
		return make([]byte, sha256.Size)
	}
	h := sha256.Sum256(data)
	return h[:]
}

func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}

// writeFileAtomic replaces path with data via a synced temp file in the same
// directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}
