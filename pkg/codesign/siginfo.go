package codesign

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"go.mozilla.org/pkcs7"
)

// SignatureInfo is the embedded signature of one architecture, read back.
type SignatureInfo struct {
	CPU          string
	CodeLimit    uint32 // LC_CODE_SIGNATURE dataoff
	SignatureLen uint32 // LC_CODE_SIGNATURE datasize

	SuperBlob       SuperBlobInfo
	CodeDirs        []CodeDirectoryInfo
	Requirements    []byte
	Entitlements    EntitlementsInfo
	EntitlementsDER []byte
	CMSSignature    CMSInfo
}

// SuperBlobInfo contains SuperBlob header information
type SuperBlobInfo struct {
	Magic     uint32
	Length    uint32
	BlobCount uint32
	Blobs     []BlobIndexEntry
}

// BlobIndexEntry represents a single blob in the SuperBlob index
type BlobIndexEntry struct {
	Type   uint32
	Offset uint32
	Size   uint32
	Magic  uint32
}

// CodeDirectoryInfo contains CodeDirectory details
type CodeDirectoryInfo struct {
	Slot          uint32
	Version       uint32
	Flags         uint32
	HashType      uint8
	HashSize      uint8
	Identifier    string
	TeamID        string
	PageSize      uint32
	CodeLimit     uint32
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
	NSpecialSlots uint32
	NCodeSlots    uint32
	SpecialHashes map[int][]byte // slot number -> hash, zero hashes left out
	CodeHashes    [][]byte

	// Raw is the blob as embedded; its SHA-256 is the CDHash.
	Raw []byte
}

// CDHash is the full SHA-256 of the CodeDirectory.
func (cd *CodeDirectoryInfo) CDHash() []byte {
	h := sha256.Sum256(cd.Raw)
	return h[:]
}

// EntitlementsInfo contains entitlements details
type EntitlementsInfo struct {
	XML    []byte
	Parsed map[string]interface{}
}

// CMSInfo contains CMS signature details
type CMSInfo struct {
	SignerCN     string
	SignerTeamID string
	Certificates int
	RawData      []byte
}

// ParseSignature reads the signatures of every architecture in a Mach-O file.
func ParseSignature(binaryPath string) ([]*SignatureInfo, error) {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, newError(KindBinary, err, "failed to read binary")
	}
	return ParseSignatureFromData(data)
}

// ParseSignatureFromData parses the signature of each slice of data.
func ParseSignatureFromData(data []byte) ([]*SignatureInfo, error) {
	img, err := parseImage(data)
	if err != nil {
		return nil, &Error{Kind: KindBinary, Stage: StageParse, Detail: "not a Mach-O image", Err: err}
	}

	var infos []*SignatureInfo
	for _, s := range img.slices {
		info, err := parseSliceSignature(data[s.Offset : s.Offset+s.Size])
		if err != nil {
			return nil, newError(KindBinary, err, "%s slice", s.CPU)
		}
		info.CPU = s.CPU.String()
		infos = append(infos, info)
	}
	return infos, nil
}

func parseSliceSignature(slice []byte) (*SignatureInfo, error) {
	layout, err := parseThin(slice)
	if err != nil {
		return nil, err
	}
	if !layout.hasSignature {
		return nil, fmt.Errorf("no code signature found")
	}
	end := uint64(layout.sigOffset) + uint64(layout.sigSize)
	if end > uint64(len(slice)) {
		return nil, fmt.Errorf("code signature extends beyond file")
	}
	sigData := slice[layout.sigOffset:end]

	info := &SignatureInfo{CodeLimit: layout.sigOffset, SignatureLen: layout.sigSize}
	if len(sigData) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}

	info.SuperBlob.Magic = binary.BigEndian.Uint32(sigData[0:4])
	info.SuperBlob.Length = binary.BigEndian.Uint32(sigData[4:8])
	info.SuperBlob.BlobCount = binary.BigEndian.Uint32(sigData[8:12])
	if info.SuperBlob.Magic != CSMAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", info.SuperBlob.Magic)
	}
	if uint64(len(sigData)) < 12+uint64(info.SuperBlob.BlobCount)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	var cms []byte
	for i := uint32(0); i < info.SuperBlob.BlobCount; i++ {
		entryOffset := 12 + i*8
		blobType := binary.BigEndian.Uint32(sigData[entryOffset:])
		blobOffset := binary.BigEndian.Uint32(sigData[entryOffset+4:])

		entry := BlobIndexEntry{Type: blobType, Offset: blobOffset}
		if uint64(blobOffset)+8 <= uint64(len(sigData)) {
			entry.Magic = binary.BigEndian.Uint32(sigData[blobOffset:])
			entry.Size = binary.BigEndian.Uint32(sigData[blobOffset+4:])
		}
		info.SuperBlob.Blobs = append(info.SuperBlob.Blobs, entry)

		if entry.Size < 8 || uint64(blobOffset)+uint64(entry.Size) > uint64(len(sigData)) {
			continue
		}
		blob := sigData[blobOffset : blobOffset+entry.Size]

		switch {
		case blobType == CSSLOT_CODEDIRECTORY || (blobType >= CSSLOT_ALTERNATE_CODEDIRECTORIES && blobType < CSSLOT_ALTERNATE_CODEDIRECTORIES+5):
			cd, err := parseCodeDirectory(blob, blobType)
			if err != nil {
				return nil, err
			}
			info.CodeDirs = append(info.CodeDirs, *cd)
		case blobType == CSSLOT_REQUIREMENTS:
			info.Requirements = blob
		case blobType == CSSLOT_ENTITLEMENTS:
			info.Entitlements.XML = blob[8:]
			info.Entitlements.Parsed, _ = ParseEntitlementsXML(blob[8:])
		case blobType == CSSLOT_ENTITLEMENTS_DER:
			info.EntitlementsDER = blob[8:]
		case blobType == CSSLOT_CMS_SIGNATURE:
			cms = blob[8:]
		}
	}

	if cms != nil {
		info.CMSSignature = parseCMSSignature(cms)
	}
	return info, nil
}

// parseCodeDirectory decodes a v0x20400 or older CodeDirectory blob.
func parseCodeDirectory(data []byte, slot uint32) (*CodeDirectoryInfo, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("CodeDirectory too short")
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != CSMAGIC_CODEDIRECTORY {
		return nil, fmt.Errorf("invalid CodeDirectory magic: 0x%x", magic)
	}

	cd := &CodeDirectoryInfo{
		Slot:          slot,
		SpecialHashes: make(map[int][]byte),
		Raw:           data,
	}

	cd.Version = binary.BigEndian.Uint32(data[8:12])
	cd.Flags = binary.BigEndian.Uint32(data[12:16])
	hashOffset := binary.BigEndian.Uint32(data[16:20])
	identOffset := binary.BigEndian.Uint32(data[20:24])
	cd.NSpecialSlots = binary.BigEndian.Uint32(data[24:28])
	cd.NCodeSlots = binary.BigEndian.Uint32(data[28:32])
	cd.CodeLimit = binary.BigEndian.Uint32(data[32:36])
	cd.HashSize = data[36]
	cd.HashType = data[37]
	cd.PageSize = 1 << data[39]

	cd.Identifier = cstringAt(data, identOffset)

	if cd.Version >= 0x20200 && len(data) >= 52 {
		if teamOffset := binary.BigEndian.Uint32(data[48:52]); teamOffset > 0 {
			cd.TeamID = cstringAt(data, teamOffset)
		}
	}

	if cd.Version >= 0x20400 && len(data) >= codeDirectoryHeaderSize {
		cd.ExecSegBase = binary.BigEndian.Uint64(data[64:72])
		cd.ExecSegLimit = binary.BigEndian.Uint64(data[72:80])
		cd.ExecSegFlags = binary.BigEndian.Uint64(data[80:88])
	}

	size := uint64(cd.HashSize)
	zero := make([]byte, size)
	for i := uint64(1); i <= uint64(cd.NSpecialSlots); i++ {
		if uint64(hashOffset) < i*size {
			return nil, fmt.Errorf("special slot %d lies before the CodeDirectory", i)
		}
		off := uint64(hashOffset) - i*size
		if off+size > uint64(len(data)) {
			return nil, fmt.Errorf("special slot %d truncated", i)
		}
		if h := data[off : off+size]; !bytes.Equal(h, zero) {
			cd.SpecialHashes[int(i)] = h
		}
	}

	for i := uint64(0); i < uint64(cd.NCodeSlots); i++ {
		off := uint64(hashOffset) + i*size
		if off+size > uint64(len(data)) {
			return nil, fmt.Errorf("code slot %d truncated", i)
		}
		cd.CodeHashes = append(cd.CodeHashes, data[off:off+size])
	}

	return cd, nil
}

func cstringAt(data []byte, off uint32) string {
	if uint64(off) >= uint64(len(data)) {
		return ""
	}
	return cstring(data[off:])
}

func parseCMSSignature(der []byte) CMSInfo {
	info := CMSInfo{RawData: der}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return info
	}
	info.Certificates = len(p7.Certificates)
	if signer := p7.GetOnlySigner(); signer != nil {
		info.SignerCN = signer.Subject.CommonName
		info.SignerTeamID = extractTeamID(signer)
	}
	return info
}

// VerifyCMS checks the detached CMS signature against the primary
// CodeDirectory.
func (info *SignatureInfo) VerifyCMS() error {
	if len(info.CMSSignature.RawData) == 0 {
		return fmt.Errorf("no CMS signature")
	}
	cd := info.PrimaryCodeDirectory()
	if cd == nil {
		return fmt.Errorf("no CodeDirectory")
	}
	p7, err := pkcs7.Parse(info.CMSSignature.RawData)
	if err != nil {
		return err
	}
	p7.Content = cd.Raw
	return p7.Verify()
}

// PrimaryCodeDirectory returns the slot 0 CodeDirectory, if any.
func (info *SignatureInfo) PrimaryCodeDirectory() *CodeDirectoryInfo {
	for i := range info.CodeDirs {
		if info.CodeDirs[i].Slot == CSSLOT_CODEDIRECTORY {
			return &info.CodeDirs[i]
		}
	}
	return nil
}

// PrintSignatureInfo writes a human readable dump of info.
func PrintSignatureInfo(info *SignatureInfo, w io.Writer) {
	fmt.Fprintf(w, "\n=== %s ===\n", info.CPU)
	fmt.Fprintf(w, "Code Limit: %d, Signature: %d bytes reserved\n", info.CodeLimit, info.SignatureLen)
	fmt.Fprintf(w, "SuperBlob: %d blobs, %d bytes\n", info.SuperBlob.BlobCount, info.SuperBlob.Length)

	for i, blob := range info.SuperBlob.Blobs {
		isLast := i == len(info.SuperBlob.Blobs)-1
		prefix, childPrefix := "├─", "│   "
		if isLast {
			prefix, childPrefix = "└─", "    "
		}

		fmt.Fprintf(w, "  %s %s: slot 0x%x, %d bytes\n", prefix, getBlobTypeName(blob.Type), blob.Type, blob.Size)

		for _, cd := range info.CodeDirs {
			if cd.Slot == blob.Type {
				printCodeDirectoryDetails(w, &cd, childPrefix)
			}
		}

		if blob.Type == CSSLOT_ENTITLEMENTS && len(info.Entitlements.Parsed) > 0 {
			keys := make([]string, 0, len(info.Entitlements.Parsed))
			for k := range info.Entitlements.Parsed {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "  %s  %s: %v\n", childPrefix, k, info.Entitlements.Parsed[k])
			}
		}

		if blob.Type == CSSLOT_CMS_SIGNATURE {
			if info.CMSSignature.SignerCN != "" {
				fmt.Fprintf(w, "  %sSigner: %s\n", childPrefix, info.CMSSignature.SignerCN)
			}
			if info.CMSSignature.SignerTeamID != "" {
				fmt.Fprintf(w, "  %sTeam ID: %s\n", childPrefix, info.CMSSignature.SignerTeamID)
			}
			fmt.Fprintf(w, "  %sCertificates: %d\n", childPrefix, info.CMSSignature.Certificates)
		}
	}
}

var slotNames = map[int]string{
	1: "Info.plist",
	2: "Requirements",
	3: "CodeResources",
	4: "Application",
	5: "Entitlements",
	6: "RepSpecific",
	7: "EntitlementsDER",
}

func printCodeDirectoryDetails(w io.Writer, cd *CodeDirectoryInfo, prefix string) {
	hashTypeName := "unknown"
	switch cd.HashType {
	case CS_HASHTYPE_SHA1:
		hashTypeName = "SHA-1"
	case CS_HASHTYPE_SHA256:
		hashTypeName = "SHA-256"
	}

	fmt.Fprintf(w, "  %sIdentifier: %s\n", prefix, cd.Identifier)
	if cd.TeamID != "" {
		fmt.Fprintf(w, "  %sTeam ID: %s\n", prefix, cd.TeamID)
	}
	fmt.Fprintf(w, "  %sVersion: 0x%x\n", prefix, cd.Version)
	fmt.Fprintf(w, "  %sHash Type: %s (%d bytes)\n", prefix, hashTypeName, cd.HashSize)
	fmt.Fprintf(w, "  %sPage Size: %d\n", prefix, cd.PageSize)
	fmt.Fprintf(w, "  %sCode Limit: %d\n", prefix, cd.CodeLimit)
	fmt.Fprintf(w, "  %sCDHash: %s\n", prefix, hex.EncodeToString(cd.CDHash()[:20]))
	if cd.Version >= 0x20400 {
		fmt.Fprintf(w, "  %sExec Seg: base=0x%x, limit=0x%x, flags=0x%x\n",
			prefix, cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)
	}

	fmt.Fprintf(w, "  %sSpecial Slots: %d\n", prefix, cd.NSpecialSlots)
	for slot := int(cd.NSpecialSlots); slot >= 1; slot-- {
		hash, ok := cd.SpecialHashes[slot]
		if !ok {
			continue
		}
		name := slotNames[slot]
		if name == "" {
			name = fmt.Sprintf("Slot %d", slot)
		}
		hashStr := hex.EncodeToString(hash)
		if len(hashStr) > 24 {
			hashStr = hashStr[:24] + "..."
		}
		fmt.Fprintf(w, "  %s  -%d (%s): %s\n", prefix, slot, name, hashStr)
	}
	fmt.Fprintf(w, "  %sCode Slots: %d\n", prefix, cd.NCodeSlots)
}

func getBlobTypeName(blobType uint32) string {
	switch blobType {
	case CSSLOT_CODEDIRECTORY:
		return "CodeDirectory"
	case CSSLOT_REQUIREMENTS:
		return "Requirements"
	case CSSLOT_ENTITLEMENTS:
		return "Entitlements"
	case CSSLOT_ENTITLEMENTS_DER:
		return "EntitlementsDER"
	case CSSLOT_CMS_SIGNATURE:
		return "CMS Signature"
	default:
		if blobType >= CSSLOT_ALTERNATE_CODEDIRECTORIES && blobType < CSSLOT_CMS_SIGNATURE {
			return fmt.Sprintf("CodeDirectory (alt 0x%x)", blobType)
		}
		return fmt.Sprintf("Unknown (0x%x)", blobType)
	}
}
