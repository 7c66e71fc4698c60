package codesign

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// exprReader walks a requirement expression word by word.
type exprReader struct {
	t   *testing.T
	buf []byte
	off int
}

func (r *exprReader) word(want uint32, what string) {
	r.t.Helper()
	if r.off+4 > len(r.buf) {
		r.t.Fatalf("expression ends before %s at offset %d", what, r.off)
	}
	if got := binary.BigEndian.Uint32(r.buf[r.off:]); got != want {
		r.t.Errorf("%s at offset %d: got %d, want %d", what, r.off, got, want)
	}
	r.off += 4
}

func (r *exprReader) data(want []byte, what string) {
	r.t.Helper()
	r.word(uint32(len(want)), what+" length")
	end := r.off + len(want)
	if end > len(r.buf) {
		r.t.Fatalf("%s runs past the end of the expression", what)
	}
	if got := r.buf[r.off:end]; !bytes.Equal(got, want) {
		r.t.Errorf("%s = %q, want %q", what, got, want)
	}
	r.off = end
	for r.off%4 != 0 {
		if r.buf[r.off] != 0 {
			r.t.Errorf("%s padding is not zero", what)
		}
		r.off++
	}
}

func (r *exprReader) done() {
	r.t.Helper()
	if r.off != len(r.buf) {
		r.t.Errorf("%d trailing bytes after the expression", len(r.buf)-r.off)
	}
}

func checkRequirementHeader(t *testing.T, blob []byte) *exprReader {
	t.Helper()
	if len(blob) < 12 {
		t.Fatalf("requirement blob too short: %d bytes", len(blob))
	}
	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != CSMAGIC_REQUIREMENT {
		t.Errorf("magic = 0x%x, want 0x%x", magic, CSMAGIC_REQUIREMENT)
	}
	if n := binary.BigEndian.Uint32(blob[4:8]); n != uint32(len(blob)) {
		t.Errorf("length field = %d, blob is %d bytes", n, len(blob))
	}
	if kind := binary.BigEndian.Uint32(blob[8:12]); kind != requirementKindExpr {
		t.Errorf("kind = %d, want expression", kind)
	}
	return &exprReader{t: t, buf: blob, off: 12}
}

func TestBuildDesignatedRequirement_IdentifierOnly(t *testing.T) {
	blob := buildDesignatedRequirement("com.example.test", "")

	// identifier "com.example.test" and anchor apple generic
	if len(blob) != 44 {
		t.Errorf("blob is %d bytes, want 44", len(blob))
	}
	r := checkRequirementHeader(t, blob)
	r.word(opAnd, "and")
	r.word(opIdent, "ident")
	r.data([]byte("com.example.test"), "identifier")
	r.word(opAppleGenericAnchor, "anchor apple generic")
	r.done()
}

func TestBuildDesignatedRequirement_WithSigner(t *testing.T) {
	const (
		bundleID = "com.example.testapp"
		signerCN = "Apple Development: Test Developer (ABCD123456)"
	)
	blob := buildDesignatedRequirement(bundleID, signerCN)

	r := checkRequirementHeader(t, blob)
	r.word(opAnd, "and")
	r.word(opIdent, "ident")
	r.data([]byte(bundleID), "identifier")
	r.word(opAnd, "and")
	r.word(opAppleGenericAnchor, "anchor apple generic")
	r.word(opAnd, "and")

	r.word(opCertField, "certificate field")
	r.word(0, "leaf slot")
	r.data([]byte("subject.CN"), "field name")
	r.word(matchEqual, "match equal")
	r.data([]byte(signerCN), "common name")

	r.word(opCertGeneric, "certificate generic")
	r.word(1, "intermediate slot")
	r.data(appleDeveloperMarkerOID, "marker OID")
	r.word(matchExists, "match exists")
	r.done()
}

func TestBuildDesignatedRequirement_PadsOddLengths(t *testing.T) {
	for _, id := range []string{"a", "ab", "abc", "abcd", "com.example.x"} {
		blob := buildDesignatedRequirement(id, "")
		if len(blob)%4 != 0 {
			t.Errorf("%q: blob length %d is not word aligned", id, len(blob))
		}
		r := checkRequirementHeader(t, blob)
		r.word(opAnd, "and")
		r.word(opIdent, "ident")
		r.data([]byte(id), "identifier")
		r.word(opAppleGenericAnchor, "anchor")
		r.done()
	}
}

func TestBuildRequirementsBlob(t *testing.T) {
	blob := buildRequirementsBlob("com.example.app", "Apple Development: Someone (TEAM123456)")

	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != CSMAGIC_REQUIREMENTS {
		t.Errorf("magic = 0x%x, want 0x%x", magic, CSMAGIC_REQUIREMENTS)
	}
	if n := binary.BigEndian.Uint32(blob[4:8]); n != uint32(len(blob)) {
		t.Errorf("length field = %d, blob is %d bytes", n, len(blob))
	}
	if n := binary.BigEndian.Uint32(blob[8:12]); n != 1 {
		t.Fatalf("expected 1 requirement, got %d", n)
	}
	if typ := binary.BigEndian.Uint32(blob[12:16]); typ != designatedRequirementType {
		t.Errorf("requirement type = %d, want designated (%d)", typ, designatedRequirementType)
	}
	off := binary.BigEndian.Uint32(blob[16:20])
	if off != 20 {
		t.Fatalf("requirement offset = %d, want 20", off)
	}
	inner := blob[off:]
	if !bytes.Equal(inner, buildDesignatedRequirement("com.example.app", "Apple Development: Someone (TEAM123456)")) {
		t.Error("set does not wrap the designated requirement unchanged")
	}
}

const getTaskAllowXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>`

func TestBuildEntitlementsBlob(t *testing.T) {
	ents := []byte(getTaskAllowXML)
	blob := buildEntitlementsBlob(ents)

	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != CSMAGIC_EMBEDDED_ENTITLEMENTS {
		t.Errorf("magic = 0x%x, want 0x%x", magic, CSMAGIC_EMBEDDED_ENTITLEMENTS)
	}
	if n := binary.BigEndian.Uint32(blob[4:8]); n != uint32(8+len(ents)) {
		t.Errorf("length field = %d, want %d", n, 8+len(ents))
	}
	if !bytes.Equal(blob[8:], ents) {
		t.Error("entitlements content not preserved")
	}
}

func TestBuildEntitlementsDERBlob(t *testing.T) {
	blob, err := buildEntitlementsDERBlob([]byte(getTaskAllowXML))
	if err != nil {
		t.Fatalf("buildEntitlementsDERBlob failed: %v", err)
	}
	if blob == nil {
		t.Fatal("buildEntitlementsDERBlob returned nil")
	}
	if magic := binary.BigEndian.Uint32(blob[0:4]); magic != CSMAGIC_EMBEDDED_ENTITLEMENTS_DER {
		t.Errorf("magic = 0x%x, want 0x%x", magic, CSMAGIC_EMBEDDED_ENTITLEMENTS_DER)
	}
	// APPLICATION 16
	if blob[8] != 0x70 {
		t.Errorf("DER content starts with 0x%x, want 0x70", blob[8])
	}
}

func TestBuildEntitlementsDERBlob_EmptyDict(t *testing.T) {
	blob, err := buildEntitlementsDERBlob(EmptyEntitlements())
	if err != nil {
		t.Fatalf("buildEntitlementsDERBlob failed: %v", err)
	}
	if blob != nil {
		t.Errorf("empty dictionary should produce no DER blob, got %d bytes", len(blob))
	}
}

func TestBuildEntitlementsDERBlob_BadXML(t *testing.T) {
	if _, err := buildEntitlementsDERBlob([]byte("<plist><array/></plist>")); err == nil {
		t.Error("expected an error for a non-dictionary plist")
	}
}

// TestSignatureConstants pins the values from Apple's cs_blobs.h.
func TestSignatureConstants(t *testing.T) {
	tests := []struct {
		name     string
		got      uint32
		expected uint32
	}{
		{"CSMAGIC_REQUIREMENT", CSMAGIC_REQUIREMENT, 0xfade0c00},
		{"CSMAGIC_REQUIREMENTS", CSMAGIC_REQUIREMENTS, 0xfade0c01},
		{"CSMAGIC_CODEDIRECTORY", CSMAGIC_CODEDIRECTORY, 0xfade0c02},
		{"CSMAGIC_EMBEDDED_SIGNATURE", CSMAGIC_EMBEDDED_SIGNATURE, 0xfade0cc0},
		{"CSMAGIC_EMBEDDED_ENTITLEMENTS", CSMAGIC_EMBEDDED_ENTITLEMENTS, 0xfade7171},
		{"CSMAGIC_EMBEDDED_ENTITLEMENTS_DER", CSMAGIC_EMBEDDED_ENTITLEMENTS_DER, 0xfade7172},
		{"CSMAGIC_BLOBWRAPPER", CSMAGIC_BLOBWRAPPER, 0xfade0b01},
		{"CSSLOT_CMS_SIGNATURE", CSSLOT_CMS_SIGNATURE, 0x10000},
		{"codeDirectoryVersion", codeDirectoryVersion, 0x20400},
	}

	for _, tc := range tests {
		if tc.got != tc.expected {
			t.Errorf("%s: expected 0x%x, got 0x%x", tc.name, tc.expected, tc.got)
		}
	}
}
