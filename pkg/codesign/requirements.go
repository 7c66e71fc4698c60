package codesign

import (
	"bytes"
	"encoding/binary"
)

// Requirement expression opcodes and match operators from Apple's requirement
// language.
const (
	opIdent              = 2
	opAnd                = 6
	opCertField          = 11
	opCertGeneric        = 14
	opAppleGenericAnchor = 15

	matchExists = 0
	matchEqual  = 1

	designatedRequirementType = 3
	requirementKindExpr       = 1
)

// appleDeveloperMarkerOID is 1.2.840.113635.100.6.2.1, DER content bytes.
var appleDeveloperMarkerOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

type exprWriter struct {
	bytes.Buffer
}

func (w *exprWriter) op(v uint32) {
	_ = binary.Write(&w.Buffer, binary.BigEndian, v)
}

// data writes a length prefixed, 4-byte padded byte string.
func (w *exprWriter) data(b []byte) {
	w.op(uint32(len(b)))
	w.Write(b)
	for i := len(b); i%4 != 0; i++ {
		w.WriteByte(0)
	}
}

// buildRequirementsBlob returns a requirement set holding only the designated
// requirement:
//
//	identifier "<id>" and anchor apple generic and
//	certificate leaf[subject.CN] = "<cn>" and
//	certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// Without a common name the certificate clauses are left out.
func buildRequirementsBlob(identifier, signerCN string) []byte {
	expr := buildDesignatedRequirement(identifier, signerCN)

	const headerSize = 12 + 8
	blob := make([]byte, headerSize+len(expr))
	outp := blob
	outp = put32be(outp, CSMAGIC_REQUIREMENTS)
	outp = put32be(outp, uint32(len(blob)))
	outp = put32be(outp, 1)
	outp = put32be(outp, designatedRequirementType)
	outp = put32be(outp, headerSize)
	puts(outp, expr)
	return blob
}

func buildDesignatedRequirement(identifier, signerCN string) []byte {
	var w exprWriter

	w.op(opAnd)
	w.op(opIdent)
	w.data([]byte(identifier))

	if signerCN == "" {
		w.op(opAppleGenericAnchor)
	} else {
		w.op(opAnd)
		w.op(opAppleGenericAnchor)
		w.op(opAnd)

		w.op(opCertField)
		w.op(0) // leaf
		w.data([]byte("subject.CN"))
		w.op(matchEqual)
		w.data([]byte(signerCN))

		w.op(opCertGeneric)
		w.op(1) // intermediate
		w.data(appleDeveloperMarkerOID)
		w.op(matchExists)
	}

	expr := w.Bytes()
	blob := make([]byte, 12+len(expr))
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_REQUIREMENT)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	binary.BigEndian.PutUint32(blob[8:], requirementKindExpr)
	copy(blob[12:], expr)
	return blob
}

func buildEntitlementsBlob(entitlements []byte) []byte {
	blob := make([]byte, 8+len(entitlements))
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_EMBEDDED_ENTITLEMENTS)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], entitlements)
	return blob
}

// buildEntitlementsDERBlob converts XML entitlements to the DER form newer
// iOS releases require. An empty dictionary produces no blob.
func buildEntitlementsDERBlob(entitlements []byte) ([]byte, error) {
	ents, err := ParseEntitlementsXML(entitlements)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, nil
	}
	der, err := EntitlementsToDER(ents)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 8+len(der))
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_EMBEDDED_ENTITLEMENTS_DER)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], der)
	return blob, nil
}
