package codesign

import (
	"crypto/sha256"
	"encoding/asn1"
	"encoding/binary"
	"fmt"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// buildCMSSignature produces a detached PKCS#7 signature over the
// CodeDirectory, wrapped in a blob.
func buildCMSSignature(codeDirectory []byte, identity *SigningIdentity) ([]byte, error) {
	key, err := identity.privateKey()
	if err != nil {
		return nil, err
	}

	signedData, err := pkcs7.NewSignedData(codeDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	attrs, err := buildCDHashesAttributes(codeDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to build CDHashes attributes: %w", err)
	}

	var parents = identity.CertChain
	if len(parents) > 0 && sameCertificate(parents[0], identity.Certificate) {
		parents = parents[1:]
	}
	signerConfig := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if len(parents) > 0 && identity.Certificate.CheckSignatureFrom(parents[0]) == nil {
		if err := signedData.AddSignerChain(identity.Certificate, key, parents, signerConfig); err != nil {
			return nil, fmt.Errorf("failed to add signer chain: %w", err)
		}
	} else {
		// The leaf was not issued by the bundled CA, so the chain cannot be
		// verified. Sign with the leaf and carry the rest as plain certificates.
		if err := signedData.AddSigner(identity.Certificate, key, signerConfig); err != nil {
			return nil, fmt.Errorf("failed to add signer: %w", err)
		}
		for _, c := range parents {
			signedData.AddCertificate(c)
		}
	}
	signedData.Detach()

	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}

	blob := make([]byte, 8+len(der))
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_BLOBWRAPPER)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], der)
	return blob, nil
}

// buildCDHashesAttributes returns the two Apple signed attributes that bind
// the CMS to the CodeDirectory hash: a plist of truncated hashes and a
// SEQUENCE holding the full SHA-256.
func buildCDHashesAttributes(codeDirectory []byte) ([]pkcs7.Attribute, error) {
	sum := sha256.Sum256(codeDirectory)

	hashesPlist, err := plist.Marshal(map[string]interface{}{
		"cdhashes": [][]byte{sum[:20]},
	}, plist.XMLFormat)
	if err != nil {
		return nil, err
	}

	seq, err := asn1.Marshal(struct {
		Algorithm asn1.ObjectIdentifier
		Hash      []byte
	}{oidSHA256, sum[:]})
	if err != nil {
		return nil, err
	}

	return []pkcs7.Attribute{
		{Type: oidCDHashesPlist, Value: hashesPlist},
		{Type: oidCDHashes2, Value: asn1.RawValue{FullBytes: seq}},
	}, nil
}
