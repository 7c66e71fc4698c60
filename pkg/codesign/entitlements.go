package codesign

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"
)

// emptyEntitlements is what nested bundles are signed with.
var emptyEntitlements = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`)

// EmptyEntitlements returns an XML plist holding an empty dictionary.
func EmptyEntitlements() []byte {
	return append([]byte(nil), emptyEntitlements...)
}

// ProfileEntitlements renders the profile's entitlements for the main
// executable. A wildcard application-identifier is narrowed to bundleID,
// which must fall under it.
func ProfileEntitlements(profile *ProvisioningProfile, bundleID string) ([]byte, error) {
	if len(profile.Entitlements) == 0 {
		return nil, newError(KindProfile, nil, "provisioning profile has no entitlements")
	}

	ents := profile.Entitlements
	if appID := profile.ApplicationIdentifier(); strings.HasSuffix(appID, "*") && bundleID != "" {
		if !profile.CoversBundleID(bundleID) {
			return nil, newError(KindBundle, nil, "bundle id mismatch: %s is outside %s", bundleID, appID)
		}
		ents = UpdateEntitlementsForBundleID(ents, profile.TeamID(), bundleID)
	}

	data, err := EntitlementsToXML(ents)
	if err != nil {
		return nil, newError(KindProfile, err, "failed to render entitlements")
	}
	return data, nil
}

// UpdateEntitlementsForBundleID returns a copy of entitlements with
// application-identifier and keychain-access-groups pointed at newBundleID.
func UpdateEntitlementsForBundleID(entitlements map[string]interface{}, teamID, newBundleID string) map[string]interface{} {
	updated := make(map[string]interface{}, len(entitlements))
	for k, v := range entitlements {
		updated[k] = v
	}

	bundleID := strings.TrimPrefix(newBundleID, teamID+".")
	appID := teamID + "." + bundleID
	updated["application-identifier"] = appID

	if groups, ok := updated["keychain-access-groups"].([]interface{}); ok {
		newGroups := make([]interface{}, 0, len(groups))
		for _, group := range groups {
			s, ok := group.(string)
			if !ok {
				continue
			}
			// only wildcard groups follow the app id
			if strings.HasSuffix(s, "*") {
				s = appID
			}
			newGroups = append(newGroups, s)
		}
		updated["keychain-access-groups"] = newGroups
	}

	return updated
}

// EntitlementsToXML converts entitlements map to XML plist bytes
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// EntitlementsToDER converts entitlements to Apple's DER plist encoding:
//
//	APPLICATION 16 { INTEGER 1, [16] { SEQUENCE { UTF8String key, value }... } }
//
// Arrays become SEQUENCEs, strings UTF8String, booleans and integers their
// universal types. Keys are sorted.
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dictContent, err := encodeDERDict(entitlements)
	if err != nil {
		return nil, err
	}

	versionBytes, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}

	content := append(versionBytes, dictContent...)
	return wrapWithTag(0x70, content), nil
}

func encodeDERDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// The pairs sit directly inside the [16] tag with no SEQUENCE around them.
	var pairs []byte
	for _, key := range keys {
		valueBytes, err := encodeDERValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}
		pair := append(wrapWithTag(0x0C, []byte(key)), valueBytes...)
		pairs = append(pairs, wrapWithTag(0x30, pair)...)
	}
	return wrapWithTag(0xB0, pairs), nil
}

func encodeDERValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return wrapWithTag(0x0C, []byte(val)), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("integer %d out of range", val)
		}
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			itemBytes, err := encodeDERValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, itemBytes...)
		}
		return wrapWithTag(0x30, content), nil
	case []string:
		var content []byte
		for _, item := range val {
			content = append(content, wrapWithTag(0x0C, []byte(item))...)
		}
		return wrapWithTag(0x30, content), nil
	case map[string]interface{}:
		return encodeDERDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type: %T", v)
	}
}

// wrapWithTag prefixes content with a DER tag and definite length.
func wrapWithTag(tag byte, content []byte) []byte {
	n := len(content)
	var lenBytes []byte
	switch {
	case n < 0x80:
		lenBytes = []byte{byte(n)}
	case n < 0x100:
		lenBytes = []byte{0x81, byte(n)}
	case n < 0x10000:
		lenBytes = []byte{0x82, byte(n >> 8), byte(n)}
	default:
		lenBytes = []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
	out := make([]byte, 0, 1+len(lenBytes)+n)
	out = append(out, tag)
	out = append(out, lenBytes...)
	return append(out, content...)
}
