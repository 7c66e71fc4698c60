// Package main provides the ipa-resign CLI for re-signing iOS IPA archives.
//
// For the library API, see the subpackages:
//
//	import "github.com/remoDevv/Smdnnmsmsm/pkg/resign"   // jobs, batch, fallback
//	import "github.com/remoDevv/Smdnnmsmsm/pkg/codesign" // signing primitives
//
// # Installation
//
//	go install github.com/remoDevv/Smdnnmsmsm@latest
package main
