// Package codesign implements Apple's code signature format natively in Go,
// so IPA archives can be re-signed on any platform without macOS or
// Apple's codesign tool.
//
// # Basic Usage
//
// To sign one Mach-O file:
//
//	identity, err := codesign.LoadSigningIdentityFile("cert.p12", password)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer identity.Close()
//	err = codesign.SignFile(ctx, "Payload/App.app/App", codesign.SignOptions{
//	    Identity:     identity,
//	    Identifier:   "com.example.app",
//	    Entitlements: entitlements,
//	})
//
// To sign a whole extracted bundle, open it with OpenAppBundle and call
// (*AppBundle).Sign; nested frameworks and extensions are signed first.
//
// # Features
//
//   - Cross-platform: Works on Linux, macOS, and Windows
//   - Thin and fat Mach-O images, signed slice by slice
//   - Nested bundle signing with generated _CodeSignature/CodeResources
//   - Deterministic repackaging of the signed tree
//   - Typed errors (Error, Kind) that say which stage failed
package codesign
