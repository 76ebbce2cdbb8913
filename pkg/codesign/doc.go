// Package codesign provides the Apple code signing artifacts used while
// provisioning an app for development deployment.
//
// It reads and writes the pieces of an app bundle that provisioning touches
// and parses the signed containers the developer services hand back:
//
//   - Provisioning profiles: PKCS#7 containers with a plist payload
//   - Info.plist manifests: bundle identifier and executable name
//   - Entitlements: XML plists, sidecar files, and the blob embedded in
//     an existing Mach-O executable
//   - Signing identities: PKCS#12 decode and encode
//   - IPA archives: extract and repackage
//
// # Basic Usage
//
// To inspect a profile:
//
//	profile, err := codesign.ParseProvisioningProfile(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(profile.GetTeamID(), profile.IsExpired())
package codesign
