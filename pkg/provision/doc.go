// Package provision resolves the signing identity and development
// provisioning profiles needed to run an app on a device.
//
// The Orchestrator drives a run through these components:
//
//   - DeviceRegistrar registers the target device and waits until the
//     developer services report it enabled
//   - CertificateManager reuses, recovers or mints a development certificate
//     with a matching private key
//   - ProfileResolver reuses an embedded or cached profile when every bundle
//     has one, and otherwise mints fresh profiles
//   - ProvisioningCache stores minted profiles in a fast store and a disk
//     mirror
//
// Profiles are only reused when they are unexpired, include the identity's
// certificate and the target device, and grant the entitlements the bundle
// requires (see Covers).
//
// # Basic Usage
//
//	identities := provision.NewIdentityCache()
//	o := provision.New(
//	    &provision.DeviceRegistrar{API: api},
//	    &provision.CertificateManager{API: api, Keystore: keys, Identities: identities},
//	    &provision.ProfileResolver{API: api, Cache: cache, Analyzer: provision.MachOAnalyzer},
//	    signer,
//	)
//	res, err := o.Provision(ctx, "MyApp.app", provision.Options{
//	    Account:  provision.Account{ID: teamID, TeamID: teamID},
//	    Platform: provision.PlatformIOS,
//	    Device:   &device,
//	})
package provision
