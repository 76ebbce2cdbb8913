package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-provision/pkg/cache"
	"github.com/aluedeke/go-provision/pkg/codesign"
	"github.com/aluedeke/go-provision/pkg/connect"
	"github.com/aluedeke/go-provision/pkg/keychain"
	"github.com/aluedeke/go-provision/pkg/provision"
)

const version = "1.0.0"

const usage = `go-provision - Apple Development Provisioning Tool

A command-line tool that registers devices, certificates, app ids and development
provisioning profiles so an IPA file or .app bundle can be deployed to a device.

Usage:
  go-provision provision --app=<path> [--udid=<udid>] [--name=<name>] [--platform=<platform>] [--output=<path>] [--p8=<path>] [--key-id=<id>] [--issuer=<id>] [--account=<id>] [--team=<id>] [--cache-dir=<path>] [--limited] [--verbose]
  go-provision info --profile=<path>
  go-provision info --app=<path> [--platform=<platform>]
  go-provision host-udid
  go-provision -h | --help
  go-provision --version

Commands:
  provision   Provision an IPA file or .app bundle for development on a device
  info        Display information about a provisioning profile or app bundle
  host-udid   Print the provisioning UDID of this Mac

Options:
  --app=<path>           Path to the input .ipa file or .app bundle directory
  --profile=<path>       Path to a provisioning profile (info command)
  --udid=<udid>          Device UDID (required for iOS, defaults to this Mac for macOS)
  --name=<name>          Device name used when registering a new device
  --platform=<platform>  Target platform: ios or macos (or PROVISION_PLATFORM env var)
  --output=<path>        Output directory (defaults to <input>-provisioned)
  --p8=<path>            Path to the API key .p8 file (or PROVISION_P8 env var)
  --key-id=<id>          API key ID (or PROVISION_KEY_ID env var)
  --issuer=<id>          API key issuer ID (or PROVISION_ISSUER env var)
  --account=<id>         Account ID used to scope caches (or PROVISION_ACCOUNT env var, defaults to the team)
  --team=<id>            Team ID (or PROVISION_TEAM env var)
  --cache-dir=<path>     Cache directory (or PROVISION_CACHE_DIR env var)
  --limited              The account is a limited (free) account
  --verbose              Show debug logging
  -h --help              Show this help message
  --version              Show version

Environment Variables:
  PROVISION_P8              Path to the API key .p8 file (overridden by --p8)
  PROVISION_KEY_ID          API key ID (overridden by --key-id)
  PROVISION_ISSUER          API key issuer ID (overridden by --issuer)
  PROVISION_ACCOUNT         Account ID (overridden by --account)
  PROVISION_TEAM            Team ID (overridden by --team)
  PROVISION_PLATFORM        Target platform (overridden by --platform)
  PROVISION_CACHE_DIR       Cache directory (overridden by --cache-dir)
  PROVISION_VAULT_PASSWORD  Password of the file vault used when no OS keychain is available
  PROVISION_P12_PASSWORD    Password protecting stored and exported PKCS#12 identities

Examples:
  # Provision an IPA for an iPhone
  go-provision provision --app=MyApp.ipa --udid=00008030-001A2B3C4D5E6F70 --p8=AuthKey.p8 --key-id=ABC123 --issuer=69a6de7e-... --team=ABCD123456

  # Provision using environment variables (useful for CI/CD)
  export PROVISION_P8=/path/to/AuthKey.p8
  export PROVISION_KEY_ID=ABC123
  export PROVISION_ISSUER=69a6de7e-...
  export PROVISION_TEAM=ABCD123456
  go-provision provision --app=MyApp.ipa --udid=00008030-001A2B3C4D5E6F70

  # Provision a macOS app for this Mac
  go-provision provision --app=MyApp.app --platform=macos

  # View provisioning profile information
  go-provision info --profile=dev.mobileprovision

  # List the bundles of an app
  go-provision info --app=MyApp.ipa
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	log.SetHandler(clihandler.Default)
	log.SetLevel(log.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if p, _ := opts.Bool("provision"); p {
		err = runProvision(ctx, opts)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(opts)
	} else if host, _ := opts.Bool("host-udid"); host {
		err = runHostUDID(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runProvision(ctx context.Context, opts docopt.Opts) error {
	conf, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if conf.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := os.MkdirAll(conf.OutputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	// Work on a copy so the input stays untouched.
	var appPath, tempDir string
	if conf.isIPA() {
		tempDir, err = codesign.ExtractIPA(conf.AppPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)

		appPath, err = codesign.FindAppBundle(tempDir)
		if err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	} else {
		appPath = filepath.Join(conf.OutputPath, filepath.Base(filepath.Clean(conf.AppPath)))
		if err := codesign.CopyBundle(conf.AppPath, appPath); err != nil {
			return fmt.Errorf("failed to copy app bundle: %w", err)
		}
	}

	fmt.Printf("Provisioning %s app: %s\n", conf.Platform, conf.AppPath)
	fmt.Printf("Team:   %s\n", conf.Account.TeamID)
	fmt.Printf("Output: %s\n", conf.OutputPath)
	fmt.Println()

	token, err := connect.LoadToken(conf.P8Path, conf.KeyID, conf.Issuer)
	if err != nil {
		return err
	}
	client := connect.New(token)

	store, err := keychain.Open(keychain.Config{
		Dir:           filepath.Join(conf.CacheDir, "vault"),
		VaultPassword: conf.VaultPassword,
		Password:      conf.P12Password,
	})
	if err != nil {
		return err
	}

	fast, err := cache.NewMemoryStore(conf.CacheSize)
	if err != nil {
		return err
	}
	disk, err := cache.NewFileStore(filepath.Join(conf.CacheDir, "profiles"))
	if err != nil {
		return err
	}

	identities := provision.NewIdentityCache()
	seedIdentity(ctx, identities, store, conf.Account)

	orchestrator := provision.New(
		&provision.DeviceRegistrar{API: client},
		&provision.CertificateManager{API: client, Keystore: store, Identities: identities},
		&provision.ProfileResolver{
			API:      client,
			Cache:    &provision.ProvisioningCache{Fast: fast, Disk: disk},
			Analyzer: provision.MachOAnalyzer,
		},
		&exportSigner{Dir: conf.OutputPath, Password: conf.P12Password},
	)

	name := conf.DeviceName
	if name == "" && conf.Platform.IsMobile() {
		name = conf.UDID
	}
	target, err := provision.ResolveTarget(ctx, conf.Platform, conf.UDID, name, &provision.HostIdentity{Run: provision.ExecRunner})
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := orchestrator.Provision(ctx, appPath, provision.Options{
		Account:  conf.Account,
		Platform: conf.Platform,
		Device:   &target,
		Confirm:  confirmRevoke(os.Stdin, os.Stdout),
		Observer: provision.Observer{
			Status: func(msg string) { fmt.Println(msg) },
			Progress: func(p float64) {
				log.Debugf("progress %3.0f%%", p*100)
			},
		},
	})
	if err != nil {
		return err
	}

	if !result.FromCache {
		if err := store.Put(result.Identity); err != nil {
			log.WithError(err).Warn("failed to store signing identity")
		}
	}

	if conf.isIPA() {
		ipaPath := filepath.Join(conf.OutputPath, filepath.Base(conf.AppPath))
		if err := codesign.RepackageIPA(tempDir, ipaPath); err != nil {
			return fmt.Errorf("failed to repackage IPA: %w", err)
		}
		appPath = ipaPath
	}

	fmt.Println()
	fmt.Printf("Successfully provisioned %s in %s\n", appPath, time.Since(start).Round(time.Millisecond))
	fmt.Printf("Bundle ID:   %s\n", result.NewBundleID)
	fmt.Printf("Certificate: %s\n", result.Identity.Serial())
	if result.FromCache {
		fmt.Println("Profiles:    from cache")
	}
	return nil
}

// identityStore is a keystore that can drop entries.
type identityStore interface {
	provision.Keystore
	Remove(serial string) error
}

// seedIdentity primes the identity cache with the newest stored identity of
// the account's team, so cached profiles can be used without a round trip.
// Expired identities are removed from the store.
func seedIdentity(ctx context.Context, identities *provision.IdentityCache, store identityStore, account provision.Account) {
	pairs, err := store.Identities(ctx)
	if err != nil {
		log.WithError(err).Debug("failed to read stored identities")
		return
	}
	var best *provision.KeyPair
	now := time.Now()
	for i, pair := range pairs {
		if !now.Before(pair.Certificate.NotAfter) {
			serial := codesign.SerialHex(pair.Certificate)
			if err := store.Remove(serial); err != nil {
				log.WithError(err).WithField("serial", serial).Warn("failed to remove expired identity")
			}
			continue
		}
		if codesign.ExtractTeamID(pair.Certificate) != account.TeamID {
			continue
		}
		if best == nil || pair.Certificate.NotAfter.After(best.Certificate.NotAfter) {
			best = &pairs[i]
		}
	}
	if best != nil {
		identities.Put(account, &provision.SigningIdentity{X509: best.Certificate, PrivateKey: best.PrivateKey})
	}
}

// confirmRevoke asks on the terminal before certificates are revoked.
func confirmRevoke(in io.Reader, out io.Writer) provision.ConfirmFunc {
	return func(ctx context.Context, certs []provision.Certificate) bool {
		fmt.Fprintln(out, "The account has reached its certificate limit. These certificates will be revoked:")
		for _, c := range certs {
			expires := "never"
			if c.ExpirationDate != nil {
				expires = c.ExpirationDate.Format("2006-01-02")
			}
			fmt.Fprintf(out, "  %s  %s  (%s, expires %s)\n", c.SerialNumber, c.Name, c.CertificateType, expires)
		}
		fmt.Fprint(out, "Revoke them? [y/N] ")

		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}

func runInfo(opts docopt.Opts) error {
	if profilePath, _ := opts.String("--profile"); profilePath != "" {
		return showProfileInfo(os.Stdout, profilePath)
	}
	if appPath, _ := opts.String("--app"); appPath != "" {
		platform, err := provision.ParsePlatform(optOrEnv(opts, "--platform", "PROVISION_PLATFORM"))
		if err != nil {
			return err
		}
		return showAppInfo(os.Stdout, appPath, platform)
	}
	return fmt.Errorf("either --app or --profile is required")
}

func showProfileInfo(w io.Writer, profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	profile, err := provision.ParseMobileprovision(data)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Provisioning Profile Information")
	fmt.Fprintln(w, "================================")
	fmt.Fprintf(w, "Name:         %s\n", profile.Name)
	fmt.Fprintf(w, "UUID:         %s\n", profile.UUID)
	fmt.Fprintf(w, "Team ID:      %s\n", profile.TeamID)
	fmt.Fprintf(w, "Expiration:   %s\n", profile.ExpirationDate.Format("2006-01-02"))
	fmt.Fprintf(w, "Expired:      %v\n", profile.Expired(time.Now()))

	fmt.Fprintf(w, "App ID:       %s\n", profile.Profile.GetApplicationIdentifier())

	certs, err := profile.Profile.GetCertificates()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Certificates: %d\n", len(certs))
	for _, cert := range certs {
		fmt.Fprintf(w, "  %s (serial %s, expires %s)\n", cert.Subject.CommonName,
			provision.NormalizeSerial(codesign.SerialHex(cert)), cert.NotAfter.Format("2006-01-02"))
	}
	if profile.Profile.ProvisionsAllDevices {
		fmt.Fprintln(w, "Devices:      all")
	} else {
		devices := append([]string(nil), profile.Profile.ProvisionedDevices...)
		sort.Strings(devices)
		fmt.Fprintf(w, "Devices:      %d\n", len(devices))
		for _, udid := range devices {
			fmt.Fprintf(w, "  %s\n", udid)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Entitlements")
	fmt.Fprintln(w, "------------")
	xml, err := codesign.EntitlementsToXML(profile.Entitlements)
	if err != nil {
		return err
	}
	_, err = w.Write(xml)
	fmt.Fprintln(w)
	return err
}

func showAppInfo(w io.Writer, inputPath string, platform provision.Platform) error {
	appPath := inputPath
	if strings.EqualFold(filepath.Ext(inputPath), ".ipa") {
		tempDir, err := codesign.ExtractIPA(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)

		if appPath, err = codesign.FindAppBundle(tempDir); err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	}

	app, err := provision.LoadApp(appPath, platform, provision.Account{}, provision.MachOAnalyzer)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "App Bundle Information")
	fmt.Fprintln(w, "======================")
	fmt.Fprintf(w, "Path:      %s\n", inputPath)
	fmt.Fprintf(w, "Platform:  %s\n", platform)
	for _, b := range app.Bundles {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s\n", filepath.Base(b.Path))
		fmt.Fprintf(w, "  Bundle ID:    %s\n", b.BundleID)
		fmt.Fprintf(w, "  Executable:   %s\n", b.Executable)
		fmt.Fprintf(w, "  Entitlements: %d\n", len(b.Entitlements))
		for _, key := range sortedKeys(b.Entitlements) {
			fmt.Fprintf(w, "    %s\n", key)
		}

		data, err := os.ReadFile(filepath.Join(b.Path, platform.ProfilePath()))
		if err != nil {
			continue
		}
		if profile, err := provision.ParseMobileprovision(data); err == nil {
			state := "valid"
			if profile.Profile.IsExpired() {
				state = "expired"
			}
			fmt.Fprintf(w, "  Profile:      %s (%s, %s until %s)\n", profile.Name, profile.TeamID, state, profile.ExpirationDate.Format("2006-01-02"))
		}
	}
	return nil
}

func runHostUDID(ctx context.Context) error {
	host := &provision.HostIdentity{Run: provision.ExecRunner}
	udid, err := host.UDID(ctx)
	if err != nil {
		return err
	}
	fmt.Println(udid)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
