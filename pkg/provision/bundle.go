package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/apex/log"

	"github.com/aluedeke/go-provision/pkg/codesign"
)

// Bundle is one bundle of an app: the main bundle or a nested extension.
type Bundle struct {
	// Path is the bundle directory.
	Path         string
	BundleID     string
	NewBundleID  string
	Executable   string
	Entitlements Entitlements
	Main         bool
}

// App is an app bundle and its nested bundles, main bundle first.
type App struct {
	Path     string
	Platform Platform
	Bundles  []*Bundle
}

// Main returns the main bundle.
func (a *App) Main() *Bundle { return a.Bundles[0] }

// Analyzer reads the entitlements embedded in an existing executable.
type Analyzer func(executablePath string) (Entitlements, error)

// MachOAnalyzer reads entitlements with the Mach-O code signature parser.
func MachOAnalyzer(executablePath string) (Entitlements, error) {
	ents, err := codesign.MachOEntitlements(executablePath)
	if err != nil {
		return nil, err
	}
	return Entitlements(ents), nil
}

var bundleIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9.-]`)

// SanitizeBundleID replaces every character outside [A-Za-z0-9.-] with "-".
func SanitizeBundleID(id string) string {
	return bundleIDUnsafe.ReplaceAllString(id, "-")
}

// newBundleIDPrefix marks bundle ids registered by this tool.
const newBundleIDPrefix = "XTL-"

// NewBundleID derives the account-specific bundle id for a main bundle by
// prefixing the sanitized id with the team, e.g. XTL-TEAM123456.com.example.app.
func NewBundleID(bundleID string, account Account) string {
	return newBundleIDPrefix + account.team() + "." + SanitizeBundleID(bundleID)
}

// nestedBundleID moves a nested bundle id under the new parent id. Ids that
// do not extend the parent id keep their sanitized last component.
func nestedBundleID(id, parentID, newParentID string) string {
	if suffix, ok := strings.CutPrefix(id, parentID); ok && suffix != "" && strings.HasPrefix(suffix, ".") {
		return newParentID + SanitizeBundleID(suffix)
	}
	parts := strings.Split(id, ".")
	return newParentID + "." + SanitizeBundleID(parts[len(parts)-1])
}

// LoadApp reads the main bundle at appPath and the extension bundles nested
// under the platform plugin directories, and prepares each for provisioning
// under account.
func LoadApp(appPath string, platform Platform, account Account, analyze Analyzer) (*App, error) {
	main, err := loadBundle(appPath, platform, analyze)
	if err != nil {
		return nil, err
	}
	main.Main = true
	main.NewBundleID = NewBundleID(main.BundleID, account)

	app := &App{Path: appPath, Platform: platform, Bundles: []*Bundle{main}}

	for _, dir := range platform.PluginDirs() {
		matches, err := filepath.Glob(filepath.Join(appPath, dir, "*.appex"))
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		sort.Strings(matches)
		for _, path := range matches {
			b, err := loadBundle(path, platform, analyze)
			if err != nil {
				return nil, err
			}
			b.NewBundleID = nestedBundleID(b.BundleID, main.BundleID, main.NewBundleID)
			app.Bundles = append(app.Bundles, b)
		}
	}

	for _, b := range app.Bundles {
		b.Entitlements = adjustEntitlements(b.Entitlements, platform, account.team(), b.NewBundleID)
	}
	return app, nil
}

func loadBundle(path string, platform Platform, analyze Analyzer) (*Bundle, error) {
	info, err := codesign.ReadBundleInfo(filepath.Join(path, platform.ManifestPath()))
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", filepath.Base(path), err)
	}

	b := &Bundle{Path: path, BundleID: info.BundleID, Executable: info.Executable}
	b.Entitlements, err = bundleEntitlements(path, platform, info.Executable, analyze)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// bundleEntitlements loads the signing sidecar, falling back to the analyzer
// and then to an empty set.
func bundleEntitlements(path string, platform Platform, executable string, analyze Analyzer) (Entitlements, error) {
	sidecar := filepath.Join(path, platform.EntitlementsSidecarPath())
	ents, err := codesign.ReadEntitlementsFile(sidecar)
	if err == nil {
		return Entitlements(ents), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read entitlements sidecar: %w", err)
	}

	if analyze != nil {
		ents, err := analyze(filepath.Join(path, platform.ExecutablePath(executable)))
		if err == nil {
			return ents, nil
		}
		log.WithError(err).WithField("bundle", filepath.Base(path)).Debug("no entitlements in executable")
	}
	return Entitlements{}, nil
}

// adjustEntitlements applies the entitlements every development-signed
// bundle must carry on platform.
func adjustEntitlements(ents Entitlements, platform Platform, team, newBundleID string) Entitlements {
	if platform.IsMobile() {
		return codesign.MergeEntitlements(ents, Entitlements{"get-task-allow": true})
	}

	base := ents.Clone()
	for _, key := range []string{
		"application-identifier",
		"com.apple.application-identifier",
		"get-task-allow",
		"com.apple.security.get-task-allow",
		keychainAccessGroupsKey,
	} {
		delete(base, key)
	}
	return codesign.MergeEntitlements(base, Entitlements{
		platform.appIDKey():        team + "." + newBundleID,
		platform.getTaskAllowKey(): true,
		keychainAccessGroupsKey:    []interface{}{team + ".*"},
	})
}
