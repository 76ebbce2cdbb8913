package provision

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Platform selects the bundle layout and entitlement rules for a target.
// There are exactly two values; the zero value is iOS.
type Platform int

const (
	PlatformIOS Platform = iota
	PlatformMacOS
)

// ParsePlatform accepts "ios" or "macos" (case-insensitive, "mac" and
// "osx" are aliases for macOS).
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ios":
		return PlatformIOS, nil
	case "macos", "mac", "osx":
		return PlatformMacOS, nil
	}
	return 0, fmt.Errorf("unknown platform %q", s)
}

func (p Platform) String() string {
	if p == PlatformMacOS {
		return "macOS"
	}
	return "iOS"
}

// APIName is the platform identifier used by the developer services API.
func (p Platform) APIName() string {
	if p == PlatformMacOS {
		return "MAC_OS"
	}
	return "IOS"
}

// ProfileType is the development profile type minted for this platform.
func (p Platform) ProfileType() string {
	if p == PlatformMacOS {
		return "MAC_APP_DEVELOPMENT"
	}
	return "IOS_APP_DEVELOPMENT"
}

// IsMobile reports whether devices are registered by explicit UDID.
func (p Platform) IsMobile() bool { return p != PlatformMacOS }

// DeviceClasses lists the legacy deviceClass values that belong to p.
func (p Platform) DeviceClasses() []string {
	if p == PlatformMacOS {
		return []string{"MAC"}
	}
	return []string{"IPHONE", "IPAD", "IPOD", "APPLE_WATCH", "APPLE_TV"}
}

// contents is the directory holding bundle metadata relative to the bundle root.
func (p Platform) contents() string {
	if p == PlatformMacOS {
		return "Contents"
	}
	return ""
}

// ManifestPath is the Info.plist path relative to the bundle root.
func (p Platform) ManifestPath() string {
	return filepath.Join(p.contents(), "Info.plist")
}

// ProfilePath is the embedded profile path relative to the bundle root.
func (p Platform) ProfilePath() string {
	if p == PlatformMacOS {
		return filepath.Join("Contents", "embedded.provisionprofile")
	}
	return "embedded.mobileprovision"
}

// EntitlementsSidecarPath is the signing sidecar written by the build.
func (p Platform) EntitlementsSidecarPath() string {
	return filepath.Join(p.contents(), "archived-expanded-entitlements.xcent")
}

// ExecutablePath is the main executable path relative to the bundle root.
func (p Platform) ExecutablePath(executable string) string {
	if p == PlatformMacOS {
		return filepath.Join("Contents", "MacOS", executable)
	}
	return executable
}

// PluginDirs are the subdirectories scanned for nested .appex bundles.
func (p Platform) PluginDirs() []string {
	return []string{
		filepath.Join(p.contents(), "PlugIns"),
		filepath.Join(p.contents(), "Extensions"),
	}
}

// appIDKey is the entitlement carrying the application identifier.
func (p Platform) appIDKey() string {
	if p == PlatformMacOS {
		return "com.apple.application-identifier"
	}
	return "application-identifier"
}

// getTaskAllowKey is the entitlement allowing a debugger to attach.
func (p Platform) getTaskAllowKey() string {
	if p == PlatformMacOS {
		return "com.apple.security.get-task-allow"
	}
	return "get-task-allow"
}

// matchesDevice reports whether d belongs to this platform. The platform
// field wins when present; the deviceClass field is consulted only when it
// is absent.
func (p Platform) matchesDevice(d Device) bool {
	if d.Platform != nil {
		return strings.EqualFold(*d.Platform, p.APIName())
	}
	if d.DeviceClass != nil {
		for _, class := range p.DeviceClasses() {
			if strings.EqualFold(*d.DeviceClass, class) {
				return true
			}
		}
		return false
	}
	return false
}

// matchesBundleID reports whether an app id registered for platform (as
// reported remotely) can be used for p. An absent platform is universal.
func (p Platform) matchesBundleID(platform *string) bool {
	if platform == nil {
		return true
	}
	return strings.EqualFold(*platform, p.APIName()) || strings.EqualFold(*platform, "UNIVERSAL")
}
