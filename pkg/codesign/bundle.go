package codesign

import (
	"fmt"
	"os"

	"howett.net/plist"
)

// BundleInfo holds the manifest fields provisioning cares about
type BundleInfo struct {
	BundleID   string
	Executable string
}

// ReadBundleInfo reads the bundle ID and executable name from an Info.plist
func ReadBundleInfo(infoPlistPath string) (*BundleInfo, error) {
	info, err := readInfoPlist(infoPlistPath)
	if err != nil {
		return nil, err
	}

	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok || bundleID == "" {
		return nil, fmt.Errorf("CFBundleIdentifier not found in %s", infoPlistPath)
	}
	execName, ok := info["CFBundleExecutable"].(string)
	if !ok || execName == "" {
		return nil, fmt.Errorf("CFBundleExecutable not found in %s", infoPlistPath)
	}

	return &BundleInfo{BundleID: bundleID, Executable: execName}, nil
}

// SetBundleID rewrites CFBundleIdentifier in an Info.plist, keeping the
// original plist encoding (XML or binary).
func SetBundleID(infoPlistPath, newBundleID string) error {
	data, err := os.ReadFile(infoPlistPath)
	if err != nil {
		return fmt.Errorf("failed to read Info.plist: %w", err)
	}

	var info map[string]interface{}
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		return fmt.Errorf("failed to parse Info.plist: %w", err)
	}

	info["CFBundleIdentifier"] = newBundleID

	var newData []byte
	if format == plist.XMLFormat {
		newData, err = plist.MarshalIndent(info, plist.XMLFormat, "\t")
	} else {
		newData, err = plist.Marshal(info, format)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal Info.plist: %w", err)
	}

	if err := os.WriteFile(infoPlistPath, newData, 0644); err != nil {
		return fmt.Errorf("failed to write Info.plist: %w", err)
	}

	return nil
}

func readInfoPlist(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}

	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}
