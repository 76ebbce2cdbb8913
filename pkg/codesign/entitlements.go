package codesign

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/go-macho"
	"howett.net/plist"
)

// MergeEntitlements merges override entitlements into base entitlements
// Override values take precedence
func MergeEntitlements(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))

	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}

	return merged
}

// EntitlementsToXML converts entitlements map to XML plist bytes
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	if entitlements == nil {
		entitlements = map[string]interface{}{}
	}
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	_, err := plist.Unmarshal(data, &entitlements)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	if entitlements == nil {
		entitlements = map[string]interface{}{}
	}
	return entitlements, nil
}

// ReadEntitlementsFile reads an entitlements plist (e.g. an .xcent sidecar)
func ReadEntitlementsFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseEntitlementsXML(data)
}

// ErrNoEntitlements is returned when an executable carries no entitlements blob
var ErrNoEntitlements = errors.New("executable has no embedded entitlements")

// MachOEntitlements reads the entitlements embedded in the code signature of
// an existing executable. For universal binaries the first slice that carries
// entitlements wins.
func MachOEntitlements(path string) (map[string]interface{}, error) {
	fat, err := macho.OpenFat(path)
	if err == nil {
		defer fat.Close()
		for _, arch := range fat.Arches {
			if ents, err := fileEntitlements(arch.File); err == nil {
				return ents, nil
			}
		}
		return nil, ErrNoEntitlements
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	return fileEntitlements(m)
}

func fileEntitlements(m *macho.File) (map[string]interface{}, error) {
	cs := m.CodeSignature()
	if cs == nil || strings.TrimSpace(cs.Entitlements) == "" {
		return nil, ErrNoEntitlements
	}
	return ParseEntitlementsXML([]byte(cs.Entitlements))
}
