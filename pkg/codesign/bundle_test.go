package codesign

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"howett.net/plist"
)

func writeInfoPlist(t *testing.T, format int, info map[string]interface{}) string {
	t.Helper()
	data, err := plist.Marshal(info, format)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "Info.plist")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadBundleInfo(t *testing.T) {
	path := writeInfoPlist(t, plist.XMLFormat, map[string]interface{}{
		"CFBundleIdentifier": "com.example.app",
		"CFBundleExecutable": "Example",
	})

	info, err := ReadBundleInfo(path)
	if err != nil {
		t.Fatalf("ReadBundleInfo failed: %v", err)
	}
	if info.BundleID != "com.example.app" || info.Executable != "Example" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestReadBundleInfo_MissingKeys(t *testing.T) {
	path := writeInfoPlist(t, plist.XMLFormat, map[string]interface{}{
		"CFBundleExecutable": "Example",
	})
	if _, err := ReadBundleInfo(path); err == nil {
		t.Error("expected an error without CFBundleIdentifier")
	}

	path = writeInfoPlist(t, plist.XMLFormat, map[string]interface{}{
		"CFBundleIdentifier": "com.example.app",
	})
	if _, err := ReadBundleInfo(path); err == nil {
		t.Error("expected an error without CFBundleExecutable")
	}
}

func TestSetBundleID(t *testing.T) {
	tests := []struct {
		name   string
		format int
	}{
		{"xml", plist.XMLFormat},
		{"binary", plist.BinaryFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeInfoPlist(t, tt.format, map[string]interface{}{
				"CFBundleIdentifier": "com.example.app",
				"CFBundleExecutable": "Example",
				"CFBundleVersion":    "42",
			})

			if err := SetBundleID(path, "com.example.app.TEAM123456"); err != nil {
				t.Fatalf("SetBundleID failed: %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			var info map[string]interface{}
			format, err := plist.Unmarshal(data, &info)
			if err != nil {
				t.Fatal(err)
			}
			if format != tt.format {
				t.Errorf("format changed from %d to %d", tt.format, format)
			}
			if info["CFBundleIdentifier"] != "com.example.app.TEAM123456" {
				t.Errorf("CFBundleIdentifier = %v", info["CFBundleIdentifier"])
			}
			if info["CFBundleVersion"] != "42" {
				t.Errorf("other keys should be kept, CFBundleVersion = %v", info["CFBundleVersion"])
			}
			if tt.format == plist.XMLFormat && !strings.HasPrefix(string(data), "<?xml") {
				t.Error("XML plist should stay XML")
			}
		})
	}
}
