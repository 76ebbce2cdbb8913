package provision

import (
	"testing"
	"time"
)

func TestNormalizeSerial(t *testing.T) {
	tests := map[string]string{
		"00AB":  "AB",
		"AB":    "AB",
		"ab":    "AB",
		"0000":  "0",
		"":      "0",
		"01a2B": "1A2B",
	}
	for in, want := range tests {
		if got := NormalizeSerial(in); got != want {
			t.Errorf("NormalizeSerial(%q) = %q, want %q", in, got, want)
		}
	}
	if NormalizeSerial("00AB") != NormalizeSerial("AB") {
		t.Error("leading zeros should not change the serial")
	}
}

func TestCertificateIsActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !(Certificate{}).IsActive(now) {
		t.Error("certificate without expiration should be active")
	}
	if !(Certificate{ExpirationDate: timep(now.Add(time.Hour))}).IsActive(now) {
		t.Error("certificate expiring later should be active")
	}
	if (Certificate{ExpirationDate: timep(now.Add(-time.Second))}).IsActive(now) {
		t.Error("expired certificate should not be active")
	}
}

func TestDeviceStatus(t *testing.T) {
	if d := (Device{}); d.Enabled() || d.Disabled() {
		t.Error("device without status should be neither enabled nor disabled")
	}
	if !(Device{Status: strp("enabled")}).Enabled() {
		t.Error("status comparison should ignore case")
	}
	if !(Device{Status: strp(DeviceDisabled)}).Disabled() {
		t.Error("expected disabled device")
	}
}

func TestPlatformMatchesDevice(t *testing.T) {
	tests := []struct {
		name     string
		device   Device
		platform Platform
		want     bool
	}{
		{"platform field", Device{Platform: strp("IOS")}, PlatformIOS, true},
		{"platform field wins over class", Device{Platform: strp("MAC_OS"), DeviceClass: strp("IPHONE")}, PlatformIOS, false},
		{"legacy class", Device{DeviceClass: strp("IPAD")}, PlatformIOS, true},
		{"legacy mac class", Device{DeviceClass: strp("MAC")}, PlatformMacOS, true},
		{"no fields", Device{}, PlatformIOS, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.platform.matchesDevice(tt.device); got != tt.want {
				t.Errorf("matchesDevice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParsePlatform(t *testing.T) {
	for in, want := range map[string]Platform{"ios": PlatformIOS, "": PlatformIOS, "macOS": PlatformMacOS, "mac": PlatformMacOS} {
		got, err := ParsePlatform(in)
		if err != nil || got != want {
			t.Errorf("ParsePlatform(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePlatform("tvos"); err == nil {
		t.Error("expected error for unknown platform")
	}
}

func TestNewBundleIDPrefixesTeam(t *testing.T) {
	tests := []struct {
		id      string
		account Account
		want    string
	}{
		{"com.example.app", Account{ID: "acct", TeamID: "TEAM123456"}, "XTL-TEAM123456.com.example.app"},
		{"com.example.my_app", Account{ID: "acct", TeamID: "TEAM123456"}, "XTL-TEAM123456.com.example.my-app"},
		{"com.example.app", Account{ID: "TEAM123456"}, "XTL-TEAM123456.com.example.app"},
	}
	for _, tt := range tests {
		if got := NewBundleID(tt.id, tt.account); got != tt.want {
			t.Errorf("NewBundleID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}

	main := NewBundleID("com.example.app", Account{TeamID: "TEAM123456"})
	if got := nestedBundleID("com.example.app.widget", "com.example.app", main); got != "XTL-TEAM123456.com.example.app.widget" {
		t.Errorf("nested id = %q", got)
	}
	if got := nestedBundleID("org.other.share_ext", "com.example.app", main); got != "XTL-TEAM123456.com.example.app.share-ext" {
		t.Errorf("foreign nested id = %q", got)
	}
}
