package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docopt/docopt-go"

	"github.com/aluedeke/go-provision/pkg/cache"
	"github.com/aluedeke/go-provision/pkg/provision"
)

// Config holds everything a provision run needs.
type Config struct {
	AppPath    string
	OutputPath string
	Platform   provision.Platform
	UDID       string
	DeviceName string

	P8Path  string
	KeyID   string
	Issuer  string
	Account provision.Account

	CacheDir      string
	CacheSize     int
	VaultPassword string
	P12Password   string

	Verbose bool
}

// optOrEnv returns the flag value, or the environment variable when the
// flag was not given.
func optOrEnv(opts docopt.Opts, flag, env string) string {
	if v, _ := opts.String(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

func loadConfig(opts docopt.Opts) (*Config, error) {
	conf := &Config{CacheSize: cache.DefaultSize}

	conf.AppPath, _ = opts.String("--app")
	conf.OutputPath, _ = opts.String("--output")
	conf.UDID, _ = opts.String("--udid")
	conf.DeviceName, _ = opts.String("--name")
	conf.Verbose, _ = opts.Bool("--verbose")
	conf.Account.Limited, _ = opts.Bool("--limited")

	platform, err := provision.ParsePlatform(optOrEnv(opts, "--platform", "PROVISION_PLATFORM"))
	if err != nil {
		return nil, err
	}
	conf.Platform = platform

	conf.P8Path = optOrEnv(opts, "--p8", "PROVISION_P8")
	conf.KeyID = optOrEnv(opts, "--key-id", "PROVISION_KEY_ID")
	conf.Issuer = optOrEnv(opts, "--issuer", "PROVISION_ISSUER")
	conf.Account.ID = optOrEnv(opts, "--account", "PROVISION_ACCOUNT")
	conf.Account.TeamID = optOrEnv(opts, "--team", "PROVISION_TEAM")
	conf.CacheDir = optOrEnv(opts, "--cache-dir", "PROVISION_CACHE_DIR")
	conf.VaultPassword = os.Getenv("PROVISION_VAULT_PASSWORD")
	conf.P12Password = os.Getenv("PROVISION_P12_PASSWORD")

	if conf.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate cache directory: %w", err)
		}
		conf.CacheDir = filepath.Join(dir, "go-provision")
	}
	if conf.Account.ID == "" {
		conf.Account.ID = conf.Account.TeamID
	}
	if conf.OutputPath == "" {
		conf.OutputPath = defaultOutput(conf.AppPath)
	}

	return conf, conf.validate()
}

// defaultOutput is the <app>-provisioned directory next to the input.
func defaultOutput(appPath string) string {
	clean := filepath.Clean(appPath)
	return strings.TrimSuffix(clean, filepath.Ext(clean)) + "-provisioned"
}

func (c *Config) validate() error {
	if c.AppPath == "" {
		return fmt.Errorf("--app is required")
	}
	if c.P8Path == "" {
		return fmt.Errorf("--p8 is required (or set PROVISION_P8 environment variable)")
	}
	if c.KeyID == "" {
		return fmt.Errorf("--key-id is required (or set PROVISION_KEY_ID environment variable)")
	}
	if c.Issuer == "" {
		return fmt.Errorf("--issuer is required (or set PROVISION_ISSUER environment variable)")
	}
	if c.Account.TeamID == "" {
		return fmt.Errorf("--team is required (or set PROVISION_TEAM environment variable)")
	}
	if c.Platform.IsMobile() && c.UDID == "" {
		return fmt.Errorf("--udid is required for %s", c.Platform)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.CacheSize)
	}
	return nil
}

func (c *Config) isIPA() bool {
	return strings.EqualFold(filepath.Ext(c.AppPath), ".ipa")
}
