package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/aluedeke/go-provision/pkg/retry"
)

const (
	defaultLookupAttempts = 6
	defaultLookupInterval = time.Second
)

// Request carries what profile resolution needs for one run.
type Request struct {
	Account  Account
	Platform Platform
	// Device is nil when no specific device is required.
	Device   *TargetDevice
	Identity *SigningIdentity
}

func (r Request) udid() string {
	if r.Device == nil {
		return ""
	}
	return r.Device.UDID
}

// ProfileResolver finds a usable profile for each bundle, either locally
// (embedded or cached) or by minting one remotely.
type ProfileResolver struct {
	API      DeveloperServices
	Cache    *ProvisioningCache
	Analyzer Analyzer

	// LookupAttempts defaults to 6 and LookupInterval to one second.
	LookupAttempts int
	LookupInterval time.Duration
	Sleep          retry.SleepFunc
	Now            func() time.Time
}

func (r *ProfileResolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// LoadApp reads the app at path using the resolver's analyzer.
func (r *ProfileResolver) LoadApp(path string, platform Platform, account Account) (*App, error) {
	return LoadApp(path, platform, account, r.Analyzer)
}

// ResolveCached resolves every bundle from its embedded profile or the
// cache. It reports false if any bundle has no usable profile; partial
// results are discarded.
func (r *ProfileResolver) ResolveCached(ctx context.Context, app *App, req Request) ([]*ProvisioningInfo, bool) {
	infos := make([]*ProvisioningInfo, 0, len(app.Bundles))
	for _, b := range app.Bundles {
		profile, ok := r.cachedProfile(b, req)
		if !ok {
			log.WithField("bundle", b.BundleID).Debug("no usable local profile")
			return nil, false
		}
		infos = append(infos, &ProvisioningInfo{
			Bundle:       b,
			NewBundleID:  b.NewBundleID,
			Entitlements: b.Entitlements,
			Profile:      profile,
		})
	}
	return infos, true
}

func (r *ProfileResolver) cachedProfile(b *Bundle, req Request) (*Mobileprovision, bool) {
	now := r.now()
	serial := req.Identity.Serial()
	udid := req.udid()

	var found *Mobileprovision
	accept := func(data []byte) bool {
		m, err := ParseMobileprovision(data)
		if err != nil {
			log.WithError(err).WithField("bundle", b.BundleID).Debug("skipping unreadable profile")
			return false
		}
		if err := m.usable(now, serial, udid, b.Entitlements); err != nil {
			log.WithError(err).WithField("bundle", b.BundleID).Debug("skipping profile")
			return false
		}
		found = m
		return true
	}

	embedded, err := os.ReadFile(filepath.Join(b.Path, req.Platform.ProfilePath()))
	if err == nil && accept(embedded) {
		return found, true
	}

	keys := CacheKeyVariants(req.Account.ID, req.Platform, udid, b.BundleID, b.NewBundleID)
	if _, ok := r.Cache.Lookup(keys, accept); ok {
		return found, true
	}
	return nil, false
}

// ResolveRemote mints a fresh development profile for one bundle.
func (r *ProfileResolver) ResolveRemote(ctx context.Context, b *Bundle, req Request) (*ProvisioningInfo, error) {
	lg := log.WithField("bundle", b.NewBundleID)

	appID, err := r.appID(ctx, b, req.Platform)
	if err != nil {
		return nil, err
	}

	if len(appID.ProfileIDs) == 1 {
		lg.Debug("deleting existing profile")
		if err := r.API.DeleteProfile(ctx, appID.ProfileIDs[0]); err != nil {
			return nil, fmt.Errorf("failed to delete existing profile: %w", err)
		}
	}

	deviceIDs, err := r.deviceIDs(ctx, req)
	if err != nil {
		return nil, err
	}
	certIDs, err := r.certificateIDs(ctx, req.Identity)
	if err != nil {
		return nil, err
	}

	lg.WithField("devices", len(deviceIDs)).Info("creating provisioning profile")
	profile, err := r.API.CreateProfile(ctx, ProfileRequest{
		Name:           fmt.Sprintf("%s %s development %d", b.NewBundleID, req.Platform, r.now().Unix()),
		Platform:       req.Platform,
		BundleIDID:     appID.ID,
		DeviceIDs:      deviceIDs,
		CertificateIDs: certIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning profile: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(profile.Content)
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("profile %s content: %w", profile.ID, ErrInvalidProfileData)
	}
	m, err := ParseMobileprovision(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %v: %w", profile.ID, err, ErrInvalidProfileData)
	}

	return &ProvisioningInfo{
		Bundle:       b,
		NewBundleID:  b.NewBundleID,
		Entitlements: b.Entitlements,
		Profile:      m,
	}, nil
}

// appID looks up the registered app id for the bundle, registering it on the
// first miss and waiting for it to propagate.
func (r *ProfileResolver) appID(ctx context.Context, b *Bundle, platform Platform) (BundleID, error) {
	attempts := r.LookupAttempts
	if attempts == 0 {
		attempts = defaultLookupAttempts
	}
	interval := r.LookupInterval
	if interval == 0 {
		interval = defaultLookupInterval
	}

	var found BundleID
	registered := false
	err := retry.Do(ctx, retry.Policy{
		Attempts:  attempts,
		Retryable: func(err error) bool { return errors.Is(err, ErrBundleIDNotFound) },
		Backoff:   retry.Constant(interval),
		Sleep:     r.Sleep,
	}, func(ctx context.Context, attempt int) error {
		ids, err := listBundleIDs(ctx, r.API, b.NewBundleID)
		if err != nil {
			return err
		}
		var matches []BundleID
		for _, id := range ids {
			if id.Identifier == b.NewBundleID && platform.matchesBundleID(id.Platform) {
				matches = append(matches, id)
			}
		}
		switch len(matches) {
		case 1:
			found = matches[0]
			return nil
		case 0:
		default:
			return fmt.Errorf("%s: %w", b.NewBundleID, ErrTooManyMatchingBundleIDs)
		}

		if !registered {
			registered = true
			if err := r.registerAppID(ctx, b, platform); err != nil {
				return err
			}
		}
		return fmt.Errorf("%s: %w", b.NewBundleID, ErrBundleIDNotFound)
	})
	return found, err
}

func (r *ProfileResolver) registerAppID(ctx context.Context, b *Bundle, platform Platform) error {
	name := strings.ReplaceAll(b.NewBundleID, ".", " ")
	log.WithField("bundle", b.NewBundleID).Info("registering app id")
	status, err := r.API.CreateBundleID(ctx, b.NewBundleID, name, platform)
	if err != nil {
		return fmt.Errorf("failed to register app id: %w", err)
	}
	switch status {
	case http.StatusCreated, http.StatusConflict:
		return nil
	}
	return &UnexpectedStatusError{Operation: "register app id", StatusCode: status}
}

// deviceIDs selects the enabled devices the profile is bound to.
func (r *ProfileResolver) deviceIDs(ctx context.Context, req Request) ([]string, error) {
	devices, err := listDevices(ctx, r.API)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, d := range devices {
		if !d.Enabled() {
			continue
		}
		if req.Device != nil {
			if strings.EqualFold(d.UDID, req.Device.UDID) {
				ids = append(ids, d.ID)
			}
			continue
		}
		if req.Platform.matchesDevice(d) {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no enabled %s devices: %w", req.Platform, ErrNoRegisteredDevices)
	}
	return ids, nil
}

func (r *ProfileResolver) certificateIDs(ctx context.Context, id *SigningIdentity) ([]string, error) {
	certs, err := listCertificates(ctx, r.API)
	if err != nil {
		return nil, err
	}
	serial := id.Serial()
	var ids []string
	for _, c := range certs {
		if NormalizeSerial(c.SerialNumber) == serial {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no remote certificate with serial %s", serial)
	}
	return ids, nil
}

// Persist stores a minted profile under every cache key variant of its
// bundle. Failures are logged and otherwise ignored.
func (r *ProfileResolver) Persist(info *ProvisioningInfo, req Request) {
	if r.Cache == nil || info.Profile == nil {
		return
	}
	b := info.Bundle
	for _, key := range CacheKeyVariants(req.Account.ID, req.Platform, req.udid(), b.BundleID, b.NewBundleID) {
		if err := r.Cache.Set(key, info.Profile.Raw); err != nil {
			log.WithError(err).WithField("key", key).Debug("failed to cache profile")
		}
	}
}
