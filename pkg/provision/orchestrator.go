package provision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/aluedeke/go-provision/pkg/codesign"
	"github.com/aluedeke/go-provision/pkg/retry"
)

// State is a step of a provisioning run.
type State int

const (
	StateIdle State = iota
	StateCacheCheck
	StateDeviceRegistration
	StateCertificateResolution
	StateProfileCreation
	StatePersist
	StateDone
	StateFailed
)

var stateNames = [...]string{
	"idle", "cache-check", "device-registration", "certificate-resolution",
	"profile-creation", "persist", "done", "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const defaultProfileAttempts = 4

// Signer signs the provisioned app. entitlements is keyed by bundle path.
type Signer interface {
	Sign(ctx context.Context, appPath string, identity *SigningIdentity, entitlements map[string]Entitlements) error
}

// Observer receives progress side channels. Every field is optional.
type Observer struct {
	Status   func(string)
	Progress func(float64)
	State    func(State)
	// DidProvision runs after the bundles are rewritten and before signing.
	DidProvision func()
}

func (o Observer) status(format string, args ...interface{}) {
	if o.Status != nil {
		o.Status(fmt.Sprintf(format, args...))
	}
}

func (o Observer) progress(p float64) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

func (o Observer) state(s State) {
	log.WithField("state", s).Debug("provisioning state")
	if o.State != nil {
		o.State(s)
	}
}

type deviceEnsurer interface {
	Ensure(ctx context.Context, target TargetDevice) error
}

type identityResolver interface {
	Resolve(ctx context.Context, account Account, confirm ConfirmFunc) (*SigningIdentity, error)
}

type profileSource interface {
	LoadApp(path string, platform Platform, account Account) (*App, error)
	ResolveCached(ctx context.Context, app *App, req Request) ([]*ProvisioningInfo, bool)
	ResolveRemote(ctx context.Context, b *Bundle, req Request) (*ProvisioningInfo, error)
	Persist(info *ProvisioningInfo, req Request)
}

// Orchestrator runs the provisioning workflow for an app.
type Orchestrator struct {
	Devices      deviceEnsurer
	Certificates identityResolver
	Profiles     profileSource
	Identities   *IdentityCache
	Signer       Signer

	// ProfileAttempts defaults to 4.
	ProfileAttempts int
	Sleep           retry.SleepFunc
}

// New wires an orchestrator from its parts.
func New(registrar *DeviceRegistrar, certs *CertificateManager, profiles *ProfileResolver, signer Signer) *Orchestrator {
	return &Orchestrator{
		Devices:      registrar,
		Certificates: certs,
		Profiles:     profiles,
		Identities:   certs.Identities,
		Signer:       signer,
	}
}

// Options are the per-run inputs of Provision.
type Options struct {
	Account  Account
	Platform Platform
	// Device is nil when the profile is not bound to a specific device.
	Device   *TargetDevice
	Confirm  ConfirmFunc
	Observer Observer
}

// Result is the outcome of a successful run.
type Result struct {
	// NewBundleID is the main bundle's new identifier.
	NewBundleID string
	Identity    *SigningIdentity
	Infos       []*ProvisioningInfo
	FromCache   bool
}

// Provision resolves a signing identity and profiles for the app at
// appPath, rewrites its bundles and hands it to the signer.
//
// Bundles are rewritten one after another without rollback: if a rewrite
// fails, bundles before it stay modified.
func (o *Orchestrator) Provision(ctx context.Context, appPath string, opts Options) (*Result, error) {
	obs := opts.Observer
	res, err := o.run(ctx, appPath, opts)
	if err != nil {
		obs.state(StateFailed)
		return nil, err
	}
	obs.state(StateDone)
	obs.progress(1)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, appPath string, opts Options) (*Result, error) {
	obs := opts.Observer
	obs.state(StateIdle)
	obs.progress(0)

	app, err := o.Profiles.LoadApp(appPath, opts.Platform, opts.Account)
	if err != nil {
		return nil, err
	}

	if cached := o.Identities.Get(opts.Account); cached != nil {
		obs.state(StateCacheCheck)
		obs.status("Checking cached provisioning profiles")
		req := Request{Account: opts.Account, Platform: opts.Platform, Device: opts.Device, Identity: cached}
		if infos, ok := o.Profiles.ResolveCached(ctx, app, req); ok {
			log.WithField("bundles", len(infos)).Info("using cached provisioning profiles")
			return o.finish(ctx, app, cached, infos, true, obs)
		}
	}

	if opts.Device != nil {
		obs.state(StateDeviceRegistration)
		obs.status("Registering %s", opts.Device.UDID)
		if err := o.Devices.Ensure(ctx, *opts.Device); err != nil {
			if !transientRegistrationError(err) {
				return nil, err
			}
			log.WithError(err).Warn("device registration failed, continuing")
			obs.status("Could not confirm device registration, continuing")
		}
	}
	obs.progress(1.0 / 3)

	obs.state(StateCertificateResolution)
	obs.status("Resolving signing certificate")
	identity, err := o.Certificates.Resolve(ctx, opts.Account, opts.Confirm)
	if err != nil {
		return nil, err
	}
	obs.progress(2.0 / 3)

	obs.state(StateProfileCreation)
	obs.status("Creating provisioning profiles")
	req := Request{Account: opts.Account, Platform: opts.Platform, Device: opts.Device, Identity: identity}
	infos, err := o.createProfiles(ctx, app, req, obs)
	if err != nil {
		return nil, err
	}

	obs.state(StatePersist)
	for _, info := range infos {
		o.Profiles.Persist(info, req)
	}

	return o.finish(ctx, app, identity, infos, false, obs)
}

// createProfiles mints a profile for every bundle. Failures caused by a
// device or app id that has not propagated yet re-run device registration
// and retry after attempt seconds. Bundles that already have a profile are
// not minted again on later attempts.
func (o *Orchestrator) createProfiles(ctx context.Context, app *App, req Request, obs Observer) ([]*ProvisioningInfo, error) {
	attempts := o.ProfileAttempts
	if attempts == 0 {
		attempts = defaultProfileAttempts
	}

	resolved := make([]*ProvisioningInfo, len(app.Bundles))
	err := retry.Do(ctx, retry.Policy{
		Attempts:  attempts,
		Retryable: func(err error) bool { return notYetPropagated(err, req.Platform) },
		Backoff:   retry.Linear(time.Second),
		Sleep:     o.Sleep,
		OnRetry: func(ctx context.Context, attempt int, err error) {
			log.WithError(err).WithField("attempt", attempt).Warn("profile creation failed, retrying")
			obs.status("Waiting for registration to propagate (attempt %d)", attempt+1)
			if req.Device != nil {
				if err := o.Devices.Ensure(ctx, *req.Device); err != nil {
					log.WithError(err).Debug("device registration retry failed")
				}
			}
		},
	}, func(ctx context.Context, attempt int) error {
		for i, b := range app.Bundles {
			if resolved[i] != nil {
				continue
			}
			info, err := o.Profiles.ResolveRemote(ctx, b, req)
			if err != nil {
				return err
			}
			resolved[i] = info
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// finish rewrites each bundle, then signs.
func (o *Orchestrator) finish(ctx context.Context, app *App, identity *SigningIdentity, infos []*ProvisioningInfo, fromCache bool, obs Observer) (*Result, error) {
	entitlements := make(map[string]Entitlements, len(infos))
	for _, info := range infos {
		if err := writeBundle(app.Platform, info); err != nil {
			return nil, err
		}
		entitlements[info.Bundle.Path] = info.Entitlements
	}

	if obs.DidProvision != nil {
		obs.DidProvision()
	}

	if o.Signer != nil {
		obs.status("Signing %s", filepath.Base(app.Path))
		if err := o.Signer.Sign(ctx, app.Path, identity, entitlements); err != nil {
			return nil, fmt.Errorf("failed to sign app: %w", err)
		}
	}

	return &Result{
		NewBundleID: app.Main().NewBundleID,
		Identity:    identity,
		Infos:       infos,
		FromCache:   fromCache,
	}, nil
}

func writeBundle(platform Platform, info *ProvisioningInfo) error {
	b := info.Bundle
	if err := codesign.SetBundleID(filepath.Join(b.Path, platform.ManifestPath()), info.NewBundleID); err != nil {
		return fmt.Errorf("failed to update %s: %w", filepath.Base(b.Path), err)
	}

	profilePath := filepath.Join(b.Path, platform.ProfilePath())
	if err := os.Remove(profilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove embedded profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(profilePath), 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	if err := os.WriteFile(profilePath, info.Profile.Raw, 0644); err != nil {
		return fmt.Errorf("failed to write embedded profile: %w", err)
	}
	return nil
}

// transientRegistrationError reports failures of device registration the
// run proceeds past.
func transientRegistrationError(err error) bool {
	var notAvailable *DeviceNotAvailableError
	if errors.As(err, &notAvailable) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrConnectivity) || errors.Is(err, ErrUnrecognizedResponse) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// notYetPropagated reports whether a profile creation failure is caused by
// a registration the remote side has not caught up with.
func notYetPropagated(err error, platform Platform) bool {
	if errors.Is(err, ErrNoRegisteredDevices) || errors.Is(err, ErrBundleIDNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no current") && strings.Contains(msg, "devices") &&
		strings.Contains(msg, strings.ToLower(platform.String()))
}
