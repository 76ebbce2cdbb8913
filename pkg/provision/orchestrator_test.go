package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluedeke/go-provision/pkg/codesign"
)

type fakeSigner struct {
	calls        int
	identity     *SigningIdentity
	entitlements map[string]Entitlements
	err          error
}

func (s *fakeSigner) Sign(ctx context.Context, appPath string, identity *SigningIdentity, entitlements map[string]Entitlements) error {
	s.calls++
	s.identity = identity
	s.entitlements = entitlements
	return s.err
}

type fakeRegistrar struct {
	calls int
	err   error
}

func (r *fakeRegistrar) Ensure(ctx context.Context, target TargetDevice) error {
	r.calls++
	return r.err
}

type fakeCertificates struct {
	identity *SigningIdentity
	err      error
}

func (c *fakeCertificates) Resolve(ctx context.Context, account Account, confirm ConfirmFunc) (*SigningIdentity, error) {
	return c.identity, c.err
}

// scriptedProfiles loads real bundles but answers remote resolution from a
// script of errors before returning profile.
type scriptedProfiles struct {
	ProfileResolver
	profile  *Mobileprovision
	failures []error
	calls    int
	persists int
}

func (p *scriptedProfiles) ResolveRemote(ctx context.Context, b *Bundle, req Request) (*ProvisioningInfo, error) {
	p.calls++
	if p.calls <= len(p.failures) {
		return nil, p.failures[p.calls-1]
	}
	return &ProvisioningInfo{Bundle: b, NewBundleID: b.NewBundleID, Entitlements: b.Entitlements, Profile: p.profile}, nil
}

func (p *scriptedProfiles) Persist(info *ProvisioningInfo, req Request) { p.persists++ }

func scriptedFixture(t *testing.T, failures ...error) (*Orchestrator, *fakeRegistrar, *scriptedProfiles, *recordingSleeper, string, Options) {
	id := testIdentity(t)
	m, err := ParseMobileprovision(profileFor(t, id, map[string]interface{}{"get-task-allow": true}, "AAAA-1111"))
	if err != nil {
		t.Fatal(err)
	}
	registrar := &fakeRegistrar{}
	profiles := &scriptedProfiles{profile: m, failures: failures}
	sleeper := &recordingSleeper{}
	o := &Orchestrator{
		Devices:      registrar,
		Certificates: &fakeCertificates{identity: id},
		Profiles:     profiles,
		Identities:   NewIdentityCache(),
		Signer:       &fakeSigner{},
		Sleep:        sleeper.Sleep,
	}
	device := NewTargetDevice("AAAA-1111", "", PlatformIOS)
	opts := Options{Account: Account{ID: "acct", TeamID: testTeam}, Platform: PlatformIOS, Device: &device}
	path := makeApp(t, PlatformIOS, testBundle{bundleID: "com.example.app"})
	return o, registrar, profiles, sleeper, path, opts
}

func TestProvisionRetriesUntilDevicesPropagate(t *testing.T) {
	o, registrar, profiles, sleeper, path, opts := scriptedFixture(t, ErrNoRegisteredDevices, ErrNoRegisteredDevices, ErrNoRegisteredDevices)

	var progress []float64
	opts.Observer.Progress = func(p float64) { progress = append(progress, p) }

	res, err := o.Provision(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if profiles.calls != 4 {
		t.Errorf("ResolveRemote calls = %d, want 4", profiles.calls)
	}
	// One registration up front plus one per retry.
	if registrar.calls != 1+3 {
		t.Errorf("registration calls = %d, want 4", registrar.calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if fmt.Sprint(sleeper.delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", sleeper.delays, want)
	}
	if fmt.Sprint(progress) != fmt.Sprint([]float64{0, 1.0 / 3, 2.0 / 3, 1}) {
		t.Errorf("progress = %v", progress)
	}
	if res.NewBundleID != "XTL-"+testTeam+".com.example.app" || res.FromCache {
		t.Errorf("unexpected result %+v", res)
	}
	if profiles.persists != 1 {
		t.Errorf("persists = %d, want 1", profiles.persists)
	}
}

func TestProvisionGivesUpAfterFourAttempts(t *testing.T) {
	o, _, profiles, sleeper, path, opts := scriptedFixture(t,
		ErrBundleIDNotFound, ErrBundleIDNotFound, ErrBundleIDNotFound, ErrNoRegisteredDevices, nil)

	var states []State
	opts.Observer.State = func(s State) { states = append(states, s) }

	_, err := o.Provision(context.Background(), path, opts)
	if !errors.Is(err, ErrNoRegisteredDevices) {
		t.Fatalf("expected the last error, got %v", err)
	}
	if profiles.calls != 4 {
		t.Errorf("ResolveRemote calls = %d, want 4", profiles.calls)
	}
	if len(sleeper.delays) != 3 {
		t.Errorf("sleeps = %d, want 3", len(sleeper.delays))
	}
	if states[len(states)-1] != StateFailed {
		t.Errorf("final state = %v", states[len(states)-1])
	}
}

func TestProvisionRetriesOnDeviceMessage(t *testing.T) {
	msg := errors.New("There are no current iOS devices on this team matching the provided device IDs")
	o, _, profiles, _, path, opts := scriptedFixture(t, msg)

	if _, err := o.Provision(context.Background(), path, opts); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if profiles.calls != 2 {
		t.Errorf("ResolveRemote calls = %d, want 2", profiles.calls)
	}
}

func TestProvisionDoesNotRetryFatalErrors(t *testing.T) {
	o, _, profiles, sleeper, path, opts := scriptedFixture(t, ErrInvalidProfileData)

	if _, err := o.Provision(context.Background(), path, opts); !errors.Is(err, ErrInvalidProfileData) {
		t.Fatalf("expected ErrInvalidProfileData, got %v", err)
	}
	if profiles.calls != 1 || len(sleeper.delays) != 0 {
		t.Errorf("fatal error was retried: calls=%d sleeps=%d", profiles.calls, len(sleeper.delays))
	}
}

func TestProvisionRegistrationErrors(t *testing.T) {
	t.Run("device not available aborts", func(t *testing.T) {
		o, registrar, profiles, _, path, opts := scriptedFixture(t)
		registrar.err = &DeviceNotAvailableError{UDID: "AAAA-1111"}
		_, err := o.Provision(context.Background(), path, opts)
		var notAvailable *DeviceNotAvailableError
		if !errors.As(err, &notAvailable) {
			t.Fatalf("expected DeviceNotAvailableError, got %v", err)
		}
		if profiles.calls != 0 {
			t.Error("no profile should be created")
		}
	})

	t.Run("transient failure continues", func(t *testing.T) {
		o, registrar, _, _, path, opts := scriptedFixture(t)
		registrar.err = fmt.Errorf("list devices: %w", ErrConnectivity)
		var statuses []string
		opts.Observer.Status = func(s string) { statuses = append(statuses, s) }

		if _, err := o.Provision(context.Background(), path, opts); err != nil {
			t.Fatalf("Provision failed: %v", err)
		}
		found := false
		for _, s := range statuses {
			if s == "Could not confirm device registration, continuing" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected fallback status, got %v", statuses)
		}
	})

	t.Run("other failures abort", func(t *testing.T) {
		o, registrar, _, _, path, opts := scriptedFixture(t)
		registrar.err = &UnexpectedStatusError{Operation: "register device", StatusCode: 500}
		if _, err := o.Provision(context.Background(), path, opts); err == nil {
			t.Fatal("expected failure")
		}
	})
}

func TestProvisionCancellationInterruptsRetry(t *testing.T) {
	o, _, _, _, path, opts := scriptedFixture(t, ErrNoRegisteredDevices, ErrNoRegisteredDevices)
	ctx, cancel := context.WithCancel(context.Background())
	o.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	if _, err := o.Provision(ctx, path, opts); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProvisionFromCacheWithoutNetwork(t *testing.T) {
	id := testIdentity(t)
	account := Account{ID: "acct", TeamID: testTeam}
	required := map[string]interface{}{
		"keychain-access-groups": []interface{}{testTeam + ".com.example.app"},
		"aps-environment":        "development",
	}
	path := makeApp(t, PlatformIOS,
		testBundle{bundleID: "com.example.app", entitlements: required},
		testBundle{dir: "PlugIns/Widget.appex", bundleID: "com.example.app.widget", entitlements: required},
	)
	// An old embedded profile signed by someone else is replaced.
	if err := os.WriteFile(filepath.Join(path, "embedded.mobileprovision"), []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}

	granted := map[string]interface{}{
		"application-identifier": testTeam + ".*",
		"keychain-access-groups": []interface{}{testTeam + ".*"},
		"aps-environment":        "development",
		"get-task-allow":         true,
	}
	profile := profileFor(t, id, granted, "AAAA-1111")

	fast, disk := newMemStore(), newMemStore()
	cache := &ProvisioningCache{Fast: fast, Disk: disk}
	app, err := LoadApp(path, PlatformIOS, account, nil)
	if err != nil {
		t.Fatal(err)
	}
	// One bundle is cached on disk only, the other under its sanitized id.
	if err := disk.Set(CacheKey("acct", PlatformIOS, "AAAA-1111", app.Bundles[0].NewBundleID), profile); err != nil {
		t.Fatal(err)
	}
	if err := fast.Set(CacheKey("acct", PlatformIOS, "", app.Bundles[1].BundleID), profile); err != nil {
		t.Fatal(err)
	}

	api := newFakeAPI()
	identities := NewIdentityCache()
	identities.Put(account, id)
	signer := &fakeSigner{}
	o := New(
		&DeviceRegistrar{API: api},
		&CertificateManager{API: api, Identities: identities},
		&ProfileResolver{API: api, Cache: cache},
		signer,
	)

	var states []State
	didProvision := false
	device := NewTargetDevice("aaaa-1111", "", PlatformIOS)
	res, err := o.Provision(context.Background(), path, Options{
		Account:  account,
		Platform: PlatformIOS,
		Device:   &device,
		Observer: Observer{
			State:        func(s State) { states = append(states, s) },
			DidProvision: func() { didProvision = true },
		},
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if n := api.total(); n != 0 {
		t.Errorf("expected zero network calls, got %d", n)
	}
	if res.NewBundleID != "XTL-"+testTeam+".com.example.app" || !res.FromCache {
		t.Errorf("unexpected result %+v", res)
	}
	if fmt.Sprint(states) != fmt.Sprint([]State{StateIdle, StateCacheCheck, StateDone}) {
		t.Errorf("states = %v", states)
	}
	if !didProvision || signer.calls != 1 || signer.identity != id {
		t.Errorf("signer not invoked as expected: didProvision=%v calls=%d", didProvision, signer.calls)
	}
	if len(signer.entitlements) != 2 {
		t.Errorf("expected entitlements for 2 bundles, got %d", len(signer.entitlements))
	}

	info, err := codesign.ReadBundleInfo(filepath.Join(path, "PlugIns", "Widget.appex", "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}
	if info.BundleID != res.NewBundleID+".widget" {
		t.Errorf("widget bundle id = %q", info.BundleID)
	}
	embedded, err := os.ReadFile(filepath.Join(path, "embedded.mobileprovision"))
	if err != nil || string(embedded) != string(profile) {
		t.Error("embedded profile should be replaced with the cached one")
	}
}

func TestProvisionCacheMissFallsBackToRemote(t *testing.T) {
	o, registrar, profiles, _, path, opts := scriptedFixture(t)
	o.Identities.Put(opts.Account, testIdentity(t))
	profiles.Cache = &ProvisioningCache{Fast: newMemStore()}

	res, err := o.Provision(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if res.FromCache || registrar.calls != 1 || profiles.calls != 1 {
		t.Errorf("expected the remote path: %+v registrations=%d", res, registrar.calls)
	}
}
