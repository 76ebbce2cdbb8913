package provision

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"howett.net/plist"

	"github.com/aluedeke/go-provision/pkg/codesign/profiletest"
)

func init() {
	log.SetHandler(discard.Default)
}

func strp(s string) *string { return &s }

func timep(t time.Time) *time.Time { return &t }

// fakeAPI is an in-memory developer services backend. List calls page
// through their items pageSize at a time.
type fakeAPI struct {
	mu       sync.Mutex
	pageSize int
	calls    map[string]int

	certs     []Certificate
	devices   []Device
	bundleIDs []BundleID

	onListDevices     func(call int)
	onListBundleIDs   func(call int)
	createCertificate func(csr []byte) (*Certificate, int, error)
	createDevice      func(name, udid string) (int, error)
	createBundleID    func(identifier string) (int, error)
	createProfile     func(req ProfileRequest) (*Profile, error)
	revokeErr         map[string]error
	enableErr         error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pageSize: 2, calls: make(map[string]int)}
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeAPI) mutations() int {
	n := 0
	for _, name := range []string{"CreateCertificate", "RevokeCertificate", "CreateDevice", "EnableDevice", "CreateBundleID", "CreateProfile", "DeleteProfile"} {
		n += f.count(name)
	}
	return n
}

func (f *fakeAPI) record(name string) int {
	f.calls[name]++
	return f.calls[name]
}

func paginate[T any](items []T, cursor string, size int) Page[T] {
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := start + size
	if end >= len(items) {
		return Page[T]{Items: append([]T(nil), items[start:]...)}
	}
	return Page[T]{Items: append([]T(nil), items[start:end]...), Next: strconv.Itoa(end)}
}

func (f *fakeAPI) ListCertificates(ctx context.Context, cursor string) (Page[Certificate], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListCertificates")
	return paginate(f.certs, cursor, f.pageSize), nil
}

func (f *fakeAPI) CreateCertificate(ctx context.Context, certificateType string, csr []byte) (*Certificate, int, error) {
	f.mu.Lock()
	f.record("CreateCertificate")
	fn := f.createCertificate
	f.mu.Unlock()
	if fn == nil {
		return nil, http.StatusConflict, nil
	}
	cert, status, err := fn(csr)
	if cert != nil {
		f.mu.Lock()
		f.certs = append(f.certs, *cert)
		f.mu.Unlock()
	}
	return cert, status, err
}

func (f *fakeAPI) RevokeCertificate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RevokeCertificate")
	if err := f.revokeErr[id]; err != nil {
		return err
	}
	for i, c := range f.certs {
		if c.ID == id {
			f.certs = append(f.certs[:i], f.certs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeAPI) ListDevices(ctx context.Context, cursor string) (Page[Device], error) {
	f.mu.Lock()
	call := 0
	if cursor == "" {
		call = f.record("ListDevices")
	}
	hook := f.onListDevices
	f.mu.Unlock()
	if hook != nil && call > 0 {
		hook(call)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.devices, cursor, f.pageSize), nil
}

func (f *fakeAPI) CreateDevice(ctx context.Context, name, udid string, platform Platform) (int, error) {
	f.mu.Lock()
	f.record("CreateDevice")
	fn := f.createDevice
	f.mu.Unlock()
	if fn == nil {
		return http.StatusCreated, nil
	}
	return fn(name, udid)
}

func (f *fakeAPI) EnableDevice(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EnableDevice")
	return f.enableErr
}

func (f *fakeAPI) ListBundleIDs(ctx context.Context, identifier, cursor string) (Page[BundleID], error) {
	f.mu.Lock()
	call := 0
	if cursor == "" {
		call = f.record("ListBundleIDs")
	}
	hook := f.onListBundleIDs
	f.mu.Unlock()
	if hook != nil && call > 0 {
		hook(call)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.bundleIDs, cursor, f.pageSize), nil
}

func (f *fakeAPI) CreateBundleID(ctx context.Context, identifier, name string, platform Platform) (int, error) {
	f.mu.Lock()
	f.record("CreateBundleID")
	fn := f.createBundleID
	f.mu.Unlock()
	if fn == nil {
		return http.StatusCreated, nil
	}
	return fn(identifier)
}

func (f *fakeAPI) CreateProfile(ctx context.Context, req ProfileRequest) (*Profile, error) {
	f.mu.Lock()
	f.record("CreateProfile")
	fn := f.createProfile
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeAPI) DeleteProfile(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteProfile")
	return nil
}

// recordingSleeper records requested delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type fakeKeystore struct {
	pairs []KeyPair
	err   error
}

func (k *fakeKeystore) Identities(ctx context.Context) ([]KeyPair, error) {
	return k.pairs, k.err
}

// memStore is an in-memory BlobStore.
type memStore struct {
	data map[string][]byte
	err  error
	sets int
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(key string) ([]byte, bool) {
	d, ok := m.data[key]
	return d, ok
}

func (m *memStore) Set(key string, data []byte) error {
	m.sets++
	if m.err != nil {
		return m.err
	}
	m.data[key] = data
	return nil
}

// issueCertificate signs the public key of a CSR into a development
// certificate with the given serial.
func issueCertificate(t *testing.T, csr []byte, serial int64) []byte {
	t.Helper()
	req, err := x509.ParseCertificateRequest(csr)
	if err != nil {
		t.Fatalf("failed to parse CSR: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "Apple Development", OrganizationalUnit: []string{"TEAM123456"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	ca := profiletest.Certificate(t, "CA", "TEAM123456", time.Now().Add(24*time.Hour))
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, req.PublicKey, profiletest.Key(t))
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}
	return der
}

// writePlist writes v as an XML plist at path, creating directories.
func writePlist(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("failed to marshal plist: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

// testBundle describes a bundle written by makeApp.
type testBundle struct {
	dir          string // relative to the app root, "" for the main bundle
	bundleID     string
	entitlements map[string]interface{}
}

// makeApp writes an app bundle with the given bundles and returns its path.
func makeApp(t *testing.T, platform Platform, bundles ...testBundle) string {
	t.Helper()
	app := filepath.Join(t.TempDir(), "Test.app")
	for _, b := range bundles {
		root := filepath.Join(app, b.dir)
		writePlist(t, filepath.Join(root, platform.ManifestPath()), map[string]interface{}{
			"CFBundleIdentifier": b.bundleID,
			"CFBundleExecutable": "Test",
		})
		if b.entitlements != nil {
			writePlist(t, filepath.Join(root, platform.EntitlementsSidecarPath()), b.entitlements)
		}
	}
	return app
}
