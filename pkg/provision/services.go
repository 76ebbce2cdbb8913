package provision

import (
	"context"
	"fmt"
)

// Page is one page of a paginated listing. Next is an opaque cursor, empty
// on the last page.
type Page[T any] struct {
	Items []T
	Next  string
}

// DeveloperServices is the remote developer-services API.
//
// Create calls return the HTTP status for 201 Created and 409 Conflict
// without an error; any other status is reported as *UnexpectedStatusError.
type DeveloperServices interface {
	ListCertificates(ctx context.Context, cursor string) (Page[Certificate], error)
	// CreateCertificate submits a DER encoded CSR. The certificate is nil
	// unless the status is 201.
	CreateCertificate(ctx context.Context, certificateType string, csr []byte) (*Certificate, int, error)
	RevokeCertificate(ctx context.Context, id string) error

	ListDevices(ctx context.Context, cursor string) (Page[Device], error)
	CreateDevice(ctx context.Context, name, udid string, platform Platform) (int, error)
	EnableDevice(ctx context.Context, id string) error

	// ListBundleIDs filters by identifier. The remote filter is a prefix
	// match, so results need exact filtering.
	ListBundleIDs(ctx context.Context, identifier, cursor string) (Page[BundleID], error)
	CreateBundleID(ctx context.Context, identifier, name string, platform Platform) (int, error)

	CreateProfile(ctx context.Context, req ProfileRequest) (*Profile, error)
	DeleteProfile(ctx context.Context, id string) error
}

// Keystore enumerates the signing identities available locally.
type Keystore interface {
	Identities(ctx context.Context) ([]KeyPair, error)
}

// maxPages bounds pagination against a server that keeps returning cursors.
const maxPages = 1000

// collect follows cursors until the last page.
func collect[T any](ctx context.Context, list func(ctx context.Context, cursor string) (Page[T], error)) ([]T, error) {
	var all []T
	cursor := ""
	for i := 0; i < maxPages; i++ {
		page, err := list(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if page.Next == "" || page.Next == cursor {
			return all, nil
		}
		cursor = page.Next
	}
	return nil, fmt.Errorf("pagination did not terminate after %d pages: %w", maxPages, ErrUnrecognizedResponse)
}

func listCertificates(ctx context.Context, api DeveloperServices) ([]Certificate, error) {
	certs, err := collect(ctx, api.ListCertificates)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	return certs, nil
}

func listDevices(ctx context.Context, api DeveloperServices) ([]Device, error) {
	devices, err := collect(ctx, api.ListDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func listBundleIDs(ctx context.Context, api DeveloperServices, identifier string) ([]BundleID, error) {
	ids, err := collect(ctx, func(ctx context.Context, cursor string) (Page[BundleID], error) {
		return api.ListBundleIDs(ctx, identifier, cursor)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bundle ids: %w", err)
	}
	return ids, nil
}
