package provision

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRequiresPrivateKey means the account already has a development
	// certificate whose private key is not available on this machine.
	ErrRequiresPrivateKey = errors.New("an existing development certificate requires a private key that is not available locally")
	// ErrUserCancelled means the caller declined certificate revocation.
	ErrUserCancelled = errors.New("cancelled by user")

	ErrBundleIDNotFound         = errors.New("bundle id not found")
	ErrTooManyMatchingBundleIDs = errors.New("too many matching bundle ids")
	ErrNoRegisteredDevices      = errors.New("no registered devices")
	ErrInvalidProfileData       = errors.New("invalid provisioning profile data")
)

// Transport failure classes. Adapters wrap their errors in one of these so
// the orchestrator can tell transient failures apart.
var (
	ErrMalformedResponse    = errors.New("malformed response")
	ErrConnectivity         = errors.New("connectivity failure")
	ErrUnrecognizedResponse = errors.New("unrecognized response format")
)

// DeviceNotAvailableError is returned when a device never became enabled.
type DeviceNotAvailableError struct {
	UDID     string
	Platform Platform
}

func (e *DeviceNotAvailableError) Error() string {
	return fmt.Sprintf("device %s is not available for %s development", e.UDID, e.Platform)
}

// UnexpectedStatusError carries a response status outside the expected set.
type UnexpectedStatusError struct {
	Operation  string
	StatusCode int
	Detail     string
}

func (e *UnexpectedStatusError) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d %s", e.Operation, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
