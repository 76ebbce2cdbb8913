package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/aluedeke/go-provision/pkg/retry"
)

const (
	defaultDeviceAttempts = 30
	defaultDeviceInterval = time.Second
)

var errDevicePending = errors.New("device not yet enabled")

// DeviceRegistrar makes sure a device is registered and enabled. The remote
// device list is eventually consistent, so after a mutation the registrar
// polls until the device shows up enabled.
type DeviceRegistrar struct {
	API DeveloperServices

	// Attempts defaults to 30 and Interval to one second.
	Attempts int
	Interval time.Duration
	Sleep    retry.SleepFunc
}

// Ensure registers target if needed and waits for it to be enabled. It makes
// no mutating call when the device is already registered and enabled.
func (r *DeviceRegistrar) Ensure(ctx context.Context, target TargetDevice) error {
	udid := strings.ToUpper(target.UDID)
	lg := log.WithFields(log.Fields{"udid": udid, "platform": target.Platform})

	devices, err := listDevices(ctx, r.API)
	if err != nil {
		return err
	}

	if d, ok := findDevice(devices, udid); ok {
		if d.Enabled() {
			lg.Debug("device already registered")
			return nil
		}
		if d.Disabled() {
			lg.Info("enabling disabled device")
			if err := r.API.EnableDevice(ctx, d.ID); err != nil {
				lg.WithError(err).Debug("enable request failed")
			}
		}
		return r.wait(ctx, target)
	}

	name := target.Name
	if name == "" {
		name = udid
	}
	lg.Info("registering device")
	status, err := r.API.CreateDevice(ctx, name, udid, target.Platform)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	switch status {
	case http.StatusCreated, http.StatusConflict:
	default:
		return &UnexpectedStatusError{Operation: "register device", StatusCode: status}
	}
	return r.wait(ctx, target)
}

// wait polls the device list until target is enabled. The first time a
// disabled entry is seen it is enabled once.
func (r *DeviceRegistrar) wait(ctx context.Context, target TargetDevice) error {
	udid := strings.ToUpper(target.UDID)
	attempts := r.Attempts
	if attempts == 0 {
		attempts = defaultDeviceAttempts
	}
	interval := r.Interval
	if interval == 0 {
		interval = defaultDeviceInterval
	}

	enableTried := false
	err := retry.Do(ctx, retry.Policy{
		Attempts:  attempts,
		Retryable: func(err error) bool { return errors.Is(err, errDevicePending) },
		Backoff:   retry.Constant(interval),
		Sleep:     r.Sleep,
	}, func(ctx context.Context, attempt int) error {
		devices, err := listDevices(ctx, r.API)
		if err != nil {
			return err
		}
		d, ok := findDevice(devices, udid)
		switch {
		case ok && d.Enabled():
			log.WithFields(log.Fields{"udid": udid, "attempt": attempt}).Debug("device enabled")
			return nil
		case ok && d.Disabled() && !enableTried:
			enableTried = true
			if err := r.API.EnableDevice(ctx, d.ID); err != nil {
				log.WithError(err).WithField("udid", udid).Debug("enable request failed")
			}
		}
		return errDevicePending
	})
	if errors.Is(err, errDevicePending) {
		return &DeviceNotAvailableError{UDID: udid, Platform: target.Platform}
	}
	return err
}

func findDevice(devices []Device, udid string) (Device, bool) {
	for _, d := range devices {
		if strings.EqualFold(d.UDID, udid) {
			return d, true
		}
	}
	return Device{}, false
}
