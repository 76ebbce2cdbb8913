package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/apex/log"
	"howett.net/plist"
)

// CommandRunner runs a command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// HostIdentity derives the hardware identifier of this machine.
type HostIdentity struct {
	Run CommandRunner
}

type hardwareOverview struct {
	Items []struct {
		ProvisioningUDID string `plist:"provisioning_UDID"`
		PlatformUUID     string `plist:"platform_UUID"`
	} `plist:"_items"`
}

var ioregUUID = regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([^"]+)"`)

// UDID returns the host hardware identifier, uppercased. The hardware
// inventory is asked first; the platform expert registry entry is the
// fallback.
func (h *HostIdentity) UDID(ctx context.Context) (string, error) {
	run := h.Run
	if run == nil {
		run = ExecRunner
	}

	out, err := run(ctx, "system_profiler", "SPHardwareDataType", "-xml")
	if err == nil {
		var overview []hardwareOverview
		if _, err := plist.Unmarshal(out, &overview); err == nil {
			for _, o := range overview {
				for _, item := range o.Items {
					for _, v := range []string{item.ProvisioningUDID, item.PlatformUUID} {
						if v = strings.TrimSpace(v); v != "" {
							return strings.ToUpper(v), nil
						}
					}
				}
			}
		} else {
			log.WithError(err).Debug("failed to decode hardware overview")
		}
	} else {
		log.WithError(err).Debug("hardware inventory lookup failed")
	}

	out, err = run(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	if err != nil {
		return "", fmt.Errorf("failed to query platform identifier: %w", err)
	}
	if m := ioregUUID.FindSubmatch(out); m != nil {
		return strings.ToUpper(string(m[1])), nil
	}
	return "", errors.New("host hardware identifier not found")
}

// ResolveTarget returns the device to provision for. Mobile platforms need
// an explicit udid; on macOS an empty udid is resolved from the host.
func ResolveTarget(ctx context.Context, platform Platform, udid, name string, host *HostIdentity) (TargetDevice, error) {
	if udid == "" {
		if platform.IsMobile() {
			return TargetDevice{}, fmt.Errorf("a device UDID is required for %s", platform)
		}
		if host == nil {
			host = &HostIdentity{}
		}
		var err error
		if udid, err = host.UDID(ctx); err != nil {
			return TargetDevice{}, err
		}
		if name == "" {
			name, _ = os.Hostname()
		}
	}
	return NewTargetDevice(udid, name, platform), nil
}
