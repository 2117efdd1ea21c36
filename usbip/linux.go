package usbip

import (
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Linux drives the usbip command line tools as shipped with the kernel
// tree. Privileged operations are piped through `sudo -S` with the
// password on stdin, the way the remote side expects when invoked over
// a non-interactive SSH session.
type Linux struct{}

func (Linux) Type() PlatformType { return PlatformLinux }

func (Linux) ListCommand() string { return "usbip list -l" }
func (Linux) PortCommand() string { return "usbip port" }

// ParseDeviceList parses `usbip list -l` output. Each block starts with
// a "- busid" line and is followed by a description line:
//
//	 - busid 2-1.4 (0bda:8153)
//	   Realtek Semiconductor Corp. : RTL8153 Gigabit Ethernet Adapter (0bda:8153)
//
// Bind/attach status is not part of this listing; it is recovered from
// the separately parsed port table.
func (Linux) ParseDeviceList(raw string) []Device {
	devices := make([]Device, 0)
	var busId string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- busid") {
			parts := strings.Fields(line)
			if len(parts) < 3 {
				busId = ""
				continue
			}
			busId = parts[2]
			continue
		}
		if busId != "" && line != "" {
			devices = append(devices, Device{
				BusId:       busId,
				Description: line,
			})
			busId = ""
		}
	}
	return devices
}

// ParseRemoteList parses `usbip list -r <host>` output:
//
//	Exportable USB devices
//	======================
//	 - 10.0.0.5
//	      2-1.4: Realtek Semiconductor Corp. : RTL8153 Gigabit Ethernet Adapter (0bda:8153)
//	           : /sys/devices/pci0000:00/0000:00:14.0/usb2/2-1/2-1.4
//	           : (Defined at Interface level) (00/00/00)
//
// Continuation lines start with a bare colon and are skipped. Every
// listed device is exported, hence bound.
func (Linux) ParseRemoteList(raw string) []Device {
	return parseRemoteList(raw)
}

func parseRemoteList(raw string) []Device {
	devices := make([]Device, 0)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "-") {
			continue
		}
		busId, desc, found := strings.Cut(line, ":")
		if !found || ValidateBusId(busId) != nil {
			continue
		}
		devices = append(devices, Device{
			BusId:       busId,
			Description: strings.TrimSpace(desc),
			Shared:      true,
		})
	}
	return devices
}

// ParsePortOutput parses `usbip port` output. The Linux client does not
// print the originating bus id of an imported device, so entries carry
// the description (the correlation key on this platform) and, when a
// local bus id line is present, the local side of the mapping.
func (Linux) ParsePortOutput(raw string) PortTable {
	var table PortTable
	var current *PortEntry
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Port"):
			parts := strings.Fields(line)
			if len(parts) < 2 {
				current = nil
				continue
			}
			table.Entries = append(table.Entries, PortEntry{
				Port: strings.TrimSuffix(parts[1], ":"),
			})
			current = &table.Entries[len(table.Entries)-1]
		case current == nil || line == "":
			// ignore
		case lineLooksLikeBusId(line):
			current.LocalBusId = strings.Fields(line)[0]
		case strings.Contains(line, ":") && !strings.HasPrefix(line, "->"):
			if current.Description == "" {
				current.Description = line
			}
		}
	}
	return table
}

func lineLooksLikeBusId(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	return ValidateBusId(fields[0]) == nil
}

func (Linux) RemoteListCommand(host string) (string, error) {
	if err := ValidateHost(host); err != nil {
		return "", err
	}
	return fmt.Sprintf("usbip list -r %s", shellescape.Quote(host)), nil
}

func (Linux) BindCommand(busId, sudoPassword string) (string, error) {
	return sudoCommand(sudoPassword, "usbip bind -b %s", busId)
}

func (Linux) UnbindCommand(busId, sudoPassword string) (string, error) {
	return sudoCommand(sudoPassword, "usbip unbind -b %s", busId)
}

func (Linux) AttachCommand(host, busId, sudoPassword string) (string, error) {
	if err := ValidateHost(host); err != nil {
		return "", err
	}
	if err := ValidateBusId(busId); err != nil {
		return "", err
	}
	return fmt.Sprintf("echo %s | sudo -S usbip attach -r %s -b %s",
		shellescape.Quote(sudoPassword), shellescape.Quote(host), shellescape.Quote(busId)), nil
}

func (Linux) DetachCommand(port, sudoPassword string) (string, error) {
	if err := ValidatePort(port); err != nil {
		return "", err
	}
	return fmt.Sprintf("echo %s | sudo -S usbip detach -p %s",
		shellescape.Quote(sudoPassword), shellescape.Quote(port)), nil
}

// ServiceCommand builds a systemctl invocation for the usbipd service.
// Only allow-listed actions are accepted.
func (Linux) ServiceCommand(action ServiceAction, sudoPassword string) (string, error) {
	switch action {
	case ServiceStatus, ServiceStart, ServiceStop, ServiceRestart:
	default:
		return "", errInvalidServiceAction(action)
	}
	return fmt.Sprintf("echo %s | sudo -S systemctl %s usbipd",
		shellescape.Quote(sudoPassword), action), nil
}

// ClassifyService interprets `systemctl status usbipd` output. The
// systemd exit code convention: 0 running, 3 stopped, 4 no such unit.
func (Linux) ClassifyService(stdout, stderr string, exitCode int) ServiceState {
	combined := strings.ToLower(stdout + "\n" + stderr)
	switch {
	case strings.Contains(combined, "access denied"), strings.Contains(combined, "permission denied"):
		return ServiceDenied
	case exitCode == 0:
		return ServiceRunning
	case exitCode == 3, strings.Contains(combined, "inactive (dead)"):
		return ServiceStopped
	case exitCode == 4, strings.Contains(combined, "could not be found"):
		return ServiceNotInstalled
	default:
		return ServiceUnknown
	}
}

func sudoCommand(sudoPassword, format, busId string) (string, error) {
	if err := ValidateBusId(busId); err != nil {
		return "", err
	}
	return fmt.Sprintf("echo %s | sudo -S %s",
		shellescape.Quote(sudoPassword),
		fmt.Sprintf(format, shellescape.Quote(busId))), nil
}
