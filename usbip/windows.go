package usbip

import (
	"fmt"
	"regexp"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Windows drives usbipd-win on the serving side and the usbip client
// from the same distribution locally. usbipd handles its own privilege
// elevation, so no sudo wrapping is involved.
type Windows struct{}

func (Windows) Type() PlatformType { return PlatformWindows }

func (Windows) ListCommand() string { return "usbipd list" }
func (Windows) PortCommand() string { return "usbip port" }

// The STATE column of `usbipd list` is recovered with a right-anchored
// match: DEVICE names contain arbitrary whitespace-separated tokens, so
// splitting from the left is not safe. "Not shared" must be tried
// before "Shared".
var windowsStateRe = regexp.MustCompile(`\s+(Not shared|Shared|Attached|Looking)\s*$`)

var usbipURLRe = regexp.MustCompile(`->\s+usbip://([^:/\s]+):(\d+)/(\S+)`)

// ParseDeviceList parses tabular `usbipd list` output:
//
//	Connected:
//	BUSID  VID:PID    DEVICE                                        STATE
//	3-2    1234:5678  USB Device Name                               Attached
//
//	Persisted:
//	3-4    0bda:8153  RTL8153 Gigabit Ethernet Adapter              Shared
//
// The Connected section lists currently plugged devices; Persisted
// lists devices bound for sharing but not currently connected. Both are
// parsed and merged by bus id, OR-ing the state bits: a Persisted row
// carries no attachment information and must never downgrade the
// Connected section's observed state.
func (Windows) ParseDeviceList(raw string) []Device {
	devices := make([]Device, 0)
	index := make(map[string]int)
	inPersisted := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, " \t\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "Connected"):
			inPersisted = false
			continue
		case strings.HasPrefix(trimmed, "Persisted"):
			inPersisted = true
			continue
		case strings.HasPrefix(trimmed, "BUSID") || strings.HasPrefix(trimmed, "GUID"):
			continue
		}

		dev, ok := parseWindowsRow(trimmed, inPersisted)
		if !ok {
			continue
		}
		if prev, seen := index[dev.BusId]; seen {
			devices[prev].Shared = devices[prev].Shared || dev.Shared
			devices[prev].Attached = devices[prev].Attached || dev.Attached
			continue
		}
		index[dev.BusId] = len(devices)
		devices = append(devices, dev)
	}
	return devices
}

func parseWindowsRow(line string, persisted bool) (Device, bool) {
	body := line
	state := ""
	if loc := windowsStateRe.FindStringSubmatchIndex(line); loc != nil {
		state = line[loc[2]:loc[3]]
		body = line[:loc[0]]
	} else if !persisted {
		// Connected rows without a recognizable state are malformed.
		return Device{}, false
	}

	fields := strings.Fields(body)
	if len(fields) < 2 {
		return Device{}, false
	}
	busId := fields[0]
	if ValidateBusId(busId) != nil {
		return Device{}, false
	}
	dev := Device{BusId: busId, Description: strings.Join(fields[2:], " ")}
	switch state {
	case "Attached":
		dev.Shared = true
		dev.Attached = true
	case "Shared", "Looking":
		dev.Shared = true
	case "Not shared":
	case "":
		// Persisted rows may omit the state; they are bound by definition.
		dev.Shared = true
	}
	return dev, true
}

// ParsePortOutput parses `usbip port` output from the Windows client,
// which prints the exact remote bus id as part of a usbip:// URL:
//
//	Port 01: <Port in Use> at Full Speed(12Mbps)
//	       unknown vendor : unknown product (1234:5678)
//	       -> usbip://192.168.2.184:3240/3-2.3
func (Windows) ParsePortOutput(raw string) PortTable {
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
		case strings.HasPrefix(line, "->"):
			if m := usbipURLRe.FindStringSubmatch(line); m != nil {
				current.RemoteHost = m[1]
				current.RemoteBusId = m[3]
			}
		case strings.Contains(line, ":"):
			if current.Description == "" {
				current.Description = line
			}
		}
	}
	return table
}

// ParseRemoteList parses `usbip list -r` output; the Windows client
// ships the same usbip tool and prints the same shape.
func (Windows) ParseRemoteList(raw string) []Device {
	return parseRemoteList(raw)
}

func (Windows) RemoteListCommand(host string) (string, error) {
	if err := ValidateHost(host); err != nil {
		return "", err
	}
	return fmt.Sprintf("usbip list -r %s", shellescape.Quote(host)), nil
}

func (Windows) BindCommand(busId, _ string) (string, error) {
	if err := ValidateBusId(busId); err != nil {
		return "", err
	}
	return fmt.Sprintf("usbipd bind --busid %s", shellescape.Quote(busId)), nil
}

func (Windows) UnbindCommand(busId, _ string) (string, error) {
	if err := ValidateBusId(busId); err != nil {
		return "", err
	}
	return fmt.Sprintf("usbipd unbind --busid %s", shellescape.Quote(busId)), nil
}

func (Windows) AttachCommand(host, busId, _ string) (string, error) {
	if err := ValidateHost(host); err != nil {
		return "", err
	}
	if err := ValidateBusId(busId); err != nil {
		return "", err
	}
	return fmt.Sprintf("usbip attach -r %s -b %s",
		shellescape.Quote(host), shellescape.Quote(busId)), nil
}

func (Windows) DetachCommand(port, _ string) (string, error) {
	if err := ValidatePort(port); err != nil {
		return "", err
	}
	return fmt.Sprintf("usbip detach -p %s", shellescape.Quote(port)), nil
}

// ServiceCommand builds an `sc` invocation for the usbipd service.
// Restart is a Linux-only operation; callers sequence stop/start
// themselves if they need it here.
func (Windows) ServiceCommand(action ServiceAction, _ string) (string, error) {
	switch action {
	case ServiceStatus:
		return "sc query usbipd", nil
	case ServiceStart:
		return "sc start usbipd", nil
	case ServiceStop:
		return "sc stop usbipd", nil
	default:
		return "", errInvalidServiceAction(action)
	}
}

// ClassifyService interprets `sc query usbipd` output.
func (Windows) ClassifyService(stdout, stderr string, _ int) ServiceState {
	combined := stdout + "\n" + stderr
	lower := strings.ToLower(combined)
	switch {
	case strings.Contains(lower, "access is denied"):
		return ServiceDenied
	case strings.Contains(lower, "does not exist"):
		return ServiceNotInstalled
	case strings.Contains(combined, "RUNNING"):
		return ServiceRunning
	case strings.Contains(combined, "STOPPED"), strings.Contains(combined, "STOP_PENDING"):
		return ServiceStopped
	default:
		return ServiceUnknown
	}
}
