package usbip

// PlatformType identifies the usbip tool dialect a host speaks.
type PlatformType string

const (
	PlatformLinux   PlatformType = "linux"
	PlatformWindows PlatformType = "windows"
	PlatformUnknown PlatformType = "unknown"
)

// Device is a single entry parsed from a list command. Only the fields
// the tool output exposes are filled in; attach/bind bookkeeping lives
// in the state package.
type Device struct {
	// BusId describes the USB Bus ID of the device (e.g. "3-2.3").
	BusId string `json:"bus_id"`
	// Description is the human-readable vendor/product string.
	Description string `json:"description"`
	// Shared reports whether the device is bound for sharing.
	Shared bool `json:"shared"`
	// Attached reports whether a client currently holds the device.
	Attached bool `json:"attached"`
}

// PortEntry is one imported device from `usbip port` output on the
// client side.
type PortEntry struct {
	Port        string `json:"port"`
	Description string `json:"description"`
	// RemoteBusId is the bus id on the serving host. Only the Windows
	// client prints it (as part of the usbip:// URL); on Linux it stays
	// empty and correlation falls back to the description.
	RemoteBusId string `json:"remote_bus_id,omitempty"`
	// RemoteHost is the serving host from the usbip:// URL, when printed.
	RemoteHost string `json:"remote_host,omitempty"`
	// LocalBusId is the bus id the import occupies on the client, when
	// the output exposes one.
	LocalBusId string `json:"local_bus_id,omitempty"`
}

// PortTable is the parsed result of a `usbip port` invocation.
type PortTable struct {
	Entries []PortEntry `json:"entries"`
}

// BusIds returns the set of remote bus ids visible in the table.
func (pt PortTable) BusIds() map[string]bool {
	ids := make(map[string]bool, len(pt.Entries))
	for _, e := range pt.Entries {
		if e.RemoteBusId != "" {
			ids[e.RemoteBusId] = true
		}
	}
	return ids
}

// Descriptions returns the set of device descriptions visible in the table.
func (pt PortTable) Descriptions() map[string]bool {
	descs := make(map[string]bool, len(pt.Entries))
	for _, e := range pt.Entries {
		if e.Description != "" {
			descs[e.Description] = true
		}
	}
	return descs
}

// ServiceState is the interpreted outcome of a service status query.
type ServiceState string

const (
	ServiceRunning      ServiceState = "running"
	ServiceStopped      ServiceState = "stopped"
	ServiceNotInstalled ServiceState = "not_installed"
	ServiceDenied       ServiceState = "access_denied"
	ServiceUnknown      ServiceState = "unknown"
)

// ServiceAction is an allow-listed service management verb.
type ServiceAction string

const (
	ServiceStatus  ServiceAction = "status"
	ServiceStart   ServiceAction = "start"
	ServiceStop    ServiceAction = "stop"
	ServiceRestart ServiceAction = "restart"
)

// Platform is the strategy for one usbip dialect: it parses the tool
// output and builds the command lines to drive it. Adding a platform
// means adding one implementation of this interface.
type Platform interface {
	Type() PlatformType

	// ParseDeviceList turns list command output into devices. Malformed
	// blocks are skipped; garbage input yields an empty slice.
	ParseDeviceList(raw string) []Device
	// ParsePortOutput parses client-side `usbip port` output.
	ParsePortOutput(raw string) PortTable

	// ParseRemoteList parses client-side `usbip list -r` output: the
	// devices a remote usbipd currently exports.
	ParseRemoteList(raw string) []Device

	// ListCommand lists shareable devices on the host.
	ListCommand() string
	// PortCommand lists locally imported devices.
	PortCommand() string
	// RemoteListCommand lists the devices a remote host exports, from
	// the client side.
	RemoteListCommand(host string) (string, error)

	BindCommand(busId, sudoPassword string) (string, error)
	UnbindCommand(busId, sudoPassword string) (string, error)
	AttachCommand(host, busId, sudoPassword string) (string, error)
	DetachCommand(port, sudoPassword string) (string, error)
	ServiceCommand(action ServiceAction, sudoPassword string) (string, error)
	// ClassifyService interprets the output of a ServiceStatus command.
	ClassifyService(stdout, stderr string, exitCode int) ServiceState
}

// ForPlatform returns the strategy for the given platform type, or nil
// when the platform is unknown.
func ForPlatform(pt PlatformType) Platform {
	switch pt {
	case PlatformLinux:
		return Linux{}
	case PlatformWindows:
		return Windows{}
	default:
		return nil
	}
}
