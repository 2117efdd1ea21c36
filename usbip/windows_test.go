package usbip

import (
	"testing"
)

func TestWindowsParseDeviceList(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		want []Device
	}{
		{
			name: "state column recovered from the right",
			raw: `Connected:
BUSID  VID:PID    DEVICE                                                        STATE
3-2    1234:5678  USB Device Name                                Attached
`,
			want: []Device{
				{BusId: "3-2", Description: "USB Device Name", Shared: true, Attached: true},
			},
		},
		{
			name: "device names with many tokens",
			raw: `Connected:
BUSID  VID:PID    DEVICE                                                        STATE
1-1    046d:c52b  Logitech USB Receiver   Input   Device                        Not shared
2-4    0bda:8153  Realtek USB GbE Family Controller                             Shared
`,
			want: []Device{
				{BusId: "1-1", Description: "Logitech USB Receiver Input Device"},
				{BusId: "2-4", Description: "Realtek USB GbE Family Controller", Shared: true},
			},
		},
		{
			name: "persisted section merged without clobbering",
			raw: `Connected:
BUSID  VID:PID    DEVICE                                                        STATE
3-2    1234:5678  USB Device Name                                               Attached

Persisted:
3-2    1234:5678  USB Device Name                                               Attached
3-4    0bda:8153  RTL8153 Gigabit Ethernet Adapter                              Shared
`,
			want: []Device{
				{BusId: "3-2", Description: "USB Device Name", Shared: true, Attached: true},
				{BusId: "3-4", Description: "RTL8153 Gigabit Ethernet Adapter", Shared: true},
			},
		},
		{
			name: "stateless persisted duplicate keeps the attached state",
			raw: `Connected:
BUSID  VID:PID    DEVICE                                                        STATE
3-2    1234:5678  USB Device Name                                               Attached

Persisted:
3-2    1234:5678  USB Device Name
`,
			want: []Device{
				{BusId: "3-2", Description: "USB Device Name", Shared: true, Attached: true},
			},
		},
		{
			name: "persisted row without state is still bound",
			raw: `Persisted:
3-4    0bda:8153  RTL8153 Gigabit Ethernet Adapter
`,
			want: []Device{
				{BusId: "3-4", Description: "RTL8153 Gigabit Ethernet Adapter", Shared: true},
			},
		},
		{
			name: "looking state counts as bound but detached",
			raw: `Connected:
3-1    dead:beef  Flaky Widget                                                  Looking
`,
			want: []Device{
				{BusId: "3-1", Description: "Flaky Widget", Shared: true},
			},
		},
		{
			name: "empty input",
			raw:  "",
			want: []Device{},
		},
		{
			name: "garbage rows skipped",
			raw: `Connected:
usbipd: error: access denied
not-a-busid 1234:5678 Thing Attached
3-2    1234:5678  USB Device Name                                               Shared
`,
			want: []Device{
				{BusId: "3-2", Description: "USB Device Name", Shared: true},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Windows{}.ParseDeviceList(tc.raw)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d devices (%+v); want %d", len(got), got, len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("device %d: got %+v; want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestWindowsParsePortOutput(t *testing.T) {
	raw := `Imported USB devices
====================
Port 01: <Port in Use> at Full Speed(12Mbps)
       unknown vendor : unknown product (1234:5678)
       -> usbip://192.168.2.184:3240/3-2.3
           -> remote bus/dev 003/002
Port 02: <Port in Use> at High Speed(480Mbps)
       Realtek Semiconductor Corp. : RTL8153 Gigabit Ethernet Adapter (0bda:8153)
       -> usbip://192.168.2.184:3240/2-1.4
`
	table := Windows{}.ParsePortOutput(raw)
	if len(table.Entries) != 2 {
		t.Fatalf("got %d entries; want 2", len(table.Entries))
	}
	first := table.Entries[0]
	if first.Port != "01" {
		t.Errorf("port: got %q; want %q", first.Port, "01")
	}
	if first.RemoteBusId != "3-2.3" {
		t.Errorf("remote bus id: got %q; want %q", first.RemoteBusId, "3-2.3")
	}
	if first.RemoteHost != "192.168.2.184" {
		t.Errorf("remote host: got %q; want %q", first.RemoteHost, "192.168.2.184")
	}
	ids := table.BusIds()
	if !ids["3-2.3"] || !ids["2-1.4"] {
		t.Errorf("bus id set incomplete: %v", ids)
	}
}

func TestWindowsCommands(t *testing.T) {
	cmd, err := Windows{}.BindCommand("3-2", "")
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "usbipd bind --busid 3-2" {
		t.Errorf("got %q", cmd)
	}
	cmd, err = Windows{}.UnbindCommand("3-2", "")
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "usbipd unbind --busid 3-2" {
		t.Errorf("got %q", cmd)
	}
	_, err = Windows{}.ServiceCommand(ServiceRestart, "")
	if err == nil {
		t.Error("expected restart to be rejected on Windows")
	}
	cmd, err = Windows{}.ServiceCommand(ServiceStatus, "")
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "sc query usbipd" {
		t.Errorf("got %q", cmd)
	}
}

func TestWindowsClassifyService(t *testing.T) {
	for _, tc := range []struct {
		name   string
		stdout string
		stderr string
		want   ServiceState
	}{
		{name: "running", stdout: "SERVICE_NAME: usbipd\n        STATE              : 4  RUNNING", want: ServiceRunning},
		{name: "stopped", stdout: "SERVICE_NAME: usbipd\n        STATE              : 1  STOPPED", want: ServiceStopped},
		{name: "not installed", stdout: "[SC] EnumQueryServicesStatus:OpenService FAILED 1060:\n\nThe specified service does not exist as an installed service.", want: ServiceNotInstalled},
		{name: "denied", stderr: "Access is denied.", want: ServiceDenied},
		{name: "unknown", stdout: "???", want: ServiceUnknown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Windows{}.ClassifyService(tc.stdout, tc.stderr, 1)
			if got != tc.want {
				t.Errorf("got %q; want %q", got, tc.want)
			}
		})
	}
}
