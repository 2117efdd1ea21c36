package state

import (
	"time"

	"github.com/usbipmgr/usbipmgr/usbip"
)

// Side tells which listing a device record was parsed from.
type Side string

const (
	// SideLocal covers devices attachable on this machine.
	SideLocal Side = "local"
	// SideRemote covers devices bindable on a remote host.
	SideRemote Side = "remote"
)

// Key uniquely addresses a device record. Bus ids are only unique
// within one (host, side) pair, so all three parts are needed.
type Key struct {
	Host  string
	Side  Side
	BusId string
}

// DeviceRecord is one physical USB device as observed on either side.
// Records are rebuilt on every refresh; the store carries the persisted
// flags (AutoReconnect, FailureCount, LastAttempt) across rebuilds.
type DeviceRecord struct {
	Host          string    `json:"host"`
	Side          Side      `json:"side"`
	BusId         string    `json:"bus_id"`
	Description   string    `json:"description"`
	Attached      bool      `json:"attached"`
	Bound         bool      `json:"bound"`
	AutoReconnect bool      `json:"auto_reconnect"`
	FailureCount  int       `json:"failure_count"`
	LastAttempt   time.Time `json:"last_attempt"`
}

func (r DeviceRecord) Key() Key {
	return Key{Host: r.Host, Side: r.Side, BusId: r.BusId}
}

// HostRecord tracks one configured host.
type HostRecord struct {
	Host      string             `json:"host"`
	Platform  usbip.PlatformType `json:"platform"`
	Reachable bool               `json:"reachable"`
	LastSeen  time.Time          `json:"last_seen"`
}

// DeviceMapping remembers where an attached import came from, so a
// device that disappears from the remote listing while attached keeps
// its row. Windows correlates through the client port bus id; Linux
// only has the description.
type DeviceMapping struct {
	RemoteBusId string `json:"remote_bus_id"`
	Port        string `json:"port"`
	PortBusId   string `json:"port_bus_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// ReconnectPolicy is the global auto-reconnect policy. It is replaced
// as a whole value on every change; readers always see one consistent
// snapshot.
type ReconnectPolicy struct {
	Enabled       bool          `json:"enabled"`
	CheckInterval time.Duration `json:"check_interval"`
	MaxAttempts   int           `json:"max_attempts"`
	GracePeriod   time.Duration `json:"grace_period"`
	GraceUntil    time.Time     `json:"grace_until"`
}

const (
	DefaultCheckInterval = 30 * time.Second
	DefaultMaxAttempts   = 5
	DefaultGracePeriod   = 60 * time.Second
)

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:       true,
		CheckInterval: DefaultCheckInterval,
		MaxAttempts:   DefaultMaxAttempts,
		GracePeriod:   DefaultGracePeriod,
	}
}

// InGrace reports whether the post-bulk-operation cooldown is active.
func (p ReconnectPolicy) InGrace(now time.Time) bool {
	return now.Before(p.GraceUntil)
}

// AttemptOutcome classifies one reconnect attempt.
type AttemptOutcome int

const (
	AttemptSuccess AttemptOutcome = iota
	// AttemptFailure counts against the failure budget.
	AttemptFailure
	// AttemptDisconnect means the transport went away mid-attempt; it
	// clears the pending attempt without touching the failure counter.
	AttemptDisconnect
)
