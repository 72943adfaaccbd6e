package models

import "time"

// Mode is the connectivity level a terminal operates under.
// Precedence is strict: cloud > relay host > peripherals > none.
type Mode string

const (
	ModeOnline      Mode = "online"       // green: cloud reachable
	ModeLanDegraded Mode = "lan-degraded" // yellow: relay host only
	ModeLocalOnly   Mode = "local-only"   // orange: peripherals only
	ModeIsolated    Mode = "isolated"     // red: standalone
)

// ConnectivityStatus is the latest reachability snapshot. It has no
// persistent identity; every heartbeat tick recomputes it.
type ConnectivityStatus struct {
	Mode                 Mode      `json:"mode"`
	CloudReachable       bool      `json:"cloud_reachable"`
	RelayHostReachable   bool      `json:"relay_host_reachable"`
	PeripheralsReachable bool      `json:"peripherals_reachable"`
	LastChecked          time.Time `json:"last_checked"`
}

// SharedLockingAvailable reports whether a shared lock authority (cloud or
// relay host) is reachable. Local-only and isolated modes suspend lock
// sharing rather than attempt consensus with no quorum.
func (s ConnectivityStatus) SharedLockingAvailable() bool {
	return s.Mode == ModeOnline || s.Mode == ModeLanDegraded
}

// DeriveMode maps raw reachability to a Mode by strict precedence.
func DeriveMode(cloud, relay, peripherals bool) Mode {
	switch {
	case cloud:
		return ModeOnline
	case relay:
		return ModeLanDegraded
	case peripherals:
		return ModeLocalOnly
	default:
		return ModeIsolated
	}
}
