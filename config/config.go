// Package config holds the tunables for a single overlay node: listen
// ports, worker pool sizing, relay targets, and timeouts. It follows the
// teacher's fluent-struct style: a Default(), a Validate(), and With*
// setters that return a modified copy.
package config

import (
	"errors"
	"runtime"
	"time"
)

// Config is the top-level configuration for a peer (master or slave).
type Config struct {
	// Version is the overlay network identifier carried in every
	// message header; peers with different versions never interoperate.
	Version uint32

	// ListenTCPPort / ListenUDPPort are the master's bound ports. Zero
	// means "pick ephemeral" only in tests; a production master binds
	// an explicit port.
	ListenTCPPort int
	ListenUDPPort int

	// WorkerPoolSize is the number of general I/O workers. Default sets
	// it to runtime.GOMAXPROCS(0); Validate rejects values below 1.
	WorkerPoolSize int

	// BossPoolSize is the number of accept-loop workers (one per
	// listener direction, by default).
	BossPoolSize int

	// HeartbeatInterval is exposed to the dispatcher for handlers that
	// track liveness.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds how long Sender waits for a response before
	// failing a pending request's future with "timeout".
	RequestTimeout time.Duration

	// ReservationPoolSize bounds concurrent outbound connection
	// attempts via a weighted semaphore.
	ReservationPoolSize int64

	Relay RelayConfig

	NAT NATConfig
}

// RelayConfig configures DistributedRelay.
type RelayConfig struct {
	// MaxRelays is the target number of live outbound relay
	// connections to maintain.
	MaxRelays int

	// ManualRelays, when non-empty, are used verbatim instead of asking
	// the routing layer for candidates; the caller owns the failure
	// filter in this mode.
	ManualRelays []string

	// FailedRelayTTL is how long a peer that failed relay setup is kept
	// out of the candidate pool before being eligible for retry.
	FailedRelayTTL time.Duration

	// SetupTimeout bounds a single RelayRPC.SendSetupMessage call.
	SetupTimeout time.Duration

	// SlowRelayType marks relay connections of this implementation as
	// "slow" when republishing the local PeerAddress.
	SlowRelayType bool
}

// NATConfig configures the NAT-traversal helper.
type NATConfig struct {
	// Enabled turns on UPnP/NAT-PMP port mapping probing during master
	// construction.
	Enabled bool

	// MappingLeaseTime is the requested external port-mapping lease.
	MappingLeaseTime time.Duration

	// DiscoveryTimeout bounds the gateway discovery probe.
	DiscoveryTimeout time.Duration

	// FirewalledTCP / FirewalledUDP report whether this node believes
	// itself unreachable inbound on each transport absent a relay, an
	// operator-supplied fact rather than something MapPorts's success
	// or failure can safely infer (a mapping can succeed against a
	// gateway the node is still firewalled behind on the WAN side).
	// Published on the master's PeerAddress verbatim.
	FirewalledTCP bool
	FirewalledUDP bool
}

// Default returns a Config with production-reasonable defaults.
func Default() Config {
	return Config{
		Version:             1,
		ListenTCPPort:        7077,
		ListenUDPPort:        7077,
		WorkerPoolSize:       runtime.GOMAXPROCS(0),
		BossPoolSize:         2,
		HeartbeatInterval:    30 * time.Second,
		RequestTimeout:       10 * time.Second,
		ReservationPoolSize:  64,
		Relay: RelayConfig{
			MaxRelays:      2,
			FailedRelayTTL: 5 * time.Minute,
			SetupTimeout:   10 * time.Second,
		},
		NAT: NATConfig{
			Enabled:          true,
			MappingLeaseTime: 1 * time.Hour,
			DiscoveryTimeout: 5 * time.Second,
		},
	}
}

// Validate reports a configuration error, naming the offending field.
func (c Config) Validate() error {
	if c.ListenTCPPort < 0 || c.ListenTCPPort > 65535 {
		return errors.New("config: listen tcp port out of range")
	}
	if c.ListenUDPPort < 0 || c.ListenUDPPort > 65535 {
		return errors.New("config: listen udp port out of range")
	}
	if c.WorkerPoolSize < 1 {
		return errors.New("config: worker pool size must be at least 1")
	}
	if c.BossPoolSize < 1 {
		return errors.New("config: boss pool size must be at least 1")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("config: heartbeat interval must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: request timeout must be positive")
	}
	if c.ReservationPoolSize < 1 {
		return errors.New("config: reservation pool size must be at least 1")
	}
	if c.Relay.MaxRelays < 0 {
		return errors.New("config: relay max relays must be non-negative")
	}
	if c.Relay.FailedRelayTTL <= 0 {
		return errors.New("config: relay failed-relay ttl must be positive")
	}
	return nil
}

// WithPorts returns a copy of c with new TCP/UDP listen ports.
func (c Config) WithPorts(tcp, udp int) Config {
	c.ListenTCPPort = tcp
	c.ListenUDPPort = udp
	return c
}

// WithMaxRelays returns a copy of c with a new relay target.
func (c Config) WithMaxRelays(n int) Config {
	c.Relay.MaxRelays = n
	return c
}

// WithManualRelays returns a copy of c using an explicit relay list.
func (c Config) WithManualRelays(ids []string) Config {
	c.Relay.ManualRelays = append([]string(nil), ids...)
	return c
}

// WithNAT returns a copy of c with NAT traversal toggled.
func (c Config) WithNAT(enabled bool) Config {
	c.NAT.Enabled = enabled
	return c
}
