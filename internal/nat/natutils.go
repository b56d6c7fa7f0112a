// Package nat maps the node's TCP and UDP listen ports through whatever
// NAT device sits in front of it, preferring UPnP IGD and falling back to
// NAT-PMP. It is the Go counterpart of the external NATUtils collaborator:
// a peer asks it once to map_ports() at startup and calls Shutdown once,
// synchronously, when tearing down.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/koron/go-ssdp"

	"github.com/dep2p/go-relaymesh/internal/util/logger"
)

// igdSearchType is the SSDP search target used to confirm an IGD is
// still answering before Shutdown spends time on its SOAP delete calls.
const igdSearchType = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

var log = logger.Named("nat")

// ErrNoGateway is returned when neither UPnP nor NAT-PMP discovery finds a
// device to map through.
var ErrNoGateway = errors.New("nat: no gateway found")

// Mapping is one active port mapping.
type Mapping struct {
	Protocol     string // "tcp" or "udp"
	InternalPort int
	ExternalPort int
}

// NATUtils is the interface a Peer depends on for NAT traversal. MapPorts
// is best-effort: a failure to map is logged, never fatal to peer
// construction, since plenty of nodes run on a public IP or behind a relay
// instead. Shutdown blocks until every mapping this instance created has
// been released.
type NATUtils interface {
	MapPorts(ctx context.Context, tcpPort, udpPort int) ([]Mapping, error)
	ExternalIP() (net.IP, bool)
	Shutdown()
}

// portMapper abstracts the two backends (UPnP IGD, NAT-PMP) behind the
// handful of calls MapManager actually needs.
type portMapper interface {
	name() string
	externalIP() (net.IP, error)
	addMapping(protocol string, internalPort, externalPort int, lifetime time.Duration) (int, error)
	deleteMapping(protocol string, internalPort, externalPort int) error
}

// MapManager is the concrete NATUtils: it tries UPnP first, then NAT-PMP,
// remembers whichever backend answered, and keeps enough state to undo
// every mapping it created on Shutdown.
type MapManager struct {
	leaseTime time.Duration

	mu       sync.Mutex
	mapper   portMapper
	extIP    net.IP
	mappings []Mapping
	closed   bool
}

// NewMapManager returns a MapManager that requests mappings with the given
// lease lifetime (NAT-PMP honors this directly; UPnP leases are refreshed
// by the caller re-invoking MapPorts before they expire).
func NewMapManager(leaseTime time.Duration) *MapManager {
	if leaseTime <= 0 {
		leaseTime = 20 * time.Minute
	}
	return &MapManager{leaseTime: leaseTime}
}

var _ NATUtils = (*MapManager)(nil)

// MapPorts discovers a gateway (if one hasn't already been found) and maps
// both tcpPort and udpPort through it. It returns whatever subset of the
// two mappings succeeded; a partial success is not an error.
func (m *MapManager) MapPorts(ctx context.Context, tcpPort, udpPort int) ([]Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("nat: manager is shut down")
	}

	if m.mapper == nil {
		mapper, err := discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("nat: %w", err)
		}
		m.mapper = mapper
		if ip, err := mapper.externalIP(); err == nil {
			m.extIP = ip
		}
		log.Info("discovered gateway", "backend", mapper.name(), "externalIP", m.extIP)
	}

	var mapped []Mapping
	var firstErr error
	for _, req := range []struct {
		proto string
		port  int
	}{{"tcp", tcpPort}, {"udp", udpPort}} {
		if req.port <= 0 {
			continue
		}
		extPort, err := m.mapper.addMapping(req.proto, req.port, req.port, m.leaseTime)
		if err != nil {
			log.Warn("port mapping failed", "proto", req.proto, "port", req.port, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mapping := Mapping{Protocol: req.proto, InternalPort: req.port, ExternalPort: extPort}
		m.mappings = append(m.mappings, mapping)
		mapped = append(mapped, mapping)
	}
	if len(mapped) == 0 && firstErr != nil {
		return nil, fmt.Errorf("nat: map ports: %w", firstErr)
	}
	return mapped, nil
}

// ExternalIP returns the gateway's external address, if discovery has run
// and reported one.
func (m *MapManager) ExternalIP() (net.IP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extIP, m.extIP != nil
}

// Shutdown deletes every mapping this manager created. It blocks until
// done and is safe to call more than once. For a UPnP-backed manager it
// first runs a short, blocking SSDP sweep to confirm the gateway is
// still on the network; a gateway that vanished without a trace isn't
// worth the SOAP round-trips below, though they're still attempted
// since the mapping may simply have outlived the lease on its own.
func (m *MapManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.mapper == nil {
		m.closed = true
		return
	}
	if m.mapper.name() == "upnp" {
		if !ssdpGatewayPresent(igdSearchType, 1) {
			log.Debug("ssdp release sweep found no answering gateway, deleting mappings anyway")
		}
	}
	for _, mapping := range m.mappings {
		if err := m.mapper.deleteMapping(mapping.Protocol, mapping.InternalPort, mapping.ExternalPort); err != nil {
			log.Debug("failed to release port mapping", "mapping", mapping, "err", err)
		}
	}
	m.mappings = nil
	m.closed = true
}

// ssdpGatewayPresent runs a blocking SSDP M-SEARCH for searchType,
// waiting up to waitSec seconds for a reply. It reports whether any
// device answered.
func ssdpGatewayPresent(searchType string, waitSec int) bool {
	services, err := ssdp.Search(searchType, waitSec, "")
	if err != nil {
		log.Debug("ssdp search failed", "err", err)
		return false
	}
	return len(services) > 0
}

// discover tries UPnP IGD first, since it is reachable on nearly every
// consumer router without extra configuration, then falls back to
// NAT-PMP for the Apple/older-router devices that speak it instead.
func discover(ctx context.Context) (portMapper, error) {
	if up, err := discoverUPnP(ctx); err == nil {
		return up, nil
	} else {
		log.Debug("upnp discovery failed, trying nat-pmp", "err", err)
	}
	if pmp, err := discoverNATPMP(ctx); err == nil {
		return pmp, nil
	}
	return nil, ErrNoGateway
}

// guessGatewayIPs returns the candidate router addresses to probe for
// NAT-PMP: for every IPv4 interface in the private ranges, the .1 address
// on that subnet. Good enough for the common home-router case; a node
// behind something stranger falls back to UPnP or runs without NAT help.
func guessGatewayIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || !ip4.IsPrivate() {
			continue
		}
		gw := make(net.IP, 4)
		copy(gw, ip4)
		gw[3] = 1
		out = append(out, gw)
	}
	return out
}

// natPMPMapper wraps jackpal/go-nat-pmp's client behind portMapper.
type natPMPMapper struct {
	client *natpmp.Client
	gw     net.IP
}

func discoverNATPMP(ctx context.Context) (portMapper, error) {
	for _, gw := range guessGatewayIPs() {
		client := natpmp.NewClientWithTimeout(gw, 2*time.Second)
		if _, err := client.GetExternalAddress(); err != nil {
			continue
		}
		return &natPMPMapper{client: client, gw: gw}, nil
	}
	return nil, fmt.Errorf("nat-pmp: %w", ErrNoGateway)
}

func (n *natPMPMapper) name() string { return "nat-pmp" }

func (n *natPMPMapper) externalIP() (net.IP, error) {
	res, err := n.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	ip := net.IP(res.ExternalIPAddress[:])
	return ip, nil
}

func (n *natPMPMapper) addMapping(protocol string, internalPort, externalPort int, lifetime time.Duration) (int, error) {
	res, err := n.client.AddPortMapping(protocol, internalPort, externalPort, int(lifetime/time.Second))
	if err != nil {
		return 0, err
	}
	return int(res.MappedExternalPort), nil
}

func (n *natPMPMapper) deleteMapping(protocol string, internalPort, _ int) error {
	_, err := n.client.AddPortMapping(protocol, internalPort, 0, 0)
	return err
}
