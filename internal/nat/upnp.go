package nat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// igdClient is the subset of the WANIPConnection1/2 and WANPPPConnection1
// generated clients that upnpMapper needs, letting one mapper type work
// against whichever IGD variant SSDP turns up.
type igdClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string, newInternalPort uint16, newInternalClient string, newEnabled bool, newPortMappingDescription string, newLeaseDuration uint32) error
	DeletePortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string) error
}

type upnpMapper struct {
	client     igdClient
	internalIP string
}

func (u *upnpMapper) name() string { return "upnp" }

func (u *upnpMapper) externalIP() (net.IP, error) {
	s, err := u.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("upnp: gateway returned unparseable address %q", s)
	}
	return ip, nil
}

func (u *upnpMapper) addMapping(protocol string, internalPort, externalPort int, lifetime time.Duration) (int, error) {
	err := u.client.AddPortMapping("", uint16(externalPort), upperProto(protocol), uint16(internalPort), u.internalIP, true, "relaymesh", uint32(lifetime/time.Second))
	if err != nil {
		return 0, err
	}
	return externalPort, nil
}

func (u *upnpMapper) deleteMapping(protocol string, _, externalPort int) error {
	return u.client.DeletePortMapping("", uint16(externalPort), upperProto(protocol))
}

func upperProto(protocol string) string {
	if protocol == "udp" {
		return "UDP"
	}
	return "TCP"
}

// discoverUPnP tries each IGD service variant in turn, preferring the
// newer IGDv2 WANIPConnection2 service, and returns the first one that
// answers an SSDP search on the local network.
func discoverUPnP(ctx context.Context) (portMapper, error) {
	localIP := preferredLocalIP()

	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return &upnpMapper{client: clients[0], internalIP: localIP}, nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return &upnpMapper{client: clients[0], internalIP: localIP}, nil
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return &upnpMapper{client: clients[0], internalIP: localIP}, nil
	}
	if clients, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return &upnpMapper{client: clients[0], internalIP: localIP}, nil
	}
	return nil, fmt.Errorf("upnp: %w", ErrNoGateway)
}

// preferredLocalIP picks the first private IPv4 address bound to a real
// interface, for use as the AddPortMapping internal client. Falls back to
// an empty string, which most IGDs interpret as "the address this request
// arrived from".
func preferredLocalIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 != nil && ip4.IsPrivate() {
				return ip4.String()
			}
		}
	}
	return ""
}
