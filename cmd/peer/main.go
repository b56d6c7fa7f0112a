// Command peer runs a single overlay node: a master peer bound to a
// TCP/UDP port pair, with NAT traversal and relay maintenance enabled by
// default. Key generation, routing-table population, and tracker
// storage policy are all external collaborators per the core's design —
// this command wires minimal stand-ins so the node is runnable stand-alone.
package main

import (
	"context"
	"crypto/dsa"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dep2p/go-relaymesh/config"
	"github.com/dep2p/go-relaymesh/internal/natpeer"
	"github.com/dep2p/go-relaymesh/internal/peer"
	"github.com/dep2p/go-relaymesh/internal/util/logger"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

var log = logger.Named("cmd/peer")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "peer:", err)
		os.Exit(1)
	}
}

func run() error {
	tcpPort := flag.Int("tcp-port", 7077, "TCP listen port")
	udpPort := flag.Int("udp-port", 7077, "UDP listen port")
	maxRelays := flag.Int("max-relays", 2, "target number of outbound relay connections")
	natEnabled := flag.Bool("nat", true, "probe UPnP/NAT-PMP for port mapping")
	firewalledTCP := flag.Bool("firewalled-tcp", false, "publish this node as inbound-unreachable over TCP absent a relay")
	firewalledUDP := flag.Bool("firewalled-udp", false, "publish this node as inbound-unreachable over UDP absent a relay")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cfg := config.Default().WithPorts(*tcpPort, *udpPort).WithMaxRelays(*maxRelays).WithNAT(*natEnabled)
	cfg.NAT.FirewalledTCP = *firewalledTCP
	cfg.NAT.FirewalledUDP = *firewalledUDP
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	priv, err := generateKeyPair()
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	bean := peer.NewPeerBean(id160.Random(), priv, &priv.PublicKey, peeraddress.PeerAddress{})
	builder := &natpeer.PeerBuilderNAT{Config: cfg, Bean: bean}
	node, err := builder.Start(ctx)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	<-ctx.Done()

	log.Info("shutting down")
	if err := node.Shutdown(context.Background(), 10*time.Second); err != nil {
		return fmt.Errorf("node shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// generateKeyPair produces a DSA key at the L1024N160 parameter size the
// wire format's 160-bit signature components assume. Key generation
// proper is an external collaborator of the core; this is the CLI's own
// minimal implementation of it.
func generateKeyPair() (*dsa.PrivateKey, error) {
	params := new(dsa.Parameters)
	if err := dsa.GenerateParameters(params, rand.Reader, dsa.L1024N160); err != nil {
		return nil, err
	}
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: *params}}
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		return nil, err
	}
	return priv, nil
}
