// Package natpeer wires a master peer, its routing-layer candidate
// source, and its DistributedRelay into one runnable node. PeerBuilderNAT
// is the construction's only exported entry point; everything else in
// this package is wiring.
package natpeer

import (
	"context"
	"fmt"
	"time"

	"github.com/dep2p/go-relaymesh/config"
	"github.com/dep2p/go-relaymesh/internal/peer"
	"github.com/dep2p/go-relaymesh/internal/relay"
	"github.com/dep2p/go-relaymesh/internal/routing"
	"github.com/dep2p/go-relaymesh/internal/util/logger"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

var log = logger.Named("natpeer")

// PeerBuilderNAT assembles a master peer together with the
// DistributedRelay that keeps it reachable behind NAT. RoutingLayer and
// RPC are optional; a nil RoutingLayer gets an empty in-memory
// routing.Table, and a nil RPC gets a stand-in that always fails relay
// setup, leaving the node simply unrelayed until one is configured.
type PeerBuilderNAT struct {
	Config       config.Config
	Bean         *peer.PeerBean
	RoutingLayer relay.RoutingLayer
	RPC          relay.RelayRPC
	Callback     relay.RelayCallback
}

// Node is the running result of Start: a bound master peer and its
// DistributedRelay, already kicked off.
type Node struct {
	Master *peer.Peer
	Relay  *relay.DistributedRelay
}

// Start builds the master peer, then the DistributedRelay that maintains
// it, and starts the relay's setup loop in its own goroutine bound to
// ctx. Construction failing at either step tears down whatever already
// succeeded before returning the error.
func (b *PeerBuilderNAT) Start(ctx context.Context) (*Node, error) {
	master, err := peer.NewMaster(ctx, b.Config, b.Bean)
	if err != nil {
		return nil, fmt.Errorf("natpeer: start master peer: %w", err)
	}
	log.Info("master peer listening", "id", b.Bean.ID(), "address", b.Bean.PeerAddress())

	routingLayer := b.RoutingLayer
	if routingLayer == nil {
		routingLayer = routing.New()
	}
	rpc := b.RPC
	if rpc == nil {
		rpc = noopRelayRPC{}
	}

	dr := relay.New(b.Bean, rpc, routingLayer, b.Config.Relay)
	if b.Callback != nil {
		dr.SetCallback(b.Callback)
	}
	go dr.Run(ctx)
	dr.Start()

	return &Node{Master: master, Relay: dr}, nil
}

// Shutdown releases the relay's connections, then the master peer,
// mirroring the order cmd/peer's run loop already depended on: a peer's
// shared resources shouldn't close out from under an outstanding relay
// setup. Blocks until both complete or relayTimeout elapses for the
// relay half, whichever comes first.
func (n *Node) Shutdown(ctx context.Context, relayTimeout time.Duration) error {
	n.Relay.Shutdown()
	select {
	case <-n.Relay.Done():
	case <-time.After(relayTimeout):
		log.Warn("relay manager did not finish shutting down in time")
	}
	return n.Master.Shutdown(ctx)
}

// noopRelayRPC is a placeholder RelayRPC: real setup messages are sent
// over the shared Sender by a RELAY command handler, which is one of the
// concrete RPC handlers the core spec leaves unspecified. It always
// fails, so an unconfigured node simply never acquires a relay.
type noopRelayRPC struct{}

func (noopRelayRPC) SendSetupMessage(ctx context.Context, candidate peeraddress.PeerAddress, cfg config.RelayConfig) (relay.PeerConnection, error) {
	return nil, fmt.Errorf("relay setup not configured for candidate %s", candidate.ID())
}
