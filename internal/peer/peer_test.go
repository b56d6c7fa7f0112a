package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-relaymesh/config"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ListenTCPPort = 0
	cfg.ListenUDPPort = 0
	cfg.NAT.Enabled = false
	return cfg
}

func TestNewMasterPublishesAddress(t *testing.T) {
	bean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	p, err := NewMaster(context.Background(), testConfig(), bean)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	require.True(t, p.IsMaster())
	require.False(t, bean.PeerAddress().ID().IsZero())
	require.NotZero(t, bean.PeerAddress().TCPPort())
}

func TestSlaveDerivesAddressFromParent(t *testing.T) {
	parentBean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	master, err := NewMaster(context.Background(), testConfig(), parentBean)
	require.NoError(t, err)
	defer master.Shutdown(context.Background())

	slaveID := id160.Random()
	slaveBean := NewPeerBean(slaveID, nil, nil, peeraddress.PeerAddress{})
	slave, err := NewSlave(master, slaveBean)
	require.NoError(t, err)

	require.False(t, slave.IsMaster())
	require.True(t, slaveBean.PeerAddress().ID().Equal(slaveID))
	require.Equal(t, parentBean.PeerAddress().TCPPort(), slaveBean.PeerAddress().TCPPort())
	require.Same(t, master.Connection(), slave.Connection())
}

func TestSlaveShutdownDeregistersOnlyItself(t *testing.T) {
	masterBean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	master, err := NewMaster(context.Background(), testConfig(), masterBean)
	require.NoError(t, err)
	defer master.Shutdown(context.Background())

	slave1Bean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	slave1, err := NewSlave(master, slave1Bean)
	require.NoError(t, err)

	slave2Bean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	_, err = NewSlave(master, slave2Bean)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, slave1.Shutdown(ctx))

	master.mu.Lock()
	_, slave1Present := master.children[slave1Bean.ID()]
	_, slave2Present := master.children[slave2Bean.ID()]
	master.mu.Unlock()

	require.False(t, slave1Present)
	require.True(t, slave2Present)
}

func TestMasterShutdownIsIdempotent(t *testing.T) {
	bean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	p, err := NewMaster(context.Background(), testConfig(), bean)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))

	select {
	case <-p.Done():
	default:
		t.Fatal("Done() channel should be closed after Shutdown")
	}
}

func TestMasterShutdownClosesGoprocess(t *testing.T) {
	bean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	p, err := NewMaster(context.Background(), testConfig(), bean)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	select {
	case <-p.proc.Closed():
	default:
		t.Fatal("goprocess handle should be closed alongside the peer")
	}
}

func TestSlaveProcessIsChildOfMasterProcess(t *testing.T) {
	masterBean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	master, err := NewMaster(context.Background(), testConfig(), masterBean)
	require.NoError(t, err)
	defer master.Shutdown(context.Background())

	slaveBean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	slave, err := NewSlave(master, slaveBean)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, slave.Shutdown(ctx))

	select {
	case <-slave.proc.Closed():
	default:
		t.Fatal("slave's goprocess handle should be closed")
	}
	select {
	case <-master.proc.Closed():
		t.Fatal("master's goprocess handle should still be open after only a slave shut down")
	default:
	}
}

func TestMasterConstructionFailsOnPortConflict(t *testing.T) {
	bean1 := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	p1, err := NewMaster(context.Background(), testConfig(), bean1)
	require.NoError(t, err)
	defer p1.Shutdown(context.Background())

	conflicting := testConfig()
	conflicting.ListenTCPPort = p1.Connection().ChannelServer.LocalTCPPort()
	conflicting.ListenUDPPort = p1.Connection().ChannelServer.LocalUDPPort()

	bean2 := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	_, err = NewMaster(context.Background(), conflicting, bean2)
	require.Error(t, err)
}

func TestNewMasterPublishesConfiguredFirewalledFlags(t *testing.T) {
	cfg := testConfig()
	cfg.NAT.FirewalledTCP = true
	cfg.NAT.FirewalledUDP = true

	bean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	p, err := NewMaster(context.Background(), cfg, bean)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	require.True(t, bean.PeerAddress().Flags().FirewalledTCP)
	require.True(t, bean.PeerAddress().Flags().FirewalledUDP)
}

func TestNewMasterPublishesInternalPortsWhenNATDisabled(t *testing.T) {
	bean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	p, err := NewMaster(context.Background(), testConfig(), bean)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	require.Equal(t, uint16(p.Connection().ChannelServer.LocalTCPPort()), bean.PeerAddress().TCPPort())
	require.Equal(t, uint16(p.Connection().ChannelServer.LocalUDPPort()), bean.PeerAddress().UDPPort())
}

func TestMasterShutdownDoesNotTouchLiveSlaveChildren(t *testing.T) {
	masterBean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	master, err := NewMaster(context.Background(), testConfig(), masterBean)
	require.NoError(t, err)

	slaveBean := NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	slave, err := NewSlave(master, slaveBean)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, master.Shutdown(ctx))

	select {
	case <-slave.Done():
		t.Fatal("a master's own shutdown must not recurse into its slave children")
	default:
	}

	require.NoError(t, slave.Shutdown(ctx))
}
