package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/message"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

func requestTo(recipient, sender id160.Id160, cmd message.Command) *message.Message {
	m := message.New()
	m.Version = 1
	m.ID = 42
	m.Command = cmd
	m.Type = message.TypeRequest1
	m.Recipient = peeraddress.New(recipient, nil, 0, 0, peeraddress.Flags{}, nil)
	m.Sender = peeraddress.New(sender, nil, 0, 0, peeraddress.Flags{}, nil)
	return m
}

func TestDispatchUnknownPeerReturnsUnknownID(t *testing.T) {
	d := New(time.Minute)
	resp := d.Dispatch(requestTo(id160.Random(), id160.Random(), message.CommandPing))
	require.Equal(t, message.TypeUnknownID, resp.Type)
}

func TestDispatchUnknownCommandReturnsUnknownID(t *testing.T) {
	d := New(time.Minute)
	peerID := id160.Random()
	d.Register(peerID, []message.Command{message.CommandPing}, HandlerFunc(func(m *message.Message) (*message.Message, error) {
		t.Fatal("handler should not be invoked for an unregistered command")
		return nil, nil
	}))

	resp := d.Dispatch(requestTo(peerID, id160.Random(), message.CommandGet))
	require.Equal(t, message.TypeUnknownID, resp.Type)
}

type rejectingHandler struct{}

func (rejectingHandler) HandleMessage(m *message.Message) (*message.Message, error) {
	panic("HandleMessage should not be reached when CheckMessage rejects")
}
func (rejectingHandler) CheckMessage(m *message.Message) bool { return false }

func TestDispatchCheckMessageRejectionReturnsException(t *testing.T) {
	d := New(time.Minute)
	peerID := id160.Random()
	d.Register(peerID, []message.Command{message.CommandTrackerAdd}, rejectingHandler{})

	resp := d.Dispatch(requestTo(peerID, id160.Random(), message.CommandTrackerAdd))
	require.Equal(t, message.TypeException, resp.Type)
}

func TestDispatchHandlerErrorReturnsException(t *testing.T) {
	d := New(time.Minute)
	peerID := id160.Random()
	d.Register(peerID, []message.Command{message.CommandPing}, HandlerFunc(func(m *message.Message) (*message.Message, error) {
		return nil, errors.New("boom")
	}))

	resp := d.Dispatch(requestTo(peerID, id160.Random(), message.CommandPing))
	require.Equal(t, message.TypeException, resp.Type)
}

func TestDispatchHandlerSuccessReturnsItsResponse(t *testing.T) {
	d := New(time.Minute)
	peerID := id160.Random()
	want := message.New()
	want.Type = message.TypeOK
	d.Register(peerID, []message.Command{message.CommandPing}, HandlerFunc(func(m *message.Message) (*message.Message, error) {
		return want, nil
	}))

	resp := d.Dispatch(requestTo(peerID, id160.Random(), message.CommandPing))
	require.Same(t, want, resp)
}

func TestRemoveDeregistersOnlyThatPeer(t *testing.T) {
	d := New(time.Minute)
	a, b := id160.Random(), id160.Random()
	ok := HandlerFunc(func(m *message.Message) (*message.Message, error) { return message.New(), nil })
	d.Register(a, []message.Command{message.CommandPing}, ok)
	d.Register(b, []message.Command{message.CommandPing}, ok)

	d.Remove(a)

	require.Equal(t, message.TypeUnknownID, d.Dispatch(requestTo(a, id160.Random(), message.CommandPing)).Type)
	require.NotEqual(t, message.TypeUnknownID, d.Dispatch(requestTo(b, id160.Random(), message.CommandPing)).Type)
}

func TestDispatchMetricsCountEachOutcome(t *testing.T) {
	before := dispatchMetricSnapshot()

	d := New(time.Minute)
	peerID := id160.Random()
	d.Register(peerID, []message.Command{message.CommandPing}, HandlerFunc(func(m *message.Message) (*message.Message, error) {
		return message.New(), nil
	}))
	d.Register(peerID, []message.Command{message.CommandTrackerAdd}, rejectingHandler{})

	d.Dispatch(requestTo(peerID, id160.Random(), message.CommandPing))
	d.Dispatch(requestTo(id160.Random(), id160.Random(), message.CommandPing))
	d.Dispatch(requestTo(peerID, id160.Random(), message.CommandTrackerAdd))

	after := dispatchMetricSnapshot()
	require.Equal(t, before.routed+1, after.routed)
	require.Equal(t, before.unknownID+1, after.unknownID)
	require.Equal(t, before.exception+1, after.exception)
}

type dispatchMetrics struct {
	routed    float64
	unknownID float64
	exception float64
}

func dispatchMetricSnapshot() dispatchMetrics {
	return dispatchMetrics{
		routed:    testutil.ToFloat64(metricRouted),
		unknownID: testutil.ToFloat64(metricUnknownID),
		exception: testutil.ToFloat64(metricException),
	}
}
