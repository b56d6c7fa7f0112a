// Package dispatch routes decoded inbound messages to the handler
// registered for their recipient peer ID and command.
package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dep2p/go-relaymesh/internal/util/logger"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/message"
)

var dispatchLog = logger.Named("dispatch")

// Metrics are package-level, in the common Prometheus idiom, since a
// process runs at most one overlay node's worth of Dispatcher instances.
var (
	metricRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymesh_dispatch_messages_routed_total",
		Help: "Inbound messages successfully routed to a registered handler.",
	})
	metricUnknownID = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymesh_dispatch_unknown_id_total",
		Help: "Inbound messages for which no (peer, command) handler was registered.",
	})
	metricException = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaymesh_dispatch_exception_total",
		Help: "Inbound messages rejected by a handler's CheckMessage or failed in HandleMessage.",
	})
)

// Handler processes one inbound Message addressed to a registered peer
// ID and command. It may be invoked concurrently for different peers;
// per-peer ordering is not guaranteed.
type Handler interface {
	// HandleMessage returns a response Message to send back on the same
	// transport, or an error if the message should be rejected.
	HandleMessage(m *message.Message) (*message.Message, error)

	// CheckMessage is consulted before HandleMessage; rejecting here
	// produces an EXCEPTION response instead of invoking the handler.
	CheckMessage(m *message.Message) bool
}

// HandlerFunc adapts a plain function to Handler with an always-true
// CheckMessage.
type HandlerFunc func(m *message.Message) (*message.Message, error)

func (f HandlerFunc) HandleMessage(m *message.Message) (*message.Message, error) { return f(m) }
func (f HandlerFunc) CheckMessage(m *message.Message) bool                       { return true }

type peerTable map[message.Command]Handler

// Dispatcher maintains a two-level table: peer_id -> (command -> handler).
type Dispatcher struct {
	mu                sync.RWMutex
	table             map[id160.Id160]peerTable
	heartbeatInterval time.Duration
}

// New returns an empty Dispatcher exposing heartbeatInterval to handlers
// that track liveness.
func New(heartbeatInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		table:             make(map[id160.Id160]peerTable),
		heartbeatInterval: heartbeatInterval,
	}
}

// HeartbeatInterval returns the configured liveness check interval.
func (d *Dispatcher) HeartbeatInterval() time.Duration { return d.heartbeatInterval }

// Register installs handler for every command in commands, scoped to
// peerID. A later call for the same (peerID, command) replaces the
// handler.
func (d *Dispatcher) Register(peerID id160.Id160, commands []message.Command, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pt, ok := d.table[peerID]
	if !ok {
		pt = make(peerTable)
		d.table[peerID] = pt
	}
	for _, c := range commands {
		pt[c] = handler
	}
}

// Remove deregisters every handler registered for peerID. Used on peer
// shutdown.
func (d *Dispatcher) Remove(peerID id160.Id160) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.table, peerID)
}

// Dispatch routes m to its registered handler, building the appropriate
// response when none is registered or the handler rejects the message.
func (d *Dispatcher) Dispatch(m *message.Message) *message.Message {
	recipient, _ := anyRecipient(m)

	d.mu.RLock()
	pt, ok := d.table[recipient]
	var h Handler
	if ok {
		h, ok = pt[m.Command]
	}
	d.mu.RUnlock()

	if !ok {
		dispatchLog.Debug("no handler registered", "peer", recipient, "command", m.Command)
		metricUnknownID.Inc()
		return unknownResponse(m)
	}
	if !h.CheckMessage(m) {
		dispatchLog.Debug("handler rejected message", "peer", recipient, "command", m.Command)
		metricException.Inc()
		return exceptionResponse(m)
	}

	resp, err := h.HandleMessage(m)
	if err != nil {
		dispatchLog.Debug("handler returned error", "peer", recipient, "command", m.Command, "err", err)
		metricException.Inc()
		return exceptionResponse(m)
	}
	metricRouted.Inc()
	return resp
}

func anyRecipient(m *message.Message) (id160.Id160, bool) {
	id := m.Recipient.ID()
	return id, !id.IsZero()
}

func unknownResponse(m *message.Message) *message.Message {
	r := message.New()
	r.Version = m.Version
	r.ID = m.ID
	r.Command = m.Command
	r.Type = message.TypeUnknownID
	r.Sender = m.Recipient
	r.Recipient = m.Sender
	return r
}

func exceptionResponse(m *message.Message) *message.Message {
	r := message.New()
	r.Version = m.Version
	r.ID = m.ID
	r.Command = m.Command
	r.Type = message.TypeException
	r.Sender = m.Recipient
	r.Recipient = m.Sender
	return r
}
