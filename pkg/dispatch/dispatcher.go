// Package dispatch routes broker notifications to execution contexts and
// runs the channel establishment protocol.
//
// A channel is opened with OpenChannel, which allocates an unbound port and
// asks the broker for its global id. Inbound channels arrive through
// OnConnect and are offered to every matching context until one accepts.
// Messages and disconnects are keyed by global id and reach the context that
// owns the bound port. All methods run on the process group's loop.
package dispatch

import (
	"fmt"
	"weak"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/broker"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/metrics"
	"github.com/baaaht/portmux/pkg/port"
	"github.com/baaaht/portmux/pkg/reclaim"
	"github.com/baaaht/portmux/pkg/registry"
	"github.com/baaaht/portmux/pkg/script"
	"github.com/baaaht/portmux/pkg/types"
)

// ConnectTarget selects the contexts offered an inbound channel. Empty
// fields match every context.
type ConnectTarget struct {
	Owner     types.OwnerID
	HostFrame string
}

// Dispatcher is the broker endpoint of one process group
type Dispatcher struct {
	registry *registry.Registry
	client   *broker.Client
	loop     *loop.Loop
	tracker  *reclaim.Tracker
	cfg      config.MessagingConfig
	logger   *logger.Logger
	metrics  *metrics.Collector

	refs  map[*port.Port]*handleRef
	stats Stats
}

// Stats contains dispatcher statistics
type Stats struct {
	ChannelsOpened    int64 `json:"channels_opened"`
	ChannelsAccepted  int64 `json:"channels_accepted"`
	ChannelsUnclaimed int64 `json:"channels_unclaimed"`
	OpenFailures      int64 `json:"open_failures"`
	MessagesDelivered int64 `json:"messages_delivered"`
	MessagesDropped   int64 `json:"messages_dropped"`
	Disconnects       int64 `json:"disconnects"`
	PortsReclaimed    int64 `json:"ports_reclaimed"`
	TrackedPorts      int   `json:"tracked_ports"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("DispatcherStats{Opened: %d, Accepted: %d, Unclaimed: %d, Failed: %d, Delivered: %d, Dropped: %d, Disconnects: %d, Reclaimed: %d, Tracked: %d}",
		s.ChannelsOpened, s.ChannelsAccepted, s.ChannelsUnclaimed, s.OpenFailures,
		s.MessagesDelivered, s.MessagesDropped, s.Disconnects, s.PortsReclaimed, s.TrackedPorts)
}

// New creates a dispatcher. m may be nil.
func New(reg *registry.Registry, client *broker.Client, l *loop.Loop, cfg config.MessagingConfig, log *logger.Logger, m *metrics.Collector) (*Dispatcher, error) {
	if reg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "registry cannot be nil")
	}
	if client == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker client cannot be nil")
	}
	if l == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "loop cannot be nil")
	}

	log = logger.OrDefault(log)
	d := &Dispatcher{
		registry: reg,
		client:   client,
		loop:     l,
		cfg:      cfg,
		logger:   log.With("component", "dispatcher"),
		metrics:  m,
		refs:     make(map[*port.Port]*handleRef),
	}
	if cfg.ReclaimAbandonedPorts {
		d.tracker = reclaim.NewTracker(l, log)
	}
	return d, nil
}

// NewContext creates and registers an execution context for sandbox
func (d *Dispatcher) NewContext(sandbox script.Sandbox, opts ...registry.ContextOption) (*registry.ExecutionContext, error) {
	if sandbox == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "sandbox cannot be nil")
	}

	ec := registry.NewContext(sandbox, port.NewTable(d.client, d.cfg.MaxPendingMessages), opts...)
	if err := d.registry.Register(ec); err != nil {
		return nil, err
	}
	ec.OnInvalidate(func() { d.contextGone(ec) })
	return ec, nil
}

// RemoveContext tears a context down and closes its ports
func (d *Dispatcher) RemoveContext(ec *registry.ExecutionContext) error {
	return d.registry.Remove(ec)
}

// OpenChannel opens a channel from ec. The returned handle can be used at
// once; messages are buffered until the broker assigns the global id. A
// broker failure is reported to the script as onDisconnect. Inside a
// teardown callback the id is requested synchronously and a failure closes
// the returned handle at once: the context is invalidated as soon as the
// callback returns, so no onDisconnect can follow.
func (d *Dispatcher) OpenChannel(ec *registry.ExecutionContext, req types.ChannelOpenRequest) (*Handle, error) {
	if ec == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "context cannot be nil")
	}
	if !ec.IsValid() {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, fmt.Sprintf("context is invalid: %s", ec.ID()))
	}

	table := ec.Ports()
	p := table.Allocate()
	h := d.track(ec, p)
	d.stats.ChannelsOpened++
	d.metrics.PortOpened(true)

	d.logger.Debug("Opening channel",
		"context_id", ec.ID(),
		"local_id", p.LocalID(),
		"target_owner", req.TargetOwnerID,
		"channel", req.ChannelName,
		"sync", ec.InTeardown())

	if ec.InTeardown() {
		// a reply posted to the loop would arrive after the context is gone
		id, err := d.client.RequestPortIDSync(ec.OwnerID(), req)
		if err != nil {
			d.abortOpen(ec, p, err)
			return h, nil
		}
		d.bind(ec, p, id)
		return h, nil
	}

	d.client.RequestPortID(ec.OwnerID(), req, func(id types.GlobalPortID, err error) {
		if err != nil {
			d.failOpen(ec, p, err)
			return
		}
		d.bind(ec, p, id)
	})
	return h, nil
}

func (d *Dispatcher) bind(ec *registry.ExecutionContext, p *port.Port, id types.GlobalPortID) {
	if err := ec.Ports().Bind(p, id); err != nil {
		// dropped before the reply; nobody will ever use the id
		d.logger.Debug("Port gone before bind, closing", "global_id", id, "error", err)
		d.client.ClosePort(id, false)
	}
}

// failOpen reports a broker failure on a port that never got an id
func (d *Dispatcher) failOpen(ec *registry.ExecutionContext, p *port.Port, err error) {
	closedByScript := p.IsDisconnected()
	ref := d.abortOpen(ec, p, err)
	if closedByScript || ref == nil {
		return
	}
	if h := ref.handle.Value(); h != nil {
		d.dispatch(ec, script.EventDisconnect, &DisconnectEvent{Port: h, Error: broker.ErrMsgUnreachable})
	}
}

// abortOpen closes a port whose id request failed
func (d *Dispatcher) abortOpen(ec *registry.ExecutionContext, p *port.Port, err error) *handleRef {
	table := ec.Ports()
	if _, owned := table.Drop(p.LocalID()); !owned {
		table.Forget(p)
	}
	p.MarkDisconnected()
	d.stats.OpenFailures++

	d.logger.Warn("Channel open failed",
		"context_id", ec.ID(),
		"local_id", p.LocalID(),
		"error", err)
	return d.release(p)
}

// OnConnect implements broker.Endpoint for contexts of any host frame
func (d *Dispatcher) OnConnect(id types.GlobalPortID, channelName string, sender types.SenderInfo, targetOwner types.OwnerID) bool {
	return d.OnConnectTo(ConnectTarget{Owner: targetOwner}, id, channelName, sender)
}

// OnConnectTo offers the receiving endpoint id to the contexts matching
// target, in registration order, until one accepts. Exactly one port is
// bound to id. When nobody accepts, the endpoint is closed at the broker.
func (d *Dispatcher) OnConnectTo(target ConnectTarget, id types.GlobalPortID, channelName string, sender types.SenderInfo) bool {
	claimed := false
	candidates := 0

	d.registry.ForEach(target.Owner, target.HostFrame, func(ec *registry.ExecutionContext) bool {
		candidates++
		ev := &ConnectEvent{
			ChannelName: channelName,
			Sender:      sender,
			TargetOwner: target.Owner,
		}
		ev.accept = func() *Handle {
			if claimed || !ec.IsValid() {
				return nil
			}
			p := ec.Ports().Allocate()
			h := d.track(ec, p)
			d.metrics.PortOpened(false)
			if err := ec.Ports().Bind(p, id); err != nil {
				d.logger.Error("Failed to bind accepted port", "global_id", id, "error", err)
				ec.Ports().Drop(p.LocalID())
				d.release(p)
				return nil
			}
			claimed = true
			return h
		}

		d.dispatch(ec, script.EventConnect, ev)
		ev.settled = true
		return !claimed
	})

	if !claimed {
		d.stats.ChannelsUnclaimed++
		d.metrics.ChannelUnclaimed()
		d.logger.Debug("Inbound channel unclaimed",
			"global_id", id,
			"channel", channelName,
			"target_owner", target.Owner,
			"candidates", candidates)
		d.client.ClosePort(id, false)
		return false
	}

	d.stats.ChannelsAccepted++
	return true
}

// OnMessage implements broker.Endpoint
func (d *Dispatcher) OnMessage(id types.GlobalPortID, msg types.Message) {
	ec, p := d.lookup(id)
	if p == nil {
		d.drop(id, metrics.ReasonUnknownPort)
		return
	}

	ref := d.refs[p]
	var h *Handle
	if ref != nil {
		h = ref.handle.Value()
	}
	if h == nil {
		// collected before its reclaim task ran
		if ref != nil {
			d.abandon(ref)
		}
		d.drop(id, metrics.ReasonAbandoned)
		return
	}

	d.stats.MessagesDelivered++
	d.metrics.MessageDelivered()
	d.dispatch(ec, script.EventMessage, &MessageEvent{Port: h, Message: msg})
}

// OnDisconnect implements broker.Endpoint. The owning context is told once;
// later notifications for id find no port.
func (d *Dispatcher) OnDisconnect(id types.GlobalPortID, errorMessage string) {
	ec, p := d.lookup(id)
	if p == nil {
		d.logger.Debug("Disconnect for unknown port", "global_id", id)
		return
	}

	p.MarkDisconnected()
	ec.Ports().Remove(p.LocalID())
	d.stats.Disconnects++

	ref := d.release(p)
	if ref == nil {
		return
	}
	if h := ref.handle.Value(); h != nil {
		d.dispatch(ec, script.EventDisconnect, &DisconnectEvent{Port: h, Error: errorMessage})
	}
}

// PostMessage sends msg on the port localID of ec
func (d *Dispatcher) PostMessage(ec *registry.ExecutionContext, localID types.LocalPortID, msg types.Message) error {
	p, ok := ec.Ports().Get(localID)
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("port not found: %d", localID))
	}
	if err := p.Send(msg); err != nil {
		d.metrics.MessageDropped(metrics.ReasonQueueFull)
		return err
	}
	return nil
}

// ClosePort closes the port localID of ec. force asks the broker to tear
// down the opposite endpoint as well.
func (d *Dispatcher) ClosePort(ec *registry.ExecutionContext, localID types.LocalPortID, force bool) error {
	p, ok := ec.Ports().Get(localID)
	if !ok {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("port not found: %d", localID))
	}
	p.Close(force)
	ec.Ports().Remove(localID)
	d.release(p)
	return nil
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	stats := d.stats
	stats.TrackedPorts = len(d.refs)
	return stats
}

// lookup finds the valid context owning the port bound to id
func (d *Dispatcher) lookup(id types.GlobalPortID) (*registry.ExecutionContext, *port.Port) {
	var (
		owner *registry.ExecutionContext
		found *port.Port
	)
	d.registry.ForEach("", "", func(ec *registry.ExecutionContext) bool {
		if p, ok := ec.Ports().LookupByGlobalID(id); ok {
			owner, found = ec, p
			return false
		}
		return true
	})
	return owner, found
}

func (d *Dispatcher) drop(id types.GlobalPortID, reason string) {
	d.stats.MessagesDropped++
	d.metrics.MessageDropped(reason)
	d.logger.Debug("Dropped inbound message", "global_id", id, "reason", reason)
}

func (d *Dispatcher) dispatch(ec *registry.ExecutionContext, event string, arg any) {
	if _, _, err := ec.Dispatch(event, arg); err != nil {
		d.logger.Warn("Script callback failed",
			"context_id", ec.ID(),
			"event", event,
			"error", err)
	}
}

// track records a new port. With reclaim enabled the port is closed once
// its handle is collected; otherwise the handle is held until the port
// closes.
func (d *Dispatcher) track(ec *registry.ExecutionContext, p *port.Port) *Handle {
	ref := &handleRef{d: d, ec: ec, port: p}
	h := &Handle{ref: ref}
	ref.handle = weak.Make(h)
	d.refs[p] = ref

	if d.tracker == nil {
		ref.pinned = h
		return h
	}
	ref.tracked = reclaim.Track(d.tracker, ec, h, func() { d.abandon(ref) }, nil)
	return h
}

// listen holds h strongly while the script can still receive on it
func (d *Dispatcher) listen(ref *handleRef, h *Handle, listening bool) {
	if d.refs[ref.port] != ref {
		return
	}
	if listening || d.tracker == nil {
		ref.pinned = h
		return
	}
	ref.pinned = nil
}

// release forgets a port that is closed for good
func (d *Dispatcher) release(p *port.Port) *handleRef {
	ref, ok := d.refs[p]
	if !ok {
		return nil
	}
	delete(d.refs, p)
	ref.pinned = nil
	if ref.tracked != nil {
		ref.tracked.Cancel()
	}
	d.metrics.PortClosed()
	return ref
}

// abandon closes a port whose handle was collected
func (d *Dispatcher) abandon(ref *handleRef) {
	if d.refs[ref.port] != ref {
		return
	}
	delete(d.refs, ref.port)
	ref.pinned = nil
	if ref.tracked != nil {
		ref.tracked.Cancel()
	}
	d.stats.PortsReclaimed++
	d.metrics.PortClosed()

	d.logger.Debug("Closing abandoned port",
		"context_id", ref.ec.ID(),
		"local_id", ref.port.LocalID())
	ref.port.Close(false)
	ref.ec.Ports().Remove(ref.port.LocalID())
}

func (d *Dispatcher) contextGone(ec *registry.ExecutionContext) {
	for p, ref := range d.refs {
		if ref.ec == ec {
			delete(d.refs, p)
			ref.pinned = nil
			d.metrics.PortClosed()
		}
	}
}
