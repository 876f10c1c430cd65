package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/types"
)

// Loopback is an in-process broker joining several process groups. Each
// group attaches a Conn bound to its loop; every notification for a group is
// delivered as a task on that loop.
type Loopback struct {
	mu       sync.Mutex
	codec    Codec
	cfg      config.BrokerConfig
	logger   *logger.Logger
	nextID   types.GlobalPortID
	conns    map[string]*Conn
	routes   map[types.OwnerID]*Conn
	channels map[types.GlobalPortID]*channel
	closed   bool
	stats    LoopbackStats
}

// channel is keyed by the opener's (even) id
type channel struct {
	name     string
	opener   *Conn
	receiver *Conn

	// connecting is set while the receiver group runs OnConnect
	connecting     bool
	receiverClosed bool
}

func (ch *channel) side(id types.GlobalPortID) *Conn {
	if id.IsOpener() {
		return ch.opener
	}
	return ch.receiver
}

// LoopbackStats contains loopback broker statistics
type LoopbackStats struct {
	ChannelsOpened  int64 `json:"channels_opened"`
	ChannelsClosed  int64 `json:"channels_closed"`
	ChannelsRefused int64 `json:"channels_refused"`
	MessagesRelayed int64 `json:"messages_relayed"`
	MessagesDropped int64 `json:"messages_dropped"`
	OpenChannels    int   `json:"open_channels"`
	AttachedConns   int   `json:"attached_conns"`
}

// String returns a string representation of the stats
func (s LoopbackStats) String() string {
	return fmt.Sprintf("LoopbackStats{Opened: %d, Closed: %d, Refused: %d, Relayed: %d, Dropped: %d, Open: %d, Conns: %d}",
		s.ChannelsOpened, s.ChannelsClosed, s.ChannelsRefused, s.MessagesRelayed,
		s.MessagesDropped, s.OpenChannels, s.AttachedConns)
}

// NewLoopback creates an in-process broker
func NewLoopback(cfg config.BrokerConfig, log *logger.Logger) (*Loopback, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	lb := &Loopback{
		codec:    codec,
		cfg:      cfg,
		logger:   logger.OrDefault(log).With("component", "loopback_broker"),
		conns:    make(map[string]*Conn),
		routes:   make(map[types.OwnerID]*Conn),
		channels: make(map[types.GlobalPortID]*channel),
	}

	lb.logger.Info("Loopback broker initialized", "codec", cfg.Codec)
	return lb, nil
}

// Attach connects a process group driven by l
func (lb *Loopback) Attach(name string, l *loop.Loop) (*Conn, error) {
	if name == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection name is required")
	}
	if l == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "loop cannot be nil")
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	if _, exists := lb.conns[name]; exists {
		return nil, types.NewError(types.ErrCodeAlreadyExists, fmt.Sprintf("connection already attached: %s", name))
	}

	c := &Conn{lb: lb, name: name, loop: l}
	lb.conns[name] = c
	lb.logger.Debug("Connection attached", "conn", name)
	return c, nil
}

// Route directs channel-open requests for owner to c
func (lb *Loopback) Route(owner types.OwnerID, c *Conn) error {
	if owner == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "owner id is required")
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.closed {
		return types.NewError(types.ErrCodeUnavailable, "broker is closed")
	}
	if c == nil || c.detached {
		return types.NewError(types.ErrCodeInvalidArgument, "connection is not attached")
	}
	if existing, ok := lb.routes[owner]; ok && existing != c {
		return types.NewError(types.ErrCodeAlreadyExists, fmt.Sprintf("owner already routed: %s", owner))
	}
	lb.routes[owner] = c
	return nil
}

// Detach disconnects c. Peers of its open channels are told the port
// closed because the process went away.
func (lb *Loopback) Detach(c *Conn) error {
	lb.mu.Lock()
	if c == nil || c.detached {
		lb.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "connection is not attached")
	}
	notes := lb.detachLocked(c)
	lb.mu.Unlock()

	for _, n := range notes {
		n.deliver(lb)
	}
	lb.logger.Debug("Connection detached", "conn", c.name, "peers_notified", len(notes))
	return nil
}

func (lb *Loopback) detachLocked(c *Conn) []disconnectNote {
	c.detached = true
	delete(lb.conns, c.name)
	for owner, routed := range lb.routes {
		if routed == c {
			delete(lb.routes, owner)
		}
	}

	var notes []disconnectNote
	for id, ch := range lb.channels {
		if ch.opener != c && ch.receiver != c {
			continue
		}
		delete(lb.channels, id)
		lb.stats.ChannelsClosed++
		if ch.opener != c {
			notes = append(notes, disconnectNote{conn: ch.opener, id: id, msg: ErrMsgPeerGone})
		}
		if ch.receiver != c {
			notes = append(notes, disconnectNote{conn: ch.receiver, id: id.Opposite(), msg: ErrMsgPeerGone})
		}
	}
	return notes
}

// Close detaches every connection and refuses further requests
func (lb *Loopback) Close() error {
	lb.mu.Lock()
	if lb.closed {
		lb.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "broker already closed")
	}
	lb.closed = true
	for _, c := range lb.conns {
		c.detached = true
	}
	lb.conns = make(map[string]*Conn)
	lb.routes = make(map[types.OwnerID]*Conn)
	lb.channels = make(map[types.GlobalPortID]*channel)
	lb.mu.Unlock()

	lb.logger.Info("Loopback broker closed")
	return nil
}

// Stats returns broker statistics
func (lb *Loopback) Stats() LoopbackStats {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	stats := lb.stats
	stats.OpenChannels = len(lb.channels)
	stats.AttachedConns = len(lb.conns)
	return stats
}

// open allocates an id pair and, when a receiver is routed, records the
// channel and schedules OnConnect on the receiver's loop. A refusal is
// returned as a note the caller delivers after replying, so the opener binds
// the id before it learns the channel is gone.
func (lb *Loopback) open(opener *Conn, req types.ChannelOpenRequest) (types.GlobalPortID, *disconnectNote, error) {
	lb.mu.Lock()
	if lb.closed || opener.detached {
		lb.mu.Unlock()
		return 0, nil, types.NewError(types.ErrCodeUnavailable, "broker connection is closed")
	}

	id := lb.nextID
	lb.nextID += 2

	receiver, routed := lb.routes[req.TargetOwnerID]
	if !routed {
		lb.stats.ChannelsRefused++
		lb.mu.Unlock()

		lb.logger.Debug("No receiver for channel",
			"target_owner", req.TargetOwnerID,
			"channel", req.ChannelName,
			"global_id", id)
		return id, &disconnectNote{conn: opener, id: id, msg: ErrMsgNoReceiver}, nil
	}

	req.Sender.Credential = ""
	if req.IncludeCredential {
		req.Sender.Credential = opener.name
	}
	ch := &channel{name: req.ChannelName, opener: opener, receiver: receiver}
	lb.channels[id] = ch
	lb.stats.ChannelsOpened++
	lb.mu.Unlock()

	receiverID := id.Opposite()
	err := receiver.loop.Post(func() {
		lb.connect(ch, id, receiverID, req)
	})
	if err != nil {
		lb.logger.Debug("Receiver loop is closed", "conn", receiver.name, "global_id", receiverID)
		lb.mu.Lock()
		delete(lb.channels, id)
		lb.stats.ChannelsRefused++
		lb.mu.Unlock()
		return id, &disconnectNote{conn: opener, id: id, msg: ErrMsgNoReceiver}, nil
	}
	return id, nil, nil
}

func (lb *Loopback) connect(ch *channel, id, receiverID types.GlobalPortID, req types.ChannelOpenRequest) {
	lb.mu.Lock()
	if ch.receiver.detached {
		lb.mu.Unlock()
		return
	}
	// a channel the opener already closed is still offered; the receiver's
	// disconnect is queued behind this task
	open := lb.channels[id] == ch
	if open {
		ch.connecting = true
	}
	ep := ch.receiver.endpoint
	lb.mu.Unlock()

	claimed := false
	if ep != nil {
		claimed = ep.OnConnect(receiverID, req.ChannelName, req.Sender, req.TargetOwnerID)
	}

	lb.mu.Lock()
	if !open || lb.channels[id] != ch {
		lb.mu.Unlock()
		return
	}
	ch.connecting = false
	if claimed && !ch.receiverClosed {
		lb.mu.Unlock()
		return
	}
	delete(lb.channels, id)
	lb.stats.ChannelsClosed++
	msg := ""
	if !claimed {
		lb.stats.ChannelsRefused++
		if lb.cfg.DeliverUnclaimedError {
			msg = ErrMsgNoReceiver
		}
	}
	lb.mu.Unlock()

	disconnectNote{conn: ch.opener, id: id, msg: msg}.deliver(lb)
}

func (lb *Loopback) post(from *Conn, id types.GlobalPortID, msg types.Message) {
	lb.mu.Lock()
	ch, ok := lb.channels[id&^1]
	if !ok || from.detached || ch.side(id) != from {
		lb.stats.MessagesDropped++
		lb.mu.Unlock()
		lb.logger.Debug("Dropped message for unknown channel", "global_id", id)
		return
	}
	peer := ch.side(id.Opposite())
	ep := peer.endpoint
	lb.mu.Unlock()

	out, err := transfer(lb.codec, msg)
	if err != nil {
		lb.mu.Lock()
		lb.stats.MessagesDropped++
		lb.mu.Unlock()
		lb.logger.Warn("Dropped message that failed to transfer", "global_id", id, "error", err)
		return
	}

	peerID := id.Opposite()
	postErr := peer.loop.Post(func() {
		if ep != nil {
			ep.OnMessage(peerID, out)
		}
	})

	lb.mu.Lock()
	if postErr != nil {
		lb.stats.MessagesDropped++
	} else {
		lb.stats.MessagesRelayed++
	}
	lb.mu.Unlock()
}

func (lb *Loopback) close(from *Conn, id types.GlobalPortID, force bool) {
	lb.mu.Lock()
	ch, ok := lb.channels[id&^1]
	if !ok || ch.side(id) != from {
		lb.mu.Unlock()
		return
	}
	if ch.connecting && !id.IsOpener() {
		// settled once OnConnect returns
		ch.receiverClosed = true
		lb.mu.Unlock()
		return
	}
	delete(lb.channels, id&^1)
	lb.stats.ChannelsClosed++
	peer := ch.side(id.Opposite())
	lb.mu.Unlock()

	lb.logger.Debug("Channel closed", "global_id", id, "force", force, "channel", ch.name)
	disconnectNote{conn: peer, id: id.Opposite()}.deliver(lb)
}

type disconnectNote struct {
	conn *Conn
	id   types.GlobalPortID
	msg  string
}

func (n disconnectNote) deliver(lb *Loopback) {
	c := n.conn
	lb.mu.Lock()
	ep := c.endpoint
	lb.mu.Unlock()

	err := c.loop.Post(func() {
		if ep != nil {
			ep.OnDisconnect(n.id, n.msg)
		}
	})
	if err != nil {
		lb.logger.Debug("Dropped disconnect, loop is closed", "conn", c.name, "global_id", n.id)
	}
}

// Conn is one process group's connection to a Loopback. It implements
// Broker.
type Conn struct {
	lb       *Loopback
	name     string
	loop     *loop.Loop
	endpoint Endpoint
	detached bool
}

// Name returns the connection name
func (c *Conn) Name() string {
	return c.name
}

// SetEndpoint sets the receiver of this group's notifications. It must be
// called before the group opens or accepts channels.
func (c *Conn) SetEndpoint(ep Endpoint) {
	c.lb.mu.Lock()
	defer c.lb.mu.Unlock()
	c.endpoint = ep
}

// RequestPortID implements Broker. The reply is made before RequestPortID
// returns, after OnConnect has been queued on the receiver's loop.
func (c *Conn) RequestPortID(req types.ChannelOpenRequest, reply func(types.GlobalPortID, error)) {
	if reply == nil {
		return
	}
	id, refused, err := c.lb.open(c, req)
	reply(id, err)
	if refused != nil {
		refused.deliver(c.lb)
	}
}

// RequestPortIDSync implements Broker
func (c *Conn) RequestPortIDSync(ctx context.Context, req types.ChannelOpenRequest) (types.GlobalPortID, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.WrapError(types.ErrCodeCanceled, "port id request canceled", err)
	}
	id, refused, err := c.lb.open(c, req)
	if refused != nil {
		refused.deliver(c.lb)
	}
	return id, err
}

// PostMessage implements Broker
func (c *Conn) PostMessage(id types.GlobalPortID, msg types.Message) {
	c.lb.post(c, id, msg)
}

// ClosePort implements Broker
func (c *Conn) ClosePort(id types.GlobalPortID, force bool) {
	c.lb.close(c, id, force)
}
