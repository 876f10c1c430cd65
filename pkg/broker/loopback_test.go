package broker

import (
	"testing"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// event is one notification observed by the recording endpoint
type event struct {
	Op   string
	ID   types.GlobalPortID
	Data string
	Err  string
}

type recordingEndpoint struct {
	events  []event
	senders []types.SenderInfo
	accept  bool
	// onConnect runs inside OnConnect when set
	onConnect func(id types.GlobalPortID)
}

func (e *recordingEndpoint) OnConnect(id types.GlobalPortID, name string, sender types.SenderInfo, _ types.OwnerID) bool {
	e.events = append(e.events, event{Op: "connect", ID: id, Data: name})
	e.senders = append(e.senders, sender)
	if e.onConnect != nil {
		e.onConnect(id)
	}
	return e.accept
}

func (e *recordingEndpoint) OnMessage(id types.GlobalPortID, msg types.Message) {
	e.events = append(e.events, event{Op: "message", ID: id, Data: string(msg.Data)})
}

func (e *recordingEndpoint) OnDisconnect(id types.GlobalPortID, errMsg string) {
	e.events = append(e.events, event{Op: "disconnect", ID: id, Err: errMsg})
}

type group struct {
	loop *loop.Loop
	conn *Conn
	ep   *recordingEndpoint
}

func setupTestLoopback(t *testing.T, cfg config.BrokerConfig) *Loopback {
	t.Helper()
	lb, err := NewLoopback(cfg, logger.NewNop())
	require.NoError(t, err)
	return lb
}

func attachGroup(t *testing.T, lb *Loopback, name string, owners ...types.OwnerID) *group {
	t.Helper()
	l := loop.New()
	c, err := lb.Attach(name, l)
	require.NoError(t, err)
	ep := &recordingEndpoint{accept: true}
	c.SetEndpoint(ep)
	for _, o := range owners {
		require.NoError(t, lb.Route(o, c))
	}
	return &group{loop: l, conn: c, ep: ep}
}

func requestID(t *testing.T, c *Conn, owner types.OwnerID) types.GlobalPortID {
	t.Helper()
	var got types.GlobalPortID
	var gotErr error
	replied := false
	c.RequestPortID(types.ChannelOpenRequest{TargetOwnerID: owner, ChannelName: "chan"}, func(id types.GlobalPortID, err error) {
		got, gotErr, replied = id, err, true
	})
	require.True(t, replied)
	require.NoError(t, gotErr)
	return got
}

func TestNewLoopbackRejectsUnknownCodec(t *testing.T) {
	_, err := NewLoopback(config.BrokerConfig{Codec: "gob"}, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestAttachValidation(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())

	_, err := lb.Attach("", loop.New())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = lb.Attach("a", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = lb.Attach("a", loop.New())
	require.NoError(t, err)
	_, err = lb.Attach("a", loop.New())
	assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))
}

func TestRouteConflicts(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a", "ext-a")
	b := attachGroup(t, lb, "b")

	assert.NoError(t, lb.Route("ext-a", a.conn))
	assert.True(t, types.IsErrCode(lb.Route("ext-a", b.conn), types.ErrCodeAlreadyExists))
	assert.True(t, types.IsErrCode(lb.Route("", b.conn), types.ErrCodeInvalidArgument))
}

func TestIDsComeInPairs(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a", "ext-a")

	first := requestID(t, a.conn, "ext-a")
	second := requestID(t, a.conn, "ext-a")

	assert.True(t, first.IsOpener())
	assert.True(t, second.IsOpener())
	assert.Equal(t, first+2, second)
}

func TestConnectPrecedesMessages(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	id := requestID(t, a.conn, "ext-b")
	a.conn.PostMessage(id, types.NewMessage("A"))
	a.conn.PostMessage(id, types.NewMessage("B"))
	b.loop.RunUntilIdle()

	assert.Equal(t, []event{
		{Op: "connect", ID: id + 1, Data: "chan"},
		{Op: "message", ID: id + 1, Data: "A"},
		{Op: "message", ID: id + 1, Data: "B"},
	}, b.ep.events)
	assert.Empty(t, a.ep.events)
}

func TestCredentialIsAttestedByBroker(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	reply := func(types.GlobalPortID, error) {}
	a.conn.RequestPortID(types.ChannelOpenRequest{
		TargetOwnerID: "ext-b",
		Sender:        types.SenderInfo{OriginID: "ext-a", Credential: "forged"},
	}, reply)
	a.conn.RequestPortID(types.ChannelOpenRequest{
		TargetOwnerID:     "ext-b",
		Sender:            types.SenderInfo{OriginID: "ext-a"},
		IncludeCredential: true,
	}, reply)
	b.loop.RunUntilIdle()

	require.Len(t, b.ep.senders, 2)
	assert.Empty(t, b.ep.senders[0].Credential)
	assert.Equal(t, "a", b.ep.senders[1].Credential)
	assert.Equal(t, "ext-a", b.ep.senders[1].OriginID)
}

func TestMessagesFlowBothWays(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	id := requestID(t, a.conn, "ext-b")
	b.loop.RunUntilIdle()
	b.conn.PostMessage(id.Opposite(), types.Message{Data: []byte("pong"), UserGesture: true})
	a.loop.RunUntilIdle()

	assert.Equal(t, []event{{Op: "message", ID: id, Data: "pong"}}, a.ep.events)
}

func TestNoReceiverRefusesAfterReply(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")

	var order []string
	a.conn.RequestPortID(types.ChannelOpenRequest{TargetOwnerID: "nobody"}, func(id types.GlobalPortID, err error) {
		require.NoError(t, err)
		// a client posts its reply handling to the loop
		require.NoError(t, a.loop.Post(func() { order = append(order, "bound") }))
	})
	require.NoError(t, a.loop.Post(func() { order = append(order, "drained") }))
	a.loop.RunUntilIdle()

	assert.Equal(t, []string{"bound", "drained"}, order)
	require.Len(t, a.ep.events, 1)
	assert.Equal(t, "disconnect", a.ep.events[0].Op)
	assert.Equal(t, ErrMsgNoReceiver, a.ep.events[0].Err)
	assert.Equal(t, int64(1), lb.Stats().ChannelsRefused)
}

func TestUnclaimedChannelNotifiesOpener(t *testing.T) {
	tests := []struct {
		name    string
		deliver bool
		wantErr string
	}{
		{name: "with error", deliver: true, wantErr: ErrMsgNoReceiver},
		{name: "silent", deliver: false, wantErr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultBrokerConfig()
			cfg.DeliverUnclaimedError = tt.deliver
			lb := setupTestLoopback(t, cfg)
			a := attachGroup(t, lb, "a")
			b := attachGroup(t, lb, "b", "ext-b")
			b.ep.accept = false
			// an endpoint closes what nobody claimed
			b.ep.onConnect = func(id types.GlobalPortID) { b.conn.ClosePort(id, false) }

			id := requestID(t, a.conn, "ext-b")
			b.loop.RunUntilIdle()
			a.loop.RunUntilIdle()

			assert.Equal(t, []event{{Op: "disconnect", ID: id, Err: tt.wantErr}}, a.ep.events)
			assert.Equal(t, 0, lb.Stats().OpenChannels)
		})
	}
}

func TestCloseDuringConnectAfterClaim(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")
	b.ep.onConnect = func(id types.GlobalPortID) { b.conn.ClosePort(id, false) }

	id := requestID(t, a.conn, "ext-b")
	b.loop.RunUntilIdle()
	a.loop.RunUntilIdle()

	assert.Equal(t, []event{{Op: "disconnect", ID: id}}, a.ep.events)
}

func TestCloseNotifiesPeerOnce(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	id := requestID(t, a.conn, "ext-b")
	b.loop.RunUntilIdle()

	a.conn.ClosePort(id, true)
	a.conn.ClosePort(id, true)
	b.loop.RunUntilIdle()

	assert.Equal(t, []event{
		{Op: "connect", ID: id + 1, Data: "chan"},
		{Op: "disconnect", ID: id + 1},
	}, b.ep.events)

	// the receiver's close after the channel is gone is ignored
	b.conn.ClosePort(id+1, false)
	a.loop.RunUntilIdle()
	assert.Empty(t, a.ep.events)
}

func TestPostToClosedChannelIsDropped(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")

	a.conn.PostMessage(99, types.NewMessage("lost"))

	assert.Equal(t, int64(1), lb.Stats().MessagesDropped)
}

func TestPostFromWrongSideIsDropped(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	id := requestID(t, a.conn, "ext-b")
	b.loop.RunUntilIdle()
	b.conn.PostMessage(id, types.NewMessage("spoofed"))
	b.loop.RunUntilIdle()

	assert.Equal(t, []event{{Op: "connect", ID: id + 1, Data: "chan"}}, b.ep.events)
	assert.Equal(t, int64(1), lb.Stats().MessagesDropped)
}

func TestSameGroupChannel(t *testing.T) {
	lb := setupTestLoopback(t, config.BrokerConfig{Codec: "none", DeliverUnclaimedError: true})
	a := attachGroup(t, lb, "a", "ext-a")

	id := requestID(t, a.conn, "ext-a")
	a.conn.PostMessage(id, types.NewMessage("self"))
	a.loop.RunUntilIdle()

	assert.Equal(t, []event{
		{Op: "connect", ID: id + 1, Data: "chan"},
		{Op: "message", ID: id + 1, Data: "self"},
	}, a.ep.events)
}

func TestDetachNotifiesPeers(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	id := requestID(t, a.conn, "ext-b")
	b.loop.RunUntilIdle()

	require.NoError(t, lb.Detach(b.conn))
	a.loop.RunUntilIdle()

	assert.Equal(t, []event{{Op: "disconnect", ID: id, Err: ErrMsgPeerGone}}, a.ep.events)
	assert.True(t, types.IsErrCode(lb.Detach(b.conn), types.ErrCodeNotFound))

	// routes to the detached group are gone
	a.conn.RequestPortID(types.ChannelOpenRequest{TargetOwnerID: "ext-b"}, func(types.GlobalPortID, error) {})
	a.loop.RunUntilIdle()
	assert.Equal(t, ErrMsgNoReceiver, a.ep.events[len(a.ep.events)-1].Err)

	// a detached connection is unavailable
	b.conn.RequestPortID(types.ChannelOpenRequest{TargetOwnerID: "ext-a"}, func(_ types.GlobalPortID, err error) {
		assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	})
}

func TestLoopbackRequestPortIDSync(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	id, err := a.conn.RequestPortIDSync(t.Context(), types.ChannelOpenRequest{TargetOwnerID: "ext-b", ChannelName: "sync"})
	require.NoError(t, err)
	b.loop.RunUntilIdle()
	assert.Equal(t, []event{{Op: "connect", ID: id + 1, Data: "sync"}}, b.ep.events)
}

func TestCloseRefusesRequests(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")

	require.NoError(t, lb.Close())
	assert.True(t, types.IsErrCode(lb.Close(), types.ErrCodeInvalid))

	_, err := a.conn.RequestPortIDSync(t.Context(), types.ChannelOpenRequest{TargetOwnerID: "x"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	_, err = lb.Attach("c", loop.New())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestOpenerClosesBeforeReceiverConnects(t *testing.T) {
	lb := setupTestLoopback(t, config.DefaultBrokerConfig())
	a := attachGroup(t, lb, "a")
	b := attachGroup(t, lb, "b", "ext-b")

	id := requestID(t, a.conn, "ext-b")
	a.conn.PostMessage(id, types.NewMessage("last words"))
	a.conn.ClosePort(id, false)
	b.loop.RunUntilIdle()

	assert.Equal(t, []event{
		{Op: "connect", ID: id + 1, Data: "chan"},
		{Op: "message", ID: id + 1, Data: "last words"},
		{Op: "disconnect", ID: id + 1},
	}, b.ep.events)
}
