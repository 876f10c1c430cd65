package gojahost

import (
	"runtime"
	"testing"
	"time"

	"github.com/baaaht/portmux/internal/config"
	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/broker"
	"github.com/baaaht/portmux/pkg/dispatch"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/registry"
	"github.com/baaaht/portmux/pkg/script"
	"github.com/baaaht/portmux/pkg/types"
	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHost wires one process group on a loopback broker routing every
// given owner to it
func setupTestHost(t *testing.T, owners ...types.OwnerID) (*dispatch.Dispatcher, *loop.Loop) {
	t.Helper()
	cfg := config.DefaultMessagingConfig()
	cfg.ReclaimAbandonedPorts = false
	return setupTestHostWithConfig(t, cfg, owners...)
}

func setupTestHostWithConfig(t *testing.T, cfg config.MessagingConfig, owners ...types.OwnerID) (*dispatch.Dispatcher, *loop.Loop) {
	t.Helper()

	lb, err := broker.NewLoopback(config.DefaultBrokerConfig(), logger.NewNop())
	require.NoError(t, err)
	l := loop.New()
	conn, err := lb.Attach("main", l)
	require.NoError(t, err)
	reg, err := registry.New(l, logger.NewNop())
	require.NoError(t, err)
	client, err := broker.NewClient(conn, l, cfg, logger.NewNop(), nil)
	require.NoError(t, err)
	d, err := dispatch.New(reg, client, l, cfg, logger.NewNop(), nil)
	require.NoError(t, err)
	conn.SetEndpoint(d)
	for _, o := range owners {
		require.NoError(t, lb.Route(o, conn))
	}
	return d, l
}

func newAttachedSandbox(t *testing.T, d *dispatch.Dispatcher, owner types.OwnerID, src string) *Sandbox {
	t.Helper()
	s, err := New(owner, logger.NewNop())
	require.NoError(t, err)
	_, err = s.Attach(d)
	require.NoError(t, err)
	require.NoError(t, s.RunScript(string(owner)+".js", src))
	return s
}

func global(t *testing.T, s *Sandbox, name string) any {
	t.Helper()
	v := s.Runtime().Get(name)
	if v == nil {
		return nil
	}
	return v.Export()
}

func TestNewRequiresOwner(t *testing.T) {
	_, err := New("", nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestAttachTwice(t *testing.T) {
	d, _ := setupTestHost(t)
	s, err := New("ext-a", logger.NewNop())
	require.NoError(t, err)
	_, err = s.Attach(d)
	require.NoError(t, err)
	_, err = s.Attach(d)
	assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))
}

func TestConnectBeforeAttachThrows(t *testing.T) {
	s, err := New("ext-a", logger.NewNop())
	require.NoError(t, err)

	err = s.RunScript("early.js", `ports.connect("ext-b", "x");`)
	assert.True(t, types.IsErrCode(err, types.ErrCodeHandlerFailed))
}

func TestEchoBetweenSandboxes(t *testing.T) {
	d, l := setupTestHost(t, "ext-b")

	server := newAttachedSandbox(t, d, "ext-b", `
		var connects = [];
		ports.onConnect = function (ev) {
			connects.push(ev.channelName + " from " + ev.sender.originId);
			var port = ev.accept();
			port.onMessage = function (data) {
				port.postMessage({echo: data.n * 2});
			};
		};
	`)
	client := newAttachedSandbox(t, d, "ext-a", `
		var replies = [];
		var p = ports.connect("ext-b", "math");
		p.onMessage = function (data) { replies.push(data.echo); };
		p.postMessage({n: 1});
		p.postMessage({n: 2});
	`)

	l.RunUntilIdle()

	assert.Equal(t, []any{"math from ext-a"}, global(t, server, "connects"))
	assert.Equal(t, []any{int64(2), int64(4)}, global(t, client, "replies"))
}

func TestUnclaimedConnectReportsError(t *testing.T) {
	d, l := setupTestHost(t, "ext-b")

	newAttachedSandbox(t, d, "ext-b", `ports.onConnect = function (ev) {};`)
	client := newAttachedSandbox(t, d, "ext-a", `
		var errors = [];
		var p = ports.connect("ext-b", "ignored");
		p.onDisconnect = function (err) { errors.push(err); };
	`)

	l.RunUntilIdle()

	assert.Equal(t, []any{broker.ErrMsgNoReceiver}, global(t, client, "errors"))
}

func TestDisconnectReachesPeer(t *testing.T) {
	d, l := setupTestHost(t, "ext-b")

	server := newAttachedSandbox(t, d, "ext-b", `
		var closed = 0;
		var received = 0;
		ports.onConnect = function (ev) {
			var port = ev.accept();
			port.onMessage = function () { received++; };
			port.onDisconnect = function (err) { closed++; };
		};
	`)
	newAttachedSandbox(t, d, "ext-a", `
		var p = ports.connect("ext-b", "short");
		p.disconnect(true);
		p.postMessage("ignored");
		p.disconnect(true);
	`)

	l.RunUntilIdle()

	assert.Equal(t, int64(1), global(t, server, "closed"))
	assert.Equal(t, int64(0), global(t, server, "received"))
}

func TestTeardownCallback(t *testing.T) {
	d, l := setupTestHost(t, "ext-b")

	server := newAttachedSandbox(t, d, "ext-b", `
		var farewells = [];
		ports.onConnect = function (ev) {
			ev.accept().onMessage = function (data) { farewells.push(data); };
		};
	`)
	client := newAttachedSandbox(t, d, "ext-a", `
		ports.onTeardown = function () {
			ports.connect("ext-b", "bye").postMessage("goodbye");
		};
	`)

	require.NoError(t, d.RemoveContext(client.Context()))
	l.RunUntilIdle()

	assert.Equal(t, []any{"goodbye"}, global(t, server, "farewells"))
}

func TestHandlerExceptionIsReported(t *testing.T) {
	s, err := New("ext-a", logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.RunScript("throw.js", `ports.onTeardown = function () { throw new Error("boom"); };`))

	_, err = s.Dispatch(script.EventTeardown)
	assert.True(t, types.IsErrCode(err, types.ErrCodeHandlerFailed))
}

func TestMissingHandlerIsIgnored(t *testing.T) {
	s, err := New("ext-a", logger.NewNop())
	require.NoError(t, err)

	result, err := s.Dispatch(script.EventTeardown)
	assert.NoError(t, err)
	assert.Nil(t, result)

	_, err = s.Dispatch(script.EventMessage, "not an event")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestListenersKeepPortOpen(t *testing.T) {
	d, l := setupTestHostWithConfig(t, config.DefaultMessagingConfig(), "ext-b")

	server := newAttachedSandbox(t, d, "ext-b", `
		var disconnects = 0;
		ports.onConnect = function (ev) {
			var port = ev.accept();
			port.onMessage = function (data) { port.postMessage({echo: data}); };
			port.onDisconnect = function () { disconnects++; };
		};
	`)
	client := newAttachedSandbox(t, d, "ext-a", `
		var replies = [];
		var p = ports.connect("ext-b", "echo");
		p.onMessage = function (data) { replies.push(data.echo); };
		p.postMessage("one");
		function send(v) { p.postMessage(v); }
	`)
	l.RunUntilIdle()

	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
		l.RunUntilIdle()
	}

	send, ok := goja.AssertFunction(client.Runtime().Get("send"))
	require.True(t, ok)
	_, err := send(goja.Undefined(), client.Runtime().ToValue("two"))
	require.NoError(t, err)
	l.RunUntilIdle()

	assert.Equal(t, []any{"one", "two"}, global(t, client, "replies"))
	assert.Equal(t, int64(0), global(t, server, "disconnects"))
	assert.Equal(t, int64(0), d.Stats().PortsReclaimed)
}

func TestMessageOptionsReachReceiver(t *testing.T) {
	d, l := setupTestHost(t, "ext-b")

	server := newAttachedSandbox(t, d, "ext-b", `
		var credentials = {};
		var gestures = {};
		ports.onConnect = function (ev) {
			var name = ev.channelName;
			credentials[name] = ev.sender.credential || "none";
			ev.accept().onMessage = function (data, port, info) {
				gestures[name] = info.userGesture;
			};
		};
	`)
	newAttachedSandbox(t, d, "ext-a", `
		var plain = ports.connect("ext-b", "plain");
		plain.postMessage(1);
		var signed = ports.connect("ext-b", "signed", {includeCredential: true});
		signed.postMessage(2, {userGesture: true});
	`)

	l.RunUntilIdle()

	assert.Equal(t, map[string]any{"plain": "none", "signed": "main"}, global(t, server, "credentials"))
	assert.Equal(t, map[string]any{"plain": false, "signed": true}, global(t, server, "gestures"))
}
