package registry

import (
	"testing"

	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/loop"
	"github.com/baaaht/portmux/pkg/port"
	"github.com/baaaht/portmux/pkg/script"
	"github.com/baaaht/portmux/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSender struct {
	closed []types.GlobalPortID
}

func (s *nopSender) PostMessage(types.GlobalPortID, types.Message) {}

func (s *nopSender) ClosePort(id types.GlobalPortID, _ bool) {
	s.closed = append(s.closed, id)
}

func setupTestRegistry(t *testing.T) (*Registry, *loop.Loop) {
	t.Helper()
	l := loop.New()
	r, err := New(l, logger.NewNop())
	require.NoError(t, err)
	return r, l
}

func newTestContext(owner types.OwnerID, cb script.CallbackFunc, opts ...ContextOption) *ExecutionContext {
	if cb == nil {
		cb = func(string, ...any) (any, error) { return nil, nil }
	}
	return NewContext(script.NewSandbox(owner, cb), port.NewTable(&nopSender{}, 0), opts...)
}

func collect(r *Registry, owner types.OwnerID, host string) []*ExecutionContext {
	var got []*ExecutionContext
	r.ForEach(owner, host, func(ec *ExecutionContext) bool {
		got = append(got, ec)
		return true
	})
	return got
}

func TestNewRegistryRequiresLoop(t *testing.T) {
	_, err := New(nil, nil)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ec := newTestContext("ext-a", nil)

	require.NoError(t, r.Register(ec))
	got, err := r.Get(ec.ID())
	require.NoError(t, err)
	assert.Same(t, ec, got)

	err = r.Register(ec)
	assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))
	assert.Equal(t, 1, r.Len())
}

func TestForEachFilters(t *testing.T) {
	r, _ := setupTestRegistry(t)
	a1 := newTestContext("ext-a", nil, WithHostFrame("frame-1"))
	a2 := newTestContext("ext-a", nil, WithHostFrame("frame-2"))
	b := newTestContext("ext-b", nil, WithHostFrame("frame-1"))
	for _, ec := range []*ExecutionContext{a1, a2, b} {
		require.NoError(t, r.Register(ec))
	}

	assert.Equal(t, []*ExecutionContext{a1, a2, b}, collect(r, "", ""))
	assert.Equal(t, []*ExecutionContext{a1, a2}, collect(r, "ext-a", ""))
	assert.Equal(t, []*ExecutionContext{a1, b}, collect(r, "", "frame-1"))
	assert.Equal(t, []*ExecutionContext{a2}, collect(r, "ext-a", "frame-2"))
	assert.Empty(t, collect(r, "ext-c", ""))
}

func TestForEachStopsWhenCallbackReturnsFalse(t *testing.T) {
	r, _ := setupTestRegistry(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Register(newTestContext("ext-a", nil)))
	}

	visits := 0
	r.ForEach("", "", func(*ExecutionContext) bool {
		visits++
		return visits < 2
	})
	assert.Equal(t, 2, visits)
}

func TestForEachSkipsContextsRemovedMidIteration(t *testing.T) {
	r, l := setupTestRegistry(t)
	first := newTestContext("ext-a", nil)
	second := newTestContext("ext-a", nil)
	third := newTestContext("ext-a", nil)
	for _, ec := range []*ExecutionContext{first, second, third} {
		require.NoError(t, r.Register(ec))
	}

	var visited []*ExecutionContext
	var added *ExecutionContext
	r.ForEach("", "", func(ec *ExecutionContext) bool {
		visited = append(visited, ec)
		if ec == first {
			require.NoError(t, r.Remove(second))
			added = newTestContext("ext-a", nil)
			require.NoError(t, r.Register(added))
		}
		return true
	})

	assert.Equal(t, []*ExecutionContext{first, third}, visited)
	assert.False(t, second.IsValid())

	l.RunUntilIdle()
	assert.Equal(t, []*ExecutionContext{first, third, added}, collect(r, "", ""))
}

func TestRemoveInvalidatesNowAndDestroysLater(t *testing.T) {
	r, l := setupTestRegistry(t)
	ec := newTestContext("ext-a", nil)
	require.NoError(t, r.Register(ec))

	require.NoError(t, r.Remove(ec))
	assert.False(t, ec.IsValid())
	assert.Equal(t, 0, r.Len())
	_, err := r.Get(ec.ID())
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
	assert.Equal(t, int64(0), r.Stats().Destroyed)

	l.RunUntilIdle()
	assert.Equal(t, int64(1), r.Stats().Destroyed)

	err = r.Remove(ec)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))
}

func TestRemoveRunsTeardownThenClosesPorts(t *testing.T) {
	r, _ := setupTestRegistry(t)
	sender := &nopSender{}
	var events []string
	var sawValid, sawTeardown bool

	var ec *ExecutionContext
	sandbox := script.NewSandbox("ext-a", script.CallbackFunc(func(event string, _ ...any) (any, error) {
		events = append(events, event)
		sawValid = ec.IsValid()
		sawTeardown = ec.InTeardown()
		return nil, nil
	}))
	ec = NewContext(sandbox, port.NewTable(sender, 0))
	require.NoError(t, r.Register(ec))

	p := ec.Ports().Allocate()
	require.NoError(t, ec.Ports().Bind(p, 6))

	hookRan := false
	ec.OnInvalidate(func() {
		hookRan = true
		assert.False(t, ec.IsValid())
	})

	require.NoError(t, r.Remove(ec))

	assert.Equal(t, []string{script.EventTeardown}, events)
	assert.True(t, sawValid)
	assert.True(t, sawTeardown)
	assert.False(t, ec.InTeardown())
	assert.True(t, hookRan)
	assert.Equal(t, []types.GlobalPortID{6}, sender.closed)
	assert.Equal(t, 0, ec.Ports().Len())
}

func TestRemoveFromOwnTeardownIsHarmless(t *testing.T) {
	r, l := setupTestRegistry(t)
	var ec *ExecutionContext
	ec = newTestContext("ext-a", func(event string, _ ...any) (any, error) {
		assert.NoError(t, r.Remove(ec))
		return nil, nil
	})
	require.NoError(t, r.Register(ec))

	require.NoError(t, r.Remove(ec))
	l.RunUntilIdle()

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Removed)
	assert.Equal(t, int64(1), stats.Destroyed)
}

func TestInvalidateHooks(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ec := newTestContext("ext-a", nil)
	require.NoError(t, r.Register(ec))

	var order []int
	ec.OnInvalidate(func() { order = append(order, 1) })
	removed := ec.OnInvalidate(func() { order = append(order, 2) })
	ec.OnInvalidate(func() { order = append(order, 3) })
	ec.RemoveInvalidateHook(removed)

	require.NoError(t, r.Remove(ec))
	assert.Equal(t, []int{1, 3}, order)

	late := false
	ec.OnInvalidate(func() { late = true })
	assert.True(t, late)
}

func TestDispatchOnInvalidContextIsDropped(t *testing.T) {
	r, _ := setupTestRegistry(t)
	calls := 0
	ec := newTestContext("ext-a", func(string, ...any) (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, r.Register(ec))

	result, delivered, err := ec.Dispatch(script.EventMessage)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, "ok", result)

	require.NoError(t, r.Remove(ec))
	calls = 0
	_, delivered, err = ec.Dispatch(script.EventMessage)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, 0, calls)
}

func TestCompactionKeepsOrder(t *testing.T) {
	r, l := setupTestRegistry(t)
	var all []*ExecutionContext
	for i := 0; i < 6; i++ {
		ec := newTestContext("ext-a", nil)
		require.NoError(t, r.Register(ec))
		all = append(all, ec)
	}
	for _, i := range []int{0, 2, 4} {
		require.NoError(t, r.Remove(all[i]))
	}
	l.RunUntilIdle()

	assert.Equal(t, []*ExecutionContext{all[1], all[3], all[5]}, collect(r, "", ""))
	for _, ec := range []*ExecutionContext{all[1], all[3], all[5]} {
		got, err := r.Get(ec.ID())
		require.NoError(t, err)
		assert.Same(t, ec, got)
	}
}

func TestCloseRemovesEverything(t *testing.T) {
	r, _ := setupTestRegistry(t)
	a := newTestContext("ext-a", nil)
	b := newTestContext("ext-b", nil)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	require.NoError(t, r.Close())
	assert.False(t, a.IsValid())
	assert.False(t, b.IsValid())

	err := r.Register(newTestContext("ext-c", nil))
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.Error(t, r.Close())
}
