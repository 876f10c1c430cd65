package port

import (
	"fmt"

	"github.com/baaaht/portmux/pkg/types"
)

// Table owns the ports of one execution context
type Table struct {
	ports      map[types.LocalPortID]*Port
	order      []types.LocalPortID
	awaiting   map[*Port]struct{}
	lastID     types.LocalPortID
	sender     Sender
	maxPending int
}

// NewTable creates an empty port table
func NewTable(sender Sender, maxPending int) *Table {
	return &Table{
		ports:      make(map[types.LocalPortID]*Port),
		awaiting:   make(map[*Port]struct{}),
		sender:     sender,
		maxPending: maxPending,
	}
}

// Allocate creates a port with the next local id
func (t *Table) Allocate() *Port {
	t.lastID++
	p := New(t.lastID, t.sender, t.maxPending)
	t.ports[p.localID] = p
	t.order = append(t.order, p.localID)
	return p
}

// Get returns the port with the given local id
func (t *Table) Get(id types.LocalPortID) (*Port, bool) {
	p, ok := t.ports[id]
	return p, ok
}

// LookupByGlobalID finds the owned port bound to id. Tables hold a handful of
// ports, so this is a linear scan in allocation order.
func (t *Table) LookupByGlobalID(id types.GlobalPortID) (*Port, bool) {
	for _, localID := range t.order {
		p := t.ports[localID]
		if gid, bound := p.GlobalID(); bound && gid == id {
			return p, true
		}
	}
	return nil, false
}

// Remove detaches a port from the table. A port that is still unbound is
// closed and kept in the awaiting-bind set so that its buffered messages and
// its close still reach the broker once the id arrives. Removing an unknown
// id is not an error: the port was already closed elsewhere.
func (t *Table) Remove(id types.LocalPortID) (*Port, bool) {
	p, ok := t.detach(id)
	if !ok {
		return nil, false
	}
	if !p.IsBound() {
		p.Close(false)
		t.awaiting[p] = struct{}{}
	}
	return p, true
}

// Drop detaches a port without waiting for a bind. Used when the id request
// failed and no bind will ever come.
func (t *Table) Drop(id types.LocalPortID) (*Port, bool) {
	return t.detach(id)
}

func (t *Table) detach(id types.LocalPortID) (*Port, bool) {
	p, ok := t.ports[id]
	if !ok {
		return nil, false
	}
	delete(t.ports, id)
	for i, localID := range t.order {
		if localID == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return p, true
}

// Bind binds a port owned by this table, or held in its awaiting-bind set,
// to a global id. A port that is neither is rejected.
func (t *Table) Bind(p *Port, id types.GlobalPortID) error {
	if _, waiting := t.awaiting[p]; waiting {
		delete(t.awaiting, p)
		p.BindGlobalID(id)
		return nil
	}
	if owned, ok := t.ports[p.localID]; !ok || owned != p {
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("port %d is not held by this table", p.localID))
	}
	p.BindGlobalID(id)
	return nil
}

// Forget drops a port from the awaiting-bind set
func (t *Table) Forget(p *Port) {
	delete(t.awaiting, p)
}

// CloseAll closes and removes every owned port. Unbound ports move to the
// awaiting-bind set. The removed ports are returned in allocation order.
func (t *Table) CloseAll() []*Port {
	ids := append([]types.LocalPortID(nil), t.order...)
	closed := make([]*Port, 0, len(ids))
	for _, id := range ids {
		p, _ := t.Get(id)
		p.Close(false)
		t.Remove(id)
		closed = append(closed, p)
	}
	return closed
}

// Len returns the number of owned ports
func (t *Table) Len() int {
	return len(t.ports)
}

// AwaitingBind returns the number of detached ports still waiting for an id
func (t *Table) AwaitingBind() int {
	return len(t.awaiting)
}

// Ports returns the owned ports in allocation order
func (t *Table) Ports() []*Port {
	ports := make([]*Port, 0, len(t.order))
	for _, id := range t.order {
		ports = append(ports, t.ports[id])
	}
	return ports
}
