// Package port implements channel endpoints and the per-context table that
// owns them.
//
// A Port is created unbound. Until the broker assigns it a global id, sent
// messages are buffered; binding flushes them in order and, when the port was
// closed in the meantime, sends the close right after the flush, so the
// broker always sees a matched open/close pair.
//
// Example usage:
//
//	table := port.NewTable(brokerClient, 1024)
//	p := table.Allocate()
//	p.Send(types.NewMessage("hello")) // buffered
//	table.Bind(p, 42)                 // flushes "hello" to id 42
//	p.Close(false)
package port
