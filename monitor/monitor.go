// Package monitor provides the types and interfaces for observing the IPv4
// addresses of network interfaces. Implementations deliver a one-shot
// enumeration of the current addresses followed by a live feed of add and
// delete events, in the order the operating system produced them.
package monitor

import "net/netip"

// Address is a decoded interface address.
type Address struct {
	// IP is the IPv4 address.
	IP netip.Addr

	// Label is the label of the interface the address was reported under.
	Label string
}

// Op is the kind of change an [Event] describes.
type Op uint8

const (
	// OpAdded indicates the address was added to the interface.
	OpAdded Op = iota

	// OpRemoved indicates the address was removed from the interface.
	OpRemoved
)

// String implements [fmt.Stringer].
func (op Op) String() string {
	switch op {
	case OpAdded:
		return "added"
	case OpRemoved:
		return "removed"
	default:
		return "invalid"
	}
}

// Event is a single address change.
type Event struct {
	// Addr is the affected address.
	Addr Address

	// Op indicates whether the address was added or removed.
	Op Op
}

// Source delivers the current interface addresses and their subsequent changes.
type Source interface {
	// Addresses returns a channel carrying a one-shot enumeration of the
	// current addresses of all interfaces. The channel is closed once the
	// enumeration completes. It is not restartable.
	Addresses() <-chan Address

	// Events returns a channel carrying live address change events.
	// Events are delivered in the order they were observed, without
	// coalescing. The channel is closed when the underlying connection
	// terminates, after which no further changes can be observed.
	Events() <-chan Event
}
