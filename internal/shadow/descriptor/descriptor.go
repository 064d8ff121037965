// Package descriptor implements the per-host descriptor table (§4.4): a map
// from small-integer handles to typed descriptors, with stdio handles
// 0-2 reserved and passed through to the real OS, and released handles
// reused before the handle counter is extended.
package descriptor

import (
	"sort"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// Handle is a per-host small-integer descriptor handle. Handles never
// alias across hosts (§4.4).
type Handle int32

// FirstDynamicHandle is the smallest handle create() ever returns; 0-2 are
// reserved for stdio.
const FirstDynamicHandle Handle = 3

// Type tags the kind of kernel-like object a descriptor represents.
type Type int

const (
	TypeTCP Type = iota
	TypeUDP
	TypePipe
	TypeSocketPair
	TypeEpoll
	TypeTimer
)

// Status bits, matching the tagged-descriptor status bitset in §3.
type Status uint8

const (
	StatusActive Status = 1 << iota
	StatusClosed
	StatusReadable
	StatusWritable
	StatusError
)

// Descriptor is the common envelope every table entry carries: a type tag,
// a status bitset, the concrete object (opaque to this package), and the
// weak back-references to any Epoll instances watching it (§3).
type Descriptor struct {
	Handle  Handle
	Type    Type
	Status  Status
	Object  any // *tcp.Socket, *udp.Socket, a pipe endpoint, *Epoll, or a Timer
	Watched map[Handle]uint32 // epoll handle -> interest mask
}

func (d *Descriptor) hasStatus(s Status) bool { return d.Status&s != 0 }

// SetStatus ORs in the given bits.
func (d *Descriptor) SetStatus(s Status) { d.Status |= s }

// ClearStatus ANDs out the given bits.
func (d *Descriptor) ClearStatus(s Status) { d.Status &^= s }

// Table is the per-host descriptor table (§3/§4.4). All mutation is
// expected to happen under the owning Host's exclusive lock; Table itself
// adds no extra locking, matching "one exclusive lock per host guards
// every mutation" from §3.
type Table struct {
	entries map[Handle]*Descriptor
	// availableHandles holds released handles ordered ascending, reused
	// before next is ever extended (§4.4).
	availableHandles []Handle
	next             Handle

	// shadowToOS/osToShadow map shadow handles to real host-OS handles for
	// files opened against the real filesystem; stdio (0-2) are identity.
	shadowToOS map[Handle]int32
	osToShadow map[int32]Handle
}

// NewTable constructs an empty table with stdio (0, 1, 2) pre-registered
// as pass-through identities.
func NewTable() *Table {
	t := &Table{
		entries:    make(map[Handle]*Descriptor),
		next:       FirstDynamicHandle,
		shadowToOS: make(map[Handle]int32),
		osToShadow: make(map[int32]Handle),
	}
	for h := Handle(0); h < FirstDynamicHandle; h++ {
		t.shadowToOS[h] = int32(h)
		t.osToShadow[int32(h)] = h
	}
	return t
}

// Create allocates the smallest unused handle >= 3 for a descriptor of the
// given type and returns it (§4.4).
func (t *Table) Create(typ Type, object any) *Descriptor {
	h := t.allocHandle()
	d := &Descriptor{
		Handle:  h,
		Type:    typ,
		Status:  StatusActive,
		Object:  object,
		Watched: make(map[Handle]uint32),
	}
	t.entries[h] = d
	return d
}

func (t *Table) allocHandle() Handle {
	if n := len(t.availableHandles); n > 0 {
		h := t.availableHandles[0]
		t.availableHandles = t.availableHandles[1:]
		return h
	}
	h := t.next
	t.next++
	return h
}

// Get looks up a descriptor by handle. A CLOSED descriptor stays in the
// table, and is still returned, until Release removes it; after that Get
// returns BadDescriptor for the handle until Create allocates it again
// (§4.4).
func (t *Table) Get(h Handle) (*Descriptor, error) {
	d, ok := t.entries[h]
	if !ok {
		return nil, serrors.ErrBadDescriptor
	}
	return d, nil
}

// Close transitions the descriptor to CLOSED. The caller (host/socket
// layer) is responsible for detaching it from interfaces and epoll
// registrations before or after calling Close; this method only flips the
// status bits. The descriptor stays in the table until Release is called;
// it is not released automatically once its buffered data is drained.
func (t *Table) Close(h Handle) error {
	d, err := t.Get(h)
	if err != nil {
		return err
	}
	d.ClearStatus(StatusActive)
	d.SetStatus(StatusClosed)
	return nil
}

// Release removes h from the table entirely and returns its handle to the
// available set for reuse, per §4.4 ("released handles go back into an
// ordered set and are reused before extending the counter").
func (t *Table) Release(h Handle) {
	delete(t.entries, h)
	if osfd, ok := t.shadowToOS[h]; ok {
		delete(t.osToShadow, osfd)
	}
	delete(t.shadowToOS, h)
	t.availableHandles = append(t.availableHandles, h)
	sort.Slice(t.availableHandles, func(i, j int) bool { return t.availableHandles[i] < t.availableHandles[j] })
}

// BindOSHandle records that shadow handle h corresponds to real host-OS
// handle osfd, for files the host opens against the real filesystem.
func (t *Table) BindOSHandle(h Handle, osfd int32) {
	t.shadowToOS[h] = osfd
	t.osToShadow[osfd] = h
}

// OSHandle returns the host-OS handle bound to h, if any.
func (t *Table) OSHandle(h Handle) (int32, bool) {
	v, ok := t.shadowToOS[h]
	return v, ok
}

// ShadowHandle returns the shadow handle bound to a host-OS handle, if any.
func (t *Table) ShadowHandle(osfd int32) (Handle, bool) {
	v, ok := t.osToShadow[osfd]
	return v, ok
}

// All returns every live descriptor, for epoll_wait sweeps and diagnostics.
func (t *Table) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(t.entries))
	for _, d := range t.entries {
		out = append(out, d)
	}
	return out
}
