// Package pipeline implements C6: an ordered chain of named pipes carrying
// inbound and outbound XML documents, with fan-out exception streams.
//
// The shape is the teacher's channel-based observable pattern
// (client/eventing.go) generalized from one subscription to an ordered
// chain of stages (see DESIGN.md, C6 entry); the dispatch core itself
// (ordered hook chain with per-stage forward sinks) is this module's own,
// matching spec §9's direction to turn the source's reactive combinators
// into "plain event callbacks with an explicit channel... per observable."
package pipeline

import (
	"fmt"
	"sync"

	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// Forward is how a Pipe emits zero or more documents to the next stage.
type Forward func(*xmlnode.Element)

// Pipe is one stage of the pipeline (spec §3 "Pipeline"). A Pipe may
// consume (call forward zero times), transform (call it once), or fan out
// (call it more than once).
type Pipe interface {
	OnRead(doc *xmlnode.Element, forward Forward) error
	OnWrite(doc *xmlnode.Element, forward Forward) error
	OnAdded(pl *Pipeline)
	OnRemoved(pl *Pipeline)
}

// BasePipe gives every hook a no-op default; embed it and override only
// the hooks a concrete pipe cares about.
type BasePipe struct{}

func (BasePipe) OnRead(doc *xmlnode.Element, forward Forward) error  { forward(doc); return nil }
func (BasePipe) OnWrite(doc *xmlnode.Element, forward Forward) error { forward(doc); return nil }
func (BasePipe) OnAdded(*Pipeline)                                   {}
func (BasePipe) OnRemoved(*Pipeline)                                 {}

// State is the Pipeline's lifecycle state (spec §4.6).
type State int

const (
	StateStopped State = iota
	StateRunning
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

type entry struct {
	name string
	pipe Pipe
}

// ErrDisposed is returned by any mutating or dispatch operation on a
// disposed Pipeline.
var ErrDisposed = fmt.Errorf("pipeline: disposed")

// ErrNotFound is returned by Get/Remove/Replace for an unknown pipe name.
var ErrNotFound = fmt.Errorf("pipeline: pipe not found")

// ErrDuplicateName is returned when adding a pipe whose name already
// exists in the pipeline.
var ErrDuplicateName = fmt.Errorf("pipeline: duplicate pipe name")

// Pipeline is an ordered chain of named pipes. It is the sole owner of
// its pipes; pipes receive a non-owning *Pipeline handle only inside
// OnAdded/OnRemoved calls (spec §9 cyclic-reference note).
// A single mutex protects the entry list and state, matching the
// "single mutex per Session" locking discipline spec §5 describes scaled
// down to the pipeline's own structure.
type Pipeline struct {
	mu      sync.Mutex
	entries []*entry
	state   State

	inbound  *broadcaster[*xmlnode.Element]
	outbound *broadcaster[*xmlnode.Element]

	inboundErrs  *broadcaster[error]
	outboundErrs *broadcaster[error]
}

// New constructs an empty, stopped Pipeline.
func New() *Pipeline {
	return &Pipeline{
		state:        StateStopped,
		inbound:      newBroadcaster[*xmlnode.Element](),
		outbound:     newBroadcaster[*xmlnode.Element](),
		inboundErrs:  newBroadcaster[error](),
		outboundErrs: newBroadcaster[error](),
	}
}

// State returns the current lifecycle state.
func (pl *Pipeline) State() State {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

// SubscribeInbound returns a channel of documents that reach the inbound
// tail (the last pipe in read order), plus a cancel func to unsubscribe.
func (pl *Pipeline) SubscribeInbound(buf int) (<-chan *xmlnode.Element, func()) {
	return pl.inbound.subscribe(buf)
}

// SubscribeOutbound returns a channel of documents that reach the
// outbound tail (the first pipe in read order, last in write order).
func (pl *Pipeline) SubscribeOutbound(buf int) (<-chan *xmlnode.Element, func()) {
	return pl.outbound.subscribe(buf)
}

// SubscribeInboundExceptions returns a channel of errors raised by OnRead.
func (pl *Pipeline) SubscribeInboundExceptions(buf int) (<-chan error, func()) {
	return pl.inboundErrs.subscribe(buf)
}

// SubscribeOutboundExceptions returns a channel of errors raised by OnWrite.
func (pl *Pipeline) SubscribeOutboundExceptions(buf int) (<-chan error, func()) {
	return pl.outboundErrs.subscribe(buf)
}

// AddAtInboundEnd appends a pipe at the inbound tail / outbound head
// (i.e. the end of the list read traverses last).
func (pl *Pipeline) AddAtInboundEnd(name string, p Pipe) error {
	return pl.insert(len(pl.namesSnapshot()), name, p)
}

// AddAtOutboundEnd appends a pipe at the outbound tail / inbound head
// (i.e. the start of the list read traverses first).
func (pl *Pipeline) AddAtOutboundEnd(name string, p Pipe) error {
	return pl.insert(0, name, p)
}

func (pl *Pipeline) namesSnapshot() []string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	names := make([]string, len(pl.entries))
	for i, e := range pl.entries {
		names[i] = e.name
	}
	return names
}

func (pl *Pipeline) insert(index int, name string, p Pipe) error {
	pl.mu.Lock()
	if pl.state == StateDisposed {
		pl.mu.Unlock()
		return ErrDisposed
	}
	for _, e := range pl.entries {
		if e.name == name {
			pl.mu.Unlock()
			return ErrDuplicateName
		}
	}
	e := &entry{name: name, pipe: p}
	entries := make([]*entry, 0, len(pl.entries)+1)
	entries = append(entries, pl.entries[:index]...)
	entries = append(entries, e)
	entries = append(entries, pl.entries[index:]...)
	pl.entries = entries
	pl.mu.Unlock()

	p.OnAdded(pl)
	return nil
}

// Replace swaps the pipe registered under name, calling OnRemoved on the
// old pipe and OnAdded on the new one, preserving position.
func (pl *Pipeline) Replace(name string, p Pipe) error {
	pl.mu.Lock()
	if pl.state == StateDisposed {
		pl.mu.Unlock()
		return ErrDisposed
	}
	var old Pipe
	found := false
	for _, e := range pl.entries {
		if e.name == name {
			old = e.pipe
			e.pipe = p
			found = true
			break
		}
	}
	pl.mu.Unlock()
	if !found {
		return ErrNotFound
	}
	old.OnRemoved(pl)
	p.OnAdded(pl)
	return nil
}

// Remove drops the named pipe, calling OnRemoved exactly once.
func (pl *Pipeline) Remove(name string) error {
	pl.mu.Lock()
	if pl.state == StateDisposed {
		pl.mu.Unlock()
		return ErrDisposed
	}
	idx := -1
	for i, e := range pl.entries {
		if e.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		pl.mu.Unlock()
		return ErrNotFound
	}
	removed := pl.entries[idx]
	pl.entries = append(pl.entries[:idx:idx], pl.entries[idx+1:]...)
	pl.mu.Unlock()

	removed.pipe.OnRemoved(pl)
	return nil
}

// Get returns the pipe registered under name, or (nil, false).
func (pl *Pipeline) Get(name string) (Pipe, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for _, e := range pl.entries {
		if e.name == name {
			return e.pipe, true
		}
	}
	return nil, false
}

// snapshot returns the current entries without holding the lock during
// dispatch, so a pipe's hook can safely call back into Pipeline methods
// (e.g. Get) without deadlocking.
func (pl *Pipeline) snapshot() []*entry {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return append([]*entry(nil), pl.entries...)
}

// Read feeds doc into the inbound head (first pipe) and lets it flow
// forward through subsequent pipes; documents reaching the inbound tail
// are published on the inbound stream (spec §4.6).
func (pl *Pipeline) Read(doc *xmlnode.Element) {
	pl.dispatch(pl.snapshot(), 0, doc, readDirection)
}

// Write feeds doc into the outbound head (the inbound tail, i.e. the
// last pipe) and lets it flow backward; documents reaching the outbound
// tail (the inbound head) are published on the outbound stream.
func (pl *Pipeline) Write(doc *xmlnode.Element) {
	entries := pl.snapshot()
	pl.dispatch(reversed(entries), 0, doc, writeDirection)
}

type direction int

const (
	readDirection direction = iota
	writeDirection
)

func reversed(entries []*entry) []*entry {
	out := make([]*entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

// dispatch recursively walks entries starting at idx, calling each pipe's
// hook with a forward func that recurses into the next entry. A pipe that
// panics or returns an error does not abort sibling forwards already in
// flight; the error/panic is reported on the appropriate exception
// stream only (spec §4.6: "do not abort the pipeline").
func (pl *Pipeline) dispatch(entries []*entry, idx int, doc *xmlnode.Element, dir direction) {
	if idx >= len(entries) {
		if dir == readDirection {
			pl.inbound.publish(doc)
		} else {
			pl.outbound.publish(doc)
		}
		return
	}
	e := entries[idx]
	forward := func(out *xmlnode.Element) {
		pl.dispatch(entries, idx+1, out, dir)
	}

	defer func() {
		if r := recover(); r != nil {
			pl.reportException(dir, fmt.Errorf("pipeline: pipe %q panicked: %v", e.name, r))
		}
	}()

	var err error
	if dir == readDirection {
		err = e.pipe.OnRead(doc, forward)
	} else {
		err = e.pipe.OnWrite(doc, forward)
	}
	if err != nil {
		pl.reportException(dir, err)
	}
}

func (pl *Pipeline) reportException(dir direction, err error) {
	if dir == readDirection {
		pl.inboundErrs.publish(err)
	} else {
		pl.outboundErrs.publish(err)
	}
}

// Start transitions the pipeline to running. It does not itself drive any
// I/O; it only records the state for Pipe implementations that branch on
// it via pl.State().
func (pl *Pipeline) Start() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == StateDisposed {
		return ErrDisposed
	}
	pl.state = StateRunning
	return nil
}

// StopNow transitions the pipeline to stopped.
func (pl *Pipeline) StopNow() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.state == StateDisposed {
		return ErrDisposed
	}
	pl.state = StateStopped
	return nil
}

// Dispose removes every pipe (calling OnRemoved on each), completes the
// inbound/outbound/exception streams, and transitions to disposed. Dispose
// is idempotent.
func (pl *Pipeline) Dispose() {
	pl.mu.Lock()
	if pl.state == StateDisposed {
		pl.mu.Unlock()
		return
	}
	entries := pl.entries
	pl.entries = nil
	pl.state = StateDisposed
	pl.mu.Unlock()

	for _, e := range entries {
		e.pipe.OnRemoved(pl)
	}
	pl.inbound.complete()
	pl.outbound.complete()
	pl.inboundErrs.complete()
	pl.outboundErrs.complete()
}
