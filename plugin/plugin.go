// Package plugin implements C9: the plugin manager and inbound IQ
// dispatcher a Session's owner layers on top of pipeline.Pipeline (spec
// §4.9). A Plugin declares what it depends on, what service-discovery
// features it advertises, and which IQ (namespace, local-name) signatures
// it handles; the Manager resolves dependencies, applies plugins, and
// routes inbound IQs to the plugins whose declared signatures match.
//
// Grounded on the teacher's runspace.Pool/PSSession relationship generalized
// to a dependency graph, and on client/eventing.go's poll-loop goroutine
// (DESIGN.md, C6/C9): unlike the handshake and pipeline packages, which
// dispatch synchronously from within a Pipe hook, the Manager genuinely
// needs its own goroutine — it subscribes to the Session's inbound stream
// from outside the pipe chain rather than being one of its stages.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-xmppcore/xmppcore/pipeline"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// Plugin is one unit of protocol functionality layered on top of a Session
// (spec §4.9). Dependencies names other plugins that must be applied first;
// Features lists the service-discovery feature strings this plugin
// advertises once applied; Signatures lists the IQ (namespace, local-name)
// pairs this plugin wants routed to it.
type Plugin interface {
	Name() string
	Dependencies() []string
	Features() []string
	Signatures() []stanza.Signature
	OnApply(ctx *Context) error
}

// Removable is implemented by a Plugin that needs to release resources
// (timers, goroutines it started in OnApply) when detached from a Manager.
// Optional: most worked-example plugins don't need it.
type Removable interface {
	OnRemove()
}

// Manager applies plugins to a single Session's Pipeline, advertises their
// combined feature set, and dispatches inbound IQs by signature (spec
// §4.9). A Manager is bound to at most one Pipeline at a time — Attach
// fails if already attached, matching "plugins registered on at most one
// Session at a time" applied one level up, to the Manager itself.
type Manager struct {
	log *slog.Logger

	mu        sync.Mutex
	registry  map[string]Plugin
	applying  map[string]bool
	applied   map[string]*Context
	available bool

	pl            *pipeline.Pipeline
	cancelInbound func()
	disposed      bool

	correlators map[string]chan *xmlnode.Element
}

// NewManager constructs an unattached Manager. logger defaults to a
// discarding logger if nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = discardLogger()
	}
	return &Manager{
		log:         logger,
		registry:    make(map[string]Plugin),
		applying:    make(map[string]bool),
		applied:     make(map[string]*Context),
		correlators: make(map[string]chan *xmlnode.Element),
	}
}

// Register makes p available to Apply, including as a named dependency of
// another plugin. Registering a plugin does not apply it.
func (m *Manager) Register(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[p.Name()] = p
}

// Attach binds the Manager to pl and starts its inbound IQ dispatch loop.
// Per spec §5's ordering guarantee, inbound stanza dispatch to plugins only
// makes sense once the handshake has completed; a caller should Attach
// after the Session first reaches ONLINE (the handshake pipe itself never
// forwards anything to the Pipeline's inbound stream before then, so
// documents simply won't arrive here until it does).
func (m *Manager) Attach(pl *pipeline.Pipeline) error {
	m.mu.Lock()
	if m.pl != nil {
		m.mu.Unlock()
		return fmt.Errorf("plugin: manager already attached")
	}
	m.pl = pl
	m.mu.Unlock()

	inbound, cancel := pl.SubscribeInbound(32)
	m.mu.Lock()
	m.cancelInbound = cancel
	m.mu.Unlock()

	go m.dispatchLoop(inbound)
	return nil
}

// SetAvailable toggles the Available() property every applied Context
// reports. A Session owner calls this on the ONLINE/offline transitions;
// the Manager has no dependency on session.Session itself to keep the
// import graph acyclic.
func (m *Manager) SetAvailable(available bool) {
	m.mu.Lock()
	m.available = available
	m.mu.Unlock()
}

func (m *Manager) isAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Dispose detaches from the Pipeline, cancels the dispatch loop, and fails
// every in-flight send_iq correlator with ErrCanceled (spec §5: "disposing
// a Session... cancels in-flight send_iq correlators without responses").
func (m *Manager) Dispose() {
	m.mu.Lock()
	cancel := m.cancelInbound
	m.cancelInbound = nil
	m.disposed = true
	correlators := m.correlators
	m.correlators = make(map[string]chan *xmlnode.Element)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range correlators {
		close(ch)
	}
}

// Apply constructs (if needed) the dependency graph of name and calls
// OnApply on each plugin not yet applied, returning name's own Context.
// Cyclic dependencies are reported as ErrCyclicDependency rather than
// deadlocking or overflowing the stack.
func (m *Manager) Apply(name string) (*Context, error) {
	m.mu.Lock()
	if ctx, ok := m.applied[name]; ok {
		m.mu.Unlock()
		return ctx, nil
	}
	if m.applying[name] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, name)
	}
	p, ok := m.registry[name]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	m.applying[name] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.applying, name)
		m.mu.Unlock()
	}()

	for _, dep := range p.Dependencies() {
		if _, err := m.Apply(dep); err != nil {
			return nil, fmt.Errorf("plugin: applying %q's dependency %q: %w", name, dep, err)
		}
	}

	ctx := newContext(m, p)
	if err := p.OnApply(ctx); err != nil {
		return nil, fmt.Errorf("plugin: OnApply %q: %w", name, err)
	}

	m.mu.Lock()
	m.applied[name] = ctx
	m.mu.Unlock()
	return ctx, nil
}

// Remove detaches an applied plugin, calling OnRemove if it implements
// Removable. Removing a plugin other plugins still depend on is the
// caller's mistake to avoid; Remove does not check for dependents.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	p, ok := m.registry[name]
	_, applied := m.applied[name]
	if applied {
		delete(m.applied, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if !applied {
		return nil
	}
	if r, ok := p.(Removable); ok {
		r.OnRemove()
	}
	return nil
}

// Features returns the union of every applied plugin's advertised
// service-discovery features, for a disco#info response.
func (m *Manager) Features() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, ctx := range m.applied {
		for _, f := range ctx.plugin.Features() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// pluginsForSignature returns every applied Context whose plugin declared
// sig among its Signatures.
func (m *Manager) pluginsForSignature(sig stanza.Signature) []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Context
	for _, ctx := range m.applied {
		if ctx.handles(sig) {
			out = append(out, ctx)
		}
	}
	return out
}

// dispatchLoop is the Manager's one goroutine: it drains the Pipeline's
// inbound stream for the Manager's lifetime, filtering for <iq/> elements
// (spec §4.9 "filters IQs") and routing each to pluginsForSignature, or
// resolving a send_iq correlator for a response.
func (m *Manager) dispatchLoop(inbound <-chan *xmlnode.Element) {
	for doc := range inbound {
		m.handleInbound(doc)
	}
}

func (m *Manager) handleInbound(doc *xmlnode.Element) {
	if doc.Name != "iq" {
		return
	}
	typeAttr, _ := doc.Attr("type")
	iqType := stanza.IQType(typeAttr)

	if iqType.IsResponse() {
		id, _ := doc.Attr("id")
		m.resolveCorrelator(id, doc)
		return
	}

	sig := stanza.IQSignature(doc)
	matched := m.pluginsForSignature(sig)
	if len(matched) == 0 {
		if iqType.IsRequest() {
			m.sendServiceUnavailable(doc)
		}
		return
	}
	for _, ctx := range matched {
		ctx.deliver(doc)
	}
}

func (m *Manager) sendServiceUnavailable(iq *xmlnode.Element) {
	id, _ := iq.Attr("id")
	from, _ := iq.Attr("from")
	resp := stanza.NewIQ(stanza.IQError, id, from)
	resp.AddChild(stanza.ServiceUnavailable().Element())
	m.write(resp)
}

func (m *Manager) write(doc *xmlnode.Element) {
	m.mu.Lock()
	pl := m.pl
	m.mu.Unlock()
	if pl == nil {
		m.log.Warn("plugin: write with no attached pipeline", "element", doc.Name)
		return
	}
	pl.Write(doc)
}

// registerCorrelator allocates the one-shot response channel for a send_iq
// call with the given id (spec §4.9 send_iq validation).
func (m *Manager) registerCorrelator(id string) (chan *xmlnode.Element, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrCanceled
	}
	if m.pl == nil {
		return nil, fmt.Errorf("plugin: manager not attached")
	}
	if _, exists := m.correlators[id]; exists {
		return nil, fmt.Errorf("plugin: id %q already has a pending send_iq", id)
	}
	ch := make(chan *xmlnode.Element, 1)
	m.correlators[id] = ch
	return ch, nil
}

func (m *Manager) unregisterCorrelator(id string) {
	m.mu.Lock()
	delete(m.correlators, id)
	m.mu.Unlock()
}

func (m *Manager) resolveCorrelator(id string, resp *xmlnode.Element) {
	m.mu.Lock()
	ch, ok := m.correlators[id]
	if ok {
		delete(m.correlators, id)
	}
	m.mu.Unlock()
	if !ok {
		return // response to nobody's request: dropped (spec §4.9)
	}
	ch <- resp
}

// sendIQ implements Context.SendIQ: validate, register, write, wait.
func (m *Manager) sendIQ(ctx context.Context, iq *xmlnode.Element) (*xmlnode.Element, error) {
	id, _ := iq.Attr("id")
	if id == "" {
		return nil, fmt.Errorf("plugin: send_iq requires a non-empty id")
	}
	typeAttr, _ := iq.Attr("type")
	if !stanza.IQType(typeAttr).IsRequest() {
		return nil, fmt.Errorf("plugin: send_iq requires type get or set, got %q", typeAttr)
	}

	ch, err := m.registerCorrelator(id)
	if err != nil {
		return nil, err
	}
	m.write(iq)

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrCanceled
		}
		if err := stanza.CheckStanzaError(resp); err != nil {
			return resp, err
		}
		return resp, nil
	case <-ctx.Done():
		m.unregisterCorrelator(id)
		return nil, ctx.Err()
	}
}
