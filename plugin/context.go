package plugin

import (
	"context"

	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// Context is the interface a Manager hands a Plugin in OnApply (spec
// §4.9 "PluginContext"): it is the plugin's only way to talk back to the
// Session — send a fire-and-forget stanza, send a request IQ and await its
// response, send an error response to an inbound IQ, read whether the
// session is currently available, and receive inbound IQs matching the
// plugin's declared signatures.
type Context struct {
	mgr    *Manager
	plugin Plugin
	sigs   map[stanza.Signature]bool

	inbound chan *xmlnode.Element
}

func newContext(mgr *Manager, p Plugin) *Context {
	sigs := make(map[stanza.Signature]bool)
	for _, s := range p.Signatures() {
		sigs[s] = true
	}
	return &Context{
		mgr:     mgr,
		plugin:  p,
		sigs:    sigs,
		inbound: make(chan *xmlnode.Element, 16),
	}
}

func (c *Context) handles(sig stanza.Signature) bool {
	return c.sigs[sig]
}

// deliver fans an inbound IQ matching this plugin's signatures to its
// Inbound channel, matching the broadcaster streams' non-blocking,
// drop-on-full-buffer guarantee elsewhere in this module (see DESIGN.md,
// C6/C7): a plugin that doesn't keep up with its own mailbox loses the
// stanza rather than stalling dispatch to every other plugin.
func (c *Context) deliver(iq *xmlnode.Element) {
	select {
	case c.inbound <- iq:
	default:
	}
}

// Inbound returns the stream of inbound IQs whose signature this plugin
// declared in Signatures.
func (c *Context) Inbound() <-chan *xmlnode.Element {
	return c.inbound
}

// SendStanza writes doc onto the Session's outbound path without waiting
// for any response.
func (c *Context) SendStanza(doc *xmlnode.Element) {
	c.mgr.write(doc)
}

// SendIQ sends a get/set IQ and blocks until a matching result/error
// response arrives, ctx is canceled, or the Manager is disposed. A
// response of type="error" is returned as both the raw element and a
// non-nil *stanza.StanzaError (spec §4.9: "surfaces error-typed responses
// as a typed error").
func (c *Context) SendIQ(ctx context.Context, iq *xmlnode.Element) (*xmlnode.Element, error) {
	return c.mgr.sendIQ(ctx, iq)
}

// SendError responds to an inbound request IQ with a type="error" IQ
// carrying serr.
func (c *Context) SendError(request *xmlnode.Element, serr *stanza.StanzaError) {
	id, _ := request.Attr("id")
	from, _ := request.Attr("from")
	resp := stanza.NewIQ(stanza.IQError, id, from)
	resp.AddChild(serr.Element())
	c.mgr.write(resp)
}

// SendResult responds to an inbound request IQ with a type="result" IQ,
// optionally carrying children.
func (c *Context) SendResult(request *xmlnode.Element, children ...*xmlnode.Element) {
	id, _ := request.Attr("id")
	from, _ := request.Attr("from")
	resp := stanza.NewIQ(stanza.IQResult, id, from)
	for _, child := range children {
		resp.AddChild(child)
	}
	c.mgr.write(resp)
}

// Available reports whether the owning Session is currently online (spec
// §4.9 "an available property").
func (c *Context) Available() bool {
	return c.mgr.isAvailable()
}

// Features returns the union of every plugin applied so far on this
// Context's Manager, for a disco#info plugin to report the whole Session's
// capabilities rather than just its own.
func (c *Context) Features() []string {
	return c.mgr.Features()
}

// Serve starts a goroutine that answers every inbound IQ with handler's
// result. Nothing closes the Context's Inbound channel, so the goroutine
// runs for the life of the process. This is the shape every base/ plugin uses to
// turn a synchronous request handler into the OnApply-time background
// responder spec §4.9 implies ("an inbound IQ stream... filtered by
// declared signatures").
func (c *Context) Serve(handler func(iq *xmlnode.Element) (result []*xmlnode.Element, err *stanza.StanzaError)) {
	go func() {
		for iq := range c.inbound {
			result, err := handler(iq)
			if err != nil {
				c.SendError(iq, err)
				continue
			}
			c.SendResult(iq, result...)
		}
	}()
}
