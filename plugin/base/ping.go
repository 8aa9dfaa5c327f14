// Package base holds worked-example plugins built on top of plugin.Manager:
// XEP-0199 ping, jabber:iq:version, disco#info/disco#items, and a roster
// plugin with versioning (spec §6, SPEC_FULL §6 supplement). Each is the
// minimal useful implementation of its namespace, grounded on the wire
// forms stanza/features.go and stanza/iq.go already pin down.
package base

import (
	"context"

	"github.com/go-xmppcore/xmppcore/plugin"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// Ping answers inbound XEP-0199 pings with a bare result IQ (spec §6:
// "<iq type='get'><ping xmlns='urn:xmpp:ping'/></iq> -> bare result").
type Ping struct{}

func (Ping) Name() string             { return "ping" }
func (Ping) Dependencies() []string   { return nil }
func (Ping) Features() []string       { return []string{stanza.NSPing} }
func (Ping) Signatures() []stanza.Signature {
	return []stanza.Signature{{Namespace: stanza.NSPing, LocalName: "ping"}}
}

func (Ping) OnApply(ctx *plugin.Context) error {
	ctx.Serve(func(iq *xmlnode.Element) ([]*xmlnode.Element, *stanza.StanzaError) {
		return nil, nil
	})
	return nil
}

// Pong sends a ping to a peer and waits for the result, exercising
// Context.SendIQ from the client side rather than only answering inbound
// pings.
func Pong(ctx *plugin.Context, to string) error {
	iq := stanza.NewIQ(stanza.IQGet, stanza.NewUUID(), to)
	iq.AddChild(xmlnode.NewElement(stanza.NSPing, "ping"))
	_, err := ctx.SendIQ(context.Background(), iq)
	return err
}
