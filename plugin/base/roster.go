package base

import (
	"github.com/go-xmppcore/xmppcore/plugin"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// RosterItem is one <item/> of a jabber:iq:roster result (SPEC_FULL §6
// supplement: roster item subscription-state parsing).
type RosterItem struct {
	JID          string
	Name         string
	Subscription string // "none", "to", "from", "both", "remove"
}

// Roster answers jabber:iq:roster queries with a fixed item list, echoing
// back the request's ver attribute when present (ROSTER_VERSIONING, spec
// §3's fixed feature set) rather than computing a real delta — a worked
// example, not a full roster store.
type Roster struct {
	Items []RosterItem
}

func (Roster) Name() string           { return "roster" }
func (Roster) Dependencies() []string { return nil }
func (Roster) Features() []string     { return []string{stanza.NSRoster, stanza.NSRosterVer} }
func (Roster) Signatures() []stanza.Signature {
	return []stanza.Signature{{Namespace: stanza.NSRoster, LocalName: "query"}}
}

func (r Roster) OnApply(ctx *plugin.Context) error {
	ctx.Serve(func(iq *xmlnode.Element) ([]*xmlnode.Element, *stanza.StanzaError) {
		req := iq.FirstChild()
		query := xmlnode.NewElement(stanza.NSRoster, "query")
		if ver, ok := req.Attr("ver"); ok {
			query.SetAttr("ver", ver)
		}
		for _, it := range r.Items {
			el := xmlnode.NewElement(stanza.NSRoster, "item")
			el.SetAttr("jid", it.JID)
			if it.Name != "" {
				el.SetAttr("name", it.Name)
			}
			sub := it.Subscription
			if sub == "" {
				sub = "none"
			}
			el.SetAttr("subscription", sub)
			query.AddChild(el)
		}
		return []*xmlnode.Element{query}, nil
	})
	return nil
}
