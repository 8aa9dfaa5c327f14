package base

import (
	"github.com/go-xmppcore/xmppcore/plugin"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// Identity is one <identity/> child of a disco#info result.
type Identity struct {
	Category, Type, Name string
}

// Item is one <item/> child of a disco#items result.
type Item struct {
	JID, Node, Name string
}

// Disco answers disco#info with Identities plus the Manager's combined
// Features, and disco#items with the configured Items (spec §6: "<query
// xmlns='...disco#info'/> -> <identity/>/<feature/> children",
// "<query xmlns='...disco#items' node='optional'/>").
type Disco struct {
	Identities []Identity
	Items      []Item
}

func (Disco) Name() string           { return "disco" }
func (Disco) Dependencies() []string { return nil }
func (Disco) Features() []string     { return []string{stanza.NSDiscoInfo, stanza.NSDiscoItems} }
func (Disco) Signatures() []stanza.Signature {
	return []stanza.Signature{
		{Namespace: stanza.NSDiscoInfo, LocalName: "query"},
		{Namespace: stanza.NSDiscoItems, LocalName: "query"},
	}
}

func (d Disco) OnApply(ctx *plugin.Context) error {
	ctx.Serve(func(iq *xmlnode.Element) ([]*xmlnode.Element, *stanza.StanzaError) {
		req := iq.FirstChild()
		switch req.Namespace {
		case stanza.NSDiscoInfo:
			return []*xmlnode.Element{d.infoResult(ctx)}, nil
		case stanza.NSDiscoItems:
			node, _ := req.Attr("node")
			return []*xmlnode.Element{d.itemsResult(node)}, nil
		default:
			se := stanza.NewStanzaError(stanza.ErrorTypeCancel, stanza.StanzaCondBadRequest, "")
			return nil, se
		}
	})
	return nil
}

func (d Disco) infoResult(ctx *plugin.Context) *xmlnode.Element {
	query := xmlnode.NewElement(stanza.NSDiscoInfo, "query")
	for _, id := range d.Identities {
		el := xmlnode.NewElement(stanza.NSDiscoInfo, "identity")
		el.SetAttr("category", id.Category)
		el.SetAttr("type", id.Type)
		if id.Name != "" {
			el.SetAttr("name", id.Name)
		}
		query.AddChild(el)
	}
	for _, f := range ctx.Features() {
		el := xmlnode.NewElement(stanza.NSDiscoInfo, "feature")
		el.SetAttr("var", f)
		query.AddChild(el)
	}
	return query
}

func (d Disco) itemsResult(node string) *xmlnode.Element {
	query := xmlnode.NewElement(stanza.NSDiscoItems, "query")
	if node != "" {
		query.SetAttr("node", node)
	}
	for _, it := range d.Items {
		el := xmlnode.NewElement(stanza.NSDiscoItems, "item")
		el.SetAttr("jid", it.JID)
		if it.Node != "" {
			el.SetAttr("node", it.Node)
		}
		if it.Name != "" {
			el.SetAttr("name", it.Name)
		}
		query.AddChild(el)
	}
	return query
}
