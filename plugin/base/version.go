package base

import (
	"github.com/go-xmppcore/xmppcore/plugin"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// Version answers jabber:iq:version queries with the configured
// AppName/AppVersion/OS triple.
type Version struct {
	AppName, AppVersion, OS string
}

func (Version) Name() string           { return "version" }
func (Version) Dependencies() []string { return nil }
func (Version) Features() []string     { return []string{stanza.NSVersion} }
func (Version) Signatures() []stanza.Signature {
	return []stanza.Signature{{Namespace: stanza.NSVersion, LocalName: "query"}}
}

func (v Version) OnApply(ctx *plugin.Context) error {
	ctx.Serve(func(iq *xmlnode.Element) ([]*xmlnode.Element, *stanza.StanzaError) {
		query := xmlnode.NewElement(stanza.NSVersion, "query")
		if v.AppName != "" {
			name := xmlnode.NewElement(stanza.NSVersion, "name")
			name.Text = v.AppName
			query.AddChild(name)
		}
		if v.AppVersion != "" {
			ver := xmlnode.NewElement(stanza.NSVersion, "version")
			ver.Text = v.AppVersion
			query.AddChild(ver)
		}
		if v.OS != "" {
			osEl := xmlnode.NewElement(stanza.NSVersion, "os")
			osEl.Text = v.OS
			query.AddChild(osEl)
		}
		return []*xmlnode.Element{query}, nil
	})
	return nil
}
