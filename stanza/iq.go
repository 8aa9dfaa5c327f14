package stanza

import (
	"github.com/go-xmppcore/xmppcore/xmlnode"
	"github.com/google/uuid"
)

// IQType is the type attribute of an <iq/> stanza.
type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

const nsClient = "jabber:client"

// NewUUID generates a stanza id, mirroring the teacher's pervasive
// uuid.New() use for call/message correlation (see DESIGN.md, C7/C9).
func NewUUID() string {
	return uuid.New().String()
}

// NewIQ builds an <iq/> element with the given type and id, and to (may be
// empty for a request addressed to the bare stream peer).
func NewIQ(iqType IQType, id, to string) *xmlnode.Element {
	el := xmlnode.NewElement(nsClient, "iq")
	el.SetAttr("type", string(iqType))
	el.SetAttr("id", id)
	if to != "" {
		el.SetAttr("to", to)
	}
	return el
}

// Signature identifies a plugin's interest in an IQ by the (namespace,
// local-name) of its first child element (spec §3 "Plugin context",
// §4.9).
type Signature = xmlnode.Signature

// IQSignature computes the dispatch signature of an inbound IQ: the
// (namespace, local-name) of its first child, or the zero Signature if the
// IQ has no children.
func IQSignature(iq *xmlnode.Element) Signature {
	child := iq.FirstChild()
	if child == nil {
		return Signature{}
	}
	return child.Sig()
}

// IsRequest reports whether iqType is one that expects a result/error
// response (spec §4.9 send_iq validation).
func (t IQType) IsRequest() bool {
	return t == IQGet || t == IQSet
}

// IsResponse reports whether iqType is a response to a previously-sent request.
func (t IQType) IsResponse() bool {
	return t == IQResult || t == IQError
}
