// Package stanza holds the wire-level vocabulary shared by the handshake
// and plugin layers: stream/stanza error taxonomy (RFC 6120 §4.9/§8.3),
// stream features, and IQ signature helpers.
//
// errors.go's StreamError/StanzaError shape is adapted from the teacher's
// wsman.Fault/ParseFault/CheckFault trio (see DESIGN.md, C9 entry): a
// struct error with named condition fields, a Parse function building one
// from wire data, and predicate helpers instead of the teacher's
// IsAccessDenied/IsShellNotFound/IsTimeout.
package stanza

import (
	"errors"
	"fmt"

	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// Stream error conditions actually used by the handshake (spec §4.7, §6,
// §7); not exhaustive of RFC 6120 §4.9.3, just the ones this core emits.
const (
	CondUnsupportedVersion     = "unsupported-version"
	CondInvalidFrom            = "invalid-from"
	CondNotAuthorized          = "not-authorized"
	CondPolicyViolation        = "policy-violation"
	CondUnsupportedStanzaType  = "unsupported-stanza-type"
	CondInvalidXML             = "invalid-xml"
	CondConflict               = "conflict"
)

// Stanza (IQ/message/presence) error conditions used by plugin dispatch
// (spec §4.9, §6).
const (
	StanzaCondServiceUnavailable = "service-unavailable"
	StanzaCondItemNotFound       = "item-not-found"
	StanzaCondBadRequest         = "bad-request"
)

const (
	nsStreams = "urn:ietf:params:xml:ns:xmpp-streams"
	nsStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// StreamError is a protocol-level, fatal error that closes the stream
// (spec §7). It implements error and is constructed either locally (the
// handshake detecting a protocol violation) or by parsing an inbound
// <stream:error/> element.
type StreamError struct {
	Condition string
	Text      string
}

func (e *StreamError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("stream error: %s", e.Condition)
	}
	return fmt.Sprintf("stream error: %s: %s", e.Condition, e.Text)
}

// NewStreamError constructs a StreamError for the given RFC 6120 condition.
func NewStreamError(condition, text string) *StreamError {
	return &StreamError{Condition: condition, Text: text}
}

// Element renders the stream error as its wire form:
// <error><condition xmlns="…streams"/>[<text xmlns="…streams"/>]</error>.
// The outer <error> carries no namespace; the handshake and session write
// the element as returned.
func (e *StreamError) Element() *xmlnode.Element {
	el := xmlnode.NewElement("", "error")
	cond := xmlnode.NewElement(nsStreams, e.Condition)
	el.AddChild(cond)
	if e.Text != "" {
		text := xmlnode.NewElement(nsStreams, "text")
		text.Text = e.Text
		el.AddChild(text)
	}
	return el
}

// ParseStreamError builds a StreamError from an inbound <error/> element
// that is a child of <stream:stream>, or returns nil if el does not
// contain a recognizable stream-namespaced condition child.
func ParseStreamError(el *xmlnode.Element) *StreamError {
	if el == nil {
		return nil
	}
	for _, c := range el.Children {
		if c.Namespace == nsStreams && c.Name != "text" {
			text := ""
			if t := el.Child(nsStreams, "text"); t != nil {
				text = t.Text
			}
			return &StreamError{Condition: c.Name, Text: text}
		}
	}
	return nil
}

// IsFatal always reports true: per spec §7, stream errors are always fatal.
func (e *StreamError) IsFatal() bool { return true }

// StanzaErrorType is the RFC 6120 §8.3.2 error type attribute.
type StanzaErrorType string

const (
	ErrorTypeCancel    StanzaErrorType = "cancel"
	ErrorTypeModify    StanzaErrorType = "modify"
	ErrorTypeAuth      StanzaErrorType = "auth"
	ErrorTypeWait      StanzaErrorType = "wait"
	ErrorTypeContinue  StanzaErrorType = "continue"
)

// StanzaError is an application-level error surfaced to the originating
// send_iq caller (spec §7).
type StanzaError struct {
	Type      StanzaErrorType
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("stanza error (%s): %s", e.Type, e.Condition)
	}
	return fmt.Sprintf("stanza error (%s): %s: %s", e.Type, e.Condition, e.Text)
}

// NewStanzaError constructs a StanzaError.
func NewStanzaError(errType StanzaErrorType, condition, text string) *StanzaError {
	return &StanzaError{Type: errType, Condition: condition, Text: text}
}

// Element renders the stanza error child: <error type='…'><condition/>[<text/>]</error>.
func (e *StanzaError) Element() *xmlnode.Element {
	el := xmlnode.NewElement("", "error")
	el.SetAttr("type", string(e.Type))
	cond := xmlnode.NewElement(nsStanzas, e.Condition)
	el.AddChild(cond)
	if e.Text != "" {
		text := xmlnode.NewElement(nsStanzas, "text")
		text.Text = e.Text
		el.AddChild(text)
	}
	return el
}

// ParseStanzaError builds a StanzaError from an inbound IQ/message/
// presence's <error/> child, or returns nil if absent.
func ParseStanzaError(stanzaEl *xmlnode.Element) *StanzaError {
	errEl := stanzaEl.Child("", "error")
	if errEl == nil {
		return nil
	}
	typeAttr, _ := errEl.Attr("type")
	var condition, text string
	for _, c := range errEl.Children {
		if c.Namespace == nsStanzas {
			if c.Name == "text" {
				text = c.Text
			} else {
				condition = c.Name
			}
		}
	}
	return &StanzaError{Type: StanzaErrorType(typeAttr), Condition: condition, Text: text}
}

// CheckStanzaError returns a *StanzaError as a plain error if stanzaEl
// carries an <error/> child and is of type="error", else nil.
func CheckStanzaError(stanzaEl *xmlnode.Element) error {
	typeAttr, _ := stanzaEl.Attr("type")
	if typeAttr != "error" {
		return nil
	}
	if se := ParseStanzaError(stanzaEl); se != nil {
		return se
	}
	return errors.New("stanza: type=\"error\" with no parseable <error/> child")
}

// ServiceUnavailable builds the canonical response to an unmatched get/set
// IQ (spec §3 invariants, §4.9): <error type='cancel'><service-unavailable/></error>.
func ServiceUnavailable() *StanzaError {
	return NewStanzaError(ErrorTypeCancel, StanzaCondServiceUnavailable, "")
}
