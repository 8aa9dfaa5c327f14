// Package handshake implements C7: the stream-opening → features →
// {STARTTLS, SASL, resource binding} negotiation state machine, as a
// pipeline.Pipe.
//
// The feature-list parsing loop and required-vs-optional negotiation order
// are grounded on other_examples/58bc1e19_mellium-xmpp__features.go.go and
// 2107c979_mellium-xmpp__session.go.go's state-bitmask sequencing,
// reshaped into the explicit client-driven preference list spec §9
// requires (STARTTLS before SASL before RESOURCE_BINDING, never
// server-driven); the owned-state-with-accessor pattern mirrors the
// teacher's client.Client.State() delegating to an internal sub-object.
package handshake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-xmppcore/xmppcore/jid"
	"github.com/go-xmppcore/xmppcore/pipeline"
	"github.com/go-xmppcore/xmppcore/scram"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

// State is the handshake's lifecycle state (spec §3 "Handshake state").
type State int

const (
	StateInitialized State = iota
	StateStarted
	StateNegotiating
	StateCompleted
	StateStreamClosing
	StateStreamClosed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateNegotiating:
		return "negotiating"
	case StateCompleted:
		return "completed"
	case StateStreamClosing:
		return "stream-closing"
	case StateStreamClosed:
		return "stream-closed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// EventKind tags the contents of an Event.
type EventKind int

const (
	EventFeatureNegotiated EventKind = iota
	EventTLSDeployed
	// EventStreamClosed signals that the peer closed the stream, whether
	// that happened before negotiation finished or after the handshake
	// had already reached COMPLETED (spec §4.8: "handshake.state ==
	// STREAM_CLOSED -> kill connection"). A Session observes this event
	// for the whole lifetime of a login, not only while negotiating.
	EventStreamClosed
)

// Event is a notification the handshake pipe emits as it progresses
// (spec §4.7/§4.8). Events is a best-effort, non-blocking stream: a slow
// or absent consumer never stalls the handshake (mirrors the pipeline's
// broadcaster semantics, see DESIGN.md C6 entry).
type Event struct {
	Kind    EventKind
	Feature stanza.FeatureKind
	Err     error
}

// DeployTLS is supplied by the Session/transport layer; the pipe calls it
// synchronously on receiving <proceed/>, per spec §4.7. It is the one
// point where the handshake pipe suspends waiting on external I/O (spec
// §5: "the handshake pipe is idle during this window").
type DeployTLS func(ctx context.Context) error

// Config parametrizes one HandshakerPipe (one Session login attempt; spec
// §3 invariant: "at most one SCRAM client per Handshake instance").
type Config struct {
	// LoginJID is the bare-or-full JID the user is authenticating as.
	// Domain is used for the stream opening's "to"/"from" validation;
	// LocalPart is the default SCRAM username.
	LoginJID jid.JID
	// PresetResource, if non-empty, is requested in the bind IQ.
	PresetResource string
	// Username overrides LoginJID.LocalPart() for SCRAM, if set.
	Username string
	// AuthzID is the optional SASL authorization identity.
	AuthzID string
	// Credentials resolves SCRAM credential material (spec §4.3).
	Credentials scram.CredentialRetriever
	// Mechanisms overrides scram.Preference, if non-nil.
	Mechanisms []scram.Mechanism
	// DeployTLS performs the external TLS upgrade on STARTTLS <proceed/>.
	DeployTLS DeployTLS
}

func (c Config) username() string {
	if c.Username != "" {
		return c.Username
	}
	return c.LoginJID.LocalPart()
}

func (c Config) mechanisms() []scram.Mechanism {
	if c.Mechanisms != nil {
		return c.Mechanisms
	}
	return scram.Preference
}

// HandshakerPipe is the pipeline.Pipe driving the handshake state machine.
// All mutable state is owned by the pipeline's single dispatch goroutine
// and protected by mu only against concurrent Result()/State() readers
// (spec §5: "all state transitions of a single HandshakerPipe are totally
// ordered by the pipeline's inbound thread").
type HandshakerPipe struct {
	pipeline.BasePipe

	cfg Config

	mu    sync.Mutex
	state State
	pl    *pipeline.Pipeline

	negotiated map[stanza.FeatureKind]bool

	awaitingStreamRestart bool
	awaitingTLSProceed    bool
	awaitingSASL          bool
	scramClient           *scram.Client

	pendingBindID string
	negotiatedJID jid.JID

	events       chan Event
	eventsClosed bool
	result       chan error
	resultSet    bool
}

// New constructs a HandshakerPipe in state INITIALIZED. It becomes STARTED
// (and sends the stream opening) once added to a Pipeline.
func New(cfg Config) *HandshakerPipe {
	return &HandshakerPipe{
		cfg:        cfg,
		state:      StateInitialized,
		negotiated: make(map[stanza.FeatureKind]bool),
		events:     make(chan Event, 16),
		result:     make(chan error, 1),
	}
}

// Events returns the feature-negotiation / TLS-deployment notification
// stream. Closed when the handshake fails or the pipe is removed; after a
// successful COMPLETED it stays open so a later stream close is reported.
func (h *HandshakerPipe) Events() <-chan Event { return h.events }

// Result resolves exactly once: nil on successful COMPLETED, or the
// fatal error that ended the handshake (spec §4.7 "Failure semantics").
func (h *HandshakerPipe) Result() <-chan error { return h.result }

// State returns the current lifecycle state.
func (h *HandshakerPipe) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// NegotiatedJID returns the JID bound during resource binding. Empty until
// COMPLETED (spec §3 invariant).
func (h *HandshakerPipe) NegotiatedJID() jid.JID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.negotiatedJID
}

func (h *HandshakerPipe) setState(s State) {
	h.state = s
}

func (h *HandshakerPipe) emit(ev Event) {
	if h.eventsClosed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

// finish resolves Result() exactly once and, on failure, closes the event
// stream (on success OnRemoved closes it). Must be called with mu held.
func (h *HandshakerPipe) finish(err error) {
	if h.resultSet {
		return
	}
	h.resultSet = true
	h.result <- err
	close(h.result)
	if err != nil {
		h.eventsClosed = true
		close(h.events)
	}
}

// OnAdded sends the initial stream opening (spec §4.7:
// "INITIALIZED --on_added--> STARTED (send <open>)").
func (h *HandshakerPipe) OnAdded(pl *pipeline.Pipeline) {
	h.mu.Lock()
	h.pl = pl
	h.setState(StateStarted)
	h.mu.Unlock()

	pl.Write(h.openElement())
}

// OnRemoved transitions unconditionally to DISPOSED (spec §4.7: "on_removed
// --always--> DISPOSED (terminal)").
func (h *HandshakerPipe) OnRemoved(*pipeline.Pipeline) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setState(StateDisposed)
	h.pl = nil
	if !h.resultSet {
		h.finish(fmt.Errorf("handshake: disposed before completion"))
	}
	if !h.eventsClosed {
		h.eventsClosed = true
		close(h.events)
	}
}

func (h *HandshakerPipe) openElement() *xmlnode.Element {
	el := xmlnode.NewElement(stanza.NSStreamFraming, "open")
	el.SetAttr("to", h.cfg.LoginJID.DomainPart())
	el.SetAttr("version", "1.0")
	return el
}

// CloseStream requests a graceful stream close (spec §4.7
// "closeStream()"); idempotent.
func (h *HandshakerPipe) CloseStream() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateStreamClosing || h.state == StateStreamClosed || h.state == StateDisposed {
		return
	}
	h.setState(StateStreamClosing)
	pl := h.pl
	h.mu.Unlock()
	if pl != nil {
		pl.Write(xmlnode.NewElement(stanza.NSStreamFraming, "close"))
	}
	h.mu.Lock()
}

// OnRead handles one inbound document per spec §4.7's transition table. A
// document belonging to the handshake protocol is always consumed
// (forward is never called for it); a stanza arriving after COMPLETED is
// passed through untouched to the plugin-dispatch layer above.
func (h *HandshakerPipe) OnRead(doc *xmlnode.Element, forward pipeline.Forward) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateCompleted:
		if doc.Namespace == stanza.NSStreamFraming && doc.Name == "open" {
			return h.sendStreamErrorLocked(stanza.CondConflict, "stream reopened after handshake completion")
		}
		if doc.Namespace == stanza.NSStreamFraming && doc.Name == "close" {
			return h.handleCloseLocked()
		}
		forward(doc)
		return nil
	case StateStreamClosing, StateStreamClosed, StateDisposed:
		return nil
	}

	if doc.Namespace == stanza.NSStreamFraming && doc.Name == "close" {
		return h.handleCloseLocked()
	}

	switch h.state {
	case StateStarted:
		return h.handleStreamOpenLocked(doc)
	case StateNegotiating:
		return h.handleNegotiatingLocked(doc)
	default:
		return nil
	}
}

func (h *HandshakerPipe) handleCloseLocked() error {
	prior := h.state
	h.setState(StateStreamClosed)
	if h.pl != nil {
		h.pl.Write(xmlnode.NewElement(stanza.NSStreamFraming, "close"))
	}
	// Emitted regardless of prior state: a close after COMPLETED never
	// calls finish (Result() already resolved), so this event is the only
	// signal a Session watching a live connection gets.
	h.emit(Event{Kind: EventStreamClosed})
	if prior != StateCompleted {
		h.finish(fmt.Errorf("handshake: stream closed by peer before completion"))
	}
	return nil
}

func (h *HandshakerPipe) handleStreamOpenLocked(doc *xmlnode.Element) error {
	if doc.Namespace != stanza.NSStreamFraming || doc.Name != "open" {
		return h.sendStreamErrorLocked(stanza.CondUnsupportedStanzaType, "expected stream opening")
	}
	if v, _ := doc.Attr("version"); v != "1.0" {
		return h.sendStreamErrorLocked(stanza.CondUnsupportedVersion, fmt.Sprintf("unsupported version %q", v))
	}
	if from, ok := doc.Attr("from"); ok && from != h.cfg.LoginJID.DomainPart() {
		return h.sendStreamErrorLocked(stanza.CondInvalidFrom, fmt.Sprintf("unexpected from %q", from))
	}
	if h.awaitingStreamRestart {
		h.awaitingStreamRestart = false
		return nil
	}
	h.setState(StateNegotiating)
	return nil
}

func (h *HandshakerPipe) handleNegotiatingLocked(doc *xmlnode.Element) error {
	switch {
	case doc.Namespace == stanza.NSStreamFraming && doc.Name == "open":
		if h.awaitingStreamRestart {
			h.awaitingStreamRestart = false
			return nil
		}
		return h.sendStreamErrorLocked(stanza.CondConflict, "unexpected stream reopening")
	case doc.Namespace == stanza.NSStream && doc.Name == "features":
		return h.handleFeaturesLocked(doc)
	case doc.Namespace == stanza.NSTLS && doc.Name == "proceed":
		return h.handleTLSProceedLocked()
	case doc.Namespace == stanza.NSTLS && doc.Name == "failure":
		return h.failLocked(fmt.Errorf("handshake: starttls failed"))
	case doc.Namespace == stanza.NSSASL && (doc.Name == "challenge" || doc.Name == "success" || doc.Name == "failure"):
		return h.handleSASLLocked(doc)
	case doc.Name == "iq":
		return h.handleBindResultLocked(doc)
	case doc.Name == "message" || doc.Name == "presence":
		return h.sendStreamErrorLocked(stanza.CondNotAuthorized, fmt.Sprintf("%s received before handshake completion", doc.Name))
	default:
		return h.sendStreamErrorLocked(stanza.CondUnsupportedStanzaType, fmt.Sprintf("unexpected %s", doc.Name))
	}
}

// handleFeaturesLocked implements spec §4.7's negotiation dispatch: mark
// informational features negotiated on sight, then act on the first
// not-yet-negotiated feature in stanza.MandatoryOrder that this
// advertisement contains. No such feature present => COMPLETED.
func (h *HandshakerPipe) handleFeaturesLocked(doc *xmlnode.Element) error {
	advertised := stanza.ParseFeatures(doc)

	for _, af := range advertised {
		if af.Known && af.Informational && !h.negotiated[af.Kind] {
			h.negotiated[af.Kind] = true
			h.emit(Event{Kind: EventFeatureNegotiated, Feature: af.Kind})
		}
	}

	for _, kind := range stanza.MandatoryOrder {
		if h.negotiated[kind] {
			continue
		}
		for _, af := range advertised {
			if af.Known && af.Kind == kind {
				return h.negotiateLocked(af)
			}
		}
	}

	return h.completeLocked()
}

func (h *HandshakerPipe) negotiateLocked(af stanza.AdvertisedFeature) error {
	switch af.Kind {
	case stanza.FeatureSTARTTLS:
		h.awaitingTLSProceed = true
		h.pl.Write(xmlnode.NewElement(stanza.NSTLS, "starttls"))
		return nil
	case stanza.FeatureSASL:
		return h.startSASLLocked(advertisedMechanismNames(af.Element))
	case stanza.FeatureResourceBinding:
		return h.sendBindLocked()
	default:
		return nil
	}
}

// advertisedMechanismNames extracts the SASL mechanism names the server
// offered from a <mechanisms/> feature element's <mechanism>NAME</mechanism>
// children (spec §6).
func advertisedMechanismNames(mechanismsEl *xmlnode.Element) []string {
	names := make([]string, 0, len(mechanismsEl.Children))
	for _, c := range mechanismsEl.Children {
		if c.Name == "mechanism" {
			names = append(names, c.Text)
		}
	}
	return names
}

func (h *HandshakerPipe) handleTLSProceedLocked() error {
	if !h.awaitingTLSProceed {
		return h.sendStreamErrorLocked(stanza.CondPolicyViolation, "proceed outside starttls window")
	}
	h.awaitingTLSProceed = false

	var err error
	if h.cfg.DeployTLS != nil {
		err = h.cfg.DeployTLS(context.Background())
	}
	h.emit(Event{Kind: EventTLSDeployed, Err: err})
	if err != nil {
		return h.failLocked(fmt.Errorf("handshake: tls deploy: %w", err))
	}

	h.negotiated[stanza.FeatureSTARTTLS] = true
	h.emit(Event{Kind: EventFeatureNegotiated, Feature: stanza.FeatureSTARTTLS})
	h.awaitingStreamRestart = true
	h.pl.Write(h.openElement())
	return nil
}

func (h *HandshakerPipe) startSASLLocked(advertised []string) error {
	mech, ok := selectMechanism(h.cfg.mechanisms(), advertised)
	if !ok {
		return h.failLocked(&scram.AuthenticationError{Condition: scram.CondInvalidMechanism, Text: "no common SCRAM mechanism"})
	}
	h.scramClient = scram.NewClient(mech, h.cfg.username(), h.cfg.AuthzID, h.cfg.Credentials)
	first, err := h.scramClient.FirstMessage()
	if err != nil {
		return h.failLocked(err)
	}
	h.awaitingSASL = true
	auth := xmlnode.NewElement(stanza.NSSASL, "auth")
	auth.SetAttr("mechanism", mech.SASLName())
	auth.Text = base64Encode(first)
	h.pl.Write(auth)
	return nil
}

// selectMechanism picks the first mechanism in preferred (the client's
// configured preference order, strongest first) that the server also
// advertised. This mirrors scram.Select's logic but honors Config.Mechanisms
// overrides rather than the package-global scram.Preference.
func selectMechanism(preferred []scram.Mechanism, advertised []string) (scram.Mechanism, bool) {
	offered := make(map[string]bool, len(advertised))
	for _, a := range advertised {
		offered[strings.ToUpper(a)] = true
	}
	for _, m := range preferred {
		if offered[strings.ToUpper(m.SASLName())] {
			return m, true
		}
	}
	return scram.Mechanism{}, false
}

func (h *HandshakerPipe) handleSASLLocked(doc *xmlnode.Element) error {
	if !h.awaitingSASL {
		return h.sendStreamErrorLocked(stanza.CondPolicyViolation, "sasl message outside negotiation window")
	}

	switch doc.Name {
	case "challenge":
		decoded, derr := base64Decode(doc.Text)
		if derr != nil {
			return h.failLocked(fmt.Errorf("handshake: decoding sasl challenge: %w", derr))
		}
		resp, err := h.scramClient.AcceptChallenge(decoded)
		if err != nil {
			return h.failLocked(err)
		}
		respEl := xmlnode.NewElement(stanza.NSSASL, "response")
		respEl.Text = base64Encode(resp)
		h.pl.Write(respEl)
		return nil
	case "success":
		var final string
		if doc.Text != "" {
			decoded, derr := base64Decode(doc.Text)
			if derr != nil {
				return h.failLocked(fmt.Errorf("handshake: decoding sasl success: %w", derr))
			}
			final = decoded
		}
		if err := h.scramClient.AcceptResult(final); err != nil {
			return h.failLocked(err)
		}
		h.awaitingSASL = false
		h.negotiated[stanza.FeatureSASL] = true
		h.emit(Event{Kind: EventFeatureNegotiated, Feature: stanza.FeatureSASL})
		h.awaitingStreamRestart = true
		h.pl.Write(h.openElement())
		return nil
	case "failure":
		h.awaitingSASL = false
		cond := saslFailureElementCondition(doc)
		return h.failLocked(&scram.AuthenticationError{Condition: cond, Text: "sasl authentication failed"})
	default:
		return nil
	}
}

// saslFailureElementCondition extracts the single condition child of a
// <failure/> element (spec §6). Names in the scram.AuthCondition closed set
// pass through; any other name (such as RFC 6120's not-authorized) and a
// missing condition map to client-not-authorized.
func saslFailureElementCondition(failureEl *xmlnode.Element) scram.AuthCondition {
	if c := failureEl.FirstChild(); c != nil {
		switch cond := scram.AuthCondition(c.Name); cond {
		case scram.CondAborted, scram.CondClientNotAuthorized, scram.CondServerNotAuthorized,
			scram.CondCredentialsNotFound, scram.CondCredentialsExpired, scram.CondMalformedRequest,
			scram.CondInvalidMechanism, scram.CondMechanismTooWeak, scram.CondEncryptionRequired,
			scram.CondTemporaryFailure, scram.CondAccountDisabled, scram.CondInvalidAuthzid,
			scram.CondIncorrectEncoding:
			return cond
		}
	}
	return scram.CondClientNotAuthorized
}

func (h *HandshakerPipe) sendBindLocked() error {
	id := stanza.NewUUID()
	h.pendingBindID = id
	iq := stanza.NewIQ(stanza.IQSet, id, "")
	bind := xmlnode.NewElement(stanza.NSBind, "bind")
	if h.cfg.PresetResource != "" {
		res := xmlnode.NewElement(stanza.NSBind, "resource")
		res.Text = h.cfg.PresetResource
		bind.AddChild(res)
	}
	iq.AddChild(bind)
	h.pl.Write(iq)
	return nil
}

func (h *HandshakerPipe) handleBindResultLocked(doc *xmlnode.Element) error {
	id, _ := doc.Attr("id")
	if h.pendingBindID == "" || id != h.pendingBindID {
		return h.sendStreamErrorLocked(stanza.CondNotAuthorized, "stanza received before handshake completion")
	}
	iqType, _ := doc.Attr("type")
	if iqType == string(stanza.IQError) {
		return h.failLocked(stanza.CheckStanzaError(doc))
	}
	if iqType != string(stanza.IQResult) {
		return h.sendStreamErrorLocked(stanza.CondInvalidXML, fmt.Sprintf("unexpected bind response type %q", iqType))
	}

	bind := doc.Child(stanza.NSBind, "bind")
	jidEl := bind.Child(stanza.NSBind, "jid")
	if bind == nil || jidEl == nil || strings.TrimSpace(jidEl.Text) == "" {
		return h.sendStreamErrorLocked(stanza.CondInvalidXML, "bind result missing <jid/>")
	}

	tokens := strings.Fields(jidEl.Text)
	var negotiated jid.JID
	switch len(tokens) {
	case 1:
		parsed, err := jid.Parse(tokens[0])
		if err != nil {
			return h.sendStreamErrorLocked(stanza.CondInvalidXML, "bind result jid unparseable")
		}
		negotiated = parsed
	case 2:
		if !strings.EqualFold(tokens[0], h.cfg.LoginJID.Bare().String()) {
			return h.sendStreamErrorLocked(stanza.CondInvalidXML, "bind result jid does not match login jid")
		}
		negotiated = h.cfg.LoginJID.WithResource(tokens[1])
	default:
		return h.sendStreamErrorLocked(stanza.CondInvalidXML, "malformed bind result jid")
	}

	h.negotiatedJID = negotiated
	h.pendingBindID = ""
	h.negotiated[stanza.FeatureResourceBinding] = true
	h.emit(Event{Kind: EventFeatureNegotiated, Feature: stanza.FeatureResourceBinding})

	for _, kind := range stanza.MandatoryOrder {
		if !h.negotiated[kind] {
			h.setState(StateNegotiating)
			return nil
		}
	}
	return h.completeLocked()
}

func (h *HandshakerPipe) completeLocked() error {
	h.setState(StateCompleted)
	h.finish(nil)
	return nil
}

func (h *HandshakerPipe) failLocked(err error) error {
	h.setState(StateStreamClosing)
	if h.pl != nil {
		h.pl.Write(xmlnode.NewElement(stanza.NSStreamFraming, "close"))
	}
	h.setState(StateStreamClosed)
	h.finish(err)
	return nil
}

// sendStreamErrorLocked sends a stream-level error followed by the closing
// tag and transitions straight to STREAM_CLOSED: a stream error is always
// fatal (spec §7), there is no "closing" window to wait out afterward.
func (h *HandshakerPipe) sendStreamErrorLocked(condition, text string) error {
	se := stanza.NewStreamError(condition, text)
	h.setState(StateStreamClosing)
	if h.pl != nil {
		h.pl.Write(se.Element())
		h.pl.Write(xmlnode.NewElement(stanza.NSStreamFraming, "close"))
	}
	h.setState(StateStreamClosed)
	h.finish(se)
	return nil
}

// OnWrite passes outbound documents through unchanged: the handshake pipe
// only originates writes via its own pl.Write calls above, and has no
// interest in documents other pipes or the Session write on their behalf.
func (h *HandshakerPipe) OnWrite(doc *xmlnode.Element, forward pipeline.Forward) error {
	forward(doc)
	return nil
}
