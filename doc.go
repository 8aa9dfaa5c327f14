// Package xmppcore provides a sans-IO XMPP client core: protocol logic with
// no socket, TLS, or DNS code of its own, driven by a caller-supplied
// transport shim that feeds inbound XML documents in and drains outbound
// ones out.
//
// This module builds the handshake, session, and plugin layers on top of a
// small set of wire-level building blocks:
//   - jid/       bare/full JID parsing and construction
//   - xmlnode/   the structured-tree contract (name, namespace, attrs,
//                children, text) the rest of the module builds against
//   - stanza/    stream/stanza error taxonomy, IQ helpers, feature parsing
//   - scram/     RFC 5802 SCRAM client and server halves
//   - pipeline/  an ordered chain of named pipes carrying inbound/outbound
//                XML documents, with fan-out exception streams
//   - handshake/ the STARTTLS -> SASL -> resource-binding state machine,
//                itself one Pipe
//   - session/   the login/disconnect/dispose lifecycle facade a caller
//                actually drives
//   - plugin/    dependency-resolved plugins dispatched by inbound IQ
//                signature, and a worked-example set (ping, version, disco,
//                roster) in plugin/base
//   - discovery/ connection discovery: SRV/TXT lookup and host-meta
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│  plugin/       Dependency-resolved IQ-signature dispatch  │
//	├─────────────────────────────────────────────────────────┤
//	│  session/      Login/disconnect/dispose lifecycle facade │
//	├─────────────────────────────────────────────────────────┤
//	│  handshake/    STARTTLS -> SASL -> bind state machine    │
//	├─────────────────────────────────────────────────────────┤
//	│  pipeline/     Ordered pipe chain, inbound/outbound fanout│
//	├─────────────────────────────────────────────────────────┤
//	│  stanza/scram/jid/xmlnode   Wire-level vocabulary         │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick start
//
//	cfg := session.Config{
//	    JID:         jid.MustParse("user@example.com"),
//	    Credentials: scram.StaticCredentials{Password: []byte("hunter2")},
//	    Dialer:      myDialer,
//	}
//	sess := session.New(cfg)
//	if err := sess.Login(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Dispose(ctx)
//
//	plugins := plugin.NewManager(nil)
//	plugins.Register(base.Ping{})
//	if err := plugins.Attach(sess.Pipeline()); err != nil {
//	    log.Fatal(err)
//	}
//	plugins.Apply("ping")
package xmppcore
