// Package session implements C8: the facade a caller actually drives — the
// role the teacher's client.Client plays over go-psrpcore/runspace.Pool,
// played here over pipeline.Pipeline and handshake.HandshakerPipe. Session
// owns the login/disconnect/dispose lifecycle (spec §4.8) and the single
// mutex that guards its state transitions (spec §5).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-xmppcore/xmppcore/handshake"
	"github.com/go-xmppcore/xmppcore/jid"
	"github.com/go-xmppcore/xmppcore/pipeline"
	"github.com/go-xmppcore/xmppcore/scram"
	"github.com/go-xmppcore/xmppcore/stanza"
)

// State is the Session's lifecycle state (spec §4.8).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateOnline
	StateDisconnecting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateOnline:
		return "online"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Connection is the transport handle a Dialer hands back. The Session owns
// exactly one across its lifetime once login has succeeded once (spec
// §4.8: "Session owns one Connection, immutable once neverOnline == false"
// — neverOnline flips the first time a login reaches ONLINE, after which
// reconnect attempts reuse the same Connection rather than dialing fresh).
// Opening/closing the wire and feeding the Pipeline is the transport's job
// (spec §1 non-goal); Session only asks it to close.
type Connection interface {
	Close(ctx context.Context) error
}

// Dialer opens a Connection to domain. Supplied by the caller; the actual
// socket/WebSocket/TLS machinery is out of scope (spec §1).
type Dialer func(ctx context.Context, domain string) (Connection, error)

// Config parametrizes one Session. Modeled on the teacher's client.Config:
// a flat struct, credentials mandatory (so there is deliberately no
// DefaultConfig — a Session with no JID/Credentials can't do anything).
type Config struct {
	// JID is the login address; JID.DomainPart() is dialed.
	JID jid.JID
	// Resource is requested during bind; empty lets the server assign one.
	Resource string
	// Credentials resolves SCRAM credential material (spec §4.3).
	Credentials scram.CredentialRetriever
	// Mechanisms overrides scram.Preference, if non-nil.
	Mechanisms []scram.Mechanism
	// Dialer opens the underlying Connection. Required.
	Dialer Dialer
	// DeployTLS performs the external TLS upgrade the handshake requests
	// on STARTTLS <proceed/> (spec §4.7/§4.8).
	DeployTLS handshake.DeployTLS
	// Reconnect holds backoff parameters. Session does not read it: Login
	// never retries and there is no automatic reconnection.
	Reconnect ReconnectPolicy
	// Logger defaults to a discarding logger, never nil (teacher's
	// ensureLogger convention).
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return discardLogger()
}

func (c Config) handshakeConfig(deployTLS handshake.DeployTLS) handshake.Config {
	return handshake.Config{
		LoginJID:       c.JID,
		PresetResource: c.Resource,
		Credentials:    c.Credentials,
		Mechanisms:     c.Mechanisms,
		DeployTLS:      deployTLS,
	}
}

// Session is the top-level facade: one Pipeline across the Session's
// entire lifetime (so a transport shim can subscribe to it once, before
// the first Login), one HandshakerPipe installed fresh per login attempt,
// one Connection across the Session's lifetime.
type Session struct {
	cfg Config
	log *slog.Logger
	pl  *pipeline.Pipeline

	mu          sync.Mutex
	state       State
	neverOnline bool // flips true once a login has reached ONLINE
	conn        Connection
	hs          *handshake.HandshakerPipe

	stateSubs *broadcaster[State]
}

// New constructs a Session in state DISCONNECTED, with an empty running
// Pipeline. The Session does not dial or negotiate anything until Login
// is called.
func New(cfg Config) *Session {
	pl := pipeline.New()
	pl.Start()
	return &Session{
		cfg:       cfg,
		log:       cfg.logger(),
		pl:        pl,
		state:     StateDisconnected,
		stateSubs: newBroadcaster[State](),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeState returns a channel of state transitions, plus a cancel
// func. Best-effort: a slow subscriber misses intermediate states rather
// than stalling the Session (same broadcaster guarantee as handshake.Events
// and pipeline's inbound/outbound streams, see DESIGN.md C6/C7).
func (s *Session) SubscribeState(buf int) (<-chan State, func()) {
	return s.stateSubs.subscribe(buf)
}

// Pipeline returns the Session's Pipeline, stable across the Session's
// whole lifetime. Exposed so a transport shim can pump
// SubscribeOutbound/Read itself; Session does not run the I/O loop (spec
// §1 non-goal). Safe to subscribe to before the first Login.
func (s *Session) Pipeline() *pipeline.Pipeline {
	return s.pl
}

// NegotiatedJID returns the JID bound by the most recent successful
// handshake. Empty before the first ONLINE transition.
func (s *Session) NegotiatedJID() jid.JID {
	s.mu.Lock()
	hs := s.hs
	s.mu.Unlock()
	if hs == nil {
		return jid.Empty
	}
	return hs.NegotiatedJID()
}

// setState updates s.state under the lock, then publishes it outside the
// lock — property observers must never be notified while the Session's
// mutex is held, to avoid deadlocking a re-entrant subscriber callback
// that calls back into Session (spec §5).
func (s *Session) setState(newState State) {
	s.mu.Lock()
	s.state = newState
	s.mu.Unlock()
	s.stateSubs.publish(newState)
	s.log.Debug("session state transition", "state", newState.String())
}

// Login drives DISCONNECTED -> CONNECTING -> CONNECTED -> HANDSHAKING ->
// ONLINE (spec §4.8). It blocks until the handshake resolves or ctx is
// canceled. Login must not be called from within a Pipe hook or a
// SubscribeState/handshake.Events consumer running on the pipeline's own
// dispatch path — that path is what drives the handshake to resolution,
// and waiting on it from inside itself deadlocks (spec §5's "never awaited
// synchronously inside pipeline callbacks"). Calling it from an ordinary
// goroutine, with a separate transport goroutine pumping the Pipeline, is
// the intended shape.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateDisconnected {
		return &ErrInvalidState{From: state, Op: "login"}
	}
	if s.cfg.Dialer == nil {
		return fmt.Errorf("session: Config.Dialer is required")
	}

	s.setState(StateConnecting)

	domain := s.cfg.JID.DomainPart()
	s.mu.Lock()
	reuse := s.neverOnline && s.conn != nil
	s.mu.Unlock()

	var conn Connection
	var err error
	if reuse {
		s.mu.Lock()
		conn = s.conn
		s.mu.Unlock()
	} else {
		conn, err = s.cfg.Dialer(ctx, domain)
		if err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("session: dial %s: %w", domain, err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)

	hs := handshake.New(s.cfg.handshakeConfig(s.cfg.DeployTLS))

	s.mu.Lock()
	s.hs = hs
	s.mu.Unlock()

	s.setState(StateHandshaking)

	// A prior Disconnect already removed any stale "handshake" entry; this
	// only matters on the very first Login, where none exists yet.
	_ = s.pl.Remove("handshake")
	if err := s.pl.AddAtInboundEnd("handshake", hs); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	select {
	case err := <-hs.Result():
		if err != nil {
			s.setState(StateDisconnected)
			return err
		}
		s.mu.Lock()
		s.neverOnline = true
		s.mu.Unlock()
		s.setState(StateOnline)
		go s.watchStreamClosed(hs)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchStreamClosed drains hs.Events() for as long as hs remains this
// Session's current HandshakerPipe, watching for a stream close the peer
// initiates after the Session already reached ONLINE. A close detected
// before ONLINE resolves hs.Result() instead and is handled inline by
// Login; once online, nothing else is waiting on the handshake, so this is
// the only place that sees it (spec §4.8: "handshake.state == STREAM_CLOSED
// -> kill connection"). The channel closes on the next Login's Remove or on
// Dispose, which ends this goroutine either way.
func (s *Session) watchStreamClosed(hs *handshake.HandshakerPipe) {
	for ev := range hs.Events() {
		if ev.Kind != handshake.EventStreamClosed {
			continue
		}
		s.mu.Lock()
		current := s.hs == hs
		s.mu.Unlock()
		if current {
			s.killDeadConnection()
		}
		return
	}
}

// killDeadConnection tears the Session down after the peer closes the
// stream out from under an already-ONLINE Session. Unlike Disconnect, the
// Connection is known dead on the wire: it is closed rather than retained,
// and cleared so the next Login dials fresh instead of reusing it.
func (s *Session) killDeadConnection() {
	s.mu.Lock()
	if s.state != StateOnline {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.neverOnline = false
	s.mu.Unlock()

	s.setState(StateDisconnecting)
	_ = s.pl.Remove("handshake")
	if conn != nil {
		_ = conn.Close(context.Background())
	}
	s.setState(StateDisconnected)
}

// Disconnect drives {CONNECTED, HANDSHAKING, ONLINE} -> DISCONNECTING ->
// DISCONNECTED, closing the stream gracefully and removing the handshake
// pipe; the Pipeline itself stays in place. The underlying Connection is left open (spec §4.8: the
// Connection outlives individual login attempts once bound) — unless the
// peer already closed it out from under an ONLINE Session, in which case
// killDeadConnection (driven by watchStreamClosed, see Login) has already
// closed and cleared it before Disconnect would even run.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	hs := s.hs
	s.mu.Unlock()

	switch state {
	case StateConnected, StateHandshaking, StateOnline:
	default:
		return &ErrInvalidState{From: state, Op: "disconnect"}
	}

	s.setState(StateDisconnecting)
	if hs != nil {
		hs.CloseStream()
	}
	_ = s.pl.Remove("handshake")
	s.setState(StateDisconnected)
	return nil
}

// Dispose is the terminal, one-way transition out of any state (spec
// §4.8). It is idempotent: calling it more than once is a no-op. Unlike
// Disconnect, it also closes the Connection and disposes the Pipeline
// permanently.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	hs := s.hs
	conn := s.conn
	s.mu.Unlock()

	if hs != nil {
		hs.CloseStream()
	}
	s.pl.Dispose()
	var closeErr error
	if conn != nil {
		closeErr = conn.Close(ctx)
	}

	s.setState(StateDisposed)
	s.stateSubs.complete()
	return closeErr
}

// SendStreamError sends a stream-level error through the Pipeline and
// closes the stream. Legal only in {CONNECTED, HANDSHAKING, ONLINE} (spec
// §4.8's "stream-error-sending only legal" invariant).
func (s *Session) SendStreamError(condition, text string) error {
	s.mu.Lock()
	state := s.state
	hs := s.hs
	s.mu.Unlock()

	switch state {
	case StateConnected, StateHandshaking, StateOnline:
	default:
		return &ErrInvalidState{From: state, Op: "send_stream_error"}
	}

	se := stanza.NewStreamError(condition, text)
	s.pl.Write(se.Element())
	if hs != nil {
		hs.CloseStream()
	}
	return nil
}
