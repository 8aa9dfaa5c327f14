package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-xmppcore/xmppcore/jid"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

func streamClose() *xmlnode.Element {
	return xmlnode.NewElement(stanza.NSStreamFraming, "close")
}

// fakeConn is the minimal Connection a test Dialer hands back.
type fakeConn struct {
	closed bool
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

func serverOpen(from string) *xmlnode.Element {
	el := xmlnode.NewElement(stanza.NSStreamFraming, "open")
	el.SetAttr("from", from)
	el.SetAttr("version", "1.0")
	return el
}

func emptyFeatures() *xmlnode.Element {
	return xmlnode.NewElement(stanza.NSStream, "features")
}

// TestSessionLoginReachesOnline drives a Session through a trivial
// handshake (no mandatory features) and checks it lands on ONLINE,
// mirroring spec §8 scenario 1's happy path at the Session layer rather
// than the handshake layer (see handshake_test.go for the full
// STARTTLS/SASL/bind negotiation).
func TestSessionLoginReachesOnline(t *testing.T) {
	conn := &fakeConn{}
	dialed := 0
	cfg := Config{
		JID: jid.MustParse("user@example.com"),
		Dialer: func(ctx context.Context, domain string) (Connection, error) {
			dialed++
			if domain != "example.com" {
				t.Fatalf("dialed domain = %q, want example.com", domain)
			}
			return conn, nil
		},
	}
	sess := New(cfg)

	out, _ := sess.Pipeline().SubscribeOutbound(16)
	states, _ := sess.SubscribeState(16)

	loginErr := make(chan error, 1)
	go func() { loginErr <- sess.Login(context.Background()) }()

	select {
	case doc := <-out:
		if doc.Name != "open" {
			t.Fatalf("initial write = %q, want open", doc.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial <open/>")
	}

	sess.Pipeline().Read(serverOpen("example.com"))
	sess.Pipeline().Read(emptyFeatures())

	select {
	case err := <-loginErr:
		if err != nil {
			t.Fatalf("Login() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Login to return")
	}

	if got := sess.State(); got != StateOnline {
		t.Fatalf("State() = %v, want %v", got, StateOnline)
	}
	if dialed != 1 {
		t.Fatalf("Dialer invoked %d times, want 1", dialed)
	}

	seen := map[State]bool{}
	draining := true
	for draining {
		select {
		case s := <-states:
			seen[s] = true
		default:
			draining = false
		}
	}
	for _, want := range []State{StateConnecting, StateConnected, StateHandshaking, StateOnline} {
		if !seen[want] {
			t.Errorf("state transitions missing %v: saw %v", want, seen)
		}
	}
}

// TestSessionLoginDialError covers a Dialer failure: Login returns the
// wrapped error and the Session falls back to DISCONNECTED rather than
// getting stuck in CONNECTING.
func TestSessionLoginDialError(t *testing.T) {
	wantErr := errors.New("boom")
	cfg := Config{
		JID: jid.MustParse("user@example.com"),
		Dialer: func(ctx context.Context, domain string) (Connection, error) {
			return nil, wantErr
		},
	}
	sess := New(cfg)

	err := sess.Login(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Login() = %v, want wrapping %v", err, wantErr)
	}
	if got := sess.State(); got != StateDisconnected {
		t.Fatalf("State() = %v, want %v", got, StateDisconnected)
	}
}

// TestSessionLoginRequiresDisconnected covers spec §4.8's "login refuses
// unless current state is DISCONNECTED" invariant.
func TestSessionLoginRequiresDisconnected(t *testing.T) {
	cfg := Config{JID: jid.MustParse("user@example.com"), Dialer: func(ctx context.Context, domain string) (Connection, error) {
		return &fakeConn{}, nil
	}}
	sess := New(cfg)
	sess.setState(StateOnline) // simulate an already-online session

	err := sess.Login(context.Background())
	var invalid *ErrInvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("Login() = %v, want *ErrInvalidState", err)
	}
	if invalid.From != StateOnline {
		t.Fatalf("ErrInvalidState.From = %v, want %v", invalid.From, StateOnline)
	}
}

// TestSessionDisconnectInvalidFromDisconnected covers the illegal
// DISCONNECTED -> DISCONNECTING transition.
func TestSessionDisconnectInvalidFromDisconnected(t *testing.T) {
	sess := New(Config{JID: jid.MustParse("user@example.com")})
	err := sess.Disconnect(context.Background())
	var invalid *ErrInvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("Disconnect() = %v, want *ErrInvalidState", err)
	}
}

// TestSessionSendStreamErrorInvalidState covers the "only legal in
// {CONNECTED, HANDSHAKING, ONLINE}" invariant.
func TestSessionSendStreamErrorInvalidState(t *testing.T) {
	sess := New(Config{JID: jid.MustParse("user@example.com")})
	err := sess.SendStreamError(stanza.CondPolicyViolation, "nope")
	var invalid *ErrInvalidState
	if !errors.As(err, &invalid) {
		t.Fatalf("SendStreamError() = %v, want *ErrInvalidState", err)
	}
}

// TestSessionDisposeIdempotent covers spec §4.8's "DISPOSED is terminal,
// one-way" invariant: disposing twice is a no-op, and Dispose is legal
// from any non-disposed state, including a Session that never logged in.
func TestSessionDisposeIdempotent(t *testing.T) {
	sess := New(Config{JID: jid.MustParse("user@example.com")})

	if err := sess.Dispose(context.Background()); err != nil {
		t.Fatalf("first Dispose() = %v, want nil", err)
	}
	if got := sess.State(); got != StateDisposed {
		t.Fatalf("State() = %v, want %v", got, StateDisposed)
	}
	if err := sess.Dispose(context.Background()); err != nil {
		t.Fatalf("second Dispose() = %v, want nil", err)
	}
}

// TestSessionDisposeClosesConnection covers spec §4.8: Dispose (unlike
// Disconnect) closes the underlying Connection.
func TestSessionDisposeClosesConnection(t *testing.T) {
	conn := &fakeConn{}
	cfg := Config{
		JID: jid.MustParse("user@example.com"),
		Dialer: func(ctx context.Context, domain string) (Connection, error) {
			return conn, nil
		},
	}
	sess := New(cfg)

	out, _ := sess.Pipeline().SubscribeOutbound(16)
	loginErr := make(chan error, 1)
	go func() { loginErr <- sess.Login(context.Background()) }()
	<-out
	sess.Pipeline().Read(serverOpen("example.com"))
	sess.Pipeline().Read(emptyFeatures())
	if err := <-loginErr; err != nil {
		t.Fatalf("Login() = %v, want nil", err)
	}

	if err := sess.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose() = %v, want nil", err)
	}
	if !conn.closed {
		t.Fatal("Dispose did not close the Connection")
	}
}

// TestSessionKillsDeadConnectionOnPostOnlineClose covers spec §4.8:
// "handshake.state == STREAM_CLOSED -> kill connection". A peer that closes
// the stream after the Session is already ONLINE leaves the Session stuck
// on a dead Connection unless something drives teardown; here that
// something is the Session's own watchStreamClosed goroutine.
func TestSessionKillsDeadConnectionOnPostOnlineClose(t *testing.T) {
	conn := &fakeConn{}
	dialed := 0
	cfg := Config{
		JID: jid.MustParse("user@example.com"),
		Dialer: func(ctx context.Context, domain string) (Connection, error) {
			dialed++
			return conn, nil
		},
	}
	sess := New(cfg)

	out, _ := sess.Pipeline().SubscribeOutbound(16)
	states, _ := sess.SubscribeState(16)
	loginErr := make(chan error, 1)
	go func() { loginErr <- sess.Login(context.Background()) }()
	<-out
	sess.Pipeline().Read(serverOpen("example.com"))
	sess.Pipeline().Read(emptyFeatures())
	if err := <-loginErr; err != nil {
		t.Fatalf("Login() = %v, want nil", err)
	}
	if got := sess.State(); got != StateOnline {
		t.Fatalf("State() = %v, want %v", got, StateOnline)
	}

	sess.Pipeline().Read(streamClose())

	deadline := time.After(time.Second)
	tornDown := false
	for !tornDown {
		select {
		case s := <-states:
			tornDown = s == StateDisconnected
		case <-deadline:
			t.Fatal("timed out waiting for teardown after peer-initiated close")
		}
	}
	if !conn.closed {
		t.Fatal("peer-initiated close did not close the dead Connection")
	}

	// A subsequent Login must dial fresh rather than reuse the dead
	// Connection.
	out2, _ := sess.Pipeline().SubscribeOutbound(16)
	loginErr2 := make(chan error, 1)
	go func() { loginErr2 <- sess.Login(context.Background()) }()
	<-out2
	sess.Pipeline().Read(serverOpen("example.com"))
	sess.Pipeline().Read(emptyFeatures())
	if err := <-loginErr2; err != nil {
		t.Fatalf("second Login() = %v, want nil", err)
	}
	if dialed != 2 {
		t.Fatalf("Dialer invoked %d times, want 2 (no reuse of a dead Connection)", dialed)
	}
}

// TestSessionReconnectReusesConnection covers spec §4.8: once neverOnline
// flips true, a subsequent Login after Disconnect reuses the same
// Connection rather than dialing again.
func TestSessionReconnectReusesConnection(t *testing.T) {
	conn := &fakeConn{}
	dialed := 0
	cfg := Config{
		JID: jid.MustParse("user@example.com"),
		Dialer: func(ctx context.Context, domain string) (Connection, error) {
			dialed++
			return conn, nil
		},
	}
	sess := New(cfg)

	runLogin := func() {
		out, _ := sess.Pipeline().SubscribeOutbound(16)
		loginErr := make(chan error, 1)
		go func() { loginErr <- sess.Login(context.Background()) }()
		<-out
		sess.Pipeline().Read(serverOpen("example.com"))
		sess.Pipeline().Read(emptyFeatures())
		if err := <-loginErr; err != nil {
			t.Fatalf("Login() = %v, want nil", err)
		}
	}

	runLogin()
	if err := sess.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() = %v, want nil", err)
	}
	runLogin()

	if dialed != 1 {
		t.Fatalf("Dialer invoked %d times across reconnect, want 1", dialed)
	}
}
