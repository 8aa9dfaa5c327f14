package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-xmppcore/xmppcore/pipeline"
	"github.com/go-xmppcore/xmppcore/stanza"
	"github.com/go-xmppcore/xmppcore/xmlnode"
)

type echoPlugin struct {
	name    string
	deps    []string
	sigs    []stanza.Signature
	applied chan struct{}
}

func (p *echoPlugin) Name() string                  { return p.name }
func (p *echoPlugin) Dependencies() []string        { return p.deps }
func (p *echoPlugin) Features() []string            { return []string{"urn:test:" + p.name} }
func (p *echoPlugin) Signatures() []stanza.Signature { return p.sigs }
func (p *echoPlugin) OnApply(ctx *Context) error {
	if p.applied != nil {
		close(p.applied)
	}
	ctx.Serve(func(iq *xmlnode.Element) ([]*xmlnode.Element, *stanza.StanzaError) {
		return []*xmlnode.Element{xmlnode.NewElement("urn:test:echo", "pong")}, nil
	})
	return nil
}

func newTestIQ(sig stanza.Signature) *xmlnode.Element {
	iq := stanza.NewIQ(stanza.IQGet, stanza.NewUUID(), "")
	iq.AddChild(xmlnode.NewElement(sig.Namespace, sig.LocalName))
	return iq
}

func TestManagerApplyRecursesDependencies(t *testing.T) {
	m := NewManager(nil)
	base := &echoPlugin{name: "base"}
	top := &echoPlugin{name: "top", deps: []string{"base"}}
	m.Register(base)
	m.Register(top)

	if _, err := m.Apply("top"); err != nil {
		t.Fatalf("Apply(top) = %v", err)
	}
	if _, ok := m.applied["base"]; !ok {
		t.Fatal("Apply(top) did not also apply its dependency base")
	}
}

func TestManagerApplyUnregistered(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Apply("nope")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Apply(nope) = %v, want ErrNotRegistered", err)
	}
}

func TestManagerApplyCyclicDependency(t *testing.T) {
	m := NewManager(nil)
	m.Register(&echoPlugin{name: "a", deps: []string{"b"}})
	m.Register(&echoPlugin{name: "b", deps: []string{"a"}})

	_, err := m.Apply("a")
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Apply(a) = %v, want ErrCyclicDependency", err)
	}
}

func TestManagerApplyIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	applied := make(chan struct{})
	m.Register(&echoPlugin{name: "once", applied: applied})

	if _, err := m.Apply("once"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-applied:
	default:
		t.Fatal("OnApply not called on first Apply")
	}

	// Second Apply must not call OnApply again (it would panic on the
	// already-closed channel if it did).
	if _, err := m.Apply("once"); err != nil {
		t.Fatalf("second Apply(once) = %v, want nil", err)
	}
}

func TestManagerDispatchesMatchedIQ(t *testing.T) {
	sig := stanza.Signature{Namespace: "urn:test:sig", LocalName: "probe"}
	m := NewManager(nil)
	m.Register(&echoPlugin{name: "echo", sigs: []stanza.Signature{sig}})
	if _, err := m.Apply("echo"); err != nil {
		t.Fatal(err)
	}

	pl := pipeline.New()
	pl.Start()
	out, _ := pl.SubscribeOutbound(4)
	if err := m.Attach(pl); err != nil {
		t.Fatal(err)
	}

	pl.Read(newTestIQ(sig))

	select {
	case doc := <-out:
		if doc.Name != "iq" {
			t.Fatalf("response = %q, want iq", doc.Name)
		}
		typeAttr, _ := doc.Attr("type")
		if typeAttr != string(stanza.IQResult) {
			t.Fatalf("response type = %q, want result", typeAttr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for plugin response")
	}
}

func TestManagerUnmatchedRequestGetsServiceUnavailable(t *testing.T) {
	m := NewManager(nil)
	pl := pipeline.New()
	pl.Start()
	out, _ := pl.SubscribeOutbound(4)
	if err := m.Attach(pl); err != nil {
		t.Fatal(err)
	}

	unknownSig := stanza.Signature{Namespace: "urn:test:unknown", LocalName: "nope"}
	pl.Read(newTestIQ(unknownSig))

	select {
	case doc := <-out:
		typeAttr, _ := doc.Attr("type")
		if typeAttr != string(stanza.IQError) {
			t.Fatalf("response type = %q, want error", typeAttr)
		}
		errEl := doc.Child("", "error")
		if errEl == nil {
			t.Fatal("response carries no <error/> child")
		}
		if len(errEl.Children) == 0 || errEl.Children[0].Name != stanza.StanzaCondServiceUnavailable {
			t.Fatalf("error condition = %v, want %s", errEl.Children, stanza.StanzaCondServiceUnavailable)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for service-unavailable response")
	}
}

func TestManagerUnmatchedResponseIsDropped(t *testing.T) {
	m := NewManager(nil)
	pl := pipeline.New()
	pl.Start()
	out, _ := pl.SubscribeOutbound(4)
	if err := m.Attach(pl); err != nil {
		t.Fatal(err)
	}

	resp := stanza.NewIQ(stanza.IQResult, "unmatched-id", "")
	pl.Read(resp)

	select {
	case doc := <-out:
		t.Fatalf("unexpected outbound write for unmatched response: %v", doc)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestContextSendIQResolvesOnMatchingResponse(t *testing.T) {
	m := NewManager(nil)
	pl := pipeline.New()
	pl.Start()
	out, _ := pl.SubscribeOutbound(4)
	if err := m.Attach(pl); err != nil {
		t.Fatal(err)
	}
	ctx := newContext(m, &echoPlugin{name: "caller"})

	req := stanza.NewIQ(stanza.IQGet, "req-1", "peer")
	req.AddChild(xmlnode.NewElement("urn:test:probe", "probe"))

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = ctx.SendIQ(context.Background(), req)
		close(done)
	}()

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send_iq's outbound write")
	}

	pl.Read(stanza.NewIQ(stanza.IQResult, "req-1", ""))

	select {
	case <-done:
		if gotErr != nil {
			t.Fatalf("SendIQ() = %v, want nil", gotErr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendIQ to resolve")
	}
}

func TestContextSendIQRejectsEmptyID(t *testing.T) {
	m := NewManager(nil)
	pl := pipeline.New()
	pl.Start()
	m.Attach(pl)
	ctx := newContext(m, &echoPlugin{name: "caller"})

	req := stanza.NewIQ(stanza.IQGet, "", "peer")
	if _, err := ctx.SendIQ(context.Background(), req); err == nil {
		t.Fatal("SendIQ with empty id = nil error, want one")
	}
}

func TestManagerDisposeCancelsPendingSendIQ(t *testing.T) {
	m := NewManager(nil)
	pl := pipeline.New()
	pl.Start()
	pl.SubscribeOutbound(4)
	if err := m.Attach(pl); err != nil {
		t.Fatal(err)
	}
	ctx := newContext(m, &echoPlugin{name: "caller"})

	req := stanza.NewIQ(stanza.IQGet, "req-cancel", "peer")
	req.AddChild(xmlnode.NewElement("urn:test:probe", "probe"))

	errCh := make(chan error, 1)
	go func() {
		_, err := ctx.SendIQ(context.Background(), req)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	m.Dispose()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCanceled) {
			t.Fatalf("SendIQ() after Dispose = %v, want ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendIQ to be canceled")
	}
}
