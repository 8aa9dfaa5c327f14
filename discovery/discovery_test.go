package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseWebSocketURI(t *testing.T) {
	cases := []struct {
		uri     string
		want    WebSocketCandidate
		wantErr bool
	}{
		{
			uri:  "wss://xmpp.example.com:5281/ws",
			want: WebSocketCandidate{Scheme: "wss", Domain: "xmpp.example.com", Port: 5281, Path: "/ws", source: "x"},
		},
		{
			uri:  "ws://xmpp.example.com/xmpp-websocket",
			want: WebSocketCandidate{Scheme: "ws", Domain: "xmpp.example.com", Port: 80, Path: "/xmpp-websocket", source: "x"},
		},
		{
			uri:  "wss://xmpp.example.com",
			want: WebSocketCandidate{Scheme: "wss", Domain: "xmpp.example.com", Port: 443, Path: "/", source: "x"},
		},
		{uri: "https://xmpp.example.com/ws", wantErr: true},
		{uri: "wss://xmpp.example.com:notaport/ws", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseWebSocketURI(tc.uri, "x")
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseWebSocketURI(%q): expected error", tc.uri)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseWebSocketURI(%q): %v", tc.uri, err)
		}
		if got != tc.want {
			t.Fatalf("parseWebSocketURI(%q) = %+v, want %+v", tc.uri, got, tc.want)
		}
	}
}

func TestSortSRVPriorityThenWeight(t *testing.T) {
	all := []scoredSRV{
		{cand: TCPCandidate{Domain: "low-weight"}, priority: 1, weight: 10},
		{cand: TCPCandidate{Domain: "high-priority-number"}, priority: 5, weight: 0},
		{cand: TCPCandidate{Domain: "high-weight"}, priority: 1, weight: 50},
	}
	sortSRV(all)

	want := []string{"high-weight", "low-weight", "high-priority-number"}
	for i, w := range want {
		if all[i].cand.Domain != w {
			t.Fatalf("sortSRV()[%d].Domain = %q, want %q (full: %+v)", i, all[i].cand.Domain, w, all)
		}
	}
}

func TestComposeCandidatesPriorityOrder(t *testing.T) {
	txt := []WebSocketCandidate{{Scheme: "wss", Domain: "txt.example.com", source: sourceTXT}}
	direct := []TCPCandidate{{Domain: "direct.example.com", TLS: TLSDirect, source: sourceDirectTLS}}
	start := []TCPCandidate{{Domain: "starttls.example.com", TLS: TLSStartTLS, source: sourceStartTLS}}
	hostMeta := []WebSocketCandidate{{Scheme: "wss", Domain: "hostmeta.example.com", source: sourceHostMeta}}

	got := composeCandidates(txt, direct, start, hostMeta)
	if len(got) != 4 {
		t.Fatalf("len(got) = %d, want 4", len(got))
	}
	wantSources := []string{sourceTXT, sourceDirectTLS, sourceStartTLS, sourceHostMeta}
	for i, want := range wantSources {
		if got[i].Source() != want {
			t.Fatalf("got[%d].Source() = %q, want %q", i, got[i].Source(), want)
		}
	}
}

// TestComposeCandidatesTolerantOfPartialFailure covers the "one source
// fails, the rest still compose" scenario (spec §7/§8): an empty slice
// from a failed source (the caller already logged and substituted nil)
// simply contributes nothing, rather than preventing composition.
func TestComposeCandidatesTolerantOfPartialFailure(t *testing.T) {
	start := []TCPCandidate{{Domain: "starttls.example.com", TLS: TLSStartTLS, source: sourceStartTLS}}

	got := composeCandidates(nil, nil, start, nil)
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].Source() != sourceStartTLS {
		t.Fatalf("got[0].Source() = %q, want %q", got[0].Source(), sourceStartTLS)
	}
}

func TestFetchHostMetaJSON(t *testing.T) {
	body, err := json.Marshal(hostMetaJSON{
		Links: []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		}{
			{Rel: relXMPPClientWebsocket, Href: "wss://xmpp.example.com:5281/ws"},
			{Rel: "some-other-rel", Href: "https://xmpp.example.com/ignored"},
		},
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	cands, err := fetchHostMetaJSON(context.Background(), srv.Client(), hostOf(srv.URL))
	if err != nil {
		t.Fatalf("fetchHostMetaJSON: %v", err)
	}
	if len(cands) != 1 || cands[0].Domain != "xmpp.example.com" || cands[0].Port != 5281 {
		t.Fatalf("cands = %+v", cands)
	}
}

func TestFetchHostMetaXMLMalformedIsInvalidHostMetaError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<not-xrd-at-all"))
	}))
	defer srv.Close()

	_, err := fetchHostMetaXML(context.Background(), srv.Client(), hostOf(srv.URL))
	if err == nil {
		t.Fatal("expected error for malformed XML")
	}
	var hmErr *InvalidHostMetaError
	if !errors.As(err, &hmErr) {
		t.Fatalf("err = %v, want *InvalidHostMetaError", err)
	}
}

// hostOf strips the scheme from an httptest server URL so it can be
// passed to fetchHostMeta{JSON,XML}, which build their own https:// URL
// from a bare host:port.
func hostOf(serverURL string) string {
	return strings.TrimPrefix(serverURL, "https://")
}
