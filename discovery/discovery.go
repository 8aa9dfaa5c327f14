package discovery

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	srvDirectTLS = "_xmpps-client._tcp"
	srvStartTLS  = "_xmpp-client._tcp"
)

// Options configures Discover. The zero value is usable: a fresh DNS
// client against the system resolver, a 10s-timeout HTTP client, and
// slog.Default() for diagnostics, mirroring the teacher's
// default-then-override logger convention (client/client.go SetSlogLogger).
type Options struct {
	Logger     *slog.Logger
	DNSClient  *dns.Client
	DNSServer  string
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DNSClient == nil {
		o.DNSClient = new(dns.Client)
	}
	if o.DNSServer == "" {
		o.DNSServer = resolverAddr()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return o
}

// Discover resolves domain to a priority-ordered candidate list (spec
// §4.5): TXT-advertised websockets, direct-TLS SRV, StartTLS SRV, then
// host-meta alt-connections. Every source runs concurrently; an
// individual source's failure is logged and yields no candidates from
// that source rather than aborting discovery as a whole (spec §7),
// grounded on bassosimone-nop's dnsoverudp.go/dnsoverhttps.go pattern of
// independent, separately-observed lookups feeding one decision.
func Discover(ctx context.Context, domain string, opts Options) []Candidate {
	opts = opts.withDefaults()

	var (
		wg                           sync.WaitGroup
		txtWebsockets, hostMetaCands []WebSocketCandidate
		directCands, startCands      []TCPCandidate
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		cands, err := lookupTXTWebSockets(ctx, opts.DNSClient, opts.DNSServer, domain)
		if err != nil {
			opts.Logger.Warn("discovery: txt lookup failed", "domain", domain, "err", err)
			return
		}
		txtWebsockets = cands
	}()
	go func() {
		defer wg.Done()
		cands, err := lookupSRV(ctx, opts.DNSClient, opts.DNSServer, domain, srvDirectTLS, TLSDirect, sourceDirectTLS)
		if err != nil {
			opts.Logger.Warn("discovery: direct-tls srv lookup failed", "domain", domain, "err", err)
			return
		}
		directCands = cands
	}()
	go func() {
		defer wg.Done()
		cands, err := lookupSRV(ctx, opts.DNSClient, opts.DNSServer, domain, srvStartTLS, TLSStartTLS, sourceStartTLS)
		if err != nil {
			opts.Logger.Warn("discovery: starttls srv lookup failed", "domain", domain, "err", err)
			return
		}
		startCands = cands
	}()
	go func() {
		defer wg.Done()
		cands, err := fetchHostMeta(ctx, opts.HTTPClient, domain)
		if err != nil {
			opts.Logger.Debug("discovery: host-meta lookup failed", "domain", domain, "err", err)
			return
		}
		hostMetaCands = cands
	}()
	wg.Wait()

	return composeCandidates(txtWebsockets, directCands, startCands, hostMetaCands)
}

// composeCandidates merges already-resolved per-source results into the
// single priority-ordered list spec §4.5 defines: TXT-advertised
// websockets first, then direct-TLS SRV, then StartTLS SRV, then
// host-meta alt-connections last. Kept separate from Discover so the
// ordering itself is testable without a live DNS/HTTP environment.
func composeCandidates(txtWebsockets []WebSocketCandidate, directCands, startCands []TCPCandidate, hostMetaCands []WebSocketCandidate) []Candidate {
	var out []Candidate
	for _, c := range txtWebsockets {
		out = append(out, c)
	}
	for _, c := range directCands {
		out = append(out, c)
	}
	for _, c := range startCands {
		out = append(out, c)
	}
	for _, c := range hostMetaCands {
		out = append(out, c)
	}
	return out
}
