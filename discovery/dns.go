package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const defaultResolverAddr = "8.8.8.8:53"

// resolverAddr returns the first nameserver from the system resolver
// configuration, falling back to a public resolver if none is configured
// (e.g. in a minimal container). Grounded on bassosimone-nop's pattern of
// keeping DNS transport concerns (which server, which protocol) separate
// from query construction (dnsdial.go); this module only needs "a"
// server, not bassosimone-nop's full dial/observe/classify pipeline.
func resolverAddr() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return defaultResolverAddr
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

func exchange(ctx context.Context, client *dns.Client, server string, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	resp, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, &DNSError{Query: fmt.Sprintf("%s %s", dns.TypeToString[qtype], name), Err: err}
	}
	if resp.Rcode == dns.RcodeNameError || resp.Rcode == dns.RcodeSuccess && len(resp.Answer) == 0 {
		// Host not found / no records of this type: a successful empty
		// answer (spec §7), not a DNSError.
		return resp, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &DNSError{
			Query: fmt.Sprintf("%s %s", dns.TypeToString[qtype], name),
			Err:   fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode]),
		}
	}
	return resp, nil
}

// lookupSRV resolves "_service._tcp.domain" SRV records into TCPCandidates
// carrying the given TLS method, ordered by (priority asc, weight desc)
// per RFC 2782.
func lookupSRV(ctx context.Context, client *dns.Client, server, domain, service string, tls TLSMethod, source string) ([]TCPCandidate, error) {
	name := fmt.Sprintf("%s.%s", service, domain)
	resp, err := exchange(ctx, client, server, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var all []scoredSRV
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		all = append(all, scoredSRV{
			cand: TCPCandidate{
				Domain: strings.TrimSuffix(srv.Target, "."),
				Port:   int(srv.Port),
				TLS:    tls,
				source: source,
			},
			priority: srv.Priority,
			weight:   srv.Weight,
		})
	}
	sortSRV(all)
	out := make([]TCPCandidate, len(all))
	for i, s := range all {
		out[i] = s.cand
	}
	return out, nil
}

// scoredSRV pairs a resolved TCPCandidate with the SRV weighting fields
// needed to order it (RFC 2782: priority ascending, weight descending).
type scoredSRV struct {
	cand     TCPCandidate
	priority uint16
	weight   uint16
}

func sortSRV(all []scoredSRV) {
	for i := 1; i < len(all); i++ {
		for j := i; j > 0; j-- {
			a, b := all[j-1], all[j]
			if a.priority > b.priority || (a.priority == b.priority && a.weight < b.weight) {
				all[j-1], all[j] = all[j], all[j-1]
			} else {
				break
			}
		}
	}
}

// txtWebSocketPrefix is the value prefix spec §4.5/§6 fixes for
// _xmppconnect TXT records.
const txtWebSocketPrefix = "_xmpp-client-websocket="

// lookupTXTWebSockets resolves "_xmppconnect.domain" TXT records,
// extracting values starting with txtWebSocketPrefix into
// WebSocketCandidates.
func lookupTXTWebSockets(ctx context.Context, client *dns.Client, server, domain string) ([]WebSocketCandidate, error) {
	name := fmt.Sprintf("_xmppconnect.%s", domain)
	resp, err := exchange(ctx, client, server, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []WebSocketCandidate
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		value := strings.Join(txt.Txt, "")
		if !strings.HasPrefix(value, txtWebSocketPrefix) {
			continue
		}
		uri := strings.TrimPrefix(value, txtWebSocketPrefix)
		cand, perr := parseWebSocketURI(uri, sourceTXT)
		if perr != nil {
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

// parseWebSocketURI parses a ws://host[:port][/path] or wss://... URI into
// a WebSocketCandidate, defaulting the port to 80 (ws) or 443 (wss).
func parseWebSocketURI(uri, source string) (WebSocketCandidate, error) {
	var scheme, rest string
	switch {
	case strings.HasPrefix(uri, "wss://"):
		scheme, rest = "wss", uri[len("wss://"):]
	case strings.HasPrefix(uri, "ws://"):
		scheme, rest = "ws", uri[len("ws://"):]
	default:
		return WebSocketCandidate{}, fmt.Errorf("discovery: unsupported websocket scheme in %q", uri)
	}

	hostPort := rest
	path := "/"
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		hostPort = rest[:slash]
		path = rest[slash:]
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		if scheme == "wss" {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return WebSocketCandidate{}, fmt.Errorf("discovery: invalid port in %q: %w", uri, err)
	}

	return WebSocketCandidate{Scheme: scheme, Domain: host, Port: port, Path: path, source: source}, nil
}
