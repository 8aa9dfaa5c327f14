package discovery

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// hostMetaXML mirrors the subset of RFC 6415's XRD document this module
// cares about: Link elements carrying an XMPP client rel and an href.
type hostMetaXML struct {
	XMLName xml.Name `xml:"XRD"`
	Links   []struct {
		Rel  string `xml:"rel,attr"`
		Href string `xml:"href,attr"`
	} `xml:"Link"`
}

// hostMetaJSON mirrors host-meta.json's { "links": [ {"rel":..,"href":..} ] }.
type hostMetaJSON struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

const (
	relXMPPClient          = "urn:xmpp:alt-connections:xbosh"
	relXMPPClientWebsocket = "urn:xmpp:alt-connections:websocket"
)

// fetchHostMeta retrieves https://domain/.well-known/host-meta(.json) and
// extracts websocket alt-connection candidates (spec §4.5). A malformed or
// unreachable document yields (nil, *InvalidHostMetaError); this is
// tolerated by the caller, never fatal to discovery as a whole.
func fetchHostMeta(ctx context.Context, hc *http.Client, domain string) ([]WebSocketCandidate, error) {
	if cands, err := fetchHostMetaJSON(ctx, hc, domain); err == nil {
		return cands, nil
	}
	return fetchHostMetaXML(ctx, hc, domain)
}

func fetchHostMetaJSON(ctx context.Context, hc *http.Client, domain string) ([]WebSocketCandidate, error) {
	url := fmt.Sprintf("https://%s/.well-known/host-meta.json", domain)
	body, err := getBody(ctx, hc, url)
	if err != nil {
		return nil, &InvalidHostMetaError{URL: url, Err: err}
	}
	var doc hostMetaJSON
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &InvalidHostMetaError{URL: url, Err: err}
	}
	var out []WebSocketCandidate
	for _, l := range doc.Links {
		if l.Rel != relXMPPClientWebsocket {
			continue
		}
		if cand, perr := parseWebSocketURI(l.Href, sourceHostMeta); perr == nil {
			out = append(out, cand)
		}
	}
	return out, nil
}

func fetchHostMetaXML(ctx context.Context, hc *http.Client, domain string) ([]WebSocketCandidate, error) {
	url := fmt.Sprintf("https://%s/.well-known/host-meta", domain)
	body, err := getBody(ctx, hc, url)
	if err != nil {
		return nil, &InvalidHostMetaError{URL: url, Err: err}
	}
	var doc hostMetaXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, &InvalidHostMetaError{URL: url, Err: err}
	}
	var out []WebSocketCandidate
	for _, l := range doc.Links {
		if l.Rel != relXMPPClientWebsocket {
			continue
		}
		if cand, perr := parseWebSocketURI(l.Href, sourceHostMeta); perr == nil {
			out = append(out, cand)
		}
	}
	return out, nil
}

func getBody(ctx context.Context, hc *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: %s: status %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
