// Package jid implements the XMPP address triple (local, domain, resource).
package jid

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidJID reports an address with an empty domain part: from Parse,
// any non-empty input whose domain is empty (including a lone "@"); from
// New, an empty domain paired with a non-empty local or resource part.
var ErrInvalidJID = errors.New("jid: invalid address")

// JID is an immutable XMPP address (local@domain/resource). The zero value
// is the empty JID, the sentinel for anonymous or unaddressed.
type JID struct {
	local    string
	domain   string
	resource string
}

// Empty is the sentinel JID (ε,ε,ε).
var Empty = JID{}

// New builds a JID from already-validated parts. Local and domain are
// lowercased; no IDNA normalization is applied. Prefer Parse for untrusted
// input.
func New(local, domain, resource string) (JID, error) {
	if domain == "" && (local != "" || resource != "") {
		return JID{}, ErrInvalidJID
	}
	return JID{
		local:    strings.ToLower(local),
		domain:   strings.ToLower(domain),
		resource: resource,
	}, nil
}

// Parse splits s on the first '@' and the first '/' following it. Local and
// domain are case-folded (lowercased) and domain is IDNA-normalized;
// resource is kept byte-for-byte.
func Parse(s string) (JID, error) {
	if s == "" {
		return Empty, nil
	}

	var local, domain, resource string
	rest := s

	if at := strings.IndexByte(rest, '@'); at >= 0 {
		local = rest[:at]
		rest = rest[at+1:]
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		domain = rest[:slash]
		resource = rest[slash+1:]
	} else {
		domain = rest
	}

	if domain == "" {
		return JID{}, ErrInvalidJID
	}

	normDomain := strings.ToLower(domain)
	if normDomain != "" {
		if ascii, err := idna.Lookup.ToASCII(normDomain); err == nil {
			normDomain = ascii
		}
		// A domain that fails IDNA normalization (e.g. it already is a
		// bracketed literal IP address) is kept verbatim, lowercased.
	}

	return JID{
		local:    strings.ToLower(local),
		domain:   normDomain,
		resource: resource,
	}, nil
}

// MustParse is Parse but panics on error; intended for literals in tests
// and constant tables.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// IsEmpty reports whether j is the sentinel empty JID.
func (j JID) IsEmpty() bool {
	return j.local == "" && j.domain == "" && j.resource == ""
}

// LocalPart returns the local (user) part, or "" if absent.
func (j JID) LocalPart() string { return j.local }

// DomainPart returns the domain part, or "" for the empty JID.
func (j JID) DomainPart() string { return j.domain }

// ResourcePart returns the resource part, or "" if absent.
func (j JID) ResourcePart() string { return j.resource }

// Bare returns the JID with the resource part stripped.
func (j JID) Bare() JID {
	j.resource = ""
	return j
}

// WithResource returns a copy of j with the resource part replaced.
func (j JID) WithResource(resource string) JID {
	j.resource = resource
	return j
}

// String renders local@domain/resource with any empty segment suppressed.
func (j JID) String() string {
	if j.IsEmpty() {
		return ""
	}
	var b strings.Builder
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// Equal reports whether j and other denote the same address. Local and
// domain compare case-insensitively (already folded by Parse/New);
// resource compares verbatim per spec §3.
func (j JID) Equal(other JID) bool {
	return j.local == other.local && j.domain == other.domain && j.resource == other.resource
}
