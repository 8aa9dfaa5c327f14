package stanza

import "github.com/go-xmppcore/xmppcore/xmlnode"

// FeatureKind is one of the fixed set of stream features spec §3 names.
type FeatureKind int

const (
	FeatureSTARTTLS FeatureKind = iota
	FeatureSASL
	FeatureResourceBinding
	FeatureStreamManagement
	FeatureRosterVersioning
	FeatureStreamCompression
	FeatureResourceBinding2
)

func (k FeatureKind) String() string {
	switch k {
	case FeatureSTARTTLS:
		return "STARTTLS"
	case FeatureSASL:
		return "SASL"
	case FeatureResourceBinding:
		return "RESOURCE_BINDING"
	case FeatureStreamManagement:
		return "STREAM_MANAGEMENT"
	case FeatureRosterVersioning:
		return "ROSTER_VERSIONING"
	case FeatureStreamCompression:
		return "STREAM_COMPRESSION"
	case FeatureResourceBinding2:
		return "RESOURCE_BINDING_2"
	default:
		return "UNKNOWN"
	}
}

// Namespace constants for the wire forms named in spec §6.
const (
	NSStreamFraming = "urn:ietf:params:xml:ns:xmpp-framing"
	NSStream        = "http://etherx.jabber.org/streams"
	NSTLS           = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL          = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind          = "urn:ietf:params:xml:ns:xmpp-bind"
	NSStreamMgmt    = "urn:xmpp:sm:3"
	NSRosterVer     = "urn:xmpp:features:rosterver"
	NSCompression   = "http://jabber.org/features/compress"
	NSBind2         = "urn:xmpp:bind:0"
	NSDiscoInfo     = "http://jabber.org/protocol/disco#info"
	NSDiscoItems    = "http://jabber.org/protocol/disco#items"
	NSVersion       = "jabber:iq:version"
	NSPing          = "urn:xmpp:ping"
	NSRoster        = "jabber:iq:roster"
)

// featureAdvertisements maps each FeatureKind to the (namespace,
// local-name) its <features/> child is advertised under, per spec §3.
var featureAdvertisements = map[FeatureKind]xmlnode.Signature{
	FeatureSTARTTLS:          {Namespace: NSTLS, LocalName: "starttls"},
	FeatureSASL:              {Namespace: NSSASL, LocalName: "mechanisms"},
	FeatureResourceBinding:   {Namespace: NSBind, LocalName: "bind"},
	FeatureStreamManagement:  {Namespace: NSStreamMgmt, LocalName: "sm"},
	FeatureRosterVersioning:  {Namespace: NSRosterVer, LocalName: "ver"},
	FeatureStreamCompression: {Namespace: NSCompression, LocalName: "compression"},
	FeatureResourceBinding2:  {Namespace: NSBind2, LocalName: "bind"},
}

// AdvertisementKey returns the (namespace, local-name) spec §3 names for
// kind, used both to recognize an inbound <features/> child and, in test
// harnesses, to synthesize one.
func AdvertisementKey(kind FeatureKind) xmlnode.Signature {
	return featureAdvertisements[kind]
}

// KindForSignature is the reverse lookup of AdvertisementKey.
func KindForSignature(sig xmlnode.Signature) (FeatureKind, bool) {
	for k, v := range featureAdvertisements {
		if v == sig {
			return k, true
		}
	}
	return 0, false
}

// MandatoryOrder is the handshake's fixed client-driven negotiation
// preference (spec §4.7, §9): STARTTLS before SASL before RESOURCE_BINDING.
// Informational features (STREAM_MANAGEMENT, ROSTER_VERSIONING,
// STREAM_COMPRESSION, RESOURCE_BINDING_2) are never actively negotiated by
// this list; they are marked negotiated on sight (spec §4.7).
var MandatoryOrder = []FeatureKind{FeatureSTARTTLS, FeatureSASL, FeatureResourceBinding}

// InformationalKinds lists the features marked negotiated without action.
var InformationalKinds = []FeatureKind{
	FeatureStreamManagement, FeatureRosterVersioning, FeatureStreamCompression, FeatureResourceBinding2,
}

// AdvertisedFeature is one parsed child of an inbound <features/> element.
type AdvertisedFeature struct {
	Kind          FeatureKind
	Known         bool
	Mandatory     bool
	Informational bool
	Element       *xmlnode.Element
}

// ParseFeatures parses a <features/> element's children into
// AdvertisedFeature values (spec §3, §4.7).
func ParseFeatures(featuresEl *xmlnode.Element) []AdvertisedFeature {
	out := make([]AdvertisedFeature, 0, len(featuresEl.Children))
	for _, child := range featuresEl.Children {
		af := AdvertisedFeature{Element: child}
		if kind, ok := KindForSignature(child.Sig()); ok {
			af.Kind = kind
			af.Known = true
			af.Mandatory = child.Child("", "required") != nil
			af.Informational = isInformational(kind)
		}
		out = append(out, af)
	}
	return out
}

func isInformational(kind FeatureKind) bool {
	for _, k := range InformationalKinds {
		if k == kind {
			return true
		}
	}
	return false
}
