// Package scram implements the SCRAM family of SASL mechanisms (RFC 5802):
// pure message-framing and key-derivation functions (this file), a client
// state machine (client.go), and a server state machine for test harnesses
// (server.go).
//
// Channel binding is not implemented, per spec §1 NON-GOALS: gs2-header is
// always "n,,"  or "n,a=<authzid>,", never a "y," or "p=" binding flag.
package scram

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Mechanism is a SCRAM descriptor: the underlying hash, an HMAC factory
// over that hash, and the algorithm name used to build the SASL mechanism
// name "SCRAM-"+Name (spec §3).
type Mechanism struct {
	Name    string // e.g. "SHA-1", "SHA-256", "SHA-512"
	newHash func() hash.Hash
}

// SASLName returns the advertised SASL mechanism name, e.g. "SCRAM-SHA-256".
func (m Mechanism) SASLName() string { return "SCRAM-" + m.Name }

// Size returns the hash/HMAC output size in bytes.
func (m Mechanism) Size() int { return m.newHash().Size() }

var (
	// SHA1 is SCRAM-SHA-1.
	SHA1 = Mechanism{Name: "SHA-1", newHash: sha1.New}
	// SHA256 is SCRAM-SHA-256.
	SHA256 = Mechanism{Name: "SHA-256", newHash: sha256.New}
	// SHA512 is SCRAM-SHA-512.
	SHA512 = Mechanism{Name: "SHA-512", newHash: sha512.New}
)

// byName indexes mechanisms by their advertised SASL name, for selecting
// among a server's advertised mechanism list.
var byName = map[string]Mechanism{
	SHA1.SASLName():   SHA1,
	SHA256.SASLName(): SHA256,
	SHA512.SASLName(): SHA512,
}

// Preference is the client's fixed mechanism preference order, strongest
// first. Server advertisement order never drives the choice (spec §9).
var Preference = []Mechanism{SHA512, SHA256, SHA1}

// Select picks the strongest mechanism in Preference that the server also
// advertised. ok is false if none match.
func Select(advertised []string) (Mechanism, bool) {
	offered := make(map[string]bool, len(advertised))
	for _, a := range advertised {
		offered[strings.ToUpper(a)] = true
	}
	for _, m := range Preference {
		if offered[strings.ToUpper(m.SASLName())] {
			return m, true
		}
	}
	return Mechanism{}, false
}

func (m Mechanism) hmac(key, data []byte) []byte {
	mac := hmac.New(m.newHash, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (m Mechanism) hash(data []byte) []byte {
	h := m.newHash()
	h.Write(data)
	return h.Sum(nil)
}

// Hi is the RFC 5802 §2.2 PBKDF2-with-HMAC construction:
// U1 = HMAC(data, salt || INT(1)); Ui = HMAC(data, Ui-1); result = U1 XOR ... XOR Un.
// This module delegates to golang.org/x/crypto/pbkdf2, which implements the
// identical construction; Hi exists to name the RFC term and to centralize
// the iterations<1 validation spec §4.2/§4.3 requires.
func (m Mechanism) Hi(data, salt []byte, iterations int) ([]byte, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("scram: iteration count %d < 1", iterations)
	}
	return pbkdf2.Key(data, salt, iterations, m.Size(), m.newHash), nil
}

// SaltedPassword computes Hi(password, salt, iterations).
func (m Mechanism) SaltedPassword(password, salt []byte, iterations int) ([]byte, error) {
	return m.Hi(password, salt, iterations)
}

// ClientKey computes HMAC(saltedPassword, "Client Key").
func (m Mechanism) ClientKey(saltedPassword []byte) []byte {
	return m.hmac(saltedPassword, []byte("Client Key"))
}

// StoredKey computes HASH(clientKey).
func (m Mechanism) StoredKey(clientKey []byte) []byte {
	return m.hash(clientKey)
}

// ServerKey computes HMAC(saltedPassword, "Server Key").
func (m Mechanism) ServerKey(saltedPassword []byte) []byte {
	return m.hmac(saltedPassword, []byte("Server Key"))
}

// ClientSignature computes HMAC(storedKey, authMessage).
func (m Mechanism) ClientSignature(storedKey, authMessage []byte) []byte {
	return m.hmac(storedKey, authMessage)
}

// ServerSignature computes HMAC(serverKey, authMessage).
func (m Mechanism) ServerSignature(serverKey, authMessage []byte) []byte {
	return m.hmac(serverKey, authMessage)
}

// XOR returns a XOR b; a and b must be the same length.
func XOR(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// EscapeUsername applies the RFC 5802 §5.1 saslname escaping: '=' -> "=3D",
// ',' -> "=2C".
func EscapeUsername(user string) string {
	r := strings.NewReplacer("=", "=3D", ",", "=2C")
	return r.Replace(user)
}

// UnescapeUsername reverses EscapeUsername.
func UnescapeUsername(escaped string) string {
	r := strings.NewReplacer("=2C", ",", "=3D", "=")
	return r.Replace(escaped)
}

// GS2Header builds the channel-binding-less gs2-header: "n,," with no
// authzid, or "n,a=<authzid>," with one.
func GS2Header(authzid string) string {
	if authzid == "" {
		return "n,,"
	}
	return "n,a=" + authzid + ","
}

// ClientFirstMessageBare builds "n=<escaped-user>,r=<nonce>".
func ClientFirstMessageBare(user, nonce string) string {
	return "n=" + EscapeUsername(user) + ",r=" + nonce
}

// ClientFinalMessageWithoutProof builds "c=<base64(gs2-header)>,r=<full-nonce>".
func ClientFinalMessageWithoutProof(gs2Header, fullNonce string) string {
	return "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + fullNonce
}

// AuthMessage joins the three parts per RFC 5802 §3:
// client-first-message-bare + "," + server-first-message + "," + client-final-message-without-proof.
func AuthMessage(clientFirstBare, serverFirst, clientFinalWithoutProof string) string {
	return clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
}

// attrs parses a comma-separated key=value attribute list per RFC 5802 §5.
// Duplicate keys are malformed. A leading "cbind-flag,authzid," pair (the
// gs2-header embedded in a client-first message) is recognized and
// synthesized into the pseudo-key "gs2-header".
func attrs(msg string) (map[string]string, error) {
	out := make(map[string]string)
	fields := strings.Split(msg, ",")
	i := 0
	// Recognize an embedded gs2-header: starts with "n," "y," or "p=".
	if len(fields) >= 2 && (fields[0] == "n" || fields[0] == "y" || strings.HasPrefix(fields[0], "p=")) {
		header := fields[0] + "," + fields[1] + ","
		if _, dup := out["gs2-header"]; dup {
			return nil, fmt.Errorf("scram: duplicate gs2-header")
		}
		out["gs2-header"] = header
		i = 2
	}
	for ; i < len(fields); i++ {
		f := fields[i]
		if f == "" {
			continue
		}
		eq := strings.IndexByte(f, '=')
		if eq < 0 {
			return nil, fmt.Errorf("scram: malformed attribute %q", f)
		}
		key, val := f[:eq], f[eq+1:]
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("scram: duplicate attribute %q", key)
		}
		out[key] = val
	}
	return out, nil
}

// parsedServerFirst is the parsed form of a server-first-message.
type parsedServerFirst struct {
	nonce      string
	salt       []byte
	iterations int
}

func parseServerFirst(msg string) (parsedServerFirst, error) {
	a, err := attrs(msg)
	if err != nil {
		return parsedServerFirst{}, err
	}
	if _, ok := a["m"]; ok {
		return parsedServerFirst{}, fmt.Errorf("scram: unsupported extension attribute m=")
	}
	nonce, ok := a["r"]
	if !ok || nonce == "" {
		return parsedServerFirst{}, fmt.Errorf("scram: missing nonce")
	}
	saltB64, ok := a["s"]
	if !ok || saltB64 == "" {
		return parsedServerFirst{}, fmt.Errorf("scram: missing or empty salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil || len(salt) == 0 {
		return parsedServerFirst{}, fmt.Errorf("scram: invalid salt encoding")
	}
	iterStr, ok := a["i"]
	if !ok {
		return parsedServerFirst{}, fmt.Errorf("scram: missing iteration count")
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 {
		return parsedServerFirst{}, fmt.Errorf("scram: invalid iteration count %q", iterStr)
	}
	return parsedServerFirst{nonce: nonce, salt: salt, iterations: iterations}, nil
}

// parsedClientFinal is the parsed form of a client-final-message.
type parsedClientFinal struct {
	withoutProof string
	nonce        string
	proof        []byte
}

func parseClientFinal(msg string) (parsedClientFinal, error) {
	lastComma := strings.LastIndexByte(msg, ',')
	if lastComma < 0 {
		return parsedClientFinal{}, fmt.Errorf("scram: malformed client-final-message")
	}
	a, err := attrs(msg)
	if err != nil {
		return parsedClientFinal{}, err
	}
	nonce, ok := a["r"]
	if !ok {
		return parsedClientFinal{}, fmt.Errorf("scram: missing nonce")
	}
	proofB64, ok := a["p"]
	if !ok {
		return parsedClientFinal{}, fmt.Errorf("scram: missing proof")
	}
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return parsedClientFinal{}, fmt.Errorf("scram: invalid proof encoding")
	}
	return parsedClientFinal{
		withoutProof: msg[:lastComma],
		nonce:        nonce,
		proof:        proof,
	}, nil
}

// parsedServerFinal is the parsed form of a server-final-message: either a
// signature or an error attribute, never both.
type parsedServerFinal struct {
	signature []byte
	errText   string
	isError   bool
}

func parseServerFinal(msg string) (parsedServerFinal, error) {
	a, err := attrs(msg)
	if err != nil {
		return parsedServerFinal{}, err
	}
	if e, ok := a["e"]; ok {
		return parsedServerFinal{errText: e, isError: true}, nil
	}
	v, ok := a["v"]
	if !ok {
		return parsedServerFinal{}, fmt.Errorf("scram: malformed server-final-message")
	}
	sig, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return parsedServerFinal{}, fmt.Errorf("scram: invalid signature encoding")
	}
	return parsedServerFinal{signature: sig}, nil
}
