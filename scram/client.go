package scram

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// State is a SCRAM client or server lifecycle state (spec §3 "SCRAM client
// state").
type State int

const (
	StateInit State = iota
	StateSentFirst
	StateGotChallenge
	StateSentFinal
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSentFirst:
		return "sent-first"
	case StateGotChallenge:
		return "got-challenge"
	case StateSentFinal:
		return "sent-final"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Credential keys passed to CredentialRetriever, per spec §4.3.
const (
	CredSaltedPassword = "salted-password"
	CredSalt           = "salt"
	CredIteration      = "iteration"
	CredPassword       = "password"
)

// CredentialRetriever resolves stored credential material for a username.
// Get returns (value, true) if the key is available, else (nil, false).
// The client consults it in at most two rounds per handshake (spec §5):
// first the cached salted-password/salt/iteration keys, and, on a miss or
// salt/iteration mismatch, then the cleartext password.
type CredentialRetriever interface {
	Get(key string) (value []byte, ok bool)
}

// StaticCredentials is the simplest CredentialRetriever: a cleartext
// password with no cached salted-password.
type StaticCredentials struct {
	Password []byte
}

func (s StaticCredentials) Get(key string) ([]byte, bool) {
	if key == CredPassword {
		return s.Password, true
	}
	return nil, false
}

// nonceEntropyBytes is the 6-byte random seed for the client nonce (spec
// §4.3 edge case policy).
const nonceEntropyBytes = 6

func randomNonce() (string, error) {
	buf := make([]byte, nonceEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("scram: generating nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Client drives the SCRAM client side of one authentication attempt. A
// Client is single-use and is not safe for concurrent use; it is owned by
// exactly one caller (the handshake pipe, per spec §3 invariants).
type Client struct {
	mechanism Mechanism
	username  string
	authzid   string
	creds     CredentialRetriever

	state State
	err   error

	gs2Header       string
	clientFirstBare string
	initialNonce    string
	fullNonce       string
	serverFirst     string
	clientFinalWOP  string
	saltedPassword  []byte
}

// NewClient constructs a Client for the given mechanism, username, and
// credential source. authzid may be empty.
func NewClient(mechanism Mechanism, username, authzid string, creds CredentialRetriever) *Client {
	return &Client{
		mechanism: mechanism,
		username:  username,
		authzid:   authzid,
		creds:     creds,
		state:     StateInit,
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State { return c.state }

// Err returns the error that terminated the exchange, if any.
func (c *Client) Err() error { return c.err }

// FirstMessage returns the client-first message ("gs2-header" +
// client-first-message-bare) and transitions init -> sent-first.
func (c *Client) FirstMessage() (string, error) {
	if c.state != StateInit {
		return "", &ErrInvalidState{State: c.state, Call: "FirstMessage"}
	}
	nonce, err := randomNonce()
	if err != nil {
		c.err = err
		return "", err
	}
	c.initialNonce = nonce
	c.gs2Header = GS2Header(c.authzid)
	c.clientFirstBare = ClientFirstMessageBare(c.username, c.initialNonce)
	c.state = StateSentFirst
	return c.gs2Header + c.clientFirstBare, nil
}

// AcceptChallenge consumes the server-first message, resolves salted
// password material via the CredentialRetriever, and returns the
// client-final message. Transitions sent-first -> got-challenge -> (on
// success) sent-final.
func (c *Client) AcceptChallenge(serverFirst string) (string, error) {
	if c.state != StateSentFirst {
		return "", &ErrInvalidState{State: c.state, Call: "AcceptChallenge"}
	}

	parsed, perr := parseServerFirst(serverFirst)
	if perr != nil {
		err := newAuthErr(CondMalformedRequest, perr.Error())
		c.err = err
		c.state = StateGotChallenge
		return "", err
	}

	if !strings.HasPrefix(parsed.nonce, c.initialNonce) || len(parsed.nonce) <= len(c.initialNonce) {
		err := newAuthErr(CondServerNotAuthorized, "server nonce does not extend client nonce")
		c.err = err
		c.state = StateGotChallenge
		return "", err
	}

	c.fullNonce = parsed.nonce
	c.serverFirst = serverFirst
	c.state = StateGotChallenge

	saltedPassword, err := c.resolveSaltedPassword(parsed.salt, parsed.iterations)
	if err != nil {
		c.err = err
		return "", err
	}
	c.saltedPassword = saltedPassword

	c.clientFinalWOP = ClientFinalMessageWithoutProof(c.gs2Header, c.fullNonce)
	authMessage := AuthMessage(c.clientFirstBare, c.serverFirst, c.clientFinalWOP)

	clientKey := c.mechanism.ClientKey(saltedPassword)
	storedKey := c.mechanism.StoredKey(clientKey)
	clientSignature := c.mechanism.ClientSignature(storedKey, []byte(authMessage))
	proof := XOR(clientKey, clientSignature)

	final := c.clientFinalWOP + ",p=" + base64.StdEncoding.EncodeToString(proof)
	c.state = StateSentFinal
	return final, nil
}

// resolveSaltedPassword implements spec §4.3's credential-retrieval policy:
// prefer a cached (salted-password, salt, iteration) triple that matches
// the server's challenge; otherwise recompute from the cleartext password.
func (c *Client) resolveSaltedPassword(salt []byte, iterations int) ([]byte, error) {
	if sp, ok := c.creds.Get(CredSaltedPassword); ok {
		cachedSalt, hasSalt := c.creds.Get(CredSalt)
		cachedIter, hasIter := c.creds.Get(CredIteration)
		if hasSalt && hasIter && subtle.ConstantTimeCompare(cachedSalt, salt) == 1 && decodeIterations(cachedIter) == iterations {
			return sp, nil
		}
	}
	password, ok := c.creds.Get(CredPassword)
	if !ok {
		return nil, newAuthErr(CondCredentialsNotFound, "no password or matching cached salted-password available")
	}
	sp, err := c.mechanism.SaltedPassword(password, salt, iterations)
	if err != nil {
		return nil, newAuthErr(CondMalformedRequest, err.Error())
	}
	return sp, nil
}

func decodeIterations(b []byte) int {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// AcceptResult consumes the server's final message: either an error
// attribute (surfaced as AuthenticationError) or a verified server
// signature. Transitions sent-final -> done.
func (c *Client) AcceptResult(serverFinal string) error {
	if c.state != StateSentFinal {
		return &ErrInvalidState{State: c.state, Call: "AcceptResult"}
	}

	parsed, perr := parseServerFinal(serverFinal)
	if perr != nil {
		err := newAuthErr(CondMalformedRequest, perr.Error())
		c.err = err
		return err
	}
	if parsed.isError {
		err := newAuthErr(saslFailureCondition(parsed.errText), parsed.errText)
		c.err = err
		return err
	}

	serverKey := c.mechanism.ServerKey(c.saltedPassword)
	authMessage := AuthMessage(c.clientFirstBare, c.serverFirst, c.clientFinalWOP)
	want := c.mechanism.ServerSignature(serverKey, []byte(authMessage))

	if subtle.ConstantTimeCompare(want, parsed.signature) != 1 {
		err := newAuthErr(CondServerNotAuthorized, "server signature mismatch")
		c.err = err
		return err
	}

	c.state = StateDone
	return nil
}
