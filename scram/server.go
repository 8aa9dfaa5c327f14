package scram

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// defaultSaltBytes and defaultIterations are used when the server only has
// a cleartext password on file (spec §4.4).
const (
	defaultSaltBytes  = 8
	defaultIterations = 4096
)

// ServerCredentialStore resolves a username's stored credential material
// for the server-side mirror. Real deployments look this up from a user
// database; StaticServerCredentials below is the in-memory form used by
// test harnesses.
type ServerCredentialStore interface {
	// Lookup returns, for a username: a cached salted password (nil if
	// absent), the salt, the iteration count, and whether the user exists
	// at all. If SaltedPassword is nil, Password must be non-empty so the
	// server can derive one (and in turn a fresh salt/iteration pair is
	// generated if Salt/Iterations are zero).
	Lookup(username string) (creds ServerCredentials, found bool)
}

// ServerCredentials is what ServerCredentialStore.Lookup returns for one user.
type ServerCredentials struct {
	SaltedPassword []byte
	Salt           []byte
	Iterations     int
	Password       []byte // used only if SaltedPassword is nil
}

// StaticServerCredentials is a single-user ServerCredentialStore, used by
// test harnesses exercising one SCRAM exchange at a time.
type StaticServerCredentials struct {
	Username string
	Creds    ServerCredentials
}

func (s StaticServerCredentials) Lookup(username string) (ServerCredentials, bool) {
	if username != s.Username {
		return ServerCredentials{}, false
	}
	return s.Creds, true
}

// Server mirrors Client for test harnesses (spec §4.4): it consumes a
// client-first message, emits a challenge, consumes the client-final
// message, and emits a result (success or "e=<condition>" failure).
type Server struct {
	mechanism Mechanism
	store     ServerCredentialStore

	state State
	err   error

	username        string
	gs2Header       string
	clientFirstBare string
	initialNonce    string
	fullNonce       string
	serverFirst     string
	saltedPassword  []byte
}

// NewServer constructs a Server for the given mechanism and credential store.
func NewServer(mechanism Mechanism, store ServerCredentialStore) *Server {
	return &Server{mechanism: mechanism, store: store, state: StateInit}
}

// State returns the server's current lifecycle state.
func (s *Server) State() State { return s.state }

// Err returns the error that terminated the exchange, if any.
func (s *Server) Err() error { return s.err }

// AcceptFirst consumes the client-first message and returns the
// server-first challenge. Transitions init -> sent-first (reusing the
// Client-side state names: "sent-first" here means "server has sent its
// first/only challenge message").
func (s *Server) AcceptFirst(clientFirst string) (string, error) {
	if s.state != StateInit {
		return "", &ErrInvalidState{State: s.state, Call: "AcceptFirst"}
	}

	a, perr := attrs(clientFirst)
	if perr != nil {
		err := newAuthErr(CondMalformedRequest, perr.Error())
		s.err = err
		return "", err
	}
	if _, ok := a["m"]; ok {
		err := newAuthErr(CondMalformedRequest, "unsupported extension attribute m=")
		s.err = err
		return "", err
	}
	header, ok := a["gs2-header"]
	if !ok {
		err := newAuthErr(CondMalformedRequest, "missing gs2-header")
		s.err = err
		return "", err
	}
	userEsc, ok := a["n"]
	if !ok {
		err := newAuthErr(CondMalformedRequest, "missing username")
		s.err = err
		return "", err
	}
	clientNonce, ok := a["r"]
	if !ok || clientNonce == "" {
		err := newAuthErr(CondMalformedRequest, "missing client nonce")
		s.err = err
		return "", err
	}

	s.gs2Header = header
	s.username = UnescapeUsername(userEsc)
	// client-first-message-bare is everything after the gs2-header.
	bareIdx := len(header)
	if bareIdx > len(clientFirst) {
		err := newAuthErr(CondMalformedRequest, "gs2-header longer than message")
		s.err = err
		return "", err
	}
	s.clientFirstBare = clientFirst[bareIdx:]

	creds, found := s.store.Lookup(s.username)
	if !found {
		err := newAuthErr(CondCredentialsNotFound, "unknown user")
		s.err = err
		return "", err
	}

	serverNonce, nerr := randomNonce()
	if nerr != nil {
		s.err = nerr
		return "", nerr
	}
	s.initialNonce = clientNonce
	s.fullNonce = clientNonce + serverNonce

	salt, iterations, sp, derr := s.resolveCredentials(creds)
	if derr != nil {
		s.err = derr
		return "", derr
	}
	s.saltedPassword = sp

	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", s.fullNonce, base64.StdEncoding.EncodeToString(salt), iterations)
	s.state = StateSentFirst
	return s.serverFirst, nil
}

func (s *Server) resolveCredentials(creds ServerCredentials) (salt []byte, iterations int, saltedPassword []byte, err error) {
	if creds.SaltedPassword != nil && creds.Salt != nil && creds.Iterations > 0 {
		return creds.Salt, creds.Iterations, creds.SaltedPassword, nil
	}
	salt = creds.Salt
	if len(salt) == 0 {
		salt = make([]byte, defaultSaltBytes)
		if _, rerr := rand.Read(salt); rerr != nil {
			return nil, 0, nil, rerr
		}
	}
	iterations = creds.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	sp, serr := s.mechanism.SaltedPassword(creds.Password, salt, iterations)
	if serr != nil {
		return nil, 0, nil, newAuthErr(CondMalformedRequest, serr.Error())
	}
	return salt, iterations, sp, nil
}

// AcceptFinal consumes the client-final message, verifies the client
// proof, and returns the server-final message (a verified signature, or
// "e=<condition>" on failure — the error is also returned as a Go error so
// callers can distinguish "send this wire message and then fail" from
// "send this wire message and succeed"). Transitions sent-first -> done.
func (s *Server) AcceptFinal(clientFinal string) (wireMessage string, err error) {
	if s.state != StateSentFirst {
		return "", &ErrInvalidState{State: s.state, Call: "AcceptFinal"}
	}

	parsed, perr := parseClientFinal(clientFinal)
	if perr != nil {
		authErr := newAuthErr(CondMalformedRequest, perr.Error())
		s.err = authErr
		return "e=" + string(authErr.Condition), authErr
	}
	if parsed.nonce != s.fullNonce {
		authErr := newAuthErr(CondServerNotAuthorized, "client echoed wrong nonce")
		s.err = authErr
		return "e=" + string(authErr.Condition), authErr
	}

	authMessage := AuthMessage(s.clientFirstBare, s.serverFirst, parsed.withoutProof)
	clientKey := s.mechanism.ClientKey(s.saltedPassword)
	storedKey := s.mechanism.StoredKey(clientKey)
	clientSignature := s.mechanism.ClientSignature(storedKey, []byte(authMessage))
	recoveredClientKey := XOR(parsed.proof, clientSignature)
	recoveredStoredKey := s.mechanism.StoredKey(recoveredClientKey)

	if !constantTimeEqual(recoveredStoredKey, storedKey) {
		authErr := newAuthErr(CondClientNotAuthorized, "client proof verification failed")
		s.err = authErr
		s.state = StateDone
		return "e=" + string(authErr.Condition), authErr
	}

	serverKey := s.mechanism.ServerKey(s.saltedPassword)
	signature := s.mechanism.ServerSignature(serverKey, []byte(authMessage))
	s.state = StateDone
	return "v=" + base64.StdEncoding.EncodeToString(signature), nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
