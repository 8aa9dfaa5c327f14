package scram

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRFC5802AppendixB reproduces the worked example from RFC 5802 Appendix
// B and spec §8 scenario 1: user "user", password "pencil", client nonce
// seed "fyko+d2lbbFgONRv9qkxdawL", server nonce seed
// "3rfcNHYJY1ZVvWVs7j". This is also the golden cross-check against
// lib-pq's scram.go and Takhin's scram.go, both in other_examples/.
//
// firstMessageWithNonce (below) pins the client nonce to the RFC seed
// instead of drawing from crypto/rand, so the whole exchange reproduces
// the RFC's literal wire bytes.
func TestRFC5802AppendixB(t *testing.T) {
	clientNonceSeed := "fyko+d2lbbFgONRv9qkxdawL"
	serverNonceSeed := "3rfcNHYJY1ZVvWVs7j"

	creds := StaticCredentials{Password: []byte("pencil")}
	client := NewClient(SHA1, "user", "", creds)

	first, err := client.firstMessageWithNonce(clientNonceSeed)
	require.NoError(t, err)
	require.Equal(t, "n,,n=user,r="+clientNonceSeed, first)

	salt := "QSXCR+Q6sek8bf92"
	serverFirst := "r=" + clientNonceSeed + serverNonceSeed + ",s=" + salt + ",i=4096"

	final, err := client.AcceptChallenge(serverFirst)
	require.NoError(t, err)

	wantWithoutProof := "c=biws,r=" + clientNonceSeed + serverNonceSeed
	require.Contains(t, final, wantWithoutProof)

	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	require.NoError(t, err)
	sp, err := SHA1.SaltedPassword([]byte("pencil"), saltBytes, 4096)
	require.NoError(t, err)
	authMessage := AuthMessage("n=user,r="+clientNonceSeed, serverFirst, wantWithoutProof)
	serverKey := SHA1.ServerKey(sp)
	wantSig := SHA1.ServerSignature(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(wantSig)

	err = client.AcceptResult(serverFinal)
	require.NoError(t, err)
	require.Equal(t, StateDone, client.State())
	require.Nil(t, client.Err())
}

// firstMessageWithNonce is a test-only seam letting the RFC vector test
// pin the initial nonce exactly, instead of depending on crypto/rand's
// exact byte-to-base64 framing.
func (c *Client) firstMessageWithNonce(nonce string) (string, error) {
	if c.state != StateInit {
		return "", &ErrInvalidState{State: c.state, Call: "FirstMessage"}
	}
	c.initialNonce = nonce
	c.gs2Header = GS2Header(c.authzid)
	c.clientFirstBare = ClientFirstMessageBare(c.username, c.initialNonce)
	c.state = StateSentFirst
	return c.gs2Header + c.clientFirstBare, nil
}

func TestClientServerRoundTrip(t *testing.T) {
	for _, m := range []Mechanism{SHA1, SHA256, SHA512} {
		m := m
		t.Run(m.SASLName(), func(t *testing.T) {
			password := []byte("correct horse battery staple")
			server := NewServer(m, StaticServerCredentials{
				Username: "alice",
				Creds:    ServerCredentials{Password: password},
			})
			client := NewClient(m, "alice", "", StaticCredentials{Password: password})

			first, err := client.FirstMessage()
			require.NoError(t, err)

			challenge, err := server.AcceptFirst(first)
			require.NoError(t, err)

			final, err := client.AcceptChallenge(challenge)
			require.NoError(t, err)

			result, err := server.AcceptFinal(final)
			require.NoError(t, err)

			err = client.AcceptResult(result)
			require.NoError(t, err)

			require.Equal(t, StateDone, client.State())
			require.Equal(t, StateDone, server.State())
		})
	}
}

func TestClientRejectsServerProofMismatch(t *testing.T) {
	client := NewClient(SHA1, "alice", "", StaticCredentials{Password: []byte("secret")})
	_, err := client.FirstMessage()
	require.NoError(t, err)

	salt := base64.StdEncoding.EncodeToString([]byte("somesalt"))
	serverFirst := "r=" + client.initialNonce + "SERVERPART,s=" + salt + ",i=4096"
	_, err = client.AcceptChallenge(serverFirst)
	require.NoError(t, err)

	err = client.AcceptResult("v=" + base64.StdEncoding.EncodeToString([]byte("wrong-signature-bytes")))
	require.Error(t, err)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, CondServerNotAuthorized, authErr.Condition)
}

func TestClientRejectsBadServerNonce(t *testing.T) {
	client := NewClient(SHA1, "alice", "", StaticCredentials{Password: []byte("secret")})
	_, err := client.FirstMessage()
	require.NoError(t, err)

	salt := base64.StdEncoding.EncodeToString([]byte("somesalt"))
	serverFirst := "r=totally-different-nonce,s=" + salt + ",i=4096"
	_, err = client.AcceptChallenge(serverFirst)
	require.Error(t, err)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, CondServerNotAuthorized, authErr.Condition)
}

func TestClientRejectsMalformedChallenge(t *testing.T) {
	cases := []string{
		"r=,s=c2FsdA==,i=4096",                    // empty nonce
		"r=nonce,s=,i=4096",                        // empty salt
		"r=nonce,s=c2FsdA==,i=0",                    // iterations < 1
		"r=nonce,s=c2FsdA==,i=4096,m=ext",           // unsupported extension
		"r=nonce,s=not-base64!!,i=4096",             // bad salt encoding
	}
	for _, tc := range cases {
		client := NewClient(SHA1, "alice", "", StaticCredentials{Password: []byte("secret")})
		_, err := client.FirstMessage()
		require.NoError(t, err)
		client.initialNonce = "nonce"
		_, err = client.AcceptChallenge(tc)
		require.Error(t, err, "case %q should fail", tc)
	}
}

func TestClientOutOfOrderCalls(t *testing.T) {
	client := NewClient(SHA1, "alice", "", StaticCredentials{Password: []byte("secret")})
	_, err := client.AcceptChallenge("r=x,s=c2FsdA==,i=1")
	require.Error(t, err)
	var invalidState *ErrInvalidState
	require.ErrorAs(t, err, &invalidState)
}

func TestCachedSaltedPasswordAvoidsPasswordLookup(t *testing.T) {
	salt, _ := SHA1.SaltedPassword([]byte("secret"), []byte("fixedsalt"), 4096)
	creds := &trackingCreds{
		values: map[string][]byte{
			CredSaltedPassword: salt,
			CredSalt:           []byte("fixedsalt"),
			CredIteration:      []byte("4096"),
		},
	}
	client := NewClient(SHA1, "alice", "", creds)
	server := NewServer(SHA1, StaticServerCredentials{
		Username: "alice",
		Creds: ServerCredentials{
			SaltedPassword: salt,
			Salt:           []byte("fixedsalt"),
			Iterations:     4096,
		},
	})

	first, err := client.FirstMessage()
	require.NoError(t, err)
	challenge, err := server.AcceptFirst(first)
	require.NoError(t, err)
	_, err = client.AcceptChallenge(challenge)
	require.NoError(t, err)

	require.False(t, creds.passwordRequested, "client must not call the retriever for password when cache matches")
}

type trackingCreds struct {
	values            map[string][]byte
	passwordRequested bool
}

func (t *trackingCreds) Get(key string) ([]byte, bool) {
	if key == CredPassword {
		t.passwordRequested = true
	}
	v, ok := t.values[key]
	return v, ok
}
