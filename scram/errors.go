package scram

import "fmt"

// AuthCondition is one of the closed set of SASL failure conditions named
// in spec §7.
type AuthCondition string

const (
	CondAborted               AuthCondition = "aborted"
	CondClientNotAuthorized   AuthCondition = "client-not-authorized"
	CondServerNotAuthorized   AuthCondition = "server-not-authorized"
	CondCredentialsNotFound   AuthCondition = "credentials-not-found"
	CondCredentialsExpired    AuthCondition = "credentials-expired"
	CondMalformedRequest      AuthCondition = "malformed-request"
	CondInvalidMechanism      AuthCondition = "invalid-mechanism"
	CondMechanismTooWeak      AuthCondition = "mechanism-too-weak"
	CondEncryptionRequired    AuthCondition = "encryption-required"
	CondTemporaryFailure      AuthCondition = "temporary-failure"
	CondAccountDisabled       AuthCondition = "account-disabled"
	CondInvalidAuthzid        AuthCondition = "invalid-authzid"
	CondIncorrectEncoding     AuthCondition = "incorrect-encoding"
)

// AuthenticationError is the scram package's sole error type: fatal for the
// handshake that produced it (spec §7).
type AuthenticationError struct {
	Condition AuthCondition
	Text      string
}

func (e *AuthenticationError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("scram: authentication failed: %s", e.Condition)
	}
	return fmt.Sprintf("scram: authentication failed: %s: %s", e.Condition, e.Text)
}

func newAuthErr(cond AuthCondition, text string) *AuthenticationError {
	return &AuthenticationError{Condition: cond, Text: text}
}

// saslFailureCondition maps a server failure condition name (as it would
// appear in a <failure><condition/></failure> element, spec §6) to the
// closed AuthCondition set. Unrecognized names fall back to
// CondTemporaryFailure, treated as non-retryable for the handshake same as
// any other authentication failure (spec §4.7: "SASL failure aborts
// immediately").
func saslFailureCondition(name string) AuthCondition {
	switch AuthCondition(name) {
	case CondAborted, CondClientNotAuthorized, CondServerNotAuthorized,
		CondCredentialsNotFound, CondCredentialsExpired, CondMalformedRequest,
		CondInvalidMechanism, CondMechanismTooWeak, CondEncryptionRequired,
		CondTemporaryFailure, CondAccountDisabled, CondInvalidAuthzid,
		CondIncorrectEncoding:
		return AuthCondition(name)
	default:
		return CondTemporaryFailure
	}
}

// ErrInvalidState is returned when a Client or Server method is called out
// of turn (spec §4.3: "Any out-of-order call fails with InvalidState").
type ErrInvalidState struct {
	State State
	Call  string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("scram: invalid call %s in state %s", e.Call, e.State)
}
