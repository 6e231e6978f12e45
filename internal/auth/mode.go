package auth

import (
	"context"
	"errors"
)

// ServerMode is the server's authentication requirement: one of no
// authentication (a nil ServerMode), a shared-secret challenge/response,
// or an external bearer validator. The three cases are mutually exclusive
// and fixed at configuration time.
type ServerMode interface {
	// Verify checks a client's reply to the challenge nonce. A nil error
	// authenticates the connection; the returned error message is sent to
	// the peer verbatim.
	Verify(ctx context.Context, nonce, reply string) error
}

type serverHMAC struct {
	auth *Authenticator
}

// ServerHMAC requires clients to answer challenges keyed on secret.
func ServerHMAC(secret string) ServerMode {
	return serverHMAC{auth: NewAuthenticator(secret)}
}

func (s serverHMAC) Verify(_ context.Context, nonce, reply string) error {
	if !s.auth.Validate(nonce, reply) {
		return errors.New("invalid secret")
	}
	return nil
}

type serverBearer struct {
	validator *APIValidator
}

// ServerBearer delegates credential checks to an external validator URL.
func ServerBearer(validationURL string) ServerMode {
	return serverBearer{validator: NewAPIValidator(validationURL)}
}

func (s serverBearer) Verify(ctx context.Context, _ string, reply string) error {
	ctx, cancel := context.WithTimeout(ctx, ValidatorTimeout)
	defer cancel()
	switch s.validator.Validate(ctx, reply) {
	case VerdictValid:
		return nil
	case VerdictInvalid:
		return errors.New("invalid credential")
	default:
		// Fail closed; the client may retry on a new connection.
		return errors.New("validation unavailable")
	}
}

// ClientMode is the client's configured credential: nil for none, or one
// of the two implementations below.
type ClientMode interface {
	// Answer produces the authenticate reply for a challenge nonce.
	Answer(nonce string) (string, error)
}

type clientHMAC struct {
	auth *Authenticator
}

// ClientHMAC answers challenges with an HMAC over the nonce.
func ClientHMAC(secret string) ClientMode {
	return clientHMAC{auth: NewAuthenticator(secret)}
}

func (c clientHMAC) Answer(nonce string) (string, error) {
	return c.auth.Answer(nonce)
}

type clientBearer string

// ClientBearer presents an opaque API key; the nonce is ignored.
func ClientBearer(apiKey string) ClientMode {
	return clientBearer(apiKey)
}

func (c clientBearer) Answer(string) (string, error) {
	return string(c), nil
}
