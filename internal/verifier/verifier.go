// Package verifier isolates the cryptographic verification of
// authenticator responses behind a small port. Callers treat it as an
// opaque oracle: options out, byte-level verdicts in. Failures are
// classified by sentinel error, never by matching message text.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidResponse marks a response that could not be parsed as
	// an authenticator message at all.
	ErrInvalidResponse = errors.New("malformed authenticator response")

	// ErrVerificationFailed marks a well-formed response that failed
	// cryptographic or policy checks.
	ErrVerificationFailed = errors.New("verification failed")
)

// Subject is the relying-party view of a user handed to the oracle.
type Subject struct {
	ID          []byte
	Name        string
	DisplayName string
	// Credentials are the subject's enrolled keys, used for exclusion
	// lists at registration and allow lists at authentication.
	Credentials []StoredCredential
}

// StoredCredential is the persisted material the oracle needs to check
// an assertion.
type StoredCredential struct {
	ID              []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
}

// Options is one generated option set. Public goes to the client
// verbatim; Session holds the expectations the finish step must be
// given; Challenge is the nonce embedded in both.
type Options struct {
	Public    json.RawMessage
	Challenge string
	Session   []byte
}

// RegisteredCredential is the oracle's verdict on a successful
// registration.
type RegisteredCredential struct {
	ID              []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
}

// AssertionResult is the oracle's verdict on a successful
// authentication.
type AssertionResult struct {
	CredentialID []byte
	UserHandle   []byte
	NewSignCount uint32
	CloneWarning bool
}

// ResponseChallenge extracts the challenge echoed inside a finish
// response without verifying anything else about it.
type ResponseChallenge interface {
	RegistrationChallenge(response []byte) (string, []byte, error)
	AuthenticationChallenge(response []byte) (string, []byte, []byte, error)
}

type Verifier interface {
	ResponseChallenge

	// BeginRegistration generates creation options for the subject,
	// excluding its already-enrolled credentials.
	BeginRegistration(ctx context.Context, subject *Subject) (*Options, error)

	// FinishRegistration verifies a creation response against the
	// stored session expectations.
	FinishRegistration(ctx context.Context, subject *Subject, session, response []byte) (*RegisteredCredential, error)

	// BeginAuthentication generates request options. A nil subject, or
	// one with no credentials, yields a discoverable (userless) set.
	BeginAuthentication(ctx context.Context, subject *Subject) (*Options, error)

	// FinishAuthentication verifies an assertion response using the
	// subject's stored credential material.
	FinishAuthentication(ctx context.Context, subject *Subject, session, response []byte) (*AssertionResult, error)
}
