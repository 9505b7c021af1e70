package verifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"passkey-service/internal/config"
	"passkey-service/internal/util"
)

// WebAuthnVerifier implements Verifier on top of go-webauthn. Session
// expectations are serialized to JSON so they can live in the
// challenge store between begin and finish.
type WebAuthnVerifier struct {
	web *webauthn.WebAuthn
	cfg *config.RelyingPartyConfig
}

func NewWebAuthnVerifier(cfg *config.Config) (*WebAuthnVerifier, error) {
	rp := cfg.RelyingParty

	web, err := webauthn.New(&webauthn.Config{
		RPID:          rp.ID,
		RPDisplayName: rp.DisplayName,
		RPOrigins:     rp.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}

	util.Info("WebAuthn verifier initialized",
		zap.String("rp_id", rp.ID),
		zap.Strings("origins", rp.Origins))

	return &WebAuthnVerifier{web: web, cfg: &rp}, nil
}

// relyingUser adapts a Subject to the library's user interface.
type relyingUser struct {
	subject *Subject
}

func (u *relyingUser) WebAuthnID() []byte          { return u.subject.ID }
func (u *relyingUser) WebAuthnName() string        { return u.subject.Name }
func (u *relyingUser) WebAuthnDisplayName() string { return u.subject.DisplayName }

func (u *relyingUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.subject.Credentials))
	for _, c := range u.subject.Credentials {
		creds = append(creds, toLibraryCredential(c))
	}
	return creds
}

func toLibraryCredential(c StoredCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

func (v *WebAuthnVerifier) BeginRegistration(ctx context.Context, subject *Subject) (*Options, error) {
	user := &relyingUser{subject: subject}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(subject.Credentials))
	for _, c := range subject.Credentials {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		})
	}

	var creation *protocol.CredentialCreation
	var session *webauthn.SessionData
	err := v.withTimeout(ctx, func() error {
		var err error
		creation, session, err = v.web.BeginRegistration(user,
			webauthn.WithExclusions(exclusions),
			webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
			webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
				ResidentKey:      protocol.ResidentKeyRequirementRequired,
				UserVerification: protocol.VerificationRequired,
			}),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration options: %w", err)
	}

	return v.packOptions(creation, session)
}

func (v *WebAuthnVerifier) FinishRegistration(ctx context.Context, subject *Subject, session, response []byte) (*RegisteredCredential, error) {
	sessionData, err := unpackSession(session)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	user := &relyingUser{subject: subject}

	var cred *webauthn.Credential
	err = v.withTimeout(ctx, func() error {
		var err error
		cred, err = v.web.CreateCredential(user, *sessionData, parsed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}

	return &RegisteredCredential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      transports,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

func (v *WebAuthnVerifier) BeginAuthentication(ctx context.Context, subject *Subject) (*Options, error) {
	var assertion *protocol.CredentialAssertion
	var session *webauthn.SessionData

	err := v.withTimeout(ctx, func() error {
		var err error
		if subject == nil || len(subject.Credentials) == 0 {
			assertion, session, err = v.web.BeginDiscoverableLogin(
				webauthn.WithUserVerification(protocol.VerificationRequired),
			)
			return err
		}
		assertion, session, err = v.web.BeginLogin(&relyingUser{subject: subject},
			webauthn.WithUserVerification(protocol.VerificationRequired),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate authentication options: %w", err)
	}

	return v.packOptions(assertion, session)
}

func (v *WebAuthnVerifier) FinishAuthentication(ctx context.Context, subject *Subject, session, response []byte) (*AssertionResult, error) {
	sessionData, err := unpackSession(session)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	user := &relyingUser{subject: subject}

	var cred *webauthn.Credential
	err = v.withTimeout(ctx, func() error {
		var err error
		if len(sessionData.UserID) == 0 {
			// Discoverable session: the authenticator names the user
			cred, err = v.web.ValidateDiscoverableLogin(
				func(rawID, userHandle []byte) (webauthn.User, error) {
					return user, nil
				},
				*sessionData, parsed)
			return err
		}
		cred, err = v.web.ValidateLogin(user, *sessionData, parsed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	return &AssertionResult{
		CredentialID: cred.ID,
		UserHandle:   parsed.Response.UserHandle,
		NewSignCount: cred.Authenticator.SignCount,
		CloneWarning: cred.Authenticator.CloneWarning,
	}, nil
}

func (v *WebAuthnVerifier) RegistrationChallenge(response []byte) (string, []byte, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return parsed.Response.CollectedClientData.Challenge, parsed.RawID, nil
}

func (v *WebAuthnVerifier) AuthenticationChallenge(response []byte) (string, []byte, []byte, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return parsed.Response.CollectedClientData.Challenge, parsed.RawID, parsed.Response.UserHandle, nil
}

func (v *WebAuthnVerifier) packOptions(public interface{}, session *webauthn.SessionData) (*Options, error) {
	publicJSON, err := json.Marshal(public)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return &Options{
		Public:    publicJSON,
		Challenge: session.Challenge,
		Session:   sessionJSON,
	}, nil
}

func unpackSession(blob []byte) (*webauthn.SessionData, error) {
	session := &webauthn.SessionData{}
	if err := json.Unmarshal(blob, session); err != nil {
		return nil, fmt.Errorf("%w: bad session blob: %v", ErrInvalidResponse, err)
	}
	return session, nil
}

// withTimeout bounds a verifier call so a stalled verification cannot
// hang the ceremony.
func (v *WebAuthnVerifier) withTimeout(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.VerifyTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
