package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"passkey-service/internal/credential"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

type BeginRegistrationInput struct {
	Handle      string
	DisplayName string
	Email       string
	ClientIP    string
}

// StartedCeremony is returned from both begin operations. Options is
// the verifier's public option set, forwarded to the client verbatim.
type StartedCeremony struct {
	ChallengeID string          `json:"challenge_id"`
	UserID      string          `json:"user_id,omitempty"`
	Options     json.RawMessage `json:"options"`
}

type FinishRegistrationInput struct {
	Handle   string
	Response []byte
	ClientIP string
}

type RegistrationOutcome struct {
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id"`
}

// BeginRegistration resolves or creates the account behind the handle
// and issues creation options excluding its enrolled credentials.
func (o *Orchestrator) BeginRegistration(ctx context.Context, input BeginRegistrationInput) (*StartedCeremony, error) {
	if input.Handle == "" {
		return nil, fmt.Errorf("%w: handle is required", ErrInvalidInput)
	}
	if err := o.allowStart(ctx, input.ClientIP, input.Handle, models.CeremonyRegistration); err != nil {
		return nil, err
	}

	user, err := o.identities.ResolveOrCreate(ctx, input.Handle, input.DisplayName, input.Email)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidHandle):
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		case errors.Is(err, identity.ErrEmailTaken), errors.Is(err, models.ErrUserAlreadyExists):
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		default:
			util.Error("Failed to resolve registration subject", zap.Error(err))
			return nil, fmt.Errorf("%w: could not resolve account", ErrInternal)
		}
	}
	if user.IsBlocked {
		return nil, fmt.Errorf("%w: account is blocked", ErrConflict)
	}

	enrolled, err := o.creds.GetCredentialsByUserID(ctx, user.UserID)
	if err != nil {
		util.Error("Failed to load enrolled credentials",
			zap.String("user_id", user.UserID), zap.Error(err))
		return nil, fmt.Errorf("%w: could not load credentials", ErrInternal)
	}

	opts, err := o.verifier.BeginRegistration(ctx, subjectFor(user, enrolled))
	if err != nil {
		util.Error("Failed to generate creation options",
			zap.String("user_id", user.UserID), zap.Error(err))
		return nil, fmt.Errorf("%w: could not generate options", ErrInternal)
	}

	if _, err := o.saveChallenge(ctx, models.CeremonyRegistration, user.UserID, opts); err != nil {
		return nil, err
	}

	o.emit(ctx, &models.SecurityEvent{
		UserID:       user.UserID,
		EventType:    models.EventRegistrationStarted,
		CeremonyType: string(models.CeremonyRegistration),
		IPAddress:    net.ParseIP(input.ClientIP),
		Severity:     models.SeverityLow,
	})

	util.Info("Registration ceremony started",
		zap.String("user_id", user.UserID),
		zap.Int("exclusions", len(enrolled)))

	return &StartedCeremony{
		ChallengeID: opts.Challenge,
		UserID:      user.UserID,
		Options:     opts.Public,
	}, nil
}

// FinishRegistration verifies a creation response, consumes its
// challenge exactly once and enrolls the new credential under its
// canonical identifier.
func (o *Orchestrator) FinishRegistration(ctx context.Context, input FinishRegistrationInput) (*RegistrationOutcome, error) {
	user, err := o.identities.Resolve(ctx, input.Handle)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidHandle) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: no pending registration", ErrChallengeInvalid)
		}
		return nil, fmt.Errorf("%w: could not resolve account", ErrInternal)
	}

	challengeID, _, err := o.verifier.RegistrationChallenge(input.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ch, err := o.lookupChallenge(ctx, models.CeremonyRegistration, challengeID, user.UserID)
	if err != nil {
		o.failRegistration(ctx, user, input.ClientIP, "no pending challenge")
		return nil, fmt.Errorf("%w: no pending registration", ErrChallengeInvalid)
	}
	if ch.Type != models.CeremonyRegistration || ch.OwnerID != user.UserID {
		o.failRegistration(ctx, user, input.ClientIP, "challenge does not match subject")
		return nil, fmt.Errorf("%w: challenge does not match subject", ErrChallengeInvalid)
	}
	if !ch.Usable(o.clock()) {
		if ch.Consumed {
			o.emit(ctx, &models.SecurityEvent{
				UserID:       user.UserID,
				EventType:    models.EventChallengeReplayed,
				CeremonyType: string(models.CeremonyRegistration),
				IPAddress:    net.ParseIP(input.ClientIP),
				Severity:     models.SeverityHigh,
				Details:      "finish attempted against a consumed challenge",
			})
		}
		return nil, fmt.Errorf("%w: challenge expired or already used", ErrChallengeInvalid)
	}

	registered, err := o.verifier.FinishRegistration(ctx, subjectFor(user, nil), ch.SessionBlob, input.Response)
	if err != nil {
		o.failRegistration(ctx, user, input.ClientIP, "attestation verification failed")
		return nil, classifyVerifierError(err)
	}

	won, err := o.challenges.Consume(ctx, ch.ChallengeID)
	if err != nil {
		util.Error("Failed to consume challenge",
			zap.String("challenge_id", ch.ChallengeID), zap.Error(err))
		return nil, fmt.Errorf("%w: could not consume challenge", ErrInternal)
	}
	if !won {
		o.emit(ctx, &models.SecurityEvent{
			UserID:       user.UserID,
			EventType:    models.EventChallengeReplayed,
			CeremonyType: string(models.CeremonyRegistration),
			IPAddress:    net.ParseIP(input.ClientIP),
			Severity:     models.SeverityHigh,
			Details:      "lost the consume race",
		})
		return nil, fmt.Errorf("%w: challenge already used", ErrChallengeInvalid)
	}

	credentialID := credential.Canonicalize(base64.RawURLEncoding.EncodeToString(registered.ID))

	if _, err := o.creds.GetCredentialByID(ctx, credentialID); err == nil {
		o.failRegistration(ctx, user, input.ClientIP, "credential already enrolled")
		return nil, fmt.Errorf("%w: credential already enrolled", ErrConflict)
	} else if !errors.Is(err, models.ErrCredentialNotFound) {
		return nil, fmt.Errorf("%w: could not check credential", ErrInternal)
	}

	now := o.clock().UTC()
	cred := &models.Credential{
		CredentialID:    credentialID,
		UserID:          user.UserID,
		PublicKey:       registered.PublicKey,
		AttestationType: registered.AttestationType,
		Transports:      registered.Transports,
		AAGUID:          registered.AAGUID,
		SignCount:       registered.SignCount,
		BackupEligible:  registered.BackupEligible,
		BackupState:     registered.BackupState,
		CreatedAt:       now,
	}
	if err := o.creds.CreateCredential(ctx, cred); err != nil {
		util.Error("Failed to persist credential",
			zap.String("user_id", user.UserID), zap.Error(err))
		return nil, fmt.Errorf("%w: could not persist credential", ErrInternal)
	}

	if err := o.users.UpdateCredentialCount(ctx, user.UserID, 1); err != nil {
		util.Warn("Failed to bump credential count",
			zap.String("user_id", user.UserID), zap.Error(err))
	}

	o.emit(ctx, &models.SecurityEvent{
		UserID:       user.UserID,
		EventType:    models.EventRegistrationFinished,
		CeremonyType: string(models.CeremonyRegistration),
		CredentialID: credentialID,
		IPAddress:    net.ParseIP(input.ClientIP),
		Severity:     models.SeverityLow,
	})

	util.Info("Credential enrolled",
		zap.String("user_id", user.UserID),
		zap.String("credential_id", credentialID))

	return &RegistrationOutcome{UserID: user.UserID, CredentialID: credentialID}, nil
}

func (o *Orchestrator) failRegistration(ctx context.Context, user *models.User, clientIP, details string) {
	o.emit(ctx, &models.SecurityEvent{
		UserID:       user.UserID,
		EventType:    models.EventRegistrationFailed,
		CeremonyType: string(models.CeremonyRegistration),
		IPAddress:    net.ParseIP(clientIP),
		Severity:     models.SeverityMedium,
		Details:      details,
	})
}
