package ceremony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"passkey-service/internal/credential"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
	"passkey-service/internal/verifier"
)

type BeginLoginInput struct {
	// Handle is optional. When empty, or when it does not resolve, the
	// ceremony falls back to discoverable (userless) options so callers
	// cannot probe for account existence.
	Handle   string
	ClientIP string
}

type FinishLoginInput struct {
	Response []byte
	ClientIP string
}

type LoginOutcome struct {
	UserID       string `json:"user_id"`
	CredentialID string `json:"credential_id"`
	SignCount    uint32 `json:"sign_count"`
}

// BeginLogin issues assertion options. A resolvable handle with
// enrolled credentials gets a scoped allow list; everything else gets
// discoverable options. A handle with an account but no credentials
// fails fast without persisting a challenge.
func (o *Orchestrator) BeginLogin(ctx context.Context, input BeginLoginInput) (*StartedCeremony, error) {
	if err := o.allowStart(ctx, input.ClientIP, input.Handle, models.CeremonyAuthentication); err != nil {
		return nil, err
	}

	var user *models.User
	var enrolled []*models.Credential

	if input.Handle != "" {
		resolved, err := o.identities.Resolve(ctx, input.Handle)
		switch {
		case err == nil:
			user = resolved
		case errors.Is(err, identity.ErrInvalidHandle):
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		case errors.Is(err, models.ErrUserNotFound):
			// Unknown handle: fall through to discoverable options
		default:
			util.Error("Failed to resolve login subject", zap.Error(err))
			return nil, fmt.Errorf("%w: could not resolve account", ErrInternal)
		}
	}

	if user != nil {
		creds, err := o.creds.GetCredentialsByUserID(ctx, user.UserID)
		if err != nil {
			util.Error("Failed to load credentials",
				zap.String("user_id", user.UserID), zap.Error(err))
			return nil, fmt.Errorf("%w: could not load credentials", ErrInternal)
		}
		if len(creds) == 0 {
			o.emit(ctx, &models.SecurityEvent{
				UserID:       user.UserID,
				EventType:    models.EventLoginFailed,
				CeremonyType: string(models.CeremonyAuthentication),
				IPAddress:    net.ParseIP(input.ClientIP),
				Severity:     models.SeverityLow,
				Details:      "no credentials enrolled",
			})
			return nil, fmt.Errorf("%w: use the fallback flow", ErrNoCredentialsEnrolled)
		}
		enrolled = creds
	}

	var opts *verifier.Options
	var err error
	if user != nil {
		opts, err = o.verifier.BeginAuthentication(ctx, subjectFor(user, enrolled))
		if err != nil {
			util.Warn("Scoped options failed, falling back to discoverable",
				zap.String("user_id", user.UserID), zap.Error(err))
			user = nil
		}
	}
	if user == nil && opts == nil {
		opts, err = o.verifier.BeginAuthentication(ctx, nil)
		if err != nil {
			util.Error("Failed to generate assertion options", zap.Error(err))
			return nil, fmt.Errorf("%w: could not generate options", ErrInternal)
		}
	}

	ownerID := ""
	if user != nil {
		ownerID = user.UserID
	}
	if _, err := o.saveChallenge(ctx, models.CeremonyAuthentication, ownerID, opts); err != nil {
		return nil, err
	}

	o.emit(ctx, &models.SecurityEvent{
		UserID:       ownerID,
		EventType:    models.EventLoginStarted,
		CeremonyType: string(models.CeremonyAuthentication),
		IPAddress:    net.ParseIP(input.ClientIP),
		Severity:     models.SeverityLow,
	})

	return &StartedCeremony{
		ChallengeID: opts.Challenge,
		UserID:      ownerID,
		Options:     opts.Public,
	}, nil
}

// FinishLogin verifies an assertion, enforces counter monotonicity,
// consumes the challenge and commits the new counter with a
// compare-and-set so a concurrent stale writer loses.
func (o *Orchestrator) FinishLogin(ctx context.Context, input FinishLoginInput) (*LoginOutcome, error) {
	challengeID, rawID, userHandle, err := o.verifier.AuthenticationChallenge(input.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	lookupID := base64.RawURLEncoding.EncodeToString(rawID)

	var user *models.User
	if len(userHandle) > 0 {
		user, err = o.users.GetUserByID(ctx, string(userHandle))
		if err != nil && !errors.Is(err, models.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: could not resolve account", ErrInternal)
		}
	}

	var cred *models.Credential
	if user != nil {
		cred, err = o.resolver.ResolveForUser(ctx, lookupID, user.UserID)
	} else {
		cred, err = o.resolver.Resolve(ctx, lookupID)
	}
	if err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) {
			o.failLogin(ctx, user, "", input.ClientIP, "unknown credential")
			return nil, fmt.Errorf("%w: unknown credential", ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("%w: could not resolve credential", ErrInternal)
	}

	if user == nil {
		user, err = o.users.GetUserByID(ctx, cred.UserID)
		if err != nil {
			util.Error("Credential points at missing user",
				zap.String("credential_id", cred.CredentialID),
				zap.String("user_id", cred.UserID), zap.Error(err))
			return nil, fmt.Errorf("%w: could not resolve account", ErrInternal)
		}
	}
	if user.IsBlocked {
		o.failLogin(ctx, user, cred.CredentialID, input.ClientIP, "account is blocked")
		return nil, fmt.Errorf("%w: account is blocked", ErrVerificationFailed)
	}

	ch, err := o.lookupChallenge(ctx, models.CeremonyAuthentication, challengeID, user.UserID)
	if err != nil {
		o.failLogin(ctx, user, cred.CredentialID, input.ClientIP, "no pending challenge")
		return nil, fmt.Errorf("%w: no pending login", ErrChallengeInvalid)
	}
	if ch.Type != models.CeremonyAuthentication || (ch.OwnerID != "" && ch.OwnerID != user.UserID) {
		o.failLogin(ctx, user, cred.CredentialID, input.ClientIP, "challenge does not match subject")
		return nil, fmt.Errorf("%w: challenge does not match subject", ErrChallengeInvalid)
	}
	if !ch.Usable(o.clock()) {
		if ch.Consumed {
			o.emit(ctx, &models.SecurityEvent{
				UserID:       user.UserID,
				EventType:    models.EventChallengeReplayed,
				CeremonyType: string(models.CeremonyAuthentication),
				CredentialID: cred.CredentialID,
				IPAddress:    net.ParseIP(input.ClientIP),
				Severity:     models.SeverityHigh,
				Details:      "finish attempted against a consumed challenge",
			})
		}
		return nil, fmt.Errorf("%w: challenge expired or already used", ErrChallengeInvalid)
	}

	result, err := o.verifier.FinishAuthentication(ctx, subjectFor(user, []*models.Credential{cred}), ch.SessionBlob, input.Response)
	if err != nil {
		o.recordLoginFailure(ctx, user, cred.CredentialID, input.ClientIP, "assertion verification failed")
		return nil, classifyVerifierError(err)
	}

	stored := cred.SignCount
	next := result.NewSignCount
	if result.CloneWarning || ((stored != 0 || next != 0) && next <= stored) {
		o.emit(ctx, &models.SecurityEvent{
			UserID:       user.UserID,
			EventType:    models.EventCounterRegression,
			CeremonyType: string(models.CeremonyAuthentication),
			CredentialID: cred.CredentialID,
			IPAddress:    net.ParseIP(input.ClientIP),
			Severity:     models.SeverityHigh,
			Details:      fmt.Sprintf("stored=%d reported=%d", stored, next),
		})
		o.recordLoginFailure(ctx, user, cred.CredentialID, input.ClientIP, "sign counter regression")
		return nil, fmt.Errorf("%w: possible cloned authenticator", ErrVerificationFailed)
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
			CeremonyType: string(models.CeremonyAuthentication),
			CredentialID: cred.CredentialID,
			IPAddress:    net.ParseIP(input.ClientIP),
			Severity:     models.SeverityHigh,
			Details:      "lost the consume race",
		})
		return nil, fmt.Errorf("%w: challenge already used", ErrChallengeInvalid)
	}

	// The background ID migration may have re-keyed the row since the
	// lookup; retry the commit under the canonical ID before giving up.
	now := o.clock().UTC()
	commitID := cred.CredentialID
	err = o.creds.UpdateSignCount(ctx, commitID, stored, next, now)
	if errors.Is(err, models.ErrCredentialNotFound) {
		commitID = credential.Canonicalize(commitID)
		err = o.creds.UpdateSignCount(ctx, commitID, stored, next, now)
	}
	if err != nil {
		if errors.Is(err, models.ErrCounterConflict) {
			o.emit(ctx, &models.SecurityEvent{
				UserID:       user.UserID,
				EventType:    models.EventCounterRegression,
				CeremonyType: string(models.CeremonyAuthentication),
				CredentialID: cred.CredentialID,
				IPAddress:    net.ParseIP(input.ClientIP),
				Severity:     models.SeverityHigh,
				Details:      "concurrent counter update lost",
			})
			return nil, fmt.Errorf("%w: stale sign counter", ErrVerificationFailed)
		}
		util.Error("Failed to commit sign counter",
			zap.String("credential_id", commitID), zap.Error(err))
		return nil, fmt.Errorf("%w: could not commit counter", ErrInternal)
	}

	if err := o.users.UpdateLoginStats(ctx, user.UserID, true); err != nil {
		util.Warn("Failed to update login stats",
			zap.String("user_id", user.UserID), zap.Error(err))
	}

	o.emit(ctx, &models.SecurityEvent{
		UserID:       user.UserID,
		EventType:    models.EventLoginFinished,
		CeremonyType: string(models.CeremonyAuthentication),
		CredentialID: commitID,
		IPAddress:    net.ParseIP(input.ClientIP),
		Severity:     models.SeverityLow,
	})

	util.Info("Login completed",
		zap.String("user_id", user.UserID),
		zap.String("credential_id", commitID))

	return &LoginOutcome{
		UserID:       user.UserID,
		CredentialID: commitID,
		SignCount:    next,
	}, nil
}

// recordLoginFailure books the failed attempt against the account and
// emits the audit event.
func (o *Orchestrator) recordLoginFailure(ctx context.Context, user *models.User, credentialID, clientIP, details string) {
	if err := o.users.UpdateLoginStats(ctx, user.UserID, false); err != nil {
		util.Warn("Failed to update login stats",
			zap.String("user_id", user.UserID), zap.Error(err))
	}
	o.failLogin(ctx, user, credentialID, clientIP, details)
}

func (o *Orchestrator) failLogin(ctx context.Context, user *models.User, credentialID, clientIP, details string) {
	userID := ""
	if user != nil {
		userID = user.UserID
	}
	o.emit(ctx, &models.SecurityEvent{
		UserID:       userID,
		EventType:    models.EventLoginFailed,
		CeremonyType: string(models.CeremonyAuthentication),
		CredentialID: credentialID,
		IPAddress:    net.ParseIP(clientIP),
		Severity:     models.SeverityMedium,
		Details:      details,
	})
}

// classifyVerifierError maps the oracle's sentinel errors onto the
// ceremony taxonomy.
func classifyVerifierError(err error) error {
	if errors.Is(err, verifier.ErrInvalidResponse) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return fmt.Errorf("%w: authenticator response rejected", ErrVerificationFailed)
}
