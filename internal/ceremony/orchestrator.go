// Package ceremony drives the passkey registration and authentication
// state machines: challenge issue, response verification, single-use
// consume, credential persistence and the audit trail around each
// outcome.
package ceremony

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"passkey-service/internal/config"
	"passkey-service/internal/credential"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
	"passkey-service/internal/verifier"
)

type Orchestrator struct {
	users      models.UserRepository
	creds      models.CredentialRepository
	resolver   *credential.Resolver
	identities *identity.Resolver
	challenges models.ChallengeStore
	verifier   verifier.Verifier
	events     models.EventWriter
	limiter    models.RateLimiter
	config     *config.Config
	clock      models.Clock
}

func NewOrchestrator(
	users models.UserRepository,
	creds models.CredentialRepository,
	resolver *credential.Resolver,
	identities *identity.Resolver,
	challenges models.ChallengeStore,
	v verifier.Verifier,
	events models.EventWriter,
	limiter models.RateLimiter,
	cfg *config.Config,
	clock models.Clock,
) *Orchestrator {
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		users:      users,
		creds:      creds,
		resolver:   resolver,
		identities: identities,
		challenges: challenges,
		verifier:   v,
		events:     events,
		limiter:    limiter,
		config:     cfg,
		clock:      clock,
	}
}

// allowStart enforces the per-caller ceremony start budget. Limiter
// outages fail open so an analytics problem cannot lock users out.
func (o *Orchestrator) allowStart(ctx context.Context, clientIP, handle string, ceremony models.CeremonyType) error {
	key := clientIP
	if key == "" {
		key = handle
	}
	if key == "" {
		return nil
	}

	allowed, err := o.limiter.Allow(ctx, "ceremony:"+key,
		o.config.RateLimit.CeremonyStartsPerMinute, time.Minute)
	if err != nil {
		util.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
		return nil
	}
	if !allowed {
		o.emit(ctx, &models.SecurityEvent{
			EventType:    models.EventRateLimited,
			CeremonyType: string(ceremony),
			IPAddress:    net.ParseIP(clientIP),
			Severity:     models.SeverityMedium,
			Details:      "ceremony start budget exceeded",
		})
		return fmt.Errorf("%w: too many ceremony starts", ErrRateLimited)
	}
	return nil
}

// emit records an audit event. The ceremony outcome is already decided
// when emit runs, so a sink failure is logged and swallowed.
func (o *Orchestrator) emit(ctx context.Context, event *models.SecurityEvent) {
	if err := o.events.Append(ctx, event); err != nil {
		util.Warn("Failed to record security event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

// saveChallenge persists a freshly issued challenge keyed by the nonce
// the verifier embedded in the options.
func (o *Orchestrator) saveChallenge(ctx context.Context, ceremony models.CeremonyType, ownerID string, opts *verifier.Options) (*models.Challenge, error) {
	now := o.clock().UTC()
	ch := &models.Challenge{
		ChallengeID: opts.Challenge,
		Type:        ceremony,
		OwnerID:     ownerID,
		SessionBlob: opts.Session,
		IssuedAt:    now,
		ExpiresAt:   now.Add(o.config.Challenge.TTL),
	}
	if err := o.challenges.SaveChallenge(ctx, ch, o.config.Challenge.TTL); err != nil {
		util.Error("Failed to persist challenge",
			zap.String("ceremony", string(ceremony)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: could not persist challenge", ErrInternal)
	}
	return ch, nil
}

// lookupChallenge fetches the challenge a finish response points at,
// falling back to the owner's newest usable challenge when the direct
// key misses.
func (o *Orchestrator) lookupChallenge(ctx context.Context, ceremony models.CeremonyType, challengeID, ownerID string) (*models.Challenge, error) {
	ch, err := o.challenges.GetChallenge(ctx, challengeID)
	if err == nil {
		return ch, nil
	}
	if ownerID == "" {
		return nil, err
	}
	return o.challenges.FindUsable(ctx, ceremony, ownerID)
}

// subjectFor builds the verifier's view of a user. Stored credential
// identifiers are decoded back to raw bytes for the exclusion and
// allow lists.
func subjectFor(user *models.User, creds []*models.Credential) *verifier.Subject {
	stored := make([]verifier.StoredCredential, 0, len(creds))
	for _, c := range creds {
		raw, err := credential.DecodeRaw(c.CredentialID)
		if err != nil {
			util.Warn("Skipping credential with undecodable ID",
				zap.String("credential_id", c.CredentialID))
			continue
		}
		stored = append(stored, verifier.StoredCredential{
			ID:              raw,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transports:      c.Transports,
			AAGUID:          c.AAGUID,
			SignCount:       c.SignCount,
			BackupEligible:  c.BackupEligible,
			BackupState:     c.BackupState,
		})
	}
	return &verifier.Subject{
		ID:          user.WebAuthnHandle(),
		Name:        user.Username,
		DisplayName: user.DisplayName,
		Credentials: stored,
	}
}
